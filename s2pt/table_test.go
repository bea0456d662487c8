package s2pt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony0924/stage2mmu/mem"
)

func newTestTable(t *testing.T) (*Table, *mem.Reserve_t) {
	t.Helper()
	phys := mem.NewPhysMem()
	tree, rc := AllocStage2Pgd(phys, nil)
	require.Zero(t, rc)
	cache := mem.NewReserve(phys)
	require.Zero(t, cache.Topup(8, 16))
	return tree, cache
}

func TestStageSetPteInstallsAndRoundTrips(t *testing.T) {
	tree, cache := newTestTable(t)

	dataPfn := tree.Phys.AllocFrame()
	leaf := MkLeaf(dataPfn, true, false)

	ipa := uint64(0x40001000)
	rc := tree.StageSetPte(cache, ipa, leaf, false)
	assert.Zero(t, rc)

	got := tree.Lookup(ipa)
	assert.Equal(t, leaf, got)
	assert.True(t, got.Valid())
	assert.True(t, got.Writable())
}

func TestStageSetPteIomapConflictWithoutClone(t *testing.T) {
	tree, cache := newTestTable(t)
	pfn := tree.Phys.AllocFrame()

	ipa := uint64(0x80000000)
	first := MkLeaf(pfn, true, true)
	require.Zero(t, tree.StageSetPte(cache, ipa, first, true))

	second := MkLeaf(pfn, true, true)
	rc := tree.StageSetPte(cache, ipa, second, true)
	assert.Negative(t, int(rc))

	assert.Equal(t, first, tree.Lookup(ipa))
}

func TestUnmapRangeClearsLeavesAndFreesTables(t *testing.T) {
	tree, cache := newTestTable(t)
	pfn := tree.Phys.AllocFrame()
	ipa := uint64(0x1000)

	require.Zero(t, tree.StageSetPte(cache, ipa, MkLeaf(pfn, true, false), false))
	assert.True(t, tree.IsMapped(ipa))

	liveBefore := tree.Phys.Live()
	tree.UnmapRange(0, KvmPhysSize)
	assert.False(t, tree.IsMapped(ipa))

	// The L2/L3 tables created to host the single leaf should be freed
	// once their occupancy returns to one (I1); the root, the original data
	// frame and the frames still held by the reserve remain live.
	assert.Less(t, tree.Phys.Live(), liveBefore)
}

func TestFreeStage2PgdLeavesNoLeaks(t *testing.T) {
	// P1 is scoped to table-page reference counts: leaf (data) frames are
	// owned by the host-memory layer (guest.HostMemory), not the stage-2
	// tree, so the test releases them itself the way a real caller's
	// kvm_release_pfn_clean would before checking for leaks.
	phys := mem.NewPhysMem()
	tree, rc := AllocStage2Pgd(phys, nil)
	require.Zero(t, rc)
	cache := mem.NewReserve(phys)
	require.Zero(t, cache.Topup(8, 16))

	var dataPfns []mem.Pa_t
	for i := uint64(0); i < 4; i++ {
		pfn := phys.AllocFrame()
		dataPfns = append(dataPfns, pfn)
		ipa := i * mem.PageSize
		require.Zero(t, tree.StageSetPte(cache, ipa, MkLeaf(pfn, true, false), false))
	}
	cache.FreeAll()

	FreeStage2Pgd(tree)
	for _, pfn := range dataPfns {
		phys.FreeFrame(pfn)
	}
	assert.Equal(t, 0, phys.Live())
}

func TestAllocStage2PgdRejectsDoubleInit(t *testing.T) {
	phys := mem.NewPhysMem()
	tree, rc := AllocStage2Pgd(phys, nil)
	require.Zero(t, rc)

	_, rc = AllocStage2Pgd(phys, tree)
	assert.Negative(t, int(rc))
}

func TestSetMemslotReadonlyClearsWritableBit(t *testing.T) {
	tree, cache := newTestTable(t)
	pfn := tree.Phys.AllocFrame()
	ipa := uint64(3 * mem.PageSize)

	require.Zero(t, tree.StageSetPte(cache, ipa, MkLeaf(pfn, true, false), false))
	assert.True(t, tree.Lookup(ipa).Writable())

	tree.SetMemslotReadonly(3, 1, func(uint64) bool { return true })

	leaf := tree.Lookup(ipa)
	assert.False(t, leaf.Writable())
	assert.True(t, leaf.Valid())
}

func TestSetMemslotReadonlySkipsInvisibleGfns(t *testing.T) {
	tree, cache := newTestTable(t)
	pfn := tree.Phys.AllocFrame()
	ipa := uint64(5 * mem.PageSize)
	require.Zero(t, tree.StageSetPte(cache, ipa, MkLeaf(pfn, true, false), false))

	tree.SetMemslotReadonly(5, 1, func(uint64) bool { return false })
	assert.True(t, tree.Lookup(ipa).Writable())
}

func TestUnmapRangeInvokesInvalidateForClearedLeaf(t *testing.T) {
	tree, cache := newTestTable(t)
	var invalidated []uint64
	tree.Invalidate = func(ipa uint64) { invalidated = append(invalidated, ipa) }

	pfn := tree.Phys.AllocFrame()
	ipa := uint64(7 * mem.PageSize)
	require.Zero(t, tree.StageSetPte(cache, ipa, MkLeaf(pfn, true, false), false))

	invalidated = nil
	tree.UnmapRange(ipa, mem.PageSize)
	assert.Contains(t, invalidated, ipa)
}

func TestPteSentinelEncoding(t *testing.T) {
	pfn := mem.Pa_t(0x5000)
	leaf := MkLeaf(pfn, true, false)
	assert.True(t, leaf.Valid())

	sentinel := leaf.WithoutValid()
	assert.False(t, sentinel.Valid())
	assert.True(t, sentinel.Sentinel())
	assert.Equal(t, pfn, sentinel.PFN())

	restored := sentinel.WithValid()
	assert.Equal(t, leaf, restored)
}
