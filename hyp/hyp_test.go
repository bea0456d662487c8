package hyp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony0924/stage2mmu/mem"
)

func TestNeedsBouncePage(t *testing.T) {
	assert.False(t, NeedsBouncePage(0x1000, 0x1100))
	assert.True(t, NeedsBouncePage(0x1f00, 0x2100))
	assert.False(t, NeedsBouncePage(0x1000, 0x1000))
}

func TestCreateHypMappingsInstallsIdenticalLeavesInBothTrees(t *testing.T) {
	phys := mem.NewPhysMem()
	b := NewBuilder(phys, nil)
	cache := mem.NewReserve(phys)
	require.Zero(t, cache.Topup(8, 32))

	pfn := phys.AllocFrame()
	rc := b.CreateHypMappings(cache, 0x1000, 0x3000, pfn)
	assert.Zero(t, rc)

	assert.True(t, b.Boot.IsMapped(0x1000))
	assert.True(t, b.Boot.IsMapped(0x2000))
	assert.True(t, b.Runtime.IsMapped(0x1000))
	assert.True(t, b.Runtime.IsMapped(0x2000))

	bootLeaf := b.Boot.Lookup(0x1000)
	runtimeLeaf := b.Runtime.Lookup(0x1000)
	assert.Equal(t, bootLeaf, runtimeLeaf)
	assert.Equal(t, pfn, bootLeaf.PFN())
}

func TestCreateIoMappingsUsesDeviceAttribute(t *testing.T) {
	phys := mem.NewPhysMem()
	b := NewBuilder(phys, nil)
	cache := mem.NewReserve(phys)
	require.Zero(t, cache.Topup(8, 32))

	pfn := phys.AllocFrame()
	require.Zero(t, b.CreateIoMappings(cache, 0x5000, 0x6000, pfn))

	leaf := b.Boot.Lookup(0x5000)
	assert.True(t, leaf.Valid())
}

func TestInstallBouncePageCopiesAndFlushes(t *testing.T) {
	phys := mem.NewPhysMem()
	b := NewBuilder(phys, nil)

	text := []byte{0xde, 0xad, 0xbe, 0xef}
	var flushed []mem.Pa_t
	pa := b.InstallBouncePage(text, func(p mem.Pa_t) { flushed = append(flushed, p) })

	frame := phys.Dmap(pa)
	assert.Equal(t, text, frame[:len(text)])
	assert.Contains(t, flushed, pa)
}

func TestFreeBootAndFreeAllRelease(t *testing.T) {
	phys := mem.NewPhysMem()
	b := NewBuilder(phys, nil)
	b.InstallBouncePage([]byte{1, 2, 3}, nil)

	b.FreeAll()
	assert.Nil(t, b.Boot)
	assert.Nil(t, b.Runtime)
}
