package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony0924/stage2mmu/mem"
)

func TestSimpleHostMemoryGfnToPfnProtAllocatesLazily(t *testing.T) {
	phys := mem.NewPhysMem()
	slots := NewMemslots()
	slots.Set([]*Memslot{{BaseGfn: 0x100, Npages: 4, UserspaceAddr: 0x8000}})
	h := NewSimpleHostMemory(phys, slots)

	pfn, writable, rc := h.GfnToPfnProt(0x101, true)
	require.Zero(t, rc)
	assert.True(t, writable)
	assert.NotZero(t, pfn)

	pfn2, _, rc := h.GfnToPfnProt(0x101, true)
	require.Zero(t, rc)
	assert.Equal(t, pfn, pfn2)
}

func TestSimpleHostMemoryGfnToPfnProtRejectsUnmappedGfn(t *testing.T) {
	phys := mem.NewPhysMem()
	slots := NewMemslots()
	h := NewSimpleHostMemory(phys, slots)

	_, _, rc := h.GfnToPfnProt(0x999, false)
	assert.Negative(t, int(rc))
}

func TestSimpleHostMemoryReadWriteHvaRoundTrip(t *testing.T) {
	phys := mem.NewPhysMem()
	slots := NewMemslots()
	h := NewSimpleHostMemory(phys, slots)

	var src mem.Frame_t
	src[0] = 0x42
	h.WriteHva(0x9000, &src)

	var dst mem.Frame_t
	h.ReadHva(0x9000, &dst)
	assert.Equal(t, src, dst)
}

func TestSimpleHostMemoryReadPfnIndependentOfHva(t *testing.T) {
	phys := mem.NewPhysMem()
	slots := NewMemslots()
	h := NewSimpleHostMemory(phys, slots)

	pfn := phys.AllocFrame()
	frame := phys.Dmap(pfn)
	frame[0] = 0x7

	var dst mem.Frame_t
	h.ReadPfn(pfn, &dst)
	assert.Equal(t, byte(0x7), dst[0])
}
