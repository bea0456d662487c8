package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestSlots() *Memslots {
	s := NewMemslots()
	s.Set([]*Memslot{
		{BaseGfn: 0x40000, Npages: 16, UserspaceAddr: 0x7f0000000000},
		{BaseGfn: 0x50000, Npages: 4, UserspaceAddr: 0x7f0000010000, Flags: FlagReadonly},
	})
	return s
}

func TestGfnToMemslotFindsContainingSlot(t *testing.T) {
	s := newTestSlots()
	slot := s.GfnToMemslot(0x40005)
	assert.NotNil(t, slot)
	assert.EqualValues(t, 0x40000, slot.BaseGfn)

	assert.Nil(t, s.GfnToMemslot(0x60000))
}

func TestIsVisibleGfn(t *testing.T) {
	s := newTestSlots()
	assert.True(t, s.IsVisibleGfn(0x40000))
	assert.False(t, s.IsVisibleGfn(0x41000))
}

func TestForEachMemslotVisitsAllInOrder(t *testing.T) {
	s := newTestSlots()
	var bases []uint64
	s.ForEachMemslot(func(m *Memslot) { bases = append(bases, m.BaseGfn) })
	assert.Equal(t, []uint64{0x40000, 0x50000}, bases)
}

func TestGpaToHva(t *testing.T) {
	s := newTestSlots()
	hva := s.GpaToHva(0x40002 << 12)
	assert.EqualValues(t, 0x7f0000000000+2*4096, hva)

	assert.EqualValues(t, 0, s.GpaToHva(0x99999000))
}

func TestUnshareBitmapRoundTrip(t *testing.T) {
	s := newTestSlots()
	slot := s.GfnToMemslot(0x40003)
	assert.False(t, slot.IsUnshared(0x40003))
	slot.SetUnshared(0x40003)
	assert.True(t, slot.IsUnshared(0x40003))
	assert.False(t, slot.IsUnshared(0x40004))
}

func TestMarkDirtyOnlyWhenLogDirtyEnabled(t *testing.T) {
	slot := &Memslot{BaseGfn: 10, Npages: 8}
	slot.MarkDirty(12)
	assert.Nil(t, slot.DirtyBitmap)

	slot.Flags |= FlagLogDirty
	slot.MarkDirty(12)
	assert.NotNil(t, slot.DirtyBitmap)
}

func TestMmuNotifierRetryDetectsConcurrentInvalidate(t *testing.T) {
	s := NewMemslots()
	seq := s.Seq()
	assert.False(t, s.Retry(seq))

	s.BeginInvalidate()
	assert.True(t, s.Retry(seq))
	s.EndInvalidate()
	assert.True(t, s.Retry(seq))

	seq2 := s.Seq()
	assert.False(t, s.Retry(seq2))
}

func TestMarkDirtyAndMarkUnsharedSatisfyHooks(t *testing.T) {
	s := newTestSlots()
	s.MarkUnshared(0x40001)
	slot := s.GfnToMemslot(0x40001)
	assert.True(t, slot.IsUnshared(0x40001))
}
