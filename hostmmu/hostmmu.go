// Package hostmmu implements the host-mapping hooks (C6): reacting to
// the host unmapping or changing a user-space page by clearing or
// updating the matching stage-2 entries. Grounded on
// original_source/arch/arm/kvm/mmu.c's kvm_unmap_hva,
// kvm_unmap_hva_range, kvm_set_spte_hva and the shared handle_hva_to_gpa
// walker they're both built on.
package hostmmu

import (
	"github.com/tony0924/stage2mmu/guest"
	"github.com/tony0924/stage2mmu/mem"
	"github.com/tony0924/stage2mmu/s2pt"
	"github.com/tony0924/stage2mmu/util"
)

// Hooks ties a VM's stage-2 tree to its memslot registry so host
// notifier callbacks can be translated from an HVA range into the GPAs
// that range backs.
type Hooks struct {
	Table *s2pt.Table
	Slots *guest.Memslots
}

// NewHooks wires the host-mapping hooks for one VM.
func NewHooks(t *s2pt.Table, slots *guest.Memslots) *Hooks {
	return &Hooks{Table: t, Slots: slots}
}

// forEachGpaInHvaRange mirrors handle_hva_to_gpa: for every memslot whose
// userspace_addr range overlaps [start, end), call handler once per GPA
// of every page that intersects the overlap.
func (h *Hooks) forEachGpaInHvaRange(start, end uint64, handler func(gpa uint64)) {
	h.Slots.ForEachMemslot(func(slot *guest.Memslot) {
		slotEnd := slot.UserspaceAddr + slot.Npages<<mem.PageShift
		hvaStart := util.Max(start, slot.UserspaceAddr)
		hvaEnd := util.Min(end, slotEnd)
		if hvaStart >= hvaEnd {
			return
		}
		gfn := slot.BaseGfn + (hvaStart-slot.UserspaceAddr)>>mem.PageShift
		gfnEnd := slot.BaseGfn + util.Roundup(hvaEnd-slot.UserspaceAddr, mem.PageSize)>>mem.PageShift
		for g := gfn; g < gfnEnd; g++ {
			handler(g << mem.PageShift)
		}
	})
}

// UnmapHva clears every stage-2 leaf backed by hva (kvm_unmap_hva). The
// host notifier has already bracketed this call with BeginInvalidate.
func (h *Hooks) UnmapHva(hva uint64) {
	h.UnmapHvaRange(hva, hva+mem.PageSize)
}

// UnmapHvaRange clears every stage-2 leaf backed by [start, end)
// (kvm_unmap_hva_range).
func (h *Hooks) UnmapHvaRange(start, end uint64) {
	h.Table.Lock()
	defer h.Table.Unlock()
	h.forEachGpaInHvaRange(start, end, func(gpa uint64) {
		h.Table.UnmapRange(gpa, mem.PageSize)
	})
}

// SetSpteHva updates the stage-2 leaf backed by hva to newPte, called
// when the host changes (not removes) a user-space page mapping
// (kvm_set_spte_hva). The walk passes a nil cache: if completing the
// install would require allocating an intermediate table, it silently
// declines and the guest will refault and populate properly later.
func (h *Hooks) SetSpteHva(hva uint64, newPte s2pt.Pte) {
	h.Table.Lock()
	defer h.Table.Unlock()
	h.forEachGpaInHvaRange(hva, hva+mem.PageSize, func(gpa uint64) {
		h.Table.StageSetPte(nil, gpa, newPte, false)
	})
}
