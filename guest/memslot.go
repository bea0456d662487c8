// Package guest implements the collaborators the stage-2 fault
// dispatcher (package fault) and the clone engine (package clone) reach
// into but don't own themselves: memslot lookup/iteration, GFN
// visibility, host address translation, and the mmu_notifier
// retry-detection counter. Grounded on original_source/arch/arm/kvm/mmu.c
// (gfn_to_memslot, kvm_is_visible_gfn, kvm_for_each_memslot,
// gpa_to_hva/__gfn_to_hva_memslot, mmu_notifier_seq/mmu_notifier_retry)
// and generalized from "per struct kvm" globals into an explicit
// *Memslots receiver, since this module has no global kvm struct to hang
// them off.
package guest

import (
	"sort"
	"sync"

	"github.com/tony0924/stage2mmu/mem"
)

// SlotFlags mirrors the handful of KVM_MEM_* memslot flags the spec
// cares about.
type SlotFlags uint32

const (
	FlagReadonly SlotFlags = 1 << 0
	FlagLogDirty SlotFlags = 1 << 1
)

// Memslot describes one guest-visible region of the IPA space and the
// host user-space mapping that backs it (§4.9's userspace_addr/base_gfn
// /npages/flags, plus the per-slot unshare bitmap used by clone
// bookkeeping).
type Memslot struct {
	BaseGfn        uint64
	Npages         uint64
	UserspaceAddr  uint64
	Flags          SlotFlags
	DirtyBitmap    []uint64
	UnshareBitmap  []uint64
}

func (s *Memslot) containsGfn(gfn uint64) bool {
	return gfn >= s.BaseGfn && gfn < s.BaseGfn+s.Npages
}

func (s *Memslot) bitIndex(gfn uint64) (word, bit uint64) {
	rel := gfn - s.BaseGfn
	return rel / 64, rel % 64
}

func (s *Memslot) ensureUnshareBitmap() {
	if s.UnshareBitmap == nil {
		s.UnshareBitmap = make([]uint64, (s.Npages+63)/64)
	}
}

// SetUnshared records gfn as having been individually resolved out of a
// clone relationship (mark_gfn_unshared).
func (s *Memslot) SetUnshared(gfn uint64) {
	s.ensureUnshareBitmap()
	w, b := s.bitIndex(gfn)
	s.UnshareBitmap[w] |= 1 << b
}

// IsUnshared reports whether gfn was previously unshared (is_gfn_unshared).
func (s *Memslot) IsUnshared(gfn uint64) bool {
	if s.UnshareBitmap == nil {
		return false
	}
	w, b := s.bitIndex(gfn)
	if int(w) >= len(s.UnshareBitmap) {
		return false
	}
	return s.UnshareBitmap[w]&(1<<b) != 0
}

func (s *Memslot) ensureDirtyBitmap() {
	if s.DirtyBitmap == nil {
		s.DirtyBitmap = make([]uint64, (s.Npages+63)/64)
	}
}

// MarkDirty sets gfn's bit in the slot's dirty bitmap, a no-op when dirty
// logging isn't enabled for the slot (mark_page_dirty).
func (s *Memslot) MarkDirty(gfn uint64) {
	if s.Flags&FlagLogDirty == 0 {
		return
	}
	s.ensureDirtyBitmap()
	w, b := s.bitIndex(gfn)
	s.DirtyBitmap[w] |= 1 << b
}

// Memslots is the guest's registered memory-region set plus the
// mmu_notifier sequence counter used to detect concurrent host-side
// unmap racing a fault-handler's page lookup (§4.5, §4.6).
type Memslots struct {
	mu    sync.RWMutex
	slots []*Memslot

	notifierMu  sync.Mutex
	notifierSeq uint64
	inProgress  int
}

// NewMemslots creates an empty registry.
func NewMemslots() *Memslots { return &Memslots{} }

// Set installs or replaces the memory-region layout wholesale, as happens
// when userspace calls the set-memory-region ioctl. Slots are kept sorted
// by BaseGfn so ForEachMemslot visits them in that order.
func (m *Memslots) Set(slots []*Memslot) {
	cp := append([]*Memslot(nil), slots...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].BaseGfn < cp[j].BaseGfn })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = cp
}

// GfnToMemslot returns the slot containing gfn, or nil (gfn_to_memslot).
func (m *Memslots) GfnToMemslot(gfn uint64) *Memslot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.slots {
		if s.containsGfn(gfn) {
			return s
		}
	}
	return nil
}

// IsVisibleGfn reports whether gfn falls within a registered,
// non-private memslot (kvm_is_visible_gfn).
func (m *Memslots) IsVisibleGfn(gfn uint64) bool {
	return m.GfnToMemslot(gfn) != nil
}

// ForEachMemslot iterates every registered slot in BaseGfn order
// (kvm_for_each_memslot).
func (m *Memslots) ForEachMemslot(fn func(*Memslot)) {
	m.mu.RLock()
	slots := append([]*Memslot(nil), m.slots...)
	m.mu.RUnlock()
	for _, s := range slots {
		fn(s)
	}
}

// GfnToHvaMemslot computes the host virtual address backing gfn within
// slot (__gfn_to_hva_memslot).
func GfnToHvaMemslot(s *Memslot, gfn uint64) uint64 {
	return s.UserspaceAddr + (gfn-s.BaseGfn)<<mem.PageShift
}

// GpaToHva resolves a guest physical address to the host virtual address
// currently backing it, or 0 if gpa falls outside every registered slot.
// This is a supplemented feature (§4 of SPEC_FULL.md): the original
// exposes gpa_to_hva for the clone engine's gfn_is_writable check and for
// debug dumping; the distilled spec folded it into "host address
// resolution" without naming it, so it's rebuilt here under its original
// name.
func (m *Memslots) GpaToHva(gpa uint64) uint64 {
	gfn := gpa >> mem.PageShift
	s := m.GfnToMemslot(gfn)
	if s == nil {
		return 0
	}
	return GfnToHvaMemslot(s, gfn)
}

// MarkDirty marks gfn dirty in whichever memslot contains it, a no-op if
// gfn falls outside every slot. Satisfies s2pt.MemHooks structurally so a
// *Memslots can be wired directly into a Table's Hook field without this
// package importing s2pt.
func (m *Memslots) MarkDirty(gfn uint64) {
	if s := m.GfnToMemslot(gfn); s != nil {
		s.MarkDirty(gfn)
	}
}

// MarkUnshared records gfn as exclusive to this VM after cloning,
// satisfying s2pt.MemHooks (mark_gfn_unshared).
func (m *Memslots) MarkUnshared(gfn uint64) {
	if s := m.GfnToMemslot(gfn); s != nil {
		s.SetUnshared(gfn)
	}
}

// Seq returns the current mmu_notifier sequence number.
func (m *Memslots) Seq() uint64 {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	return m.notifierSeq
}

// BeginInvalidate bumps the sequence counter to an odd value (marking an
// invalidation as in flight) before any host-side unmap or protection
// change proceeds, mirroring the _start half of
// mmu_notifier_invalidate_range. EndInvalidate must be called afterward.
func (m *Memslots) BeginInvalidate() {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.inProgress++
	m.notifierSeq++
}

// EndInvalidate bumps the sequence counter again, marking the
// invalidation complete (the _end half).
func (m *Memslots) EndInvalidate() {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	m.inProgress--
	m.notifierSeq++
}

// Retry reports whether an invalidation raced the snapshot taken at seq:
// either one is currently in flight, or the counter has moved since.
// Mirrors mmu_notifier_retry, called under mmu_lock after re-acquiring it
// post-fault-resolution (§4.5/§4.6, I... the single-writer discipline
// under mmu_lock that stage2_set_pte depends on).
func (m *Memslots) Retry(seq uint64) bool {
	m.notifierMu.Lock()
	defer m.notifierMu.Unlock()
	if m.inProgress > 0 {
		return true
	}
	return m.notifierSeq != seq
}
