package guest

import (
	"sync"

	"github.com/tony0924/stage2mmu/defs"
	"github.com/tony0924/stage2mmu/mem"
)

// HostMemory is the external host address-translator (§6): resolving a
// GFN to the host PFN currently backing it (gfn_to_pfn_prot), touching
// the guest page's icache coherency, and moving bytes to/from a host
// virtual address for the CoA snapshot/restore copies. GfnToPfnProt may
// sleep (real implementations call get_user_pages); the dispatcher calls
// it before taking mmu_lock. The other methods are called with mmu_lock
// held when the caller of StageSetPte holds it: ReleasePfnClean and
// SetPfnDirty by the dispatcher, and ReadHva, WriteHva and ReadPfn by the
// clone engine's CoA handlers, which run inside StageSetPte.
type HostMemory interface {
	// GfnToPfnProt resolves gfn to a host PFN. writeFault requests a
	// writable mapping; the returned writable flag reports whether the
	// host actually granted one. Returns -EFAULT on failure
	// (is_error_pfn).
	GfnToPfnProt(gfn uint64, writeFault bool) (pfn mem.Pa_t, writable bool, rc defs.Err_t)
	// ReleasePfnClean drops the reference taken by GfnToPfnProt without
	// marking the page dirty (kvm_release_pfn_clean).
	ReleasePfnClean(pfn mem.Pa_t)
	// SetPfnDirty marks pfn's host page dirty (kvm_set_pfn_dirty).
	SetPfnDirty(pfn mem.Pa_t)
	// CoherentIcacheGuestPage flushes the icache for gfn's backing page
	// so newly-written guest instructions are visible
	// (coherent_icache_guest_page).
	CoherentIcacheGuestPage(gfn uint64)
	// ReadHva copies PageSize bytes starting at hva into dst
	// (copy_from_user, used by the CoA source/target copy paths).
	ReadHva(hva uint64, dst *mem.Frame_t)
	// WriteHva copies PageSize bytes from src to hva (copy_to_user).
	WriteHva(hva uint64, src *mem.Frame_t)
	// ReadPfn copies PageSize bytes directly from the host page backing
	// pfn into dst, independent of any HVA (kmap(pfn_to_page(pfn))),
	// used by the target CoA branch to read a page the source hasn't
	// stashed a snapshot of yet.
	ReadPfn(pfn mem.Pa_t, dst *mem.Frame_t)
}

// SimpleHostMemory is a minimal in-process HostMemory used by tests and
// by any harness driving this module without a real hypervisor beneath
// it: host pages live in the same simulated physical-frame space as
// stage-2 leaves, addressed by HVA through a flat map.
type SimpleHostMemory struct {
	mu     sync.Mutex
	phys   *mem.PhysMem_t
	slots  *Memslots
	byHva  map[uint64]mem.Pa_t
}

// NewSimpleHostMemory creates a translator backed by phys, resolving GFNs
// through slots.
func NewSimpleHostMemory(phys *mem.PhysMem_t, slots *Memslots) *SimpleHostMemory {
	return &SimpleHostMemory{phys: phys, slots: slots, byHva: make(map[uint64]mem.Pa_t)}
}

// MapHva installs (or replaces) the host page backing hva, used by test
// setup and by a clone orchestrator provisioning fresh target backing.
func (s *SimpleHostMemory) MapHva(hva uint64, pfn mem.Pa_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHva[hva] = pfn
}

func (s *SimpleHostMemory) pfnForHva(hva uint64) (mem.Pa_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pfn, ok := s.byHva[hva]
	return pfn, ok
}

// GfnToPfnProt is a test/reference implementation: the caller must first
// have registered a memslot covering gfn. An HVA not yet mapped via MapHva
// gets a fresh backing frame on first use, mimicking a lazily-faulted-in
// host mapping.
func (s *SimpleHostMemory) GfnToPfnProt(gfn uint64, writeFault bool) (mem.Pa_t, bool, defs.Err_t) {
	slot := s.slots.GfnToMemslot(gfn)
	if slot == nil {
		return 0, false, -defs.EFAULT
	}
	hva := GfnToHvaMemslot(slot, gfn)
	pfn, ok := s.pfnForHva(hva)
	if !ok {
		pfn = s.phys.AllocFrame()
		s.MapHva(hva, pfn)
	}
	writable := slot.Flags&FlagReadonly == 0
	return pfn, writable, 0
}

func (s *SimpleHostMemory) ReleasePfnClean(mem.Pa_t) {}

func (s *SimpleHostMemory) SetPfnDirty(mem.Pa_t) {}

func (s *SimpleHostMemory) CoherentIcacheGuestPage(uint64) {}

func (s *SimpleHostMemory) ReadHva(hva uint64, dst *mem.Frame_t) {
	pfn, ok := s.pfnForHva(hva)
	if !ok {
		return
	}
	*dst = *s.phys.Dmap(pfn)
}

func (s *SimpleHostMemory) WriteHva(hva uint64, src *mem.Frame_t) {
	pfn, ok := s.pfnForHva(hva)
	if !ok {
		pfn = s.phys.AllocFrame()
		s.MapHva(hva, pfn)
	}
	*s.phys.Dmap(pfn) = *src
}

func (s *SimpleHostMemory) ReadPfn(pfn mem.Pa_t, dst *mem.Frame_t) {
	*dst = *s.phys.Dmap(pfn)
}
