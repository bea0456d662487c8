// Package clone implements the VM-clone copy-on-access engine (C8): the
// arming step that turns a source VM's top-level stage-2 entries into
// CoA sentinels, and the three-level split/duplicate protocol that the
// stage-2 fault path (via s2pt.CoAHooks) drives to completion on first
// touch by either side. Grounded on
// original_source/arch/arm/kvm/mmu.c's mark_s2_non_present,
// handle_coa_pud/pmd/pte and their src/target/ioaddr sub-handlers.
package clone

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tony0924/stage2mmu/defs"
	"github.com/tony0924/stage2mmu/guest"
	"github.com/tony0924/stage2mmu/mem"
	"github.com/tony0924/stage2mmu/s2pt"
)

// Engine is the clone/CoA subsystem shared by exactly one source↔target
// VM pair. Per §9's design note, the coaLock here is scoped to the pair
// rather than a single process-wide lock, since the only real sharing is
// between these two trees.
type Engine struct {
	coaLock sync.Mutex

	Registry *mem.SharedRegistry
	Pool     *mem.PagePool
	Host     guest.HostMemory
	Slots    *guest.Memslots
	Log      logrus.FieldLogger
}

// NewEngine wires a CoA engine for one source/target pair.
func NewEngine(host guest.HostMemory, slots *guest.Memslots, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		Registry: mem.NewSharedRegistry(log),
		Pool:     mem.NewPagePool(log),
		Host:     host,
		Slots:    slots,
		Log:      log,
	}
}

// MarkS2NonPresent arms a VM for cloning (mark_s2_non_present /
// kvm_set_memslot_non_present): for every memslot of t, for every present
// L1 entry, clear its table-type bit and register the child L2-table PFN
// as shared (I5(a)). IPAs backing I/O are untouched because only
// registered memslots are walked.
func (e *Engine) MarkS2NonPresent(t *s2pt.Table, slots *guest.Memslots) {
	t.Lock()
	defer t.Unlock()

	slots.ForEachMemslot(func(slot *guest.Memslot) {
		start := slot.BaseGfn << mem.PageShift
		end := start + slot.Npages<<mem.PageShift
		t.MarkMemslotNonPresent(start, end, func(childPfn mem.Pa_t) {
			e.Registry.Add(childPfn)
		})
	})

	t.Role = s2pt.CloneSource
}

// HandleCoaPud implements handle_coa_pud: under the pair's CoA lock, if
// the faulting entry's child pmd-table PFN is still shared, splits it
// into a fresh table with every entry's table-type bit cleared one level
// down (propagating the sentinel); otherwise the other side already
// split it, so this just restores the table-type bit.
func (e *Engine) HandleCoaPud(t *s2pt.Table, cache *mem.Reserve_t, ipa uint64, l1e *s2pt.Pte) {
	e.coaLock.Lock()
	defer e.coaLock.Unlock()

	oldPmdPa := l1e.PFN()

	if e.Registry.Contains(oldPmdPa) {
		e.Registry.Delete(oldPmdPa)

		newPmdPa := cache.Alloc()
		t.ForEachL2Entry(oldPmdPa, func(i int, oldE *s2pt.Pte) {
			if (*oldE).Absent() {
				return
			}
			sentinel := oldE.WithoutValid()
			*oldE = sentinel
			t.SetL2Entry(newPmdPa, i, sentinel)
			e.Registry.Add(sentinel.PFN())
			t.Phys.Refup(newPmdPa)
		})

		*l1e = s2pt.MkTableEntry(newPmdPa)
	} else {
		*l1e = l1e.WithValid()
	}
}

// HandleCoaPmd is the L2 analogue of HandleCoaPud: the sentinel
// propagated into the new L3 table is the leaf present bit, and every
// present leaf's PFN is registered as shared (I5(b)).
func (e *Engine) HandleCoaPmd(t *s2pt.Table, cache *mem.Reserve_t, ipa uint64, l2e *s2pt.Pte) {
	e.coaLock.Lock()
	defer e.coaLock.Unlock()

	oldPtePa := l2e.PFN()

	if e.Registry.Contains(oldPtePa) {
		e.Registry.Delete(oldPtePa)

		newPtePa := cache.Alloc()
		t.ForEachL3Entry(oldPtePa, func(i int, oldE *s2pt.Pte) {
			if (*oldE).Absent() {
				return
			}
			sentinel := oldE.WithoutValid()
			*oldE = sentinel
			t.SetL3Entry(newPtePa, i, sentinel)
			e.Registry.Add(sentinel.PFN())
			t.Phys.Refup(newPtePa)
		})

		*l2e = s2pt.MkTableEntry(newPtePa)
	} else {
		*l2e = l2e.WithValid()
	}

	t.InvalidateIpa(ipa)
}

// HandleCoaPte implements handle_coa_pte and its src/target/ioaddr
// sub-protocols. It runs from inside s2pt.StageSetPte, after the leaf has
// already been overwritten with newPte, matching original's comment that
// "due to original kvm flow, the pte value has already been set".
func (e *Engine) HandleCoaPte(t *s2pt.Table, ipa uint64, ptep *s2pt.Pte, oldPte, newPte s2pt.Pte, iomap bool) {
	e.coaLock.Lock()
	defer e.coaLock.Unlock()

	oldPfn := oldPte.PFN()

	switch {
	case iomap:
		if e.Registry.Contains(oldPfn) {
			e.Registry.Delete(oldPfn)
		}
	case t.Role == s2pt.CloneSource:
		e.handleCoaPteSrc(ipa, oldPfn, newPte.PFN())
	default:
		e.handleCoaPteTarget(ipa, oldPfn, newPte.PFN())
	}

	t.InvalidateIpa(ipa)
}

// handleCoaPteSrc: the translator returned the same PFN the source had
// before (the source keeps its original page). If that PFN is still
// shared, stash a snapshot in the pool for the target's eventual first
// touch and unshare it.
func (e *Engine) handleCoaPteSrc(ipa uint64, oldPfn, newPfn mem.Pa_t) {
	if oldPfn != newPfn {
		e.Log.WithFields(logrus.Fields{"old": oldPfn, "new": newPfn}).Error("source CoA: pfn mismatch")
		return
	}
	if !e.Registry.Contains(oldPfn) {
		return
	}
	hva := e.Slots.GpaToHva(ipa)
	var snapshot mem.Frame_t
	e.Host.ReadHva(hva, &snapshot)
	e.Pool.Add(oldPfn, &snapshot)
	e.Registry.Delete(oldPfn)
}

// handleCoaPteTarget: the translator returned a fresh PFN for the
// target. Either the source hasn't touched the page yet (still shared:
// read it live) or the source already stashed a snapshot in the pool.
func (e *Engine) handleCoaPteTarget(ipa uint64, oldPfn, newPfn mem.Pa_t) {
	if oldPfn == newPfn {
		e.Log.WithFields(logrus.Fields{"old": oldPfn, "new": newPfn}).Error("target CoA: pfn collision")
		return
	}
	hva := e.Slots.GpaToHva(ipa)
	if e.Registry.Contains(oldPfn) {
		var content mem.Frame_t
		e.Host.ReadPfn(oldPfn, &content)
		e.Host.WriteHva(hva, &content)
		e.Registry.Delete(oldPfn)
		return
	}
	snapshot, ok := e.Pool.Find(oldPfn)
	if !ok {
		e.Log.WithField("pfn", oldPfn).Error("target CoA: no pool entry and no registry entry for old pfn")
		return
	}
	e.Host.WriteHva(hva, snapshot)
	e.Pool.Delete(oldPfn)
}

// UnshareGfn proactively faults in and unshares a single GFN (a helper
// for kvm_arm_unshare_gfn), driving the CoA protocol to completion
// without an actual guest access. It is a no-op if the GFN was never
// touched or is already unshared (I... O3).
func UnshareGfn(t *s2pt.Table, cache *mem.Reserve_t, host guest.HostMemory, gfn uint64, memslot *guest.Memslot) defs.Err_t {
	ipa := gfn << mem.PageShift
	if !t.IsMapped(ipa) {
		return 0
	}
	if memslot.IsUnshared(gfn) {
		return 0
	}
	if rc := cache.Topup(2, 4); rc != 0 {
		return rc
	}
	pfn, _, rc := host.GfnToPfnProt(gfn, false)
	if rc != 0 {
		return -defs.EFAULT
	}
	host.CoherentIcacheGuestPage(gfn)
	leaf := s2pt.MkLeaf(pfn, false, false)
	return t.StageSetPte(cache, ipa, leaf, false)
}

// UnshareGfns runs UnshareGfn over every GFN in [baseGfn, baseGfn+npages)
// of memslot, using the given VCPU's reserve (kvm_arm_unshare_gfns); GFNs
// never accessed or already unshared are left as they are. Per §9's design
// note, this is safe only when every VCPU of the VM is paused; the
// orchestrator must guarantee that precondition; it is not re-checked
// here.
func UnshareGfns(t *s2pt.Table, cache *mem.Reserve_t, host guest.HostMemory, memslot *guest.Memslot) defs.Err_t {
	for i := uint64(0); i < memslot.Npages; i++ {
		gfn := memslot.BaseGfn + i
		if rc := UnshareGfn(t, cache, host, gfn, memslot); rc != 0 {
			return rc
		}
	}
	return 0
}
