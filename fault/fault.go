// Package fault implements the stage-2 fault dispatcher (C5):
// classifying aborts into RAM population vs. emulated MMIO, and
// synchronizing against concurrent host-side unmap via the mmu-notifier
// sequence counter. Grounded on
// original_source/arch/arm/kvm/mmu.c's kvm_handle_guest_abort and
// user_mem_abort.
package fault

import (
	"github.com/sirupsen/logrus"

	"github.com/tony0924/stage2mmu/defs"
	"github.com/tony0924/stage2mmu/guest"
	"github.com/tony0924/stage2mmu/mem"
	"github.com/tony0924/stage2mmu/s2pt"
)

// MinMemObjs is the reserve size user_mem_abort tops up to (the max
// argument of Topup; the min is 2) before installing a leaf:
// KVM_NR_MEM_OBJS in original, sized for two intermediate tables plus
// headroom.
const MinMemObjs = 4

// MmioEmulator is the external collaborator that emulates an access to
// an IPA not backed by any memslot (io_mem_abort). Out of the core's
// scope per §1; only the interface the dispatcher calls is specified
// here.
type MmioEmulator interface {
	EmulateMmioAbort(faultIpa uint64, isIabt bool) defs.Err_t
}

// Dispatcher ties together a VM's stage-2 tree, its memslots, and the
// external host translator and MMIO emulator. The per-VCPU reserve is not
// stored here; it is passed to each HandleGuestAbort call.
type Dispatcher struct {
	Table   *s2pt.Table
	Slots   *guest.Memslots
	Host    guest.HostMemory
	Mmio    MmioEmulator
	Log     logrus.FieldLogger
}

// NewDispatcher wires a fault dispatcher for one VM.
func NewDispatcher(t *s2pt.Table, slots *guest.Memslots, host guest.HostMemory, mmio MmioEmulator, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &Dispatcher{Table: t, Slots: slots, Host: host, Mmio: mmio, Log: log}
}

// HandleGuestAbort handles all stage-2 aborts (kvm_handle_guest_abort).
// Returns >=1 for "handled, resume guest" and a negative Err_t for a
// fatal condition propagated to user space. A 0 from user_mem_abort is
// promoted to 1 here, matching original; on the MMIO path the emulator's
// return code is passed through unchanged, so 0 can come back from there.
func (d *Dispatcher) HandleGuestAbort(vf guest.VcpuFault, vcpu guest.Vcpu, cache *mem.Reserve_t) defs.Err_t {
	if vf.Status != guest.FscFault && vf.Status != guest.FscPerm {
		d.Log.WithFields(logrus.Fields{
			"class":  vf.Class,
			"status": vf.Status,
		}).Error("unsupported fault status")
		return -defs.EFAULT
	}

	gfn := vf.FaultIpa >> mem.PageShift
	if !d.Slots.IsVisibleGfn(gfn) {
		if vf.IsIabt {
			vcpu.InjectPrefetchAbort(vf.Hfar)
			return 1
		}
		if vf.Status != guest.FscFault {
			d.Log.WithField("status", vf.Status).Error("unsupported fault status on io memory")
			return -defs.EFAULT
		}
		faultIpa := vf.FaultIpa | (vf.Hfar & (mem.PageSize - 1))
		return d.Mmio.EmulateMmioAbort(faultIpa, vf.IsIabt)
	}

	rc := d.userMemAbort(vf, cache, gfn)
	if rc == 0 {
		return 1
	}
	return rc
}

// userMemAbort resolves a fault known to fall inside a registered
// memslot (user_mem_abort).
func (d *Dispatcher) userMemAbort(vf guest.VcpuFault, cache *mem.Reserve_t, gfn uint64) defs.Err_t {
	cloned := d.Table.Role != s2pt.CloneNone

	if vf.Status == guest.FscPerm && !vf.WriteFault && !cloned {
		d.Log.Error("unexpected L2 read permission error")
		return -defs.EFAULT
	}

	if rc := cache.Topup(2, MinMemObjs); rc != 0 {
		return rc
	}

	mmuSeq := d.Slots.Seq()
	// smp_rmb(): the read of mmuSeq must happen before GfnToPfnProt (which
	// may call into host page-fault-in) so a racing invalidation is
	// guaranteed to be observed by Retry below.

	isWritable := vf.WriteFault
	if cloned {
		isWritable = d.gfnIsWritable(gfn) || vf.WriteFault
	}

	pfn, writable, rc := d.Host.GfnToPfnProt(gfn, isWritable)
	if rc != 0 {
		return -defs.EFAULT
	}

	d.Host.CoherentIcacheGuestPage(gfn)

	d.Table.Lock()
	defer d.Table.Unlock()

	if d.Slots.Retry(mmuSeq) {
		d.Host.ReleasePfnClean(pfn)
		return 0
	}

	leaf := s2pt.MkLeaf(pfn, false, false)
	if writable {
		leaf = s2pt.MkLeaf(pfn, true, false)
		d.Host.SetPfnDirty(pfn)
	}

	d.Table.StageSetPte(cache, vf.FaultIpa, leaf, false)

	if vf.WriteFault {
		d.Slots.GfnToMemslot(gfn).MarkDirty(gfn)
	}

	d.Host.ReleasePfnClean(pfn)
	return 0
}

// gfnIsWritable reports whether the host VMA backing gfn is writable and
// the memslot isn't read-only (gfn_is_writable). The external HostMemory
// collaborator doesn't expose VMA flags directly in this module (that
// bookkeeping lives entirely on the host side); SimpleHostMemory treats
// every mapped HVA as writable unless its memslot says otherwise, so this
// folds to the memslot check, which is the part §4.8's CoA protocol
// actually depends on.
func (d *Dispatcher) gfnIsWritable(gfn uint64) bool {
	slot := d.Slots.GfnToMemslot(gfn)
	if slot == nil {
		return false
	}
	return slot.Flags&guest.FlagReadonly == 0
}
