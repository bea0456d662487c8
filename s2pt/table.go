// Package s2pt implements the three-level stage-2 page-table
// walker/mutator (C2), the stage-2 root lifecycle (C4), and read-only
// memslot enforcement (C7) described by spec.md §4.2, §4.4 and §4.7.
//
// The tree shape mirrors original_source/arch/arm/kvm/mmu.c for a 32-bit
// guest: an L1 table of 4 entries (PTRS_PER_S2_PGD), each covering 1GB,
// fanning out to 512-entry L2 (pmd) tables of 2MB regions, fanning out to
// 512-entry L3 (pte) tables of 4KB leaves — exactly KVM_PHYS_SIZE = 4GB.
// Grounded on teacher's page-table mutation idiom in vm/as.go
// (pmap_walk-shaped code, Tlbshoot) generalized from teacher's 4-level
// 512-entry x86 tree to this 3-level ARM-shaped one.
package s2pt

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/tony0924/stage2mmu/defs"
	"github.com/tony0924/stage2mmu/mem"
	"github.com/tony0924/stage2mmu/util"
)

// unsafePointer reinterprets a physical frame as whichever fixed-size
// array of Pte the caller asks for. Grounded on teacher's pg2pmap-style
// cast in mem/dmap.go, where a *Pg_t is reinterpreted as a *Pmap_t via
// unsafe.Pointer rather than copying the frame.
func unsafePointer(f *mem.Frame_t) unsafe.Pointer { return unsafe.Pointer(f) }

const (
	// L1Entries is PTRS_PER_S2_PGD for a 32-bit guest: 4 entries of 1GB
	// each cover the full 4GB KVM_PHYS_SIZE.
	L1Entries = 4
	L2Entries = 512
	L3Entries = 512

	l1Shift = 30
	l2Shift = 21
	l3Shift = mem.PageShift

	// KvmPhysSize is the fixed input-address space size stage-2 tables
	// translate over.
	KvmPhysSize = uint64(L1Entries) << l1Shift
)

// Pte is a single page-table descriptor, leaf or non-leaf. Bit 0 means
// "valid reference to a child table" for L1/L2 entries and "present" for
// L3 leaves; clearing it while the PFN bits remain is the CoA sentinel
// (§3's "invalid-table" / leaf present=0) used uniformly at every level.
type Pte uint64

const (
	flagValid   Pte = 1 << 0 // table-type / present
	flagS2RDWR  Pte = 1 << 1
	flagS2RDONLY Pte = 1 << 2
	flagDevice  Pte = 1 << 3
	flagDirty   Pte = 1 << 4

	pteAddrMask Pte = ^Pte(mem.PageSize - 1)
)

// PFN extracts the physical frame address carried by e, regardless of its
// valid/invalid-table or present/non-present state (the CoA sentinel is
// defined precisely by keeping this field intact while flagValid is
// cleared).
func (e Pte) PFN() mem.Pa_t { return mem.Pa_t(e & pteAddrMask) }

// Valid reports whether e is a live reference (table entry: points at a
// real child table; leaf entry: present and translatable).
func (e Pte) Valid() bool { return e&flagValid != 0 }

// Absent reports that e carries no information at all (never populated).
func (e Pte) Absent() bool { return e == 0 }

// Sentinel reports that e carries a PFN but flagValid is cleared — the CoA
// "invalid-table" / non-present-leaf marker.
func (e Pte) Sentinel() bool { return e != 0 && !e.Valid() }

// Writable reports whether a leaf entry carries the stage-2 writable bit.
func (e Pte) Writable() bool { return e&flagS2RDWR != 0 }

// WithoutValid clears flagValid while keeping the PFN — the CoA
// arming/propagation primitive used at every level.
func (e Pte) WithoutValid() Pte { return e &^ flagValid }

// WithValid restores flagValid on a sentinel entry.
func (e Pte) WithValid() Pte { return e | flagValid }

func mkTableEntry(pa mem.Pa_t) Pte { return Pte(pa) | flagValid }

// MkLeaf builds a present stage-2 leaf entry for pfn with the given
// attribute bits (RDWR/RDONLY/Device); it does not set flagDirty, which is
// managed separately by the fault dispatcher.
func MkLeaf(pfn mem.Pa_t, writable, device bool) Pte {
	e := Pte(pfn) | flagValid
	if writable {
		e |= flagS2RDWR
	} else {
		e |= flagS2RDONLY
	}
	if device {
		e |= flagDevice
	}
	return e
}

// MarkDirty sets the dirty bit on a leaf entry.
func (e Pte) MarkDirty() Pte { return e | flagDirty }

// Dirty reports whether a leaf entry is marked dirty.
func (e Pte) Dirty() bool { return e&flagDirty != 0 }

// ClearWritable drops the writable bit and sets read-only, used by §4.7.
func (e Pte) ClearWritable() Pte {
	return (e &^ flagS2RDWR) | flagS2RDONLY
}

type l1Table [L1Entries]Pte
type l2Table [L2Entries]Pte
type l3Table [L3Entries]Pte

func l1idx(ipa uint64) uint64 { return (ipa >> l1Shift) & (L1Entries - 1) }
func l2idx(ipa uint64) uint64 { return (ipa >> l2Shift) & (L2Entries - 1) }
func l3idx(ipa uint64) uint64 { return (ipa >> l3Shift) & (L3Entries - 1) }

func l1AddrEnd(addr, end uint64) uint64 {
	b := util.Rounddown(addr, uint64(1)<<l1Shift) + uint64(1)<<l1Shift
	if b == 0 || b > end {
		return end
	}
	return b
}

func l2AddrEnd(addr, end uint64) uint64 {
	b := util.Rounddown(addr, uint64(1)<<l2Shift) + uint64(1)<<l2Shift
	if b == 0 || b > end {
		return end
	}
	return b
}

func asL1(f *mem.Frame_t) *l1Table { return (*l1Table)(unsafePointer(f)) }
func asL2(f *mem.Frame_t) *l2Table { return (*l2Table)(unsafePointer(f)) }
func asL3(f *mem.Frame_t) *l3Table { return (*l3Table)(unsafePointer(f)) }

// CloneRole describes which side of a VM clone, if any, a stage-2 tree
// currently plays (§4.8). Owned here (read by both the walker, C2, and
// the fault dispatcher, C5) even though it is armed by the clone engine
// (C8), which lives in a higher-level package to avoid an import cycle.
type CloneRole int

const (
	CloneNone CloneRole = iota
	CloneSource
	CloneTarget
)

// CoAHooks is implemented by the clone engine (package clone) and invoked
// by the walker when it finds a CoA sentinel mid-walk. Splitting this out
// as an interface (rather than calling into the clone package directly, as
// original's single mmu.c file does) keeps s2pt free of a dependency on
// clone, which itself depends on s2pt for the Table/Pte types.
type CoAHooks interface {
	// HandleCoaPud splits a shared pmd-table referenced by a sentinel L1
	// entry, or restores its valid bit if the other side already split it.
	HandleCoaPud(t *Table, cache *mem.Reserve_t, ipa uint64, l1e *Pte)
	// HandleCoaPmd is the pmd-level analogue of HandleCoaPud.
	HandleCoaPmd(t *Table, cache *mem.Reserve_t, ipa uint64, l2e *Pte)
	// HandleCoaPte resolves a data-page CoA at leaf-install time.
	HandleCoaPte(t *Table, ipa uint64, ptep *Pte, oldPte, newPte Pte, iomap bool)
}

// MemHooks lets the walker reach into the (external) memslot/dirty-bitmap
// bookkeeping without importing the guest package, avoiding an import
// cycle symmetric to CoAHooks.
type MemHooks interface {
	MarkDirty(gfn uint64)
	MarkUnshared(gfn uint64)
}

// Table is a stage-2 (kvm != nil) or HYP (kvm == nil) page table tree.
// Vmid is nil for HYP trees, in which case TLB-by-VMID invalidation is a
// no-op (§4.2).
type Table struct {
	sync.Mutex // mmu_lock: held short, never across a sleeping operation (§5)

	Phys *mem.PhysMem_t
	Root mem.Pa_t

	Vmid *uint32
	Role CloneRole
	CoA  CoAHooks
	Hook MemHooks

	// Invalidate is called with an IPA whenever a present leaf at it is
	// rewritten or cleared, and again for each intermediate table freed
	// while unmapping it, so one IPA can be reported more than once
	// (I2/P3). nil is a no-op,
	// matching HYP trees where TLB-by-VMID invalidation does not apply.
	Invalidate func(ipa uint64)
	// FlushToPoC is called after every table/leaf write that must be
	// observed by the CPU's page-table walker (I3). nil is a no-op.
	FlushToPoC func(pa mem.Pa_t)

	Log logrus.FieldLogger
}

// NewTable allocates a fresh, zeroed stage-2 (or HYP) root.
func NewTable(phys *mem.PhysMem_t, vmid *uint32) *Table {
	root := phys.AllocFrame()
	return &Table{
		Phys: phys,
		Root: root,
		Vmid: vmid,
		Log:  logrus.New(),
	}
}

func (t *Table) invalidate(ipa uint64) {
	if t.Invalidate != nil {
		t.Invalidate(ipa)
	}
}

func (t *Table) flush(pa mem.Pa_t) {
	if t.FlushToPoC != nil {
		t.FlushToPoC(pa)
	}
}

func (t *Table) l1() *l1Table { return asL1(t.Phys.Dmap(t.Root)) }

// MkTableEntry builds a valid non-leaf entry pointing at the child table
// frame pa. Exported for the clone engine, which must repoint an L1/L2
// entry at a freshly duplicated child table (§4.8's "pud_populate" /
// "pmd_populate_kernel" step).
func MkTableEntry(pa mem.Pa_t) Pte { return mkTableEntry(pa) }

// ForEachL2Entry calls fn once per entry of the L2 (pmd) table at frame
// pa, exported so the clone engine can walk a table it is duplicating
// without s2pt needing to import the clone package (§4.8's
// duplicate_pmd_and_set_non_present).
func (t *Table) ForEachL2Entry(pa mem.Pa_t, fn func(i int, e *Pte)) {
	tab := asL2(t.Phys.Dmap(pa))
	for i := range tab {
		fn(i, &tab[i])
	}
}

// ForEachL3Entry is the L3 (pte) analogue of ForEachL2Entry
// (duplicate_pte_and_set_non_present).
func (t *Table) ForEachL3Entry(pa mem.Pa_t, fn func(i int, e *Pte)) {
	tab := asL3(t.Phys.Dmap(pa))
	for i := range tab {
		fn(i, &tab[i])
	}
}

// SetL2Entry writes e directly to index i of the L2 (pmd) table at frame
// pa, exported so the clone engine can install an already-known entry at
// its matching index in a duplicated table without re-scanning it
// (§4.8's duplicate_pmd_and_set_non_present, which populates the new pmd
// at the same index it read the old one from).
func (t *Table) SetL2Entry(pa mem.Pa_t, i int, e Pte) {
	tab := asL2(t.Phys.Dmap(pa))
	tab[i] = e
}

// SetL3Entry is the L3 (pte) analogue of SetL2Entry.
func (t *Table) SetL3Entry(pa mem.Pa_t, i int, e Pte) {
	tab := asL3(t.Phys.Dmap(pa))
	tab[i] = e
}

// clearL3Entry clears a present leaf, decrementing its owning L3 table's
// occupancy and invalidating the TLB (I2). Mirrors original's
// clear_pte_entry.
func (t *Table) clearL3Entry(l3pa mem.Pa_t, e *Pte, ipa uint64) {
	if e.Valid() {
		*e = 0
		t.Phys.Refdown(l3pa)
		t.invalidate(ipa)
	}
}

// clearL2Entry unlinks and frees an empty L3 table, mirroring original's
// clear_pmd_entry: always invalidates (the entry being removed was a live
// table reference) and decrements the L2 table's own occupancy.
func (t *Table) clearL2Entry(l2pa mem.Pa_t, e *Pte, ipa uint64) {
	child := e.PFN()
	*e = 0
	t.invalidate(ipa)
	t.Phys.FreeFrame(child)
	t.Phys.Refdown(l2pa)
}

// clearL1Entry is the L1 analogue of clearL2Entry, mirroring original's
// clear_pud_entry.
func (t *Table) clearL1Entry(e *Pte, ipa uint64) {
	child := e.PFN()
	*e = 0
	t.invalidate(ipa)
	t.Phys.FreeFrame(child)
}

// UnmapRange clears every leaf in [start, start+size), freeing
// intermediate tables whose occupancy returns to empty (I1), and issuing a
// VMID+IPA invalidation per cleared leaf and per freed intermediate (I2).
// It works on both stage-2 trees (Vmid != nil) and HYP trees (Vmid == nil,
// where TLB-by-VMID becomes a no-op), per §4.2.
func (t *Table) UnmapRange(start, size uint64) {
	end := start + size
	addr := start
	l1t := t.l1()
	for addr < end {
		l1e := &l1t[l1idx(addr)]
		if l1e.Absent() {
			addr = l1AddrEnd(addr, end)
			continue
		}
		l2pa := l1e.PFN()
		l2t := asL2(t.Phys.Dmap(l2pa))
		l2e := &l2t[l2idx(addr)]
		if l2e.Absent() {
			addr = l2AddrEnd(addr, end)
			continue
		}
		l3pa := l2e.PFN()
		l3t := asL3(t.Phys.Dmap(l3pa))
		l3e := &l3t[l3idx(addr)]

		t.clearL3Entry(l3pa, l3e, addr)
		next := addr + mem.PageSize

		if t.Phys.IsEmpty(l3pa) {
			t.clearL2Entry(l2pa, l2e, addr)
			next = l2AddrEnd(addr, end)
			if t.Phys.IsEmpty(l2pa) {
				t.clearL1Entry(l1e, addr)
				next = l1AddrEnd(addr, end)
			}
		}
		addr = next
	}
}

// IsMapped reports whether ipa currently has a non-zero leaf entry, either
// a present translation or a CoA sentinel leaf, used by the bulk-unshare
// precondition (§4.8, original's is_gpa_accessed).
func (t *Table) IsMapped(ipa uint64) bool {
	l1t := t.l1()
	l1e := l1t[l1idx(ipa)]
	if l1e.Absent() {
		return false
	}
	l2t := asL2(t.Phys.Dmap(l1e.PFN()))
	l2e := l2t[l2idx(ipa)]
	if l2e.Absent() {
		return false
	}
	l3t := asL3(t.Phys.Dmap(l2e.PFN()))
	return !l3t[l3idx(ipa)].Absent()
}

// Lookup returns the leaf entry currently installed at ipa (zero value if
// none), used by tests to assert P2.
func (t *Table) Lookup(ipa uint64) Pte {
	l1t := t.l1()
	l1e := l1t[l1idx(ipa)]
	if l1e.Absent() {
		return 0
	}
	l2t := asL2(t.Phys.Dmap(l1e.PFN()))
	l2e := l2t[l2idx(ipa)]
	if l2e.Absent() {
		return 0
	}
	l3t := asL3(t.Phys.Dmap(l2e.PFN()))
	return l3t[l3idx(ipa)]
}

// StageSetPte installs a leaf at ipa, following the behavior matrix of
// spec.md §4.2 (original_source's stage2_set_pte). cache may be nil, in
// which case any path that would need to allocate a child table instead
// silently declines and returns success — the host-notifier path
// (hostmmu.SetSpteHva) relies on this.
func (t *Table) StageSetPte(cache *mem.Reserve_t, ipa uint64, newPte Pte, iomap bool) defs.Err_t {
	l1t := t.l1()
	l1e := &l1t[l1idx(ipa)]

	if l1e.Absent() {
		if cache == nil {
			return 0
		}
		child := cache.Alloc()
		*l1e = mkTableEntry(child)
		t.flush(t.Root)
	} else if l1e.Sentinel() {
		if cache == nil {
			return 0
		}
		if t.Role != CloneNone && t.CoA != nil {
			t.CoA.HandleCoaPud(t, cache, ipa, l1e)
		}
	}

	l2t := asL2(t.Phys.Dmap(l1e.PFN()))
	l2e := &l2t[l2idx(ipa)]

	if l2e.Absent() {
		if cache == nil {
			return 0
		}
		child := cache.Alloc()
		*l2e = mkTableEntry(child)
		t.Phys.Refup(l1e.PFN())
		t.flush(l1e.PFN())
	} else if l2e.Sentinel() {
		if cache == nil {
			return 0
		}
		if t.Role != CloneNone && t.CoA != nil {
			t.CoA.HandleCoaPmd(t, cache, ipa, l2e)
		}
	}

	l3t := asL3(t.Phys.Dmap(l2e.PFN()))
	l3e := &l3t[l3idx(ipa)]

	if iomap && l3e.Valid() && t.Role == CloneNone {
		t.Log.WithFields(logrus.Fields{
			"ipa": ipa,
			"pfn": l3e.PFN(),
		}).Error("iomap install conflicts with existing leaf")
		return -defs.EFAULT
	}

	oldPte := *l3e
	*l3e = newPte
	if t.Hook != nil {
		t.Hook.MarkDirty(ipa >> mem.PageShift)
	}

	switch {
	case oldPte.Valid():
		t.invalidate(ipa)
	case oldPte != 0 && t.Role != CloneNone && t.CoA != nil:
		t.CoA.HandleCoaPte(t, ipa, l3e, oldPte, newPte, iomap)
	default:
		t.Phys.Refup(l2e.PFN())
	}

	if t.Role != CloneNone && !iomap && t.Hook != nil {
		t.Hook.MarkUnshared(ipa >> mem.PageShift)
	}

	t.flush(l2e.PFN())
	return 0
}

// AllocStage2Pgd allocates a fresh stage-2 root for a VM. Fails with
// EALREADY if root is already non-nil (C4, original's kvm_alloc_stage2_pgd).
// The VM birth/death single-threaded guarantee (I4) means no lock is taken
// here.
func AllocStage2Pgd(phys *mem.PhysMem_t, existing *Table) (*Table, defs.Err_t) {
	if existing != nil {
		return nil, -defs.EALREADY
	}
	vmid := new(uint32)
	return NewTable(phys, vmid), 0
}

// FreeStage2Pgd tears down a VM's stage-2 root: unmaps [0, KvmPhysSize)
// then releases the root page. Safe to call multiple times (t may be nil).
func FreeStage2Pgd(t *Table) {
	if t == nil || t.Root == 0 {
		return
	}
	t.UnmapRange(0, KvmPhysSize)
	t.Phys.FreeFrame(t.Root)
	t.Root = 0
}

// InvalidateIpa issues a VMID+IPA TLB invalidation for ipa. Exported so
// the clone engine can invalidate after completing a CoA split that
// spans an s2pt-internal critical section (handle_coa_pmd/handle_coa_pte
// both end with kvm_tlb_flush_vmid_ipa regardless of which branch ran).
func (t *Table) InvalidateIpa(ipa uint64) { t.invalidate(ipa) }

// MarkMemslotNonPresent arms cloning for [start, end) at L1 granularity:
// for every present L1 entry covering the range, clears its table-type
// bit (the CoA sentinel) and calls onShare with the child table's PFN so
// the caller can register it as shared (kvm_set_memslot_non_present).
// Only top-level entries are touched; memslot ranges backing I/O are
// never walked here, since callers iterate registered memslots only.
func (t *Table) MarkMemslotNonPresent(start, end uint64, onShare func(childPfn mem.Pa_t)) {
	addr := start
	l1t := t.l1()
	for addr < end {
		l1e := &l1t[l1idx(addr)]
		if l1e.Valid() {
			child := l1e.PFN()
			*l1e = l1e.WithoutValid()
			onShare(child)
		}
		addr = l1AddrEnd(addr, end)
	}
}

// SetMemslotReadonly sweeps [baseGfn, baseGfn+npages) under mmu_lock,
// clearing S2-writable on every present, visible leaf for dirty tracking
// (C7, §4.7). isVisible reports whether a GFN is visible to the guest
// (memslot bookkeeping the core doesn't own, §6).
func (t *Table) SetMemslotReadonly(baseGfn, npages uint64, isVisible func(gfn uint64) bool) {
	t.Lock()
	defer t.Unlock()

	start := baseGfn << mem.PageShift
	end := start + npages<<mem.PageShift
	addr := start
	l1t := t.l1()
	for addr < end {
		l1e := l1t[l1idx(addr)]
		if l1e.Absent() {
			addr = l1AddrEnd(addr, end)
			continue
		}
		l2t := asL2(t.Phys.Dmap(l1e.PFN()))
		l2e := l2t[l2idx(addr)]
		if l2e.Absent() {
			addr = l2AddrEnd(addr, end)
			continue
		}
		l3t := asL3(t.Phys.Dmap(l2e.PFN()))
		l3e := &l3t[l3idx(addr)]
		gfn := addr >> mem.PageShift
		if l3e.Valid() && isVisible(gfn) {
			*l3e = l3e.ClearWritable()
			t.invalidate(addr)
		}
		addr += mem.PageSize
	}
}
