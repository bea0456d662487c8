// Package hyp builds the HYP-mode page tables a host uses to run its own
// trampoline and world-switch code (C3): the boot tree used only during
// HYP init, and the runtime tree HYP code executes under for the rest of
// the host's lifetime. Grounded on original_source/arch/arm/kvm/mmu.c's
// create_hyp_mappings/create_hyp_io_mappings/kvm_mmu_init family, reusing
// s2pt.Table as the underlying tree (a HYP tree is a stage-2 Table with
// Vmid == nil, so TLB-by-VMID invalidation degenerates to a no-op, and
// CoA never applies).
package hyp

import (
	"github.com/sirupsen/logrus"

	"github.com/tony0924/stage2mmu/defs"
	"github.com/tony0924/stage2mmu/mem"
	"github.com/tony0924/stage2mmu/s2pt"
)

// Prot mirrors the two attribute sets original assigns HYP mappings:
// PAGE_HYP (normal cached kernel memory) and PAGE_HYP_DEVICE (MMIO).
type Prot int

const (
	ProtNormal Prot = iota
	ProtDevice
)

// Builder owns the boot and runtime HYP trees plus the bounce page used
// when the HYP init idmap text straddles a page boundary.
type Builder struct {
	phys *mem.PhysMem_t

	Boot    *s2pt.Table
	Runtime *s2pt.Table

	bouncePage mem.Pa_t
	haveBounce bool

	log logrus.FieldLogger
}

// NewBuilder allocates empty boot and runtime HYP trees.
func NewBuilder(phys *mem.PhysMem_t, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.New()
	}
	return &Builder{
		phys:    phys,
		Boot:    s2pt.NewTable(phys, nil),
		Runtime: s2pt.NewTable(phys, nil),
		log:     log,
	}
}

// CreateMappings installs leaf mappings for [start, end) into the single
// tree t, pfn-incrementing across the range.
// Mirrors __create_hyp_mappings, generalized (per original's comment
// above create_hyp_mappings) to cover both the kernel-VA and IO-VA
// duplication cases via the prot parameter, and applied to a single tree
// at a time rather than always "hyp_pgd" — kvm_mmu_init uses the same
// routine against boot_hyp_pgd and hyp_pgd with different ranges.
func (b *Builder) CreateMappings(t *s2pt.Table, cache *mem.Reserve_t, start, end uint64, pfn mem.Pa_t, prot Prot) defs.Err_t {
	if end <= start {
		return -defs.EINVAL
	}
	t.Lock()
	defer t.Unlock()

	device := prot == ProtDevice
	addr := start
	for addr < end {
		leaf := s2pt.MkLeaf(pfn, true, device)
		if rc := t.StageSetPte(cache, addr, leaf, device); rc != 0 {
			return rc
		}
		addr += mem.PageSize
		pfn += mem.PageSize
	}
	return 0
}

// CreateHypMappings duplicates a kernel VA range into both HYP trees,
// mirroring create_hyp_mappings.
func (b *Builder) CreateHypMappings(cache *mem.Reserve_t, start, end uint64, pfn mem.Pa_t) defs.Err_t {
	if rc := b.CreateMappings(b.Boot, cache, start, end, pfn, ProtNormal); rc != 0 {
		return rc
	}
	return b.CreateMappings(b.Runtime, cache, start, end, pfn, ProtNormal)
}

// CreateIoMappings duplicates a kernel IO mapping into both HYP trees
// with device attributes, mirroring create_hyp_io_mappings.
func (b *Builder) CreateIoMappings(cache *mem.Reserve_t, start, end uint64, pfn mem.Pa_t) defs.Err_t {
	if rc := b.CreateMappings(b.Boot, cache, start, end, pfn, ProtDevice); rc != 0 {
		return rc
	}
	return b.CreateMappings(b.Runtime, cache, start, end, pfn, ProtDevice)
}

// InstallBouncePage copies HYP init idmap text into a freshly allocated
// page when that text straddles a page boundary, so the idmap range
// becomes exactly one page regardless of where the kernel linked it.
// Mirrors kvm_mmu_init's init_bounce_page handling, including the flush
// to the point of coherency before HYP mode (running with caches off)
// can observe it.
func (b *Builder) InstallBouncePage(text []byte, flushToPoC func(mem.Pa_t)) mem.Pa_t {
	pa := b.phys.AllocFrame()
	frame := b.phys.Dmap(pa)
	copy(frame[:], text)
	if flushToPoC != nil {
		flushToPoC(pa)
	}
	b.bouncePage = pa
	b.haveBounce = true
	b.log.WithField("pa", pa).Info("hyp: installed init bounce page")
	return pa
}

// NeedsBouncePage reports whether the idmap text bounds start and end fall
// in different pages and therefore need InstallBouncePage, mirroring
// kvm_mmu_init's `end >> PAGE_SHIFT != start >> PAGE_SHIFT` check. An
// empty range never needs one.
func NeedsBouncePage(start, end uint64) bool {
	if end == start {
		return false
	}
	return start>>mem.PageShift != end>>mem.PageShift
}

// FreeBoot releases the boot tree and its bounce page. It is idempotent.
// Mirrors free_boot_hyp_pgd.
func (b *Builder) FreeBoot() {
	s2pt.FreeStage2Pgd(b.Boot)
	b.Boot = nil
	if b.haveBounce {
		b.phys.FreeFrame(b.bouncePage)
		b.haveBounce = false
	}
}

// FreeAll releases both trees. Mirrors free_hyp_pgds, which always frees
// the boot tree first.
func (b *Builder) FreeAll() {
	b.FreeBoot()
	s2pt.FreeStage2Pgd(b.Runtime)
	b.Runtime = nil
}
