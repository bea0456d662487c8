// Package mem models the host physical memory that backs a VM's stage-2
// translations: page frames, their reference counts, and the bounded
// pre-reserve a page-table mutator draws from while holding a spinlock.
//
// There is no real MMU hardware behind this package (this module is a
// software rendition of a kernel component); physical memory is therefore
// simulated as a reference-counted map from frame address to a
// heap-allocated page, in the spirit of teacher's Physmem_t/Dmap scheme in
// mem/mem.go but adapted from "manage real RAM" to "simulate frames for a
// page-table engine".
package mem

import (
	"sync"

	"github.com/tony0924/stage2mmu/defs"
)

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a single page frame in bytes.
const PageSize = 1 << PageShift

// PageMask masks the in-page offset of an address.
const PageMask = Pa_t(PageSize - 1)

// Pa_t is a host physical address, always page-aligned when it names a
// frame (as opposed to a byte within one).
type Pa_t uint64

// Frame_t is the content of a single physical page frame.
type Frame_t [PageSize]byte

// PhysMem_t is the host physical frame allocator. Each frame's reference
// count starts at 1 when allocated (the walker's own hold, I1) and is
// bumped once per live table/leaf entry that points at it; it returns to 1
// when the last entry pointing at it is cleared, at which point the caller
// frees it explicitly via FreeFrame.
type PhysMem_t struct {
	mu     sync.Mutex
	frames map[Pa_t]*Frame_t
	refcnt map[Pa_t]int32
	next   Pa_t
}

// NewPhysMem creates an empty frame allocator.
func NewPhysMem() *PhysMem_t {
	return &PhysMem_t{
		frames: make(map[Pa_t]*Frame_t),
		refcnt: make(map[Pa_t]int32),
		next:   Pa_t(PageSize),
	}
}

// AllocFrame hands out a fresh zeroed frame with refcount 1 (the caller's
// own hold). It never fails in this simulated allocator (there is no fixed
// backing store to exhaust); the memory-object reserve (Reserve_t) is what
// makes real "out of memory" failures visible to callers that must not
// allocate while holding a lock.
func (p *PhysMem_t) AllocFrame() Pa_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa := p.next
	p.next += Pa_t(PageSize)
	p.frames[pa] = &Frame_t{}
	p.refcnt[pa] = 1
	return pa
}

// Dmap returns the frame content backing pa. It panics if pa does not name
// a live frame, mirroring teacher's direct-map accessor which assumes a
// valid physical address (mem.Dmap in mem/mem.go never returns an error
// either).
func (p *PhysMem_t) Dmap(pa Pa_t) *Frame_t {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[pa]
	if !ok {
		panic("mem: Dmap of unmapped frame")
	}
	return f
}

// Refup increments pa's reference count, recording one more live entry
// pointing into it.
func (p *PhysMem_t) Refup(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.refcnt[pa]; !ok {
		panic("mem: Refup of unmapped frame")
	}
	p.refcnt[pa]++
}

// Refdown decrements pa's reference count and returns the new count.
func (p *PhysMem_t) Refdown(pa Pa_t) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.refcnt[pa]
	if !ok {
		panic("mem: Refdown of unmapped frame")
	}
	c--
	if c < 1 {
		panic("mem: refcount below the walker's own hold")
	}
	p.refcnt[pa] = c
	return c
}

// Refcnt reports pa's current reference count.
func (p *PhysMem_t) Refcnt(pa Pa_t) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refcnt[pa]
}

// IsEmpty reports whether pa carries no live entries beyond the walker's
// own hold (I1).
func (p *PhysMem_t) IsEmpty(pa Pa_t) bool {
	return p.Refcnt(pa) == 1
}

// FreeFrame releases a frame that the caller has confirmed is empty. It is
// a programming error to free a frame that is still referenced.
func (p *PhysMem_t) FreeFrame(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refcnt[pa] != 1 {
		panic("mem: freeing a frame that is still referenced")
	}
	delete(p.frames, pa)
	delete(p.refcnt, pa)
}

// Live reports the number of frames still allocated. Used by tests to
// check P1 (no leaks after full teardown).
func (p *PhysMem_t) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Reserve_t is the memory-object pre-reserve (C1): a bounded,
// pre-allocated reservoir of page frames so that a page-table split can
// happen while the caller holds mmu_lock, where sleeping allocations are
// forbidden. Grounded on teacher's free-list pattern in mem/mem.go
// (_phys_new/_phys_insert), simplified to the single reservoir the spec
// describes rather than teacher's per-CPU free lists (this module has no
// concept of a CPU-local fast path; that's an orthogonal scalability
// concern the spec doesn't ask for).
type Reserve_t struct {
	mu     sync.Mutex
	phys   *PhysMem_t
	frames []Pa_t
}

// NewReserve creates an empty reserve drawing frames from phys.
func NewReserve(phys *PhysMem_t) *Reserve_t {
	return &Reserve_t{phys: phys}
}

// Topup ensures the reserve holds at least min frames, best-effort filling
// up to max. It fails with ENOMEM if min cannot be reached.
func (r *Reserve_t) Topup(min, max int) defs.Err_t {
	if max < min {
		panic("mem: reserve max below min")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.frames) < max {
		pa := r.phys.AllocFrame()
		r.frames = append(r.frames, pa)
	}
	if len(r.frames) < min {
		return -defs.ENOMEM
	}
	return 0
}

// Alloc returns one pre-reserved frame. It is a programming error to call
// Alloc when the reserve is empty; the caller is responsible for calling
// Topup outside of any lock that forbids sleeping allocations.
func (r *Reserve_t) Alloc() Pa_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		panic("mem: reserve alloc with empty reserve")
	}
	n := len(r.frames) - 1
	pa := r.frames[n]
	r.frames = r.frames[:n]
	return pa
}

// Count reports how many frames remain in the reserve.
func (r *Reserve_t) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// FreeAll releases every frame still held by the reserve, returning them
// to the underlying allocator.
func (r *Reserve_t) FreeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pa := range r.frames {
		r.phys.FreeFrame(pa)
	}
	r.frames = nil
}
