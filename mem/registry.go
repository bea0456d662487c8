package mem

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SharedRegistry is the set of PFNs currently shared between a source VM
// and its clone (C9, I5): a table PFN awaiting duplicate-on-touch, or a
// data-page PFN awaiting copy-on-access. Grounded on original_source's
// shared_pfn_list / shared_pfn_list_lock, reshaped from an intrusive linked
// list with O(n) lookup into an open-addressed hash set per §9's design
// note while keeping the exact same lock discipline (a single spinlock
// guarding add/delete/contains).
type SharedRegistry struct {
	mu  sync.Mutex
	set map[Pa_t]struct{}
	log logrus.FieldLogger
}

// NewSharedRegistry creates an empty registry. log may be nil, in which
// case a default logrus logger (writing to stderr) is used.
func NewSharedRegistry(log logrus.FieldLogger) *SharedRegistry {
	if log == nil {
		log = logrus.New()
	}
	return &SharedRegistry{set: make(map[Pa_t]struct{}), log: log}
}

// Add records pfn as shared. Adding an already-shared PFN is a diagnostic,
// not a fatal error (mirrors original's "XXX: make sure we don't insert
// duplicate entry" comment, resolved here into a logged warning rather than
// a silent bug).
func (s *SharedRegistry) Add(pfn Pa_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[pfn]; ok {
		s.log.WithField("pfn", pfn).Warn("shared registry: pfn already shared")
		return
	}
	s.set[pfn] = struct{}{}
}

// Contains reports whether pfn is currently shared.
func (s *SharedRegistry) Contains(pfn Pa_t) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[pfn]
	return ok
}

// Delete removes pfn from the registry. A delete of a PFN that isn't
// present is tolerated with a diagnostic (§4.9): in a correct clone run
// this means the other side of the clone already resolved it.
func (s *SharedRegistry) Delete(pfn Pa_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[pfn]; !ok {
		s.log.WithField("pfn", pfn).Warn("shared registry: delete of non-shared pfn")
		return
	}
	delete(s.set, pfn)
}

// Len reports how many PFNs are currently shared (P5: must return to 0
// once a clone fully resolves).
func (s *SharedRegistry) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

// PagePool holds source-VM snapshot pages stashed during copy-on-access,
// waiting to be consumed by the target VM's first touch (C9). Grounded on
// original_source's page_pool_list / page_pool_list_lock, same reshaping
// into a hash set as SharedRegistry.
type PagePool struct {
	mu   sync.Mutex
	pool map[Pa_t]*Frame_t
	log  logrus.FieldLogger
}

// NewPagePool creates an empty pool.
func NewPagePool(log logrus.FieldLogger) *PagePool {
	if log == nil {
		log = logrus.New()
	}
	return &PagePool{pool: make(map[Pa_t]*Frame_t), log: log}
}

// Add stashes content under key pfn (the original PFN the snapshot was
// copied from, not a newly allocated one).
func (p *PagePool) Add(pfn Pa_t, content *Frame_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pool[pfn]; ok {
		p.log.WithField("pfn", pfn).Warn("page pool: pfn already pooled")
		return
	}
	p.pool[pfn] = content
}

// Find looks up a pooled snapshot by its original PFN.
func (p *PagePool) Find(pfn Pa_t) (*Frame_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.pool[pfn]
	return f, ok
}

// Delete removes a pooled snapshot. A delete of an absent PFN is tolerated
// with a diagnostic: in a correct run this never happens (§4.9 — it would
// mean the source never stashed a page that arming promised would exist).
func (p *PagePool) Delete(pfn Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pool[pfn]; !ok {
		p.log.WithField("pfn", pfn).Warn("page pool: delete of non-pooled pfn")
		return
	}
	delete(p.pool, pfn)
}

// Len reports how many snapshots are currently pooled (P5: must return to
// 0 once a clone fully resolves).
func (p *PagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pool)
}
