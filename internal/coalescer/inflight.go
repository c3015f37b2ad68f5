package coalescer

import "sync"

// Inflight is the leaf-id -> outstanding-fetch-count multiset of spec
// §3. It must be a multiset, not a set: two concurrent reads of the
// same leaf each hold it inflight independently, and pruning must see
// a leaf as protected as long as either is outstanding.
type Inflight struct {
	mu     sync.Mutex
	counts map[uint64]int
}

// NewInflight returns an empty inflight-paths multiset.
func NewInflight() *Inflight {
	return &Inflight{counts: make(map[uint64]int)}
}

// Inc records a new outstanding fetch for leaf.
func (i *Inflight) Inc(leaf uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counts[leaf]++
}

// Dec retires one outstanding fetch for leaf.
func (i *Inflight) Dec(leaf uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.counts[leaf]--
	if i.counts[leaf] <= 0 {
		delete(i.counts, leaf)
	}
}

// DistinctLeavesSnapshot copies the set of currently-outstanding leaves
// at this instant. Spec §9: the pruner needs an atomic snapshot, not a
// live iterator, since delete_nodes must decide protection against a
// fixed point in time.
func (i *Inflight) DistinctLeavesSnapshot() map[uint64]struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[uint64]struct{}, len(i.counts))
	for leaf := range i.counts {
		out[leaf] = struct{}{}
	}
	return out
}

// IsZero reports whether no leaf currently has an outstanding fetch
// (spec §8 invariant 5, the system-quiescent check tests use).
func (i *Inflight) IsZero() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.counts) == 0
}
