// Package stash implements the bounded overflow store of spec §3/§4.2:
// blocks currently held outside the tree because eviction couldn't
// place them on a path yet. Adapted from the teacher's stash slice
// (oram.go's o.stash field) and its constant-time lookup
// (constanttime.go's findInStashConstantTime), generalized into a
// standalone, mutex-guarded type with an id-indexed map for O(1)
// lookup instead of the teacher's linear scan — the teacher's slice
// was fine for a single-threaded library; the proxy's flush runs this
// lookup per coalesced waiter under concurrent load.
package stash

import (
	"crypto/subtle"
	"sync"

	"github.com/etclab/pathoram-proxy/internal/block"
)

// Stash is a bounded, concurrency-safe set of real blocks keyed by id.
// add/remove/find are linearizable with respect to Snapshot, which a
// flush uses to build its eviction candidate set (spec §4.2: "the
// contract is that concurrent add/remove must be linearizable with
// respect to the flush that reads it via snapshot").
type Stash struct {
	mu           sync.Mutex
	byID         map[uint64]block.Block
	limit        int
	constantTime bool
}

// New creates an empty stash bounded at limit blocks. constantTime
// selects the timing-safe lookup path (§4.2 note: implementation is
// free; this flag matches the teacher's TEE-deployment option).
func New(limit int, constantTime bool) *Stash {
	return &Stash{
		byID:         make(map[uint64]block.Block),
		limit:        limit,
		constantTime: constantTime,
	}
}

// Add inserts or overwrites a block in the stash.
func (s *Stash) Add(b block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[b.ID] = b.Clone()
}

// Remove deletes blockID from the stash, if present.
func (s *Stash) Remove(blockID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, blockID)
}

// Find returns a copy of the block for blockID, or (Block{}, false) if
// it's not in the stash.
func (s *Stash) Find(blockID uint64) (block.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.constantTime {
		return s.findConstantTime(blockID)
	}
	b, ok := s.byID[blockID]
	if !ok {
		return block.Block{}, false
	}
	return b.Clone(), true
}

// findConstantTime walks every entry regardless of whether an earlier
// one matched, so the number of stash entries scanned never depends on
// which id is being looked up or whether it is present. Grounded on the
// teacher's findInStashConstantTime. The id comparison uses
// subtle.ConstantTimeEq, but the matching block is copied in a branch
// taken only on a match, so that copy is not constant-time. The map
// iteration order does not leak anything subtle.ConstantTimeEq itself
// doesn't, because every iteration order touches every entry.
func (s *Stash) findConstantTime(blockID uint64) (block.Block, bool) {
	found := 0
	var result block.Block
	wantHi, wantLo := split(blockID)
	for id, b := range s.byID {
		hi, lo := split(id)
		match := subtle.ConstantTimeEq(hi, wantHi) & subtle.ConstantTimeEq(lo, wantLo)
		if match == 1 {
			result = b.Clone()
			found = 1
		}
	}
	return result, found == 1
}

// split breaks a uint64 into two int32 halves for subtle.ConstantTimeEq,
// which only operates on int32.
func split(v uint64) (hi, lo int32) {
	return int32(v >> 32), int32(v)
}

// Snapshot returns a copy of every block currently in the stash. The
// flush algorithm (spec §4.4.3 step 3) unions this with the path's
// buckets to build its eviction candidate set.
func (s *Stash) Snapshot() []block.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]block.Block, 0, len(s.byID))
	for _, b := range s.byID {
		out = append(out, b.Clone())
	}
	return out
}

// Replace atomically swaps the stash contents for the given set of
// blocks. Flush removes each block it places with Remove, then calls
// this once at the end of eviction with the current stash contents
// plus the candidates it couldn't place.
func (s *Stash) Replace(blocks []block.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[uint64]block.Block, len(blocks))
	for _, b := range blocks {
		s.byID[b.ID] = b
	}
}

// Len returns the current stash size.
func (s *Stash) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Limit returns the configured stash capacity S.
func (s *Stash) Limit() int {
	return s.limit
}

// Overflowed reports whether the stash currently exceeds its limit
// (spec §7: a security-degradation event, logged but not fatal).
func (s *Stash) Overflowed() bool {
	return s.Len() > s.limit
}
