// Package subtree implements the Subtree Cache of spec §3/§4.3: the
// sparse, prefix-closed in-memory image of the ORAM tree that the
// Processor reads and mutates between a path's fetch from storage and
// its eventual write-back. There is no teacher file this is a direct
// generalization of — the teacher's PathORAM kept its whole tree
// resident in a flat slice (oram.go's tree field) because it never
// left a single process. Splitting "resident bucket + block-id
// back-index" into its own type is this repo's translation of that
// tree into something a proxy that talks to remote storage servers
// can cache partially, grounded on the same array-indexed complete
// binary tree arithmetic the teacher used (internal/block.PathIndices).
package subtree

import (
	"fmt"
	"sync"

	"github.com/etclab/pathoram-proxy/internal/block"
)

// Subtree is the resident bucket cache plus its block-id back-index.
// Safe for concurrent use. Two regimes share it: additive (AddPath,
// called while merging a freshly fetched path) and destructive
// (DeleteNodes, called after a successful write-back); see spec §4.3.
type Subtree struct {
	height     int
	numLeaves  uint64
	bucketSize int
	blockSize  int

	mu        sync.RWMutex
	resident  map[uint64]block.Bucket
	backIndex map[uint64]uint64 // block id -> bucket index

	lockMu      sync.Mutex
	bucketLocks map[uint64]*sync.Mutex
}

// New creates an empty Subtree for a tree of the given shape.
func New(height int, numLeaves uint64, bucketSize, blockSize int) *Subtree {
	return &Subtree{
		height:      height,
		numLeaves:   numLeaves,
		bucketSize:  bucketSize,
		blockSize:   blockSize,
		resident:    make(map[uint64]block.Bucket),
		backIndex:   make(map[uint64]uint64),
		bucketLocks: make(map[uint64]*sync.Mutex),
	}
}

func (s *Subtree) lockFor(bucketIdx uint64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.bucketLocks[bucketIdx]
	if !ok {
		l = &sync.Mutex{}
		s.bucketLocks[bucketIdx] = l
	}
	return l
}

// AddPath merges a freshly decrypted path into the cache (spec
// §4.3 add_path): for each level, a bucket already resident wins (it
// may hold more recent writes than the one just fetched); otherwise
// the incoming bucket becomes resident and its real blocks are
// installed into the back-index. path.Buckets must be root-first,
// length height, matching block.Path's wire-order convention.
func (s *Subtree) AddPath(leaf uint64, path block.Path) error {
	indices := block.RootFirstPathIndices(s.height, s.numLeaves, leaf)
	if len(path.Buckets) != len(indices) {
		return fmt.Errorf("subtree: path has %d buckets, want %d", len(path.Buckets), len(indices))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, idx := range indices {
		if _, ok := s.resident[idx]; ok {
			continue // resident copy is authoritative
		}
		incoming := path.Buckets[i]
		s.resident[idx] = incoming
		for _, blk := range incoming.Slots {
			if !blk.IsDummy() {
				s.backIndex[blk.ID] = idx
			}
		}
	}
	return nil
}

// GetPath returns the currently resident path to leaf, root-first.
// Undefined (returns an error) if that leaf has never been fetched,
// i.e. some bucket on its path isn't resident yet.
func (s *Subtree) GetPath(leaf uint64) (block.Path, error) {
	indices := block.RootFirstPathIndices(s.height, s.numLeaves, leaf)

	s.mu.RLock()
	defer s.mu.RUnlock()

	buckets := make([]block.Bucket, len(indices))
	for i, idx := range indices {
		b, ok := s.resident[idx]
		if !ok {
			return block.Path{}, fmt.Errorf("subtree: bucket %d on leaf %d's path is not resident", idx, leaf)
		}
		buckets[i] = b.Clone()
	}
	return block.Path{Leaf: leaf, Buckets: buckets}, nil
}

// BucketWithBlock is the O(1) back-index lookup of spec §4.3.
func (s *Subtree) BucketWithBlock(blockID uint64) (uint64, block.Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.backIndex[blockID]
	if !ok {
		return 0, block.Bucket{}, false
	}
	return idx, s.resident[idx].Clone(), true
}

// MapBlockToBucket points one block's back-index entry at bucketIdx.
// Per the teacher-pack design note (spec §9): every block-move should
// go through a single path that updates both the bucket contents and
// the back-index under the same lock. Flush does this through
// SetBucket alone, which installs the entries for a bucket's new
// contents while the bucket's lock (from LockPath) is held; it does
// not call MapBlockToBucket.
func (s *Subtree) MapBlockToBucket(blockID, bucketIdx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backIndex[blockID] = bucketIdx
}

// unmapBlock removes a block from the back-index, e.g. when a bucket
// holding it is pruned.
func (s *Subtree) unmapBlock(blockID uint64) {
	delete(s.backIndex, blockID)
}

// PathLock holds the per-bucket locks acquired top-down (root-first)
// over a path, per spec §5's "per-path composite lock, exclusive,
// top-down order" — always locked root-to-leaf so two flushers racing
// over overlapping paths can't deadlock.
type PathLock struct {
	indices []uint64
	locks   []*sync.Mutex
}

// LockPath acquires every bucket lock on leaf's path, root first, and
// returns a handle to read/write those buckets and to release them.
func (s *Subtree) LockPath(leaf uint64) *PathLock {
	indices := block.RootFirstPathIndices(s.height, s.numLeaves, leaf)
	locks := make([]*sync.Mutex, len(indices))
	for i, idx := range indices {
		locks[i] = s.lockFor(idx)
	}
	for _, l := range locks {
		l.Lock()
	}
	return &PathLock{indices: indices, locks: locks}
}

// Unlock releases the path's bucket locks.
func (pl *PathLock) Unlock() {
	for _, l := range pl.locks {
		l.Unlock()
	}
}

// Indices returns the root-first bucket indices the lock covers.
func (pl *PathLock) Indices() []uint64 {
	return pl.indices
}

// Bucket returns a copy of the resident bucket at bucketIdx. Callers
// must hold that bucket's lock (via LockPath) for the read to be
// meaningful against concurrent flushes.
func (s *Subtree) Bucket(bucketIdx uint64) (block.Bucket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.resident[bucketIdx]
	if !ok {
		return block.Bucket{}, false
	}
	return b.Clone(), true
}

// SetBucket replaces the resident bucket at bucketIdx and reconciles
// the back-index so every real block in the new contents points back
// at it. An entry for a block of the old contents is dropped only if it
// still points at bucketIdx, so a block that an earlier SetBucket of
// the same flush already moved to another bucket keeps its entry.
// Callers must hold bucketIdx's lock (via LockPath).
func (s *Subtree) SetBucket(bucketIdx uint64, b block.Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.resident[bucketIdx]; ok {
		for _, blk := range old.Slots {
			if !blk.IsDummy() && s.backIndex[blk.ID] == bucketIdx {
				delete(s.backIndex, blk.ID)
			}
		}
	}
	s.resident[bucketIdx] = b
	for _, blk := range b.Slots {
		if !blk.IsDummy() {
			s.backIndex[blk.ID] = bucketIdx
		}
	}
}

// MutateBlock overwrites blockID's data in place, wherever it
// currently lives in the cache, without disturbing its bucket
// position or the back-index. Reports whether the block was found.
func (s *Subtree) MutateBlock(blockID uint64, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.backIndex[blockID]
	if !ok {
		return false
	}
	b := s.resident[idx]
	slot := b.Find(blockID)
	if slot < 0 {
		return false
	}
	b.Slots[slot] = block.Block{ID: blockID, Data: data}
	s.resident[idx] = b
	return true
}

// DeleteNodes prunes the leaf's path after a successful write-back
// (spec §4.3 delete_nodes): walking leaf-to-root, it removes every
// bucket whose LastTouched <= cutoffTimestamp and whose subtree
// contains no leaf in protectedLeaves, stopping at the first bucket
// that fails either test so ancestors stay prefix-closed.
func (s *Subtree) DeleteNodes(leaf, cutoffTimestamp uint64, protectedLeaves map[uint64]struct{}) {
	indices := block.PathIndices(s.height, s.numLeaves, leaf) // leaf-first

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range indices {
		b, ok := s.resident[idx]
		if !ok {
			break
		}
		if b.LastTouched > cutoffTimestamp {
			break
		}
		if s.subtreeProtected(idx, protectedLeaves) {
			break
		}
		for _, blk := range b.Slots {
			if !blk.IsDummy() {
				s.unmapBlock(blk.ID)
			}
		}
		delete(s.resident, idx)
	}
}

// subtreeProtected reports whether any leaf in protectedLeaves
// descends from bucketIdx, i.e. whether pruning bucketIdx would drop a
// bucket a currently in-flight path still traverses.
func (s *Subtree) subtreeProtected(bucketIdx uint64, protectedLeaves map[uint64]struct{}) bool {
	for leaf := range protectedLeaves {
		if block.OnPath(s.numLeaves, leaf, bucketIdx) {
			return true
		}
	}
	return false
}

// ResidentCount returns the number of resident buckets, for metrics
// and tests.
func (s *Subtree) ResidentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resident)
}

// BlockCount returns the number of real blocks tracked in the
// back-index.
func (s *Subtree) BlockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.backIndex)
}
