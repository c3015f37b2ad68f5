package subtree

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/etclab/pathoram-proxy/internal/block"
)

func samplePath(leaf uint64, height int, ids ...uint64) block.Path {
	buckets := make([]block.Bucket, height)
	for i := range buckets {
		buckets[i] = block.NewEmptyBucket(2, 4)
	}
	for i, id := range ids {
		if id == block.DummyID {
			continue
		}
		buckets[i].Slots[0] = block.Block{ID: id, Data: []byte{byte(id)}}
	}
	return block.Path{Leaf: leaf, Buckets: buckets}
}

func TestAddPathThenGetPath(t *testing.T) {
	st := New(3, 4, 2, 4)
	path := samplePath(0, 3, 10, 11, 12)
	if err := st.AddPath(0, path); err != nil {
		t.Fatalf("AddPath() error = %v", err)
	}

	got, err := st.GetPath(0)
	if err != nil {
		t.Fatalf("GetPath() error = %v", err)
	}
	if diff := cmp.Diff(path, got); diff != "" {
		t.Errorf("GetPath() mismatch (-want +got):\n%s", diff)
	}
}

func TestGetPathUnfetchedLeaf(t *testing.T) {
	st := New(3, 4, 2, 4)
	if _, err := st.GetPath(2); err == nil {
		t.Error("GetPath() on never-fetched leaf returned no error")
	}
}

func TestAddPathResidentWins(t *testing.T) {
	st := New(3, 4, 2, 4)
	first := samplePath(0, 3, 10, block.DummyID, block.DummyID)
	if err := st.AddPath(0, first); err != nil {
		t.Fatalf("AddPath() error = %v", err)
	}

	// A second fetch of the same leaf brings stale root bucket contents;
	// the resident copy must win (it may hold a flush's more recent write).
	st.SetBucket(0, func() block.Bucket {
		b := block.NewEmptyBucket(2, 4)
		b.Slots[0] = block.Block{ID: 99, Data: []byte{9}}
		return b
	}())

	second := samplePath(0, 3, 10, block.DummyID, block.DummyID)
	if err := st.AddPath(0, second); err != nil {
		t.Fatalf("second AddPath() error = %v", err)
	}

	got, _ := st.Bucket(0)
	if got.Slots[0].ID != 99 {
		t.Errorf("resident root bucket was overwritten: got id %d, want 99", got.Slots[0].ID)
	}
}

func TestBucketWithBlockAndMapBlockToBucket(t *testing.T) {
	st := New(3, 4, 2, 4)
	path := samplePath(0, 3, 10, 11, 12)
	_ = st.AddPath(0, path)

	idx, b, ok := st.BucketWithBlock(11)
	if !ok {
		t.Fatal("BucketWithBlock(11) not found")
	}
	if b.Slots[0].ID != 11 {
		t.Errorf("bucket at idx %d doesn't hold block 11", idx)
	}

	st.MapBlockToBucket(11, idx+100)
	newIdx, _, ok := st.BucketWithBlock(11)
	if !ok || newIdx != idx+100 {
		t.Errorf("after MapBlockToBucket, BucketWithBlock() = (%d,%v), want %d", newIdx, ok, idx+100)
	}
}

func TestLockPathOrderAndSetBucket(t *testing.T) {
	st := New(3, 4, 2, 4)
	path := samplePath(1, 3, 5, 6, 7)
	_ = st.AddPath(1, path)

	pl := st.LockPath(1)
	wantOrder := []uint64{0, 1, 4} // root-first indices for leaf 1, height 3
	got := pl.Indices()
	for i := range wantOrder {
		if got[i] != wantOrder[i] {
			t.Fatalf("LockPath indices = %v, want %v", got, wantOrder)
		}
	}

	replacement := block.NewEmptyBucket(2, 4)
	replacement.Slots[0] = block.Block{ID: 42, Data: []byte{1}}
	st.SetBucket(got[0], replacement)
	pl.Unlock()

	b, _ := st.Bucket(got[0])
	if b.Slots[0].ID != 42 {
		t.Errorf("SetBucket didn't take effect, got id %d", b.Slots[0].ID)
	}
	if _, ok := st.BucketWithBlock(5); ok {
		t.Error("old block 5 still reachable via back-index after SetBucket overwrote its bucket")
	}
}

func TestDeleteNodesStopsAtProtectedAncestor(t *testing.T) {
	st := New(3, 4, 2, 4)
	// Fetch leaf 0's and leaf 1's paths; they share the root (idx 0) and
	// the level-1 bucket... actually leaf0 path is [0,1,3], leaf1 is [0,1,4]:
	// they share indices 0 and 1.
	_ = st.AddPath(0, samplePath(0, 3, 1, 2, 3))
	_ = st.AddPath(1, samplePath(1, 3, 4, 5, 6))

	for idx := uint64(0); idx < 7; idx++ {
		if b, ok := st.Bucket(idx); ok {
			b.LastTouched = 5
			st.SetBucket(idx, b)
		}
	}

	// Pruning leaf 0 with leaf 1 still protected must stop before the
	// shared ancestors (indices 0 and 1), removing only leaf 0's own
	// leaf bucket (index 3).
	protected := map[uint64]struct{}{1: {}}
	st.DeleteNodes(0, 10, protected)

	if _, ok := st.Bucket(3); ok {
		t.Error("leaf bucket 3 should have been pruned")
	}
	if _, ok := st.Bucket(1); !ok {
		t.Error("shared ancestor bucket 1 should survive (protected by leaf 1)")
	}
	if _, ok := st.Bucket(0); !ok {
		t.Error("root bucket should survive (protected by leaf 1)")
	}
}

func TestDeleteNodesRespectsTimestampCutoff(t *testing.T) {
	st := New(3, 4, 2, 4)
	_ = st.AddPath(0, samplePath(0, 3, 1, 2, 3))

	b, _ := st.Bucket(3)
	b.LastTouched = 100
	st.SetBucket(3, b)

	st.DeleteNodes(0, 50, nil)
	if _, ok := st.Bucket(3); !ok {
		t.Error("bucket touched after cutoff must survive pruning")
	}
}
