// Package block defines the value objects of the Path ORAM tree: Block,
// Bucket and Path, plus the pure tree-arithmetic helpers (path
// computation, ancestry, greatest-common-level) that the rest of the
// core is built on. Generalized from the teacher's block/bucket
// handling in oram.go and storage.go, split out into its own package
// because every other component (posmap, stash, subtree, processor)
// depends on these types without depending on each other.
package block

import "encoding/binary"

// DummyID is the sentinel block id marking an empty/dummy slot. Spec
// §3 calls this the block's "sentinel id"; -1 isn't representable in
// an unsigned wire field, so the sentinel is the maximum uint64.
const DummyID uint64 = ^uint64(0)

// Block is a fixed-size payload plus its id. A dummy block carries
// DummyID and arbitrary (ideally random) padding data.
type Block struct {
	ID   uint64
	Data []byte
}

// IsDummy reports whether b is a dummy/empty slot.
func (b Block) IsDummy() bool {
	return b.ID == DummyID
}

// Clone returns a deep copy of b so callers can't alias its Data.
func (b Block) Clone() Block {
	data := make([]byte, len(b.Data))
	copy(data, b.Data)
	return Block{ID: b.ID, Data: data}
}

// Bucket is a fixed-capacity Z node of the ORAM tree plus the
// monotonic write-back counter value at which it was last written
// (spec §3: "a monotonic last_touched timestamp").
type Bucket struct {
	LastTouched uint64
	Slots       []Block
}

// NewEmptyBucket returns a bucket of the given capacity, all slots
// dummy, with blockSize-sized zero payloads.
func NewEmptyBucket(capacity, blockSize int) Bucket {
	slots := make([]Block, capacity)
	for i := range slots {
		slots[i] = Block{ID: DummyID, Data: make([]byte, blockSize)}
	}
	return Bucket{Slots: slots}
}

// Clone returns a deep copy of the bucket.
func (b Bucket) Clone() Bucket {
	slots := make([]Block, len(b.Slots))
	for i, s := range b.Slots {
		slots[i] = s.Clone()
	}
	return Bucket{LastTouched: b.LastTouched, Slots: slots}
}

// Find returns the slot index holding blockID, or -1 if absent.
func (b Bucket) Find(blockID uint64) int {
	for i, s := range b.Slots {
		if s.ID == blockID {
			return i
		}
	}
	return -1
}

// EmptySlot returns the index of the first dummy slot, or -1 if full.
func (b Bucket) EmptySlot() int {
	return b.Find(DummyID)
}

// MarshalPlaintext encodes the bucket plaintext per spec §6:
// "timestamp: u64 || Z × block_slot", block_slot = "block_id: u64 ||
// data: B bytes".
func (b Bucket) MarshalPlaintext(blockSize int) []byte {
	out := make([]byte, 8+len(b.Slots)*(8+blockSize))
	binary.BigEndian.PutUint64(out[0:8], b.LastTouched)
	off := 8
	for _, s := range b.Slots {
		binary.BigEndian.PutUint64(out[off:off+8], s.ID)
		copy(out[off+8:off+8+blockSize], s.Data)
		off += 8 + blockSize
	}
	return out
}

// UnmarshalBucketPlaintext decodes a bucket plaintext of the form
// MarshalPlaintext produces, given the bucket capacity Z and block
// size B used to frame it.
func UnmarshalBucketPlaintext(raw []byte, capacity, blockSize int) (Bucket, error) {
	want := 8 + capacity*(8+blockSize)
	if len(raw) != want {
		return Bucket{}, ErrMalformedBucket
	}
	bkt := Bucket{
		LastTouched: binary.BigEndian.Uint64(raw[0:8]),
		Slots:       make([]Block, capacity),
	}
	off := 8
	for i := 0; i < capacity; i++ {
		id := binary.BigEndian.Uint64(raw[off : off+8])
		data := make([]byte, blockSize)
		copy(data, raw[off+8:off+8+blockSize])
		bkt.Slots[i] = Block{ID: id, Data: data}
		off += 8 + blockSize
	}
	return bkt, nil
}

// Path is the sequence of buckets from root to leaf, per spec §3
// ("the sequence of buckets from root to one leaf ... A path has H+1
// buckets"). Buckets is ordered root-first to match the wire layout in
// spec §6.
type Path struct {
	Leaf    uint64
	Buckets []Bucket
}
