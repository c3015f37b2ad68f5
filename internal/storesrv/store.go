// Package storesrv implements the storage-server side of spec §4.1/§6:
// a "dumb bucket store" that holds one opaque ciphertext per bucket
// index and answers PROXY_READ_REQUEST/PROXY_WRITE_REQUEST frames. It
// never decrypts anything and has no notion of blocks, leaves or
// position maps — those all live in the proxy. Grounded on the
// teacher's InMemoryStorage (storage.go), generalized from
// []Block-per-bucket slices to raw []byte ciphertext slots, since a
// storage server in this deployment never sees plaintext.
package storesrv

import (
	"fmt"
	"sync"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
)

// Store is an in-memory, ciphertext-only bucket store. Safe for
// concurrent use; one Store instance backs one TCP listener.
type Store struct {
	cipherSize int

	mu      sync.RWMutex
	buckets [][]byte
}

// New creates a Store with numBuckets slots, each initialized to the
// bytes seed returns for its index (which must be exactly cipherSize
// long). Like the teacher's NewInMemoryStorage, every bucket is filled
// up front rather than left undefined until first write.
func New(numBuckets uint64, cipherSize int, seed func(bucketIdx uint64) ([]byte, error)) (*Store, error) {
	buckets := make([][]byte, numBuckets)
	for i := range buckets {
		ct, err := seed(uint64(i))
		if err != nil {
			return nil, fmt.Errorf("storesrv: seed bucket %d: %w", i, err)
		}
		if len(ct) != cipherSize {
			return nil, fmt.Errorf("storesrv: seed bucket %d: got %d bytes, want %d", i, len(ct), cipherSize)
		}
		buckets[i] = ct
	}
	return &Store{cipherSize: cipherSize, buckets: buckets}, nil
}

// ReadPath returns the concatenated ciphertexts at indices, root
// first, in the order requested.
func (s *Store) ReadPath(indices []uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, 0, len(indices)*s.cipherSize)
	for _, idx := range indices {
		if idx >= uint64(len(s.buckets)) {
			return nil, fmt.Errorf("%w: bucket index %d out of range", pathoramerr.ErrInvalidConfig, idx)
		}
		out = append(out, s.buckets[idx]...)
	}
	return out, nil
}

// WritePaths overwrites the ciphertexts at indices with concatenated,
// all-or-nothing: either every slot in concatenated is the right size
// and every index is valid, or nothing is written. This is the
// storage-server half of spec §4.4.4's all-or-nothing write-back
// guarantee; the proxy-side half is Subtree.DeleteNodes only pruning
// after the server ack.
func (s *Store) WritePaths(indices []uint64, concatenated []byte) error {
	if len(concatenated) != len(indices)*s.cipherSize {
		return fmt.Errorf("%w: write-back payload is %d bytes, want %d", pathoramerr.ErrFraming, len(concatenated), len(indices)*s.cipherSize)
	}
	for _, idx := range indices {
		if idx >= uint64(len(s.buckets)) {
			return fmt.Errorf("%w: bucket index %d out of range", pathoramerr.ErrInvalidConfig, idx)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, idx := range indices {
		ct := make([]byte, s.cipherSize)
		copy(ct, concatenated[i*s.cipherSize:(i+1)*s.cipherSize])
		s.buckets[idx] = ct
	}
	return nil
}

// NumBuckets returns the bucket count, for tests and diagnostics.
func (s *Store) NumBuckets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// SeedEmpty returns a seed func that encrypts a fresh all-dummy bucket
// for every index. Useful in tests, which hold the key; the real
// cmd/server binary never does (spec §7), and uses ZeroSeed instead,
// relying on the proxy's Bootstrap to overwrite every slot with valid
// ciphertext before any client traffic arrives.
func SeedEmpty(crypto interface {
	EncryptBucket(bucketIdx uint64, b block.Bucket) ([]byte, error)
}, bucketSize, blockSize int) func(uint64) ([]byte, error) {
	return func(idx uint64) ([]byte, error) {
		return crypto.EncryptBucket(idx, block.NewEmptyBucket(bucketSize, blockSize))
	}
}

// ZeroSeed returns a seed func that fills every bucket slot with
// cipherSize zero bytes, for a server that holds no key and so cannot
// produce valid ciphertext itself.
func ZeroSeed(cipherSize int) func(uint64) ([]byte, error) {
	return func(uint64) ([]byte, error) {
		return make([]byte, cipherSize), nil
	}
}
