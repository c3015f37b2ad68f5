// Package cryptoprov implements the encrypted path layout of spec §6:
// each bucket is independently AEAD-encrypted under the proxy's secret
// key with a fresh nonce, so buckets are "indistinguishable on the
// wire from fresh random" on every write-back (spec §4.4.4 step 5).
// Generalized from the teacher's encryptor.go, which encrypted one
// block at a time keyed by (blockID, leaf); here the unit of
// encryption is a whole bucket plaintext (timestamp || Z block slots),
// since that's the unit spec §6 frames on the wire, and the AAD binds
// to the bucket's tree position instead of a single block's identity.
package cryptoprov

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/etclab/pathoram-proxy/internal/block"
	"github.com/etclab/pathoram-proxy/internal/pathoramerr"
)

const (
	keySize       = 32 // AES-256
	nonceSize     = 12 // standard GCM nonce
	aesGCMTagSize = 16 // standard GCM authentication tag
)

// BucketCrypto is the black-box cryptographic primitive the core
// consumes (spec §6: "crypto.encrypt_path(path) -> bytes,
// crypto.decrypt_path(bytes) -> path"). The choice of cipher is a
// deployment decision; AESGCM below is this deployment's choice.
type BucketCrypto interface {
	EncryptBucket(bucketIdx uint64, b block.Bucket) ([]byte, error)
	DecryptBucket(bucketIdx uint64, ciphertext []byte) (block.Bucket, error)
	Overhead() int
}

// AESGCM implements BucketCrypto with AES-256-GCM. The bucket's tree
// index is bound in as additional authenticated data, so a ciphertext
// replayed into the wrong slot on the wire fails authentication rather
// than silently decrypting into the wrong position.
type AESGCM struct {
	aead       cipher.AEAD
	bucketSize int
	blockSize  int
}

// NewAESGCM builds an AESGCM bucket cryptor for the given 32-byte key
// and bucket/block dimensions (needed to frame plaintext length).
func NewAESGCM(key []byte, bucketSize, blockSize int) (*AESGCM, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("cryptoprov: key must be %d bytes, got %d", keySize, len(key))
	}
	cph, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoprov: new AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(cph)
	if err != nil {
		return nil, fmt.Errorf("cryptoprov: new GCM: %w", err)
	}
	return &AESGCM{aead: aead, bucketSize: bucketSize, blockSize: blockSize}, nil
}

// EncryptBucket seals the bucket's plaintext with a fresh nonce.
// Output format: nonce (12 bytes) || ciphertext || tag.
func (e *AESGCM) EncryptBucket(bucketIdx uint64, b block.Bucket) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", pathoramerr.ErrAuthFailed, err)
	}
	plaintext := b.MarshalPlaintext(e.blockSize)
	ciphertext := e.aead.Seal(nonce, nonce, plaintext, aad(bucketIdx))
	return ciphertext, nil
}

// DecryptBucket authenticates and decodes a bucket ciphertext produced
// by EncryptBucket. Authentication failure returns ErrAuthFailed,
// which the Processor treats as fatal per spec §7.
func (e *AESGCM) DecryptBucket(bucketIdx uint64, ciphertext []byte) (block.Bucket, error) {
	if len(ciphertext) < nonceSize+e.aead.Overhead() {
		return block.Bucket{}, pathoramerr.ErrAuthFailed
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ct, aad(bucketIdx))
	if err != nil {
		return block.Bucket{}, pathoramerr.ErrAuthFailed
	}
	return block.UnmarshalBucketPlaintext(plaintext, e.bucketSize, e.blockSize)
}

// Overhead returns the number of extra bytes EncryptBucket adds
// (nonce + AEAD tag).
func (e *AESGCM) Overhead() int {
	return nonceSize + e.aead.Overhead()
}

// AESGCMOverhead returns the nonce+tag overhead AESGCM adds to every
// bucket ciphertext. Unlike (*AESGCM).Overhead, this needs no key: it
// lets a storage server, which never holds the encryption key (spec
// §7), still compute the fixed ciphertext size it must allocate for
// each bucket slot from public deployment constants alone.
func AESGCMOverhead() int {
	return nonceSize + aesGCMTagSize
}

// aad binds ciphertext to the bucket's tree position.
func aad(bucketIdx uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bucketIdx)
	return buf
}

// EncryptPath encrypts every bucket of a path independently, root
// first, matching the wire layout of spec §6.
func EncryptPath(bc BucketCrypto, bucketIndices []uint64, path block.Path) ([][]byte, error) {
	out := make([][]byte, len(path.Buckets))
	for i, b := range path.Buckets {
		ct, err := bc.EncryptBucket(bucketIndices[i], b)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}

// DecryptPath decrypts every ciphertext bucket of a path, root first.
func DecryptPath(bc BucketCrypto, bucketIndices []uint64, leaf uint64, ciphertexts [][]byte) (block.Path, error) {
	buckets := make([]block.Bucket, len(ciphertexts))
	for i, ct := range ciphertexts {
		b, err := bc.DecryptBucket(bucketIndices[i], ct)
		if err != nil {
			return block.Path{}, err
		}
		buckets[i] = b
	}
	return block.Path{Leaf: leaf, Buckets: buckets}, nil
}
