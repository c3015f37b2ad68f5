package cryptoprov

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/etclab/pathoram-proxy/internal/block"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return key
}

func TestEncryptDecryptBucketRoundTrip(t *testing.T) {
	bc, err := NewAESGCM(testKey(t), 4, 8)
	if err != nil {
		t.Fatalf("NewAESGCM() error = %v", err)
	}

	b := block.NewEmptyBucket(4, 8)
	b.LastTouched = 42
	b.Slots[1] = block.Block{ID: 7, Data: []byte("12345678")}

	ct, err := bc.EncryptBucket(3, b)
	if err != nil {
		t.Fatalf("EncryptBucket() error = %v", err)
	}

	got, err := bc.DecryptBucket(3, ct)
	if err != nil {
		t.Fatalf("DecryptBucket() error = %v", err)
	}
	if got.LastTouched != 42 {
		t.Errorf("LastTouched = %d, want 42", got.LastTouched)
	}
	if got.Slots[1].ID != 7 || !bytes.Equal(got.Slots[1].Data, []byte("12345678")) {
		t.Errorf("slot 1 = %+v, want id 7 / 12345678", got.Slots[1])
	}
}

func TestDecryptWrongBucketIndexFails(t *testing.T) {
	bc, _ := NewAESGCM(testKey(t), 4, 8)
	b := block.NewEmptyBucket(4, 8)

	ct, _ := bc.EncryptBucket(3, b)
	if _, err := bc.DecryptBucket(4, ct); err == nil {
		t.Error("DecryptBucket() with wrong AAD index succeeded, want auth failure")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	bc, _ := NewAESGCM(testKey(t), 4, 8)
	b := block.NewEmptyBucket(4, 8)

	ct, _ := bc.EncryptBucket(0, b)
	ct[len(ct)-1] ^= 0xFF

	if _, err := bc.DecryptBucket(0, ct); err == nil {
		t.Error("DecryptBucket() on tampered ciphertext succeeded, want auth failure")
	}
}

func TestEncryptDecryptPathRoundTrip(t *testing.T) {
	bc, _ := NewAESGCM(testKey(t), 2, 4)
	indices := []uint64{0, 1, 3}
	path := block.Path{Leaf: 0, Buckets: []block.Bucket{
		block.NewEmptyBucket(2, 4),
		block.NewEmptyBucket(2, 4),
		block.NewEmptyBucket(2, 4),
	}}
	path.Buckets[2].Slots[0] = block.Block{ID: 99, Data: []byte{1, 2, 3, 4}}

	cts, err := EncryptPath(bc, indices, path)
	if err != nil {
		t.Fatalf("EncryptPath() error = %v", err)
	}

	got, err := DecryptPath(bc, indices, 0, cts)
	if err != nil {
		t.Fatalf("DecryptPath() error = %v", err)
	}
	if got.Buckets[2].Slots[0].ID != 99 {
		t.Errorf("decrypted leaf bucket block id = %d, want 99", got.Buckets[2].Slots[0].ID)
	}
}

func TestNewAESGCMRejectsBadKeySize(t *testing.T) {
	if _, err := NewAESGCM([]byte("short"), 4, 8); err == nil {
		t.Error("NewAESGCM() with short key succeeded")
	}
}
