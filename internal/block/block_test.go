package block

import (
	"bytes"
	"testing"
)

func TestBucketFindAndEmptySlot(t *testing.T) {
	b := NewEmptyBucket(4, 8)
	if idx := b.Find(5); idx != -1 {
		t.Errorf("Find() on empty bucket = %d, want -1", idx)
	}
	if idx := b.EmptySlot(); idx != 0 {
		t.Errorf("EmptySlot() = %d, want 0", idx)
	}

	b.Slots[2] = Block{ID: 42, Data: []byte("12345678")}
	if idx := b.Find(42); idx != 2 {
		t.Errorf("Find(42) = %d, want 2", idx)
	}
}

func TestBucketPlaintextRoundTrip(t *testing.T) {
	b := NewEmptyBucket(3, 4)
	b.LastTouched = 7
	b.Slots[1] = Block{ID: 9, Data: []byte{0xCA, 0xFE, 0xBA, 0xBE}}

	raw := b.MarshalPlaintext(4)
	got, err := UnmarshalBucketPlaintext(raw, 3, 4)
	if err != nil {
		t.Fatalf("UnmarshalBucketPlaintext() error = %v", err)
	}
	if got.LastTouched != b.LastTouched {
		t.Errorf("LastTouched = %d, want %d", got.LastTouched, b.LastTouched)
	}
	for i := range b.Slots {
		if got.Slots[i].ID != b.Slots[i].ID {
			t.Errorf("slot %d ID = %d, want %d", i, got.Slots[i].ID, b.Slots[i].ID)
		}
		if !bytes.Equal(got.Slots[i].Data, b.Slots[i].Data) {
			t.Errorf("slot %d Data = %x, want %x", i, got.Slots[i].Data, b.Slots[i].Data)
		}
	}
}

func TestUnmarshalBucketPlaintextWrongLength(t *testing.T) {
	if _, err := UnmarshalBucketPlaintext([]byte{1, 2, 3}, 3, 4); err != ErrMalformedBucket {
		t.Errorf("error = %v, want ErrMalformedBucket", err)
	}
}

func TestBlockClone(t *testing.T) {
	b := Block{ID: 1, Data: []byte{1, 2, 3}}
	c := b.Clone()
	c.Data[0] = 99
	if b.Data[0] == 99 {
		t.Error("Clone() aliased the original Data slice")
	}
}
