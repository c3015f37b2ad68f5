package posmap

import "testing"

func TestGetUnmapped(t *testing.T) {
	p := New(16, 4)
	if _, ok := p.Get(5); ok {
		t.Error("Get() on fresh map reported existing entry")
	}
}

func TestSetThenGet(t *testing.T) {
	p := New(16, 4)
	p.Set(5, 9)
	leaf, ok := p.Get(5)
	if !ok || leaf != 9 {
		t.Errorf("Get() = (%d, %v), want (9, true)", leaf, ok)
	}
}

func TestExchange(t *testing.T) {
	p := New(16, 4)

	prior, existed := p.Exchange(1, 3)
	if existed || prior != Unmapped {
		t.Errorf("Exchange() on new id = (%d, %v), want (Unmapped, false)", prior, existed)
	}

	prior, existed = p.Exchange(1, 7)
	if !existed || prior != 3 {
		t.Errorf("Exchange() = (%d, %v), want (3, true)", prior, existed)
	}

	leaf, _ := p.Get(1)
	if leaf != 7 {
		t.Errorf("Get() after Exchange = %d, want 7", leaf)
	}
}

func TestSize(t *testing.T) {
	p := New(16, 4)
	p.Set(1, 0)
	p.Set(2, 1)
	if got := p.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}
}
