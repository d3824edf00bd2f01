package buffer

import "testing"

func TestFreeListReusesBuffers(t *testing.T) {
	p := NewFreeList()
	b1 := p.Alloc()
	if len(b1) != BlockSize {
		t.Fatalf("len = %d, want %d", len(b1), BlockSize)
	}
	p.Free(b1)
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.Outstanding())
	}
	b2 := p.Alloc()
	if &b1[0] != &b2[0] {
		t.Fatalf("expected Alloc to reuse freed buffer")
	}
}

func TestFreeListIgnoresForeignBuffer(t *testing.T) {
	p := NewFreeList()
	foreign := make([]byte, BlockSize)
	p.Free(foreign) // must not panic, must not be tracked
	if p.Outstanding() != 0 {
		t.Fatalf("outstanding = %d, want 0", p.Outstanding())
	}
}

func TestFreeListParanoidPanicsOnLeak(t *testing.T) {
	p := NewFreeList()
	p.Paranoid = true
	p.MaxOutstanding = 1
	_ = p.Alloc()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on exceeding MaxOutstanding")
		}
	}()
	_ = p.Alloc()
}
