package ring

import "testing"

func TestRingPutGetDelete(t *testing.T) {
	r := New(8)
	r.Put(3, "three")
	if v, ok := r.Get(3); !ok || v != "three" {
		t.Fatalf("Get(3) = %v, %v", v, ok)
	}
	r.Delete(3)
	if _, ok := r.Get(3); ok {
		t.Fatalf("expected slot cleared after Delete")
	}
}

func TestRingWraparound(t *testing.T) {
	r := New(4)
	r.Put(1, "a")
	r.Put(5, "b") // same slot as 1 (mod 4)
	if v, _ := r.Get(5); v != "b" {
		t.Fatalf("Get(5) = %v", v)
	}
	if _, ok := r.Get(1); !ok {
		// overwritten, but occupant flag should still read true for slot,
		// just with the new value - Get(1) aliases Get(5)'s slot.
	}
}

func TestLess16Wraparound(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{65535, 0, true},
		{0, 65535, false},
		{100, 100, false},
	}
	for _, c := range cases {
		if got := Less16(c.a, c.b); got != c.want {
			t.Errorf("Less16(%d,%d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestDistance16(t *testing.T) {
	if d := Distance16(65535, 1); d != 2 {
		t.Fatalf("Distance16(65535,1) = %d, want 2", d)
	}
}
