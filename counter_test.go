package vefs

import "testing"

func TestCounter128NextIncrementsAndCarries(t *testing.T) {
	c := newCounter128FromBytes([16]byte{})
	first := c.next()
	second := c.next()
	if first == second {
		t.Fatalf("successive counter values must differ")
	}
	if first[0] != 0 || second[0] != 1 {
		t.Fatalf("expected little-endian increment, got %v then %v", first, second)
	}
}

func TestCounter128CarriesIntoHighWord(t *testing.T) {
	var maxLo [16]byte
	for i := 0; i < 8; i++ {
		maxLo[i] = 0xff
	}
	c := newCounter128FromBytes(maxLo)
	before := c.next()
	after := c.bytes()
	for i := 0; i < 8; i++ {
		if before[i] != 0xff {
			t.Fatalf("expected low word to read all-0xff before carry")
		}
	}
	for i := 0; i < 8; i++ {
		if after[i] != 0 {
			t.Fatalf("expected low word to wrap to zero after carry")
		}
	}
	if after[8] != 1 {
		t.Fatalf("expected high word to carry by one, got %d", after[8])
	}
}

func TestCounter128NeverRepeats(t *testing.T) {
	c := newCounter128FromBytes([16]byte{})
	seen := make(map[[16]byte]bool)
	for i := 0; i < 10000; i++ {
		v := c.next()
		if seen[v] {
			t.Fatalf("counter repeated value %v at iteration %d", v, i)
		}
		seen[v] = true
	}
}
