package vefs

import "testing"

func TestTreePositionParentChildRoundTrip(t *testing.T) {
	for _, leaf := range []uint64{0, 1, 1023, 1024, 1025, 1024 * 1024} {
		pos := TreePosition{Layer: 0, Index: leaf}
		parentPos, offset := pos.parent()
		back := parentPos.child(offset)
		if back != pos {
			t.Fatalf("leaf %d: parent/child round trip mismatch: got %+v", leaf, back)
		}
	}
}

func TestLeafCapacityMatchesFanOut(t *testing.T) {
	cases := []struct {
		depth uint8
		want  uint64
	}{
		{0, 1},
		{1, 1024},
		{2, 1024 * 1024},
		{5, 1024 * 1024 * 1024 * 1024 * 1024},
	}
	for _, c := range cases {
		if got := leafCapacity(c.depth); got != c.want {
			t.Fatalf("leafCapacity(%d) = %d, want %d", c.depth, got, c.want)
		}
	}
}

func TestDepthForLeafIndex(t *testing.T) {
	cases := []struct {
		idx  uint64
		want uint8
	}{
		{0, 0},
		{1, 1},
		{1023, 1},
		{1024, 2},
		{1024*1024 - 1, 2},
		{1024 * 1024, 3},
	}
	for _, c := range cases {
		got := depthForLeafIndex(c.idx)
		if got != c.want {
			t.Fatalf("depthForLeafIndex(%d) = %d, want %d", c.idx, got, c.want)
		}
		if c.idx >= leafCapacity(got) {
			t.Fatalf("depthForLeafIndex(%d) = %d does not cover the index (capacity %d)",
				c.idx, got, leafCapacity(got))
		}
	}
}

func TestRawSectorReferenceRoundTrip(t *testing.T) {
	var mac [MACSize]byte
	for i := range mac {
		mac[i] = byte(i + 1)
	}
	ref := newSectorReference(SectorID(123456), mac)
	if ref.isZero() {
		t.Fatalf("freshly constructed reference must not be zero")
	}
	if ref.sectorID() != SectorID(123456) {
		t.Fatalf("sectorID() = %d, want 123456", ref.sectorID())
	}
	if ref.mac() != mac {
		t.Fatalf("mac() mismatch")
	}

	var zero RawSectorReference
	if !zero.isZero() {
		t.Fatalf("zero-valued reference must report isZero")
	}
}

func TestRefsPerSectorFitsSectorPayload(t *testing.T) {
	if refsPerSector*sectorRefSize > SectorPayloadSize {
		t.Fatalf("fan-out does not fit inner sector payload")
	}
	if refsPerSector != TreeFanOut {
		t.Fatalf("refsPerSector must equal the spec's fixed fan-out of %d", TreeFanOut)
	}
}
