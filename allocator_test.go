package vefs

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDevice(t *testing.T) *SectorDevice {
	t.Helper()
	var prk [32]byte
	for i := range prk {
		prk[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "archive.vefs")
	dev, err := CreateSectorDevice(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestAllocatorAllocOneGrowsThenReusesFreedIDs(t *testing.T) {
	dev := newTestDevice(t)
	a := NewAllocator(dev)

	before := dev.NumSectors()
	id1, err := a.AllocOne(context.Background())
	if err != nil {
		t.Fatalf("AllocOne: %v", err)
	}
	if dev.NumSectors() != before+1 {
		t.Fatalf("expected host file to grow by one sector")
	}

	if err := a.DeallocOne(id1); err != nil {
		t.Fatalf("DeallocOne: %v", err)
	}
	grownSize := dev.NumSectors()

	id2, err := a.AllocOne(context.Background())
	if err != nil {
		t.Fatalf("AllocOne: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("expected AllocOne to reuse freed id %d, got %d", id1, id2)
	}
	if dev.NumSectors() != grownSize {
		t.Fatalf("reusing a freed id must not grow the host file")
	}
}

func TestAllocatorAdjacentRunsCoalesce(t *testing.T) {
	dev := newTestDevice(t)
	a := NewAllocator(dev)

	a.AddFreeRun(10, 2) // [10,12)
	a.AddFreeRun(12, 3) // [12,15) - adjacent after
	a.AddFreeRun(8, 2)  // [8,10) - adjacent before

	runs := a.Snapshot()
	if len(runs) != 1 {
		t.Fatalf("expected the three adjacent runs to coalesce into one, got %d: %+v", len(runs), runs)
	}
	if runs[0].Start != 8 || runs[0].Len != 7 {
		t.Fatalf("expected coalesced run [8,15), got start=%d len=%d", runs[0].Start, runs[0].Len)
	}
}

func TestAllocatorAllocContiguousFirstFit(t *testing.T) {
	dev := newTestDevice(t)
	a := NewAllocator(dev)

	a.AddFreeRun(100, 3)
	a.AddFreeRun(200, 10)

	id, err := a.AllocContiguous(context.Background(), 5)
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	if id != 200 {
		t.Fatalf("expected first-fit to pick the run starting at 200, got %d", id)
	}

	runs := a.Snapshot()
	foundRemainder := false
	for _, r := range runs {
		if r.Start == 205 && r.Len == 5 {
			foundRemainder = true
		}
	}
	if !foundRemainder {
		t.Fatalf("expected remainder run [205,210) after allocating 5 from [200,210), got %+v", runs)
	}
}

func TestAllocatorTrimTrailingFree(t *testing.T) {
	dev := newTestDevice(t)
	a := NewAllocator(dev)

	id, err := a.AllocOne(context.Background())
	if err != nil {
		t.Fatalf("AllocOne: %v", err)
	}
	sizeWithExtra := dev.NumSectors()
	if err := a.DeallocOne(id); err != nil {
		t.Fatalf("DeallocOne: %v", err)
	}
	if err := a.TrimTrailingFree(); err != nil {
		t.Fatalf("TrimTrailingFree: %v", err)
	}
	if dev.NumSectors() != sizeWithExtra-1 {
		t.Fatalf("expected host file to shrink back by one sector, got %d (was %d)",
			dev.NumSectors(), sizeWithExtra)
	}
}

func TestAllocatorRecoverUnusedSectors(t *testing.T) {
	dev := newTestDevice(t)
	a := NewAllocator(dev)

	// Simulate three allocated sectors, only one of which is reachable:
	// RecoverUnusedSectors should fold the other two back into the free map.
	id1, _ := a.AllocOne(context.Background())
	id2, _ := a.AllocOne(context.Background())
	id3, _ := a.AllocOne(context.Background())

	reachable := map[SectorID]bool{id2: true}
	if err := a.RecoverUnusedSectors(reachable); err != nil {
		t.Fatalf("RecoverUnusedSectors: %v", err)
	}

	// id1 and id3 should now be allocatable again without growing the file.
	sizeBefore := dev.NumSectors()
	got1, err := a.AllocOne(context.Background())
	if err != nil {
		t.Fatalf("AllocOne: %v", err)
	}
	got2, err := a.AllocOne(context.Background())
	if err != nil {
		t.Fatalf("AllocOne: %v", err)
	}
	if dev.NumSectors() != sizeBefore {
		t.Fatalf("recovered leaked sectors should have been reused without growth")
	}
	if got1 == id2 || got2 == id2 {
		t.Fatalf("reachable sector %d must not have been recovered as free", id2)
	}
	if (got1 != id1 && got1 != id3) || (got2 != id1 && got2 != id3) || got1 == got2 {
		t.Fatalf("expected the two leaked ids %d and %d to be recovered, got %d and %d", id1, id3, got1, got2)
	}
}
