package vefs

import (
	"bytes"
	"context"
	"math/rand"
	"path/filepath"
	"testing"
)

func newTestArchive(t *testing.T) (*Archive, string, [32]byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.vefs")
	prk := testPRK(7)
	ar, err := CreateArchive(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateArchive: %v", err)
	}
	t.Cleanup(func() { ar.Close(context.Background()) })
	return ar, path, prk
}

// TestArchiveRoundTrip is invariant 1 of spec.md section 8: write, commit,
// reopen, read back the same bytes.
func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	ar, path, prk := newTestArchive(t)

	data := make([]byte, 200000)
	rand.New(rand.NewSource(1)).Read(data)

	vf, err := ar.Open(ctx, "/hello.bin", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := vf.Write(ctx, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := ar.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenArchive(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer reopened.Close(ctx)

	vf2, err := reopened.Open(ctx, "/hello.bin", false)
	if err != nil {
		t.Fatalf("Open after reopen: %v", err)
	}
	if vf2.MaximumExtent() != uint64(len(data)) {
		t.Fatalf("MaximumExtent = %d, want %d", vf2.MaximumExtent(), len(data))
	}
	readBack := make([]byte, len(data))
	if _, err := vf2.Read(ctx, 0, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("round trip mismatch")
	}
}

// TestArchiveQueryReflectsCommittedSize is invariant 7.
func TestArchiveQueryReflectsCommittedSize(t *testing.T) {
	ctx := context.Background()
	ar, _, _ := newTestArchive(t)

	vf, err := ar.Open(ctx, "/f", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := bytes.Repeat([]byte{0x5a}, 50000)
	if _, err := vf.Write(ctx, 0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := vf.Truncate(ctx, 10, ar.ReclaimSector); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit after truncate: %v", err)
	}

	fd, ok := ar.Query("/f")
	if !ok {
		t.Fatalf("Query: file not found")
	}
	if fd.MaximumExtent != 10 {
		t.Fatalf("query size = %d, want 10", fd.MaximumExtent)
	}
}

// TestArchiveEraseRejectsOpenFile is invariant 8, plus exercises the still_in_use branch of
// Erase while the file handle is outstanding, then verifies erase after
// close succeeds and query reports no_such_file.
func TestArchiveEraseRejectsOpenFile(t *testing.T) {
	ctx := context.Background()
	ar, path, prk := newTestArchive(t)

	if _, err := ar.Open(ctx, "/gone.bin", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := ar.Erase(ctx, "/gone.bin"); KindOf(err) != KindStillInUse {
		t.Fatalf("expected still_in_use while file handle is outstanding, got %v", err)
	}

	if err := ar.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenArchive(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("OpenArchive: %v", err)
	}
	defer reopened.Close(ctx)

	if err := reopened.Erase(ctx, "/gone.bin"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := reopened.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, ok := reopened.Query("/gone.bin"); ok {
		t.Fatalf("expected no_such_file after erase+commit")
	}
}

// TestArchiveShrinkOnCommitReleasesSectors is scenario S3: writing past
// several leaves, committing, then truncating to zero (handing the freed
// sectors to ar.ReclaimSector) and committing again must leave the file's
// committed size at 0. Tree depth after an erase is checked by
// TestArchiveGrowthThenEraseReturnsToEmptyRoot; reuse of the freed
// sectors is not checked here.
func TestArchiveShrinkOnCommitReleasesSectors(t *testing.T) {
	ctx := context.Background()
	ar, _, _ := newTestArchive(t)

	vf, err := ar.Open(ctx, "/shrink.bin", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	size := 3*131072 - 1
	payload := make([]byte, size)
	rand.New(rand.NewSource(0)).Read(payload)
	offset := uint64(2*32736 - 1)
	if _, err := vf.Write(ctx, offset, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := vf.Truncate(ctx, 0, ar.ReclaimSector); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit after truncate: %v", err)
	}

	fd, ok := ar.Query("/shrink.bin")
	if !ok {
		t.Fatalf("Query: file not found")
	}
	if fd.MaximumExtent != 0 {
		t.Fatalf("expected size 0 after truncate, got %d", fd.MaximumExtent)
	}
}

// TestArchiveGrowthThenEraseReturnsToEmptyRoot is scenario S5: growing a
// file to force the tree to a deeper layer, then erasing the single leaf
// written, must shrink the tree's depth back to its freshly-created state.
func TestArchiveGrowthThenEraseReturnsToEmptyRoot(t *testing.T) {
	ctx := context.Background()
	ar, _, _ := newTestArchive(t)

	baseline, err := ar.Open(ctx, "/baseline.bin", true)
	if err != nil {
		t.Fatalf("Open baseline: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit baseline: %v", err)
	}
	baselineFD, _ := ar.Query("/baseline.bin")
	_ = baseline

	vf, err := ar.Open(ctx, "/grow.bin", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	leafSize := UserLeafPayloadSize
	// Leaf index 1023 forces the tree to depth 1 (fan-out 1024 per layer).
	offset := uint64(1023 * leafSize)
	if _, err := vf.Write(ctx, offset, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	grownFD, _ := ar.Query("/grow.bin")
	if grownFD.TreeDepth == 0 {
		t.Fatalf("expected tree to have grown past depth 0")
	}

	if err := vf.Truncate(ctx, 0, ar.ReclaimSector); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit after truncate: %v", err)
	}
	shrunkFD, _ := ar.Query("/grow.bin")
	if shrunkFD.TreeDepth != baselineFD.TreeDepth {
		t.Fatalf("expected tree depth to shrink back to a freshly created file's depth (%d), got %d",
			baselineFD.TreeDepth, shrunkFD.TreeDepth)
	}
}

// TestArchiveTwoFilesDoNotShareNonces is invariant 4: two distinct files
// must never derive the same per-file secret (which would make their
// nonce spaces collide).
func TestArchiveTwoFilesDoNotShareNonces(t *testing.T) {
	ctx := context.Background()
	ar, _, _ := newTestArchive(t)

	a, err := ar.Open(ctx, "/a", true)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := ar.Open(ctx, "/b", true)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	if _, err := a.Write(ctx, 0, []byte("x")); err != nil {
		t.Fatalf("Write a: %v", err)
	}
	if _, err := b.Write(ctx, 0, []byte("y")); err != nil {
		t.Fatalf("Write b: %v", err)
	}
	if err := ar.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	fdA, _ := ar.Query("/a")
	fdB, _ := ar.Query("/b")
	if fdA.Secret == fdB.Secret {
		t.Fatalf("two distinct files must not share a file secret")
	}
}
