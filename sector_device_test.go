package vefs

import (
	"os"
	"path/filepath"
	"testing"
)

func testPRK(seed byte) [32]byte {
	var prk [32]byte
	for i := range prk {
		prk[i] = seed + byte(i)
	}
	return prk
}

// TestSectorDeviceMagicRejection is scenario S1 of spec.md section 8:
// corrupting byte 0 of the host file must surface invalid_prefix even
// under the correct PRK.
func TestSectorDeviceMagicRejection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.vefs")
	prk := testPRK(1)
	dev, err := CreateSectorDevice(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xff}, 0); err != nil {
		t.Fatalf("corrupt magic: %v", err)
	}
	f.Close()

	_, err = OpenSectorDevice(path, prk, NewCryptoProvider())
	if KindOf(err) != KindInvalidPrefix {
		t.Fatalf("expected invalid_prefix, got %v", err)
	}
}

// TestSectorDeviceWrongPRK is scenario S2: opening with a different PRK
// than the archive was created under must surface wrong_user_prk.
func TestSectorDeviceWrongPRK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.vefs")
	dev, err := CreateSectorDevice(path, testPRK(1), NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = OpenSectorDevice(path, testPRK(2), NewCryptoProvider())
	if KindOf(err) != KindWrongUserPRK {
		t.Fatalf("expected wrong_user_prk, got %v", err)
	}
}

// TestSectorDeviceReopenAlreadyOpenFails checks the advisory file lock
// (spec.md section 4.2: "re-opening an already-open archive fails with
// still_in_use").
func TestSectorDeviceReopenAlreadyOpenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.vefs")
	prk := testPRK(1)
	dev, err := CreateSectorDevice(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}
	defer dev.Close()

	_, err = OpenSectorDevice(path, prk, NewCryptoProvider())
	if KindOf(err) != KindStillInUse {
		t.Fatalf("expected still_in_use, got %v", err)
	}
}

// TestSectorDeviceHeaderSelectionPicksNewerSlot is scenario S4: after two
// successful header updates, corrupting the now-older slot's bytes must
// not prevent reopening - the newer slot (the one with the larger
// archive_secret_counter) must still be selected.
func TestSectorDeviceHeaderSelectionPicksNewerSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.vefs")
	prk := testPRK(1)
	dev, err := CreateSectorDevice(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("CreateSectorDevice: %v", err)
	}

	fsDesc := dev.Header().FSIndex
	freeDesc := dev.Header().FreeIndex
	// A second UpdateHeader call writes into the other slot, leaving the
	// original create-path slot stale.
	if err := dev.UpdateHeader(fsDesc, freeDesc); err != nil {
		t.Fatalf("UpdateHeader: %v", err)
	}
	wantCounter := dev.Header().ArchiveSecretCounter
	staleSlot := 0
	if dev.activeSlot == 0 {
		staleSlot = 1
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the stale slot's bytes; the active (newer) slot is untouched.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	offset := int64(offHeaderSlot0)
	if staleSlot == 1 {
		offset = offHeaderSlot1
	}
	garbage := make([]byte, headerSlotSize)
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if _, err := f.WriteAt(garbage, offset); err != nil {
		t.Fatalf("corrupt stale slot: %v", err)
	}
	f.Close()

	reopened, err := OpenSectorDevice(path, prk, NewCryptoProvider())
	if err != nil {
		t.Fatalf("OpenSectorDevice after corrupting the stale slot should still succeed: %v", err)
	}
	defer reopened.Close()
	if reopened.Header().ArchiveSecretCounter != wantCounter {
		t.Fatalf("reopened archive selected the wrong header generation")
	}
}

func TestSectorDeviceWriteReadSectorRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	secret, counter := dev.NewFileSecretAndCounter()
	fctx := dev.NewFileCryptoContext(secret, counter)

	id, err := dev.GrowBy(1)
	if err != nil {
		t.Fatalf("GrowBy: %v", err)
	}

	plaintext := make([]byte, SectorPayloadSize)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}
	mac, err := dev.WriteSector(fctx, id, plaintext)
	if err != nil {
		t.Fatalf("WriteSector: %v", err)
	}

	readBack := make([]byte, SectorPayloadSize)
	if err := dev.ReadSector(readBack, fctx, id, mac); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	for i := range plaintext {
		if readBack[i] != plaintext[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, readBack[i], plaintext[i])
		}
	}

	// A flipped MAC bit must be rejected (invariant 5).
	badMAC := mac
	badMAC[0] ^= 1
	if err := dev.ReadSector(readBack, fctx, id, badMAC); KindOf(err) != KindTagMismatch {
		t.Fatalf("expected tag_mismatch for a corrupted mac, got %v", err)
	}
}

func TestSectorDeviceRefusesMasterSectorReadWrite(t *testing.T) {
	dev := newTestDevice(t)
	secret, counter := dev.NewFileSecretAndCounter()
	fctx := dev.NewFileCryptoContext(secret, counter)

	_, err := dev.WriteSector(fctx, MasterSectorID, make([]byte, SectorPayloadSize))
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected invalid_argument writing to the master sector, got %v", err)
	}

	var mac [MACSize]byte
	err = dev.ReadSector(make([]byte, SectorPayloadSize), fctx, MasterSectorID, mac)
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected invalid_argument reading the master sector, got %v", err)
	}
}
