package vefs

import "testing"

func sampleFileDescriptor() FileDescriptor {
	fd := FileDescriptor{
		Path:          "/sample",
		RootSector:    SectorID(42),
		MaximumExtent: 12345,
		TreeDepth:     2,
		ModTime:       1700000000,
	}
	fd.FileID = newFileID()
	for i := range fd.Secret {
		fd.Secret[i] = byte(i)
	}
	for i := range fd.SecretCounter {
		fd.SecretCounter[i] = byte(i + 1)
	}
	for i := range fd.RootMAC {
		fd.RootMAC[i] = byte(i + 2)
	}
	return fd
}

func TestFileDescriptorCBORRoundTrip(t *testing.T) {
	fd := sampleFileDescriptor()
	b, err := marshalFileDescriptor(fd)
	if err != nil {
		t.Fatalf("marshalFileDescriptor: %v", err)
	}
	got, err := unmarshalFileDescriptor(b)
	if err != nil {
		t.Fatalf("unmarshalFileDescriptor: %v", err)
	}
	if got != fd {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, fd)
	}
}

func TestFileDescriptorRejectsTruncatedFields(t *testing.T) {
	if _, err := fileDescriptorFromWire(fileDescriptorWire{}); KindOf(err) != KindCorruptIndexEntry {
		t.Fatalf("expected corrupt_index_entry decoding an empty wire descriptor, got %v", err)
	}
}

func TestArchiveHeaderCBORRoundTrip(t *testing.T) {
	h := ArchiveHeader{
		FSIndex:   sampleFileDescriptor(),
		FreeIndex: sampleFileDescriptor(),
	}
	for i := range h.ArchiveSecretCounter {
		h.ArchiveSecretCounter[i] = byte(i)
	}
	for i := range h.JournalCounter {
		h.JournalCounter[i] = byte(i + 1)
	}

	wire := h.toWire()
	b, err := cborMarshalArchiveHeader(wire)
	if err != nil {
		t.Fatalf("cborMarshalArchiveHeader: %v", err)
	}
	var decodedWire archiveHeaderWire
	if err := cborUnmarshalArchiveHeader(b, &decodedWire); err != nil {
		t.Fatalf("cborUnmarshalArchiveHeader: %v", err)
	}
	got, err := archiveHeaderFromWire(decodedWire)
	if err != nil {
		t.Fatalf("archiveHeaderFromWire: %v", err)
	}
	if got != h {
		t.Fatalf("archive header round trip mismatch:\n got  %+v\n want %+v", got, h)
	}
}

func TestCBORBoxSealOpenRoundTrip(t *testing.T) {
	provider := NewCryptoProvider()
	key := make([]byte, provider.KeyMaterialSize())
	deriveKey := func(salt []byte) []byte { return key }

	var salt [32]byte
	for i := range salt {
		salt[i] = byte(i)
	}
	payload := []byte("a somewhat longer plaintext payload to seal in a cbor box")

	box, err := sealCBORBox(provider, salt, deriveKey, payload)
	if err != nil {
		t.Fatalf("sealCBORBox: %v", err)
	}
	got, err := openCBORBox(provider, deriveKey, box)
	if err != nil {
		t.Fatalf("openCBORBox: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("cbor box round trip mismatch: got %q want %q", got, payload)
	}

	tampered := append([]byte(nil), box...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := openCBORBox(provider, deriveKey, tampered); err == nil {
		t.Fatalf("expected openCBORBox to reject a tampered box")
	}
}
