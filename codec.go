package vefs

import (
	"github.com/fxamacker/cbor/v2"
)

// Wire-format structs for the CBOR encodings fixed by spec.md section 6.
// fxamacker/cbor's "toarray" tag encodes a struct positionally (used for
// master_header and cbor_box); "keyasint" encodes a struct as a map with
// small integer keys (used for file_descriptor and archive_header).

type masterHeaderWire struct {
	_             struct{} `cbor:",toarray"`
	Version       uint64
	MasterSecret  []byte
	MasterCounter []byte
}

type fileDescriptorWire struct {
	FileID        []byte `cbor:"1,keyasint"`
	Path          string `cbor:"2,keyasint,omitempty"`
	Secret        []byte `cbor:"3,keyasint"`
	SecretCounter []byte `cbor:"4,keyasint"`
	RootSector    uint64 `cbor:"5,keyasint"`
	RootMAC       []byte `cbor:"6,keyasint"`
	MaximumExtent uint64 `cbor:"7,keyasint"`
	TreeDepth     uint64 `cbor:"8,keyasint"`
	ModTime       int64  `cbor:"9,keyasint"`
}

type archiveHeaderWire struct {
	Version              uint64             `cbor:"0,keyasint"`
	FSIndex              fileDescriptorWire `cbor:"1,keyasint"`
	FreeIndex            fileDescriptorWire `cbor:"2,keyasint"`
	ArchiveSecretCounter []byte             `cbor:"3,keyasint"`
	JournalCounter       []byte             `cbor:"4,keyasint"`
}

type cborBoxWire struct {
	_          struct{} `cbor:",toarray"`
	Salt       []byte
	MAC        []byte
	Ciphertext []byte
}

// FileDescriptor is the domain representation of spec.md's file
// descriptor: the small record that identifies a virtual file and its
// tree root, whether it lives in the archive header (pinned meta-files)
// or the filesystem index (user files).
type FileDescriptor struct {
	FileID        [16]byte
	Path          string
	Secret        [FileSecretSize]byte
	SecretCounter [FileSecretCounterSize]byte
	RootSector    SectorID
	RootMAC       [MACSize]byte
	MaximumExtent uint64
	TreeDepth     uint8
	ModTime       int64
}

func (fd FileDescriptor) toWire() fileDescriptorWire {
	return fileDescriptorWire{
		FileID:        fd.FileID[:],
		Path:          fd.Path,
		Secret:        fd.Secret[:],
		SecretCounter: fd.SecretCounter[:],
		RootSector:    uint64(fd.RootSector),
		RootMAC:       fd.RootMAC[:],
		MaximumExtent: fd.MaximumExtent,
		TreeDepth:     uint64(fd.TreeDepth),
		ModTime:       fd.ModTime,
	}
}

func fileDescriptorFromWire(w fileDescriptorWire) (FileDescriptor, error) {
	var fd FileDescriptor
	if len(w.FileID) != 16 {
		return fd, errorf(KindCorruptIndexEntry, "file descriptor: file id must be 16 bytes")
	}
	if len(w.Secret) != FileSecretSize {
		return fd, errorf(KindCorruptIndexEntry, "file descriptor: secret must be %d bytes", FileSecretSize)
	}
	if len(w.SecretCounter) != FileSecretCounterSize {
		return fd, errorf(KindCorruptIndexEntry, "file descriptor: secret counter must be %d bytes", FileSecretCounterSize)
	}
	if len(w.RootMAC) != MACSize {
		return fd, errorf(KindCorruptIndexEntry, "file descriptor: root mac must be %d bytes", MACSize)
	}
	copy(fd.FileID[:], w.FileID)
	fd.Path = w.Path
	copy(fd.Secret[:], w.Secret)
	copy(fd.SecretCounter[:], w.SecretCounter)
	fd.RootSector = SectorID(w.RootSector)
	copy(fd.RootMAC[:], w.RootMAC)
	fd.MaximumExtent = w.MaximumExtent
	fd.TreeDepth = uint8(w.TreeDepth)
	fd.ModTime = w.ModTime
	return fd, nil
}

func marshalFileDescriptor(fd FileDescriptor) ([]byte, error) {
	b, err := cbor.Marshal(fd.toWire())
	if err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to marshal file descriptor")
	}
	return b, nil
}

func unmarshalFileDescriptor(data []byte) (FileDescriptor, error) {
	var w fileDescriptorWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return FileDescriptor{}, wrapErrorf(KindCorruptIndexEntry, err, "failed to unmarshal file descriptor")
	}
	return fileDescriptorFromWire(w)
}

// sealCBORBox authenticated-encrypts payload under a key derived by
// deriveKey(salt), wrapping the result as spec.md's cbor_box: an array of
// [salt, mac, ciphertext].
func sealCBORBox(provider CryptoProvider, salt [32]byte, deriveKey func(salt []byte) []byte, payload []byte) ([]byte, error) {
	keyMaterial := deriveKey(salt[:])
	ciphertext := make([]byte, len(payload))
	var mac [MACSize]byte
	macOut := mac[:]
	if err := provider.BoxSeal(ciphertext, macOut, keyMaterial, payload); err != nil {
		return nil, err
	}
	box := cborBoxWire{Salt: salt[:], MAC: macOut, Ciphertext: ciphertext}
	b, err := cbor.Marshal(box)
	if err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to marshal cbor box")
	}
	return b, nil
}

// openCBORBox parses the cbor_box at the start of boxBytes (trailing
// bytes, such as a fixed-size header slot's padding, are ignored) and
// authenticated-decrypts its payload under a key derived by
// deriveKey(salt). Returns KindTagMismatch on authentication failure.
func openCBORBox(provider CryptoProvider, deriveKey func(salt []byte) []byte, boxBytes []byte) ([]byte, error) {
	var box cborBoxWire
	if _, err := cbor.UnmarshalFirst(boxBytes, &box); err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to unmarshal cbor box")
	}
	if len(box.MAC) != MACSize {
		return nil, errorf(KindBad, "cbor box: mac must be %d bytes", MACSize)
	}
	keyMaterial := deriveKey(box.Salt)
	plaintext := make([]byte, len(box.Ciphertext))
	if err := provider.BoxOpen(plaintext, keyMaterial, box.Ciphertext, box.MAC); err != nil {
		return nil, err
	}
	return plaintext, nil
}
