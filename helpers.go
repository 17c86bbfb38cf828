package vefs

import (
	"encoding/binary"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
)

// archiveIndexFileID and freeBlockIndexFileID are the fixed, well-known
// ids of the two pinned meta-files referenced directly from the archive
// header (spec.md section 3), as opposed to user files, which get a
// random id from NewFileSecretAndCounter's caller.
var (
	archiveIndexFileID  = [16]byte{'v', 'e', 'f', 's', '/', 'f', 's', 'i', 'n', 'd', 'e', 'x', 0, 0, 0, 1}
	freeBlockIndexFileID = [16]byte{'v', 'e', 'f', 's', '/', 'f', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 1}
)

func putBE32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func getBE32(b []byte) uint32    { return binary.BigEndian.Uint32(b) }
func putBE64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }

// incrementCounterBytes bumps a little-endian 128-bit counter by one,
// the same carry rule counter128.next uses, for header fields that are
// bumped directly rather than through a live counter128.
func incrementCounterBytes(b [16]byte) [16]byte {
	c := newCounter128FromBytes(b)
	c.next()
	return c.bytes()
}

func dirname(path string) string {
	d := filepath.Dir(path)
	if d == "" {
		return "."
	}
	return d
}

// appendErr accumulates errs into a *hashicorp/go-multierror.Error, used
// anywhere a close/sync path must attempt every step and report every
// failure rather than stopping at the first, matching the teacher's use
// of go-multierror for its own multi-key close paths.
func appendErr(agg error, err error) error {
	if err == nil {
		return agg
	}
	return multierror.Append(agg, err)
}

func cborMarshalStaticHeader(w masterHeaderWire) ([]byte, error) {
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to marshal static header")
	}
	return b, nil
}

func cborUnmarshalStaticHeader(data []byte, w *masterHeaderWire) error {
	if err := cbor.Unmarshal(data, w); err != nil {
		return wrapErrorf(KindBad, err, "failed to unmarshal static header")
	}
	return nil
}

func cborMarshalArchiveHeader(w archiveHeaderWire) ([]byte, error) {
	b, err := cbor.Marshal(w)
	if err != nil {
		return nil, wrapErrorf(KindBad, err, "failed to marshal archive header")
	}
	return b, nil
}

func cborUnmarshalArchiveHeader(data []byte, w *archiveHeaderWire) error {
	if err := cbor.Unmarshal(data, w); err != nil {
		return wrapErrorf(KindCorruptIndexEntry, err, "failed to unmarshal archive header")
	}
	return nil
}
