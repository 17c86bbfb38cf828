package vefs

import (
	"encoding/binary"

	"github.com/bwesterb/byteswriter"
)

// RawSectorReference is the packed, 32-byte on-disk representation of one
// child slot inside an inner sector: the child's id plus the MAC that
// authenticates it. Fields are accessed through explicit little-endian
// getters/setters rather than by reinterpreting the byte slice as a
// struct, matching the teacher's address.go accessor style - Go gives no
// layout guarantee for a cast, so every field is read and written
// explicitly instead.
type RawSectorReference [sectorRefSize]byte

const (
	refOffSectorID = 0
	refOffReserved = 8 // 8 bytes reserved/zeroed, matches spec.md's padded record
	refOffMAC      = 16
)

func (ref *RawSectorReference) setSectorID(id SectorID) {
	binary.LittleEndian.PutUint64(ref[refOffSectorID:refOffSectorID+8], uint64(id))
}

func (ref *RawSectorReference) sectorID() SectorID {
	return SectorID(binary.LittleEndian.Uint64(ref[refOffSectorID : refOffSectorID+8]))
}

func (ref *RawSectorReference) setMAC(mac [MACSize]byte) {
	copy(ref[refOffMAC:refOffMAC+MACSize], mac[:])
}

func (ref *RawSectorReference) mac() [MACSize]byte {
	var mac [MACSize]byte
	copy(mac[:], ref[refOffMAC:refOffMAC+MACSize])
	return mac
}

// isZero reports whether the reference is the all-zero "no child here"
// sentinel used to pad a not-yet-fully-populated inner sector.
func (ref *RawSectorReference) isZero() bool {
	for _, b := range ref {
		if b != 0 {
			return false
		}
	}
	return true
}

func newSectorReference(id SectorID, mac [MACSize]byte) RawSectorReference {
	var ref RawSectorReference
	ref.setSectorID(id)
	ref.setMAC(mac)
	return ref
}

// writeRefInto serializes ref directly into dst[:sectorRefSize] using a
// fixed, non-growing byteswriter.Writer over dst, the same pattern the
// teacher's container.go uses (via encoding/binary.Write) to lay its
// subtree header into a preallocated mmap'd buffer without an
// intermediate allocation.
func writeRefInto(dst []byte, ref RawSectorReference) error {
	w := byteswriter.NewWriter(dst)
	_, err := w.Write(ref[:])
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to serialize sector reference")
	}
	return nil
}

// refsPerSector is how many RawSectorReference slots fit in one inner
// sector's payload: spec.md section 3 fixes the fan-out at TreeFanOut,
// and TreeFanOut * sectorRefSize must not exceed the sector payload.
const refsPerSector = TreeFanOut

func init() {
	if refsPerSector*sectorRefSize > SectorPayloadSize {
		panic("vefs: tree fan-out does not fit inner sector payload")
	}
}

// TreePosition addresses one sector within a file's radix tree: Layer 0
// is the leaf layer (holding file content), increasing layers are
// progressively coarser inner layers, and the root lives at the file
// descriptor's own layer (tree_depth).
type TreePosition struct {
	Layer uint8
	Index uint64 // position among siblings at Layer, counting from 0
}

// rootPosition returns the position of the tree root given its depth, as
// recorded in a file descriptor's TreeDepth field.
func rootPosition(depth uint8) TreePosition {
	return TreePosition{Layer: depth, Index: 0}
}

// parent returns the position of pos's parent and pos's offset within
// that parent's child array.
func (pos TreePosition) parent() (parentPos TreePosition, childOffset int) {
	return TreePosition{Layer: pos.Layer + 1, Index: pos.Index / refsPerSector}, int(pos.Index % refsPerSector)
}

// child returns the position of pos's child at the given offset. pos
// must not be a leaf (Layer == 0).
func (pos TreePosition) child(offset int) TreePosition {
	return TreePosition{Layer: pos.Layer - 1, Index: pos.Index*refsPerSector + uint64(offset)}
}

// isLeaf reports whether pos addresses a leaf sector (file content,
// rather than an inner node of child references).
func (pos TreePosition) isLeaf() bool { return pos.Layer == 0 }

// leafCapacity returns the largest leaf index (exclusive) addressable by
// a tree of the given depth, i.e. refsPerSector^depth.
func leafCapacity(depth uint8) uint64 {
	cap := uint64(1)
	for i := uint8(0); i < depth; i++ {
		cap *= refsPerSector
	}
	return cap
}

// depthForLeafIndex returns the minimum tree depth that can address leaf
// index idx (0-based), used when growing a file past its current tree's
// capacity.
func depthForLeafIndex(idx uint64) uint8 {
	var depth uint8
	cap := uint64(1)
	for cap <= idx {
		cap *= refsPerSector
		depth++
	}
	return depth
}
