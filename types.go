package vefs

// SectorID addresses a fixed-size sector on the host file. Id 0 ("master")
// is reserved for the archive master sector.
type SectorID uint64

// MasterSectorID is the reserved id of the archive master sector.
const MasterSectorID SectorID = 0

const (
	// SectorSize is the fixed on-disk size of a sector (spec.md section 3).
	SectorSize = 1 << 15 // 32768
	// SectorSaltSize is the per-write salt prefix stored in each sector.
	SectorSaltSize = 32
	// SectorPayloadSize is the ciphertext payload following the salt.
	SectorPayloadSize = SectorSize - SectorSaltSize // 32736
	// MACSize is the size of a sector's authentication tag, stored
	// out-of-band in the referring inner node or file descriptor.
	MACSize = 16

	// UserLeafPayloadSize is the usable payload of a leaf sector that
	// belongs to a user file (the full sector payload).
	UserLeafPayloadSize = SectorPayloadSize
	// MetaLeafPayloadSize is the usable payload of a leaf sector that
	// belongs to a meta-file: the first 32 bytes are an allocation map.
	MetaLeafPayloadSize = SectorPayloadSize - 32

	// TreeFanOut is the number of children an inner sector holds.
	TreeFanOut = 1024
	// MaxTreeDepth is the maximum depth of a per-file radix tree.
	MaxTreeDepth = 5

	// sectorRefSize is the packed size of a RawSectorReference entry.
	sectorRefSize = 32
)

// FileSecretSize, FileSecretCounterSize are the field widths fixed by
// spec.md's file_descriptor encoding.
const (
	FileSecretSize        = 32
	FileSecretCounterSize = 16
	MasterSecretSize      = 64
	MasterCounterSize     = 16
)
