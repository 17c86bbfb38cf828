package vefs

// ArchiveHeader is the decoded content of one of the two double-buffered
// header slots (spec.md section 3): the descriptors of the two pinned
// meta-files plus the counters that order header generations and journal
// entries.
type ArchiveHeader struct {
	FSIndex              FileDescriptor
	FreeIndex            FileDescriptor
	ArchiveSecretCounter [16]byte
	JournalCounter       [16]byte
}

func (h ArchiveHeader) toWire() archiveHeaderWire {
	return archiveHeaderWire{
		Version:              0,
		FSIndex:              h.FSIndex.toWire(),
		FreeIndex:            h.FreeIndex.toWire(),
		ArchiveSecretCounter: h.ArchiveSecretCounter[:],
		JournalCounter:       h.JournalCounter[:],
	}
}

func archiveHeaderFromWire(w archiveHeaderWire) (ArchiveHeader, error) {
	var h ArchiveHeader
	fsIdx, err := fileDescriptorFromWire(w.FSIndex)
	if err != nil {
		return h, err
	}
	freeIdx, err := fileDescriptorFromWire(w.FreeIndex)
	if err != nil {
		return h, err
	}
	if len(w.ArchiveSecretCounter) != 16 || len(w.JournalCounter) != 16 {
		return h, errorf(KindCorruptIndexEntry, "archive header: counters must be 16 bytes")
	}
	h.FSIndex = fsIdx
	h.FreeIndex = freeIdx
	copy(h.ArchiveSecretCounter[:], w.ArchiveSecretCounter)
	copy(h.JournalCounter[:], w.JournalCounter)
	return h, nil
}

// selectArchiveHeader implements the selection rule of spec.md section
// 4.2: prefer the header with the larger archive_secret_counter; a tie
// is corruption, not a valid state (two concurrent writers are not
// supported, so equal counters can only mean a torn or replayed write).
func selectArchiveHeader(provider CryptoProvider, slot0, slot1 *ArchiveHeader) (*ArchiveHeader, error) {
	switch {
	case slot0 == nil && slot1 == nil:
		return nil, errorf(KindNoArchiveHeader, "neither header slot could be decrypted")
	case slot0 == nil:
		return slot1, nil
	case slot1 == nil:
		return slot0, nil
	}

	cmp, err := compareCounters(provider, slot0.ArchiveSecretCounter, slot1.ArchiveSecretCounter)
	if err != nil {
		return nil, err
	}
	switch {
	case cmp > 0:
		return slot0, nil
	case cmp < 0:
		return slot1, nil
	default:
		return nil, errorf(KindIdenticalHeaderVersion, "both header slots have the same archive secret counter")
	}
}

// compareCounters performs a constant-time-compare-gated ordering of two
// 128-bit little-endian counters: equality is detected via ct_compare,
// ordering (when unequal) falls back to a plain numeric compare since
// counter magnitude isn't secret.
func compareCounters(provider CryptoProvider, a, b [16]byte) (int, error) {
	equal, err := provider.CtCompare(a[:], b[:])
	if err != nil {
		return 0, err
	}
	if equal {
		return 0, nil
	}
	av := newCounter128FromBytes(a)
	bv := newCounter128FromBytes(b)
	if av.hi != bv.hi {
		if av.hi > bv.hi {
			return 1, nil
		}
		return -1, nil
	}
	if av.lo > bv.lo {
		return 1, nil
	}
	return -1, nil
}
