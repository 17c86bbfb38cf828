package vefs

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a vefs operation can report. See
// spec.md section 7 for the full taxonomy.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindInvalidArgument
	KindInvalidPrefix
	KindOversizedStaticHeader
	KindWrongUserPRK
	KindTagMismatch
	KindIdenticalHeaderVersion
	KindNoArchiveHeader
	KindSectorReferenceOutOfRange
	KindCorruptIndexEntry
	KindIndexEntrySpanningBlocks
	KindNoSuchFile
	KindKeyAlreadyExists
	KindStillInUse
	KindNotLoaded
	KindResourceExhausted
	KindNotEnoughMemory
	KindBad
	kindDeviceBusy // internal retry sentinel; never returned to callers
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidPrefix:
		return "invalid_prefix"
	case KindOversizedStaticHeader:
		return "oversized_static_header"
	case KindWrongUserPRK:
		return "wrong_user_prk"
	case KindTagMismatch:
		return "tag_mismatch"
	case KindIdenticalHeaderVersion:
		return "identical_header_version"
	case KindNoArchiveHeader:
		return "no_archive_header"
	case KindSectorReferenceOutOfRange:
		return "sector_reference_out_of_range"
	case KindCorruptIndexEntry:
		return "corrupt_index_entry"
	case KindIndexEntrySpanningBlocks:
		return "index_entry_spanning_blocks"
	case KindNoSuchFile:
		return "no_such_file"
	case KindKeyAlreadyExists:
		return "key_already_exists"
	case KindStillInUse:
		return "still_in_use"
	case KindNotLoaded:
		return "not_loaded"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotEnoughMemory:
		return "not_enough_memory"
	case KindBad:
		return "bad"
	case kindDeviceBusy:
		return "device_busy"
	default:
		return "unspecified"
	}
}

// Error is the single error type returned by every fallible vefs
// operation. It carries a Kind, a human message, an optional wrapped
// cause, and optional structured detail used by callers that need to
// react programmatically (e.g. retry on a stale tree depth).
type Error struct {
	Kind     Kind
	msg      string
	inner    error
	SectorID SectorID
	FileID   string
}

func (err *Error) Error() string {
	if err.inner != nil {
		return fmt.Sprintf("%s: %s: %s", err.Kind, err.msg, err.inner.Error())
	}
	return fmt.Sprintf("%s: %s", err.Kind, err.msg)
}

func (err *Error) Unwrap() error { return err.inner }

// Is reports whether target is an *Error with the same Kind, so callers
// can write `errors.Is(err, &Error{Kind: KindNoSuchFile})`.
func (err *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == err.Kind
}

func errorf(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, a...)}
}

func wrapErrorf(kind Kind, err error, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, a...), inner: err}
}

// withSector attaches a sector id to the error's structured detail.
func (err *Error) withSector(id SectorID) *Error {
	err.SectorID = id
	return err
}

// withFile attaches a file id to the error's structured detail.
func (err *Error) withFile(id string) *Error {
	err.FileID = id
	return err
}

// KindOf extracts the Kind of err, or KindUnspecified if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return KindUnspecified
}
