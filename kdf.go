package vefs

import "golang.org/x/crypto/sha3"

// kdfPersonalization fixes the 16-byte domain separation constant mixed
// into every KDF invocation, matching spec.md section 4.1.
var kdfPersonalization = [16]byte{'v', 'e', 'f', 's', '/', 'k', 'd', 'f', '/', 'v', '1', 0, 0, 0, 0, 0}

// Domain separation labels used throughout sector_device.go and
// file_crypto_context.go. Call sites concatenate these with the relevant
// counters/salts in the order listed in spec.md section 4.2/4.3.
const (
	domainFileSecret        = "vefs/seed/FileSecret"
	domainFileSecretCounter = "vefs/seed/FileSecretCounter"
	domainStaticHeaderSalt  = "vefs/salt/StaticArchiveHeaderWriteCounter"
	domainSectorSalt        = "vefs/salt/Sector-Salt"
	domainSectorPRK         = "vefs/prk/SectorPRK"
	domainArchiveHeaderSalt = "vefs/salt/ArchiveHeaderWriteCounter"
	domainErasePattern      = "vefs/erase/Pattern"
)

// kdf derives len(prk) bytes into prk from inputKey and the given domain
// parts, which are absorbed in order after a fixed 16-byte personalization
// tag. It is a keyed XOF built on SHAKE256: the teacher repo already
// depends on golang.org/x/crypto/sha3 for hashing (hash.go), and SHAKE is
// a genuine XOF (unlike BLAKE2Xb past 64 bytes), so no new dependency is
// needed to satisfy the "keyed XOF" contract of spec.md section 4.1.
func kdf(prk []byte, inputKey []byte, domainParts ...[]byte) {
	h := sha3.NewShake256()
	h.Write(kdfPersonalization[:])
	h.Write(inputKey)
	for _, part := range domainParts {
		h.Write(part)
	}
	h.Read(prk)
}

// kdfString is a convenience wrapper for the common case of a string
// domain label followed by binary counters/salts.
func kdfString(prk []byte, inputKey []byte, label string, rest ...[]byte) {
	parts := make([][]byte, 0, len(rest)+1)
	parts = append(parts, []byte(label))
	parts = append(parts, rest...)
	kdf(prk, inputKey, parts...)
}

const domainPassphrasePRK = "vefs/prk/PassphrasePRK"

// DerivePRKFromPassphrase derives a 32-byte user PRK from an
// interactively entered passphrase, for callers (the cmd/vefs CLI) that
// offer a --password key provider as an alternative to a raw --key. This
// is a single-factor stand-in for the original's smartcard-backed MDC
// key provider: it trades hardware-bound key material for a passphrase
// hashed once (no salt, no iteration count) through the same
// SHAKE256-based keyed XOF every other vefs key derivation uses, and is
// documented as such rather than pretending
// to the original's security properties.
func DerivePRKFromPassphrase(passphrase string) [32]byte {
	var prk [32]byte
	kdfString(prk[:], []byte(passphrase), domainPassphrasePRK)
	return prk
}
