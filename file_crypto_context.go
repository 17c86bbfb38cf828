package vefs

// fileCryptoContext is C3: a per-file secret plus a monotonic nonce
// counter, capable of sealing and opening one sector at a time. Every
// virtual file - including the two pinned meta-files - owns exactly one
// of these.
//
// sessionSalt is shared with every file context opened under the same
// sector device session (see sector_device.go); it diversifies salts
// across process lifetimes even though uniqueness is already guaranteed
// by the per-file counter, matching spec.md section 4.2's "derives salt
// via kdf(counter, ..., session_salt)".
type fileCryptoContext struct {
	provider    CryptoProvider
	secret      [FileSecretSize]byte
	counter     *counter128
	sessionSalt *[32]byte
}

func newFileCryptoContext(provider CryptoProvider, secret [FileSecretSize]byte,
	startCounter [FileSecretCounterSize]byte, sessionSalt *[32]byte) *fileCryptoContext {
	return &fileCryptoContext{
		provider:    provider,
		secret:      secret,
		counter:     newCounter128FromBytes(startCounter),
		sessionSalt: sessionSalt,
	}
}

// counterSnapshot returns the next counter value that would be handed
// out, without consuming it; used when persisting the descriptor so a
// later reopen never replays a value already spent.
func (fctx *fileCryptoContext) counterSnapshot() [FileSecretCounterSize]byte {
	return fctx.counter.bytes()
}

// sealSector seals plaintext (exactly SectorPayloadSize bytes) into the
// on-disk sector representation: a 32-byte salt prefix followed by the
// ciphertext, and returns the 16-byte MAC that the caller must store in
// the referring inner node or file descriptor. See spec.md section 4.2.
func (fctx *fileCryptoContext) sealSector(dst []byte, plaintext []byte) (mac [MACSize]byte, err error) {
	if len(dst) != SectorSize {
		return mac, errorf(KindInvalidArgument, "sealSector: dst must be %d bytes", SectorSize)
	}
	if len(plaintext) != SectorPayloadSize {
		return mac, errorf(KindInvalidArgument, "sealSector: plaintext must be %d bytes", SectorPayloadSize)
	}

	counterVal := fctx.counter.next()
	salt := dst[:SectorSaltSize]
	kdfString(salt, counterVal[:], domainSectorSalt, fctx.sessionSalt[:])

	keyMaterial := make([]byte, fctx.provider.KeyMaterialSize())
	kdfString(keyMaterial, fctx.secret[:], domainSectorPRK, salt)

	macBuf := make([]byte, MACSize)
	if err := fctx.provider.BoxSeal(dst[SectorSaltSize:], macBuf, keyMaterial, plaintext); err != nil {
		return mac, err
	}
	copy(mac[:], macBuf)
	return mac, nil
}

// unsealSector opens a sector's raw on-disk bytes (salt + ciphertext)
// using the given MAC, writing the recovered plaintext into dst. Only
// the on-disk salt and the file secret are needed: the counter and
// session salt were already folded into the salt at seal time.
func (fctx *fileCryptoContext) unsealSector(dst []byte, raw []byte, mac [MACSize]byte) error {
	if len(raw) != SectorSize {
		return errorf(KindInvalidArgument, "unsealSector: raw must be %d bytes", SectorSize)
	}
	if len(dst) != SectorPayloadSize {
		return errorf(KindInvalidArgument, "unsealSector: dst must be %d bytes", SectorPayloadSize)
	}

	salt := raw[:SectorSaltSize]
	keyMaterial := make([]byte, fctx.provider.KeyMaterialSize())
	kdfString(keyMaterial, fctx.secret[:], domainSectorPRK, salt)

	return fctx.provider.BoxOpen(dst, keyMaterial, raw[SectorSaltSize:], mac[:])
}
