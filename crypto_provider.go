package vefs

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/chacha20poly1305"
)

// CryptoProvider is the opaque capability set spec.md section 4.1 treats
// as a parameter of the sector device: AEAD seal/open, CSPRNG, and
// constant-time compare. An implementation's KeyMaterialSize fixes how
// many bytes of derived key material box_seal/box_open expect.
type CryptoProvider interface {
	// BoxSeal authenticated-encrypts plaintext into ciphertextOut (same
	// length as plaintext) and produces a 16-byte MAC in macOut.
	BoxSeal(ciphertextOut, macOut []byte, keyMaterial []byte, plaintext []byte) error

	// BoxOpen authenticated-decrypts ciphertext into plaintextOut. Returns
	// a *Error with Kind == KindTagMismatch on authentication failure.
	BoxOpen(plaintextOut []byte, keyMaterial []byte, ciphertext []byte, mac []byte) error

	// RandomBytes fills out with cryptographically strong randomness.
	RandomBytes(out []byte) error

	// CtCompare reports, in constant time, whether a and b are equal; it
	// does not order them (no less/greater result). Fails with
	// KindInvalidArgument on length mismatch or an empty slice.
	CtCompare(a, b []byte) (equal bool, err error)

	// KeyMaterialSize is the number of bytes BoxSeal/BoxOpen expect in
	// keyMaterial (key || nonce).
	KeyMaterialSize() int
}

// xchachaProvider implements CryptoProvider with XChaCha20-Poly1305. The
// 24-byte extended nonce lets a freshly derived 32-byte salt serve as
// nonce material directly, with no truncation or counter-mode fallback,
// unlike AES-256-GCM's 12-byte nonce.
type xchachaProvider struct{}

// NewCryptoProvider returns the default CryptoProvider implementation.
func NewCryptoProvider() CryptoProvider { return xchachaProvider{} }

const (
	chachaKeySize   = chacha20poly1305.KeySize    // 32
	chachaNonceSize = chacha20poly1305.NonceSizeX  // 24
	chachaTagSize   = chacha20poly1305.Overhead    // 16
)

func (xchachaProvider) KeyMaterialSize() int { return chachaKeySize + chachaNonceSize }

func (xchachaProvider) BoxSeal(ciphertextOut, macOut, keyMaterial, plaintext []byte) error {
	if len(keyMaterial) != chachaKeySize+chachaNonceSize {
		return errorf(KindInvalidArgument, "key material must be %d bytes, got %d",
			chachaKeySize+chachaNonceSize, len(keyMaterial))
	}
	if len(ciphertextOut) != len(plaintext) {
		return errorf(KindInvalidArgument, "ciphertext buffer must match plaintext length")
	}
	if len(macOut) != chachaTagSize {
		return errorf(KindInvalidArgument, "mac buffer must be %d bytes", chachaTagSize)
	}

	aead, err := chacha20poly1305.NewX(keyMaterial[:chachaKeySize])
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to construct AEAD")
	}
	nonce := keyMaterial[chachaKeySize:]

	sealed := aead.Seal(ciphertextOut[:0], nonce, plaintext, nil)
	copy(ciphertextOut, sealed[:len(plaintext)])
	copy(macOut, sealed[len(plaintext):])
	return nil
}

func (xchachaProvider) BoxOpen(plaintextOut, keyMaterial, ciphertext, mac []byte) error {
	if len(keyMaterial) != chachaKeySize+chachaNonceSize {
		return errorf(KindInvalidArgument, "key material must be %d bytes, got %d",
			chachaKeySize+chachaNonceSize, len(keyMaterial))
	}
	if len(plaintextOut) != len(ciphertext) {
		return errorf(KindInvalidArgument, "plaintext buffer must match ciphertext length")
	}
	if len(mac) != chachaTagSize {
		return errorf(KindInvalidArgument, "mac must be %d bytes", chachaTagSize)
	}

	aead, err := chacha20poly1305.NewX(keyMaterial[:chachaKeySize])
	if err != nil {
		return wrapErrorf(KindBad, err, "failed to construct AEAD")
	}
	nonce := keyMaterial[chachaKeySize:]

	sealed := make([]byte, 0, len(ciphertext)+chachaTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac...)

	opened, err := aead.Open(plaintextOut[:0], nonce, sealed, nil)
	if err != nil {
		return errorf(KindTagMismatch, "authentication failed")
	}
	copy(plaintextOut, opened)
	return nil
}

func (xchachaProvider) RandomBytes(out []byte) error {
	if _, err := rand.Read(out); err != nil {
		return wrapErrorf(KindBad, err, "failed to read from OS CSPRNG")
	}
	return nil
}

func (xchachaProvider) CtCompare(a, b []byte) (bool, error) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return false, errorf(KindInvalidArgument, "ct_compare requires equal-length, non-empty inputs")
	}
	return subtle.ConstantTimeCompare(a, b) == 1, nil
}
