package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrInvalidKeyLength indicates a public or secret key that is not
	// exactly KeySize bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrInvalidNonceLength indicates a nonce that is not exactly NonceSize bytes.
	ErrInvalidNonceLength = errors.New("invalid nonce length")
	// ErrEmptyMessage indicates an attempt to encrypt an empty message.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLarge indicates a message above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrDecryptionFailed indicates authentication failure on decrypt. The
	// same value is returned for tampered ciphertext, a wrong key pairing and
	// a corrupted nonce so callers cannot distinguish the cases.
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	// KeySize is the length of NaCl box public and secret keys.
	KeySize = 32
	// NonceSize is the length of a NaCl box nonce.
	NonceSize = 24
	// MaxMessageSize caps plaintext size (1MB) to prevent excessive memory usage.
	MaxMessageSize = 1024 * 1024
)

// Nonce is a 24-byte value used once per encryption.
type Nonce [NonceSize]byte

// KeyPair represents a NaCl box key pair. Public is shared with peer devices
// during pairing; Private never leaves the device.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random NaCl key pair from a cryptographically
// secure source. There is no key derivation from passwords or other secrets.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing secret key, deriving
// the public half via the curve25519 base point.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	var publicKey [KeySize]byte
	curve25519.ScalarBaseMult(&publicKey, &secretKey)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals message for recipientPK using authenticated public-key
// encryption. A fresh random nonce is generated on every call and returned
// alongside the ciphertext; callers never supply one, which keeps nonce reuse
// structurally impossible.
func Encrypt(message, recipientPK, senderSK []byte) ([]byte, Nonce, error) {
	if len(message) == 0 {
		return nil, Nonce{}, ErrEmptyMessage
	}
	if len(message) > MaxMessageSize {
		return nil, Nonce{}, ErrMessageTooLarge
	}
	if len(recipientPK) != KeySize || len(senderSK) != KeySize {
		return nil, Nonce{}, ErrInvalidKeyLength
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}

	encrypted := box.Seal(nil, message, (*[NonceSize]byte)(&nonce),
		(*[KeySize]byte)(recipientPK), (*[KeySize]byte)(senderSK))
	return encrypted, nonce, nil
}

// Decrypt opens ciphertext sealed by the holder of senderPK's secret key.
// Any authentication failure returns ErrDecryptionFailed; it is not a
// transient condition and must not be retried.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK, recipientSK []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if len(senderPK) != KeySize || len(recipientSK) != KeySize {
		return nil, ErrInvalidKeyLength
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce),
		(*[KeySize]byte)(senderPK), (*[KeySize]byte)(recipientSK))
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return decrypted, nil
}

// DecryptBytes is Decrypt with a raw nonce slice, validating its length.
// Wire payloads carry the nonce as bytes, so this is the usual entry point
// on the receive path.
func DecryptBytes(ciphertext, nonce, senderPK, recipientSK []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonceLength
	}
	var n Nonce
	copy(n[:], nonce)
	return Decrypt(ciphertext, n, senderPK, recipientSK)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
