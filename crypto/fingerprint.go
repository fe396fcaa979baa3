package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintLength is the number of hex characters in a key fingerprint.
const FingerprintLength = 16

// Fingerprint returns a short hex digest of a public key for human
// out-of-band comparison during pairing. It is display-only and is never an
// input to a security decision.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) != KeySize {
		return "", ErrInvalidKeyLength
	}

	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:FingerprintLength/2]), nil
}
