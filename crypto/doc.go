// Package crypto implements the end-to-end encryption primitives for the
// relay transport.
//
// Message payloads are protected with NaCl box authenticated public-key
// encryption (Curve25519 + XSalsa20-Poly1305) through Go's x/crypto packages.
// Every device holds one long-lived key pair; peer public keys arrive through
// the pairing flow and are looked up from a Directory at send/receive time.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fp, _ := crypto.Fingerprint(keys.Public[:])
//	fmt.Println("Public key fingerprint:", fp)
package crypto
