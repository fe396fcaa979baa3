package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}

	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	restored, err := FromSecretKey(original.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() error: %v", err)
	}

	if !bytes.Equal(restored.Public[:], original.Public[:]) {
		t.Error("FromSecretKey() did not derive the original public key")
	}

	if _, err := FromSecretKey([32]byte{}); err == nil {
		t.Error("FromSecretKey() accepted an all-zero secret key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()

	cases := []struct {
		name    string
		message string
	}{
		{"ASCII", "Hello, relay!"},
		{"Punctuation", "permission granted: rm -rf ./build && make all"},
		{"Unicode", "统一码 → ユニコード → 🔐"},
		{"Single byte", "x"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, nonce, err := Encrypt([]byte(tc.message), recipient.Public[:], sender.Private[:])
			if err != nil {
				t.Fatalf("Encrypt() error: %v", err)
			}

			if bytes.Contains(ciphertext, []byte(tc.message)) {
				t.Error("ciphertext contains the plaintext")
			}

			plaintext, err := Decrypt(ciphertext, nonce, sender.Public[:], recipient.Private[:])
			if err != nil {
				t.Fatalf("Decrypt() error: %v", err)
			}

			if string(plaintext) != tc.message {
				t.Errorf("round trip produced %q, want %q", plaintext, tc.message)
			}
		})
	}
}

func TestEncryptValidation(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()

	cases := []struct {
		name        string
		message     []byte
		recipientPK []byte
		senderSK    []byte
		wantErr     error
	}{
		{"Empty message", nil, recipient.Public[:], sender.Private[:], ErrEmptyMessage},
		{"Short recipient key", []byte("hi"), recipient.Public[:16], sender.Private[:], ErrInvalidKeyLength},
		{"Long recipient key", []byte("hi"), append(recipient.Public[:], 0xFF), sender.Private[:], ErrInvalidKeyLength},
		{"Short sender key", []byte("hi"), recipient.Public[:], sender.Private[:31], ErrInvalidKeyLength},
		{"Oversized message", make([]byte, MaxMessageSize+1), recipient.Public[:], sender.Private[:], ErrMessageTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Encrypt(tc.message, tc.recipientPK, tc.senderSK)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Encrypt() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNonceUniqueness(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()

	const iterations = 10000
	seen := make(map[Nonce]struct{}, iterations)
	message := []byte("nonce uniqueness probe")

	for i := 0; i < iterations; i++ {
		_, nonce, err := Encrypt(message, recipient.Public[:], sender.Private[:])
		if err != nil {
			t.Fatalf("Encrypt() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[nonce]; dup {
			t.Fatalf("nonce repeated after %d encryptions", i)
		}
		seen[nonce] = struct{}{}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	intruder, _ := GenerateKeyPair()

	ciphertext, nonce, err := Encrypt([]byte("secret"), recipient.Public[:], sender.Private[:])
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	cases := []struct {
		name        string
		ciphertext  []byte
		nonce       Nonce
		senderPK    []byte
		recipientSK []byte
	}{
		{"Wrong sender public key", ciphertext, nonce, intruder.Public[:], recipient.Private[:]},
		{"Wrong recipient secret key", ciphertext, nonce, sender.Public[:], intruder.Private[:]},
		{"Swapped key roles", ciphertext, nonce, recipient.Public[:], sender.Private[:]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plaintext, err := Decrypt(tc.ciphertext, tc.nonce, tc.senderPK, tc.recipientSK)
			if !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
			}
			if plaintext != nil {
				t.Error("Decrypt() returned plaintext despite failure")
			}
		})
	}

	t.Run("Tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0x01
		if _, err := Decrypt(tampered, nonce, sender.Public[:], recipient.Private[:]); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
		}
	})

	t.Run("Corrupted nonce", func(t *testing.T) {
		corrupted := nonce
		corrupted[0] ^= 0x01
		if _, err := Decrypt(ciphertext, corrupted, sender.Public[:], recipient.Private[:]); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
		}
	})
}

func TestDecryptBytesNonceValidation(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()

	ciphertext, nonce, err := Encrypt([]byte("payload"), recipient.Public[:], sender.Private[:])
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := DecryptBytes(ciphertext, nonce[:12], sender.Public[:], recipient.Private[:]); !errors.Is(err, ErrInvalidNonceLength) {
		t.Errorf("DecryptBytes() short nonce error = %v, want ErrInvalidNonceLength", err)
	}

	plaintext, err := DecryptBytes(ciphertext, nonce[:], sender.Public[:], recipient.Private[:])
	if err != nil {
		t.Fatalf("DecryptBytes() error: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Errorf("DecryptBytes() = %q, want %q", plaintext, "payload")
	}
}
