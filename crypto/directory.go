package crypto

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownDevice indicates a device id with no deposited public key.
var ErrUnknownDevice = errors.New("unknown device")

// Directory is the read side of the paired-key store. The pairing flow
// deposits each device's public key keyed by device id; the relay core only
// ever reads from it.
type Directory interface {
	// PublicKey returns the 32-byte public key deposited for deviceID, or
	// ErrUnknownDevice if the device has not completed pairing.
	PublicKey(deviceID string) ([]byte, error)
}

// DirectoryEntry is one paired device's published key material.
type DirectoryEntry struct {
	PublicKey   []byte
	Fingerprint string
}

// MemoryDirectory is an in-process Directory keyed by device id. It backs
// tests and single-process deployments; production deployments wrap their
// own key store in the Directory interface.
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]DirectoryEntry
}

// NewMemoryDirectory creates an empty in-memory key directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]DirectoryEntry),
	}
}

// Put deposits a device's public key, computing its fingerprint. This is the
// pairing-flow write side; the relay core never calls it.
func (d *MemoryDirectory) Put(deviceID string, publicKey []byte) error {
	if len(publicKey) != KeySize {
		return ErrInvalidKeyLength
	}

	fp, err := Fingerprint(publicKey)
	if err != nil {
		return err
	}

	key := make([]byte, KeySize)
	copy(key, publicKey)

	d.mu.Lock()
	d.entries[deviceID] = DirectoryEntry{PublicKey: key, Fingerprint: fp}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Put",
		"device_id":   deviceID,
		"fingerprint": fp,
	}).Info("Device public key deposited")

	return nil
}

// PublicKey implements Directory.
func (d *MemoryDirectory) PublicKey(deviceID string) ([]byte, error) {
	d.mu.RLock()
	entry, ok := d.entries[deviceID]
	d.mu.RUnlock()

	if !ok {
		return nil, ErrUnknownDevice
	}

	key := make([]byte, KeySize)
	copy(key, entry.PublicKey)
	return key, nil
}

// Entry returns the full directory entry for a device, including the display
// fingerprint.
func (d *MemoryDirectory) Entry(deviceID string) (DirectoryEntry, bool) {
	d.mu.RLock()
	entry, ok := d.entries[deviceID]
	d.mu.RUnlock()
	return entry, ok
}
