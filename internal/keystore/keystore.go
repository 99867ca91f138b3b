// Package keystore implements the handshake.KeyStore collaborator: a
// directory of PEM-encoded RSA public keys, one file per device,
// named by the device's hex id, loaded once at startup.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the concrete handshake.KeyStore, backed by an in-memory
// map loaded from a directory of <hex-device-id>.pem files.
type Store struct {
	mu   sync.RWMutex
	keys map[[12]byte]*rsa.PublicKey
}

// Load reads every .pem file in dir into a Store.
func Load(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	s := &Store{keys: make(map[[12]byte]*rsa.PublicKey, len(entries))}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
			continue
		}
		name := entry.Name()[:len(entry.Name())-len(".pem")]
		id, err := decodeDeviceID(name)
		if err != nil {
			return nil, fmt.Errorf("keystore: %s: %w", entry.Name(), err)
		}
		pub, err := loadPublicKey(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("keystore: %s: %w", entry.Name(), err)
		}
		s.keys[id] = pub
	}
	return s, nil
}

func decodeDeviceID(hexID string) ([12]byte, error) {
	var id [12]byte
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return id, err
	}
	if len(raw) != 12 {
		return id, fmt.Errorf("device id %q is not 12 bytes", hexID)
	}
	copy(id[:], raw)
	return id, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaPub, nil
}

// DevicePublicKey implements handshake.KeyStore.
func (s *Store) DevicePublicKey(deviceID [12]byte) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.keys[deviceID]
	return pub, ok
}

// Add registers or replaces a device's public key at runtime, for
// devices claimed after the gateway started.
func (s *Store) Add(deviceID [12]byte, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[deviceID] = pub
}
