// Package store persists the last firmware download FwtClient completed,
// so a restart can skip re-downloading and re-verifying an image whose
// hash has not changed. The sidecar is CBOR-encoded.
package store

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Record is the persisted FWT session: the verified hash, the device it
// was downloaded for, and the raw manifest bytes so a Project can be
// reconstructed without re-downloading.
type Record struct {
	DeviceName string `cbor:"device_name"`
	ImageHash  []byte `cbor:"image_hash"`
	Manifest   []byte `cbor:"manifest"`
}

// Store loads and saves a single Record to a path on disk.
type Store struct {
	path string
}

// New returns a Store backed by path. The file need not exist yet.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted record. A missing file is not an error: it
// reports (nil, nil), meaning "nothing downloaded yet".
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", s.path, err)
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", s.path, err)
	}
	return &rec, nil
}

// Save writes rec to the store's path, overwriting any previous record.
func (s *Store) Save(rec *Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", s.path, err)
	}
	return nil
}
