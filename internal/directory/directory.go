// Package directory records which identity owns which contributed key.
// Ownership is established once by a proof of possession and is read-only
// for every other component.
package directory

import (
	"errors"
	"fmt"
	"sync"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/storage"
)

// ownerKeyPrefix is the Pebble key prefix for ownership entries.
var ownerKeyPrefix = []byte("o:")

// ErrBadProof is returned when a proof of possession does not verify.
var ErrBadProof = errors.New("invalid proof of possession")

// ErrAlreadyAttested is returned when a key digest already has an owner.
var ErrAlreadyAttested = errors.New("key already attested")

// Directory is a pebble-backed digest → identity mapping with an
// in-memory read cache. It implements registry.Oracle.
type Directory struct {
	mu     sync.RWMutex
	db     *storage.Store
	owners map[curve.Digest]registry.Identity
}

// Open loads the ownership directory from storage.
func Open(db *storage.Store) (*Directory, error) {
	d := &Directory{
		db:     db,
		owners: make(map[curve.Digest]registry.Identity),
	}

	err := db.IteratePrefix(ownerKeyPrefix, func(key, value []byte) error {
		if len(key) != len(ownerKeyPrefix)+curve.DigestSize || len(value) != 32 {
			return fmt.Errorf("malformed ownership entry %x", key)
		}

		var digest curve.Digest
		copy(digest[:], key[len(ownerKeyPrefix):])

		var id registry.Identity
		copy(id[:], value)

		d.owners[digest] = id

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load ownership directory:\n%w", err)
	}

	return d, nil
}

// Attest records that identity owns the given key point. The proof must be
// a signature by the key over the identity bytes, which demonstrates
// possession of the matching secret. A digest can only be attested once.
func (d *Directory) Attest(identity registry.Identity, point *curve.Point, proof []byte) error {
	if !curve.Verify(proof, identity[:], point) {
		return ErrBadProof
	}

	digest := point.Digest()

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.owners[digest]; exists {
		return ErrAlreadyAttested
	}

	if err := d.db.Set(ownerKey(digest), identity[:]); err != nil {
		return fmt.Errorf("persist ownership:\n%w", err)
	}

	d.owners[digest] = identity

	return nil
}

// OwnerOf returns the identity that attested the key with the given digest.
func (d *Directory) OwnerOf(digest curve.Digest) (registry.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.owners[digest]

	return id, ok
}

// Size returns the number of attested keys.
func (d *Directory) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.owners)
}

// ownerKey returns the storage key for a digest's ownership entry.
func ownerKey(digest curve.Digest) []byte {
	return append(append([]byte(nil), ownerKeyPrefix...), digest[:]...)
}
