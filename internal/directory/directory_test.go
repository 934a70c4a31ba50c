package directory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/storage"
)

// newTestStore creates a temporary storage for directory tests.
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "directory_test_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}

	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := storage.Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// TestAttestAndResolve tests a valid proof of possession.
func TestAttestAndResolve(t *testing.T) {
	db := newTestStore(t)

	d, err := Open(db)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}

	kp, err := curve.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	identity := registry.Identity{0x11}
	proof := kp.Sign(identity[:])

	if err := d.Attest(identity, kp.PublicPoint(), proof); err != nil {
		t.Fatalf("attest: %v", err)
	}

	owner, ok := d.OwnerOf(kp.PublicPoint().Digest())
	if !ok || owner != identity {
		t.Fatalf("owner lookup failed: ok=%v owner=%x", ok, owner[:4])
	}
}

// TestAttestRejectsBadProof tests signature verification of the proof.
func TestAttestRejectsBadProof(t *testing.T) {
	db := newTestStore(t)

	d, err := Open(db)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}

	kp, _ := curve.GenerateKey()
	other, _ := curve.GenerateKey()

	identity := registry.Identity{0x11}

	// Proof signed by a different key.
	proof := other.Sign(identity[:])

	if err := d.Attest(identity, kp.PublicPoint(), proof); !errors.Is(err, ErrBadProof) {
		t.Fatalf("expected ErrBadProof, got %v", err)
	}

	// Proof over a different identity.
	wrong := registry.Identity{0x22}
	proof = kp.Sign(wrong[:])

	if err := d.Attest(identity, kp.PublicPoint(), proof); !errors.Is(err, ErrBadProof) {
		t.Fatalf("expected ErrBadProof for wrong identity, got %v", err)
	}
}

// TestAttestOnce tests that a digest cannot be re-attested.
func TestAttestOnce(t *testing.T) {
	db := newTestStore(t)

	d, err := Open(db)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}

	kp, _ := curve.GenerateKey()
	identity := registry.Identity{0x11}

	if err := d.Attest(identity, kp.PublicPoint(), kp.Sign(identity[:])); err != nil {
		t.Fatalf("attest: %v", err)
	}

	again := registry.Identity{0x33}
	err = d.Attest(again, kp.PublicPoint(), kp.Sign(again[:]))
	if !errors.Is(err, ErrAlreadyAttested) {
		t.Fatalf("expected ErrAlreadyAttested, got %v", err)
	}
}

// TestDirectoryReload tests that ownership survives a restart.
func TestDirectoryReload(t *testing.T) {
	db := newTestStore(t)

	d, err := Open(db)
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}

	kp, _ := curve.GenerateKey()
	identity := registry.Identity{0x11}

	if err := d.Attest(identity, kp.PublicPoint(), kp.Sign(identity[:])); err != nil {
		t.Fatalf("attest: %v", err)
	}

	reloaded, err := Open(db)
	if err != nil {
		t.Fatalf("reload directory: %v", err)
	}

	owner, ok := reloaded.OwnerOf(kp.PublicPoint().Digest())
	if !ok || owner != identity {
		t.Fatal("ownership lost on reload")
	}

	if reloaded.Size() != 1 {
		t.Fatalf("expected size 1, got %d", reloaded.Size())
	}
}
