package registry

import (
	"math"

	"QuorumKeys/internal/curve"
)

// QuorumID identifies a quorum. Any value is a valid key into the
// per-quorum state; quorum existence is not validated.
type QuorumID uint8

// Identity is a 32-byte operator identifier.
type Identity [32]byte

// OpenUntil is the sentinel UntilBlock value of a record that is still
// in effect. Set exactly once, when a newer record supersedes it.
const OpenUntil = math.MaxUint64

// UpdateRecord records one aggregate mutation for a quorum: the digest of
// the aggregate AFTER the update, and the block window during which that
// aggregate was in force. Records are append-only and ordered by
// non-decreasing FromBlock.
type UpdateRecord struct {
	KeyDigest  curve.Digest // KeyDigest is the digest of the aggregate after this update
	FromBlock  uint64       // FromBlock is the block at which this update took effect
	UntilBlock uint64       // UntilBlock is the block at which it was superseded, or OpenUntil
}

// Open reports whether the record is still in effect.
func (u UpdateRecord) Open() bool {
	return u.UntilBlock == OpenUntil
}

// Gate is the authorization predicate for all mutating entry points.
type Gate interface {
	// Authorized reports whether the caller may mutate the registry.
	Authorized(caller Identity) bool
}

// CoordinatorGate authorizes exactly one coordinator identity.
type CoordinatorGate struct {
	Coordinator Identity // Coordinator is the sole identity allowed to mutate
}

// Authorized reports whether caller is the configured coordinator.
func (g CoordinatorGate) Authorized(caller Identity) bool {
	return caller == g.Coordinator
}

// Oracle resolves a key digest to the identity that attested ownership of it.
type Oracle interface {
	// OwnerOf returns the identity that owns the key with the given digest.
	// The second return is false if no ownership is recorded.
	OwnerOf(d curve.Digest) (Identity, bool)
}

// Hooks are extension points fired around each mutation. Before hooks may
// veto the mutation by returning an error; no state is changed on veto.
type Hooks interface {
	BeforeRegister(identity Identity, quorums []QuorumID) error
	AfterRegister(identity Identity, quorums []QuorumID)
	BeforeRemove(identity Identity, quorums []QuorumID) error
	AfterRemove(identity Identity, quorums []QuorumID)
}

// NopHooks is the default Hooks implementation. All methods do nothing.
type NopHooks struct{}

func (NopHooks) BeforeRegister(Identity, []QuorumID) error { return nil }
func (NopHooks) AfterRegister(Identity, []QuorumID)        {}
func (NopHooks) BeforeRemove(Identity, []QuorumID) error   { return nil }
func (NopHooks) AfterRemove(Identity, []QuorumID)          {}

// EventKind distinguishes contribution notifications.
type EventKind uint8

const (
	// EventAdded is emitted once per successful Register call.
	EventAdded EventKind = iota + 1

	// EventRemoved is emitted once per successful Remove call.
	EventRemoved
)

// Event is a contribution notification for offline observers.
// Emitted once per mutating call, not once per quorum.
type Event struct {
	Kind     EventKind    // Kind is added or removed
	Identity Identity     // Identity is the contributing operator
	Quorums  []QuorumID   // Quorums are the quorums touched by the call
	Digest   curve.Digest // Digest is the digest of the contributed point
	Block    uint64       // Block is the height at which the mutation took effect
}

// Sink receives contribution events. Publish must not block the caller
// for long; slow observers are the sink's problem.
type Sink interface {
	Publish(ev Event)
}
