package registry

import (
	"fmt"
	"sync"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/logger"
	"QuorumKeys/internal/storage"
)

// Config wires the collaborators of a Registry.
type Config struct {
	DB     *storage.Store // DB persists aggregates and history
	Gate   Gate           // Gate authorizes mutating callers
	Oracle Oracle         // Oracle resolves key ownership
	Hooks  Hooks          // Hooks fire around mutations (optional)
	Sink   Sink           // Sink receives contribution events (optional)
}

// Registry maintains, per quorum, the rolling aggregate of contributed
// public key points plus an append-only history of update records. It is
// the exclusive owner of both; mutations are fully serialized and
// all-or-nothing per call.
type Registry struct {
	mu sync.RWMutex

	db     *storage.Store
	gate   Gate
	oracle Oracle
	hooks  Hooks
	sink   Sink

	aggregates map[QuorumID]*curve.Point    // aggregates holds the current sum per quorum
	history    map[QuorumID][]UpdateRecord  // history holds the ordered update records per quorum
}

// New creates a Registry and loads persisted state from cfg.DB.
func New(cfg Config) (*Registry, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("registry requires a storage backend")
	}

	if cfg.Gate == nil {
		return nil, fmt.Errorf("registry requires an access gate")
	}

	if cfg.Oracle == nil {
		return nil, fmt.Errorf("registry requires an ownership oracle")
	}

	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}

	r := &Registry{
		db:         cfg.DB,
		gate:       cfg.Gate,
		oracle:     cfg.Oracle,
		hooks:      cfg.Hooks,
		sink:       cfg.Sink,
		aggregates: make(map[QuorumID]*curve.Point),
		history:    make(map[QuorumID][]UpdateRecord),
	}

	if err := r.load(); err != nil {
		return nil, fmt.Errorf("load registry state:\n%w", err)
	}

	return r, nil
}

// Register adds a contribution point to the aggregate of every listed
// quorum at the given block height and returns the point's digest.
//
// Callers must supply quorums sorted ascending without duplicates, and
// must have confirmed the identity is not already a contributor for them;
// neither is re-validated here.
func (r *Registry) Register(caller, identity Identity, quorums []QuorumID, point *curve.Point, block uint64) (curve.Digest, error) {
	return r.mutate(caller, identity, quorums, point, block, true)
}

// Remove cancels a previously registered contribution by adding the
// point's inverse to the aggregate of every listed quorum. The caller must
// supply the same point used at registration; this is trusted, not verified.
func (r *Registry) Remove(caller, identity Identity, quorums []QuorumID, point *curve.Point, block uint64) (curve.Digest, error) {
	return r.mutate(caller, identity, quorums, point, block, false)
}

// mutate runs the shared register/remove flow. All validation happens
// before any state change; persistence is committed as one batch and
// in-memory state is only updated after the commit succeeds, so callers
// observe either full success or no effect.
func (r *Registry) mutate(caller, identity Identity, quorums []QuorumID, point *curve.Point, block uint64, add bool) (curve.Digest, error) {
	if !r.gate.Authorized(caller) {
		return curve.Digest{}, ErrUnauthorized
	}

	digest := point.Digest()
	if digest == curve.ZeroDigest() {
		return curve.Digest{}, ErrInvalidContribution
	}

	owner, ok := r.oracle.OwnerOf(digest)
	if !ok || owner != identity {
		return curve.Digest{}, ErrOwnershipMismatch
	}

	if err := r.fireBefore(identity, quorums, add); err != nil {
		return curve.Digest{}, fmt.Errorf("%w:\n%w", ErrVetoed, err)
	}

	delta := point
	if !add {
		delta = curve.Neg(point)
	}

	r.mu.Lock()
	err := r.applyDelta(quorums, delta, block)
	r.mu.Unlock()

	if err != nil {
		return curve.Digest{}, err
	}

	r.fireAfter(identity, quorums, add)
	r.publish(identity, quorums, digest, block, add)

	logger.Debug("contribution applied",
		"added", add,
		"identity", fmt.Sprintf("%x", identity[:8]),
		"quorums", len(quorums),
		"block", block,
	)

	return digest, nil
}

// applyDelta folds delta into every listed quorum's aggregate, closes the
// previous open record and appends a new one. Must hold r.mu.
func (r *Registry) applyDelta(quorums []QuorumID, delta *curve.Point, block uint64) error {
	type staged struct {
		quorum    QuorumID
		aggregate *curve.Point
		closed    bool
		record    UpdateRecord
	}

	var (
		updates []staged
		pairs   []storage.KeyValue
	)

	for _, q := range quorums {
		hist := r.history[q]
		if n := len(hist); n > 0 && block < hist[n-1].FromBlock {
			return fmt.Errorf("quorum %d at block %d: %w", q, block, ErrBlockRegression)
		}

		agg := r.aggregates[q]
		if agg == nil {
			agg = curve.Zero()
		}

		newAgg := curve.Add(agg, delta)

		up := staged{
			quorum:    q,
			aggregate: newAgg,
			record: UpdateRecord{
				KeyDigest:  newAgg.Digest(),
				FromBlock:  block,
				UntilBlock: OpenUntil,
			},
		}

		pairs = append(pairs, storage.KeyValue{
			Key:   aggregateKey(q),
			Value: newAgg.Compress(),
		})

		if n := len(hist); n > 0 {
			closed := hist[n-1]
			closed.UntilBlock = block

			pairs = append(pairs, storage.KeyValue{
				Key:   recordKey(q, uint32(n-1)),
				Value: encodeRecord(closed),
			})

			up.closed = true
		}

		pairs = append(pairs, storage.KeyValue{
			Key:   recordKey(q, uint32(len(hist))),
			Value: encodeRecord(up.record),
		})

		updates = append(updates, up)
	}

	if err := r.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("persist mutation:\n%w", err)
	}

	for _, up := range updates {
		r.aggregates[up.quorum] = up.aggregate

		hist := r.history[up.quorum]
		if up.closed {
			hist[len(hist)-1].UntilBlock = block
		}

		r.history[up.quorum] = append(hist, up.record)
	}

	return nil
}

// fireBefore runs the matching before hook.
func (r *Registry) fireBefore(identity Identity, quorums []QuorumID, add bool) error {
	if add {
		return r.hooks.BeforeRegister(identity, quorums)
	}

	return r.hooks.BeforeRemove(identity, quorums)
}

// fireAfter runs the matching after hook.
func (r *Registry) fireAfter(identity Identity, quorums []QuorumID, add bool) {
	if add {
		r.hooks.AfterRegister(identity, quorums)
	} else {
		r.hooks.AfterRemove(identity, quorums)
	}
}

// publish emits one contribution event per mutating call.
func (r *Registry) publish(identity Identity, quorums []QuorumID, digest curve.Digest, block uint64, add bool) {
	if r.sink == nil {
		return
	}

	kind := EventAdded
	if !add {
		kind = EventRemoved
	}

	r.sink.Publish(Event{
		Kind:     kind,
		Identity: identity,
		Quorums:  append([]QuorumID(nil), quorums...),
		Digest:   digest,
		Block:    block,
	})
}

// CurrentAggregate returns the current aggregate point for a quorum.
// A quorum with no contributions has the identity aggregate.
func (r *Registry) CurrentAggregate(quorum QuorumID) *curve.Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if agg := r.aggregates[quorum]; agg != nil {
		return agg
	}

	return curve.Zero()
}

// ValidIndexAtBlock returns the index of the record that was in force at
// the target block, scanning from the most recent record backward. Callers
// on a hot path should cache the result and use DigestAtBlock instead.
func (r *Registry) ValidIndexAtBlock(quorum QuorumID, block uint64) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hist := r.history[quorum]

	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].FromBlock <= block {
			return uint32(i), nil
		}
	}

	return 0, ErrNoHistoryBeforeBlock
}

// DigestAtBlock validates a caller-supplied index against the target block
// and returns the aggregate digest that was in force. The two window checks
// are O(1) regardless of history length; the search cost of finding the
// index is deliberately pushed onto the caller.
func (r *Registry) DigestAtBlock(quorum QuorumID, block uint64, index uint32) (curve.Digest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hist := r.history[quorum]
	if uint64(index) >= uint64(len(hist)) {
		return curve.Digest{}, ErrRecordNotFound
	}

	rec := hist[index]

	if block < rec.FromBlock {
		return curve.Digest{}, ErrIndexTooRecent
	}

	if !rec.Open() && block >= rec.UntilBlock {
		return curve.Digest{}, ErrStaleIndex
	}

	return rec.KeyDigest, nil
}

// HistoryLength returns the number of update records for a quorum.
func (r *Registry) HistoryLength(quorum QuorumID) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return uint32(len(r.history[quorum]))
}

// HistoryRecord returns the update record at the given index.
func (r *Registry) HistoryRecord(quorum QuorumID, index uint32) (UpdateRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hist := r.history[quorum]
	if uint64(index) >= uint64(len(hist)) {
		return UpdateRecord{}, ErrRecordNotFound
	}

	return hist[index], nil
}

// History returns a copy of the full record sequence for a quorum.
func (r *Registry) History(quorum QuorumID) []UpdateRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]UpdateRecord(nil), r.history[quorum]...)
}

// Quorums returns the quorums that have at least one record, ascending.
func (r *Registry) Quorums() []QuorumID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []QuorumID

	// The ID space is 0-255, cheap to walk in order.
	for q := 0; q < 256; q++ {
		if len(r.history[QuorumID(q)]) > 0 {
			out = append(out, QuorumID(q))
		}
	}

	return out
}
