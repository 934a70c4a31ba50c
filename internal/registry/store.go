package registry

import (
	"encoding/binary"
	"fmt"

	"QuorumKeys/internal/curve"
)

// Pebble key prefixes owned by the registry.
var (
	prefixAggregate = []byte("a:") // prefixAggregate + quorum → compressed aggregate point
	prefixRecord    = []byte("h:") // prefixRecord + quorum + BE32 index → encoded record
)

// recordValueSize is the fixed encoded size of an UpdateRecord:
// 32-byte digest + 8-byte FromBlock + 8-byte UntilBlock.
const recordValueSize = curve.DigestSize + 8 + 8

// aggregateKey returns the storage key of a quorum's aggregate point.
func aggregateKey(q QuorumID) []byte {
	return append(append([]byte(nil), prefixAggregate...), byte(q))
}

// recordKey returns the storage key of a quorum's record at index.
// The index is big-endian so records iterate in append order.
func recordKey(q QuorumID, index uint32) []byte {
	key := make([]byte, 0, len(prefixRecord)+1+4)
	key = append(key, prefixRecord...)
	key = append(key, byte(q))

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)

	return append(key, idx[:]...)
}

// encodeRecord serializes an UpdateRecord to its fixed-width form.
func encodeRecord(rec UpdateRecord) []byte {
	buf := make([]byte, recordValueSize)
	copy(buf[:curve.DigestSize], rec.KeyDigest[:])
	binary.LittleEndian.PutUint64(buf[curve.DigestSize:curve.DigestSize+8], rec.FromBlock)
	binary.LittleEndian.PutUint64(buf[curve.DigestSize+8:], rec.UntilBlock)

	return buf
}

// decodeRecord parses the fixed-width record form.
func decodeRecord(data []byte) (UpdateRecord, error) {
	if len(data) != recordValueSize {
		return UpdateRecord{}, fmt.Errorf("invalid record size: got %d, want %d", len(data), recordValueSize)
	}

	var rec UpdateRecord
	copy(rec.KeyDigest[:], data[:curve.DigestSize])
	rec.FromBlock = binary.LittleEndian.Uint64(data[curve.DigestSize : curve.DigestSize+8])
	rec.UntilBlock = binary.LittleEndian.Uint64(data[curve.DigestSize+8:])

	return rec, nil
}

// load restores aggregates and histories from storage.
// Record keys are big-endian indexed, so prefix iteration yields each
// quorum's records in append order.
func (r *Registry) load() error {
	err := r.db.IteratePrefix(prefixAggregate, func(key, value []byte) error {
		if len(key) != len(prefixAggregate)+1 {
			return fmt.Errorf("malformed aggregate key %x", key)
		}

		point, err := curve.ParsePoint(value)
		if err != nil {
			return fmt.Errorf("aggregate for quorum %d:\n%w", key[len(key)-1], err)
		}

		r.aggregates[QuorumID(key[len(key)-1])] = point

		return nil
	})
	if err != nil {
		return err
	}

	return r.db.IteratePrefix(prefixRecord, func(key, value []byte) error {
		if len(key) != len(prefixRecord)+1+4 {
			return fmt.Errorf("malformed record key %x", key)
		}

		q := QuorumID(key[len(prefixRecord)])

		rec, err := decodeRecord(value)
		if err != nil {
			return fmt.Errorf("record for quorum %d:\n%w", q, err)
		}

		r.history[q] = append(r.history[q], rec)

		return nil
	})
}
