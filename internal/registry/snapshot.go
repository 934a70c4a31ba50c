package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/storage"
)

const (
	// snapshotVersion is the current snapshot format version.
	snapshotVersion = 1

	// snapshotMagic prefixes every snapshot payload.
	snapshotMagic = "QKSNAP"
)

// ExportSnapshot serializes the full registry state (per-quorum aggregate
// and history) into a checksummed, zstd-compressed image for operator
// bootstrap. The export is a consistent view: mutations are excluded while
// it is built.
func (r *Registry) ExportSnapshot() ([]byte, error) {
	r.mu.RLock()
	payload := r.buildSnapshotPayload()
	r.mu.RUnlock()

	checksum := blake3.Sum256(payload)
	payload = append(payload, checksum[:]...)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer:\n%w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(payload, nil), nil
}

// buildSnapshotPayload encodes the uncompressed snapshot body.
// Layout: magic + version + per-quorum sections, quorums ascending.
// Section: u8 quorum + 48-byte aggregate + u32 record count + records.
func (r *Registry) buildSnapshotPayload() []byte {
	var buf bytes.Buffer

	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)

	for q := 0; q < 256; q++ {
		quorum := QuorumID(q)

		hist := r.history[quorum]
		if len(hist) == 0 {
			continue
		}

		agg := r.aggregates[quorum]
		if agg == nil {
			agg = curve.Zero()
		}

		buf.WriteByte(byte(quorum))
		buf.Write(agg.Compress())

		var count [4]byte
		binary.LittleEndian.PutUint32(count[:], uint32(len(hist)))
		buf.Write(count[:])

		for _, rec := range hist {
			buf.Write(encodeRecord(rec))
		}
	}

	return buf.Bytes()
}

// RestoreSnapshot verifies a snapshot image and writes its state into db
// using the registry's key scheme. It must run before New loads the store;
// restoring over existing registry state is the operator's responsibility.
func RestoreSnapshot(db *storage.Store, data []byte) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create zstd reader:\n%w", err)
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompress snapshot:\n%w", err)
	}

	if len(payload) < len(snapshotMagic)+1+curve.DigestSize {
		return fmt.Errorf("snapshot too short")
	}

	body := payload[:len(payload)-curve.DigestSize]
	checksum := blake3.Sum256(body)

	if !bytes.Equal(checksum[:], payload[len(payload)-curve.DigestSize:]) {
		return fmt.Errorf("snapshot checksum mismatch")
	}

	if string(body[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("bad snapshot magic")
	}

	if v := body[len(snapshotMagic)]; v != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", v)
	}

	pairs, err := parseSnapshotSections(body[len(snapshotMagic)+1:])
	if err != nil {
		return err
	}

	if err := db.SetBatch(pairs); err != nil {
		return fmt.Errorf("write snapshot state:\n%w", err)
	}

	return nil
}

// parseSnapshotSections decodes per-quorum sections into storage pairs.
func parseSnapshotSections(data []byte) ([]storage.KeyValue, error) {
	var pairs []storage.KeyValue

	for len(data) > 0 {
		// u8 quorum + aggregate + u32 count
		if len(data) < 1+curve.PointSize+4 {
			return nil, fmt.Errorf("truncated snapshot section")
		}

		quorum := QuorumID(data[0])
		aggBytes := data[1 : 1+curve.PointSize]

		if _, err := curve.ParsePoint(aggBytes); err != nil {
			return nil, fmt.Errorf("snapshot aggregate for quorum %d:\n%w", quorum, err)
		}

		pairs = append(pairs, storage.KeyValue{
			Key:   aggregateKey(quorum),
			Value: append([]byte(nil), aggBytes...),
		})

		count := binary.LittleEndian.Uint32(data[1+curve.PointSize : 1+curve.PointSize+4])
		data = data[1+curve.PointSize+4:]

		if uint64(len(data)) < uint64(count)*recordValueSize {
			return nil, fmt.Errorf("truncated records for quorum %d", quorum)
		}

		for i := uint32(0); i < count; i++ {
			recBytes := data[:recordValueSize]

			if _, err := decodeRecord(recBytes); err != nil {
				return nil, fmt.Errorf("snapshot record %d for quorum %d:\n%w", i, quorum, err)
			}

			pairs = append(pairs, storage.KeyValue{
				Key:   recordKey(quorum, i),
				Value: append([]byte(nil), recBytes...),
			})

			data = data[recordValueSize:]
		}
	}

	return pairs, nil
}
