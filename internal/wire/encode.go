// Package wire holds the FlatBuffers encoding of feed messages.
package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/registry"
)

// EncodeEvent serializes a contribution event for the feed.
func EncodeEvent(ev registry.Event) []byte {
	builder := flatbuffers.NewBuilder(256)

	identityVec := builder.CreateByteVector(ev.Identity[:])
	digestVec := builder.CreateByteVector(ev.Digest[:])

	quorums := make([]byte, len(ev.Quorums))
	for i, q := range ev.Quorums {
		quorums[i] = byte(q)
	}
	quorumsVec := builder.CreateByteVector(quorums)

	ContributionEventStart(builder)
	ContributionEventAddKind(builder, byte(ev.Kind))
	ContributionEventAddIdentity(builder, identityVec)
	ContributionEventAddQuorums(builder, quorumsVec)
	ContributionEventAddDigest(builder, digestVec)
	ContributionEventAddBlock(builder, ev.Block)
	eventOffset := ContributionEventEnd(builder)

	builder.Finish(eventOffset)

	return builder.FinishedBytes()
}

// DecodeEvent parses a serialized contribution event.
// FlatBuffers panics on malformed data, so decoding recovers gracefully.
func DecodeEvent(data []byte) (ev registry.Event, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed event data")
		}
	}()

	if len(data) < 8 {
		return registry.Event{}, fmt.Errorf("event data too short")
	}

	raw := GetRootAsContributionEvent(data, 0)

	kind := registry.EventKind(raw.Kind())
	if kind != registry.EventAdded && kind != registry.EventRemoved {
		return registry.Event{}, fmt.Errorf("unknown event kind %d", raw.Kind())
	}

	identity := raw.IdentityBytes()
	if len(identity) != 32 {
		return registry.Event{}, fmt.Errorf("invalid identity size: %d", len(identity))
	}

	digest := raw.DigestBytes()
	if len(digest) != curve.DigestSize {
		return registry.Event{}, fmt.Errorf("invalid digest size: %d", len(digest))
	}

	ev = registry.Event{Kind: kind, Block: raw.Block()}
	copy(ev.Identity[:], identity)
	copy(ev.Digest[:], digest)

	for _, q := range raw.QuorumsBytes() {
		ev.Quorums = append(ev.Quorums, registry.QuorumID(q))
	}

	return ev, nil
}
