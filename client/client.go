package client

import (
	"encoding/hex"
	"fmt"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/registry"
)

// Client connects to a registry node via HTTP.
type Client struct {
	nodeAddr string            // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
	caller   registry.Identity // caller identifies this client on mutating calls
	feedAddr string            // feedAddr is the node's event feed address, if any
}

// Record is one history entry of a quorum as reported by the node.
type Record struct {
	KeyDigest  curve.Digest // KeyDigest identifies the aggregate after the update
	FromBlock  uint64       // FromBlock is the height the record became effective
	UntilBlock uint64       // UntilBlock is the height the record was superseded
	Open       bool         // Open reports whether the record is still current
}

// Aggregate is the current per-quorum key sum as reported by the node.
type Aggregate struct {
	Point  *curve.Point // Point is the aggregate public key point
	Digest curve.Digest // Digest is the canonical digest of Point
	Zero   bool         // Zero reports whether the aggregate is the identity point
}

// NewClient creates a client connected to a node.
// It fetches the node's /status endpoint to confirm reachability and to
// discover the event feed address.
func NewClient(nodeAddr string, caller registry.Identity) (*Client, error) {
	var status struct {
		Feed string `json:"feed"`
	}

	if err := httpGet("http://"+nodeAddr+"/status", &status); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &Client{nodeAddr: nodeAddr, caller: caller, feedAddr: status.Feed}, nil
}

// FeedAddr returns the node's QUIC event feed address, or "" when the
// node runs without a feed.
func (c *Client) FeedAddr() string {
	return c.feedAddr
}

// Attest proves ownership of a public key point to the node's key
// directory. The proof must be a signature by the key over the identity.
func (c *Client) Attest(identity registry.Identity, point *curve.Point, proof []byte) (curve.Digest, error) {
	body := map[string]any{
		"identity": hex.EncodeToString(identity[:]),
		"point":    hex.EncodeToString(point.Compress()),
		"proof":    hex.EncodeToString(proof),
	}

	return c.postDigest("/attest", body)
}

// Register adds a key contribution to each listed quorum at the given
// block height and returns the digest of the contributed point.
func (c *Client) Register(identity registry.Identity, quorums []uint8, point *curve.Point, block uint64) (curve.Digest, error) {
	return c.postDigest("/register", c.mutationBody(identity, quorums, point, block))
}

// Deregister cancels a key contribution from each listed quorum at the
// given block height and returns the digest of the cancelled point.
func (c *Client) Deregister(identity registry.Identity, quorums []uint8, point *curve.Point, block uint64) (curve.Digest, error) {
	return c.postDigest("/deregister", c.mutationBody(identity, quorums, point, block))
}

// Aggregate returns the current aggregate of a quorum.
func (c *Client) Aggregate(quorum registry.QuorumID) (*Aggregate, error) {
	var resp struct {
		Aggregate string `json:"aggregate"`
		Digest    string `json:"digest"`
		Zero      bool   `json:"zero"`
	}

	url := fmt.Sprintf("http://%s/aggregate/%d", c.nodeAddr, quorum)
	if err := httpGet(url, &resp); err != nil {
		return nil, fmt.Errorf("get aggregate:\n%w", err)
	}

	raw, err := hex.DecodeString(resp.Aggregate)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate hex: %q", resp.Aggregate)
	}

	point, err := curve.ParsePoint(raw)
	if err != nil {
		return nil, fmt.Errorf("parse aggregate point:\n%w", err)
	}

	digest, err := parseDigest(resp.Digest)
	if err != nil {
		return nil, err
	}

	return &Aggregate{Point: point, Digest: digest, Zero: resp.Zero}, nil
}

// History returns the full update history of a quorum, oldest first.
func (c *Client) History(quorum registry.QuorumID) ([]Record, error) {
	var resp struct {
		Records []struct {
			KeyDigest  string `json:"keyDigest"`
			FromBlock  uint64 `json:"fromBlock"`
			UntilBlock uint64 `json:"untilBlock"`
			Open       bool   `json:"open"`
		} `json:"records"`
	}

	url := fmt.Sprintf("http://%s/history/%d", c.nodeAddr, quorum)
	if err := httpGet(url, &resp); err != nil {
		return nil, fmt.Errorf("get history:\n%w", err)
	}

	records := make([]Record, len(resp.Records))
	for i, r := range resp.Records {
		digest, err := parseDigest(r.KeyDigest)
		if err != nil {
			return nil, err
		}

		records[i] = Record{
			KeyDigest:  digest,
			FromBlock:  r.FromBlock,
			UntilBlock: r.UntilBlock,
			Open:       r.Open,
		}
	}

	return records, nil
}

// ValidIndexAtBlock resolves the history index whose record covers the
// given block height. Callers should cache the result and pass it to
// DigestAtBlock for constant-time validation.
func (c *Client) ValidIndexAtBlock(quorum registry.QuorumID, block uint64) (uint32, error) {
	var resp struct {
		Index uint32 `json:"index"`
	}

	url := fmt.Sprintf("http://%s/index?quorum=%d&block=%d", c.nodeAddr, quorum, block)
	if err := httpGet(url, &resp); err != nil {
		return 0, fmt.Errorf("get valid index:\n%w", err)
	}

	return resp.Index, nil
}

// DigestAtBlock returns the aggregate digest recorded at index, after
// the node validates that the record's window covers the block height.
func (c *Client) DigestAtBlock(quorum registry.QuorumID, block uint64, index uint32) (curve.Digest, error) {
	var resp struct {
		Digest string `json:"digest"`
	}

	url := fmt.Sprintf("http://%s/digest?quorum=%d&block=%d&index=%d", c.nodeAddr, quorum, block, index)
	if err := httpGet(url, &resp); err != nil {
		return curve.Digest{}, fmt.Errorf("get digest:\n%w", err)
	}

	return parseDigest(resp.Digest)
}

// Snapshot downloads a compressed snapshot of the node's registry state.
func (c *Client) Snapshot() ([]byte, error) {
	raw, err := httpGetRaw("http://" + c.nodeAddr + "/snapshot")
	if err != nil {
		return nil, fmt.Errorf("get snapshot:\n%w", err)
	}

	return raw, nil
}

// mutationBody builds the shared register/deregister request body.
func (c *Client) mutationBody(identity registry.Identity, quorums []uint8, point *curve.Point, block uint64) map[string]any {
	return map[string]any{
		"caller":   hex.EncodeToString(c.caller[:]),
		"identity": hex.EncodeToString(identity[:]),
		"quorums":  quorums,
		"point":    hex.EncodeToString(point.Compress()),
		"block":    block,
	}
}

// postDigest posts a body and decodes the digest response shared by the
// mutating endpoints.
func (c *Client) postDigest(path string, body map[string]any) (curve.Digest, error) {
	var resp struct {
		Digest string `json:"digest"`
	}

	if err := httpPostJSON("http://"+c.nodeAddr+path, body, &resp); err != nil {
		return curve.Digest{}, fmt.Errorf("POST %s:\n%w", path, err)
	}

	return parseDigest(resp.Digest)
}

// parseDigest decodes a hex 32-byte digest.
func parseDigest(s string) (curve.Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != curve.DigestSize {
		return curve.Digest{}, fmt.Errorf("invalid digest: %q", s)
	}

	var digest curve.Digest
	copy(digest[:], raw)

	return digest, nil
}
