package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/directory"
	"QuorumKeys/internal/registry"
)

// mutationRequest is the body of POST /register and POST /deregister.
type mutationRequest struct {
	Caller   string  `json:"caller"`   // hex 32-byte coordinator identity
	Identity string  `json:"identity"` // hex 32-byte operator identity
	Quorums  []uint8 `json:"quorums"`  // ascending, no duplicates
	Point    string  `json:"point"`    // hex 48-byte compressed G1 point
	Block    uint64  `json:"block"`    // height at which the mutation takes effect
}

// attestRequest is the body of POST /attest.
type attestRequest struct {
	Identity string `json:"identity"` // hex 32-byte operator identity
	Point    string `json:"point"`    // hex 48-byte compressed G1 point
	Proof    string `json:"proof"`    // hex 96-byte proof of possession
}

// recordResponse is the JSON shape of an update record.
type recordResponse struct {
	KeyDigest  string `json:"keyDigest"`
	FromBlock  uint64 `json:"fromBlock"`
	UntilBlock uint64 `json:"untilBlock"`
	Open       bool   `json:"open"`
}

// handleRegister handles POST /register requests.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, true)
}

// handleDeregister handles POST /deregister requests.
func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, false)
}

// handleMutation runs the shared register/deregister request flow.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, add bool) {
	var req mutationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	caller, err := parseIdentity(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("caller: %v", err))
		return
	}

	identity, err := parseIdentity(req.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("identity: %v", err))
		return
	}

	point, err := parsePointHex(req.Point)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("point: %v", err))
		return
	}

	if len(req.Quorums) == 0 {
		writeError(w, http.StatusBadRequest, "quorum list is empty")
		return
	}

	quorums := make([]registry.QuorumID, len(req.Quorums))
	for i, q := range req.Quorums {
		quorums[i] = registry.QuorumID(q)

		if i > 0 && req.Quorums[i] <= req.Quorums[i-1] {
			writeError(w, http.StatusBadRequest, "quorum list must be ascending without duplicates")
			return
		}
	}

	var digest curve.Digest
	if add {
		digest, err = s.reg.Register(caller, identity, quorums, point, req.Block)
	} else {
		digest, err = s.reg.Remove(caller, identity, quorums, point, req.Block)
	}

	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"digest": hex.EncodeToString(digest[:]),
	})
}

// handleAttest handles POST /attest requests.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, err := parseIdentity(req.Identity)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("identity: %v", err))
		return
	}

	point, err := parsePointHex(req.Point)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("point: %v", err))
		return
	}

	proof, err := hex.DecodeString(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "proof: invalid hex")
		return
	}

	if err := s.dir.Attest(identity, point, proof); err != nil {
		switch {
		case errors.Is(err, directory.ErrBadProof):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, directory.ErrAlreadyAttested):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	digest := point.Digest()

	writeJSON(w, http.StatusOK, map[string]string{
		"digest": hex.EncodeToString(digest[:]),
	})
}

// handleAggregate handles GET /aggregate/{quorum} requests.
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	quorum, err := parseQuorum(r.PathValue("quorum"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agg := s.reg.CurrentAggregate(quorum)
	digest := agg.Digest()

	writeJSON(w, http.StatusOK, map[string]any{
		"aggregate": hex.EncodeToString(agg.Compress()),
		"digest":    hex.EncodeToString(digest[:]),
		"zero":      agg.IsZero(),
	})
}

// handleHistory handles GET /history/{quorum} requests.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	quorum, err := parseQuorum(r.PathValue("quorum"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hist := s.reg.History(quorum)

	records := make([]recordResponse, len(hist))
	for i, rec := range hist {
		records[i] = toRecordResponse(rec)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"length":  len(records),
		"records": records,
	})
}

// handleHistoryRecord handles GET /history/{quorum}/{index} requests.
func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	quorum, err := parseQuorum(r.PathValue("quorum"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	index, err := strconv.ParseUint(r.PathValue("index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	rec, err := s.reg.HistoryRecord(quorum, uint32(index))
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// handleValidIndex handles GET /index?quorum=&block= requests.
// This is the slow path; verification callers should cache the index.
func (s *Server) handleValidIndex(w http.ResponseWriter, r *http.Request) {
	quorum, block, err := parseQuorumBlock(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	index, err := s.reg.ValidIndexAtBlock(quorum, block)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]uint32{
		"index": index,
	})
}

// handleDigestAtBlock handles GET /digest?quorum=&block=&index= requests.
func (s *Server) handleDigestAtBlock(w http.ResponseWriter, r *http.Request) {
	quorum, block, err := parseQuorumBlock(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	index, err := strconv.ParseUint(r.URL.Query().Get("index"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid index")
		return
	}

	digest, err := s.reg.DigestAtBlock(quorum, block, uint32(index))
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"digest": hex.EncodeToString(digest[:]),
	})
}

// writeRegistryError maps registry errors to HTTP statuses.
func writeRegistryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, registry.ErrInvalidContribution):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrOwnershipMismatch),
		errors.Is(err, registry.ErrBlockRegression):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrVetoed):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrNoHistoryBeforeBlock),
		errors.Is(err, registry.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrIndexTooRecent),
		errors.Is(err, registry.ErrStaleIndex):
		status = http.StatusBadRequest
	}

	writeError(w, status, err.Error())
}

// decodeBody parses a JSON request body with a size cap.
func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))

	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body")
	}

	return nil
}

// parseIdentity decodes a hex 32-byte identity.
func parseIdentity(s string) (registry.Identity, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return registry.Identity{}, fmt.Errorf("expected 32 hex-encoded bytes")
	}

	var id registry.Identity
	copy(id[:], raw)

	return id, nil
}

// parsePointHex decodes a hex compressed G1 point.
func parsePointHex(s string) (*curve.Point, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex")
	}

	return curve.ParsePoint(raw)
}

// parseQuorum parses a quorum ID path segment.
func parseQuorum(s string) (registry.QuorumID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid quorum")
	}

	return registry.QuorumID(v), nil
}

// parseQuorumBlock parses the quorum and block query parameters.
func parseQuorumBlock(r *http.Request) (registry.QuorumID, uint64, error) {
	quorum, err := parseQuorum(r.URL.Query().Get("quorum"))
	if err != nil {
		return 0, 0, err
	}

	block, err := strconv.ParseUint(r.URL.Query().Get("block"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid block")
	}

	return quorum, block, nil
}

// toRecordResponse converts an update record to its JSON shape.
func toRecordResponse(rec registry.UpdateRecord) recordResponse {
	return recordResponse{
		KeyDigest:  hex.EncodeToString(rec.KeyDigest[:]),
		FromBlock:  rec.FromBlock,
		UntilBlock: rec.UntilBlock,
		Open:       rec.Open(),
	}
}
