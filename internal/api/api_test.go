package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"QuorumKeys/internal/curve"
	"QuorumKeys/internal/directory"
	"QuorumKeys/internal/registry"
	"QuorumKeys/internal/storage"
)

// testCoordinator is the identity authorized to mutate in tests.
var testCoordinator = registry.Identity{0xC0}

// testServer bundles the HTTP handler with the backing components.
type testServer struct {
	handler http.Handler
	dir     *directory.Directory
	reg     *registry.Registry
}

// newTestServer builds a server over a fresh temporary store.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir, err := directory.Open(db)
	if err != nil {
		t.Fatalf("failed to open directory: %v", err)
	}

	reg, err := registry.New(registry.Config{
		DB:     db,
		Gate:   registry.CoordinatorGate{Coordinator: testCoordinator},
		Oracle: dir,
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	srv := New("127.0.0.1:0", reg, dir, "")

	return &testServer{handler: srv.Handler(), dir: dir, reg: reg}
}

// testKey derives a deterministic key pair and operator identity from a seed byte.
func testKey(t *testing.T, seed byte) (*curve.KeyPair, registry.Identity) {
	t.Helper()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}

	key, err := curve.KeyFromSeed(raw)
	if err != nil {
		t.Fatalf("failed to derive key: %v", err)
	}

	var identity registry.Identity
	identity[0] = seed

	return key, identity
}

// do runs one request against the handler and returns the recorder.
func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

// attest registers key ownership for identity through the HTTP surface.
func (s *testServer) attest(t *testing.T, key *curve.KeyPair, identity registry.Identity) {
	t.Helper()

	rec := s.do(t, "POST", "/attest", map[string]any{
		"identity": hex.EncodeToString(identity[:]),
		"point":    hex.EncodeToString(key.PublicPoint().Compress()),
		"proof":    hex.EncodeToString(key.Sign(identity[:])),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("attest returned %d: %s", rec.Code, rec.Body.String())
	}
}

// register submits a registration and expects success.
func (s *testServer) register(t *testing.T, key *curve.KeyPair, identity registry.Identity, quorums []uint8, block uint64) {
	t.Helper()

	rec := s.do(t, "POST", "/register", mutationBody(key, identity, quorums, block))
	if rec.Code != http.StatusOK {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
}

// mutationBody builds a register/deregister request body.
func mutationBody(key *curve.KeyPair, identity registry.Identity, quorums []uint8, block uint64) map[string]any {
	return map[string]any{
		"caller":   hex.EncodeToString(testCoordinator[:]),
		"identity": hex.EncodeToString(identity[:]),
		"quorums":  quorums,
		"point":    hex.EncodeToString(key.PublicPoint().Compress()),
		"block":    block,
	}
}

// decodeJSON parses a response body into out.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()

	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

// TestRegisterAndQuery exercises the full attest, register, and read path.
func TestRegisterAndQuery(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 1)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{0}, 100)

	rec := srv.do(t, "GET", "/aggregate/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate returned %d: %s", rec.Code, rec.Body.String())
	}

	var agg struct {
		Aggregate string `json:"aggregate"`
		Zero      bool   `json:"zero"`
	}
	decodeJSON(t, rec, &agg)

	want := hex.EncodeToString(key.PublicPoint().Compress())
	if agg.Aggregate != want {
		t.Fatalf("aggregate mismatch: got %s, want %s", agg.Aggregate, want)
	}
	if agg.Zero {
		t.Fatal("aggregate reported as zero after registration")
	}

	rec = srv.do(t, "GET", "/history/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history returned %d: %s", rec.Code, rec.Body.String())
	}

	var hist struct {
		Length  int `json:"length"`
		Records []struct {
			FromBlock uint64 `json:"fromBlock"`
			Open      bool   `json:"open"`
		} `json:"records"`
	}
	decodeJSON(t, rec, &hist)

	if hist.Length != 1 {
		t.Fatalf("expected 1 history record, got %d", hist.Length)
	}
	if hist.Records[0].FromBlock != 100 || !hist.Records[0].Open {
		t.Fatalf("unexpected record: %+v", hist.Records[0])
	}
}

// TestValidIndexAndDigest exercises the index resolution and O(1) lookup endpoints.
func TestValidIndexAndDigest(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 2)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{3}, 50)

	rec := srv.do(t, "GET", "/index?quorum=3&block=80", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("index returned %d: %s", rec.Code, rec.Body.String())
	}

	var idx struct {
		Index uint32 `json:"index"`
	}
	decodeJSON(t, rec, &idx)

	rec = srv.do(t, "GET", fmt.Sprintf("/digest?quorum=3&block=80&index=%d", idx.Index), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("digest returned %d: %s", rec.Code, rec.Body.String())
	}

	var dig struct {
		Digest string `json:"digest"`
	}
	decodeJSON(t, rec, &dig)

	want := key.PublicPoint().Digest()
	if dig.Digest != hex.EncodeToString(want[:]) {
		t.Fatalf("digest mismatch: got %s", dig.Digest)
	}
}

// TestDeregisterReturnsAggregateToZero removes the sole contribution and
// checks the aggregate endpoint reports the identity point.
func TestDeregisterReturnsAggregateToZero(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 3)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{0}, 10)

	rec := srv.do(t, "POST", "/deregister", mutationBody(key, identity, []uint8{0}, 20))
	if rec.Code != http.StatusOK {
		t.Fatalf("deregister returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, "GET", "/aggregate/0", nil)

	var agg struct {
		Zero bool `json:"zero"`
	}
	decodeJSON(t, rec, &agg)

	if !agg.Zero {
		t.Fatal("aggregate should be zero after removing the only contribution")
	}
}

// TestUnauthorizedCallerRejected checks the 401 mapping.
func TestUnauthorizedCallerRejected(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 4)

	srv.attest(t, key, identity)

	body := mutationBody(key, identity, []uint8{0}, 10)
	body["caller"] = hex.EncodeToString(identity[:])

	rec := srv.do(t, "POST", "/register", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestUnattestedKeyRejected checks the ownership conflict mapping.
func TestUnattestedKeyRejected(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 5)

	rec := srv.do(t, "POST", "/register", mutationBody(key, identity, []uint8{0}, 10))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestBlockRegressionConflict checks that a mutation below the quorum's
// latest height maps to 409.
func TestBlockRegressionConflict(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 12)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{3}, 200)

	rec := srv.do(t, "POST", "/deregister", mutationBody(key, identity, []uint8{3}, 100))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestAttestBadProofRejected checks that a proof signed over the wrong
// identity is refused.
func TestAttestBadProofRejected(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 6)

	wrong := registry.Identity{0xFF}

	rec := srv.do(t, "POST", "/attest", map[string]any{
		"identity": hex.EncodeToString(identity[:]),
		"point":    hex.EncodeToString(key.PublicPoint().Compress()),
		"proof":    hex.EncodeToString(key.Sign(wrong[:])),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestMalformedRequestsRejected checks input validation on the mutation path.
func TestMalformedRequestsRejected(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 7)
	srv.attest(t, key, identity)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"bad caller hex", func(b map[string]any) { b["caller"] = "zz" }},
		{"short identity", func(b map[string]any) { b["identity"] = "abcd" }},
		{"bad point", func(b map[string]any) { b["point"] = hex.EncodeToString(make([]byte, 48)) }},
		{"empty quorums", func(b map[string]any) { b["quorums"] = []uint8{} }},
		{"unsorted quorums", func(b map[string]any) { b["quorums"] = []uint8{2, 1} }},
		{"duplicate quorums", func(b map[string]any) { b["quorums"] = []uint8{1, 1} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := mutationBody(key, identity, []uint8{0}, 10)
			tc.mutate(body)

			rec := srv.do(t, "POST", "/register", body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

// TestHistoryRecordNotFound checks the 404 mapping for out-of-range indices.
func TestHistoryRecordNotFound(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, "GET", "/history/0/5", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestIndexBeforeHistory checks the 404 mapping for pre-history queries.
func TestIndexBeforeHistory(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 8)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{0}, 100)

	rec := srv.do(t, "GET", "/index?quorum=0&block=50", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestHealthAndStatus exercises the liveness endpoints.
func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}

	rec = srv.do(t, "GET", "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
}

// TestSnapshotEndpoint checks the snapshot export is non-empty binary.
func TestSnapshotEndpoint(t *testing.T) {
	srv := newTestServer(t)
	key, identity := testKey(t, 9)

	srv.attest(t, key, identity)
	srv.register(t, key, identity, []uint8{0}, 10)

	rec := srv.do(t, "GET", "/snapshot", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot returned %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() == 0 {
		t.Fatal("snapshot body is empty")
	}
}
