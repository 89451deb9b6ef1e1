package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host: "127.0.0.1",
		Port: 0,
		Auth: []config.AuthToken{
			{Token: "acme-secret", OrgID: "acme"},
			{Token: "globex-secret", OrgID: "globex"},
		},
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig, limiter *event.Limiter) (*Server, *event.MemoryStore) {
	t.Helper()
	store := event.NewMemoryStore()
	ing := event.NewIngestor(config.EventsConfig{MaxBatchSize: 3}, store, nil, nil, nil)
	hub := NewCommandHub(nil, nil)
	t.Cleanup(hub.Close)
	return NewServer(cfg, ing, store, store, limiter, hub, nil, nil), store
}

func newEvent(t *testing.T, org, asset, typ, crit string) *event.Event {
	t.Helper()
	e, err := event.New(event.Params{
		Type:        typ,
		Category:    "runtime",
		Criticality: crit,
		Source:      "aigos.test",
		OrgID:       org,
		AssetID:     asset,
	})
	if err != nil {
		t.Fatalf("event.New() error = %v", err)
	}
	return e
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestServer_AuthRequired(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"unknown token", "wrong", http.StatusUnauthorized},
		{"valid token", "acme-secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodGet, "/v1/events", tt.token, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]string
				decodeBody(t, rec, &body)
				if body["error"] != "unauthorized" {
					t.Errorf("error = %q, want unauthorized", body["error"])
				}
			}
		})
	}
}

func TestServer_HealthIsPublic(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestServer_MetricsServed(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Errorf("metrics body carries no exposition text")
	}
}

func TestServer_OpenModeUsesOrgHeader(t *testing.T) {
	cfg := testServerConfig()
	cfg.Auth = nil
	s, store := newTestServer(t, cfg, nil)

	e := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewReader(mustJSON(t, e)))
	req.Header.Set("X-AIGOS-Org", "acme")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, err := store.FindByID("acme", e.ID); err != nil {
		t.Errorf("event not stored under the header org: %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestServer_IngestSingleEvent(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	e := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	rec := doJSON(t, h, http.MethodPost, "/v1/events", "acme-secret", e)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Accepted int          `json:"accepted"`
		Rejected int          `json:"rejected"`
		Result   event.Result `json:"result"`
	}
	decodeBody(t, rec, &body)
	if body.Accepted != 1 || body.Rejected != 0 {
		t.Errorf("accepted = %d, rejected = %d, want 1, 0", body.Accepted, body.Rejected)
	}
	if !body.Result.Accepted || body.Result.ID != e.ID {
		t.Errorf("result = %+v, want accepted with id %s", body.Result, e.ID)
	}

	// The event is visible to its own org and invisible across orgs.
	rec = doJSON(t, h, http.MethodGet, "/v1/events/"+e.ID, "acme-secret", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("own-org read status = %d, want 200", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/events/"+e.ID, "globex-secret", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-org read status = %d, want 404", rec.Code)
	}
}

func TestServer_IngestRejectedEvent(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	e := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	e.Hash = "sha256:" + strings.Repeat("0", 64)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/events", "acme-secret", e)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (rejections ride in the body)", rec.Code)
	}
	var body struct {
		Accepted int          `json:"accepted"`
		Rejected int          `json:"rejected"`
		Result   event.Result `json:"result"`
	}
	decodeBody(t, rec, &body)
	if body.Accepted != 0 || body.Rejected != 1 {
		t.Errorf("accepted = %d, rejected = %d, want 0, 1", body.Accepted, body.Rejected)
	}
	if body.Result.Error != event.CodeBadHash {
		t.Errorf("result.error = %q, want %q", body.Result.Error, event.CodeBadHash)
	}
}

func TestServer_IngestBatch(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	good1 := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	bad := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	bad.Hash = "sha256:" + strings.Repeat("0", 64)
	good2 := newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)

	rec := doJSON(t, h, http.MethodPost, "/v1/events/batch", "acme-secret", []*event.Event{good1, bad, good2})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var res event.BatchResult
	decodeBody(t, rec, &res)
	if res.Accepted != 2 || res.Rejected != 1 {
		t.Errorf("accepted = %d, rejected = %d, want 2, 1", res.Accepted, res.Rejected)
	}
	if res.Results[1].Error != event.CodeBadHash {
		t.Errorf("results[1].error = %q, want %q", res.Results[1].Error, event.CodeBadHash)
	}
}

func TestServer_IngestBatchTooLarge(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	batch := make([]*event.Event, 4) // max is 3
	for i := range batch {
		batch[i] = newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow)
	}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/events/batch", "acme-secret", batch)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "batch_too_large" {
		t.Errorf("error = %q, want batch_too_large", body["error"])
	}
}

func TestServer_ListEventsAndAssets(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	seeded := []*event.Event{
		newEvent(t, "acme", "agent-1", "agent.started", event.CriticalityLow),
		newEvent(t, "acme", "agent-1", "tool.invoked", event.CriticalityLow),
		newEvent(t, "acme", "agent-2", "agent.started", event.CriticalityLow),
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/events/batch", "acme-secret", seeded)
	if rec.Code != http.StatusOK {
		t.Fatalf("seed status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/events?limit=2", "acme-secret", nil)
	var list struct {
		Events []*event.Event `json:"events"`
		Total  int            `json:"total"`
		Limit  int            `json:"limit"`
	}
	decodeBody(t, rec, &list)
	if len(list.Events) != 2 || list.Total != 3 || list.Limit != 2 {
		t.Errorf("len = %d, total = %d, limit = %d, want 2, 3, 2", len(list.Events), list.Total, list.Limit)
	}
	if list.Events[0].ID != seeded[0].ID {
		t.Errorf("events[0].ID = %s, want %s (submission order)", list.Events[0].ID, seeded[0].ID)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/events?asset_id=agent-2", "acme-secret", nil)
	decodeBody(t, rec, &list)
	if list.Total != 1 {
		t.Errorf("asset filter total = %d, want 1", list.Total)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/assets", "acme-secret", nil)
	var assets struct {
		Assets []event.AssetSummary `json:"assets"`
	}
	decodeBody(t, rec, &assets)
	if len(assets.Assets) != 2 {
		t.Errorf("len(assets) = %d, want 2", len(assets.Assets))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/assets/agent-1/events?limit=1", "acme-secret", nil)
	var assetEvents struct {
		AssetID string         `json:"assetId"`
		Events  []*event.Event `json:"events"`
	}
	decodeBody(t, rec, &assetEvents)
	if assetEvents.AssetID != "agent-1" || len(assetEvents.Events) != 1 {
		t.Errorf("asset events = %+v, want one agent-1 event", assetEvents)
	}
	if assetEvents.Events[0].ID != seeded[1].ID {
		t.Errorf("asset events are not newest first")
	}

	// Another org sees none of it.
	rec = doJSON(t, h, http.MethodGet, "/v1/events", "globex-secret", nil)
	decodeBody(t, rec, &list)
	if list.Total != 0 {
		t.Errorf("globex total = %d, want 0", list.Total)
	}
}

func TestServer_ListEventsBadSince(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/events?since=yesterday", "acme-secret", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServer_Checkpoints(t *testing.T) {
	s, store := newTestServer(t, testServerConfig(), nil)

	chk := &event.Checkpoint{
		ID:        "chk_01HZY4T0000000000000000001",
		OrgID:     "acme",
		Root:      "sha256:deadbeef",
		LeafCount: 4,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.StoreCheckpoint(chk); err != nil {
		t.Fatalf("StoreCheckpoint() error = %v", err)
	}

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/checkpoints", "acme-secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Checkpoints []*event.Checkpoint `json:"checkpoints"`
	}
	decodeBody(t, rec, &body)
	if len(body.Checkpoints) != 1 || body.Checkpoints[0].ID != chk.ID {
		t.Errorf("checkpoints = %+v, want [%s]", body.Checkpoints, chk.ID)
	}

	rec = doJSON(t, s.Handler(), http.MethodGet, "/v1/checkpoints", "globex-secret", nil)
	decodeBody(t, rec, &body)
	if len(body.Checkpoints) != 0 {
		t.Errorf("cross-org checkpoints = %d, want 0", len(body.Checkpoints))
	}
}

func TestServer_RateLimit(t *testing.T) {
	limiter := event.NewLimiter(config.RateLimitConfig{Limit: 2, Window: time.Minute, CriticalExempt: true}, nil, nil, nil)
	s, _ := newTestServer(t, testServerConfig(), limiter)
	h := s.Handler()

	post := func(crit string) *httptest.ResponseRecorder {
		return doJSON(t, h, http.MethodPost, "/v1/events", "acme-secret",
			newEvent(t, "acme", "agent-1", "tool.invoked", crit))
	}

	rec := post(event.CriticalityLow)
	if rec.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Errorf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if reset := rec.Header().Get("X-RateLimit-Reset"); reset == "" {
		t.Errorf("X-RateLimit-Reset header missing")
	} else if _, err := strconv.ParseInt(reset, 10, 64); err != nil {
		t.Errorf("X-RateLimit-Reset = %q, want unix seconds", reset)
	}

	post(event.CriticalityLow)

	rec = post(event.CriticalityLow)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third status = %d, want 429", rec.Code)
	}
	if retry := rec.Header().Get("Retry-After"); retry == "" {
		t.Errorf("Retry-After header missing")
	}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "rate_limit_exceeded" || body.RetryAfter < 1 {
		t.Errorf("body = %+v, want rate_limit_exceeded with retryAfter >= 1", body)
	}

	// Critical traffic rides through an exhausted window.
	rec = post(event.CriticalityCritical)
	if rec.Code != http.StatusOK {
		t.Errorf("critical status = %d, want 200", rec.Code)
	}
}
