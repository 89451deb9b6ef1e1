package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aigos/aigos/internal/event"
)

// applyRateLimit records the request against the caller's ingestion window
// and writes the X-RateLimit-* headers. When the window is exhausted it
// writes the 429 response and returns false.
func (s *Server) applyRateLimit(w http.ResponseWriter, r *http.Request, orgID string, critical bool) bool {
	if s.limiter == nil {
		return true
	}

	v := s.limiter.Allow(r.Context(), "http", orgID, critical)
	if v.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(v.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(v.Reset.Unix(), 10))
	}
	if v.Allowed {
		return true
	}

	retry := int((v.RetryAfter + time.Second - 1) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "rate_limit_exceeded",
		"retryAfter": retry,
	})
	return false
}

// handleIngestEvent accepts one event. The submission outcome rides in the
// body: a malformed event is a per-event rejection, not a transport error.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request, orgID string) {
	var e event.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	critical := e.Criticality == event.CriticalityCritical
	if !s.applyRateLimit(w, r, orgID, critical) {
		return
	}

	res := s.ingestor.Ingest("http", orgID, &e)
	accepted, rejected := 0, 1
	if res.Accepted {
		accepted, rejected = 1, 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
		"result":   res,
	})
}

// handleIngestBatch accepts an array of events. A batch over the configured
// maximum is rejected wholesale before any event is examined.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request, orgID string) {
	var events []*event.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	critical := len(events) > 0
	for _, e := range events {
		if e == nil || e.Criticality != event.CriticalityCritical {
			critical = false
			break
		}
	}
	if !s.applyRateLimit(w, r, orgID, critical) {
		return
	}

	res, err := s.ingestor.IngestBatch("http", orgID, events)
	if err != nil {
		if errors.Is(err, event.ErrBatchTooLarge) {
			writeError(w, http.StatusBadRequest, "batch_too_large", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, orgID string) {
	filter := event.ListFilter{
		AssetID:     r.URL.Query().Get("asset_id"),
		Type:        r.URL.Query().Get("type"),
		Criticality: r.URL.Query().Get("criticality"),
		Limit:       queryInt(r, "limit", 50),
		Offset:      queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC 3339")
			return
		}
		filter.Since = &since
	}

	events, total, err := s.store.ListEvents(orgID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request, orgID string) {
	e, err := s.store.FindByID(orgID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "event not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request, orgID string) {
	assets, err := s.store.ListAssets(orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if assets == nil {
		assets = []event.AssetSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": assets})
}

func (s *Server) handleAssetEvents(w http.ResponseWriter, r *http.Request, orgID string) {
	assetID := r.PathValue("assetId")
	events, err := s.store.GetAssetEvents(orgID, assetID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assetId": assetID,
		"events":  events,
	})
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request, orgID string) {
	if s.checkpoints == nil {
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": []*event.Checkpoint{}})
		return
	}

	chks, err := s.checkpoints.ListCheckpoints(orgID, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if chks == nil {
		chks = []*event.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": chks})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
