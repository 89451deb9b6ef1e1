package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aigos/aigos/internal/killswitch"
	"github.com/aigos/aigos/internal/metrics"
)

const (
	// commandRetention bounds how long a published command stays available
	// for poll and late stream connects. Receivers deduplicate by
	// command_id, so redelivery inside the window is harmless.
	commandRetention   = 10 * time.Minute
	commandMaxRetained = 256

	// subscriberBuffer absorbs bursts; a subscriber that cannot drain is
	// dropped from the fan-out and recovers via poll or reconnect.
	subscriberBuffer = 16

	// commandHeartbeat paces stream and websocket keepalives, well inside
	// the receivers' two-missed-heartbeats watchdog.
	commandHeartbeat = 15 * time.Second
)

type retainedCommand struct {
	cmd *killswitch.Command
	at  time.Time
}

// Subscription is one live command feed.
type Subscription struct {
	org    string
	target killswitch.Target
	ch     chan *killswitch.Command
	hub    *CommandHub
	once   sync.Once
}

// C delivers published commands until the subscription or hub closes.
func (sub *Subscription) C() <-chan *killswitch.Command { return sub.ch }

// Close detaches the subscription from the hub.
func (sub *Subscription) Close() {
	sub.once.Do(func() { sub.hub.unsubscribe(sub) })
}

// CommandHub is the publishing side of the kill-switch delivery channels.
// Published commands are retained for polling and replayed to new stream
// connections, and fanned out live to subscribers. All retention and
// delivery is scoped by the publishing credential's org.
type CommandHub struct {
	mu     sync.Mutex
	closed bool
	byOrg  map[string][]retainedCommand
	subs   map[*Subscription]struct{}

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewCommandHub creates an empty hub.
func NewCommandHub(logger *slog.Logger, m *metrics.Metrics) *CommandHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHub{
		byOrg:   make(map[string][]retainedCommand),
		subs:    make(map[*Subscription]struct{}),
		metrics: m,
		logger:  logger.With("component", "server.CommandHub"),
		now:     time.Now,
	}
}

// Publish retains a command and fans it out to matching subscribers.
func (h *CommandHub) Publish(orgID string, cmd *killswitch.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.pruneLocked(orgID)
	h.byOrg[orgID] = append(h.byOrg[orgID], retainedCommand{cmd: cmd, at: h.now()})
	if over := len(h.byOrg[orgID]) - commandMaxRetained; over > 0 {
		h.byOrg[orgID] = h.byOrg[orgID][over:]
	}

	for sub := range h.subs {
		if sub.org != orgID || !deliverable(cmd, sub.target) {
			continue
		}
		select {
		case sub.ch <- cmd:
		default:
			h.logger.Warn("subscriber stalled, dropping delivery",
				"org_id", orgID, "command_id", cmd.CommandID)
		}
	}

	h.metrics.ObserveCommand(string(cmd.Type), "published")
	h.logger.Info("command published",
		"org_id", orgID,
		"command_id", cmd.CommandID,
		"type", cmd.Type,
		"instance_id", cmd.InstanceID,
		"asset_id", cmd.AssetID)
}

// Pending returns retained commands for the org that are deliverable to the
// given target, oldest first. An empty result is valid: for the polling
// channel it doubles as the heartbeat.
func (h *CommandHub) Pending(orgID string, t killswitch.Target) []*killswitch.Command {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked(orgID)
	out := make([]*killswitch.Command, 0, len(h.byOrg[orgID]))
	for _, rc := range h.byOrg[orgID] {
		if deliverable(rc.cmd, t) {
			out = append(out, rc.cmd)
		}
	}
	return out
}

// Subscribe attaches a live feed for the org and target.
func (h *CommandHub) Subscribe(orgID string, t killswitch.Target) *Subscription {
	sub := &Subscription{
		org:    orgID,
		target: t,
		ch:     make(chan *killswitch.Command, subscriberBuffer),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *CommandHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

// Close ends every subscription and stops accepting publishes.
func (h *CommandHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *CommandHub) pruneLocked(orgID string) {
	cutoff := h.now().Add(-commandRetention)
	kept := h.byOrg[orgID][:0]
	for _, rc := range h.byOrg[orgID] {
		if rc.at.After(cutoff) {
			kept = append(kept, rc)
		}
	}
	if len(kept) == 0 {
		delete(h.byOrg, orgID)
		return
	}
	h.byOrg[orgID] = kept
}

// deliverable narrows fan-out when both the command and the subscriber name
// a field. A subscriber that did not identify itself receives everything in
// its org and filters locally.
func deliverable(c *killswitch.Command, t killswitch.Target) bool {
	if t.InstanceID != "" && c.InstanceID != "" && c.InstanceID != t.InstanceID {
		return false
	}
	if t.AssetID != "" && c.AssetID != "" && c.AssetID != t.AssetID {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// handlePublishCommand enqueues a signed command for delivery. The server
// does not verify signatures: receivers hold the trusted keys and a command
// that fails verification there is counted and dropped.
func (s *Server) handlePublishCommand(w http.ResponseWriter, r *http.Request, orgID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "command publishing is not enabled")
		return
	}

	var cmd killswitch.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	defer func() { _ = r.Body.Close() }()

	if err := cmd.CheckSchema(); err != nil {
		writeError(w, http.StatusBadRequest, "schema_invalid", err.Error())
		return
	}
	if cmd.Organization != "" && cmd.Organization != orgID {
		writeError(w, http.StatusForbidden, "forbidden", "command organization does not match the credential")
		return
	}

	s.hub.Publish(orgID, &cmd)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"commandId": cmd.CommandID,
		"status":    "queued",
	})
}

// handlePendingCommands serves the polling channel: a JSON array of retained
// commands for the caller's target. Empty arrays are the poll heartbeat.
func (s *Server) handlePendingCommands(w http.ResponseWriter, r *http.Request, orgID string) {
	if s.hub == nil {
		writeJSON(w, http.StatusOK, []*killswitch.Command{})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Pending(orgID, targetFromQuery(r, orgID)))
}

// handleCommandStream serves the SSE channel: retained commands first, then
// live publishes, with heartbeat frames in quiet periods.
func (s *Server) handleCommandStream(w http.ResponseWriter, r *http.Request, orgID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "command publishing is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming is not supported")
		return
	}

	target := targetFromQuery(r, orgID)
	sub := s.hub.Subscribe(orgID, target)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, cmd := range s.hub.Pending(orgID, target) {
		if err := writeStreamCommand(w, cmd); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(commandHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case cmd, open := <-sub.C():
			if !open {
				return
			}
			if err := writeStreamCommand(w, cmd); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamCommand(w http.ResponseWriter, cmd *killswitch.Command) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// newUpgrader accepts same-origin browsers and all non-browser clients;
// allowAllOrigins opens it up for development.
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// handleCommandSocket serves the websocket channel: command objects as text
// frames, interleaved with heartbeat frames.
func (s *Server) handleCommandSocket(w http.ResponseWriter, r *http.Request, orgID string) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "command publishing is not enabled")
		return
	}

	upgrader := newUpgrader(s.cfg.CORS)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	target := targetFromQuery(r, orgID)
	sub := s.hub.Subscribe(orgID, target)
	defer sub.Close()

	// Read pump: the client sends nothing meaningful, but reading surfaces
	// disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, cmd := range s.hub.Pending(orgID, target) {
		if err := writeSocketJSON(conn, cmd); err != nil {
			return
		}
	}

	ticker := time.NewTicker(commandHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case cmd, open := <-sub.C():
			if !open {
				return
			}
			if err := writeSocketJSON(conn, cmd); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeSocketJSON(conn, map[string]string{"type": "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func writeSocketJSON(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func targetFromQuery(r *http.Request, orgID string) killswitch.Target {
	return killswitch.Target{
		InstanceID:   r.URL.Query().Get("instance_id"),
		AssetID:      r.URL.Query().Get("asset_id"),
		Organization: orgID,
	}
}
