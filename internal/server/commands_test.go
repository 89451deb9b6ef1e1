package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aigos/aigos/internal/killswitch"
)

func testCommand(id string, typ killswitch.CommandType, instance, asset string) *killswitch.Command {
	return &killswitch.Command{
		CommandID:  id,
		Type:       typ,
		InstanceID: instance,
		AssetID:    asset,
		Timestamp:  time.Now().UTC(),
		Reason:     "containment drill",
		IssuedBy:   "operator@acme.example",
	}
}

func TestCommandHub_PublishAndPending(t *testing.T) {
	hub := NewCommandHub(nil, nil)
	defer hub.Close()

	hub.Publish("acme", testCommand("cmd_1", killswitch.CommandTerminate, "", ""))
	hub.Publish("acme", testCommand("cmd_2", killswitch.CommandPause, "inst-1", ""))

	got := hub.Pending("acme", killswitch.Target{Organization: "acme"})
	if len(got) != 2 {
		t.Fatalf("len(Pending) = %d, want 2", len(got))
	}
	if got[0].CommandID != "cmd_1" || got[1].CommandID != "cmd_2" {
		t.Errorf("Pending order = [%s, %s], want oldest first", got[0].CommandID, got[1].CommandID)
	}

	// A target that names another instance only sees untargeted commands.
	got = hub.Pending("acme", killswitch.Target{InstanceID: "inst-2", Organization: "acme"})
	if len(got) != 1 || got[0].CommandID != "cmd_1" {
		t.Errorf("narrowed Pending = %d commands, want just cmd_1", len(got))
	}

	if got := hub.Pending("globex", killswitch.Target{}); len(got) != 0 {
		t.Errorf("cross-org Pending = %d commands, want 0", len(got))
	}
}

func TestCommandHub_RetentionExpires(t *testing.T) {
	hub := NewCommandHub(nil, nil)
	defer hub.Close()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }

	hub.Publish("acme", testCommand("cmd_old", killswitch.CommandTerminate, "", ""))
	now = now.Add(commandRetention + time.Second)
	hub.Publish("acme", testCommand("cmd_new", killswitch.CommandTerminate, "", ""))

	got := hub.Pending("acme", killswitch.Target{})
	if len(got) != 1 || got[0].CommandID != "cmd_new" {
		t.Errorf("Pending after retention window = %v, want only cmd_new", ids(got))
	}
}

func TestCommandHub_RetentionCapped(t *testing.T) {
	hub := NewCommandHub(nil, nil)
	defer hub.Close()

	for i := 0; i < commandMaxRetained+5; i++ {
		hub.Publish("acme", testCommand(fmt.Sprintf("cmd_%03d", i), killswitch.CommandTerminate, "", ""))
	}
	got := hub.Pending("acme", killswitch.Target{})
	if len(got) != commandMaxRetained {
		t.Fatalf("len(Pending) = %d, want %d", len(got), commandMaxRetained)
	}
	if got[0].CommandID != "cmd_005" {
		t.Errorf("oldest retained = %s, want cmd_005 (earliest evicted)", got[0].CommandID)
	}
}

func ids(cmds []*killswitch.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.CommandID
	}
	return out
}

func TestCommandHub_SubscribeDelivery(t *testing.T) {
	hub := NewCommandHub(nil, nil)
	defer hub.Close()

	sub := hub.Subscribe("acme", killswitch.Target{InstanceID: "inst-1"})
	defer sub.Close()
	other := hub.Subscribe("globex", killswitch.Target{})
	defer other.Close()

	hub.Publish("acme", testCommand("cmd_1", killswitch.CommandTerminate, "inst-1", ""))

	select {
	case got := <-sub.C():
		if got.CommandID != "cmd_1" {
			t.Errorf("delivered = %s, want cmd_1", got.CommandID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Publish holds the hub lock for the whole fan-out, so by now a
	// cross-org or narrowed-away delivery would already have landed.
	select {
	case got := <-other.C():
		t.Fatalf("cross-org delivery of %s", got.CommandID)
	default:
	}

	hub.Publish("acme", testCommand("cmd_2", killswitch.CommandTerminate, "inst-9", ""))
	select {
	case got := <-sub.C():
		t.Fatalf("delivery of %s targeted at another instance", got.CommandID)
	default:
	}
}

func TestCommandHub_Close(t *testing.T) {
	hub := NewCommandHub(nil, nil)
	sub := hub.Subscribe("acme", killswitch.Target{})

	hub.Close()

	if _, open := <-sub.C(); open {
		t.Error("subscription channel still open after hub close")
	}

	hub.Publish("acme", testCommand("cmd_1", killswitch.CommandTerminate, "", ""))
	if got := hub.Pending("acme", killswitch.Target{}); len(got) != 0 {
		t.Errorf("closed hub retained %d commands", len(got))
	}

	late := hub.Subscribe("acme", killswitch.Target{})
	if _, open := <-late.C(); open {
		t.Error("subscription opened on a closed hub is not closed")
	}
}

func TestDeliverable(t *testing.T) {
	tests := []struct {
		name        string
		cmdInstance string
		cmdAsset    string
		target      killswitch.Target
		want        bool
	}{
		{"global command reaches anyone", "", "", killswitch.Target{InstanceID: "inst-1", AssetID: "agent-1"}, true},
		{"anonymous target receives targeted command", "inst-1", "", killswitch.Target{}, true},
		{"instance match", "inst-1", "", killswitch.Target{InstanceID: "inst-1"}, true},
		{"instance mismatch", "inst-1", "", killswitch.Target{InstanceID: "inst-2"}, false},
		{"asset match", "", "agent-1", killswitch.Target{AssetID: "agent-1"}, true},
		{"asset mismatch", "", "agent-1", killswitch.Target{AssetID: "agent-2"}, false},
		{"asset mismatch overrides instance match", "inst-1", "agent-1", killswitch.Target{InstanceID: "inst-1", AssetID: "agent-2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := testCommand("cmd_1", killswitch.CommandTerminate, tt.cmdInstance, tt.cmdAsset)
			if got := deliverable(cmd, tt.target); got != tt.want {
				t.Errorf("deliverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServer_PublishCommand(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	cmd := testCommand("cmd_pub1", killswitch.CommandTerminate, "", "agent-1")
	cmd.Organization = "acme"
	rec := doJSON(t, h, http.MethodPost, "/v1/commands", "acme-secret", cmd)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["commandId"] != "cmd_pub1" || body["status"] != "queued" {
		t.Errorf("body = %v, want queued cmd_pub1", body)
	}
	if got := s.hub.Pending("acme", killswitch.Target{}); len(got) != 1 {
		t.Errorf("hub retained %d commands, want 1", len(got))
	}

	t.Run("schema violation", func(t *testing.T) {
		bad := testCommand("", killswitch.CommandTerminate, "", "")
		rec := doJSON(t, h, http.MethodPost, "/v1/commands", "acme-secret", bad)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["error"] != "schema_invalid" {
			t.Errorf("error = %q, want schema_invalid", body["error"])
		}
	})

	t.Run("org mismatch", func(t *testing.T) {
		foreign := testCommand("cmd_pub2", killswitch.CommandTerminate, "", "")
		foreign.Organization = "globex"
		rec := doJSON(t, h, http.MethodPost, "/v1/commands", "acme-secret", foreign)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})
}

func TestServer_PendingCommands(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	h := s.Handler()

	s.hub.Publish("acme", testCommand("cmd_1", killswitch.CommandTerminate, "", ""))
	s.hub.Publish("acme", testCommand("cmd_2", killswitch.CommandPause, "inst-1", ""))

	rec := doJSON(t, h, http.MethodGet, "/v1/commands/pending", "acme-secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cmds []*killswitch.Command
	decodeBody(t, rec, &cmds)
	if len(cmds) != 2 {
		t.Errorf("len = %d, want 2", len(cmds))
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/commands/pending?instance_id=inst-2", "acme-secret", nil)
	decodeBody(t, rec, &cmds)
	if len(cmds) != 1 || cmds[0].CommandID != "cmd_1" {
		t.Errorf("narrowed pending = %v, want [cmd_1]", ids(cmds))
	}

	// The empty case is the poll heartbeat and must be a JSON array, not null.
	rec = doJSON(t, h, http.MethodGet, "/v1/commands/pending", "globex-secret", nil)
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("empty pending body = %q, want []", got)
	}
}

func TestServer_QueryTokenCredential(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)

	// Channel clients carry the bearer in the query string instead of a
	// header.
	req := httptest.NewRequest(http.MethodGet, "/v1/commands/pending?token=acme-secret", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/commands/pending?token=bogus", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

// readStreamEvent consumes one SSE frame, returning its event name (empty
// for plain data frames) and data payload.
func readStreamEvent(t *testing.T, r *bufio.Reader) (name, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestServer_CommandStream(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.hub.Publish("acme", testCommand("cmd_s1", killswitch.CommandTerminate, "", ""))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/commands/stream?token=acme-secret", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// Retained commands are replayed before live traffic.
	_, data := readStreamEvent(t, reader)
	var cmd killswitch.Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if cmd.CommandID != "cmd_s1" {
		t.Errorf("backlog frame = %s, want cmd_s1", cmd.CommandID)
	}

	s.hub.Publish("acme", testCommand("cmd_s2", killswitch.CommandPause, "", ""))
	_, data = readStreamEvent(t, reader)
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	if cmd.CommandID != "cmd_s2" {
		t.Errorf("live frame = %s, want cmd_s2", cmd.CommandID)
	}
}

func TestServer_CommandSocket(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	s.hub.Publish("acme", testCommand("cmd_w1", killswitch.CommandTerminate, "", ""))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/commands/ws?token=acme-secret&instance_id=inst-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	var cmd killswitch.Command
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatalf("read backlog frame: %v", err)
	}
	if cmd.CommandID != "cmd_w1" {
		t.Errorf("backlog frame = %s, want cmd_w1", cmd.CommandID)
	}

	// A command for another instance is filtered, the next broadcast is not.
	s.hub.Publish("acme", testCommand("cmd_w2", killswitch.CommandTerminate, "inst-9", ""))
	s.hub.Publish("acme", testCommand("cmd_w3", killswitch.CommandResume, "", ""))
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatalf("read live frame: %v", err)
	}
	if cmd.CommandID != "cmd_w3" {
		t.Errorf("live frame = %s, want cmd_w3", cmd.CommandID)
	}
}

func TestServer_CommandSocketRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t, testServerConfig(), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/commands/ws?token=bogus"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}
