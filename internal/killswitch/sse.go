package killswitch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// DefaultHeartbeatTimeout is the expected gap between server heartbeats on
// streaming channels.
const DefaultHeartbeatTimeout = 30 * time.Second

var errStreamStalled = errors.New("stream stalled: no heartbeat")

// SSEChannel consumes the server-sent-events command stream. Commands arrive
// as data frames; the server emits heartbeat frames in quiet periods, and a
// connection that misses two heartbeat intervals is torn down and redialed
// with jittered exponential backoff.
type SSEChannel struct {
	url              string
	client           *http.Client
	heartbeatTimeout time.Duration
	backoff          *reconnectBackoff
	maxAttempts      int
	logger           *slog.Logger
}

// NewSSEChannel builds the SSE channel from the kill-switch configuration.
func NewSSEChannel(url string, cfg config.KillSwitchConfig, logger *slog.Logger) *SSEChannel {
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.HeartbeatTimeout
	if hb <= 0 {
		hb = DefaultHeartbeatTimeout
	}
	return &SSEChannel{
		url:              url,
		client:           &http.Client{},
		heartbeatTimeout: hb,
		backoff:          newReconnectBackoff(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay),
		maxAttempts:      cfg.MaxReconnectAttempts,
		logger:           logger.With("component", "killswitch.SSEChannel"),
	}
}

func (c *SSEChannel) Name() string { return "sse" }

// Run streams until the context is cancelled, reconnecting on every
// disconnect or stall. A bounded attempt budget (maxAttempts > 0) makes Run
// return once the budget is exhausted without an intervening healthy read.
func (c *SSEChannel) Run(ctx context.Context, deliver func(*Command)) error {
	attempts := 0
	for {
		got, err := c.stream(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if got {
			attempts = 0
			c.backoff.reset()
		}
		attempts++
		if c.maxAttempts > 0 && attempts > c.maxAttempts {
			return fmt.Errorf("sse channel: giving up after %d attempts: %w", c.maxAttempts, err)
		}
		delay := c.backoff.next()
		c.logger.Warn("stream disconnected, reconnecting",
			"url", c.url,
			"delay", delay,
			"attempt", attempts,
			"error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stream holds one connection open and reports whether any frame was read.
func (c *SSEChannel) stream(ctx context.Context, deliver func(*Command)) (bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)
	}
	c.logger.Info("stream connected", "url", c.url)

	// Watchdog: any frame (heartbeats included) proves liveness; silence
	// for two heartbeat intervals kills the connection.
	stallAfter := 2 * c.heartbeatTimeout
	watchdog := time.AfterFunc(stallAfter, cancel)
	defer watchdog.Stop()

	var (
		got       bool
		eventName string
		data      []string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		watchdog.Reset(stallAfter)
		got = true
		line := scanner.Text()
		switch {
		case line == "":
			if payload := strings.Join(data, "\n"); payload != "" && eventName != "heartbeat" {
				c.dispatch(payload, deliver)
			}
			eventName, data = "", nil
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment frame, used by some servers as keepalive.
		}
	}
	if streamCtx.Err() != nil && ctx.Err() == nil {
		return got, errStreamStalled
	}
	if err := scanner.Err(); err != nil {
		return got, fmt.Errorf("sse read: %w", err)
	}
	return got, errors.New("sse stream closed by server")
}

func (c *SSEChannel) dispatch(payload string, deliver func(*Command)) {
	var cmd Command
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		c.logger.Warn("undecodable command frame", "error", err)
		return
	}
	deliver(&cmd)
}
