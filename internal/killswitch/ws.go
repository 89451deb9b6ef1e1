package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aigos/aigos/internal/config"
)

// SocketChannel consumes commands over a websocket. The server interleaves
// command objects with heartbeat frames; both reset the read deadline, and a
// silent connection is redialed with the same backoff as the SSE channel.
type SocketChannel struct {
	url              string
	dialer           *websocket.Dialer
	heartbeatTimeout time.Duration
	backoff          *reconnectBackoff
	maxAttempts      int
	logger           *slog.Logger
}

// NewSocketChannel builds the websocket channel from the kill-switch
// configuration.
func NewSocketChannel(url string, cfg config.KillSwitchConfig, logger *slog.Logger) *SocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	hb := cfg.HeartbeatTimeout
	if hb <= 0 {
		hb = DefaultHeartbeatTimeout
	}
	return &SocketChannel{
		url:              url,
		dialer:           &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeatTimeout: hb,
		backoff:          newReconnectBackoff(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay),
		maxAttempts:      cfg.MaxReconnectAttempts,
		logger:           logger.With("component", "killswitch.SocketChannel"),
	}
}

func (c *SocketChannel) Name() string { return "websocket" }

// Run reads until the context is cancelled, redialing on disconnects and
// stalls.
func (c *SocketChannel) Run(ctx context.Context, deliver func(*Command)) error {
	attempts := 0
	for {
		got, err := c.consume(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if got {
			attempts = 0
			c.backoff.reset()
		}
		attempts++
		if c.maxAttempts > 0 && attempts > c.maxAttempts {
			return fmt.Errorf("websocket channel: giving up after %d attempts: %w", c.maxAttempts, err)
		}
		delay := c.backoff.next()
		c.logger.Warn("socket disconnected, reconnecting",
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

func (c *SocketChannel) consume(ctx context.Context, deliver func(*Command)) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	c.logger.Info("socket connected", "url", c.url)

	// Unblock the read loop when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	stallAfter := 2 * c.heartbeatTimeout
	conn.SetReadDeadline(time.Now().Add(stallAfter))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(stallAfter))
	})

	got := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return got, fmt.Errorf("websocket read: %w", err)
		}
		got = true
		conn.SetReadDeadline(time.Now().Add(stallAfter))

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Warn("undecodable socket frame", "error", err)
			continue
		}
		if cmd.CommandID == "" {
			// Heartbeat or other non-command frame.
			continue
		}
		deliver(&cmd)
	}
}
