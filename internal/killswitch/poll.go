package killswitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// DefaultPollInterval paces the HTTP polling channel.
const DefaultPollInterval = 10 * time.Second

// PollChannel fetches pending commands over plain HTTP for environments where
// long-lived connections are not available. An empty response array is the
// heartbeat: it proves the control plane is reachable even when there is
// nothing to deliver.
type PollChannel struct {
	url      string
	client   *http.Client
	interval time.Duration
	backoff  *reconnectBackoff
	logger   *slog.Logger
}

// NewPollChannel builds the polling channel from the kill-switch
// configuration.
func NewPollChannel(url string, cfg config.KillSwitchConfig, logger *slog.Logger) *PollChannel {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollChannel{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		interval: interval,
		backoff:  newReconnectBackoff(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay),
		logger:   logger.With("component", "killswitch.PollChannel"),
	}
}

func (c *PollChannel) Name() string { return "poll" }

// Run polls until the context is cancelled. Failed polls back off
// exponentially; a successful poll restores the configured interval.
func (c *PollChannel) Run(ctx context.Context, deliver func(*Command)) error {
	for {
		delay := c.interval
		cmds, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay = c.backoff.next()
			c.logger.Warn("poll failed", "url", c.url, "delay", delay, "error", err)
		} else {
			c.backoff.reset()
			for _, cmd := range cmds {
				deliver(cmd)
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *PollChannel) fetch(ctx context.Context) ([]*Command, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("poll request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var cmds []*Command
	if err := json.NewDecoder(resp.Body).Decode(&cmds); err != nil {
		return nil, fmt.Errorf("poll decode: %w", err)
	}
	return cmds, nil
}
