package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	clientQueueSize    = 256
	clientMaxBatch     = 100
	clientLinger       = 200 * time.Millisecond
	clientMaxAttempts  = 4
	clientRetryInitial = 500 * time.Millisecond
	clientRetryMax     = 5 * time.Second
	clientRetryJitter  = 250 * time.Millisecond
)

// Client ships events to a control plane's ingestion API. It implements
// Sink: Emit queues without blocking, a background worker batches the queue
// onto POST /v1/events/batch with bounded retry, and a full queue drops the
// newest event rather than stalling the emitter.
type Client struct {
	base   string
	bearer string
	http   *http.Client
	logger *slog.Logger

	queue   chan *Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewClient creates a forwarding client and starts its shipping worker.
func NewClient(baseURL, bearer string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		bearer: bearer,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "event.Client"),
		queue:  make(chan *Event, clientQueueSize),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Emit queues an event for shipping.
func (c *Client) Emit(e *Event) {
	if e == nil {
		return
	}
	select {
	case <-c.done:
		return
	case c.queue <- e:
	default:
		n := c.dropped.Add(1)
		c.logger.Warn("event queue full, dropping", "type", e.Type, "dropped_total", n)
	}
}

// Dropped returns how many events have been discarded due to backpressure.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops accepting events, ships what is queued, and waits for the
// worker to exit.
func (c *Client) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		var first *Event
		select {
		case <-c.done:
			c.flush()
			return
		case first = <-c.queue:
		}
		c.send(c.collect(first))
	}
}

// collect gathers a batch starting from first, lingering briefly so bursts
// ship together.
func (c *Client) collect(first *Event) []*Event {
	batch := []*Event{first}
	linger := time.NewTimer(clientLinger)
	defer linger.Stop()

	for len(batch) < clientMaxBatch {
		select {
		case e := <-c.queue:
			batch = append(batch, e)
		case <-linger.C:
			return batch
		case <-c.done:
			return batch
		}
	}
	return batch
}

// flush drains whatever is still queued at shutdown.
func (c *Client) flush() {
	var batch []*Event
	for {
		select {
		case e := <-c.queue:
			batch = append(batch, e)
			if len(batch) == clientMaxBatch {
				c.send(batch)
				batch = nil
			}
		default:
			c.send(batch)
			return
		}
	}
}

func (c *Client) send(events []*Event) {
	if len(events) == 0 {
		return
	}
	body, err := json.Marshal(events)
	if err != nil {
		c.logger.Error("marshal event batch", "error", err)
		return
	}

	delay := clientRetryInitial
	for attempt := 0; attempt < clientMaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(clientRetryJitter)))
			select {
			case <-time.After(delay + jitter):
			case <-c.done:
			}
			delay *= 2
			if delay > clientRetryMax {
				delay = clientRetryMax
			}
		}

		err = c.post(body)
		if err == nil {
			return
		}
		if !retryable(err) {
			c.logger.Error("event batch rejected", "events", len(events), "error", err)
			return
		}
	}
	c.logger.Error("event batch dropped after retries", "events", len(events), "error", err)
}

// statusError marks HTTP-level failures so retryability can be decided per
// status code.
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("ingestion endpoint returned %d", e.code)
}

func retryable(err error) bool {
	if se, ok := err.(statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	// Network-level failures are retryable.
	return true
}

func (c *Client) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/events/batch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return statusError{code: resp.StatusCode}
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Rejected > 0 {
		c.logger.Warn("events rejected upstream", "accepted", result.Accepted, "rejected", result.Rejected)
	}
	return nil
}
