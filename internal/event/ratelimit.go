package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/metrics"
)

// Verdict is the outcome of one rate-limit check, carrying everything the
// transport needs for the X-RateLimit-* headers.
type Verdict struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// WindowStore counts hits in fixed windows. Implementations bucket by
// truncating the clock to the window size, so all processes sharing a store
// agree on window boundaries.
type WindowStore interface {
	// Incr adds one hit for key and returns the count in the current window
	// plus the instant the window resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// MemoryWindows is an in-process WindowStore.
type MemoryWindows struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	start time.Time
	count int64
}

// NewMemoryWindows creates an empty in-process window store.
func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (m *MemoryWindows) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := m.now().UTC()
	start := now.Truncate(window)

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		m.buckets[key] = b
	}
	b.count++
	return b.count, start.Add(window), nil
}

// RedisWindows is a WindowStore shared across processes via Redis INCR with
// a PEXPIRE set on first hit.
type RedisWindows struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisWindows connects a window store to Redis.
func NewRedisWindows(cfg config.RateLimitConfig) *RedisWindows {
	return &RedisWindows{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		prefix: "aigos:ratelimit:",
		now:    time.Now,
	}
}

func (r *RedisWindows) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := r.now().UTC()
	start := now.Truncate(window)
	bucketKey := fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix())

	count, err := r.client.Incr(ctx, bucketKey).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		// The extra second covers clients straddling the boundary.
		r.client.PExpire(ctx, bucketKey, window+time.Second)
	}
	return count, start.Add(window), nil
}

func (r *RedisWindows) Close() error {
	return r.client.Close()
}

// Limiter applies a fixed-window request limit per (channel, orgId).
// A limit of zero disables limiting. Critical events count against the
// window but are never rejected when critical_exempt is set.
type Limiter struct {
	store          WindowStore
	limit          int
	window         time.Duration
	criticalExempt bool

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter creates a Limiter over the given window store. A nil store
// selects an in-process one.
func NewLimiter(cfg config.RateLimitConfig, store WindowStore, logger *slog.Logger, m *metrics.Metrics) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryWindows()
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		store:          store,
		limit:          cfg.Limit,
		window:         window,
		criticalExempt: cfg.CriticalExempt,
		metrics:        m,
		logger:         logger.With("component", "event.Limiter"),
		now:            time.Now,
	}
}

// Allow records one request for (channel, orgID) and decides whether it may
// proceed. Store failures allow the request: losing rate limiting is better
// than refusing ingestion.
func (l *Limiter) Allow(ctx context.Context, channel, orgID string, critical bool) Verdict {
	if l.limit <= 0 {
		return Verdict{Allowed: true}
	}

	key := channel + "|" + orgID
	count, reset, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		l.logger.Warn("rate-limit store unavailable", "key", key, "error", err)
		return Verdict{Allowed: true, Limit: l.limit}
	}

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	v := Verdict{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     reset,
	}

	if count > int64(l.limit) {
		if critical && l.criticalExempt {
			return v
		}
		v.Allowed = false
		v.RetryAfter = reset.Sub(l.now().UTC())
		if v.RetryAfter <= 0 {
			v.RetryAfter = time.Second
		}
		l.metrics.ObserveRateLimited(channel)
	}
	return v
}
