package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aigos/aigos/internal/config"
)

// newTestLimiter wires a limiter and its window store to a controllable
// clock. Moving the returned pointer advances both.
func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *time.Time) {
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	clock := func() time.Time { return now }

	mw := NewMemoryWindows()
	mw.now = clock
	l := NewLimiter(cfg, mw, nil, nil)
	l.now = clock
	return l, &now
}

func TestLimiter_EnforcesFixedWindow(t *testing.T) {
	l, now := newTestLimiter(config.RateLimitConfig{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	v := l.Allow(ctx, "http", "acme", false)
	if !v.Allowed || v.Remaining != 1 {
		t.Errorf("first call: Allowed = %v, Remaining = %d, want true, 1", v.Allowed, v.Remaining)
	}
	v = l.Allow(ctx, "http", "acme", false)
	if !v.Allowed || v.Remaining != 0 {
		t.Errorf("second call: Allowed = %v, Remaining = %d, want true, 0", v.Allowed, v.Remaining)
	}

	v = l.Allow(ctx, "http", "acme", false)
	if v.Allowed {
		t.Fatalf("third call allowed, want rejected")
	}
	if v.Limit != 2 || v.Remaining != 0 {
		t.Errorf("Limit = %d, Remaining = %d, want 2, 0", v.Limit, v.Remaining)
	}
	wantReset := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	if !v.Reset.Equal(wantReset) {
		t.Errorf("Reset = %v, want %v", v.Reset, wantReset)
	}
	if v.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", v.RetryAfter)
	}

	// A new window readmits.
	*now = now.Add(time.Minute)
	v = l.Allow(ctx, "http", "acme", false)
	if !v.Allowed || v.Remaining != 1 {
		t.Errorf("after window roll: Allowed = %v, Remaining = %d, want true, 1", v.Allowed, v.Remaining)
	}
}

func TestLimiter_CriticalBypass(t *testing.T) {
	t.Run("exempt", func(t *testing.T) {
		l, _ := newTestLimiter(config.RateLimitConfig{Limit: 1, Window: time.Minute, CriticalExempt: true})
		ctx := context.Background()

		if v := l.Allow(ctx, "http", "acme", false); !v.Allowed {
			t.Fatalf("first call rejected")
		}
		if v := l.Allow(ctx, "http", "acme", true); !v.Allowed {
			t.Errorf("critical call rejected despite exemption")
		}
		// Critical traffic still counts against the window.
		if v := l.Allow(ctx, "http", "acme", false); v.Allowed {
			t.Errorf("normal call allowed after the window filled")
		}
	})

	t.Run("not exempt", func(t *testing.T) {
		l, _ := newTestLimiter(config.RateLimitConfig{Limit: 1, Window: time.Minute})
		ctx := context.Background()

		l.Allow(ctx, "http", "acme", false)
		if v := l.Allow(ctx, "http", "acme", true); v.Allowed {
			t.Errorf("critical call allowed without the exemption")
		}
	})
}

func TestLimiter_ZeroLimitDisablesChecks(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Limit: 0, Window: time.Minute})
	for i := 0; i < 100; i++ {
		if v := l.Allow(context.Background(), "http", "acme", false); !v.Allowed {
			t.Fatalf("call %d rejected with limiting disabled", i)
		}
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	if v := l.Allow(ctx, "http", "acme", false); !v.Allowed {
		t.Fatalf("first acme call rejected")
	}
	if v := l.Allow(ctx, "http", "acme", false); v.Allowed {
		t.Errorf("second acme call allowed over the limit")
	}
	if v := l.Allow(ctx, "http", "globex", false); !v.Allowed {
		t.Errorf("another org shares acme's window")
	}
	if v := l.Allow(ctx, "ws", "acme", false); !v.Allowed {
		t.Errorf("another channel shares the http window")
	}
}

type failingWindows struct{}

func (failingWindows) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestLimiter_FailsOpenOnStoreErrors(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{Limit: 1, Window: time.Minute}, failingWindows{}, nil, nil)
	for i := 0; i < 3; i++ {
		if v := l.Allow(context.Background(), "http", "acme", false); !v.Allowed {
			t.Fatalf("call %d rejected while the window store is down", i)
		}
	}
}

func TestMemoryWindows_ResetBoundaries(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 59, 0, time.UTC)
	mw := NewMemoryWindows()
	mw.now = func() time.Time { return now }

	count, reset, err := mw.Incr(context.Background(), "k", time.Minute)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if want := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC); !reset.Equal(want) {
		t.Errorf("reset = %v, want %v", reset, want)
	}

	// One second later a fresh window starts.
	now = now.Add(time.Second)
	count, _, _ = mw.Incr(context.Background(), "k", time.Minute)
	if count != 1 {
		t.Errorf("count after boundary = %d, want 1", count)
	}
}
