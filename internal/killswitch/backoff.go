package killswitch

import (
	"math/rand"
	"time"
)

// Reconnection defaults shared by the streaming channels.
const (
	defaultReconnectInitial = 1 * time.Second
	defaultReconnectMax     = 30 * time.Second
	maxReconnectJitter      = 1 * time.Second
)

// reconnectBackoff produces exponential reconnection delays with up to one
// second of jitter so a fleet of agents does not stampede a recovering
// control plane.
type reconnectBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newReconnectBackoff(initial, max time.Duration) *reconnectBackoff {
	if initial <= 0 {
		initial = defaultReconnectInitial
	}
	if max <= 0 {
		max = defaultReconnectMax
	}
	return &reconnectBackoff{initial: initial, max: max}
}

// next returns the delay before the next attempt and advances the schedule.
func (b *reconnectBackoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return b.current + time.Duration(rand.Int63n(int64(maxReconnectJitter)))
}

// reset restarts the schedule after a healthy connection.
func (b *reconnectBackoff) reset() {
	b.current = 0
}
