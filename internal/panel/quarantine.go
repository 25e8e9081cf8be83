package panel

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// DefaultQuarantineWindow is how long an unreachable host is skipped.
const DefaultQuarantineWindow = 60 * time.Second

// Quarantine tracks hosts that recently failed with a network-class error.
// It is safe for concurrent use.
type Quarantine struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	until  map[string]time.Time
}

func NewQuarantine(clk clock.Clock, window time.Duration) *Quarantine {
	if clk == nil {
		clk = clock.WallClock
	}
	if window <= 0 {
		window = DefaultQuarantineWindow
	}
	return &Quarantine{clock: clk, window: window, until: make(map[string]time.Time)}
}

// Active reports whether host is quarantined and until when. Expired entries
// are dropped.
func (q *Quarantine) Active(host string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	until, ok := q.until[host]
	if !ok {
		return time.Time{}, false
	}
	if !q.clock.Now().Before(until) {
		delete(q.until, host)
		return time.Time{}, false
	}
	return until, true
}

// Mark quarantines host for the configured window from now.
func (q *Quarantine) Mark(host string) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	until := q.clock.Now().Add(q.window)
	q.until[host] = until
	return until
}

func (q *Quarantine) Clear(host string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.until, host)
}

// Hosts returns the hosts currently quarantined.
func (q *Quarantine) Hosts() map[string]time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	out := make(map[string]time.Time, len(q.until))
	for host, until := range q.until {
		if now.Before(until) {
			out[host] = until
		}
	}
	return out
}
