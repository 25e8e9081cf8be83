// Package metrics keeps an in-process record of operation latencies and
// exports Prometheus collectors.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
)

const (
	DefaultCapacity      = 1000
	DefaultSlowThreshold = time.Second
)

// Sample is one timed operation.
type Sample struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	OK        bool          `json:"ok"`
	At        time.Time     `json:"at"`
}

// OpStats aggregates the samples of one operation.
type OpStats struct {
	Operation string        `json:"operation"`
	Count     int           `json:"count"`
	Errors    int           `json:"errors"`
	Slow      int           `json:"slow"`
	Avg       time.Duration `json:"avg"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
}

// Monitor is a bounded ring buffer of samples. The oldest sample is
// overwritten once the buffer is full.
type Monitor struct {
	clock     clock.Clock
	logger    *slog.Logger
	slow      time.Duration
	collector *Collector

	mu      sync.Mutex
	samples []Sample
	next    int
	full    bool

	wg sync.WaitGroup
}

func NewMonitor(clk clock.Clock, capacity int, slow time.Duration, collector *Collector, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.WallClock
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if slow <= 0 {
		slow = DefaultSlowThreshold
	}
	return &Monitor{
		clock:     clk,
		logger:    logpkg.OrDiscard(logger),
		slow:      slow,
		collector: collector,
		samples:   make([]Sample, capacity),
	}
}

// Collector returns the Prometheus collector the monitor feeds, if any.
func (m *Monitor) Collector() *Collector {
	if m == nil {
		return nil
	}
	return m.collector
}

// Record stores one sample and logs it when slower than the threshold.
func (m *Monitor) Record(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	s := Sample{Operation: op, Duration: d, OK: err == nil, At: m.clock.Now().UTC()}
	m.mu.Lock()
	m.samples[m.next] = s
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()

	if d > m.slow {
		m.logger.Warn("slow operation", "op", op, "duration", d, "err", err)
	}
}

// Time runs fn and records its duration under op. A nil monitor only runs
// fn.
func (m *Monitor) Time(op string, fn func() error) error {
	if m == nil {
		return fn()
	}
	start := m.clock.Now()
	err := fn()
	m.Record(op, m.clock.Now().Sub(start), err)
	return err
}

// ObservePanel records a panel request. Its signature matches panel.Observer.
func (m *Monitor) ObservePanel(host, op string, elapsed time.Duration, err error) {
	m.Record("panel."+op, elapsed, err)
	m.Collector().PanelRequest(host, op, elapsed, err)
}

// Samples returns the buffered samples, oldest first.
func (m *Monitor) Samples() []Sample {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() []Sample {
	if !m.full {
		return append([]Sample(nil), m.samples[:m.next]...)
	}
	out := make([]Sample, 0, len(m.samples))
	out = append(out, m.samples[m.next:]...)
	out = append(out, m.samples[:m.next]...)
	return out
}

// Stats aggregates buffered samples per operation, sorted by name.
func (m *Monitor) Stats() []OpStats {
	samples := m.Samples()
	byOp := make(map[string]*OpStats)
	totals := make(map[string]time.Duration)
	for _, s := range samples {
		st, ok := byOp[s.Operation]
		if !ok {
			st = &OpStats{Operation: s.Operation, Min: s.Duration, Max: s.Duration}
			byOp[s.Operation] = st
		}
		st.Count++
		totals[s.Operation] += s.Duration
		if !s.OK {
			st.Errors++
		}
		if s.Duration > m.slow {
			st.Slow++
		}
		if s.Duration < st.Min {
			st.Min = s.Duration
		}
		if s.Duration > st.Max {
			st.Max = s.Duration
		}
	}
	out := make([]OpStats, 0, len(byOp))
	for op, st := range byOp {
		st.Avg = totals[op] / time.Duration(st.Count)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Trim drops samples recorded before cutoff and returns how many it removed.
func (m *Monitor) Trim(cutoff time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.snapshotLocked()
	kept := current[:0]
	for _, s := range current {
		if !s.At.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(current) - len(kept)
	if removed == 0 {
		return 0
	}
	capacity := len(m.samples)
	m.samples = make([]Sample, capacity)
	copy(m.samples, kept)
	m.next = len(kept) % capacity
	m.full = len(kept) == capacity
	return removed
}

// Start runs the trimmer until ctx is done. retention is read on every pass
// so operators can change it at runtime.
func (m *Monitor) Start(ctx context.Context, every time.Duration, retention func() time.Duration) {
	if m == nil {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(every):
				keep := retention()
				if keep <= 0 {
					continue
				}
				if n := m.Trim(m.clock.Now().Add(-keep)); n > 0 {
					m.logger.Debug("trimmed performance samples", "removed", n)
				}
			}
		}
	}()
}

// Wait blocks until the trimmer has stopped.
func (m *Monitor) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}
