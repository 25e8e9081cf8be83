package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func TestMonitorRingBufferOverwritesOldest(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testclock.NewClock(testNow), 3, time.Second, nil, nil)

	for i, op := range []string{"a", "b", "c", "d"} {
		m.Record(op, time.Duration(i+1)*time.Millisecond, nil)
	}
	samples := m.Samples()
	if len(samples) != 3 {
		t.Fatalf("len(samples)=%d want=3", len(samples))
	}
	if samples[0].Operation != "b" || samples[2].Operation != "d" {
		t.Fatalf("unexpected order: %+v", samples)
	}
}

func TestMonitorTime(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testclock.NewClock(testNow), 10, time.Second, nil, nil)
	want := errors.New("boom")
	if err := m.Time("probe", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("Time error = %v, want %v", err, want)
	}
	samples := m.Samples()
	if len(samples) != 1 || samples[0].Operation != "probe" || samples[0].OK {
		t.Fatalf("samples = %+v", samples)
	}

	var unset *Monitor
	called := false
	if err := unset.Time("probe", func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("nil monitor Time err=%v called=%t", err, called)
	}
	if unset.Samples() != nil || unset.Trim(testNow) != 0 {
		t.Fatalf("nil monitor must be empty")
	}
	unset.Start(t.Context(), time.Minute, func() time.Duration { return time.Hour })
	unset.Wait()
}

func TestMonitorStats(t *testing.T) {
	t.Parallel()
	m := NewMonitor(testclock.NewClock(testNow), 10, time.Second, nil, nil)

	m.Record("fulfil", 100*time.Millisecond, nil)
	m.Record("fulfil", 300*time.Millisecond, errors.New("boom"))
	m.Record("fulfil", 2*time.Second, nil)
	m.Record("tick", 10*time.Millisecond, nil)

	stats := m.Stats()
	if len(stats) != 2 || stats[0].Operation != "fulfil" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	f := stats[0]
	if f.Count != 3 || f.Errors != 1 || f.Slow != 1 {
		t.Fatalf("unexpected fulfil stats: %+v", f)
	}
	if f.Min != 100*time.Millisecond || f.Max != 2*time.Second || f.Avg != 800*time.Millisecond {
		t.Fatalf("unexpected fulfil durations: %+v", f)
	}
}

func TestMonitorTrim(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(testNow)
	m := NewMonitor(clk, 4, time.Second, nil, nil)

	m.Record("old", time.Millisecond, nil)
	clk.Advance(2 * time.Hour)
	m.Record("new", time.Millisecond, nil)

	if n := m.Trim(testNow.Add(time.Hour)); n != 1 {
		t.Fatalf("removed=%d want=1", n)
	}
	samples := m.Samples()
	if len(samples) != 1 || samples[0].Operation != "new" {
		t.Fatalf("unexpected samples after trim: %+v", samples)
	}
	m.Record("next", time.Millisecond, nil)
	if len(m.Samples()) != 2 {
		t.Fatalf("ring must keep accepting after trim")
	}
}

func TestMonitorTrimmerLoop(t *testing.T) {
	t.Parallel()
	clk := testclock.NewClock(testNow)
	m := NewMonitor(clk, 4, time.Second, nil, nil)
	m.Record("old", time.Millisecond, nil)

	ctx, cancel := context.WithCancel(t.Context())
	m.Start(ctx, time.Hour, func() time.Duration { return 30 * time.Minute })
	if err := clk.WaitAdvance(time.Hour, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance error: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for len(m.Samples()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("trimmer did not remove stale sample")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	m.Wait()
}

func TestCollector(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	c.Fulfil("payment", nil, true)
	c.Fulfil("payment", nil, false)
	c.Fulfil("auto_renewal", failure.New(failure.PanelUnavailable, "down"), false)
	c.Marker("auto_renewal_charge", "sent")
	c.Backup(nil, 2048)
	c.QuarantinedHosts(2)

	if got := testutil.ToFloat64(c.fulfilOutcomes.WithLabelValues("payment", "ok")); got != 1 {
		t.Fatalf("ok fulfils=%v", got)
	}
	if got := testutil.ToFloat64(c.fulfilOutcomes.WithLabelValues("payment", "replay")); got != 1 {
		t.Fatalf("replays=%v", got)
	}
	if got := testutil.ToFloat64(c.fulfilOutcomes.WithLabelValues("auto_renewal", "panel unavailable")); got != 1 {
		t.Fatalf("failed fulfils=%v", got)
	}
	if got := testutil.ToFloat64(c.backupBytes); got != 2048 {
		t.Fatalf("backup bytes=%v", got)
	}
	if got := testutil.ToFloat64(c.quarantined); got != 2 {
		t.Fatalf("quarantined=%v", got)
	}
}

func TestObservePanelFeedsBoth(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	m := NewMonitor(testclock.NewClock(testNow), 10, time.Second, c, nil)

	m.ObservePanel("de1", "upsert_client", 120*time.Millisecond, nil)
	if samples := m.Samples(); len(samples) != 1 || samples[0].Operation != "panel.upsert_client" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	if n := testutil.CollectAndCount(c.panelRequests); n != 1 {
		t.Fatalf("panel series=%d want=1", n)
	}
}
