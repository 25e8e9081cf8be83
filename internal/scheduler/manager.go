// Package scheduler runs the periodic key sweep: expiry notices, balance
// funded auto-renewal, revocation after the grace period and panel sync.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/metrics"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Panel is the part of the panel client the sweep and the sync use.
type Panel interface {
	ListClients(ctx context.Context, h store.Host) ([]panel.ClientState, error)
	DeleteClientOnHost(ctx context.Context, h store.Host, email, clientUUID string) (bool, error)
	DeleteClientByUUID(ctx context.Context, hosts []store.Host, clientUUID string) bool
}

// Fulfiller renews keys. *provision.Provisioner satisfies it.
type Fulfiller interface {
	Fulfil(ctx context.Context, o provision.Order) (provision.FulfilResult, error)
}

type Config struct {
	TickInterval  time.Duration
	SyncInterval  time.Duration
	KeyDeadline   time.Duration
	Concurrency   int
	NoticeLead    time.Duration
	ChargeLead    time.Duration
	Grace         time.Duration
	DefaultDomain string
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 10 * time.Minute
	}
	if c.KeyDeadline <= 0 {
		c.KeyDeadline = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.NoticeLead <= 0 {
		c.NoticeLead = 24 * time.Hour
	}
	if c.ChargeLead <= 0 {
		c.ChargeLead = time.Hour
	}
	if c.Grace <= 0 {
		c.Grace = 5 * 24 * time.Hour
	}
	return c
}

// FromConfig picks the scheduler fields out of the process configuration.
func FromConfig(cfg config.Config) Config {
	return Config{
		TickInterval:  cfg.TickInterval,
		SyncInterval:  cfg.PanelSyncInterval,
		KeyDeadline:   cfg.KeyDeadline,
		Concurrency:   cfg.TickConcurrency,
		NoticeLead:    cfg.NoticeLead,
		ChargeLead:    cfg.ChargeLead,
		Grace:         cfg.RevocationGrace,
		DefaultDomain: cfg.DefaultDomain,
	}
}

type Manager struct {
	store    *store.Store
	panel    Panel
	renewer  Fulfiller
	notifier notify.Notifier
	locks    *keylock.Locker
	monitor  *metrics.Monitor
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config

	wg sync.WaitGroup
}

type Option func(*Manager)

func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = notify.OrDiscard(n) }
}

// WithLocker must be given the provisioner's locker so revocation and
// fulfils serialize on the same keys.
func WithLocker(l *keylock.Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locks = l
		}
	}
}

func WithMonitor(mon *metrics.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logpkg.OrDiscard(l) }
}

func New(s *store.Store, p Panel, renewer Fulfiller, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		panel:    p,
		renewer:  renewer,
		notifier: notify.Discard{},
		locks:    keylock.New(),
		clock:    clock.WallClock,
		logger:   logpkg.Discard(),
		cfg:      cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "scheduler")
	return m
}

// Start runs the key sweep and the panel sync on their own goroutines until
// ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, m.cfg.TickInterval, "key-sweep", func(ctx context.Context) error {
			_, err := m.Tick(ctx)
			return err
		})
	}()
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, m.cfg.SyncInterval, "panel-sync", func(ctx context.Context) error {
			_, err := m.SyncPanels(ctx)
			return err
		})
	}()
}

func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Manager) runLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		m.logger.Warn(name+" initial run failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
			if err := fn(ctx); err != nil {
				m.logger.Warn(name+" failed", "err", err)
			}
		}
	}
}

// TickReport counts what one sweep did.
type TickReport struct {
	Keys    int `json:"keys"`
	Emitted int `json:"emitted"`
	Renewed int `json:"renewed"`
	Revoked int `json:"revoked"`
	Failed  int `json:"failed"`
}

type tally struct {
	emitted, renewed, revoked, failed atomic.Int32
}

// Tick inspects every live key once. A failing key is logged and counted;
// it never stops the sweep.
func (m *Manager) Tick(ctx context.Context) (TickReport, error) {
	start := m.clock.Now()
	now := start.UTC()
	keys, err := m.store.ListSweepKeys(ctx, now.Add(-m.cfg.Grace-30*24*time.Hour))
	if err != nil {
		return TickReport{}, err
	}
	rt := m.runtime(ctx)

	var t tally
	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, k := range keys {
		g.Go(func() error {
			kctx, cancel := context.WithTimeout(ctx, m.cfg.KeyDeadline)
			defer cancel()
			if err := m.processKey(kctx, k, now, rt, &t); err != nil {
				t.failed.Add(1)
				m.logger.Warn("key sweep failed", "key", k.ID, "owner", k.OwnerID, "kind", failure.Kind(err), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := TickReport{
		Keys:    len(keys),
		Emitted: int(t.emitted.Load()),
		Renewed: int(t.renewed.Load()),
		Revoked: int(t.revoked.Load()),
		Failed:  int(t.failed.Load()),
	}
	m.monitor.Record("tick", m.clock.Now().Sub(start), nil)
	if report.Emitted+report.Renewed+report.Revoked+report.Failed > 0 {
		m.logger.Info("key sweep done", "keys", report.Keys, "emitted", report.Emitted, "renewed", report.Renewed, "revoked", report.Revoked, "failed", report.Failed)
	}
	return report, nil
}

func (m *Manager) runtime(ctx context.Context) config.Runtime {
	rt, err := config.LoadRuntime(ctx, m.store, m.cfg.DefaultDomain)
	if err != nil {
		m.logger.Warn("load settings", "err", err)
		return config.NewRuntime(nil, m.cfg.DefaultDomain)
	}
	return rt
}

func (m *Manager) user(ctx context.Context, ownerID int64) (store.User, error) {
	u, err := m.store.GetUser(ctx, ownerID)
	if errors.Is(err, failure.NotFound) {
		return store.User{OwnerID: ownerID}, nil
	}
	return u, err
}

// keyInfo renders k for a notification, with the cabinet link when the key
// already has a token.
func (m *Manager) keyInfo(ctx context.Context, k store.Key, rt config.Runtime, tz string) notify.KeyInfo {
	var token string
	if tok, err := m.store.FindToken(ctx, k.OwnerID, k.ID); err == nil {
		token = tok.Token
	}
	return notify.Localize(notify.FromKey(k), rt, tz, token)
}
