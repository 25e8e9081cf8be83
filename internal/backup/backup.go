// Package backup takes scheduled snapshots of the key store.
package backup

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/metrics"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

const (
	filePrefix  = "keyengine-"
	stampLayout = "20060102-150405.000"

	snapshotAttempts = 3
	snapshotDelay    = time.Second

	// maxSleep bounds how long the loop sleeps so changed settings are picked
	// up without a restart.
	maxSleep = time.Hour
)

// File is one backup on disk.
type File struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Result describes one completed backup.
type Result struct {
	File       File `json:"file"`
	Verified   bool `json:"verified"`
	Compressed bool `json:"compressed"`
	Pruned     int  `json:"pruned"`
}

// Status is what the manager has done since it started.
type Status struct {
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`
	LastFile     string     `json:"last_file,omitempty"`
	LastSize     int64      `json:"last_size,omitempty"`
	Count        int        `json:"count"`
	Failures     int        `json:"failures"`
	LastError    string     `json:"last_error,omitempty"`
}

type Manager struct {
	store   *store.Store
	dir     string
	domain  string
	monitor *metrics.Monitor
	clock   clock.Clock
	logger  *slog.Logger

	runMu  sync.Mutex
	mu     sync.Mutex
	status Status
	wg     sync.WaitGroup
}

type Option func(*Manager)

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

// WithDefaultDomain is only used to build the settings view.
func WithDefaultDomain(domain string) Option {
	return func(m *Manager) { m.domain = domain }
}

func New(s *store.Store, dir string, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		dir:    strings.TrimSpace(dir),
		clock:  clock.WallClock,
		logger: logpkg.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "backup")
	return m
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	if s.LastBackupAt != nil {
		t := *s.LastBackupAt
		s.LastBackupAt = &t
	}
	return s
}

// Start runs the backup schedule until ctx is done. The interval and the
// enabled flag are re-read from settings on every wake-up.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	for {
		rt := m.runtime(ctx)
		interval := rt.BackupInterval()
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		wait := interval
		if rt.BackupEnabled() {
			now := m.clock.Now().UTC()
			next := now
			if latest, ok := m.latest(); ok {
				next = latest.Add(interval)
			}
			if !now.Before(next) {
				if _, err := m.run(ctx, rt); err != nil {
					m.logger.Warn("backup failed", "err", err)
				}
			} else {
				wait = next.Sub(now)
			}
		}
		wait = min(wait, maxSleep)
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}
	}
}

// RunOnce takes a backup now with the current settings.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	return m.run(ctx, m.runtime(ctx))
}

func (m *Manager) run(ctx context.Context, rt config.Runtime) (Result, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	start := m.clock.Now()
	res, err := m.backup(ctx, rt)
	m.monitor.Record("backup", m.clock.Now().Sub(start), err)
	m.monitor.Collector().Backup(err, res.File.Size)

	m.mu.Lock()
	if err != nil {
		m.status.Failures++
		m.status.LastError = err.Error()
	} else {
		at := res.File.CreatedAt
		m.status.LastBackupAt = &at
		m.status.LastFile = res.File.Path
		m.status.LastSize = res.File.Size
		m.status.Count++
		m.status.LastError = ""
	}
	m.mu.Unlock()

	var detail string
	if err != nil {
		detail = "err=" + err.Error()
	} else {
		detail = fmt.Sprintf("file=%s size=%d pruned=%d", res.File.Name, res.File.Size, res.Pruned)
	}
	if aerr := m.store.InsertAuditLog(ctx, "backup", "backup", detail); aerr != nil {
		m.logger.Warn("audit log write failed", "err", aerr)
	}
	if err == nil {
		m.logger.Info("backup written", "file", res.File.Path, "size", humanize.IBytes(uint64(res.File.Size)), "pruned", res.Pruned)
	}
	return res, err
}

func (m *Manager) backup(ctx context.Context, rt config.Runtime) (Result, error) {
	if m.dir == "" {
		return Result{}, failure.New(failure.ConfigurationMissing, "backup directory is not configured")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create backup dir: %w", err)
	}

	now := m.clock.Now().UTC()
	path := filepath.Join(m.dir, filePrefix+now.Format(stampLayout)+".db")
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = m.store.Snapshot(ctx, path)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, failure.DBLocked)
		},
		NotifyFunc: func(err error, attempt int) {
			m.logger.Warn("snapshot contended", "attempt", attempt, "err", err)
		},
		Attempts: snapshotAttempts,
		Delay:    snapshotDelay,
		Clock:    m.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return Result{}, fmt.Errorf("snapshot: %w", err)
	}

	res := Result{}
	if rt.BackupVerify() {
		if err := store.VerifyFile(ctx, path); err != nil {
			_ = os.Remove(path)
			return Result{}, err
		}
		res.Verified = true
	}
	if rt.BackupCompression() {
		gz, err := compress(path)
		if err != nil {
			_ = os.Remove(path)
			return Result{}, err
		}
		path = gz
		res.Compressed = true
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat backup: %w", err)
	}
	res.File = File{Name: filepath.Base(path), Path: path, Size: info.Size(), CreatedAt: now}

	pruned, err := m.prune(now.Add(-rt.BackupRetention()))
	if err != nil {
		m.logger.Warn("prune backups", "err", err)
	}
	res.Pruned = pruned
	return res, nil
}

// compress replaces path with path.gz.
func compress(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	dst := path + ".gz"
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create compressed backup: %w", err)
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("compress backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("finish compressed backup: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("close compressed backup: %w", err)
	}
	_ = in.Close()
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove uncompressed snapshot: %w", err)
	}
	return dst, nil
}

// List returns the backups in the directory, newest first. The creation time
// comes from the file name.
func (m *Manager) List() ([]File, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	files := make([]File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		created, ok := parseName(e.Name())
		if !ok {
			continue
		}
		f := File{Name: e.Name(), Path: filepath.Join(m.dir, e.Name()), CreatedAt: created}
		if info, err := e.Info(); err == nil {
			f.Size = info.Size()
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].CreatedAt.After(files[j].CreatedAt) })
	return files, nil
}

func parseName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) {
		return time.Time{}, false
	}
	stamp := strings.TrimPrefix(name, filePrefix)
	switch {
	case strings.HasSuffix(stamp, ".db.gz"):
		stamp = strings.TrimSuffix(stamp, ".db.gz")
	case strings.HasSuffix(stamp, ".db"):
		stamp = strings.TrimSuffix(stamp, ".db")
	default:
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func (m *Manager) latest() (time.Time, bool) {
	files, err := m.List()
	if err != nil || len(files) == 0 {
		return time.Time{}, false
	}
	return files[0].CreatedAt, true
}

func (m *Manager) prune(cutoff time.Time) (int, error) {
	files, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if !f.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.Path); err != nil {
			return removed, fmt.Errorf("remove old backup %s: %w", f.Name, err)
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) runtime(ctx context.Context) config.Runtime {
	rt, err := config.LoadRuntime(ctx, m.store, m.domain)
	if err != nil {
		m.logger.Warn("load settings", "err", err)
		return config.NewRuntime(nil, m.domain)
	}
	return rt
}
