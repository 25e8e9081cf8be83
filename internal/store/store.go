package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	_ "modernc.org/sqlite"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
)

// writeBackoff is the sleep schedule between attempts of a write that hit
// SQLITE_BUSY or SQLITE_LOCKED.
var writeBackoff = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

const writeAttempts = 5

const busyTimeout = 30 * time.Second

type Store struct {
	db     *sql.DB
	path   string
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func Open(databasePath string, opts ...Option) (*Store, error) {
	return open(databasePath, opts...)
}

func OpenWithRecovery(databasePath string, recoverOnCorrupt bool, opts ...Option) (*Store, error) {
	s, err := open(databasePath, opts...)
	if err == nil {
		return s, nil
	}
	if !recoverOnCorrupt || !isLikelyCorruptSQLiteError(err) {
		return nil, err
	}
	backupPath, backupErr := backupCorruptDatabase(databasePath)
	if backupErr != nil {
		return nil, fmt.Errorf("backup corrupt database before recovery: %w", backupErr)
	}
	_ = os.Remove(databasePath)
	recovered, reopenErr := open(databasePath, opts...)
	if reopenErr != nil {
		return nil, fmt.Errorf("rebuild sqlite after corrupt backup(%s): %w", backupPath, reopenErr)
	}
	recovered.logger.Warn("sqlite corruption detected, recreated database", "backup", backupPath)
	return recovered, nil
}

func open(databasePath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(databasePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(2 * time.Minute)

	s := &Store{db: db, path: databasePath, clock: clock.WallClock, logger: logpkg.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.healthCheck(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn enables WAL, the busy timeout and IMMEDIATE write transactions on every
// pooled connection.
func dsn(databasePath string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		databasePath, busyTimeout.Milliseconds())
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS users (
			owner_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			balance TEXT NOT NULL DEFAULT '0',
			total_spent TEXT NOT NULL DEFAULT '0',
			total_months INTEGER NOT NULL DEFAULT 0,
			trial_used INTEGER NOT NULL DEFAULT 0,
			auto_renewal_default INTEGER NOT NULL DEFAULT 1,
			referred_by INTEGER NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`ALTER TABLE users ADD COLUMN timezone TEXT NOT NULL DEFAULT '';`,
		`CREATE TABLE IF NOT EXISTS hosts (
			host_name TEXT PRIMARY KEY,
			host_url TEXT NOT NULL,
			host_username TEXT NOT NULL DEFAULT '',
			host_pass TEXT NOT NULL DEFAULT '',
			host_inbound_id INTEGER NOT NULL,
			host_code TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			plan_id TEXT PRIMARY KEY,
			host_ref TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '0',
			duration_days INTEGER NOT NULL DEFAULT 0,
			duration_hours INTEGER NOT NULL DEFAULT 0,
			quota_gb REAL NOT NULL DEFAULT 0,
			provision_mode TEXT NOT NULL DEFAULT 'key'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_host ON plans(host_ref);`,
		`CREATE TABLE IF NOT EXISTS vpn_keys (
			key_id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			host_name TEXT NOT NULL,
			remote_uuid TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			expiry_at DATETIME NULL,
			created_at DATETIME NOT NULL,
			is_trial INTEGER NOT NULL DEFAULT 0,
			auto_renewal INTEGER NOT NULL DEFAULT 1,
			plan_ref TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '0',
			subscription_id TEXT NOT NULL DEFAULT '',
			subscription_link TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);`,
		`ALTER TABLE vpn_keys ADD COLUMN revoked_at DATETIME NULL;`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_vpn_keys_host_uuid ON vpn_keys(host_name, remote_uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_keys_owner ON vpn_keys(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_vpn_keys_expiry ON vpn_keys(expiry_at);`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			payment_id TEXT NOT NULL UNIQUE,
			owner_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			amount TEXT NOT NULL DEFAULT '0',
			method TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			key_id INTEGER NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, updated_at);`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			key_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			marker_hours INTEGER NOT NULL DEFAULT 0,
			deadline_at TEXT NOT NULL DEFAULT '',
			sent_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_marker
			ON notifications(owner_id, key_id, kind, marker_hours, deadline_at) WHERE status = 'sent';`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_lookup ON notifications(owner_id, key_id, kind, marker_hours);`,
		`CREATE TABLE IF NOT EXISTS user_tokens (
			token TEXT NOT NULL UNIQUE,
			owner_id INTEGER NOT NULL,
			key_id INTEGER NOT NULL,
			issued_at DATETIME NOT NULL,
			UNIQUE(owner_id, key_id)
		);`,
		`CREATE TABLE IF NOT EXISTS bot_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			lowerErr := strings.ToLower(err.Error())
			lowerQuery := strings.ToLower(query)
			if strings.Contains(lowerErr, "duplicate column name") && strings.Contains(lowerQuery, "alter table") {
				continue
			}
			return fmt.Errorf("migrate query failed: %w", err)
		}
	}
	return nil
}

// execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// retryWrite runs fn until it succeeds, fails with a non-lock error, or the
// backoff schedule is exhausted. Exhaustion is reported as failure.DBLocked.
func (s *Store) retryWrite(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: fn,
		IsFatalError: func(err error) bool {
			return !isLockedError(err)
		},
		NotifyFunc: func(err error, attempt int) {
			lastErr = err
			s.logger.Warn("sqlite write contended", "op", op, "attempt", attempt, "err", err)
		},
		Attempts: writeAttempts,
		Delay:    writeBackoff[0],
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			if attempt >= len(writeBackoff) {
				return writeBackoff[len(writeBackoff)-1]
			}
			return writeBackoff[attempt]
		},
		Clock: s.clock,
		Stop:  ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		return failure.Wrap(lastErr, failure.DBLocked, "%s failed after retrying", op)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return err
}

// withTx runs fn inside one IMMEDIATE transaction, retrying the whole unit on
// lock contention. fn must not call back into the Store.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.retryWrite(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

// exec is a single retried statement.
func (s *Store) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retryWrite(ctx, op, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
	return res, err
}

func (s *Store) InsertAuditLog(ctx context.Context, actor, action, detail string) error {
	_, err := s.exec(ctx, "insert audit log",
		`INSERT INTO audit_logs(actor, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(actor), strings.TrimSpace(action), strings.TrimSpace(detail), dbTime(s.now()))
	return err
}

func isLockedError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	lockMarkers := []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"sqlite_locked",
	}
	for _, marker := range lockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func healthCheck(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("nil database")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA quick_check;`); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "no such pragma") {
			return fmt.Errorf("sqlite quick_check failed: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, `SELECT 1;`); err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	return nil
}

func (s *Store) healthCheck(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("nil store")
	}
	return healthCheck(ctx, s.db)
}

func isLikelyCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	corruptMarkers := []string{
		"database disk image is malformed",
		"file is not a database",
		"malformed database schema",
		"database corruption",
	}
	for _, marker := range corruptMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func backupCorruptDatabase(databasePath string) (string, error) {
	databasePath = strings.TrimSpace(databasePath)
	if databasePath == "" {
		return "", fmt.Errorf("database path is required")
	}
	if _, err := os.Stat(databasePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	dir := filepath.Dir(databasePath)
	base := filepath.Base(databasePath)
	backupPath := filepath.Join(dir, fmt.Sprintf("%s.corrupt.%d.bak", base, time.Now().UTC().Unix()))
	if err := os.Rename(databasePath, backupPath); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		source := databasePath + suffix
		if _, err := os.Stat(source); err == nil {
			_ = os.Rename(source, backupPath+suffix)
		}
	}
	return backupPath, nil
}

// dbTimeLayout is the naive-UTC text form every timestamp is written in.
const dbTimeLayout = "2006-01-02 15:04:05.000"

func dbTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func toNullTime(input *time.Time) any {
	if input == nil || input.IsZero() {
		return nil
	}
	return dbTime(*input)
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
