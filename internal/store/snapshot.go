package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	sqlite "modernc.org/sqlite"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

// onlineBackuper is implemented by modernc driver connections.
type onlineBackuper interface {
	NewBackup(dstURI string) (*sqlite.Backup, error)
}

// Snapshot copies the live database to dst through the engine's online
// backup API. Connections that do not expose it fall back to VACUUM INTO.
// dst must not exist.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	if strings.TrimSpace(dst) == "" {
		return fmt.Errorf("snapshot destination is required")
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot destination %s already exists", dst)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire snapshot connection: %w", err)
	}
	defer conn.Close()

	usedBackupAPI := false
	err = conn.Raw(func(driverConn any) error {
		b, ok := driverConn.(onlineBackuper)
		if !ok {
			return nil
		}
		usedBackupAPI = true
		bk, err := b.NewBackup(dst)
		if err != nil {
			return err
		}
		for {
			more, err := bk.Step(-1)
			if err != nil {
				_ = bk.Finish()
				return err
			}
			if !more {
				break
			}
		}
		return bk.Finish()
	})
	if err != nil {
		_ = os.Remove(dst)
		if isLockedError(err) {
			return failure.Wrap(err, failure.DBLocked, "online backup")
		}
		return fmt.Errorf("online backup: %w", err)
	}
	if usedBackupAPI {
		return nil
	}
	if _, err := conn.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		_ = os.Remove(dst)
		if isLockedError(err) {
			return failure.Wrap(err, failure.DBLocked, "vacuum into")
		}
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// VerifyFile runs PRAGMA integrity_check against a database file that is not
// the live store.
func VerifyFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check;`)
	if err != nil {
		return failure.Wrap(err, failure.IntegrityCheckFailed, "integrity check %s", path)
	}
	defer rows.Close()

	problems := make([]string, 0)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return failure.Wrap(err, failure.IntegrityCheckFailed, "scan integrity check")
		}
		if !strings.EqualFold(strings.TrimSpace(line), "ok") {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return failure.Wrap(err, failure.IntegrityCheckFailed, "iterate integrity check")
	}
	if len(problems) > 0 {
		return failure.New(failure.IntegrityCheckFailed, "integrity check %s: %s", path, strings.Join(problems, "; "))
	}
	return nil
}
