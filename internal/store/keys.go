package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

const keyColumns = `key_id, owner_id, host_name, remote_uuid, email, expiry_at, created_at, is_trial,
	auto_renewal, plan_ref, price, subscription_id, subscription_link, revoked_at, updated_at`

func scanKey(row rowScanner) (Key, error) {
	var k Key
	var expiry, revoked sql.NullTime
	if err := row.Scan(
		&k.ID,
		&k.OwnerID,
		&k.HostName,
		&k.RemoteUUID,
		&k.Email,
		&expiry,
		&k.CreatedAt,
		&k.IsTrial,
		&k.AutoRenewal,
		&k.PlanRef,
		&k.Price,
		&k.SubscriptionID,
		&k.SubscriptionLink,
		&revoked,
		&k.UpdatedAt,
	); err != nil {
		return Key{}, err
	}
	if expiry.Valid {
		k.ExpiryAt = expiry.Time.UTC()
	}
	k.RevokedAt = fromNullTime(revoked)
	k.CreatedAt = k.CreatedAt.UTC()
	k.UpdatedAt = k.UpdatedAt.UTC()
	return k, nil
}

func (s *Store) GetKey(ctx context.Context, keyID int64) (Key, error) {
	return getKey(ctx, s.db, keyID)
}

func getKey(ctx context.Context, q execer, keyID int64) (Key, error) {
	row := q.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM vpn_keys WHERE key_id = ?`, keyID)
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, failure.New(failure.NotFound, "key %d not found", keyID)
		}
		return Key{}, fmt.Errorf("get key: %w", err)
	}
	return k, nil
}

func (s *Store) GetKeyByEmail(ctx context.Context, email string) (Key, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM vpn_keys WHERE email = ?`, strings.TrimSpace(email))
	k, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, failure.New(failure.NotFound, "key %q not found", email)
		}
		return Key{}, fmt.Errorf("get key by email: %w", err)
	}
	return k, nil
}

func (s *Store) listKeys(ctx context.Context, where string, args ...any) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM vpn_keys `+where+` ORDER BY key_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]Key, 0)
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (s *Store) ListKeys(ctx context.Context) ([]Key, error) {
	return s.listKeys(ctx, ``)
}

func (s *Store) ListOwnerKeys(ctx context.Context, ownerID int64) ([]Key, error) {
	return s.listKeys(ctx, `WHERE owner_id = ?`, ownerID)
}

func (s *Store) ListHostKeys(ctx context.Context, hostName string) ([]Key, error) {
	return s.listKeys(ctx, `WHERE host_name = ?`, strings.TrimSpace(hostName))
}

// ListSweepKeys returns the keys the scheduler inspects: an expiry is set,
// the key has not been revoked, and the expiry is not older than horizon.
func (s *Store) ListSweepKeys(ctx context.Context, horizon time.Time) ([]Key, error) {
	return s.listKeys(ctx, `WHERE expiry_at IS NOT NULL AND revoked_at IS NULL AND expiry_at >= ?`, dbTime(horizon))
}

// NextKeyNumber returns max(n)+1 over the owner's key labels.
func (s *Store) NextKeyNumber(ctx context.Context, ownerID int64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM vpn_keys WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list owner emails: %w", err)
	}
	defer rows.Close()

	maxN := 0
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return 0, fmt.Errorf("scan owner email: %w", err)
		}
		if owner, n, _, ok := ParseKeyEmail(email); ok && owner == ownerID && n > maxN {
			maxN = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate owner emails: %w", err)
	}
	return maxN + 1, nil
}

func (s *Store) SetAutoRenewal(ctx context.Context, keyID int64, enabled bool) (bool, error) {
	res, err := s.exec(ctx, "set auto renewal",
		`UPDATE vpn_keys SET auto_renewal = ?, updated_at = ? WHERE key_id = ?`,
		boolInt(enabled), dbTime(s.now()), keyID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) SetSubscriptionLink(ctx context.Context, keyID int64, link string) (bool, error) {
	res, err := s.exec(ctx, "set subscription link",
		`UPDATE vpn_keys SET subscription_link = ?, updated_at = ? WHERE key_id = ?`,
		strings.TrimSpace(link), dbTime(s.now()), keyID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetKeyExpiry overwrites the stored expiry with the panel's value. Used by
// panel sync and administrative resets, the only paths allowed to move an
// expiry backwards.
func (s *Store) SetKeyExpiry(ctx context.Context, keyID int64, expiry time.Time) (bool, error) {
	res, err := s.exec(ctx, "set key expiry",
		`UPDATE vpn_keys SET expiry_at = ?, updated_at = ? WHERE key_id = ?`,
		toNullTime(&expiry), dbTime(s.now()), keyID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteKey removes the key row. Its token row is kept so the cabinet can
// tell a deleted key from a forged link.
func (s *Store) DeleteKey(ctx context.Context, keyID int64) (bool, error) {
	res, err := s.exec(ctx, "delete key", `DELETE FROM vpn_keys WHERE key_id = ?`, keyID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordRevocation marks the key ended and writes its revocation marker in
// one transaction. It is called after the panel delete succeeded.
func (s *Store) RecordRevocation(ctx context.Context, keyID int64, marker MarkerWrite) error {
	now := s.now()
	return s.withTx(ctx, "record revocation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE vpn_keys SET revoked_at = ?, updated_at = ? WHERE key_id = ? AND revoked_at IS NULL`,
			dbTime(now), dbTime(now), keyID)
		if err != nil {
			return fmt.Errorf("mark key revoked: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return failure.New(failure.NotFound, "key %d not found or already revoked", keyID)
		}
		if _, err := insertMarker(ctx, tx, marker, now); err != nil {
			return err
		}
		return nil
	})
}
