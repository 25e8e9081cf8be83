package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

// EnsureUser creates the owner row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, ownerID int64, username string) error {
	if ownerID == 0 {
		return failure.New(failure.Validation, "owner id is required")
	}
	_, err := s.exec(ctx, "ensure user", `
		INSERT INTO users(owner_id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END
	`, ownerID, strings.TrimSpace(username), dbTime(s.now()))
	return err
}

func (s *Store) GetUser(ctx context.Context, ownerID int64) (User, error) {
	return getUser(ctx, s.db, ownerID)
}

func getUser(ctx context.Context, q execer, ownerID int64) (User, error) {
	row := q.QueryRowContext(ctx, `
		SELECT owner_id, username, balance, total_spent, total_months, trial_used,
		       auto_renewal_default, referred_by, timezone, created_at
		FROM users WHERE owner_id = ?
	`, ownerID)
	var u User
	var referred sql.NullInt64
	if err := row.Scan(
		&u.OwnerID,
		&u.Username,
		&u.Balance,
		&u.TotalSpent,
		&u.TotalMonths,
		&u.TrialUsed,
		&u.AutoRenewalDefault,
		&referred,
		&u.Timezone,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, failure.New(failure.NotFound, "user %d not found", ownerID)
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if referred.Valid {
		v := referred.Int64
		u.ReferredBy = &v
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// CreditBalance adds amount to the owner's balance. Top-ups are authored by
// payment adapters; the core only uses this for refunds and tests.
func (s *Store) CreditBalance(ctx context.Context, ownerID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, failure.New(failure.Validation, "credit amount must not be negative")
	}
	var balance decimal.Decimal
	err := s.withTx(ctx, "credit balance", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users(owner_id, created_at) VALUES (?, ?) ON CONFLICT(owner_id) DO NOTHING`, ownerID, dbTime(s.now())); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		u, err := getUser(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		balance = u.Balance.Add(amount)
		if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE owner_id = ?`, balance.String(), ownerID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return nil
	})
	return balance, err
}

func (s *Store) SetUserTimezone(ctx context.Context, ownerID int64, tz string) (bool, error) {
	res, err := s.exec(ctx, "set user timezone", `UPDATE users SET timezone = ? WHERE owner_id = ?`, strings.TrimSpace(tz), ownerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
