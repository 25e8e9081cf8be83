package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

// ErrInsufficientBalance is returned by CommitFulfilment when the balance
// no longer covers the debit.
var ErrInsufficientBalance = errors.New("insufficient balance")

// FulfilmentWrite is everything a successful fulfil persists. KeyID zero
// creates a key; otherwise the existing key is updated in place.
type FulfilmentWrite struct {
	PaymentID string
	Method    string
	Metadata  string

	OwnerID          int64
	KeyID            int64
	HostName         string
	Email            string
	RemoteUUID       string
	ExpiryAt         time.Time
	IsTrial          bool
	PlanRef          string
	Price            decimal.Decimal
	SubscriptionID   string
	SubscriptionLink string
	ConnectionString string

	Amount       decimal.Decimal
	Months       int
	DebitBalance bool

	// Token is a freshly generated candidate; the stored token wins if the
	// (owner, key) pair already has one.
	Token string

	// Marker is written in the same transaction as the debit it authorizes.
	Marker *MarkerWrite
}

// CommitFulfilment applies the key row, the owner's lifetime totals, the
// optional balance debit, the token and the transaction status in a single
// transaction. Readers see all of it or none of it.
func (s *Store) CommitFulfilment(ctx context.Context, w FulfilmentWrite) (Receipt, error) {
	if err := w.validate(); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	err := s.withTx(ctx, "commit fulfilment", func(tx *sql.Tx) error {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `INSERT INTO users(owner_id, created_at) VALUES (?, ?) ON CONFLICT(owner_id) DO NOTHING`, w.OwnerID, dbTime(now)); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}

		keyID, err := upsertFulfilledKey(ctx, tx, w, now)
		if err != nil {
			return err
		}

		if err := applyUserTotals(ctx, tx, w); err != nil {
			return err
		}

		token, err := ensureToken(ctx, tx, w.OwnerID, keyID, w.Token, now)
		if err != nil {
			return err
		}

		if w.Marker != nil {
			m := *w.Marker
			m.KeyID = keyID
			inserted, err := insertMarker(ctx, tx, m, now)
			if err != nil {
				return err
			}
			if !inserted {
				return failure.New(failure.Validation, "marker %s already recorded for key %d", m.Kind, keyID)
			}
		}

		k, err := getKey(ctx, tx, keyID)
		if err != nil {
			return err
		}
		receipt = Receipt{
			KeyID:            k.ID,
			OwnerID:          k.OwnerID,
			HostName:         k.HostName,
			RemoteUUID:       k.RemoteUUID,
			Email:            k.Email,
			ExpiryAt:         k.ExpiryAt,
			IsTrial:          k.IsTrial,
			ConnectionString: w.ConnectionString,
			SubscriptionLink: k.SubscriptionLink,
			Token:            token,
		}
		result, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		metadata := w.Metadata
		if strings.TrimSpace(metadata) == "" {
			metadata = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions(payment_id, owner_id, status, amount, method, metadata, result, error, key_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
			ON CONFLICT(payment_id) DO UPDATE SET
				status = excluded.status,
				result = excluded.result,
				error = '',
				key_id = excluded.key_id,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at
		`, w.PaymentID, w.OwnerID, TxStatusSucceeded, w.Amount, w.Method, metadata, string(result), keyID, dbTime(now), dbTime(now)); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (w FulfilmentWrite) validate() error {
	switch {
	case strings.TrimSpace(w.PaymentID) == "":
		return failure.New(failure.Validation, "payment id is required")
	case w.OwnerID == 0:
		return failure.New(failure.Validation, "owner id is required")
	case strings.TrimSpace(w.RemoteUUID) == "":
		return failure.New(failure.Validation, "remote uuid is required")
	case w.ExpiryAt.IsZero():
		return failure.New(failure.Validation, "expiry is required")
	case w.KeyID == 0 && (strings.TrimSpace(w.Email) == "" || strings.TrimSpace(w.HostName) == ""):
		return failure.New(failure.Validation, "new key needs host and email")
	case w.Amount.IsNegative():
		return failure.New(failure.Validation, "amount must not be negative")
	}
	return nil
}

func upsertFulfilledKey(ctx context.Context, tx *sql.Tx, w FulfilmentWrite, now time.Time) (int64, error) {
	if w.KeyID == 0 {
		var keyID int64
		// A label collision means an earlier attempt created the row; it is
		// updated like a renewal instead of failing.
		err := tx.QueryRowContext(ctx, `
			INSERT INTO vpn_keys(owner_id, host_name, remote_uuid, email, expiry_at, created_at, is_trial,
				auto_renewal, plan_ref, price, subscription_id, subscription_link, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET
				remote_uuid = excluded.remote_uuid,
				expiry_at = excluded.expiry_at,
				plan_ref = excluded.plan_ref,
				price = excluded.price,
				subscription_id = CASE WHEN excluded.subscription_id <> '' THEN excluded.subscription_id ELSE vpn_keys.subscription_id END,
				subscription_link = CASE WHEN excluded.subscription_link <> '' THEN excluded.subscription_link ELSE vpn_keys.subscription_link END,
				revoked_at = NULL,
				updated_at = excluded.updated_at
			RETURNING key_id
		`, w.OwnerID, w.HostName, w.RemoteUUID, w.Email, dbTime(w.ExpiryAt), dbTime(now), boolInt(w.IsTrial),
			w.PlanRef, w.Price, w.SubscriptionID, w.SubscriptionLink, dbTime(now)).Scan(&keyID)
		if err != nil {
			return 0, fmt.Errorf("insert key: %w", err)
		}
		return keyID, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE vpn_keys SET
			remote_uuid = ?,
			expiry_at = ?,
			plan_ref = CASE WHEN ? <> '' THEN ? ELSE plan_ref END,
			price = ?,
			subscription_id = CASE WHEN ? <> '' THEN ? ELSE subscription_id END,
			subscription_link = CASE WHEN ? <> '' THEN ? ELSE subscription_link END,
			revoked_at = NULL,
			updated_at = ?
		WHERE key_id = ? AND owner_id = ?
	`, w.RemoteUUID, dbTime(w.ExpiryAt),
		w.PlanRef, w.PlanRef,
		w.Price,
		w.SubscriptionID, w.SubscriptionID,
		w.SubscriptionLink, w.SubscriptionLink,
		dbTime(now), w.KeyID, w.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("update key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, failure.New(failure.NotFound, "key %d of owner %d not found", w.KeyID, w.OwnerID)
	}
	return w.KeyID, nil
}

func applyUserTotals(ctx context.Context, tx *sql.Tx, w FulfilmentWrite) error {
	u, err := getUser(ctx, tx, w.OwnerID)
	if err != nil {
		return err
	}
	balance := u.Balance
	if w.DebitBalance {
		if balance.LessThan(w.Amount) {
			return failure.Wrap(ErrInsufficientBalance, failure.Validation, "have %s need %s", balance.String(), w.Amount.String())
		}
		balance = balance.Sub(w.Amount)
	}
	spent := u.TotalSpent.Add(w.Amount)
	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET
			balance = ?,
			total_spent = ?,
			total_months = total_months + ?,
			trial_used = CASE WHEN ? = 1 THEN 1 ELSE trial_used END
		WHERE owner_id = ?
	`, balance.String(), spent.String(), w.Months, boolInt(w.IsTrial), w.OwnerID); err != nil {
		return fmt.Errorf("update user totals: %w", err)
	}
	return nil
}
