package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

const transactionColumns = `id, payment_id, owner_id, status, amount, method, metadata, result, error, key_id, created_at, updated_at`

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var keyID sql.NullInt64
	if err := row.Scan(
		&t.ID,
		&t.PaymentID,
		&t.OwnerID,
		&t.Status,
		&t.Amount,
		&t.Method,
		&t.Metadata,
		&t.Result,
		&t.Error,
		&keyID,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return Transaction{}, err
	}
	if keyID.Valid {
		v := keyID.Int64
		t.KeyID = &v
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// Receipt decodes the stored result of a succeeded transaction.
func (t Transaction) Receipt() (Receipt, error) {
	if strings.TrimSpace(t.Result) == "" {
		return Receipt{}, fmt.Errorf("transaction %s has no result", t.PaymentID)
	}
	var r Receipt
	if err := json.Unmarshal([]byte(t.Result), &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	return r, nil
}

func (s *Store) GetTransaction(ctx context.Context, paymentID string) (Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_id = ?`, strings.TrimSpace(paymentID))
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, failure.New(failure.NotFound, "payment %q not found", paymentID)
		}
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// PaymentStart is the pending row written before any panel call.
type PaymentStart struct {
	PaymentID string
	OwnerID   int64
	Amount    decimal.Decimal
	Method    string
	Metadata  string
}

// BeginPayment inserts a pending transaction unless one already exists for
// the payment id, and returns the row as stored.
func (s *Store) BeginPayment(ctx context.Context, p PaymentStart) (Transaction, error) {
	p.PaymentID = strings.TrimSpace(p.PaymentID)
	if p.PaymentID == "" {
		return Transaction{}, failure.New(failure.Validation, "payment id is required")
	}
	if strings.TrimSpace(p.Metadata) == "" {
		p.Metadata = "{}"
	}
	now := dbTime(s.now())
	_, err := s.exec(ctx, "begin payment", `
		INSERT INTO transactions(payment_id, owner_id, status, amount, method, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payment_id) DO NOTHING
	`, p.PaymentID, p.OwnerID, TxStatusPending, p.Amount, p.Method, p.Metadata, now, now)
	if err != nil {
		return Transaction{}, err
	}
	return s.GetTransaction(ctx, p.PaymentID)
}

// MarkPanelApplied records that the panel accepted the change but the local
// commit has not happened yet. A later fulfil with the same payment id
// reconciles from this state instead of calling the panel again.
func (s *Store) MarkPanelApplied(ctx context.Context, paymentID, metadata string) error {
	res, err := s.exec(ctx, "mark panel applied", `
		UPDATE transactions SET status = ?, metadata = ?, error = '', updated_at = ?
		WHERE payment_id = ? AND status <> ?
	`, TxStatusPanelApplied, metadata, dbTime(s.now()), strings.TrimSpace(paymentID), TxStatusSucceeded)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "payment %q not pending", paymentID)
	}
	return nil
}

// MarkTransactionFailed records a failed attempt. Succeeded and panel-applied
// rows are never downgraded.
func (s *Store) MarkTransactionFailed(ctx context.Context, paymentID, reason string) error {
	_, err := s.exec(ctx, "mark transaction failed", `
		UPDATE transactions SET status = ?, error = ?, updated_at = ?
		WHERE payment_id = ? AND status IN (?, ?)
	`, TxStatusFailed, strings.TrimSpace(reason), dbTime(s.now()), strings.TrimSpace(paymentID), TxStatusPending, TxStatusFailed)
	return err
}

// MarkPanelReverted moves a panel_applied payment to failed once its panel
// change has been undone, so a later attempt starts from scratch.
func (s *Store) MarkPanelReverted(ctx context.Context, paymentID, reason string) error {
	res, err := s.exec(ctx, "mark panel reverted", `
		UPDATE transactions SET status = ?, error = ?, updated_at = ?
		WHERE payment_id = ? AND status = ?
	`, TxStatusFailed, strings.TrimSpace(reason), dbTime(s.now()), strings.TrimSpace(paymentID), TxStatusPanelApplied)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return failure.New(failure.NotFound, "payment %q is not panel_applied", paymentID)
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, status string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	args := []any{}
	if status = strings.TrimSpace(status); status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	items := make([]Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return items, nil
}
