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

// ensureToken inserts candidate for (owner, key) unless a token exists and
// returns whichever token is stored. Concurrent callers converge on one row.
func ensureToken(ctx context.Context, q execer, ownerID, keyID int64, candidate string, now time.Time) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate != "" {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO user_tokens(token, owner_id, key_id, issued_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_id, key_id) DO NOTHING
		`, candidate, ownerID, keyID, dbTime(now)); err != nil {
			return "", fmt.Errorf("insert token: %w", err)
		}
	}
	var token string
	err := q.QueryRowContext(ctx, `SELECT token FROM user_tokens WHERE owner_id = ? AND key_id = ?`, ownerID, keyID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", failure.New(failure.NotFound, "no token for owner %d key %d", ownerID, keyID)
		}
		return "", fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// EnsureToken is the standalone form of the token write used by the access
// gate on first lookup.
func (s *Store) EnsureToken(ctx context.Context, ownerID, keyID int64, candidate string) (string, error) {
	if strings.TrimSpace(candidate) == "" {
		return "", failure.New(failure.Validation, "token candidate is required")
	}
	var token string
	err := s.retryWrite(ctx, "ensure token", func() error {
		var err error
		token, err = ensureToken(ctx, s.db, ownerID, keyID, candidate, s.now())
		return err
	})
	return token, err
}

// FindToken returns the token for (owner, key) or a NotFound error.
func (s *Store) FindToken(ctx context.Context, ownerID, keyID int64) (Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx, `
		SELECT token, owner_id, key_id, issued_at FROM user_tokens WHERE owner_id = ? AND key_id = ?
	`, ownerID, keyID).Scan(&t.Token, &t.OwnerID, &t.KeyID, &t.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, failure.New(failure.NotFound, "no token for owner %d key %d", ownerID, keyID)
		}
		return Token{}, fmt.Errorf("find token: %w", err)
	}
	t.IssuedAt = t.IssuedAt.UTC()
	return t, nil
}

// LookupToken joins the token with its key. A missing key leaves Key nil.
func (s *Store) LookupToken(ctx context.Context, token string) (TokenLookup, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenLookup{}, failure.New(failure.TokenInvalid, "empty token")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT t.token, t.owner_id, t.key_id, t.issued_at, k.key_id
		FROM user_tokens t
		LEFT JOIN vpn_keys k ON k.key_id = t.key_id AND k.owner_id = t.owner_id
		WHERE t.token = ?
	`, token)

	var out TokenLookup
	var keyID sql.NullInt64
	if err := row.Scan(&out.Token.Token, &out.OwnerID, &out.KeyID, &out.IssuedAt, &keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenLookup{}, failure.New(failure.TokenInvalid, "token not issued")
		}
		return TokenLookup{}, fmt.Errorf("lookup token: %w", err)
	}
	out.IssuedAt = out.IssuedAt.UTC()
	if !keyID.Valid {
		return out, nil
	}
	k, err := s.GetKey(ctx, keyID.Int64)
	if err != nil {
		if errors.Is(err, failure.NotFound) {
			return out, nil
		}
		return TokenLookup{}, err
	}
	out.Key = &k
	return out, nil
}
