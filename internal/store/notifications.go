package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

func deadlineText(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return dbTime(t)
}

// insertMarker reports false when a sent marker with the same identity
// already exists.
func insertMarker(ctx context.Context, q execer, m MarkerWrite, now time.Time) (bool, error) {
	m.Kind = strings.TrimSpace(m.Kind)
	if m.Kind == "" || m.KeyID == 0 {
		return false, failure.New(failure.Validation, "marker kind and key are required")
	}
	if m.Status == "" {
		m.Status = MarkerStatusSent
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO notifications(owner_id, key_id, kind, marker_hours, deadline_at, sent_at, status, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, m.OwnerID, m.KeyID, m.Kind, m.Hours, deadlineText(m.Deadline), dbTime(now), m.Status, m.Message)
	if err != nil {
		return false, fmt.Errorf("insert marker: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordMarker stores a marker outside any other write.
func (s *Store) RecordMarker(ctx context.Context, m MarkerWrite) (bool, error) {
	var inserted bool
	err := s.retryWrite(ctx, "record marker", func() error {
		var err error
		inserted, err = insertMarker(ctx, s.db, m, s.now())
		return err
	})
	return inserted, err
}

// MarkerSent reports whether the marker identity has a sent or resent row.
// Both the kind and the hours must match.
func (s *Store) MarkerSent(ctx context.Context, ownerID, keyID int64, kind string, hours int, deadline time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notifications
		WHERE owner_id = ? AND key_id = ? AND kind = ? AND marker_hours = ? AND deadline_at = ?
		  AND status IN (?, ?)
	`, ownerID, keyID, kind, hours, deadlineText(deadline), MarkerStatusSent, MarkerStatusResent).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check marker: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListMarkers(ctx context.Context, keyID int64) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, key_id, kind, marker_hours, deadline_at, sent_at, status, message
		FROM notifications WHERE key_id = ?
		ORDER BY id ASC
	`, keyID)
	if err != nil {
		return nil, fmt.Errorf("list markers: %w", err)
	}
	defer rows.Close()

	items := make([]Marker, 0)
	for rows.Next() {
		var m Marker
		var deadline string
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.KeyID, &m.Kind, &m.Hours, &deadline, &m.SentAt, &m.Status, &m.Message); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		if deadline != "" {
			if t, err := time.Parse(dbTimeLayout, deadline); err == nil {
				m.Deadline = &t
			}
		}
		m.SentAt = m.SentAt.UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	return items, nil
}

// PruneMarkers deletes markers sent before cutoff. This is the only path
// that removes marker rows.
func (s *Store) PruneMarkers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, "prune markers", `DELETE FROM notifications WHERE sent_at < ?`, dbTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
