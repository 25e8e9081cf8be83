package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_settings WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("setting key is required")
	}
	_, err := s.exec(ctx, "set setting", `
		INSERT INTO bot_settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, strings.TrimSpace(value))
	return err
}

func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM bot_settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

// EnsureSettingDefaults writes every default whose key is absent and leaves
// operator-set values alone. It reports how many keys were added.
func (s *Store) EnsureSettingDefaults(ctx context.Context, defaults map[string]string) (int, error) {
	added := 0
	err := s.withTx(ctx, "ensure setting defaults", func(tx *sql.Tx) error {
		added = 0
		n, err := ensureSettingDefaults(ctx, tx, defaults)
		added = n
		return err
	})
	return added, err
}

// ensureSettingDefaults operates on the connection it is given and never
// opens one of its own.
func ensureSettingDefaults(ctx context.Context, q execer, defaults map[string]string) (int, error) {
	added := 0
	for key, value := range defaults {
		res, err := q.ExecContext(ctx, `INSERT INTO bot_settings(key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, value)
		if err != nil {
			return added, fmt.Errorf("insert default setting %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, nil
}
