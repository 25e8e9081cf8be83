package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vpnshop-bot/keyengine/internal/failure"
)

func (s *Store) UpsertHost(ctx context.Context, h Host) error {
	h.Name = strings.TrimSpace(h.Name)
	h.URL = strings.TrimRight(strings.TrimSpace(h.URL), "/")
	h.Code = strings.TrimSpace(h.Code)
	if h.Name == "" || h.URL == "" || h.Code == "" {
		return failure.New(failure.Validation, "host name, url and code are required")
	}
	if h.InboundID <= 0 {
		return failure.New(failure.Validation, "host %q: inbound id must be positive", h.Name)
	}
	_, err := s.exec(ctx, "upsert host", `
		INSERT INTO hosts(host_name, host_url, host_username, host_pass, host_inbound_id, host_code)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_name) DO UPDATE SET
			host_url = excluded.host_url,
			host_username = excluded.host_username,
			host_pass = excluded.host_pass,
			host_inbound_id = excluded.host_inbound_id,
			host_code = excluded.host_code
	`, h.Name, h.URL, h.Username, h.Password, h.InboundID, h.Code)
	return err
}

func (s *Store) GetHost(ctx context.Context, name string) (Host, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT host_name, host_url, host_username, host_pass, host_inbound_id, host_code
		FROM hosts WHERE host_name = ?
	`, strings.TrimSpace(name))
	var h Host
	if err := row.Scan(&h.Name, &h.URL, &h.Username, &h.Password, &h.InboundID, &h.Code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Host{}, failure.New(failure.ConfigurationMissing, "host %q not configured", name)
		}
		return Host{}, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host_name, host_url, host_username, host_pass, host_inbound_id, host_code
		FROM hosts ORDER BY host_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	hosts := make([]Host, 0)
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.Name, &h.URL, &h.Username, &h.Password, &h.InboundID, &h.Code); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hosts: %w", err)
	}
	return hosts, nil
}

func (s *Store) DeleteHost(ctx context.Context, name string) (bool, error) {
	res, err := s.exec(ctx, "delete host", `DELETE FROM hosts WHERE host_name = ?`, strings.TrimSpace(name))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) UpsertPlan(ctx context.Context, p Plan) error {
	p.ID = strings.TrimSpace(p.ID)
	p.HostName = strings.TrimSpace(p.HostName)
	if p.ID == "" || p.HostName == "" {
		return failure.New(failure.Validation, "plan id and host are required")
	}
	if p.DurationDays < 0 || p.DurationHours < 0 || p.Duration() <= 0 {
		return failure.New(failure.Validation, "plan %q: duration must be positive", p.ID)
	}
	if p.Price.IsNegative() || p.QuotaGB < 0 {
		return failure.New(failure.Validation, "plan %q: price and quota must not be negative", p.ID)
	}
	switch p.ProvisionMode {
	case "":
		p.ProvisionMode = ProvisionModeKey
	case ProvisionModeKey, ProvisionModeSubscription:
	default:
		return failure.New(failure.Validation, "plan %q: unknown provision mode %q", p.ID, p.ProvisionMode)
	}
	_, err := s.exec(ctx, "upsert plan", `
		INSERT INTO plans(plan_id, host_ref, name, price, duration_days, duration_hours, quota_gb, provision_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			host_ref = excluded.host_ref,
			name = excluded.name,
			price = excluded.price,
			duration_days = excluded.duration_days,
			duration_hours = excluded.duration_hours,
			quota_gb = excluded.quota_gb,
			provision_mode = excluded.provision_mode
	`, p.ID, p.HostName, p.Name, p.Price, p.DurationDays, p.DurationHours, p.QuotaGB, p.ProvisionMode)
	return err
}

func (s *Store) GetPlan(ctx context.Context, id string) (Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, host_ref, name, price, duration_days, duration_hours, quota_gb, provision_mode
		FROM plans WHERE plan_id = ?
	`, strings.TrimSpace(id))
	p, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Plan{}, failure.New(failure.ConfigurationMissing, "plan %q not configured", id)
		}
		return Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context, hostName string) ([]Plan, error) {
	query := `SELECT plan_id, host_ref, name, price, duration_days, duration_hours, quota_gb, provision_mode FROM plans`
	args := []any{}
	if hostName = strings.TrimSpace(hostName); hostName != "" {
		query += ` WHERE host_ref = ?`
		args = append(args, hostName)
	}
	query += ` ORDER BY host_ref ASC, price ASC, plan_id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

func (s *Store) DeletePlan(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "delete plan", `DELETE FROM plans WHERE plan_id = ?`, strings.TrimSpace(id))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.HostName, &p.Name, &p.Price, &p.DurationDays, &p.DurationHours, &p.QuotaGB, &p.ProvisionMode)
	return p, err
}
