package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/keylock"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// SyncReport counts what one panel sync found and changed.
type SyncReport struct {
	Hosts          int   `json:"hosts"`
	HostErrors     int   `json:"host_errors"`
	Corrected      int   `json:"corrected"`
	Missing        int   `json:"missing"`
	Removed        int   `json:"removed"`
	Orphans        int   `json:"orphans"`
	OrphansDeleted int   `json:"orphans_deleted"`
	Pruned         int64 `json:"pruned"`
}

// expiryTolerance is the drift between local and panel expiry that is left
// alone.
const expiryTolerance = time.Second

type quarantined interface {
	Quarantine() *panel.Quarantine
}

// SyncPanels compares local keys with the clients each panel lists. The
// panel is the truth for expiry. Clients of revoked keys are removed, and
// orphans carrying our label format are counted and, when the
// auto_delete_orphans setting is on, deleted. Old markers are pruned.
func (m *Manager) SyncPanels(ctx context.Context) (SyncReport, error) {
	start := m.clock.Now()
	var report SyncReport
	hosts, err := m.store.ListHosts(ctx)
	if err != nil {
		return report, err
	}
	rt := m.runtime(ctx)

	for _, h := range hosts {
		report.Hosts++
		if err := m.syncHost(ctx, h, rt.AutoDeleteOrphans(), &report); err != nil {
			report.HostErrors++
			m.logger.Warn("panel sync failed", "host", h.Name, "err", err)
		}
	}

	now := m.clock.Now().UTC()
	pruned, err := m.store.PruneMarkers(ctx, now.Add(-rt.NotificationRetention()))
	if err != nil {
		m.logger.Warn("prune markers", "err", err)
	}
	report.Pruned = pruned

	if q, ok := m.panel.(quarantined); ok && q.Quarantine() != nil {
		m.monitor.Collector().QuarantinedHosts(len(q.Quarantine().Hosts()))
	}
	m.monitor.Record("panel_sync", m.clock.Now().Sub(start), nil)
	if report.Corrected+report.Missing+report.Removed+report.Orphans+report.HostErrors > 0 {
		m.logger.Info("panel sync done", "hosts", report.Hosts, "corrected", report.Corrected, "missing", report.Missing,
			"removed", report.Removed, "orphans", report.Orphans, "orphans_deleted", report.OrphansDeleted, "host_errors", report.HostErrors)
	}
	return report, nil
}

func (m *Manager) syncHost(ctx context.Context, h store.Host, deleteOrphans bool, report *SyncReport) error {
	listedAt := m.clock.Now().UTC()
	clients, err := m.panel.ListClients(ctx, h)
	if err != nil {
		return err
	}
	keys, err := m.store.ListHostKeys(ctx, h.Name)
	if err != nil {
		return err
	}

	byEmail := make(map[string]panel.ClientState, len(clients))
	for _, c := range clients {
		byEmail[c.Email] = c
	}
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k.Email] = true
		c, onPanel := byEmail[k.Email]
		switch {
		case k.RevokedAt != nil:
			if onPanel {
				if _, err := m.panel.DeleteClientOnHost(ctx, h, c.Email, c.RemoteUUID); err != nil {
					m.logger.Warn("remove revoked client", "host", h.Name, "key", k.ID, "err", err)
					continue
				}
				report.Removed++
			}
		case !onPanel:
			if !listedAt.After(k.ExpiryAt.Add(m.cfg.Grace)) {
				report.Missing++
				m.logger.Warn("key missing on panel", "host", h.Name, "key", k.ID, "email", k.Email)
			}
		case !c.Expiry.IsZero():
			fixed, err := m.correctExpiry(ctx, k.ID, c.Expiry, listedAt)
			if err != nil {
				m.logger.Warn("correct key expiry", "host", h.Name, "key", k.ID, "err", err)
				continue
			}
			if fixed {
				report.Corrected++
			}
		}
	}

	for _, c := range clients {
		if known[c.Email] {
			continue
		}
		_, _, code, ours := store.ParseKeyEmail(c.Email)
		if !ours || code != h.Code {
			continue
		}
		report.Orphans++
		if !deleteOrphans {
			m.logger.Info("orphan client on panel", "host", h.Name, "email", c.Email)
			continue
		}
		if _, err := m.panel.DeleteClientOnHost(ctx, h, c.Email, c.RemoteUUID); err != nil {
			m.logger.Warn("delete orphan client", "host", h.Name, "email", c.Email, "err", err)
			continue
		}
		report.OrphansDeleted++
		if err := m.store.InsertAuditLog(ctx, "scheduler", "orphan_delete", fmt.Sprintf("host=%s email=%s uuid=%s", h.Name, c.Email, c.RemoteUUID)); err != nil {
			m.logger.Warn("audit log write failed", "err", err)
		}
	}
	return nil
}

// correctExpiry moves the local expiry to the panel value. A key written
// after the panel was listed is left for the next sync.
func (m *Manager) correctExpiry(ctx context.Context, keyID int64, panelExpiry, listedAt time.Time) (bool, error) {
	defer m.locks.Lock(keylock.Key, keyID)()
	k, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if k.UpdatedAt.After(listedAt) {
		return false, nil
	}
	drift := panelExpiry.Sub(k.ExpiryAt)
	if drift < 0 {
		drift = -drift
	}
	if drift <= expiryTolerance {
		return false, nil
	}
	if _, err := m.store.SetKeyExpiry(ctx, keyID, panelExpiry.UTC()); err != nil {
		return false, err
	}
	m.logger.Info("key expiry corrected from panel", "key", keyID, "local", k.ExpiryAt, "panel", panelExpiry)
	return true, nil
}
