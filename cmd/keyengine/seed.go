package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

type seedReport struct {
	Hosts    int
	Plans    int
	Settings int
	Defaults int
}

// applyCatalog upserts the catalog's hosts and plans, overwrites the
// settings it names, then fills in any backup setting still absent.
func applyCatalog(ctx context.Context, s *store.Store, cat config.Catalog) (seedReport, error) {
	var rep seedReport
	for _, h := range cat.Hosts {
		err := s.UpsertHost(ctx, store.Host{
			Name:      strings.TrimSpace(h.Name),
			URL:       strings.TrimSpace(h.URL),
			Username:  h.Username,
			Password:  h.Password,
			InboundID: h.InboundID,
			Code:      strings.TrimSpace(h.Code),
		})
		if err != nil {
			return rep, fmt.Errorf("seed host %s: %w", h.Name, err)
		}
		rep.Hosts++
	}
	for _, p := range cat.Plans {
		price, err := p.PriceDecimal()
		if err != nil {
			return rep, fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
		err = s.UpsertPlan(ctx, store.Plan{
			ID:            p.ID,
			HostName:      p.Host,
			Name:          p.Name,
			Price:         price,
			DurationDays:  p.DurationDays,
			DurationHours: p.DurationHours,
			QuotaGB:       p.QuotaGB,
			ProvisionMode: p.ProvisionMode,
		})
		if err != nil {
			return rep, fmt.Errorf("seed plan %s: %w", p.ID, err)
		}
		rep.Plans++
	}
	for key, value := range cat.Settings {
		if err := s.SetSetting(ctx, key, value); err != nil {
			return rep, fmt.Errorf("seed setting %s: %w", key, err)
		}
		rep.Settings++
	}
	added, err := s.EnsureSettingDefaults(ctx, config.BackupDefaults)
	if err != nil {
		return rep, fmt.Errorf("migrate backup settings: %w", err)
	}
	rep.Defaults = added
	return rep, nil
}
