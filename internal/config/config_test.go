package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYENGINE_DATA_DIR", dir)
	t.Setenv("KEYENGINE_TICK_INTERVAL", "")
	t.Setenv("KEYENGINE_ADMIN_CHAT_IDS", "1, 2,2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.TickInterval != 60*time.Second {
		t.Fatalf("TickInterval=%s", cfg.TickInterval)
	}
	if cfg.DatabasePath != dir+"/keyengine.db" {
		t.Fatalf("DatabasePath=%s", cfg.DatabasePath)
	}
	if cfg.RevocationGrace != 5*24*time.Hour {
		t.Fatalf("RevocationGrace=%s", cfg.RevocationGrace)
	}
	if len(cfg.AdminChatIDs) != 2 {
		t.Fatalf("AdminChatIDs=%v", cfg.AdminChatIDs)
	}
}

func TestLoadRejectsChargeLeadAboveNoticeLead(t *testing.T) {
	t.Setenv("KEYENGINE_DATA_DIR", t.TempDir())
	t.Setenv("KEYENGINE_AUTORENEW_NOTICE_LEAD", "1h")
	t.Setenv("KEYENGINE_AUTORENEW_LEAD", "2h")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRuntimeDomainFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		values map[string]string
		want   string
	}{
		{name: "global", values: map[string]string{SettingGlobalDomain: "vpn.example.com", SettingLegacyDomain: "old.example.com"}, want: "vpn.example.com"},
		{name: "legacy", values: map[string]string{SettingLegacyDomain: "old.example.com/"}, want: "old.example.com"},
		{name: "default", values: nil, want: "fallback.example.com"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewRuntime(tt.values, "fallback.example.com")
			if got := r.Domain(); got != tt.want {
				t.Fatalf("Domain got=%q want=%q", got, tt.want)
			}
		})
	}
}

func TestRuntimeCabinetURL(t *testing.T) {
	t.Parallel()
	r := NewRuntime(map[string]string{SettingGlobalDomain: "vpn.example.com"}, "")
	if got := r.CabinetURL("abc"); got != "https://vpn.example.com/cabinet/abc" {
		t.Fatalf("CabinetURL=%s", got)
	}
}

func TestRuntimeDisplayLocation(t *testing.T) {
	t.Parallel()

	off := NewRuntime(nil, "")
	_, offset := time.Date(2026, 1, 1, 0, 0, 0, 0, off.DisplayLocation("Europe/Berlin")).Zone()
	if offset != 3*60*60 {
		t.Fatalf("flag off offset=%d want=%d", offset, 3*60*60)
	}

	on := NewRuntime(map[string]string{SettingTimezoneEnabled: "true"}, "")
	for _, tz := range []string{"", "Not/AZone"} {
		if loc := on.DisplayLocation(tz); loc != legacyMoscow {
			t.Fatalf("tz %q should fall back to MSK, got %s", tz, loc)
		}
	}
	if loc := on.DisplayLocation("UTC"); loc.String() != "UTC" {
		t.Fatalf("UTC tz = %s", loc)
	}
}

func TestRuntimeBackupDefaults(t *testing.T) {
	t.Parallel()
	r := NewRuntime(map[string]string{SettingBackupIntervalHours: "6", SettingBackupCompression: "false"}, "")
	if !r.BackupEnabled() {
		t.Fatalf("expected backups enabled by default")
	}
	if r.BackupInterval() != 6*time.Hour {
		t.Fatalf("BackupInterval=%s", r.BackupInterval())
	}
	if r.BackupCompression() {
		t.Fatalf("expected compression off")
	}
	if r.BackupRetention() != 30*24*time.Hour {
		t.Fatalf("BackupRetention=%s", r.BackupRetention())
	}
}

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	raw := []byte(`
hosts:
  - name: test-host
    url: https://panel.example.com:2053
    username: admin
    password: secret
    inbound_id: 1
    code: de1
plans:
  - id: month
    host: test-host
    name: 1 month
    price: "100.50"
    duration_days: 30
    provision_mode: key
settings:
  global_domain: vpn.example.com
`)
	c, err := ParseCatalog(raw)
	if err != nil {
		t.Fatalf("ParseCatalog error: %v", err)
	}
	if len(c.Hosts) != 1 || len(c.Plans) != 1 {
		t.Fatalf("unexpected catalog: %+v", c)
	}
	price, err := c.Plans[0].PriceDecimal()
	if err != nil {
		t.Fatalf("PriceDecimal error: %v", err)
	}
	if price.String() != "100.5" {
		t.Fatalf("price=%s", price)
	}
	if c.Settings["global_domain"] != "vpn.example.com" {
		t.Fatalf("settings=%v", c.Settings)
	}
}

func TestParseCatalogRejectsUnknownHost(t *testing.T) {
	t.Parallel()
	raw := []byte(`
hosts:
  - {name: a, url: "https://a", inbound_id: 1, code: a1}
plans:
  - {id: p, host: b, duration_days: 30}
`)
	if _, err := ParseCatalog(raw); err == nil {
		t.Fatalf("expected error")
	}
}
