package config

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Setting keys stored in bot_settings.
const (
	SettingAdminTelegramID        = "admin_telegram_id"
	SettingForceSubscription      = "force_subscription"
	SettingChannelURL             = "channel_url"
	SettingGlobalDomain           = "global_domain"
	SettingLegacyDomain           = "domain"
	SettingServerEnvironment      = "server_environment"
	SettingBackupEnabled          = "backup_enabled"
	SettingBackupIntervalHours    = "backup_interval_hours"
	SettingBackupRetentionDays    = "backup_retention_days"
	SettingBackupCompression      = "backup_compression"
	SettingBackupVerify           = "backup_verify"
	SettingMonitoringCleanupHours = "monitoring_cleanup_hours"
	SettingTimezoneEnabled        = "feature_timezone_enabled"
	SettingAutoDeleteOrphans      = "auto_delete_orphans"
	SettingNotificationRetention  = "notification_retention_days"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
)

// BackupDefaults are written at startup and by the seed command for every
// backup setting that is absent.
var BackupDefaults = map[string]string{
	SettingBackupEnabled:       "true",
	SettingBackupIntervalHours: "24",
	SettingBackupRetentionDays: "30",
	SettingBackupCompression:   "true",
	SettingBackupVerify:        "true",
}

// legacyMoscow is the fixed offset user-facing times were rendered in before
// per-user timezones existed.
var legacyMoscow = time.FixedZone("MSK", 3*60*60)

// Runtime is a typed view over the bot_settings key/value table.
type Runtime struct {
	values        map[string]string
	defaultDomain string
}

func NewRuntime(values map[string]string, defaultDomain string) Runtime {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return Runtime{values: copied, defaultDomain: strings.TrimSpace(defaultDomain)}
}

func (r Runtime) String(key string) string {
	return r.values[key]
}

func (r Runtime) Bool(key string, fallback bool) bool {
	switch strings.ToLower(r.values[key]) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func (r Runtime) Int(key string, fallback int) int {
	n, err := strconv.Atoi(r.values[key])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (r Runtime) AdminTelegramID() int64 {
	id, _ := strconv.ParseInt(r.values[SettingAdminTelegramID], 10, 64)
	return id
}

func (r Runtime) ForceSubscription() bool { return r.Bool(SettingForceSubscription, false) }

// Domain resolves global_domain, then the legacy domain key, then the
// compiled default.
func (r Runtime) Domain() string {
	for _, key := range []string{SettingGlobalDomain, SettingLegacyDomain} {
		if v := strings.TrimSuffix(r.values[key], "/"); v != "" {
			return v
		}
	}
	return r.defaultDomain
}

// CabinetURL builds the personal-cabinet link for a permanent token.
func (r Runtime) CabinetURL(token string) string {
	domain := r.Domain()
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	return domain + "/cabinet/" + token
}

func (r Runtime) Environment() string {
	if strings.EqualFold(r.values[SettingServerEnvironment], EnvironmentDevelopment) {
		return EnvironmentDevelopment
	}
	return EnvironmentProduction
}

func (r Runtime) BackupEnabled() bool { return r.Bool(SettingBackupEnabled, true) }

func (r Runtime) BackupInterval() time.Duration {
	return time.Duration(r.Int(SettingBackupIntervalHours, 24)) * time.Hour
}

func (r Runtime) BackupRetention() time.Duration {
	return time.Duration(r.Int(SettingBackupRetentionDays, 30)) * 24 * time.Hour
}

func (r Runtime) BackupCompression() bool { return r.Bool(SettingBackupCompression, true) }

func (r Runtime) BackupVerify() bool { return r.Bool(SettingBackupVerify, true) }

func (r Runtime) MonitoringRetention() time.Duration {
	return time.Duration(r.Int(SettingMonitoringCleanupHours, 24)) * time.Hour
}

func (r Runtime) NotificationRetention() time.Duration {
	return time.Duration(r.Int(SettingNotificationRetention, 90)) * 24 * time.Hour
}

func (r Runtime) AutoDeleteOrphans() bool { return r.Bool(SettingAutoDeleteOrphans, false) }

func (r Runtime) TimezoneEnabled() bool { return r.Bool(SettingTimezoneEnabled, false) }

// DisplayLocation picks the zone user-facing times are rendered in. With the
// timezone feature off every user sees the legacy fixed +03:00 offset; with it
// on the user's IANA zone is used, falling back to the same offset.
func (r Runtime) DisplayLocation(userTimezone string) *time.Location {
	if !r.TimezoneEnabled() {
		return legacyMoscow
	}
	userTimezone = strings.TrimSpace(userTimezone)
	if userTimezone == "" {
		return legacyMoscow
	}
	loc, err := time.LoadLocation(userTimezone)
	if err != nil {
		return legacyMoscow
	}
	return loc
}

// SettingsSource is the part of the store Runtime is loaded from.
type SettingsSource interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// LoadRuntime reads every setting once and returns the typed view.
func LoadRuntime(ctx context.Context, src SettingsSource, defaultDomain string) (Runtime, error) {
	values, err := src.AllSettings(ctx)
	if err != nil {
		return Runtime{}, err
	}
	return NewRuntime(values, defaultDomain), nil
}
