package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/backup"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/scheduler"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Admin is the provisioner surface operators can drive.
type Admin interface {
	ForceFulfil(ctx context.Context, paymentID string) (provision.FulfilResult, error)
	DeleteKey(ctx context.Context, keyID int64) (bool, error)
	SetAutoRenewal(ctx context.Context, keyID int64, enabled bool) error
	SetKeyEnabled(ctx context.Context, keyID int64, enabled bool) error
	ProbeHost(ctx context.Context, hostName string) error
}

// Operations is the scheduler surface operators can drive.
type Operations interface {
	SyncPanels(ctx context.Context) (scheduler.SyncReport, error)
	ForceEmit(ctx context.Context, keyID int64, kind string, hours int) error
}

type BackupRunner interface {
	RunOnce(ctx context.Context) (backup.Result, error)
}

// Bind attaches the components commands act on. A nil component disables
// its commands.
func (b *Bot) Bind(admin Admin, ops Operations, backups BackupRunner) {
	b.admin = admin
	b.ops = ops
	b.backups = backups
}

const helpText = `Commands:
/key <key_id>
/fulfil <payment_id>
/key_delete <key_id>
/autorenew <key_id> on|off
/key_enable <key_id> on|off
/probe <host>
/resend <key_id> <marker> <hours>
/pending
/sync_now
/backup_now`

func (b *Bot) executeCommand(ctx context.Context, text string, chatID, userID int64) string {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return ""
	}
	// Commands in groups arrive as /cmd@botname.
	cmd, _, _ := strings.Cut(strings.ToLower(parts[0]), "@")
	args := parts[1:]
	actor := fmt.Sprintf("tg:user=%d,chat=%d", userID, chatID)

	switch cmd {
	case "/help", "/start":
		return helpText
	case "/key":
		if len(args) < 1 {
			return "Usage: /key <key_id>"
		}
		keyID, ok := parseKeyID(args[0])
		if !ok {
			return "Invalid key id"
		}
		k, err := b.store.GetKey(ctx, keyID)
		if err != nil {
			return "Failed: " + err.Error()
		}
		return describeKey(k, b.clock.Now().UTC())
	case "/fulfil":
		if b.admin == nil {
			return "Provisioning is not available."
		}
		if len(args) < 1 {
			return "Usage: /fulfil <payment_id>"
		}
		res, err := b.admin.ForceFulfil(ctx, args[0])
		if err != nil {
			return "Failed: " + err.Error()
		}
		b.audit(ctx, actor, "tg_fulfil", "payment="+args[0])
		state := "applied"
		if !res.Applied {
			state = "already applied"
		}
		return fmt.Sprintf("OK: payment %s %s, key #%d expires %s", res.PaymentID, state, res.Key.KeyID, res.Key.ExpiryAt.Format(time.RFC3339))
	case "/key_delete":
		if b.admin == nil {
			return "Provisioning is not available."
		}
		if len(args) < 1 {
			return "Usage: /key_delete <key_id>"
		}
		keyID, ok := parseKeyID(args[0])
		if !ok {
			return "Invalid key id"
		}
		deleted, err := b.admin.DeleteKey(ctx, keyID)
		if errors.Is(err, failure.NotFound) || (err == nil && !deleted) {
			return "Key not found"
		}
		if err != nil {
			return "Failed: " + err.Error()
		}
		b.audit(ctx, actor, "tg_key_delete", args[0])
		return "OK: key deleted from panel and store"
	case "/autorenew":
		if b.admin == nil {
			return "Provisioning is not available."
		}
		if len(args) < 2 {
			return "Usage: /autorenew <key_id> on|off"
		}
		keyID, ok := parseKeyID(args[0])
		if !ok {
			return "Invalid key id"
		}
		enabled, ok := parseSwitch(args[1])
		if !ok {
			return "Usage: /autorenew <key_id> on|off"
		}
		if err := b.admin.SetAutoRenewal(ctx, keyID, enabled); err != nil {
			if errors.Is(err, failure.NotFound) {
				return "Key not found"
			}
			return "Failed: " + err.Error()
		}
		return fmt.Sprintf("OK: auto-renewal of key #%d is %s", keyID, onOff(enabled))
	case "/key_enable":
		if b.admin == nil {
			return "Provisioning is not available."
		}
		if len(args) < 2 {
			return "Usage: /key_enable <key_id> on|off"
		}
		keyID, ok := parseKeyID(args[0])
		if !ok {
			return "Invalid key id"
		}
		enabled, ok := parseSwitch(args[1])
		if !ok {
			return "Usage: /key_enable <key_id> on|off"
		}
		if err := b.admin.SetKeyEnabled(ctx, keyID, enabled); err != nil {
			if errors.Is(err, failure.NotFound) {
				return "Key not found"
			}
			return "Failed: " + err.Error()
		}
		b.audit(ctx, actor, "tg_key_enable", fmt.Sprintf("key=%d enabled=%t", keyID, enabled))
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return fmt.Sprintf("OK: key #%d is %s on the panel", keyID, state)
	case "/probe":
		if b.admin == nil {
			return "Provisioning is not available."
		}
		if len(args) < 1 {
			return "Usage: /probe <host>"
		}
		if err := b.admin.ProbeHost(ctx, args[0]); err != nil {
			return "Probe failed: " + err.Error()
		}
		return "OK: " + args[0] + " is reachable"
	case "/resend":
		if b.ops == nil {
			return "Scheduler is not available."
		}
		if len(args) < 3 {
			return "Usage: /resend <key_id> <marker> <hours>"
		}
		keyID, ok := parseKeyID(args[0])
		if !ok {
			return "Invalid key id"
		}
		hours, err := strconv.Atoi(args[2])
		if err != nil || hours < 0 {
			return "Invalid hours"
		}
		if err := b.ops.ForceEmit(ctx, keyID, args[1], hours); err != nil {
			return "Failed: " + err.Error()
		}
		b.audit(ctx, actor, "tg_resend", fmt.Sprintf("key=%d marker=%s hours=%d", keyID, args[1], hours))
		return "OK: notification re-sent"
	case "/pending":
		var lines []string
		for _, status := range []string{store.TxStatusPanelApplied, store.TxStatusFailed} {
			items, err := b.store.ListTransactions(ctx, status, 10)
			if err != nil {
				return "Failed: " + err.Error()
			}
			for _, tx := range items {
				lines = append(lines, fmt.Sprintf("- %s | owner=%d | %s | %s %s", tx.PaymentID, tx.OwnerID, tx.Status, tx.Amount.StringFixed(2), tx.Method))
			}
		}
		if len(lines) == 0 {
			return "No payments waiting."
		}
		return "Payments needing attention:\n" + strings.Join(lines, "\n")
	case "/sync_now":
		if b.ops == nil {
			return "Scheduler is not available."
		}
		r, err := b.ops.SyncPanels(ctx)
		if err != nil {
			return "Sync failed: " + err.Error()
		}
		b.audit(ctx, actor, "sync_now", "manual trigger")
		return fmt.Sprintf("OK: hosts=%d errors=%d corrected=%d missing=%d removed=%d orphans=%d deleted=%d pruned=%d",
			r.Hosts, r.HostErrors, r.Corrected, r.Missing, r.Removed, r.Orphans, r.OrphansDeleted, r.Pruned)
	case "/backup_now":
		if b.backups == nil {
			return "Backups are not available."
		}
		res, err := b.backups.RunOnce(ctx)
		if err != nil {
			return "Backup failed: " + err.Error()
		}
		return fmt.Sprintf("OK: %s (%d bytes, pruned %d)", res.File.Name, res.File.Size, res.Pruned)
	default:
		return "Unknown command. Use /help"
	}
}

func (b *Bot) audit(ctx context.Context, actor, action, detail string) {
	if err := b.store.InsertAuditLog(ctx, actor, action, detail); err != nil {
		b.logger.Warn("audit log write failed", "err", err)
	}
}

func parseKeyID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(raw), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func parseSwitch(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "1":
		return true, true
	case "off", "false", "0":
		return false, true
	}
	return false, false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func describeKey(k store.Key, now time.Time) string {
	lines := []string{
		fmt.Sprintf("key #%d owner=%d", k.ID, k.OwnerID),
		"status=" + k.Status(now),
		"host=" + k.HostName,
		"email=" + k.Email,
		"uuid=" + maskUUID(k.RemoteUUID),
		"expires=" + k.ExpiryAt.Format(time.RFC3339),
		fmt.Sprintf("auto_renewal=%t plan=%s", k.AutoRenewal, k.PlanRef),
	}
	if k.RevokedAt != nil {
		lines = append(lines, "revoked="+k.RevokedAt.Format(time.RFC3339))
	}
	return strings.Join(lines, "\n")
}

func maskUUID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 8 {
		return id
	}
	return id[:4] + "..." + id[len(id)-4:]
}
