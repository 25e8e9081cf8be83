// Package notify defines the chat-notifier capability the engine talks to
// and renders the messages it sends.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/config"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Button is an inline keyboard entry. Exactly one of URL and Data is set.
type Button struct {
	Text string
	URL  string
	Data string
}

// KeyInfo is the key snapshot handed to the notifier.
type KeyInfo struct {
	// Headline, when set, opens the message above the key card.
	Headline string

	KeyID               int64
	Email               string
	HostName            string
	ExpiryAt            time.Time
	IsTrial             bool
	ConnectionString    string
	SubscriptionLink    string
	CabinetURL          string
	QuotaTotalBytes     int64
	QuotaRemainingBytes *int64

	// Location is the zone ExpiryAt is rendered in. Nil means UTC.
	Location *time.Location
}

// Notifier delivers messages to an owner. Delivery is best effort; callers
// log failures and move on.
type Notifier interface {
	SendText(ctx context.Context, ownerID int64, text string, buttons []Button) error
	SendKeyInfo(ctx context.Context, ownerID int64, info KeyInfo) error
}

// Log is a Notifier that only writes what it would have sent to the log.
// It is used when no chat transport is configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logpkg.OrDiscard(logger)}
}

func (l *Log) SendText(_ context.Context, ownerID int64, text string, buttons []Button) error {
	l.logger.Info("notify text", "owner", ownerID, "buttons", len(buttons), "text", text)
	return nil
}

func (l *Log) SendKeyInfo(_ context.Context, ownerID int64, info KeyInfo) error {
	l.logger.Info("notify key info", "owner", ownerID, "key", info.KeyID, "email", info.Email, "expiry", info.ExpiryAt)
	return nil
}

// Discard drops every message.
type Discard struct{}

func (Discard) SendText(context.Context, int64, string, []Button) error { return nil }
func (Discard) SendKeyInfo(context.Context, int64, KeyInfo) error       { return nil }

// OrDiscard returns n, or Discard when n is nil.
func OrDiscard(n Notifier) Notifier {
	if n == nil {
		return Discard{}
	}
	return n
}

// FromKey copies the fields of a stored key. Location and CabinetURL are
// left for the caller.
func FromKey(k store.Key) KeyInfo {
	return KeyInfo{
		KeyID:            k.ID,
		Email:            k.Email,
		HostName:         k.HostName,
		ExpiryAt:         k.ExpiryAt,
		IsTrial:          k.IsTrial,
		SubscriptionLink: k.SubscriptionLink,
	}
}

// FromReceipt copies the fields of a fulfil receipt.
func FromReceipt(r store.Receipt) KeyInfo {
	return KeyInfo{
		KeyID:            r.KeyID,
		Email:            r.Email,
		HostName:         r.HostName,
		ExpiryAt:         r.ExpiryAt,
		IsTrial:          r.IsTrial,
		ConnectionString: r.ConnectionString,
		SubscriptionLink: r.SubscriptionLink,
	}
}

// Localize sets the display zone and, when token is known, the cabinet link.
func Localize(info KeyInfo, rt config.Runtime, userTimezone, token string) KeyInfo {
	info.Location = rt.DisplayLocation(userTimezone)
	if token != "" {
		info.CabinetURL = rt.CabinetURL(token)
	}
	return info
}
