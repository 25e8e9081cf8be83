package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

const timeLayout = "02.01.2006 15:04 MST"

// FormatTime renders t in loc, or UTC when loc is nil.
func FormatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "never"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(timeLayout)
}

// FormatMoney renders an amount with two decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatQuota renders a byte quota; zero or negative means unlimited.
func FormatQuota(total int64, remaining *int64) string {
	if total <= 0 {
		return "unlimited"
	}
	if remaining == nil {
		return humanize.IBytes(uint64(total))
	}
	left := *remaining
	if left < 0 {
		left = 0
	}
	return humanize.IBytes(uint64(left)) + " of " + humanize.IBytes(uint64(total)) + " left"
}

// KeySummary is the body of a key-info message.
func KeySummary(info KeyInfo) string {
	var b strings.Builder
	if info.Headline != "" {
		b.WriteString(info.Headline + "\n\n")
	}
	kind := "Key"
	if info.IsTrial {
		kind = "Trial key"
	}
	fmt.Fprintf(&b, "%s #%d (%s)\n", kind, info.KeyID, info.HostName)
	fmt.Fprintf(&b, "Valid until: %s\n", FormatTime(info.ExpiryAt, info.Location))
	fmt.Fprintf(&b, "Traffic: %s\n", FormatQuota(info.QuotaTotalBytes, info.QuotaRemainingBytes))
	switch {
	case info.SubscriptionLink != "":
		fmt.Fprintf(&b, "\nSubscription:\n%s\n", info.SubscriptionLink)
	case info.ConnectionString != "":
		fmt.Fprintf(&b, "\nConnection:\n%s\n", info.ConnectionString)
	}
	if info.CabinetURL != "" {
		fmt.Fprintf(&b, "\nCabinet:\n%s\n", info.CabinetURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// KeyButtons links the cabinet when a URL is known.
func KeyButtons(info KeyInfo) []Button {
	if info.CabinetURL == "" {
		return nil
	}
	return []Button{{Text: "Open cabinet", URL: info.CabinetURL}}
}

// PurchaseSuccess heads the key card sent after a paid fulfil.
const PurchaseSuccess = "Payment received, your key is ready."

// ExpiryWarning is sent at the 24h and 1h marks before expiry.
func ExpiryWarning(info KeyInfo, now time.Time) string {
	return fmt.Sprintf("Key #%d expires %s (%s). Renew it to stay connected.",
		info.KeyID, humanize.RelTime(info.ExpiryAt, now, "ago", "from now"), FormatTime(info.ExpiryAt, info.Location))
}

func AutoRenewNotice(info KeyInfo, price decimal.Decimal, now time.Time) string {
	return fmt.Sprintf("Key #%d will be renewed automatically %s. %s will be charged from your balance.",
		info.KeyID, humanize.RelTime(info.ExpiryAt, now, "ago", "from now"), FormatMoney(price))
}

func BalanceDeducted(info KeyInfo, amount, balance decimal.Decimal) string {
	return fmt.Sprintf("Key #%d was renewed until %s. %s was charged, balance is now %s.",
		info.KeyID, FormatTime(info.ExpiryAt, info.Location), FormatMoney(amount), FormatMoney(balance))
}

func AutoRenewDisabled(info KeyInfo, reason string) string {
	msg := fmt.Sprintf("Key #%d expires %s and will not be renewed automatically.",
		info.KeyID, FormatTime(info.ExpiryAt, info.Location))
	if reason != "" {
		msg += " " + reason
	}
	return msg
}

func PlanUnavailable(info KeyInfo) string {
	return fmt.Sprintf("The plan of key #%d is no longer offered, so it cannot be renewed. Pick a new plan before %s.",
		info.KeyID, FormatTime(info.ExpiryAt, info.Location))
}

func KeyRevoked(info KeyInfo) string {
	return fmt.Sprintf("Key #%d expired on %s and has been removed from the server.",
		info.KeyID, FormatTime(info.ExpiryAt, info.Location))
}
