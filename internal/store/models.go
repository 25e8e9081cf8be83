package store

import (
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KeyStatusTrialActive = "trial-active"
	KeyStatusTrialEnded  = "trial-ended"
	KeyStatusPayActive   = "pay-active"
	KeyStatusPayEnded    = "pay-ended"

	ProvisionModeKey          = "key"
	ProvisionModeSubscription = "subscription"

	TxStatusPending      = "pending"
	TxStatusPanelApplied = "panel_applied"
	TxStatusSucceeded    = "succeeded"
	TxStatusFailed       = "failed"

	MarkerStatusSent   = "sent"
	MarkerStatusResent = "resent"
	MarkerStatusFailed = "failed"

	MarkerSubscriptionExpiry    = "subscription_expiry"
	MarkerAutoRenewNotice       = "subscription_autorenew_notice"
	MarkerAutoRenewalCharge     = "auto_renewal_charge"
	MarkerAutoRenewDisabled     = "subscription_autorenew_disabled"
	MarkerPlanUnavailable       = "subscription_plan_unavailable"
	MarkerKeyRevocation         = "key_revocation"
	NotificationBalanceDeducted = "balance_deduction"
	NotificationPurchaseSuccess = "purchase_success"
)

// User is the subscription context of one owner. The core reads balance and
// writes debits and lifetime totals; the rest is authored elsewhere.
type User struct {
	OwnerID            int64           `json:"owner_id"`
	Username           string          `json:"username"`
	Balance            decimal.Decimal `json:"balance"`
	TotalSpent         decimal.Decimal `json:"total_spent"`
	TotalMonths        int             `json:"total_months"`
	TrialUsed          bool            `json:"trial_used"`
	AutoRenewalDefault bool            `json:"auto_renewal_default"`
	ReferredBy         *int64          `json:"referred_by,omitempty"`
	Timezone           string          `json:"timezone"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Host is the configuration of one panel endpoint.
type Host struct {
	Name      string `json:"host_name"`
	URL       string `json:"host_url"`
	Username  string `json:"host_username"`
	Password  string `json:"-"`
	InboundID int    `json:"host_inbound_id"`
	Code      string `json:"host_code"`
}

// Plan is a purchase unit bound to a host.
type Plan struct {
	ID            string          `json:"plan_id"`
	HostName      string          `json:"host_ref"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	DurationDays  int             `json:"duration_days"`
	DurationHours int             `json:"duration_hours"`
	QuotaGB       float64         `json:"quota_gb"`
	ProvisionMode string          `json:"provision_mode"`
}

func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays)*24*time.Hour + time.Duration(p.DurationHours)*time.Hour
}

// Months is the lifetime-total contribution of one purchase of p.
func (p Plan) Months() int {
	if p.DurationDays < 30 {
		return 0
	}
	return p.DurationDays / 30
}

func (p Plan) SubscriptionMode() bool {
	return p.ProvisionMode == ProvisionModeSubscription
}

// Key is the local record of one panel client.
type Key struct {
	ID               int64           `json:"key_id"`
	OwnerID          int64           `json:"owner_id"`
	HostName         string          `json:"host_name"`
	RemoteUUID       string          `json:"remote_uuid"`
	Email            string          `json:"email"`
	ExpiryAt         time.Time       `json:"expiry_at"`
	CreatedAt        time.Time       `json:"created_at"`
	IsTrial          bool            `json:"is_trial"`
	AutoRenewal      bool            `json:"auto_renewal"`
	PlanRef          string          `json:"plan_ref"`
	Price            decimal.Decimal `json:"price"`
	SubscriptionID   string          `json:"subscription_id,omitempty"`
	SubscriptionLink string          `json:"subscription_link,omitempty"`
	RevokedAt        *time.Time      `json:"revoked_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Status derives the lifecycle state at now. It is never persisted.
func (k Key) Status(now time.Time) string {
	active := k.RevokedAt == nil && !k.ExpiryAt.IsZero() && k.ExpiryAt.After(now)
	switch {
	case k.IsTrial && active:
		return KeyStatusTrialActive
	case k.IsTrial:
		return KeyStatusTrialEnded
	case active:
		return KeyStatusPayActive
	default:
		return KeyStatusPayEnded
	}
}

var keyEmailPattern = regexp.MustCompile(`^user(\d+)-key(\d+)@([A-Za-z0-9_.-]+)\.bot$`)

// KeyEmail builds the panel-side client label for key number n.
func KeyEmail(ownerID int64, n int, hostCode string) string {
	return "user" + strconv.FormatInt(ownerID, 10) + "-key" + strconv.Itoa(n) + "@" + hostCode + ".bot"
}

// ParseKeyEmail splits a label built by KeyEmail. ok is false for foreign
// labels, which panel sync treats as not owned by this engine.
func ParseKeyEmail(email string) (ownerID int64, n int, hostCode string, ok bool) {
	m := keyEmailPattern.FindStringSubmatch(email)
	if m == nil {
		return 0, 0, "", false
	}
	ownerID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	n, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, "", false
	}
	return ownerID, n, m[3], true
}

// Transaction is the idempotency record of one payment_id.
type Transaction struct {
	ID        int64           `json:"id"`
	PaymentID string          `json:"payment_id"`
	OwnerID   int64           `json:"owner_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Metadata  string          `json:"metadata"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	KeyID     *int64          `json:"key_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Receipt is the snapshot stored with a succeeded transaction so a replay
// returns exactly what the first call returned.
type Receipt struct {
	KeyID            int64     `json:"key_id"`
	OwnerID          int64     `json:"owner_id"`
	HostName         string    `json:"host_name"`
	RemoteUUID       string    `json:"remote_uuid"`
	Email            string    `json:"email"`
	ExpiryAt         time.Time `json:"expiry_at"`
	IsTrial          bool      `json:"is_trial"`
	ConnectionString string    `json:"connection_string,omitempty"`
	SubscriptionLink string    `json:"subscription_link,omitempty"`
	Token            string    `json:"token"`
}

// Marker is one notifications row.
type Marker struct {
	ID       int64      `json:"id"`
	OwnerID  int64      `json:"owner_id"`
	KeyID    int64      `json:"key_id"`
	Kind     string     `json:"kind"`
	Hours    int        `json:"marker_hours"`
	Deadline *time.Time `json:"deadline_at,omitempty"`
	SentAt   time.Time  `json:"sent_at"`
	Status   string     `json:"status"`
	Message  string     `json:"message,omitempty"`
}

// MarkerWrite describes a marker to insert. Deadline is the expiry the marker
// refers to; a renewal moves the deadline and re-arms the marker.
type MarkerWrite struct {
	OwnerID  int64
	KeyID    int64
	Kind     string
	Hours    int
	Deadline time.Time
	Status   string
	Message  string
}

// Token is a permanent cabinet token row.
type Token struct {
	Token    string    `json:"token"`
	OwnerID  int64     `json:"owner_id"`
	KeyID    int64     `json:"key_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenLookup is a token joined with its key; Key is nil when the key row is
// gone.
type TokenLookup struct {
	Token
	Key *Key
}

// AuditLog records operator and background actions.
type AuditLog struct {
	ID        int64
	Actor     string
	Action    string
	Detail    string
	CreatedAt time.Time
}
