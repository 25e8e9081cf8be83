package provision

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Order kinds. Every kind except KindNew targets an existing key.
const (
	KindNew     = "new"
	KindRenew   = "renew"
	KindExtend  = "extend"
	KindUpgrade = "upgrade"
)

// Payment methods.
const (
	MethodCard    = "card"
	MethodCrypto  = "crypto"
	MethodStars   = "stars"
	MethodTON     = "ton"
	MethodBalance = "balance"
	MethodTrial   = "trial"
	MethodAdmin   = "admin"
)

// Origins label who asked for the fulfil.
const (
	OriginPayment     = "payment"
	OriginAutoRenewal = "auto_renewal"
	OriginAdmin       = "admin"
)

// GuardState is what an Order.Guard sees. Key is nil for new keys.
type GuardState struct {
	Key  *store.Key
	User store.User
	Plan store.Plan
}

// Order is one request to create or extend a key.
type Order struct {
	OwnerID   int64           `json:"owner_id"`
	HostName  string          `json:"host_name"`
	PlanID    string          `json:"plan_id"`
	Kind      string          `json:"kind"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	KeyID     int64           `json:"key_id,omitempty"`
	Comment   string          `json:"comment,omitempty"`
	IsTrial   bool            `json:"is_trial,omitempty"`
	Origin    string          `json:"origin,omitempty"`

	// Guard runs under the key lock right before the panel call. A non-nil
	// error aborts the fulfil without touching the panel.
	Guard func(GuardState) error `json:"-"`

	// Marker is committed in the same transaction as the key update.
	Marker *store.MarkerWrite `json:"-"`
}

func (o Order) validate() error {
	switch o.Kind {
	case KindNew, KindRenew, KindExtend, KindUpgrade:
	default:
		return failure.New(failure.Validation, "unknown order kind %q", o.Kind)
	}
	switch o.Method {
	case MethodCard, MethodCrypto, MethodStars, MethodTON, MethodBalance, MethodTrial, MethodAdmin:
	default:
		return failure.New(failure.Validation, "unknown payment method %q", o.Method)
	}
	switch {
	case strings.TrimSpace(o.PaymentID) == "":
		return failure.New(failure.Validation, "payment id is required")
	case o.OwnerID == 0:
		return failure.New(failure.Validation, "owner id is required")
	case strings.TrimSpace(o.PlanID) == "":
		return failure.New(failure.Validation, "plan is required")
	case o.Kind != KindNew && o.KeyID == 0:
		return failure.New(failure.Validation, "%s order needs a key id", o.Kind)
	case o.Kind == KindNew && o.KeyID != 0:
		return failure.New(failure.Validation, "new order must not carry a key id")
	case o.Amount.IsNegative():
		return failure.New(failure.Validation, "amount must not be negative")
	case o.IsTrial && o.Kind != KindNew:
		return failure.New(failure.Validation, "trial can only create a key")
	}
	return nil
}

func (o Order) origin() string {
	if o.Origin == "" {
		return OriginPayment
	}
	return o.Origin
}

// FulfilResult is the key as the panel confirmed it. Applied is false when
// the call was answered from an earlier fulfil with the same payment id.
type FulfilResult struct {
	Key       store.Receipt
	PaymentID string
	Applied   bool
}

// attempt is the transaction metadata. Panel is set once the panel has
// accepted the change; a later call with the same payment id commits from it
// instead of calling the panel again.
type attempt struct {
	Order Order         `json:"order"`
	Email string        `json:"email"`
	Plan  store.Plan    `json:"plan"`
	Panel *panelOutcome `json:"panel,omitempty"`
}

type panelOutcome struct {
	RemoteUUID       string    `json:"remote_uuid"`
	ExpiryAt         time.Time `json:"expiry_at"`
	Created          bool      `json:"created"`
	SubscriptionID   string    `json:"subscription_id,omitempty"`
	SubscriptionLink string    `json:"subscription_link,omitempty"`
	ConnectionString string    `json:"connection_string,omitempty"`
	// Previous is the client state before the upsert, kept so a rejected
	// commit can put it back. Nil when the upsert created the client.
	Previous *panel.ClientSnapshot `json:"previous,omitempty"`
}

func (a attempt) encode() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", failure.Wrap(err, failure.Validation, "encode order metadata")
	}
	return string(raw), nil
}

func decodeAttempt(raw string) (attempt, error) {
	var a attempt
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return attempt{}, failure.Wrap(err, failure.Validation, "decode order metadata")
	}
	return a, nil
}
