package panel

import (
	"encoding/json"
	"math"
	"time"

	"github.com/vpnshop-bot/keyengine/internal/store"
)

const bytesPerGiB = 1024 * 1024 * 1024

// envelope is the response wrapper every panel endpoint uses.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Inbound is the subset of a panel inbound the engine reads.
type Inbound struct {
	ID             int             `json:"id"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings"`
	StreamSettings json.RawMessage `json:"streamSettings"`
	ClientStats    []ClientStat    `json:"clientStats"`

	clients []InboundClient
}

// InboundClient is one entry of settings.clients.
type InboundClient struct {
	ID         string  `json:"id"`
	Flow       string  `json:"flow"`
	Email      string  `json:"email"`
	LimitIP    int     `json:"limitIp"`
	TotalGB    float64 `json:"totalGB"`
	Total      int64   `json:"total"`
	ExpiryTime int64   `json:"expiryTime"`
	Enable     bool    `json:"enable"`
	TgID       any     `json:"tgId,omitempty"`
	SubID      string  `json:"subId"`
	Comment    string  `json:"comment,omitempty"`
	Reset      int     `json:"reset"`
}

// ClientStat is one entry of clientStats, reported per email.
type ClientStat struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
}

type inboundSettings struct {
	Clients []InboundClient `json:"clients"`
}

// Clients decodes settings.clients once.
func (in *Inbound) Clients() ([]InboundClient, error) {
	if in.clients != nil {
		return in.clients, nil
	}
	var s inboundSettings
	if err := decodeEmbedded(in.Settings, &s); err != nil {
		return nil, err
	}
	if s.Clients == nil {
		s.Clients = []InboundClient{}
	}
	in.clients = s.Clients
	return in.clients, nil
}

func (in *Inbound) findClient(email, clientUUID string) (InboundClient, bool, error) {
	clients, err := in.Clients()
	if err != nil {
		return InboundClient{}, false, err
	}
	for _, c := range clients {
		if (clientUUID != "" && c.ID == clientUUID) || (email != "" && c.Email == email) {
			return c, true, nil
		}
	}
	return InboundClient{}, false, nil
}

func (in *Inbound) stat(email string) (ClientStat, bool) {
	for _, s := range in.ClientStats {
		if s.Email == email {
			return s, true
		}
	}
	return ClientStat{}, false
}

// UpsertRequest creates the client when email is unknown on the inbound and
// extends it otherwise.
type UpsertRequest struct {
	Email      string
	Add        time.Duration
	QuotaGB    float64
	Comment    string
	SubID      string
	TelegramID int64
}

type UpsertResult struct {
	RemoteUUID       string
	Expiry           time.Time
	Created          bool
	SubID            string
	ConnectionString string

	// Previous is the client as it was before an extension. It is nil when
	// the upsert created the client.
	Previous *ClientSnapshot
}

// ClientSnapshot is the part of a client an upsert overwrites, kept so the
// change can be reverted.
type ClientSnapshot struct {
	// ExpiryMillis is the raw panel value; zero and negative values keep
	// their panel meaning on restore.
	ExpiryMillis int64   `json:"expiry_ms"`
	TotalBytes   int64   `json:"total_bytes"`
	TotalGB      float64 `json:"total_gb"`
	Enabled      bool    `json:"enabled"`
}

func snapshotOf(c InboundClient) *ClientSnapshot {
	return &ClientSnapshot{
		ExpiryMillis: c.ExpiryTime,
		TotalBytes:   c.Total,
		TotalGB:      c.TotalGB,
		Enabled:      c.Enable,
	}
}

// ExpiryMillis is the panel's representation of Expiry.
func (r UpsertResult) ExpiryMillis() int64 { return r.Expiry.UnixMilli() }

// Details is the normalised client state regardless of which panel array it
// came from.
type Details struct {
	RemoteUUID          string
	Email               string
	Enabled             bool
	Expiry              time.Time
	RemainingSeconds    int64
	QuotaTotalBytes     int64
	QuotaRemainingBytes *int64
	TrafficUpBytes      int64
	TrafficDownBytes    int64
	SubID               string
	SubscriptionLink    string
	ConnectionString    string
}

// Status is the lifecycle label of the client as seen by the panel.
func (d Details) Status(isTrial bool) string {
	active := d.RemainingSeconds > 0 && d.Enabled
	switch {
	case isTrial && active:
		return store.KeyStatusTrialActive
	case isTrial:
		return store.KeyStatusTrialEnded
	case active:
		return store.KeyStatusPayActive
	default:
		return store.KeyStatusPayEnded
	}
}

// ClientState is one panel client as listed for reconciliation.
type ClientState struct {
	RemoteUUID string
	Email      string
	Enabled    bool
	Expiry     time.Time
}

// QuotaBytes converts a GiB quota to whole bytes. Non-positive input means
// unlimited and yields 0.
func QuotaBytes(gib float64) int64 {
	if gib <= 0 {
		return 0
	}
	return int64(math.Round(gib * bytesPerGiB))
}

func millisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
