package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultFlow        = "xtls-rprx-vision"
	defaultFingerprint = "chrome"
)

// Reality holds the inbound values a client needs to reach a reality
// listener.
type Reality struct {
	PublicKey   string
	Fingerprint string
	ServerName  string
	ShortID     string
}

// Vless is a decoded vless:// connection string.
type Vless struct {
	UUID     string
	Host     string
	Port     int
	Network  string
	Security string
	Flow     string
	Reality  Reality
	Remark   string
}

type streamSettings struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

// RealityFromStream extracts the reality values from an inbound's
// streamSettings.
func RealityFromStream(raw json.RawMessage) (Reality, error) {
	var ss streamSettings
	if err := decodeEmbedded(raw, &ss); err != nil {
		return Reality{}, fmt.Errorf("decode stream settings: %w", err)
	}
	rs := ss.RealitySettings
	if strings.TrimSpace(rs.Settings.PublicKey) == "" || len(rs.ServerNames) == 0 || len(rs.ShortIDs) == 0 {
		return Reality{}, fmt.Errorf("inbound has no reality settings")
	}
	fp := strings.TrimSpace(rs.Settings.Fingerprint)
	if fp == "" {
		fp = defaultFingerprint
	}
	return Reality{
		PublicKey:   rs.Settings.PublicKey,
		Fingerprint: fp,
		ServerName:  rs.ServerNames[0],
		ShortID:     rs.ShortIDs[0],
	}, nil
}

// ConnectionString composes the vless URI for clientUUID. The output depends
// only on its inputs.
func ConnectionString(hostname string, port int, clientUUID string, r Reality, remark string) string {
	var b strings.Builder
	b.WriteString("vless://")
	b.WriteString(clientUUID)
	b.WriteString("@")
	b.WriteString(hostname)
	b.WriteString(":")
	b.WriteString(strconv.Itoa(port))
	b.WriteString("?type=tcp&security=reality")
	b.WriteString("&pbk=" + url.QueryEscape(r.PublicKey))
	b.WriteString("&fp=" + url.QueryEscape(r.Fingerprint))
	b.WriteString("&sni=" + url.QueryEscape(r.ServerName))
	b.WriteString("&sid=" + url.QueryEscape(r.ShortID))
	b.WriteString("&spx=%2F")
	b.WriteString("&flow=" + defaultFlow)
	b.WriteString("#" + url.PathEscape(remark))
	return b.String()
}

// ParseConnectionString is the inverse of ConnectionString.
func ParseConnectionString(s string) (Vless, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return Vless{}, fmt.Errorf("parse connection string: %w", err)
	}
	if u.Scheme != "vless" {
		return Vless{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return Vless{}, fmt.Errorf("connection string has no client id")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return Vless{}, fmt.Errorf("invalid port %q", u.Port())
	}
	q := u.Query()
	return Vless{
		UUID:     u.User.Username(),
		Host:     u.Hostname(),
		Port:     port,
		Network:  q.Get("type"),
		Security: q.Get("security"),
		Flow:     q.Get("flow"),
		Reality: Reality{
			PublicKey:   q.Get("pbk"),
			Fingerprint: q.Get("fp"),
			ServerName:  q.Get("sni"),
			ShortID:     q.Get("sid"),
		},
		Remark: u.Fragment,
	}, nil
}

// decodeEmbedded decodes a field that panels send either as a JSON object or
// as a string holding JSON.
func decodeEmbedded(raw json.RawMessage, v any) error {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			return nil
		}
		return json.Unmarshal([]byte(inner), v)
	}
	return json.Unmarshal(raw, v)
}
