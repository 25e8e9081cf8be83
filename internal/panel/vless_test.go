package panel

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestConnectionStringRoundTrip(t *testing.T) {
	t.Parallel()
	r := Reality{PublicKey: "k+/=", Fingerprint: "chrome", ServerName: "www.example.org", ShortID: "0a1b"}
	s := ConnectionString("vpn.example.com", 443, "11111111-2222-3333-4444-555555555555", r, "de 1")

	if !strings.HasPrefix(s, "vless://11111111-2222-3333-4444-555555555555@vpn.example.com:443?type=tcp&security=reality&pbk=") {
		t.Fatalf("unexpected prefix: %s", s)
	}
	if !strings.Contains(s, "&spx=%2F&flow=xtls-rprx-vision#") {
		t.Fatalf("missing fixed params: %s", s)
	}

	v, err := ParseConnectionString(s)
	if err != nil {
		t.Fatalf("ParseConnectionString error: %v", err)
	}
	if v.Reality != r || v.Remark != "de 1" || v.Host != "vpn.example.com" || v.Port != 443 {
		t.Fatalf("round trip mismatch: %+v", v)
	}
	if v.Network != "tcp" || v.Security != "reality" || v.Flow != defaultFlow {
		t.Fatalf("unexpected transport fields: %+v", v)
	}
	if again := ConnectionString(v.Host, v.Port, v.UUID, v.Reality, v.Remark); again != s {
		t.Fatalf("encode not deterministic:\n%s\n%s", s, again)
	}
}

func TestParseConnectionStringRejectsForeignInput(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "https://example.com", "vless://@host:443", "vless://id@host:port"} {
		if _, err := ParseConnectionString(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestRealityFromStream(t *testing.T) {
	t.Parallel()

	quoted, _ := json.Marshal(testStream)
	for name, raw := range map[string]json.RawMessage{
		"object": json.RawMessage(testStream),
		"string": json.RawMessage(quoted),
	} {
		r, err := RealityFromStream(raw)
		if err != nil {
			t.Fatalf("%s: RealityFromStream error: %v", name, err)
		}
		if r.PublicKey != "PUBKEY" || r.Fingerprint != "firefox" || r.ServerName != "www.example.org" || r.ShortID != "ab12" {
			t.Fatalf("%s: unexpected reality: %+v", name, r)
		}
	}

	if _, err := RealityFromStream(json.RawMessage(`{"network":"ws"}`)); err == nil {
		t.Fatalf("expected error for non-reality stream")
	}
}

func TestQuotaBytes(t *testing.T) {
	t.Parallel()
	cases := map[float64]int64{
		0:    0,
		-3:   0,
		1:    1073741824,
		0.5:  536870912,
		1e-9: 1,
	}
	for in, want := range cases {
		if got := QuotaBytes(in); got != want {
			t.Fatalf("QuotaBytes(%v)=%d want=%d", in, got, want)
		}
	}
}
