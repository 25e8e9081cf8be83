package panel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestClient(clk *testclock.Clock) *Client {
	return NewClient(WithClock(clk), WithRateLimit(1000), WithTimeout(5*time.Second))
}

func TestUpsertClientCreatesThenExtends(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	clk := testclock.NewClock(testNow)
	c := newTestClient(clk)

	email := "user123456790-key1@de1.bot"
	first, err := c.UpsertClient(t.Context(), f.host(), UpsertRequest{Email: email, Add: 30 * 24 * time.Hour, QuotaGB: 1.5, SubID: "sub-1"})
	if err != nil {
		t.Fatalf("UpsertClient error: %v", err)
	}
	if !first.Created || first.RemoteUUID == "" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if want := testNow.Add(30 * 24 * time.Hour); !first.Expiry.Equal(want) {
		t.Fatalf("expiry got=%s want=%s", first.Expiry, want)
	}
	stored, ok := f.client(email)
	if !ok {
		t.Fatalf("client not created on panel")
	}
	if stored.Total != 1610612736 || stored.TotalGB != 1.5 {
		t.Fatalf("quota push got total=%d totalGB=%v", stored.Total, stored.TotalGB)
	}
	if pushes := f.pushes(); len(pushes) != 1 || pushes[0].Get("id") != "7" {
		t.Fatalf("expected one form push for inbound 7, got %v", pushes)
	}

	v, err := ParseConnectionString(first.ConnectionString)
	if err != nil {
		t.Fatalf("ParseConnectionString error: %v", err)
	}
	if v.UUID != first.RemoteUUID || v.Port != 443 || v.Reality.PublicKey != "PUBKEY" || v.Reality.ServerName != "www.example.org" || v.Remark != "de1" {
		t.Fatalf("unexpected connection string: %+v", v)
	}

	second, err := c.UpsertClient(t.Context(), f.host(), UpsertRequest{Email: email, Add: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("second UpsertClient error: %v", err)
	}
	if second.Created || second.RemoteUUID != first.RemoteUUID {
		t.Fatalf("expected in-place extension, got %+v", second)
	}
	if want := first.Expiry.Add(30 * 24 * time.Hour); !second.Expiry.Equal(want) {
		t.Fatalf("extended expiry got=%s want=%s", second.Expiry, want)
	}
	if second.SubID != "sub-1" {
		t.Fatalf("subId lost on extension: %q", second.SubID)
	}
}

func TestUpsertClientExpiryEqualToNowUsesNow(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.clients = []InboundClient{{ID: "c-1", Email: "user1-key1@de1.bot", ExpiryTime: testNow.UnixMilli(), Enable: true}}
	c := newTestClient(testclock.NewClock(testNow))

	res, err := c.UpsertClient(t.Context(), f.host(), UpsertRequest{Email: "user1-key1@de1.bot", Add: 24 * time.Hour})
	if err != nil {
		t.Fatalf("UpsertClient error: %v", err)
	}
	if want := testNow.Add(24 * time.Hour); !res.Expiry.Equal(want) {
		t.Fatalf("expiry got=%s want=%s", res.Expiry, want)
	}
}

func TestUpsertClientAppliedDespiteFormPushFailure(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	clk := testclock.NewClock(testNow)
	c := newTestClient(clk)
	h := f.host()
	email := "user5-key1@de1.bot"

	if _, err := c.UpsertClient(t.Context(), h, UpsertRequest{Email: email, Add: 30 * 24 * time.Hour}); err != nil {
		t.Fatalf("UpsertClient error: %v", err)
	}
	f.setDropForm(true)
	res, err := c.UpsertClient(t.Context(), h, UpsertRequest{Email: email, Add: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("UpsertClient with a dropped form push error: %v", err)
	}
	want := testNow.Add(60 * 24 * time.Hour)
	if !res.Expiry.Equal(want) {
		t.Fatalf("expiry got=%s want=%s", res.Expiry, want)
	}
	if res.Previous == nil || res.Previous.ExpiryMillis != testNow.Add(30*24*time.Hour).UnixMilli() {
		t.Fatalf("previous state = %+v", res.Previous)
	}
	stored, _ := f.client(email)
	if stored.ExpiryTime != want.UnixMilli() {
		t.Fatalf("panel expiry got=%d want=%d", stored.ExpiryTime, want.UnixMilli())
	}
	if f.typedPushes() != 2 {
		t.Fatalf("typed pushes=%d want=2", f.typedPushes())
	}
	if _, active := c.Quarantine().Active(h.URL); active {
		t.Fatalf("an applied change must not quarantine the host")
	}
}

func TestRevertUpsert(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	c := newTestClient(testclock.NewClock(testNow))
	h := f.host()
	email := "user6-key1@de1.bot"

	created, err := c.UpsertClient(t.Context(), h, UpsertRequest{Email: email, Add: 24 * time.Hour, QuotaGB: 10})
	if err != nil {
		t.Fatalf("UpsertClient error: %v", err)
	}
	if created.Previous != nil {
		t.Fatalf("created client has previous state: %+v", created.Previous)
	}
	extended, err := c.UpsertClient(t.Context(), h, UpsertRequest{Email: email, Add: 24 * time.Hour, QuotaGB: 50})
	if err != nil {
		t.Fatalf("second UpsertClient error: %v", err)
	}

	if err := c.RevertUpsert(t.Context(), h, email, extended.RemoteUUID, extended.Previous); err != nil {
		t.Fatalf("RevertUpsert error: %v", err)
	}
	stored, _ := f.client(email)
	if stored.ExpiryTime != created.Expiry.UnixMilli() || stored.TotalGB != 10 || !stored.Enable {
		t.Fatalf("client not restored: %+v", stored)
	}

	if err := c.RevertUpsert(t.Context(), h, email, created.RemoteUUID, nil); err != nil {
		t.Fatalf("RevertUpsert of a created client error: %v", err)
	}
	if _, ok := f.client(email); ok {
		t.Fatalf("created client must be deleted on revert")
	}
}

func TestUpsertClientRejectsBadInput(t *testing.T) {
	t.Parallel()
	c := newTestClient(testclock.NewClock(testNow))
	f := newFakePanel(t)

	cases := []UpsertRequest{
		{Email: "", Add: time.Hour},
		{Email: "a@b.bot", Add: 0},
		{Email: "a@b.bot", Add: time.Hour, QuotaGB: -1},
	}
	for _, req := range cases {
		if _, err := c.UpsertClient(t.Context(), f.host(), req); !errors.Is(err, failure.Validation) {
			t.Fatalf("req=%+v err=%v want validation", req, err)
		}
	}
}

func TestClientDetailsPrefersClientStats(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.clients = []InboundClient{{ID: "c-1", Email: "user1-key1@de1.bot", Total: 1000, ExpiryTime: testNow.Add(2 * time.Hour).UnixMilli(), Enable: true, SubID: "abc"}}
	f.stats = []ClientStat{{Email: "user1-key1@de1.bot", Total: 2000, Up: 100, Down: 400}}
	c := newTestClient(testclock.NewClock(testNow))

	d, err := c.ClientDetails(t.Context(), f.host(), "", "c-1")
	if err != nil {
		t.Fatalf("ClientDetails error: %v", err)
	}
	if d.QuotaRemainingBytes == nil || *d.QuotaRemainingBytes != 1500 {
		t.Fatalf("remaining quota got=%v want=1500", d.QuotaRemainingBytes)
	}
	if d.TrafficDownBytes != 400 || d.RemainingSeconds != 7200 {
		t.Fatalf("unexpected details: %+v", d)
	}
	if d.Status(false) != "pay-active" {
		t.Fatalf("status=%s", d.Status(false))
	}
	if !strings.HasSuffix(d.SubscriptionLink, ":2096/feed/abc") || !strings.HasPrefix(d.SubscriptionLink, "http://127.0.0.1") {
		t.Fatalf("subscription link=%q", d.SubscriptionLink)
	}
}

func TestClientDetailsFallsBackToSettingsClients(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.statsOnGet = false
	f.clients = []InboundClient{
		{ID: "c-1", Email: "user1-key1@de1.bot", Total: 1000, ExpiryTime: testNow.Add(-time.Hour).UnixMilli()},
		{ID: "c-2", Email: "user1-key2@de1.bot", ExpiryTime: testNow.Add(time.Hour).UnixMilli(), Enable: true},
	}
	c := newTestClient(testclock.NewClock(testNow))

	d, err := c.ClientDetails(t.Context(), f.host(), "user1-key1@de1.bot", "")
	if err != nil {
		t.Fatalf("ClientDetails error: %v", err)
	}
	if d.QuotaRemainingBytes == nil || *d.QuotaRemainingBytes != 1000 || d.RemainingSeconds != 0 {
		t.Fatalf("unexpected details: %+v", d)
	}
	if d.Status(true) != "trial-ended" {
		t.Fatalf("status=%s", d.Status(true))
	}

	unlimited, err := c.ClientDetails(t.Context(), f.host(), "user1-key2@de1.bot", "")
	if err != nil {
		t.Fatalf("ClientDetails error: %v", err)
	}
	if unlimited.QuotaRemainingBytes != nil {
		t.Fatalf("expected unlimited quota, got %d", *unlimited.QuotaRemainingBytes)
	}

	if _, err := c.ClientDetails(t.Context(), f.host(), "nobody@de1.bot", ""); !errors.Is(err, failure.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubscriptionLinkUsesSubURIAndCaches(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.subSettings = map[string]any{"subURI": "https://sub.example.com/s/"}
	f.clients = []InboundClient{{ID: "c-1", Email: "user1-key1@de1.bot", SubID: "xyz"}}
	c := newTestClient(testclock.NewClock(testNow))

	for i := 0; i < 2; i++ {
		link, err := c.SubscriptionLink(t.Context(), f.host(), "user1-key1@de1.bot")
		if err != nil {
			t.Fatalf("SubscriptionLink error: %v", err)
		}
		if link != "https://sub.example.com/s/xyz" {
			t.Fatalf("link=%q", link)
		}
	}
	if hits := f.settingsHits(); hits != 1 {
		t.Fatalf("settings fetched %d times, want 1", hits)
	}
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	c := newTestClient(testclock.NewClock(testNow))

	h := f.host()
	h.Password = "wrong"
	if _, err := c.Login(t.Context(), h); !errors.Is(err, failure.AuthFailed) {
		t.Fatalf("expected auth failed, got %v", err)
	}

	h = f.host()
	h.InboundID = 99
	if _, err := c.Login(t.Context(), h); !errors.Is(err, failure.InboundMissing) {
		t.Fatalf("expected inbound missing, got %v", err)
	}

	in, err := c.Login(t.Context(), f.host())
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if in.ID != 7 || in.Port != 443 {
		t.Fatalf("unexpected inbound: %+v", in)
	}
}

func TestQuarantineAfterGatewayError(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	clk := testclock.NewClock(testNow)
	c := newTestClient(clk)
	h := f.host()

	f.setStatus(http.StatusBadGateway)
	if _, err := c.Login(t.Context(), h); !errors.Is(err, failure.PanelUnavailable) {
		t.Fatalf("expected panel unavailable, got %v", err)
	}
	if _, active := c.Quarantine().Active(h.URL); !active {
		t.Fatalf("expected host to be quarantined")
	}

	f.setStatus(0)
	_, err := c.Login(t.Context(), h)
	if !errors.Is(err, failure.PanelUnavailable) || !strings.Contains(err.Error(), "quarantined") {
		t.Fatalf("expected quarantine short-circuit, got %v", err)
	}

	if err := c.Probe(t.Context(), h); err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if _, active := c.Quarantine().Active(h.URL); active {
		t.Fatalf("probe success must clear quarantine")
	}
	if _, err := c.Login(t.Context(), h); err != nil {
		t.Fatalf("Login after probe error: %v", err)
	}
}

func TestTimeoutQuarantinesHost(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	c := NewClient(WithClock(testclock.NewClock(testNow)), WithRateLimit(1000), WithTimeout(50*time.Millisecond),
		WithTransport(roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			<-r.Context().Done()
			return nil, r.Context().Err()
		})))

	_, err := c.Login(t.Context(), f.host())
	if !errors.Is(err, failure.HostTimeout) {
		t.Fatalf("expected host timeout, got %v", err)
	}
	if !failure.Retriable(err) {
		t.Fatalf("host timeout must be retriable")
	}
	if _, active := c.Quarantine().Active(f.host().URL); !active {
		t.Fatalf("expected quarantine after timeout")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return fn(r) }

func TestDeleteClientOnHost(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.clients = []InboundClient{{ID: "c-1", Email: "user1-key1@de1.bot"}}
	c := newTestClient(testclock.NewClock(testNow))

	ok, err := c.DeleteClientOnHost(t.Context(), f.host(), "user1-key1@de1.bot", "")
	if err != nil || !ok {
		t.Fatalf("DeleteClientOnHost ok=%v err=%v", ok, err)
	}
	if deletes := f.deleted(); len(deletes) != 1 || deletes[0] != "c-1" {
		t.Fatalf("deletes=%v", deletes)
	}
	ok, err = c.DeleteClientOnHost(t.Context(), f.host(), "user1-key1@de1.bot", "")
	if err != nil || !ok {
		t.Fatalf("second DeleteClientOnHost ok=%v err=%v", ok, err)
	}

	h := f.host()
	h.URL = ""
	if _, err := c.DeleteClientOnHost(t.Context(), h, "x", ""); !errors.Is(err, failure.ConfigurationMissing) {
		t.Fatalf("expected configuration missing, got %v", err)
	}
}

func TestDeleteClientByUUIDSweepsHosts(t *testing.T) {
	t.Parallel()
	broken := newFakePanel(t)
	broken.setStatus(http.StatusServiceUnavailable)
	holder := newFakePanel(t)
	holder.clients = []InboundClient{{ID: "c-9", Email: "user2-key1@nl1.bot"}}
	c := newTestClient(testclock.NewClock(testNow))

	hosts := []store.Host{broken.host(), holder.host()}
	if !c.DeleteClientByUUID(t.Context(), hosts, "c-9") {
		t.Fatalf("expected sweep to delete the client")
	}
	if c.DeleteClientByUUID(t.Context(), hosts, "c-9") {
		t.Fatalf("second sweep must report nothing deleted")
	}
	if c.DeleteClientByUUID(context.Background(), hosts, "") {
		t.Fatalf("empty uuid must not delete")
	}
}

func TestSetClientEnabledAndListClients(t *testing.T) {
	t.Parallel()
	f := newFakePanel(t)
	f.clients = []InboundClient{{ID: "c-1", Email: "user1-key1@de1.bot", Enable: true, ExpiryTime: testNow.UnixMilli()}}
	c := newTestClient(testclock.NewClock(testNow))

	if err := c.SetClientEnabled(t.Context(), f.host(), "user1-key1@de1.bot", false); err != nil {
		t.Fatalf("SetClientEnabled error: %v", err)
	}
	clients, err := c.ListClients(t.Context(), f.host())
	if err != nil {
		t.Fatalf("ListClients error: %v", err)
	}
	if len(clients) != 1 || clients[0].Enabled || !clients[0].Expiry.Equal(testNow) {
		t.Fatalf("unexpected clients: %+v", clients)
	}
	if err := c.SetClientEnabled(t.Context(), f.host(), "nobody@de1.bot", true); !errors.Is(err, failure.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
