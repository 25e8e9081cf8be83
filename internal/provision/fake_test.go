package provision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	uuid     string
	expiry   time.Time
	subID    string
	disabled bool
}

// fakePanel keeps clients in memory and applies the same expiry rule as the
// real panel client.
type fakePanel struct {
	clock clock.Clock

	mu        sync.Mutex
	clients   map[string]*fakeClient
	upserts   int
	details   int
	deletes   []string
	inflight  map[string]int
	overlap   bool
	upsertErr error
	linkErr   error
	probes    []string
	reverts   int
	// afterUpsert runs once the panel change is applied.
	afterUpsert func()
}

func newFakePanel(clk clock.Clock) *fakePanel {
	return &fakePanel{clock: clk, clients: map[string]*fakeClient{}, inflight: map[string]int{}}
}

func (f *fakePanel) UpsertClient(_ context.Context, _ store.Host, req panel.UpsertRequest) (panel.UpsertResult, error) {
	f.mu.Lock()
	if f.upsertErr != nil {
		err := f.upsertErr
		f.mu.Unlock()
		return panel.UpsertResult{}, err
	}
	f.upserts++
	f.inflight[req.Email]++
	if f.inflight[req.Email] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight[req.Email]--
	now := f.clock.Now().UTC()
	c, found := f.clients[req.Email]
	var prev *panel.ClientSnapshot
	if found {
		prev = &panel.ClientSnapshot{ExpiryMillis: c.expiry.UnixMilli(), Enabled: !c.disabled}
	} else {
		c = &fakeClient{uuid: uuid.NewString()}
		f.clients[req.Email] = c
	}
	base := now
	if c.expiry.After(now) {
		base = c.expiry
	}
	c.expiry = base.Add(req.Add)
	if c.subID == "" {
		c.subID = req.SubID
	}
	if f.afterUpsert != nil {
		defer f.afterUpsert()
	}
	return panel.UpsertResult{
		RemoteUUID:       c.uuid,
		Expiry:           c.expiry,
		Created:          !found,
		Previous:         prev,
		SubID:            c.subID,
		ConnectionString: "vless://" + c.uuid + "@panel.example.com:443",
	}, nil
}

func (f *fakePanel) ClientDetails(_ context.Context, _ store.Host, email, clientUUID string) (panel.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details++
	c, ok := f.clients[email]
	if !ok {
		return panel.Details{}, errNotOnPanel
	}
	return panel.Details{RemoteUUID: c.uuid, Email: email, Enabled: true, Expiry: c.expiry}, nil
}

func (f *fakePanel) SubscriptionLink(_ context.Context, _ store.Host, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return "", f.linkErr
	}
	c, ok := f.clients[email]
	if !ok || c.subID == "" {
		return "", errNotOnPanel
	}
	return "https://panel.example.com/sub/" + c.subID, nil
}

func (f *fakePanel) DeleteClientOnHost(_ context.Context, _ store.Host, email, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, email)
	_, ok := f.clients[email]
	delete(f.clients, email)
	return ok, nil
}

func (f *fakePanel) DeleteClientByUUID(_ context.Context, _ []store.Host, clientUUID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for email, c := range f.clients {
		if c.uuid == clientUUID {
			f.deletes = append(f.deletes, email)
			delete(f.clients, email)
			return true
		}
	}
	return false
}

func (f *fakePanel) RevertUpsert(_ context.Context, _ store.Host, email, _ string, prev *panel.ClientSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	if !ok {
		return errNotOnPanel
	}
	f.reverts++
	if prev == nil {
		delete(f.clients, email)
		return nil
	}
	c.expiry = time.UnixMilli(prev.ExpiryMillis).UTC()
	c.disabled = !prev.Enabled
	return nil
}

func (f *fakePanel) SetClientEnabled(_ context.Context, _ store.Host, email string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	if !ok {
		return errNotOnPanel
	}
	c.disabled = !enabled
	return nil
}

func (f *fakePanel) Probe(_ context.Context, h store.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, h.Name)
	return nil
}

func (f *fakePanel) counts() (upserts, details int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts, f.details
}

func (f *fakePanel) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

type sentText struct {
	owner int64
	text  string
}

type recordingNotifier struct {
	mu       sync.Mutex
	texts    []sentText
	keyCards int
}

func (r *recordingNotifier) SendText(_ context.Context, owner int64, text string, _ []notify.Button) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, sentText{owner: owner, text: text})
	return nil
}

func (r *recordingNotifier) SendKeyInfo(ctx context.Context, owner int64, info notify.KeyInfo) error {
	r.mu.Lock()
	r.keyCards++
	r.mu.Unlock()
	return r.SendText(ctx, owner, notify.KeySummary(info), notify.KeyButtons(info))
}

func (r *recordingNotifier) cards() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keyCards
}

func (r *recordingNotifier) sent() []sentText {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentText(nil), r.texts...)
}

type harness struct {
	clock    *testclock.Clock
	store    *store.Store
	panel    *fakePanel
	notifier *recordingNotifier
	prov     *Provisioner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testclock.NewClock(testNow)
	s, err := store.Open(t.TempDir()+"/keyengine.db", store.WithClock(clk))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := t.Context()
	if err := s.UpsertHost(ctx, store.Host{Name: "test-host", URL: "https://panel.example.com", Username: "admin", Password: "pw", InboundID: 1, Code: "de1"}); err != nil {
		t.Fatalf("UpsertHost error: %v", err)
	}
	plans := []store.Plan{
		{ID: "month", HostName: "test-host", Name: "1 month", Price: decimal.NewFromInt(100), DurationDays: 30, ProvisionMode: store.ProvisionModeKey},
		{ID: "sub-month", HostName: "test-host", Name: "1 month sub", Price: decimal.NewFromInt(120), DurationDays: 30, QuotaGB: 50, ProvisionMode: store.ProvisionModeSubscription},
	}
	for _, p := range plans {
		if err := s.UpsertPlan(ctx, p); err != nil {
			t.Fatalf("UpsertPlan error: %v", err)
		}
	}

	h := &harness{clock: clk, store: s, panel: newFakePanel(clk), notifier: &recordingNotifier{}}
	h.prov = New(s, h.panel, WithClock(clk), WithNotifier(h.notifier), WithDefaultDomain("vpn.example.com"))
	return h
}

func newOrder(owner int64, paymentID string) Order {
	return Order{
		OwnerID:   owner,
		HostName:  "test-host",
		PlanID:    "month",
		Kind:      KindNew,
		PaymentID: paymentID,
		Amount:    decimal.NewFromInt(100),
		Method:    MethodCrypto,
	}
}

func renewOrder(owner, keyID int64, paymentID string) Order {
	o := newOrder(owner, paymentID)
	o.Kind = KindRenew
	o.KeyID = keyID
	return o
}
