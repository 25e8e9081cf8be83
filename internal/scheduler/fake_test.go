package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

const month = 30 * 24 * time.Hour

var errNotOnPanel = errors.New("client not found")

type fakeClient struct {
	uuid   string
	expiry time.Time
}

type fakePanel struct {
	clock clock.Clock

	mu        sync.Mutex
	clients   map[string]*fakeClient
	upserts   int
	deletes   []string
	upsertErr error
}

func newFakePanel(clk clock.Clock) *fakePanel {
	return &fakePanel{clock: clk, clients: map[string]*fakeClient{}}
}

func (f *fakePanel) UpsertClient(_ context.Context, _ store.Host, req panel.UpsertRequest) (panel.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return panel.UpsertResult{}, f.upsertErr
	}
	f.upserts++
	now := f.clock.Now().UTC()
	c, found := f.clients[req.Email]
	var prev *panel.ClientSnapshot
	if found {
		prev = &panel.ClientSnapshot{ExpiryMillis: c.expiry.UnixMilli(), Enabled: true}
	} else {
		c = &fakeClient{uuid: uuid.NewString()}
		f.clients[req.Email] = c
	}
	base := now
	if c.expiry.After(now) {
		base = c.expiry
	}
	c.expiry = base.Add(req.Add)
	return panel.UpsertResult{
		RemoteUUID:       c.uuid,
		Expiry:           c.expiry,
		Created:          !found,
		Previous:         prev,
		ConnectionString: "vless://" + c.uuid + "@panel.example.com:443",
	}, nil
}

func (f *fakePanel) ClientDetails(_ context.Context, _ store.Host, email, _ string) (panel.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	if !ok {
		return panel.Details{}, errNotOnPanel
	}
	return panel.Details{RemoteUUID: c.uuid, Email: email, Enabled: true, Expiry: c.expiry}, nil
}

func (f *fakePanel) SubscriptionLink(context.Context, store.Host, string) (string, error) {
	return "", errNotOnPanel
}

func (f *fakePanel) ListClients(context.Context, store.Host) ([]panel.ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]panel.ClientState, 0, len(f.clients))
	for email, c := range f.clients {
		out = append(out, panel.ClientState{RemoteUUID: c.uuid, Email: email, Enabled: true, Expiry: c.expiry})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
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
	if prev == nil {
		delete(f.clients, email)
		return nil
	}
	c.expiry = time.UnixMilli(prev.ExpiryMillis).UTC()
	return nil
}

func (f *fakePanel) put(email string, expiry time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	if !ok {
		c = &fakeClient{uuid: uuid.NewString()}
		f.clients[email] = c
	}
	c.expiry = expiry
}

func (f *fakePanel) drop(email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, email)
}

func (f *fakePanel) has(email string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clients[email]
	return ok
}

func (f *fakePanel) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func (f *fakePanel) setUpsertErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingNotifier) SendText(_ context.Context, _ int64, text string, _ []notify.Button) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingNotifier) SendKeyInfo(ctx context.Context, owner int64, info notify.KeyInfo) error {
	return r.SendText(ctx, owner, notify.KeySummary(info), nil)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

type harness struct {
	clock    *testclock.Clock
	store    *store.Store
	panel    *fakePanel
	notifier *recordingNotifier
	prov     *provision.Provisioner
	mgr      *Manager
}

// newHarness starts the clock at start so a key bought right away can be
// brought to any distance from expiry with Advance.
func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	clk := testclock.NewClock(start)
	s, err := store.Open(t.TempDir()+"/keyengine.db", store.WithClock(clk))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := t.Context()
	if err := s.UpsertHost(ctx, store.Host{Name: "test-host", URL: "https://panel.example.com", Username: "admin", Password: "pw", InboundID: 1, Code: "de1"}); err != nil {
		t.Fatalf("UpsertHost error: %v", err)
	}
	if err := s.UpsertPlan(ctx, store.Plan{ID: "month", HostName: "test-host", Name: "1 month", Price: decimal.NewFromInt(100), DurationDays: 30, ProvisionMode: store.ProvisionModeKey}); err != nil {
		t.Fatalf("UpsertPlan error: %v", err)
	}

	h := &harness{clock: clk, store: s, panel: newFakePanel(clk), notifier: &recordingNotifier{}}
	locks := keylock.New()
	h.prov = provision.New(s, h.panel, provision.WithClock(clk), provision.WithLocker(locks), provision.WithNotifier(h.notifier))
	h.mgr = New(s, h.panel, h.prov, Config{Concurrency: 2, DefaultDomain: "vpn.example.com"},
		WithClock(clk), WithLocker(locks), WithNotifier(h.notifier))
	return h
}

// buy creates a one-month key for owner, paid by card, at the current clock.
func (h *harness) buy(t *testing.T, owner int64, autoRenewal bool) store.Receipt {
	t.Helper()
	ctx := t.Context()
	res, err := h.prov.Fulfil(ctx, provision.Order{
		OwnerID:   owner,
		HostName:  "test-host",
		PlanID:    "month",
		Kind:      provision.KindNew,
		PaymentID: provision.PaymentID("card"),
		Amount:    decimal.NewFromInt(100),
		Method:    provision.MethodCard,
	})
	if err != nil {
		t.Fatalf("Fulfil error: %v", err)
	}
	if _, err := h.store.SetAutoRenewal(ctx, res.Key.KeyID, autoRenewal); err != nil {
		t.Fatalf("SetAutoRenewal error: %v", err)
	}
	return res.Key
}

func (h *harness) credit(t *testing.T, owner int64, amount int64) {
	t.Helper()
	if _, err := h.store.CreditBalance(t.Context(), owner, decimal.NewFromInt(amount)); err != nil {
		t.Fatalf("CreditBalance error: %v", err)
	}
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	r, err := h.mgr.Tick(t.Context())
	if err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	return r
}

// markers returns the key's markers of kind, excluding purchase notices.
func (h *harness) markers(t *testing.T, keyID int64, kind string) []store.Marker {
	t.Helper()
	all, err := h.store.ListMarkers(t.Context(), keyID)
	if err != nil {
		t.Fatalf("ListMarkers error: %v", err)
	}
	var out []store.Marker
	for _, m := range all {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func panelDown() error {
	return failure.New(failure.PanelUnavailable, "panel test-host unreachable")
}
