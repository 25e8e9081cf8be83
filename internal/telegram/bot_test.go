package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/scheduler"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

const adminChat = 1001

// fakeAPI is a minimal Bot API: it records sendMessage calls and serves a
// fixed getUpdates result.
type fakeAPI struct {
	mu      sync.Mutex
	sent    []sendMessageRequest
	updates string
	fail    bool
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bottest-token/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode sendMessage: %v", err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		f.sent = append(f.sent, req)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	})
	mux.HandleFunc("/bottest-token/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		body := f.updates
		if body == "" {
			body = "[]"
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":` + body + `}`))
	})
	return mux
}

func (f *fakeAPI) messages() []sendMessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendMessageRequest(nil), f.sent...)
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/keyengine.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	b := New("test-token", 0, []int64{adminChat}, s, WithAPIBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	return b, api, s
}

type fakeAdmin struct {
	deleted []int64
	renew   map[int64]bool
	enabled map[int64]bool
	probed  []string
}

func (f *fakeAdmin) ForceFulfil(_ context.Context, paymentID string) (provision.FulfilResult, error) {
	if paymentID == "missing" {
		return provision.FulfilResult{}, failure.New(failure.NotFound, "payment %s not found", paymentID)
	}
	return provision.FulfilResult{PaymentID: paymentID, Key: store.Receipt{KeyID: 7}}, nil
}

func (f *fakeAdmin) DeleteKey(_ context.Context, keyID int64) (bool, error) {
	if keyID == 404 {
		return false, failure.New(failure.NotFound, "key %d not found", keyID)
	}
	f.deleted = append(f.deleted, keyID)
	return true, nil
}

func (f *fakeAdmin) SetAutoRenewal(_ context.Context, keyID int64, enabled bool) error {
	if f.renew == nil {
		f.renew = map[int64]bool{}
	}
	f.renew[keyID] = enabled
	return nil
}

func (f *fakeAdmin) SetKeyEnabled(_ context.Context, keyID int64, enabled bool) error {
	if f.enabled == nil {
		f.enabled = map[int64]bool{}
	}
	f.enabled[keyID] = enabled
	return nil
}

func (f *fakeAdmin) ProbeHost(_ context.Context, hostName string) error {
	if hostName == "down" {
		return failure.New(failure.PanelUnavailable, "host down is quarantined")
	}
	f.probed = append(f.probed, hostName)
	return nil
}

type fakeOps struct {
	syncs  int
	resend []string
}

func (f *fakeOps) SyncPanels(context.Context) (scheduler.SyncReport, error) {
	f.syncs++
	return scheduler.SyncReport{Hosts: 2, Orphans: 1}, nil
}

func (f *fakeOps) ForceEmit(_ context.Context, _ int64, kind string, _ int) error {
	f.resend = append(f.resend, kind)
	return nil
}

func TestSendTextWithButtons(t *testing.T) {
	t.Parallel()
	b, api, _ := newTestBot(t)

	buttons := []notify.Button{{Text: "Open cabinet", URL: "https://vpn.example.com/cabinet/abc"}}
	if err := b.SendText(t.Context(), 42, "hello", buttons); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	msgs := api.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ChatID != 42 || got.Text != "hello" {
		t.Fatalf("message = %+v", got)
	}
	if got.ReplyMarkup == nil || len(got.ReplyMarkup.InlineKeyboard) != 1 || got.ReplyMarkup.InlineKeyboard[0][0].URL != buttons[0].URL {
		t.Fatalf("reply markup = %+v", got.ReplyMarkup)
	}
}

func TestSendKeyInfoUsesSummary(t *testing.T) {
	t.Parallel()
	b, api, _ := newTestBot(t)

	info := notify.KeyInfo{KeyID: 3, Email: "user42-key3@de1.bot", HostName: "test-host", ConnectionString: "vless://abc@panel.example.com:443"}
	if err := b.SendKeyInfo(t.Context(), 42, info); err != nil {
		t.Fatalf("SendKeyInfo error: %v", err)
	}
	msgs := api.messages()
	if len(msgs) != 1 || msgs[0].Text != notify.KeySummary(info) {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ReplyMarkup != nil {
		t.Fatalf("unexpected buttons without a cabinet link")
	}
}

func TestSendTextReportsAPIError(t *testing.T) {
	t.Parallel()
	b, api, _ := newTestBot(t)
	api.mu.Lock()
	api.fail = true
	api.mu.Unlock()

	err := b.SendText(t.Context(), 42, "hello", nil)
	if err == nil || !strings.Contains(err.Error(), "blocked by the user") {
		t.Fatalf("SendText error = %v, want the API description", err)
	}
}

func TestSendTextWithoutToken(t *testing.T) {
	t.Parallel()
	b := New("", 0, nil, nil)
	if err := b.SendText(t.Context(), 42, "hello", nil); !errors.Is(err, failure.ConfigurationMissing) {
		t.Fatalf("SendText error = %v, want configuration missing", err)
	}
}

func TestExecuteCommand(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	admin := &fakeAdmin{}
	ops := &fakeOps{}
	b.Bind(admin, ops, nil)
	ctx := t.Context()

	tests := []struct {
		text string
		want string
	}{
		{text: "/help", want: "/fulfil <payment_id>"},
		{text: "/fulfil@keyengine_bot pay-1", want: "payment pay-1 already applied, key #7"},
		{text: "/fulfil missing", want: "Failed:"},
		{text: "/key_delete 12", want: "OK: key deleted"},
		{text: "/key_delete 404", want: "Key not found"},
		{text: "/key_delete abc", want: "Invalid key id"},
		{text: "/autorenew 12 off", want: "is off"},
		{text: "/autorenew 12 maybe", want: "Usage:"},
		{text: "/key_enable 12 off", want: "disabled on the panel"},
		{text: "/key_enable 12", want: "Usage:"},
		{text: "/probe de1", want: "de1 is reachable"},
		{text: "/probe down", want: "Probe failed:"},
		{text: "/resend 12 subscription_expiry 24", want: "re-sent"},
		{text: "/sync_now", want: "hosts=2"},
		{text: "/backup_now", want: "not available"},
		{text: "/pending", want: "No payments waiting."},
		{text: "/key 99", want: "Failed:"},
		{text: "/nope", want: "Unknown command"},
	}
	for _, tt := range tests {
		got := b.executeCommand(ctx, tt.text, adminChat, 5)
		if !strings.Contains(got, tt.want) {
			t.Fatalf("%s = %q, want it to contain %q", tt.text, got, tt.want)
		}
	}
	if len(admin.deleted) != 1 || admin.deleted[0] != 12 {
		t.Fatalf("deleted = %v", admin.deleted)
	}
	if enabled, ok := admin.renew[12]; !ok || enabled {
		t.Fatalf("auto-renewal calls = %v", admin.renew)
	}
	if enabled, ok := admin.enabled[12]; !ok || enabled {
		t.Fatalf("key enable calls = %v", admin.enabled)
	}
	if len(admin.probed) != 1 {
		t.Fatalf("probed = %v", admin.probed)
	}
	if ops.syncs != 1 || len(ops.resend) != 1 {
		t.Fatalf("ops = %+v", ops)
	}
}

func TestPollOnceRefusesUnlistedChats(t *testing.T) {
	t.Parallel()
	b, api, _ := newTestBot(t)
	ops := &fakeOps{}
	b.Bind(nil, ops, nil)
	api.mu.Lock()
	api.updates = `[
		{"update_id": 10, "message": {"message_id": 1, "from": {"id": 5}, "chat": {"id": 1001}, "text": "/sync_now"}},
		{"update_id": 11, "message": {"message_id": 2, "from": {"id": 6}, "chat": {"id": 2002}, "text": "/sync_now"}},
		{"update_id": 12, "message": {"message_id": 3, "from": {"id": 6}, "chat": {"id": 2002}, "text": "hello"}}
	]`
	api.mu.Unlock()

	if err := b.pollOnce(t.Context()); err != nil {
		t.Fatalf("pollOnce error: %v", err)
	}
	if b.offset != 13 {
		t.Fatalf("offset = %d, want 13", b.offset)
	}
	if ops.syncs != 1 {
		t.Fatalf("syncs = %d, want 1", ops.syncs)
	}
	msgs := api.messages()
	if len(msgs) != 2 {
		t.Fatalf("replies = %+v, want two", msgs)
	}
	if msgs[0].ChatID != adminChat || !strings.HasPrefix(msgs[0].Text, "OK:") {
		t.Fatalf("admin reply = %+v", msgs[0])
	}
	if msgs[1].ChatID != 2002 || msgs[1].Text != "Access denied." {
		t.Fatalf("unlisted reply = %+v", msgs[1])
	}
}
