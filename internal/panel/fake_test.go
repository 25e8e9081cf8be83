package panel

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/vpnshop-bot/keyengine/internal/store"
)

const testStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.example.org"],"shortIds":["ab12"],"settings":{"publicKey":"PUBKEY","fingerprint":"firefox"}}}`

// fakePanel is an in-memory X-UI panel.
type fakePanel struct {
	t *testing.T

	mu          sync.Mutex
	password    string
	inboundID   int
	clients     []InboundClient
	stats       []ClientStat
	statsOnGet  bool
	subSettings map[string]any
	formPushes  []url.Values
	jsonPushes  int
	deletes     []string
	settingsHit int
	status      int
	dropForm    bool

	server *httptest.Server
}

func newFakePanel(t *testing.T) *fakePanel {
	t.Helper()
	f := &fakePanel{
		t:           t,
		password:    "secret",
		inboundID:   7,
		statsOnGet:  true,
		subSettings: map[string]any{"subPort": 2096, "subPath": "/feed/"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", f.handleLogin)
	mux.HandleFunc("GET /panel/inbound/get/{id}", f.authed(f.handleGet))
	mux.HandleFunc("POST /panel/inbound/list", f.authed(f.handleList))
	mux.HandleFunc("POST /panel/inbound/addClient", f.authed(f.handleAdd))
	mux.HandleFunc("POST /panel/inbound/updateClient/{uuid}", f.authed(f.handleUpdate))
	mux.HandleFunc("POST /panel/api/inbounds/delClient/{id}/{uuid}", f.authed(f.handleDelete))
	mux.HandleFunc("POST /panel/setting/all", f.authed(f.handleSettings))
	f.server = httptest.NewServer(f.gate(mux))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakePanel) host() store.Host {
	return store.Host{
		Name:      "test-host",
		URL:       f.server.URL,
		Username:  "admin",
		Password:  "secret",
		InboundID: f.inboundID,
		Code:      "de1",
	}
}

func (f *fakePanel) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		f.mu.Lock()
		drop := f.dropForm && strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded")
		f.mu.Unlock()
		if drop {
			// Close the connection without a response, as a dying proxy would.
			hj, ok := w.(http.Hijacker)
			if !ok {
				f.t.Errorf("response writer cannot be hijacked")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakePanel) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil || c.Value != "ok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakePanel) reply(w http.ResponseWriter, success bool, msg string, obj any) {
	raw, _ := json.Marshal(obj)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Success: success, Msg: msg, Obj: raw})
}

func (f *fakePanel) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds map[string]string
	_ = json.NewDecoder(r.Body).Decode(&creds)
	if creds["password"] != f.password {
		f.reply(w, false, "wrong username or password", nil)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "ok", Path: "/"})
	f.reply(w, true, "", nil)
}

func (f *fakePanel) inboundObj(withStats bool) map[string]any {
	settings, _ := json.Marshal(inboundSettings{Clients: f.clients})
	obj := map[string]any{
		"id":             f.inboundID,
		"remark":         "main",
		"enable":         true,
		"port":           443,
		"protocol":       "vless",
		"settings":       string(settings),
		"streamSettings": testStream,
	}
	if withStats {
		obj["clientStats"] = f.stats
	}
	return obj
}

func (f *fakePanel) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.PathValue("id") != strconv.Itoa(f.inboundID) {
		f.reply(w, false, "inbound not found", nil)
		return
	}
	f.reply(w, true, "", f.inboundObj(f.statsOnGet))
}

func (f *fakePanel) handleList(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply(w, true, "", []map[string]any{f.inboundObj(true)})
}

func (f *fakePanel) decodeClients(r *http.Request) []InboundClient {
	var settings string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
		}
		f.formPushes = append(f.formPushes, r.PostForm)
		settings = r.PostForm.Get("settings")
	} else {
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			ID       int    `json:"id"`
			Settings string `json:"settings"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			f.t.Errorf("decode json push: %v", err)
		}
		f.jsonPushes++
		settings = payload.Settings
	}
	var s inboundSettings
	if err := json.Unmarshal([]byte(settings), &s); err != nil {
		f.t.Errorf("decode settings: %v", err)
	}
	return s.Clients
}

func (f *fakePanel) handleAdd(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.decodeClients(r) {
		f.clients = append(f.clients, c)
		f.stats = append(f.stats, ClientStat{Email: c.Email, Total: c.Total, ExpiryTime: c.ExpiryTime, Enable: true})
	}
	f.reply(w, true, "", nil)
}

func (f *fakePanel) handleUpdate(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("uuid")
	for _, c := range f.decodeClients(r) {
		for i := range f.clients {
			if f.clients[i].ID == id {
				f.clients[i] = c
			}
		}
	}
	f.reply(w, true, "", nil)
}

func (f *fakePanel) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := r.PathValue("uuid")
	kept := f.clients[:0]
	found := false
	for _, c := range f.clients {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	f.clients = kept
	if !found {
		f.reply(w, false, "Client Not Found", nil)
		return
	}
	f.deletes = append(f.deletes, id)
	f.reply(w, true, "", nil)
}

func (f *fakePanel) handleSettings(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settingsHit++
	f.reply(w, true, "", f.subSettings)
}

func (f *fakePanel) setDropForm(drop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropForm = drop
}

func (f *fakePanel) typedPushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jsonPushes
}

func (f *fakePanel) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *fakePanel) client(email string) (InboundClient, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if c.Email == email {
			return c, true
		}
	}
	return InboundClient{}, false
}

func (f *fakePanel) pushes() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.formPushes...)
}

func (f *fakePanel) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakePanel) settingsHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settingsHit
}
