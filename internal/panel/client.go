// Package panel is a typed adapter to X-UI family control panels.
package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

const (
	DefaultTimeout = 10 * time.Second
	defaultRPS     = 5
)

// Observer receives one call per panel request.
type Observer func(host, op string, elapsed time.Duration, err error)

type Client struct {
	transport  http.RoundTripper
	timeout    time.Duration
	rps        float64
	clock      clock.Clock
	logger     *slog.Logger
	quarantine *Quarantine
	observe    Observer

	mu       sync.Mutex
	sessions map[string]*session
	subURIs  map[string]string
}

type session struct {
	mu       sync.Mutex
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	loggedIn bool
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logpkg.OrDiscard(l) }
}

func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithQuarantine replaces the quarantine map, for sharing or for tests.
func WithQuarantine(q *Quarantine) Option {
	return func(cl *Client) {
		if q != nil {
			cl.quarantine = q
		}
	}
}

// WithRateLimit bounds requests per second to each host.
func WithRateLimit(rps float64) Option {
	return func(cl *Client) {
		if rps > 0 {
			cl.rps = rps
		}
	}
}

func WithInsecureTLS(insecure bool) Option {
	return func(cl *Client) {
		if !insecure {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		cl.transport = transport
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(cl *Client) {
		if rt != nil {
			cl.transport = rt
		}
	}
}

func WithObserver(o Observer) Option {
	return func(cl *Client) { cl.observe = o }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		transport: http.DefaultTransport.(*http.Transport).Clone(),
		timeout:   DefaultTimeout,
		rps:       defaultRPS,
		clock:     clock.WallClock,
		logger:    logpkg.Discard(),
		sessions:  make(map[string]*session),
		subURIs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.quarantine == nil {
		c.quarantine = NewQuarantine(c.clock, DefaultQuarantineWindow)
	}
	return c
}

// Quarantine exposes the host quarantine map.
func (c *Client) Quarantine() *Quarantine { return c.quarantine }

// Login authenticates against host and returns its configured inbound.
func (c *Client) Login(ctx context.Context, h store.Host) (Inbound, error) {
	var in Inbound
	err := c.call(ctx, h, "login", false, func(ctx context.Context, s *session) error {
		if err := c.login(ctx, h, s); err != nil {
			return err
		}
		var err error
		in, err = c.inbound(ctx, h, s)
		return err
	})
	return in, err
}

// Probe is Login without the quarantine short-circuit. A success clears the
// host's quarantine entry.
func (c *Client) Probe(ctx context.Context, h store.Host) error {
	return c.call(ctx, h, "probe", true, func(ctx context.Context, s *session) error {
		if err := c.login(ctx, h, s); err != nil {
			return err
		}
		_, err := c.inbound(ctx, h, s)
		return err
	})
}

// UpsertClient creates or extends the client labelled req.Email. An expiry
// still in the future is extended from itself, otherwise from now.
func (c *Client) UpsertClient(ctx context.Context, h store.Host, req UpsertRequest) (UpsertResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		return UpsertResult{}, failure.New(failure.Validation, "client email is required")
	}
	if req.Add <= 0 {
		return UpsertResult{}, failure.New(failure.Validation, "duration to add must be positive")
	}
	if req.QuotaGB < 0 {
		return UpsertResult{}, failure.New(failure.Validation, "quota must not be negative")
	}

	var result UpsertResult
	err := c.call(ctx, h, "upsert_client", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		existing, found, err := in.findClient(req.Email, "")
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}

		now := c.clock.Now().UTC()
		base := now
		if found && existing.ExpiryTime > now.UnixMilli() {
			base = millisToTime(existing.ExpiryTime)
		}
		expiry := base.Add(req.Add)

		client := existing
		if !found {
			client = InboundClient{
				ID:    uuid.NewString(),
				Email: req.Email,
				Flow:  defaultFlow,
			}
		}
		client.Enable = true
		client.ExpiryTime = expiry.UnixMilli()
		client.Total = QuotaBytes(req.QuotaGB)
		client.TotalGB = req.QuotaGB
		if req.SubID != "" {
			client.SubID = req.SubID
		}
		if req.Comment != "" {
			client.Comment = req.Comment
		}
		if req.TelegramID != 0 {
			client.TgID = req.TelegramID
		}

		path := "/panel/inbound/updateClient/" + url.PathEscape(client.ID)
		if !found {
			path = "/panel/inbound/addClient"
		}
		if err := c.pushClientJSON(ctx, s, path, h.InboundID, client); err != nil {
			return err
		}
		// The typed push already applied the change. Failing the call from
		// here on would make the caller extend the client a second time.
		if err := c.pushClientForm(ctx, s, h.InboundID, client); err != nil {
			c.logger.Warn("panel form push failed", "host", h.Name, "email", req.Email, "err", err)
		}

		result = UpsertResult{
			RemoteUUID: client.ID,
			Expiry:     expiry,
			Created:    !found,
			SubID:      client.SubID,
		}
		if found {
			result.Previous = snapshotOf(existing)
		}
		// The panel is authoritative for what it stored.
		if fresh, err := c.inbound(ctx, h, s); err == nil {
			if stored, ok, _ := fresh.findClient(req.Email, ""); ok {
				result.RemoteUUID = stored.ID
				if stored.ExpiryTime > 0 {
					result.Expiry = millisToTime(stored.ExpiryTime)
				}
				result.SubID = stored.SubID
			}
			in = fresh
		}
		result.ConnectionString = connectionStringFor(h, in, result.RemoteUUID)
		return nil
	})
	return result, err
}

// RevertUpsert undoes an UpsertClient. A nil prev deletes the client the
// upsert created; otherwise expiry, quota and the enable flag are restored.
func (c *Client) RevertUpsert(ctx context.Context, h store.Host, email, clientUUID string, prev *ClientSnapshot) error {
	if prev == nil {
		_, err := c.DeleteClientOnHost(ctx, h, email, clientUUID)
		return err
	}
	return c.call(ctx, h, "revert_client", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		client, found, err := in.findClient(email, clientUUID)
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		if !found {
			return failure.New(failure.NotFound, "client %s not found on %s", firstNonEmpty(clientUUID, email), h.Name)
		}
		client.ExpiryTime = prev.ExpiryMillis
		client.Total = prev.TotalBytes
		client.TotalGB = prev.TotalGB
		client.Enable = prev.Enabled
		return c.pushClientJSON(ctx, s, "/panel/inbound/updateClient/"+url.PathEscape(client.ID), h.InboundID, client)
	})
}

// ClientDetails reads the client by uuid or email. clientStats wins over
// settings.clients for traffic figures.
func (c *Client) ClientDetails(ctx context.Context, h store.Host, email, clientUUID string) (Details, error) {
	var d Details
	err := c.call(ctx, h, "client_details", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		if in.ClientStats == nil {
			if listed, ok := c.listedInbound(ctx, h, s); ok {
				in.ClientStats = listed.ClientStats
			}
		}
		client, found, err := in.findClient(email, clientUUID)
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		if !found {
			return failure.New(failure.NotFound, "client %s not found on %s", firstNonEmpty(clientUUID, email), h.Name)
		}
		d = normaliseDetails(client, in, c.clock.Now())
		d.ConnectionString = connectionStringFor(h, in, client.ID)
		if client.SubID != "" {
			if base, err := c.subscriptionURI(ctx, h, s); err == nil {
				d.SubscriptionLink = base + client.SubID
			} else if isNetworkClass(err) {
				return err
			} else {
				c.logger.Warn("panel subscription uri unavailable", "host", h.Name, "err", err)
			}
		}
		return nil
	})
	return d, err
}

func normaliseDetails(client InboundClient, in Inbound, now time.Time) Details {
	d := Details{
		RemoteUUID: client.ID,
		Email:      client.Email,
		Enabled:    client.Enable,
		Expiry:     millisToTime(client.ExpiryTime),
		SubID:      client.SubID,
	}
	if client.ExpiryTime > 0 {
		if remaining := (client.ExpiryTime - now.UnixMilli()) / 1000; remaining > 0 {
			d.RemainingSeconds = remaining
		}
	}

	total := client.Total
	if total <= 0 && client.TotalGB > 0 {
		total = QuotaBytes(client.TotalGB)
	}
	if st, ok := in.stat(client.Email); ok {
		total = st.Total
		d.TrafficUpBytes = st.Up
		d.TrafficDownBytes = st.Down
	}
	if total > 0 {
		d.QuotaTotalBytes = total
		remaining := total - d.TrafficUpBytes - d.TrafficDownBytes
		if remaining < 0 {
			remaining = 0
		}
		d.QuotaRemainingBytes = &remaining
	}
	return d
}

// SubscriptionLink returns the feed URL of the client labelled email.
func (c *Client) SubscriptionLink(ctx context.Context, h store.Host, email string) (string, error) {
	var link string
	err := c.call(ctx, h, "subscription_link", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		client, found, err := in.findClient(email, "")
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		if !found || strings.TrimSpace(client.SubID) == "" {
			return failure.New(failure.NotFound, "client %s has no subscription on %s", email, h.Name)
		}
		base, err := c.subscriptionURI(ctx, h, s)
		if err != nil {
			return err
		}
		link = base + client.SubID
		return nil
	})
	return link, err
}

// ListClients returns every client of the host's inbound.
func (c *Client) ListClients(ctx context.Context, h store.Host) ([]ClientState, error) {
	var out []ClientState
	err := c.call(ctx, h, "list_clients", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		clients, err := in.Clients()
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		out = make([]ClientState, 0, len(clients))
		for _, cl := range clients {
			out = append(out, ClientState{
				RemoteUUID: cl.ID,
				Email:      cl.Email,
				Enabled:    cl.Enable,
				Expiry:     millisToTime(cl.ExpiryTime),
			})
		}
		return nil
	})
	return out, err
}

// SetClientEnabled toggles the client's enable flag.
func (c *Client) SetClientEnabled(ctx context.Context, h store.Host, email string, enabled bool) error {
	return c.call(ctx, h, "set_client_enabled", false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		client, found, err := in.findClient(email, "")
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		if !found {
			return failure.New(failure.NotFound, "client %s not found on %s", email, h.Name)
		}
		client.Enable = enabled
		if err := c.pushClientJSON(ctx, s, "/panel/inbound/updateClient/"+url.PathEscape(client.ID), h.InboundID, client); err != nil {
			return err
		}
		if err := c.pushClientForm(ctx, s, h.InboundID, client); err != nil && isNetworkClass(err) {
			return err
		}
		return nil
	})
}

// DeleteClientOnHost removes the client from one host. A client that is
// already gone counts as deleted.
func (c *Client) DeleteClientOnHost(ctx context.Context, h store.Host, email, clientUUID string) (bool, error) {
	if strings.TrimSpace(h.URL) == "" {
		return false, failure.New(failure.ConfigurationMissing, "host %q is not configured", h.Name)
	}
	_, err := c.deleteOnHost(ctx, h, email, clientUUID, false)
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteClientByUUID sweeps hosts and reports whether any of them held and
// deleted the client. Quarantined or failing hosts are skipped.
func (c *Client) DeleteClientByUUID(ctx context.Context, hosts []store.Host, clientUUID string) bool {
	clientUUID = strings.TrimSpace(clientUUID)
	if clientUUID == "" {
		return false
	}
	for _, h := range hosts {
		if ctx.Err() != nil {
			return false
		}
		if _, active := c.quarantine.Active(h.URL); active {
			continue
		}
		found, err := c.deleteOnHost(ctx, h, "", clientUUID, true)
		if err != nil {
			c.logger.Warn("panel delete sweep skipped host", "host", h.Name, "err", err)
			continue
		}
		if found {
			return true
		}
	}
	return false
}

func (c *Client) deleteOnHost(ctx context.Context, h store.Host, email, clientUUID string, sweep bool) (bool, error) {
	op := "delete_client"
	if sweep {
		op = "delete_client_sweep"
	}
	var found bool
	err := c.call(ctx, h, op, false, func(ctx context.Context, s *session) error {
		in, err := c.authedInbound(ctx, h, s)
		if err != nil {
			return err
		}
		client, ok, err := in.findClient(email, clientUUID)
		if err != nil {
			return failure.Wrap(err, failure.InboundMissing, "decode inbound %d clients", h.InboundID)
		}
		if !ok {
			return nil
		}
		path := fmt.Sprintf("/panel/api/inbounds/delClient/%d/%s", h.InboundID, url.PathEscape(client.ID))
		if _, err := c.do(ctx, s, http.MethodPost, path, nil, ""); err != nil {
			if isStatus(err, http.StatusNotFound) || isClientNotFound(err) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// call runs fn against host with the per-call timeout, the host's rate
// limit and quarantine bookkeeping.
func (c *Client) call(ctx context.Context, h store.Host, op string, bypassQuarantine bool, fn func(context.Context, *session) error) error {
	s, err := c.session(h)
	if err != nil {
		return err
	}
	if !bypassQuarantine {
		if until, active := c.quarantine.Active(h.URL); active {
			return failure.New(failure.PanelUnavailable, "host %s quarantined until %s", h.Name, until.UTC().Format(time.RFC3339))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.clock.Now()
	err = s.limiter.Wait(ctx)
	if err == nil {
		err = fn(ctx, s)
	}
	err = classify(h, op, err)
	if c.observe != nil {
		c.observe(h.Name, op, c.clock.Now().Sub(start), err)
	}
	switch {
	case err == nil:
		c.quarantine.Clear(h.URL)
	case isNetworkClass(err):
		until := c.quarantine.Mark(h.URL)
		c.logger.Warn("panel host quarantined", "host", h.Name, "op", op, "until", until, "err", err)
	}
	return err
}

func (c *Client) session(h store.Host) (*session, error) {
	base := strings.TrimRight(strings.TrimSpace(h.URL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, failure.New(failure.ConfigurationMissing, "host %q has invalid url %q", h.Name, h.URL)
	}
	key := base + "|" + h.Username

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[key]; ok {
		return s, nil
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	burst := int(c.rps)
	if burst < 1 {
		burst = 1
	}
	s := &session{
		baseURL: base,
		http:    &http.Client{Transport: c.transport, Jar: jar},
		limiter: rate.NewLimiter(rate.Limit(c.rps), burst),
	}
	c.sessions[key] = s
	return s, nil
}

func (c *Client) login(ctx context.Context, h store.Host, s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(map[string]string{"username": h.Username, "password": h.Password})
	if err != nil {
		return fmt.Errorf("marshal login: %w", err)
	}
	if _, err := c.do(ctx, s, http.MethodPost, "/login", bytes.NewReader(payload), "application/json"); err != nil {
		s.loggedIn = false
		var rejected *rejectedError
		if errors.As(err, &rejected) || isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) {
			return failure.Wrap(err, failure.AuthFailed, "login to %s", h.Name)
		}
		return err
	}
	s.loggedIn = true
	return nil
}

func (c *Client) ensureLogin(ctx context.Context, h store.Host, s *session) error {
	s.mu.Lock()
	loggedIn := s.loggedIn
	s.mu.Unlock()
	if loggedIn {
		return nil
	}
	return c.login(ctx, h, s)
}

// authedInbound logs in when needed and reads the inbound, logging in again
// once if the session expired.
func (c *Client) authedInbound(ctx context.Context, h store.Host, s *session) (Inbound, error) {
	if err := c.ensureLogin(ctx, h, s); err != nil {
		return Inbound{}, err
	}
	in, err := c.inbound(ctx, h, s)
	if isStatus(err, http.StatusUnauthorized) {
		if err := c.login(ctx, h, s); err != nil {
			return Inbound{}, err
		}
		return c.inbound(ctx, h, s)
	}
	return in, err
}

func (c *Client) inbound(ctx context.Context, h store.Host, s *session) (Inbound, error) {
	obj, err := c.do(ctx, s, http.MethodGet, "/panel/inbound/get/"+strconv.Itoa(h.InboundID), nil, "")
	if err != nil {
		var rejected *rejectedError
		if errors.As(err, &rejected) || isStatus(err, http.StatusNotFound) {
			return Inbound{}, failure.Wrap(err, failure.InboundMissing, "inbound %d on %s", h.InboundID, h.Name)
		}
		return Inbound{}, err
	}
	var in Inbound
	if err := json.Unmarshal(obj, &in); err != nil || in.ID == 0 {
		if err == nil {
			err = fmt.Errorf("empty inbound object")
		}
		return Inbound{}, failure.Wrap(err, failure.InboundMissing, "decode inbound %d on %s", h.InboundID, h.Name)
	}
	return in, nil
}

// listedInbound finds the inbound in /panel/inbound/list, which carries
// clientStats on builds where get does not.
func (c *Client) listedInbound(ctx context.Context, h store.Host, s *session) (Inbound, bool) {
	obj, err := c.do(ctx, s, http.MethodPost, "/panel/inbound/list", nil, "")
	if err != nil {
		return Inbound{}, false
	}
	var list []Inbound
	if err := json.Unmarshal(obj, &list); err != nil {
		return Inbound{}, false
	}
	for _, in := range list {
		if in.ID == h.InboundID {
			return in, true
		}
	}
	return Inbound{}, false
}

func (c *Client) pushClientJSON(ctx context.Context, s *session, path string, inboundID int, client InboundClient) error {
	settings, err := json.Marshal(inboundSettings{Clients: []InboundClient{client}})
	if err != nil {
		return fmt.Errorf("marshal client settings: %w", err)
	}
	payload, err := json.Marshal(map[string]any{"id": inboundID, "settings": string(settings)})
	if err != nil {
		return fmt.Errorf("marshal client payload: %w", err)
	}
	_, err = c.do(ctx, s, http.MethodPost, path, bytes.NewReader(payload), "application/json")
	return err
}

// pushClientForm repeats the update in the form-encoded shape the panel's own
// UI sends. Forks that ignore one quota field in the typed call honour it
// here.
func (c *Client) pushClientForm(ctx context.Context, s *session, inboundID int, client InboundClient) error {
	settings, err := json.Marshal(inboundSettings{Clients: []InboundClient{client}})
	if err != nil {
		return fmt.Errorf("marshal client settings: %w", err)
	}
	form := url.Values{}
	form.Set("id", strconv.Itoa(inboundID))
	form.Set("settings", string(settings))
	_, err = c.do(ctx, s, http.MethodPost, "/panel/inbound/updateClient/"+url.PathEscape(client.ID),
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded; charset=UTF-8")
	return err
}

// subscriptionURI resolves the feed base URL from panel settings. Results are
// cached per host.
func (c *Client) subscriptionURI(ctx context.Context, h store.Host, s *session) (string, error) {
	key := s.baseURL + "|" + h.Username
	c.mu.Lock()
	cached, ok := c.subURIs[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	obj, err := c.do(ctx, s, http.MethodPost, "/panel/setting/all", nil, "")
	if err != nil {
		return "", err
	}
	var settings struct {
		SubURI    string `json:"subURI"`
		SubPort   int    `json:"subPort"`
		SubPath   string `json:"subPath"`
		SubDomain string `json:"subDomain"`
	}
	if err := json.Unmarshal(obj, &settings); err != nil {
		return "", fmt.Errorf("decode panel settings: %w", err)
	}
	uri := strings.TrimSpace(settings.SubURI)
	if uri == "" {
		if settings.SubPort == 0 {
			return "", failure.New(failure.NotFound, "panel %s has no subscription port", h.Name)
		}
		domain := strings.TrimSpace(settings.SubDomain)
		if domain == "" {
			u, _ := url.Parse(s.baseURL)
			domain = u.Hostname()
		}
		path := settings.SubPath
		if path == "" {
			path = "/sub/"
		}
		uri = "http://" + net.JoinHostPort(domain, strconv.Itoa(settings.SubPort)) + path
	}

	c.mu.Lock()
	c.subURIs[key] = uri
	c.mu.Unlock()
	return uri, nil
}

// do sends a request and unwraps the response envelope.
func (c *Client) do(ctx context.Context, s *session, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &statusError{code: resp.StatusCode, body: msg}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if !env.Success {
		return nil, &rejectedError{path: path, msg: env.Msg}
	}
	return env.Obj, nil
}

func connectionStringFor(h store.Host, in Inbound, clientUUID string) string {
	r, err := RealityFromStream(in.StreamSettings)
	if err != nil || clientUUID == "" {
		return ""
	}
	u, err := url.Parse(h.URL)
	if err != nil {
		return ""
	}
	remark := h.Code
	if remark == "" {
		remark = h.Name
	}
	return ConnectionString(u.Hostname(), in.Port, clientUUID, r, remark)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
