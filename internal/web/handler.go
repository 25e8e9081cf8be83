// Package web serves the personal cabinet, the admin endpoints and the
// Prometheus scrape target over HTTP.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vpnshop-bot/keyengine/internal/access"
	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/metrics"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Cabinet resolves a cabinet token to its key.
type Cabinet interface {
	ReadKey(ctx context.Context, token string) (store.Key, access.Claim, error)
}

// Admin is the provisioner surface exposed to operators.
type Admin interface {
	ForceFulfil(ctx context.Context, paymentID string) (provision.FulfilResult, error)
	DeleteKey(ctx context.Context, keyID int64) (bool, error)
}

// Deps are the collaborators of the HTTP surface. Admin and Gatherer may be
// nil, in which case their routes answer 503.
type Deps struct {
	Store         *store.Store
	Cabinet       Cabinet
	Admin         Admin
	Monitor       *metrics.Monitor
	Gatherer      prometheus.Gatherer
	AdminToken    string
	DefaultDomain string
	Clock         clock.Clock
	Logger        *slog.Logger
}

type handler struct {
	Deps
}

func NewHandler(d Deps) http.Handler {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	d.Logger = logpkg.OrDiscard(d.Logger).With("component", "web")
	d.AdminToken = strings.TrimSpace(d.AdminToken)
	h := &handler{Deps: d}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/cabinet/{token}", h.cabinet).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/fulfil/{payment_id}", h.forceFulfil).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{key_id}", h.deleteKey).Methods(http.MethodDelete)
	admin.HandleFunc("/stats", h.stats).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	})
	return r
}

// NewServer wraps h with the timeouts the engine runs its listener with.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type cabinetView struct {
	KeyID            int64     `json:"key_id"`
	Status           string    `json:"status"`
	Host             string    `json:"host"`
	Email            string    `json:"email"`
	IsTrial          bool      `json:"is_trial"`
	AutoRenewal      bool      `json:"auto_renewal"`
	ExpiryAt         time.Time `json:"expiry_at"`
	ExpiryLocal      string    `json:"expiry_local"`
	ExpiresIn        string    `json:"expires_in"`
	SubscriptionLink string    `json:"subscription_link,omitempty"`
}

func (h *handler) cabinet(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	k, _, err := h.Cabinet.ReadKey(r.Context(), token)
	switch {
	case errors.Is(err, failure.TokenInvalid):
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "invalid link"})
		return
	case errors.Is(err, failure.KeyDeleted):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "key deleted"})
		return
	case err != nil:
		h.Logger.Warn("cabinet read failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	rt := h.runtime(r.Context())
	var tz string
	if u, err := h.Store.GetUser(r.Context(), k.OwnerID); err == nil {
		tz = u.Timezone
	}
	now := h.Clock.Now().UTC()
	view := cabinetView{
		KeyID:            k.ID,
		Status:           k.Status(now),
		Host:             k.HostName,
		Email:            k.Email,
		IsTrial:          k.IsTrial,
		AutoRenewal:      k.AutoRenewal,
		ExpiryAt:         k.ExpiryAt,
		ExpiryLocal:      notify.FormatTime(k.ExpiryAt, rt.DisplayLocation(tz)),
		ExpiresIn:        humanize.RelTime(k.ExpiryAt, now, "ago", "from now"),
		SubscriptionLink: k.SubscriptionLink,
	}
	if rt.Environment() == config.EnvironmentProduction {
		w.Header().Set("Content-Security-Policy", contentSecurityPolicy(k.SubscriptionLink))
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

// contentSecurityPolicy allows the cabinet to frame the subscription page of
// the key's panel and nothing else. Sources are exact origins; CSP has no
// mid-label wildcards.
func contentSecurityPolicy(subscriptionLink string) string {
	frame := "'none'"
	if u, err := url.Parse(subscriptionLink); err == nil && u.Host != "" && (u.Scheme == "https" || u.Scheme == "http") {
		frame = u.Scheme + "://" + u.Host
	}
	return strings.Join([]string{
		"default-src 'self'",
		"frame-src " + frame,
		"connect-src 'self'",
		"img-src 'self' data:",
		"frame-ancestors 'none'",
		"base-uri 'none'",
	}, "; ")
}

func (h *handler) forceFulfil(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "provisioning is not available"})
		return
	}
	paymentID := strings.TrimSpace(mux.Vars(r)["payment_id"])
	res, err := h.Admin.ForceFulfil(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"payment_id": res.PaymentID,
		"applied":    res.Applied,
		"key_id":     res.Key.KeyID,
		"expiry_at":  res.Key.ExpiryAt,
	})
}

func (h *handler) deleteKey(w http.ResponseWriter, r *http.Request) {
	if h.Admin == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "provisioning is not available"})
		return
	}
	keyID, err := strconv.ParseInt(mux.Vars(r)["key_id"], 10, 64)
	if err != nil || keyID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid key id"})
		return
	}
	deleted, err := h.Admin.DeleteKey(r.Context(), keyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	if h.Monitor == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []metrics.OpStats{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": h.Monitor.Stats()})
}

// requireAdmin accepts the configured token as a bearer token or in
// X-Keyengine-Token. Without a configured token every admin call is refused.
func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin endpoints require KEYENGINE_ADMIN_TOKEN"})
			return
		}
		provided := extractBearer(r.Header.Get("Authorization"))
		if provided == "" {
			provided = strings.TrimSpace(r.Header.Get("X-Keyengine-Token"))
		}
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.AdminToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// logRequests logs the route template rather than the path so cabinet tokens
// stay out of the log.
func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.Clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := h.Clock.Now().Sub(start)
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(rec.status))
		}
		h.Monitor.Record("http "+r.Method+" "+route, elapsed, err)
		h.Logger.Debug("http request", "method", r.Method, "route", route, "status", rec.status, "elapsed", elapsed)
	})
}

func (h *handler) runtime(ctx context.Context) config.Runtime {
	rt, err := config.LoadRuntime(ctx, h.Store, h.DefaultDomain)
	if err != nil {
		h.Logger.Warn("load settings", "err", err)
		return config.NewRuntime(nil, h.DefaultDomain)
	}
	return rt
}

// writeError maps an error kind to a status code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, failure.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, failure.Validation), errors.Is(err, failure.ConfigurationMissing):
		status = http.StatusBadRequest
	case failure.Retriable(err), errors.Is(err, failure.AuthFailed), errors.Is(err, failure.InboundMissing):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": failure.Kind(err)})
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
