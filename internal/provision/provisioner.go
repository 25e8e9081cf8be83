// Package provision turns paid orders into panel clients and key rows.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/vpnshop-bot/keyengine/internal/access"
	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/metrics"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/panel"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// Panel is the part of the panel client the provisioner drives.
type Panel interface {
	UpsertClient(ctx context.Context, h store.Host, req panel.UpsertRequest) (panel.UpsertResult, error)
	ClientDetails(ctx context.Context, h store.Host, email, clientUUID string) (panel.Details, error)
	SubscriptionLink(ctx context.Context, h store.Host, email string) (string, error)
	DeleteClientOnHost(ctx context.Context, h store.Host, email, clientUUID string) (bool, error)
	DeleteClientByUUID(ctx context.Context, hosts []store.Host, clientUUID string) bool
	RevertUpsert(ctx context.Context, h store.Host, email, clientUUID string, prev *panel.ClientSnapshot) error
}

type Provisioner struct {
	store    *store.Store
	panel    Panel
	notifier notify.Notifier
	locks    *keylock.Locker
	monitor  *metrics.Monitor
	clock    clock.Clock
	logger   *slog.Logger
	domain   string
}

type Option func(*Provisioner)

func WithNotifier(n notify.Notifier) Option {
	return func(p *Provisioner) { p.notifier = notify.OrDiscard(n) }
}

// WithLocker shares the key locks with the scheduler.
func WithLocker(l *keylock.Locker) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.locks = l
		}
	}
}

func WithMonitor(m *metrics.Monitor) Option {
	return func(p *Provisioner) { p.monitor = m }
}

func WithClock(c clock.Clock) Option {
	return func(p *Provisioner) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = logpkg.OrDiscard(l) }
}

// WithDefaultDomain is the cabinet domain used when no domain setting exists.
func WithDefaultDomain(domain string) Option {
	return func(p *Provisioner) { p.domain = strings.TrimSpace(domain) }
}

func New(s *store.Store, pc Panel, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:    s,
		panel:    pc,
		notifier: notify.Discard{},
		locks:    keylock.New(),
		clock:    clock.WallClock,
		logger:   logpkg.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "provision")
	return p
}

// Locker returns the lock set fulfils serialize on.
func (p *Provisioner) Locker() *keylock.Locker { return p.locks }

// Fulfil applies o exactly once per payment id. A repeated call returns the
// stored result with Applied false and does not touch the panel.
func (p *Provisioner) Fulfil(ctx context.Context, o Order) (FulfilResult, error) {
	start := p.clock.Now()
	res, err := p.fulfil(ctx, o)
	p.monitor.Record("fulfil", p.clock.Now().Sub(start), err)
	p.monitor.Collector().Fulfil(o.origin(), err, res.Applied)
	if err != nil {
		p.logger.Warn("fulfil failed", "payment", o.PaymentID, "owner", o.OwnerID, "kind", o.Kind, "key", o.KeyID, "err", err)
	}
	return res, err
}

func (p *Provisioner) fulfil(ctx context.Context, o Order) (FulfilResult, error) {
	o.PaymentID = strings.TrimSpace(o.PaymentID)
	o.HostName = strings.TrimSpace(o.HostName)
	if err := o.validate(); err != nil {
		return FulfilResult{}, err
	}

	defer p.locks.Lock(keylock.Payment, o.PaymentID)()
	if o.Kind == KindNew {
		defer p.locks.Lock(keylock.Owner, o.OwnerID)()
	} else {
		defer p.locks.Lock(keylock.Key, o.KeyID)()
	}

	prior, err := p.store.GetTransaction(ctx, o.PaymentID)
	switch {
	case err == nil:
		if prior.OwnerID != o.OwnerID {
			return FulfilResult{}, failure.New(failure.Validation, "payment %s belongs to owner %d", o.PaymentID, prior.OwnerID)
		}
		switch prior.Status {
		case store.TxStatusSucceeded:
			return replay(prior)
		case store.TxStatusPanelApplied:
			return p.reconcile(ctx, o, prior)
		}
	case !errors.Is(err, failure.NotFound):
		return FulfilResult{}, err
	}

	host, plan, err := p.resolve(ctx, o)
	if err != nil {
		return FulfilResult{}, err
	}
	o.HostName = host.Name

	var key *store.Key
	var email string
	if o.Kind == KindNew {
		n, err := p.store.NextKeyNumber(ctx, o.OwnerID)
		if err != nil {
			return FulfilResult{}, err
		}
		email = store.KeyEmail(o.OwnerID, n, host.Code)
	} else {
		k, err := p.targetKey(ctx, o, host)
		if err != nil {
			return FulfilResult{}, err
		}
		key = &k
		email = k.Email
	}

	user, err := p.store.GetUser(ctx, o.OwnerID)
	if errors.Is(err, failure.NotFound) {
		user = store.User{OwnerID: o.OwnerID}
	} else if err != nil {
		return FulfilResult{}, err
	}
	if o.Method == MethodBalance && user.Balance.LessThan(o.Amount) {
		return FulfilResult{}, failure.New(failure.Validation, "insufficient balance: have %s need %s", user.Balance, o.Amount)
	}
	if o.Guard != nil {
		if err := o.Guard(GuardState{Key: key, User: user, Plan: plan}); err != nil {
			return FulfilResult{}, err
		}
	}

	a := attempt{Order: o, Email: email, Plan: plan}
	meta, err := a.encode()
	if err != nil {
		return FulfilResult{}, err
	}
	if _, err := p.store.BeginPayment(ctx, store.PaymentStart{
		PaymentID: o.PaymentID,
		OwnerID:   o.OwnerID,
		Amount:    o.Amount,
		Method:    o.Method,
		Metadata:  meta,
	}); err != nil {
		return FulfilResult{}, err
	}

	req := panel.UpsertRequest{
		Email:      email,
		Add:        plan.Duration(),
		QuotaGB:    plan.QuotaGB,
		Comment:    o.Comment,
		TelegramID: o.OwnerID,
	}
	if plan.SubscriptionMode() {
		req.SubID = newSubscriptionID()
		if key != nil && key.SubscriptionID != "" {
			req.SubID = key.SubscriptionID
		}
	}
	up, err := p.panel.UpsertClient(ctx, host, req)
	if err != nil {
		if ferr := p.store.MarkTransactionFailed(ctx, o.PaymentID, err.Error()); ferr != nil {
			p.logger.Error("record failed payment", "payment", o.PaymentID, "err", ferr)
		}
		return FulfilResult{}, err
	}

	out := &panelOutcome{
		RemoteUUID:       up.RemoteUUID,
		ExpiryAt:         up.Expiry,
		Created:          up.Created,
		SubscriptionID:   up.SubID,
		ConnectionString: up.ConnectionString,
		Previous:         up.Previous,
	}
	if plan.SubscriptionMode() && out.SubscriptionID != "" {
		link, err := p.panel.SubscriptionLink(ctx, host, email)
		if err != nil {
			// The access gate fills the link on first read.
			p.logger.Warn("subscription link not captured", "payment", o.PaymentID, "host", host.Name, "err", err)
		} else {
			out.SubscriptionLink = link
		}
	}
	a.Panel = out
	if meta, err = a.encode(); err != nil {
		return FulfilResult{}, err
	}
	if err := p.store.MarkPanelApplied(ctx, o.PaymentID, meta); err != nil {
		// The commit below writes the same metadata and the final status in
		// one transaction, so a lost mark only matters if that fails too.
		p.logger.Error("record panel result", "payment", o.PaymentID, "err", err)
	}
	return p.commit(ctx, o, a, meta)
}

// reconcile finishes a payment whose panel change was applied but never
// committed locally. The panel is read, not written.
func (p *Provisioner) reconcile(ctx context.Context, o Order, prior store.Transaction) (FulfilResult, error) {
	a, err := decodeAttempt(prior.Metadata)
	if err != nil {
		return FulfilResult{}, err
	}
	if a.Panel == nil {
		return FulfilResult{}, failure.New(failure.CommitFailed, "payment %s has no recorded panel result", o.PaymentID)
	}
	stored := a.Order
	stored.Guard = nil
	stored.Marker = o.Marker

	h, err := p.store.GetHost(ctx, stored.HostName)
	if err != nil {
		return FulfilResult{}, err
	}
	d, err := p.panel.ClientDetails(ctx, h, a.Email, a.Panel.RemoteUUID)
	switch {
	case err == nil:
		a.Panel.RemoteUUID = d.RemoteUUID
		if !d.Expiry.IsZero() {
			a.Panel.ExpiryAt = d.Expiry
		}
		if d.SubscriptionLink != "" {
			a.Panel.SubscriptionLink = d.SubscriptionLink
		}
		if d.ConnectionString != "" {
			a.Panel.ConnectionString = d.ConnectionString
		}
	case failure.Retriable(err):
		return FulfilResult{}, err
	default:
		p.logger.Warn("reconcile without panel confirmation", "payment", o.PaymentID, "err", err)
	}
	meta, err := a.encode()
	if err != nil {
		return FulfilResult{}, err
	}
	p.logger.Info("reconciling payment", "payment", o.PaymentID, "uuid", a.Panel.RemoteUUID)
	return p.commit(ctx, stored, a, meta)
}

func (p *Provisioner) commit(ctx context.Context, o Order, a attempt, meta string) (FulfilResult, error) {
	token, err := access.NewToken()
	if err != nil {
		return FulfilResult{}, failure.Wrap(err, failure.CommitFailed, "generate token")
	}
	r, err := p.store.CommitFulfilment(ctx, store.FulfilmentWrite{
		PaymentID:        o.PaymentID,
		Method:           o.Method,
		Metadata:         meta,
		OwnerID:          o.OwnerID,
		KeyID:            o.KeyID,
		HostName:         o.HostName,
		Email:            a.Email,
		RemoteUUID:       a.Panel.RemoteUUID,
		ExpiryAt:         a.Panel.ExpiryAt,
		IsTrial:          o.IsTrial,
		PlanRef:          a.Plan.ID,
		Price:            a.Plan.Price,
		SubscriptionID:   a.Panel.SubscriptionID,
		SubscriptionLink: a.Panel.SubscriptionLink,
		ConnectionString: a.Panel.ConnectionString,
		Amount:           o.Amount,
		Months:           a.Plan.Months(),
		DebitBalance:     o.Method == MethodBalance,
		Token:            token,
		Marker:           o.Marker,
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return FulfilResult{}, p.rollback(ctx, o, a, err)
		}
		// The row stays panel_applied; the next call with this payment id
		// reconciles.
		if merr := p.store.MarkPanelApplied(ctx, o.PaymentID, meta); merr != nil {
			p.logger.Error("record panel result after failed commit", "payment", o.PaymentID, "err", merr)
		}
		return FulfilResult{}, failure.Wrap(err, failure.CommitFailed, "commit payment %s", o.PaymentID)
	}

	detail := fmt.Sprintf("payment=%s kind=%s key=%d expiry=%s", o.PaymentID, o.Kind, r.KeyID, r.ExpiryAt.Format("2006-01-02 15:04:05"))
	if err := p.store.InsertAuditLog(ctx, o.origin(), "fulfil", detail); err != nil {
		p.logger.Warn("audit log write failed", "err", err)
	}
	p.logger.Info("fulfilled", "payment", o.PaymentID, "owner", o.OwnerID, "key", r.KeyID, "expiry", r.ExpiryAt)

	if o.origin() != OriginAutoRenewal {
		p.announce(ctx, r)
	}
	return FulfilResult{Key: r, PaymentID: o.PaymentID, Applied: true}, nil
}

// rollback undoes the panel change of a payment the store refused to commit
// because the balance no longer covers it. When the panel cannot be restored
// the row stays panel_applied and the commit failure is returned instead.
func (p *Provisioner) rollback(ctx context.Context, o Order, a attempt, cause error) error {
	committed := failure.Wrap(cause, failure.CommitFailed, "commit payment %s", o.PaymentID)
	prev := a.Panel.Previous
	if !a.Panel.Created && prev == nil {
		p.logger.Error("panel change cannot be reverted", "payment", o.PaymentID, "email", a.Email)
		return committed
	}
	if a.Panel.Created {
		prev = nil
	}
	h, err := p.store.GetHost(ctx, o.HostName)
	if err != nil {
		p.logger.Error("revert panel change", "payment", o.PaymentID, "err", err)
		return committed
	}
	if err := p.panel.RevertUpsert(ctx, h, a.Email, a.Panel.RemoteUUID, prev); err != nil {
		p.logger.Error("revert panel change", "payment", o.PaymentID, "host", h.Name, "err", err)
		return committed
	}
	if err := p.store.MarkPanelReverted(ctx, o.PaymentID, "reverted: "+cause.Error()); err != nil {
		p.logger.Warn("record reverted payment", "payment", o.PaymentID, "err", err)
	}
	p.logger.Info("panel change reverted", "payment", o.PaymentID, "email", a.Email)
	return failure.Wrap(cause, failure.Validation, "payment %s rolled back", o.PaymentID)
}

// announce sends the purchase_success key card and logs it in the notifications table.
// Failures are logged only.
func (p *Provisioner) announce(ctx context.Context, r store.Receipt) {
	rt, err := config.LoadRuntime(ctx, p.store, p.domain)
	if err != nil {
		p.logger.Warn("load settings for notification", "err", err)
		rt = config.NewRuntime(nil, p.domain)
	}
	var tz string
	if u, err := p.store.GetUser(ctx, r.OwnerID); err == nil {
		tz = u.Timezone
	}
	info := notify.Localize(notify.FromReceipt(r), rt, tz, r.Token)
	info.Headline = notify.PurchaseSuccess

	status := store.MarkerStatusSent
	if err := p.notifier.SendKeyInfo(ctx, r.OwnerID, info); err != nil {
		status = store.MarkerStatusFailed
		p.logger.Warn("purchase notification failed", "owner", r.OwnerID, "key", r.KeyID, "err", err)
	}
	if _, err := p.store.RecordMarker(ctx, store.MarkerWrite{
		OwnerID:  r.OwnerID,
		KeyID:    r.KeyID,
		Kind:     store.NotificationPurchaseSuccess,
		Deadline: r.ExpiryAt,
		Status:   status,
	}); err != nil {
		p.logger.Warn("record purchase notification", "err", err)
	}
}

func replay(prior store.Transaction) (FulfilResult, error) {
	r, err := prior.Receipt()
	if err != nil {
		return FulfilResult{}, failure.Wrap(err, failure.CommitFailed, "replay payment %s", prior.PaymentID)
	}
	return FulfilResult{Key: r, PaymentID: prior.PaymentID, Applied: false}, nil
}

func (p *Provisioner) resolve(ctx context.Context, o Order) (store.Host, store.Plan, error) {
	plan, err := p.store.GetPlan(ctx, o.PlanID)
	if err != nil {
		return store.Host{}, store.Plan{}, err
	}
	if o.HostName != "" && o.HostName != plan.HostName {
		return store.Host{}, store.Plan{}, failure.New(failure.Validation, "plan %s is not sold on host %s", plan.ID, o.HostName)
	}
	if plan.Duration() <= 0 {
		return store.Host{}, store.Plan{}, failure.New(failure.ConfigurationMissing, "plan %s has no duration", plan.ID)
	}
	host, err := p.store.GetHost(ctx, plan.HostName)
	if err != nil {
		return store.Host{}, store.Plan{}, err
	}
	return host, plan, nil
}

func (p *Provisioner) targetKey(ctx context.Context, o Order, host store.Host) (store.Key, error) {
	k, err := p.store.GetKey(ctx, o.KeyID)
	if errors.Is(err, failure.NotFound) {
		return store.Key{}, failure.Wrap(err, failure.Validation, "%s order", o.Kind)
	}
	if err != nil {
		return store.Key{}, err
	}
	if k.OwnerID != o.OwnerID {
		return store.Key{}, failure.New(failure.Validation, "key %d does not belong to owner %d", k.ID, o.OwnerID)
	}
	if k.HostName != host.Name {
		return store.Key{}, failure.New(failure.Validation, "key %d lives on %s, plan is sold on %s", k.ID, k.HostName, host.Name)
	}
	return k, nil
}

func newSubscriptionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func newPaymentSuffix() string {
	return uuid.NewString()
}
