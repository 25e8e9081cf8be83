package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vpnshop-bot/keyengine/internal/config"
	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/provision"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// expiryMarks are the subscription_expiry warnings, smallest first.
var expiryMarks = []time.Duration{time.Hour, 24 * time.Hour}

func hours(d time.Duration) int {
	return int(d / time.Hour)
}

// expiryMark returns the tightest warning mark left has crossed. Only that
// mark is sent, so a key first seen 30 minutes before expiry gets one
// warning rather than two.
func expiryMark(left time.Duration) (int, bool) {
	for _, mark := range expiryMarks {
		if left <= mark {
			return hours(mark), true
		}
	}
	return 0, false
}

func (m *Manager) processKey(ctx context.Context, k store.Key, now time.Time, rt config.Runtime, t *tally) error {
	if k.ExpiryAt.IsZero() || k.RevokedAt != nil {
		return nil
	}
	if now.After(k.ExpiryAt.Add(m.cfg.Grace)) {
		return m.revoke(ctx, k, now, rt, t)
	}
	left := k.ExpiryAt.Sub(now)
	if left <= 0 || left > max(m.cfg.NoticeLead, expiryMarks[len(expiryMarks)-1]) {
		return nil
	}

	user, err := m.user(ctx, k.OwnerID)
	if err != nil {
		return err
	}
	plan, planErr := m.renewalPlan(ctx, k)
	if planErr != nil && !errors.Is(planErr, failure.ConfigurationMissing) {
		return planErr
	}
	info := m.keyInfo(ctx, k, rt, user.Timezone)
	covered := k.AutoRenewal && !k.IsTrial && planErr == nil && !user.Balance.LessThan(plan.Price)

	if !covered {
		if mark, ok := expiryMark(left); ok {
			m.emit(ctx, k, info, store.MarkerSubscriptionExpiry, mark, notify.ExpiryWarning(info, now), t)
		}
	}
	if left <= m.cfg.NoticeLead && !k.IsTrial {
		notice := hours(m.cfg.NoticeLead)
		switch {
		case !k.AutoRenewal:
			m.emit(ctx, k, info, store.MarkerAutoRenewDisabled, notice,
				notify.AutoRenewDisabled(info, "Auto-renewal is turned off."), t)
		case planErr != nil:
			m.emit(ctx, k, info, store.MarkerPlanUnavailable, notice, notify.PlanUnavailable(info), t)
		case !covered:
			reason := fmt.Sprintf("Your balance %s does not cover the price %s.", notify.FormatMoney(user.Balance), notify.FormatMoney(plan.Price))
			m.emit(ctx, k, info, store.MarkerAutoRenewDisabled, notice, notify.AutoRenewDisabled(info, reason), t)
		default:
			m.emit(ctx, k, info, store.MarkerAutoRenewNotice, notice, notify.AutoRenewNotice(info, plan.Price, now), t)
		}
	}
	if covered && left <= m.cfg.ChargeLead {
		return m.autoRenew(ctx, k, plan, info, rt, t)
	}
	return nil
}

// renewalPlan returns the plan k renews on, as long as it is still sold on
// the key's host.
func (m *Manager) renewalPlan(ctx context.Context, k store.Key) (store.Plan, error) {
	p, err := m.store.GetPlan(ctx, k.PlanRef)
	if err != nil {
		return store.Plan{}, err
	}
	if p.HostName != k.HostName {
		return store.Plan{}, failure.New(failure.ConfigurationMissing, "plan %s moved from %s to %s", p.ID, k.HostName, p.HostName)
	}
	return p, nil
}

// autoRenew charges the balance for one more period. The charge marker is
// committed with the debit, so a second tick finds it and stops.
func (m *Manager) autoRenew(ctx context.Context, k store.Key, plan store.Plan, info notify.KeyInfo, rt config.Runtime, t *tally) error {
	charge := hours(m.cfg.ChargeLead)
	sent, err := m.store.MarkerSent(ctx, k.OwnerID, k.ID, store.MarkerAutoRenewalCharge, charge, k.ExpiryAt)
	if err != nil || sent {
		return err
	}

	deadline := k.ExpiryAt
	paymentID := provision.PaymentID(provision.MethodBalance)
	res, err := m.renewer.Fulfil(ctx, provision.Order{
		OwnerID:   k.OwnerID,
		HostName:  k.HostName,
		PlanID:    plan.ID,
		Kind:      provision.KindRenew,
		PaymentID: paymentID,
		Amount:    plan.Price,
		Method:    provision.MethodBalance,
		KeyID:     k.ID,
		Comment:   "auto-renewal",
		Origin:    provision.OriginAutoRenewal,
		Guard: func(st provision.GuardState) error {
			switch {
			case st.Key == nil || !st.Key.AutoRenewal:
				return failure.New(failure.Validation, "auto-renewal of key %d was turned off", k.ID)
			case !st.Key.ExpiryAt.Equal(deadline):
				return failure.New(failure.Validation, "key %d was renewed since the sweep read it", k.ID)
			case st.User.Balance.LessThan(st.Plan.Price):
				return failure.New(failure.Validation, "insufficient balance for key %d", k.ID)
			}
			return nil
		},
		Marker: &store.MarkerWrite{
			OwnerID:  k.OwnerID,
			KeyID:    k.ID,
			Kind:     store.MarkerAutoRenewalCharge,
			Hours:    charge,
			Deadline: deadline,
			Status:   store.MarkerStatusSent,
			Message:  paymentID,
		},
	})
	if errors.Is(err, failure.ConfigurationMissing) {
		m.emit(ctx, k, info, store.MarkerPlanUnavailable, hours(m.cfg.NoticeLead), notify.PlanUnavailable(info), t)
		return nil
	}
	if err != nil {
		// No marker was written; the next tick tries again.
		return err
	}
	t.renewed.Add(1)
	m.monitor.Collector().Marker(store.MarkerAutoRenewalCharge, store.MarkerStatusSent)

	user, err := m.user(ctx, k.OwnerID)
	if err != nil {
		m.logger.Warn("read balance after renewal", "key", k.ID, "err", err)
	}
	renewed := notify.Localize(notify.FromReceipt(res.Key), rt, user.Timezone, res.Key.Token)
	m.deducted(ctx, res.Key, renewed, plan.Price, user.Balance, paymentID)
	return nil
}

// deducted tells the owner about a balance charge and logs it in the
// notifications table. Failures are logged only.
func (m *Manager) deducted(ctx context.Context, r store.Receipt, info notify.KeyInfo, amount, balance decimal.Decimal, paymentID string) {
	status := store.MarkerStatusSent
	if err := m.notifier.SendText(ctx, r.OwnerID, notify.BalanceDeducted(info, amount, balance), notify.KeyButtons(info)); err != nil {
		status = store.MarkerStatusFailed
		m.logger.Warn("balance notification failed", "owner", r.OwnerID, "key", r.KeyID, "err", err)
	}
	if _, err := m.store.RecordMarker(ctx, store.MarkerWrite{
		OwnerID:  r.OwnerID,
		KeyID:    r.KeyID,
		Kind:     store.NotificationBalanceDeducted,
		Deadline: r.ExpiryAt,
		Status:   status,
		Message:  paymentID,
	}); err != nil {
		m.logger.Warn("record balance notification", "key", r.KeyID, "err", err)
	}
	m.monitor.Collector().Marker(store.NotificationBalanceDeducted, status)
}

// revoke removes a key whose grace period ran out. The panel delete comes
// first; revoked_at and the marker are only written once it succeeded.
func (m *Manager) revoke(ctx context.Context, k store.Key, now time.Time, rt config.Runtime, t *tally) error {
	defer m.locks.Lock(keylock.Key, k.ID)()

	k, err := m.store.GetKey(ctx, k.ID)
	if errors.Is(err, failure.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if k.RevokedAt != nil || !now.After(k.ExpiryAt.Add(m.cfg.Grace)) {
		return nil
	}

	h, err := m.store.GetHost(ctx, k.HostName)
	switch {
	case err == nil:
		if _, err := m.panel.DeleteClientOnHost(ctx, h, k.Email, k.RemoteUUID); err != nil {
			return err
		}
	case errors.Is(err, failure.ConfigurationMissing):
		hosts, err := m.store.ListHosts(ctx)
		if err != nil {
			return err
		}
		if !m.panel.DeleteClientByUUID(ctx, hosts, k.RemoteUUID) {
			m.logger.Warn("revoked client not found on any host", "key", k.ID, "uuid", k.RemoteUUID)
		}
	default:
		return err
	}

	err = m.store.RecordRevocation(ctx, k.ID, store.MarkerWrite{
		OwnerID:  k.OwnerID,
		KeyID:    k.ID,
		Kind:     store.MarkerKeyRevocation,
		Deadline: k.ExpiryAt,
		Status:   store.MarkerStatusSent,
	})
	if errors.Is(err, failure.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t.revoked.Add(1)
	m.monitor.Collector().Marker(store.MarkerKeyRevocation, store.MarkerStatusSent)
	if err := m.store.InsertAuditLog(ctx, "scheduler", "key_revoke", fmt.Sprintf("key=%d email=%s expiry=%s", k.ID, k.Email, k.ExpiryAt.Format(time.DateTime))); err != nil {
		m.logger.Warn("audit log write failed", "err", err)
	}
	m.logger.Info("key revoked", "key", k.ID, "owner", k.OwnerID, "host", k.HostName, "expiry", k.ExpiryAt)

	var tz string
	if u, err := m.user(ctx, k.OwnerID); err == nil {
		tz = u.Timezone
	}
	info := m.keyInfo(ctx, k, rt, tz)
	if err := m.notifier.SendText(ctx, k.OwnerID, notify.KeyRevoked(info), nil); err != nil {
		m.logger.Warn("revocation notification failed", "key", k.ID, "err", err)
	}
	return nil
}

// emit sends a marker notification unless the same marker was already sent
// for this deadline. Failures are logged; the marker stays unset and the
// next tick tries again.
func (m *Manager) emit(ctx context.Context, k store.Key, info notify.KeyInfo, kind string, markHours int, text string, t *tally) {
	sent, err := m.store.MarkerSent(ctx, k.OwnerID, k.ID, kind, markHours, k.ExpiryAt)
	if err != nil {
		m.logger.Warn("check marker", "key", k.ID, "kind", kind, "err", err)
		return
	}
	if sent {
		return
	}
	if err := m.send(ctx, k, info, kind, markHours, text, store.MarkerStatusSent); err != nil {
		m.logger.Warn("marker not emitted", "key", k.ID, "kind", kind, "hours", markHours, "err", err)
		return
	}
	t.emitted.Add(1)
}

func (m *Manager) send(ctx context.Context, k store.Key, info notify.KeyInfo, kind string, markHours int, text, status string) error {
	if err := m.notifier.SendText(ctx, k.OwnerID, text, notify.KeyButtons(info)); err != nil {
		m.monitor.Collector().Marker(kind, store.MarkerStatusFailed)
		return fmt.Errorf("send %s to owner %d: %w", kind, k.OwnerID, err)
	}
	if _, err := m.store.RecordMarker(ctx, store.MarkerWrite{
		OwnerID:  k.OwnerID,
		KeyID:    k.ID,
		Kind:     kind,
		Hours:    markHours,
		Deadline: k.ExpiryAt,
		Status:   status,
	}); err != nil {
		return err
	}
	m.monitor.Collector().Marker(kind, status)
	return nil
}

// ForceEmit re-sends a marker notification regardless of earlier sends and
// records it as resent.
func (m *Manager) ForceEmit(ctx context.Context, keyID int64, kind string, markHours int) error {
	k, err := m.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	user, err := m.user(ctx, k.OwnerID)
	if err != nil {
		return err
	}
	now := m.clock.Now().UTC()
	info := m.keyInfo(ctx, k, m.runtime(ctx), user.Timezone)

	var text string
	switch kind {
	case store.MarkerSubscriptionExpiry:
		text = notify.ExpiryWarning(info, now)
	case store.MarkerAutoRenewNotice:
		plan, err := m.renewalPlan(ctx, k)
		if err != nil {
			return err
		}
		text = notify.AutoRenewNotice(info, plan.Price, now)
	case store.MarkerAutoRenewDisabled:
		text = notify.AutoRenewDisabled(info, "")
	case store.MarkerPlanUnavailable:
		text = notify.PlanUnavailable(info)
	case store.MarkerKeyRevocation:
		text = notify.KeyRevoked(info)
	default:
		return failure.New(failure.Validation, "marker %q cannot be re-sent", kind)
	}
	if err := m.send(ctx, k, info, kind, markHours, text, store.MarkerStatusResent); err != nil {
		return err
	}
	if err := m.store.InsertAuditLog(ctx, provision.OriginAdmin, "marker_resend", fmt.Sprintf("key=%d kind=%s hours=%d", k.ID, kind, markHours)); err != nil {
		m.logger.Warn("audit log write failed", "err", err)
	}
	return nil
}
