package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/keylock"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// ForceFulfil re-drives a stored payment from its recorded order. Succeeded
// payments replay, panel-applied ones reconcile, the rest run again.
func (p *Provisioner) ForceFulfil(ctx context.Context, paymentID string) (FulfilResult, error) {
	prior, err := p.store.GetTransaction(ctx, paymentID)
	if err != nil {
		return FulfilResult{}, err
	}
	a, err := decodeAttempt(prior.Metadata)
	if err != nil {
		return FulfilResult{}, err
	}
	if a.Order.PaymentID == "" {
		return FulfilResult{}, failure.New(failure.Validation, "payment %s has no recorded order", paymentID)
	}
	res, err := p.Fulfil(ctx, a.Order)
	detail := fmt.Sprintf("payment=%s status=%s", prior.PaymentID, prior.Status)
	if err != nil {
		detail += " err=" + err.Error()
	}
	if aerr := p.store.InsertAuditLog(ctx, OriginAdmin, "force_fulfil", detail); aerr != nil {
		p.logger.Warn("audit log write failed", "err", aerr)
	}
	return res, err
}

// DeleteKey removes the client from its panel and then the key row. The
// key's cabinet token is kept.
func (p *Provisioner) DeleteKey(ctx context.Context, keyID int64) (bool, error) {
	defer p.locks.Lock(keylock.Key, keyID)()

	k, err := p.store.GetKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	h, err := p.store.GetHost(ctx, k.HostName)
	switch {
	case err == nil:
		if _, err := p.panel.DeleteClientOnHost(ctx, h, k.Email, k.RemoteUUID); err != nil {
			return false, err
		}
	case errors.Is(err, failure.ConfigurationMissing):
		// The host was removed from the catalog; look for the client anywhere.
		hosts, err := p.store.ListHosts(ctx)
		if err != nil {
			return false, err
		}
		if !p.panel.DeleteClientByUUID(ctx, hosts, k.RemoteUUID) {
			p.logger.Warn("client not found on any host", "key", k.ID, "uuid", k.RemoteUUID)
		}
	default:
		return false, err
	}

	deleted, err := p.store.DeleteKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if err := p.store.InsertAuditLog(ctx, OriginAdmin, "key_delete", fmt.Sprintf("key=%d email=%s", k.ID, k.Email)); err != nil {
		p.logger.Warn("audit log write failed", "err", err)
	}
	p.logger.Info("key deleted", "key", k.ID, "owner", k.OwnerID, "host", k.HostName)
	return deleted, nil
}

// SetAutoRenewal toggles balance-funded renewal of a key.
func (p *Provisioner) SetAutoRenewal(ctx context.Context, keyID int64, enabled bool) error {
	defer p.locks.Lock(keylock.Key, keyID)()
	ok, err := p.store.SetAutoRenewal(ctx, keyID, enabled)
	if err != nil {
		return err
	}
	if !ok {
		return failure.New(failure.NotFound, "key %d not found", keyID)
	}
	state := "off"
	if enabled {
		state = "on"
	}
	if err := p.store.InsertAuditLog(ctx, OriginAdmin, "auto_renewal_"+state, fmt.Sprintf("key=%d", keyID)); err != nil {
		p.logger.Warn("audit log write failed", "err", err)
	}
	return nil
}

// Maintainer is the optional panel surface for operator maintenance.
// *panel.Client implements it.
type Maintainer interface {
	SetClientEnabled(ctx context.Context, h store.Host, email string, enabled bool) error
	Probe(ctx context.Context, h store.Host) error
}

func (p *Provisioner) maintainer() (Maintainer, error) {
	m, ok := p.panel.(Maintainer)
	if !ok {
		return nil, failure.New(failure.ConfigurationMissing, "panel client does not support maintenance calls")
	}
	return m, nil
}

// SetKeyEnabled pauses or resumes a key on its panel without touching its
// expiry. The store is not changed.
func (p *Provisioner) SetKeyEnabled(ctx context.Context, keyID int64, enabled bool) error {
	m, err := p.maintainer()
	if err != nil {
		return err
	}
	defer p.locks.Lock(keylock.Key, keyID)()

	k, err := p.store.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if k.RevokedAt != nil {
		return failure.New(failure.Validation, "key %d is revoked", keyID)
	}
	h, err := p.store.GetHost(ctx, k.HostName)
	if err != nil {
		return err
	}
	if err := m.SetClientEnabled(ctx, h, k.Email, enabled); err != nil {
		return err
	}
	action := "key_disable"
	if enabled {
		action = "key_enable"
	}
	if err := p.store.InsertAuditLog(ctx, OriginAdmin, action, fmt.Sprintf("key=%d email=%s", k.ID, k.Email)); err != nil {
		p.logger.Warn("audit log write failed", "err", err)
	}
	return nil
}

// ProbeHost logs in to a host even while it is quarantined. A success lifts
// the quarantine.
func (p *Provisioner) ProbeHost(ctx context.Context, hostName string) error {
	m, err := p.maintainer()
	if err != nil {
		return err
	}
	h, err := p.store.GetHost(ctx, hostName)
	if err != nil {
		return err
	}
	return p.monitor.Time("probe", func() error { return m.Probe(ctx, h) })
}

// PaymentID builds a payment id for engine-initiated orders.
func PaymentID(prefix string) string {
	return strings.TrimSuffix(prefix, "_") + "_" + newPaymentSuffix()
}
