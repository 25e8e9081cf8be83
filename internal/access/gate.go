// Package access issues permanent cabinet tokens and resolves them back to
// keys.
package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

const tokenBytes = 32

// NewToken returns 256 random bits as unpadded base64url (43 characters).
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// LinkSource asks a panel for a client's subscription link.
type LinkSource interface {
	SubscriptionLink(ctx context.Context, h store.Host, email string) (string, error)
}

// Claim is what a token proves. KeyDeleted distinguishes a link that used to
// work from one that was never issued.
type Claim struct {
	Token      string
	OwnerID    int64
	KeyID      int64
	KeyDeleted bool
}

type Gate struct {
	store  *store.Store
	links  LinkSource
	logger *slog.Logger
	heal   singleflight.Group
}

func NewGate(s *store.Store, links LinkSource, logger *slog.Logger) *Gate {
	return &Gate{
		store:  s,
		links:  links,
		logger: logpkg.OrDiscard(logger).With("component", "access"),
	}
}

// IssueOrFetch returns the token of (owner, key), creating it on first use.
// Concurrent callers for the same pair get the same token.
func (g *Gate) IssueOrFetch(ctx context.Context, ownerID, keyID int64) (string, error) {
	existing, err := g.store.FindToken(ctx, ownerID, keyID)
	if err == nil {
		return existing.Token, nil
	}
	if !errors.Is(err, failure.NotFound) {
		return "", err
	}
	k, err := g.store.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	if k.OwnerID != ownerID {
		return "", failure.New(failure.Validation, "key %d does not belong to owner %d", keyID, ownerID)
	}
	candidate, err := NewToken()
	if err != nil {
		return "", failure.Wrap(err, failure.Validation, "generate token")
	}
	return g.store.EnsureToken(ctx, ownerID, keyID, candidate)
}

// Validate resolves a token. Unknown tokens fail with TokenInvalid; tokens
// whose key is gone succeed with KeyDeleted set.
func (g *Gate) Validate(ctx context.Context, token string) (Claim, error) {
	found, err := g.lookup(ctx, token)
	if err != nil {
		return Claim{}, err
	}
	return claimOf(found), nil
}

func (g *Gate) lookup(ctx context.Context, token string) (store.TokenLookup, error) {
	token = strings.TrimSpace(token)
	if len(token) < 22 {
		return store.TokenLookup{}, failure.New(failure.TokenInvalid, "malformed token")
	}
	return g.store.LookupToken(ctx, token)
}

func claimOf(found store.TokenLookup) Claim {
	return Claim{
		Token:      found.Token.Token,
		OwnerID:    found.OwnerID,
		KeyID:      found.KeyID,
		KeyDeleted: found.Key == nil,
	}
}

// ReadKey returns the key behind a token. A key that has a subscription id
// but no stored link gets the link from the panel and persisted before it is
// returned; concurrent reads of the same key share one panel request.
func (g *Gate) ReadKey(ctx context.Context, token string) (store.Key, Claim, error) {
	found, err := g.lookup(ctx, token)
	if err != nil {
		return store.Key{}, Claim{}, err
	}
	claim := claimOf(found)
	if claim.KeyDeleted {
		return store.Key{}, claim, failure.New(failure.KeyDeleted, "key %d was deleted", claim.KeyID)
	}
	k := *found.Key
	if k.SubscriptionID == "" || k.SubscriptionLink != "" || g.links == nil {
		return k, claim, nil
	}

	link, err, _ := g.heal.Do(strconv.FormatInt(k.ID, 10), func() (any, error) {
		return g.healLink(ctx, k)
	})
	if err != nil {
		g.logger.Warn("subscription link self-heal failed", "key", k.ID, "err", err)
		return k, claim, nil
	}
	k.SubscriptionLink = link.(string)
	return k, claim, nil
}

func (g *Gate) healLink(ctx context.Context, k store.Key) (string, error) {
	// A concurrent reader may have healed the row already.
	if fresh, err := g.store.GetKey(ctx, k.ID); err == nil && fresh.SubscriptionLink != "" {
		return fresh.SubscriptionLink, nil
	}
	h, err := g.store.GetHost(ctx, k.HostName)
	if err != nil {
		return "", err
	}
	link, err := g.links.SubscriptionLink(ctx, h, k.Email)
	if err != nil {
		return "", err
	}
	if _, err := g.store.SetSubscriptionLink(ctx, k.ID, link); err != nil {
		return "", err
	}
	g.logger.Info("subscription link restored", "key", k.ID, "host", k.HostName)
	return link, nil
}
