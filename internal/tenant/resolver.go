// Package tenant maps provider channel identifiers to internal tenancy.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/relayworks/wahub/internal/repository"
)

// ErrAccountNotFound means the channel identifier maps to no known account.
// This is a terminal condition, not a transient one: retrying cannot create
// the missing mapping, so callers must drop the event (after audit-logging
// it) instead of feeding it back through the queue.
var ErrAccountNotFound = errors.New("whatsapp account not found for channel identifier")

// AccountResolution attributes a webhook to its tenant.
type AccountResolution struct {
	TenantID      uuid.UUID
	AccountID     uuid.UUID
	OwnerMemberID uuid.UUID
}

// Resolver answers "whose event is this?" for every inbound webhook. It is
// a pure read with a short-TTL cache in front: the same instance sends
// bursts of events, and 30 seconds of staleness is acceptable because
// account mappings change on the order of days, not seconds.
type Resolver struct {
	accounts repository.AccountRepository
	cache    *gocache.Cache
	logger   *zap.Logger
}

const (
	cacheTTL     = 30 * time.Second
	cacheCleanup = 5 * time.Minute
)

func NewResolver(accounts repository.AccountRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		accounts: accounts,
		cache:    gocache.New(cacheTTL, cacheCleanup),
		logger:   logger,
	}
}

// ResolveAccount maps an Evolution instance id or a Cloud API
// phone_number_id (both live in the same instance_id column) to the owning
// tenant, account, and member. No write side effects.
func (r *Resolver) ResolveAccount(ctx context.Context, channelID string) (*AccountResolution, error) {
	if channelID == "" {
		return nil, ErrAccountNotFound
	}

	if cached, ok := r.cache.Get(channelID); ok {
		res := cached.(AccountResolution)
		return &res, nil
	}

	account, err := r.accounts.GetByInstanceID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		// Deliberately not cached: an operator backfilling the mapping
		// should take effect on the next delivery, not after a TTL.
		r.logger.Warn("no whatsapp account for channel identifier",
			zap.String("channel_id", channelID),
		)
		return nil, ErrAccountNotFound
	}

	res := AccountResolution{
		TenantID:      account.TenantID,
		AccountID:     account.ID,
		OwnerMemberID: account.OwnerMemberID,
	}
	r.cache.Set(channelID, res, gocache.DefaultExpiration)
	return &res, nil
}
