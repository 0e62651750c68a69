package enrich

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lead-sync-service/internal/registry"
	"lead-sync-service/internal/store"
)

const (
	PolicyDealer  = "dealer"
	PolicyPrivate = "private"
	PolicyBuyer   = "buyer"
)

// Lookuper is the registry surface the policies use.
type Lookuper interface {
	Lookup(ctx context.Context, plate string) (*registry.Vehicle, error)
}

// RegistryPolicy caches the registry profile of plates on active listings from one
// seller type. Unknown plates are stored as not found so they leave the queue. A plate
// whose lookup failed is skipped until retryAfter has passed.
type RegistryPolicy struct {
	sellerType string
	lookup     Lookuper
	store      store.Store
	retryAfter time.Duration
	now        func() time.Time
}

func NewRegistryPolicy(sellerType string, lookup Lookuper, st store.Store, retryAfter time.Duration) *RegistryPolicy {
	return &RegistryPolicy{
		sellerType: sellerType,
		lookup:     lookup,
		store:      st,
		retryAfter: retryAfter,
		now:        time.Now,
	}
}

func (p *RegistryPolicy) Name() string {
	return p.sellerType
}

func (p *RegistryPolicy) Select(ctx context.Context, limit int) ([]Candidate, error) {
	plates, err := p.store.ListRegistryCandidates(ctx, p.sellerType, p.now().Add(-p.retryAfter), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(plates))
	for i, plate := range plates {
		out[i] = Candidate{Key: plate}
	}
	return out, nil
}

func (p *RegistryPolicy) Process(ctx context.Context, c Candidate) (Outcome, error) {
	rec := &store.RegistryRecord{RegNumber: c.Key, FetchedAt: p.now().UTC()}

	v, err := p.lookup.Lookup(ctx, c.Key)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		if err := p.store.UpsertRegistryRecord(ctx, rec); err != nil {
			return "", fmt.Errorf("store not-found marker: %w", err)
		}
		return OutcomeNoData, nil
	case err != nil:
		return "", deferKey(ctx, p.store, p.sellerType, c.Key, rec.FetchedAt, err)
	}

	rec.Found = true
	rec.Data = v.Raw
	if err := p.store.UpsertRegistryRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("store registry record: %w", err)
	}
	return OutcomeUpdated, nil
}

// BuyerPolicy resolves who bought a sold car. Sales are only looked at inside the
// configured age window, since new ownership takes days to show up in the registry.
// A sale without a visible buyer yet is looked at again once retryAfter has passed.
type BuyerPolicy struct {
	lookup     Lookuper
	store      store.Store
	minAge     time.Duration
	maxAge     time.Duration
	retryAfter time.Duration
	now        func() time.Time
}

func NewBuyerPolicy(lookup Lookuper, st store.Store, minAgeDays, maxAgeDays int, retryAfter time.Duration) *BuyerPolicy {
	return &BuyerPolicy{
		lookup:     lookup,
		store:      st,
		minAge:     time.Duration(minAgeDays) * 24 * time.Hour,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		retryAfter: retryAfter,
		now:        time.Now,
	}
}

func (p *BuyerPolicy) Name() string {
	return PolicyBuyer
}

func (p *BuyerPolicy) Select(ctx context.Context, limit int) ([]Candidate, error) {
	now := p.now()
	sold, err := p.store.ListSoldCandidates(ctx, now.Add(-p.maxAge), now.Add(-p.minAge), now.Add(-p.retryAfter), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(sold))
	for i, s := range sold {
		out[i] = Candidate{
			Key:       store.NormalizeRegNumber(s.RegNumber),
			ListingID: s.ListingID,
			SoldAt:    s.SoldAt,
		}
	}
	return out, nil
}

// Process stores the current owner as the buyer when the registry shows an ownership
// change on or after the sale date. Anything else is deferred for retryAfter.
func (p *BuyerPolicy) Process(ctx context.Context, c Candidate) (Outcome, error) {
	now := p.now().UTC()

	v, err := p.lookup.Lookup(ctx, c.Key)
	if errors.Is(err, registry.ErrNotFound) {
		return p.noData(ctx, c, now)
	}
	if err != nil {
		return "", deferKey(ctx, p.store, store.BuyerAttempts, c.ListingID, now, err)
	}

	owner, ok := v.CurrentOwner()
	if !ok {
		return p.noData(ctx, c, now)
	}
	saleDay := c.SoldAt.UTC().Truncate(24 * time.Hour)
	if !owner.Since.IsZero() && owner.Since.Before(saleDay) {
		return p.noData(ctx, c, now)
	}

	buyer := &store.SoldCarBuyer{
		ListingID:     c.ListingID,
		RegNumber:     c.Key,
		BuyerName:     owner.Name,
		BuyerType:     owner.Type,
		BuyerLocation: owner.Location,
		OwnedSince:    sql.NullTime{Time: owner.Since, Valid: !owner.Since.IsZero()},
		Data:          v.Raw,
		FetchedAt:     now,
	}
	if err := p.store.UpsertSoldCarBuyer(ctx, buyer); err != nil {
		return "", fmt.Errorf("store buyer: %w", err)
	}
	return OutcomeUpdated, nil
}

func (p *BuyerPolicy) noData(ctx context.Context, c Candidate, now time.Time) (Outcome, error) {
	if err := p.store.RecordEnrichmentAttempt(ctx, store.BuyerAttempts, c.ListingID, now); err != nil {
		return "", fmt.Errorf("record attempt: %w", err)
	}
	return OutcomeNoData, nil
}

// deferKey records a failed lookup so the key sits out the cool-off, then returns the
// lookup error. A cancelled lookup is not recorded.
func deferKey(ctx context.Context, st store.Store, namespace, key string, at time.Time, lookupErr error) error {
	if ctx.Err() != nil {
		return lookupErr
	}
	if err := st.RecordEnrichmentAttempt(ctx, namespace, key, at); err != nil {
		return errors.Join(lookupErr, fmt.Errorf("record attempt: %w", err))
	}
	return lookupErr
}
