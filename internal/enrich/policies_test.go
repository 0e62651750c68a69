package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-sync-service/internal/registry"
	"lead-sync-service/internal/store"
	"lead-sync-service/internal/testutil"
)

type fakeLookup struct {
	vehicles map[string]*registry.Vehicle
	errs     map[string]error
	calls    []string
}

func (f *fakeLookup) Lookup(_ context.Context, plate string) (*registry.Vehicle, error) {
	f.calls = append(f.calls, plate)
	if err := f.errs[plate]; err != nil {
		return nil, err
	}
	v, ok := f.vehicles[plate]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return v, nil
}

func vehicle(plate string, owners ...registry.Owner) *registry.Vehicle {
	return &registry.Vehicle{
		RegNumber: plate,
		Owners:    owners,
		Raw:       json.RawMessage(`{"reg_number":"` + plate + `"}`),
	}
}

func TestRegistryPolicy(t *testing.T) {
	st, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	testutil.InsertListing(t, db, store.Listing{ID: "1", RegNumber: "ABC 123", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "2", RegNumber: "DEF456", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "3", RegNumber: "GHI789", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "4", RegNumber: "PRV001", SellerType: store.SellerPrivate, Active: true})

	lookup := &fakeLookup{
		vehicles: map[string]*registry.Vehicle{"ABC123": vehicle("ABC123")},
		errs:     map[string]error{"GHI789": errors.New("HTTP 503")},
	}
	policy := NewRegistryPolicy(store.SellerDealer, lookup, st, 24*time.Hour)
	policy.now = func() time.Time { return now }
	r, _ := newTestRunner(policy)
	assert.Equal(t, PolicyDealer, r.Name())

	res, err := r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "GHI789")

	assert.Equal(t, 1, testutil.Count(t, db, "car_registry", "reg_number = ? AND found = ?", "ABC123", true))
	assert.Equal(t, 1, testutil.Count(t, db, "car_registry", "reg_number = ? AND found = ?", "DEF456", false))
	assert.Equal(t, 0, testutil.Count(t, db, "car_registry", "reg_number = ?", "GHI789"))

	// The failed plate sits out the cool-off.
	lookup.calls = nil
	res, err = r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)
	assert.Empty(t, lookup.calls)

	// Then it is retried.
	now = now.Add(25 * time.Hour)
	_, err = r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"GHI789"}, lookup.calls)
}

func TestBuyerPolicy(t *testing.T) {
	st, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	testutil.InsertListing(t, db, store.Listing{ID: "sold-1", RegNumber: "abc-123", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 20)})
	testutil.InsertListing(t, db, store.Listing{ID: "sold-2", RegNumber: "DEF456", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 14)})
	testutil.InsertListing(t, db, store.Listing{ID: "sold-3", RegNumber: "GHI789", SellerType: store.SellerDealer, SoldAt: testutil.SoldAt(now, 10)})
	testutil.InsertListing(t, db, store.Listing{ID: "too-new", RegNumber: "NEW001", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 1)})

	saleDay := now.AddDate(0, 0, -20)
	lookup := &fakeLookup{vehicles: map[string]*registry.Vehicle{
		"ABC123": vehicle("ABC123",
			registry.Owner{Name: "Bilhallen AB", Type: "company", Location: "Umeå", Since: saleDay.AddDate(0, 0, 2).Truncate(24 * time.Hour)},
			registry.Owner{Name: "Anna", Type: "private", Since: saleDay.AddDate(-5, 0, 0)},
		),
		// Transfer not registered yet: the current owner predates the sale.
		"DEF456": vehicle("DEF456", registry.Owner{Name: "Seller", Type: "private", Since: now.AddDate(-3, 0, 0)}),
		"GHI789": vehicle("GHI789"),
	}}

	policy := NewBuyerPolicy(lookup, st, 7, 90, 24*time.Hour)
	policy.now = func() time.Time { return now }
	r, _ := newTestRunner(policy)

	res, err := r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.NotContains(t, lookup.calls, "NEW001")

	assert.Equal(t, 1, testutil.Count(t, db, "sold_car_buyers", ""))
	assert.Equal(t, 1, testutil.Count(t, db, "sold_car_buyers",
		"listing_id = ? AND reg_number = ? AND buyer_name = ? AND buyer_type = ?",
		"sold-1", "ABC123", "Bilhallen AB", "company"))
	assert.Equal(t, 2, testutil.Count(t, db, "enrichment_attempts", "policy = ?", store.BuyerAttempts))

	// Unresolved sales wait for the cool-off before the next lookup.
	lookup.calls = nil
	res, err = r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)
	assert.Empty(t, lookup.calls)

	now = now.Add(25 * time.Hour)
	res, err = r.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Selected)
	assert.ElementsMatch(t, []string{"DEF456", "GHI789"}, lookup.calls)
}

func TestBuyerPolicy_LookupErrorIsDeferred(t *testing.T) {
	st, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	testutil.InsertListing(t, db, store.Listing{ID: "sold-1", RegNumber: "ABC123", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 20)})

	lookup := &fakeLookup{errs: map[string]error{"ABC123": errors.New("HTTP 503")}}
	policy := NewBuyerPolicy(lookup, st, 7, 90, time.Hour)
	policy.now = func() time.Time { return now }

	_, err := policy.Process(ctx, Candidate{Key: "ABC123", ListingID: "sold-1", SoldAt: now.AddDate(0, 0, -20)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Equal(t, 1, testutil.Count(t, db, "enrichment_attempts", "policy = ? AND item_key = ?", store.BuyerAttempts, "sold-1"))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	lookup.errs["ABC123"] = context.Canceled
	_, err = policy.Process(cancelled, Candidate{Key: "ABC123", ListingID: "sold-2"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, testutil.Count(t, db, "enrichment_attempts", "item_key = ?", "sold-2"))
}

// Sales whose transfer has not reached the registry yet must not hold up a
// scheduled cycle or the sales queued behind them.
func TestScheduler_RunCycleWithUnresolvedSales(t *testing.T) {
	st, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		testutil.InsertListing(t, db, store.Listing{
			ID:         fmt.Sprintf("s%d", i),
			RegNumber:  fmt.Sprintf("SLD%03d", i),
			SellerType: store.SellerPrivate,
			SoldAt:     testutil.SoldAt(now, 20+5-i),
		})
	}

	lookup := &fakeLookup{}
	policy := NewBuyerPolicy(lookup, st, 7, 90, 24*time.Hour)
	policy.now = func() time.Time { return now }
	r, _ := newTestRunner(policy)

	s := NewScheduler(r, "@every 1m", 3, DelayPolicy{Min: 30 * time.Second, Max: 90 * time.Second})
	pauses := &recordingSleeper{}
	s.sleep = pauses.sleep

	require.NoError(t, s.runCycle(ctx))
	assert.Equal(t, []string{"SLD000", "SLD001", "SLD002", "SLD003", "SLD004"}, lookup.calls)
	assert.Len(t, pauses.delays, 1)

	// A later firing inside the cool-off finds nothing to do.
	lookup.calls = nil
	require.NoError(t, s.runCycle(ctx))
	assert.Empty(t, lookup.calls)
}
