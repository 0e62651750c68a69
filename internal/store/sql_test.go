package store_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-sync-service/internal/store"
	"lead-sync-service/internal/testutil"
)

func newRun(t *testing.T, s store.Store) *store.SyncRun {
	t.Helper()
	run := &store.SyncRun{
		ID:              uuid.New().String(),
		StartedAt:       time.Now().UTC(),
		Status:          store.RunRunning,
		Trigger:         store.TriggerCron,
		UpstreamVersion: "2024-05-02",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func newSegments(t *testing.T, s store.Store, runID string, n int) []*store.SyncSegment {
	t.Helper()
	now := time.Now().UTC()
	segments := make([]*store.SyncSegment, n)
	for i := range segments {
		segments[i] = &store.SyncSegment{
			ID:             uuid.New().String(),
			RunID:          runID,
			Position:       i,
			Region:         "25",
			YearFrom:       2000,
			YearTo:         2004,
			EstimatedCount: 100 * (i + 1),
			Status:         store.SegmentPending,
			CreatedAt:      now,
		}
	}
	segments[0].Brand = sql.NullString{String: "VOLVO", Valid: true}
	require.NoError(t, s.CreateSegments(context.Background(), segments))
	return segments
}

func TestRuns(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	run := newRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, store.RunRunning, got.Status)
	assert.Equal(t, "2024-05-02", got.UpstreamVersion)
	assert.False(t, got.IsTerminal())

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	run.Status = store.RunSuccess
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	run.RecordsFetched = 10
	run.RecordsUpserted = 9
	ok, err := s.FinalizeRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, ok)

	// A finalized run cannot be finalized again.
	run.Status = store.RunFailed
	ok, err = s.FinalizeRun(ctx, run)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, got.Status)
	assert.EqualValues(t, 9, got.RecordsUpserted)
	assert.True(t, got.FinishedAt.Valid)

	runs, err := s.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSegments_CreateAndList(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	run := newRun(t, s)
	created := newSegments(t, s, run.ID, 3)

	segments, err := s.ListSegments(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, segments, 3)
	assert.Equal(t, "VOLVO", segments[0].Brand.String)
	assert.False(t, segments[1].Brand.Valid)
	assert.Equal(t, 300, segments[2].EstimatedCount)

	next, err := s.NextPendingSegment(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, created[0].ID, next.ID)
}

func TestSegments_ClaimIsExclusivePerRun(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	run := newRun(t, s)
	segments := newSegments(t, s, run.ID, 2)
	now := time.Now()

	ok, err := s.ClaimSegment(ctx, segments[0], now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.SegmentProcessing, segments[0].Status)
	assert.Equal(t, 1, segments[0].Attempts)

	// Same segment again: no longer pending.
	stale := *segments[0]
	stale.Status = store.SegmentPending
	ok, err = s.ClaimSegment(ctx, &stale, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Sibling segment: run already has one processing.
	ok, err = s.ClaimSegment(ctx, segments[1], now)
	require.NoError(t, err)
	assert.False(t, ok)

	processing, err := s.ListSegmentsByStatus(ctx, store.SegmentProcessing, 10)
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	segments[0].Status = store.SegmentCompleted
	segments[0].FinishedAt = sql.NullTime{Time: now, Valid: true}
	segments[0].RecordsFetched = 5
	ok, err = s.FinishSegment(ctx, segments[0])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimSegment(ctx, segments[1], now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSegments_ClaimAcrossRuns(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	a := newSegments(t, s, newRun(t, s).ID, 1)
	b := newSegments(t, s, newRun(t, s).ID, 1)

	ok, err := s.ClaimSegment(ctx, a[0], time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimSegment(ctx, b[0], time.Now())
	require.NoError(t, err)
	assert.True(t, ok, "a processing segment in another run does not block the claim")
}

func TestSegments_ReleaseAndReset(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	run := newRun(t, s)
	segments := newSegments(t, s, run.ID, 1)
	seg := segments[0]

	startedAt := time.Now().Add(-time.Hour)
	ok, err := s.ClaimSegment(ctx, seg, startedAt)
	require.NoError(t, err)
	require.True(t, ok)

	// Cutoff before the claim: not stale.
	ok, err = s.ReleaseSegment(ctx, seg.ID, startedAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ReleaseSegment(ctx, seg.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SegmentPending, got.Status)
	assert.Equal(t, 1, got.Attempts, "attempts survive a release")
	assert.False(t, got.StartedAt.Valid)

	// Pending segments cannot be reset.
	staleBefore := time.Now().Add(-15 * time.Minute)
	assert.ErrorIs(t, s.ResetSegment(ctx, seg.ID, staleBefore), store.ErrNotFound)

	ok, err = s.ClaimSegment(ctx, got, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// A live claim cannot be reset from under its worker.
	assert.ErrorIs(t, s.ResetSegment(ctx, seg.ID, staleBefore), store.ErrNotFound)

	got.Status = store.SegmentFailed
	got.ErrorMessage = sql.NullString{String: "boom", Valid: true}
	ok, err = s.FinishSegment(ctx, got)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ResetSegment(ctx, seg.ID, staleBefore))
	got, err = s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SegmentPending, got.Status)
	assert.Equal(t, 2, got.Attempts, "attempts survive a reset")
	assert.False(t, got.ErrorMessage.Valid)
	assert.False(t, got.StartedAt.Valid)
}

func TestSegments_ResetStaleProcessing(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	seg := newSegments(t, s, newRun(t, s).ID, 1)[0]
	startedAt := time.Now().Add(-time.Hour)
	ok, err := s.ClaimSegment(ctx, seg, startedAt)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ResetSegment(ctx, seg.ID, startedAt.Add(time.Minute)))

	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SegmentPending, got.Status)
}

func TestSegments_FinishRequiresCurrentClaim(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	seg := newSegments(t, s, newRun(t, s).ID, 1)[0]

	startedAt := time.Now().Add(-time.Hour)
	first := *seg
	ok, err := s.ClaimSegment(ctx, &first, startedAt)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ReleaseSegment(ctx, seg.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	second, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	ok, err = s.ClaimSegment(ctx, second, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, second.Attempts)

	// The first worker returns late.
	first.Status = store.SegmentFailed
	first.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	first.ErrorMessage = sql.NullString{String: "late", Valid: true}
	ok, err = s.FinishSegment(ctx, &first)
	require.NoError(t, err)
	assert.False(t, ok, "an older claim cannot finish the segment")

	second.Status = store.SegmentCompleted
	second.FinishedAt = sql.NullTime{Time: time.Now(), Valid: true}
	second.RecordsFetched = 7
	ok, err = s.FinishSegment(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SegmentCompleted, got.Status)
	assert.EqualValues(t, 7, got.RecordsFetched)
	assert.False(t, got.ErrorMessage.Valid)
}

func TestStoredVersion(t *testing.T) {
	s, _ := testutil.NewTestStore(t)
	ctx := context.Background()

	v, err := s.GetStoredVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetStoredVersion(ctx, "2024-05-01"))
	require.NoError(t, s.SetStoredVersion(ctx, "2024-05-02"))

	v, err = s.GetStoredVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-02", v)
}

func prospects(n int, mileage int64, at time.Time) []*store.Prospect {
	out := make([]*store.Prospect, n)
	for i := range out {
		out[i] = &store.Prospect{
			ID:         fmt.Sprintf("bp-%d", i),
			RegNumber:  fmt.Sprintf("ABC%03d", i),
			Make:       "VOLVO",
			Model:      "V70",
			ModelYear:  2003,
			OwnerType:  "private",
			Region:     "25",
			Mileage:    sql.NullInt64{Int64: mileage, Valid: true},
			ImportedAt: at,
			UpdatedAt:  at,
		}
	}
	return out
}

func TestUpsertProspects_Idempotent(t *testing.T) {
	s, db := testutil.NewTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	n, err := s.UpsertProspects(ctx, prospects(50, 1000, first))
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)

	second := first.Add(24 * time.Hour)
	n, err = s.UpsertProspects(ctx, prospects(50, 2000, second))
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)

	assert.Equal(t, 50, testutil.Count(t, db, "prospects", ""))
	assert.Equal(t, 50, testutil.Count(t, db, "prospects", "mileage = ?", 2000))

	var importedAt, updatedAt time.Time
	require.NoError(t, db.DB.QueryRowContext(ctx,
		`SELECT imported_at, updated_at FROM prospects WHERE id = ?`, "bp-0").Scan(&importedAt, &updatedAt))
	assert.True(t, importedAt.Equal(first), "imported_at keeps its first value")
	assert.True(t, updatedAt.Equal(second))
}

func TestUpdateMileage(t *testing.T) {
	s, db := testutil.NewTestStore(t)
	ctx := context.Background()

	at := time.Now().UTC()
	_, err := s.UpsertProspects(ctx, prospects(3, 1000, at))
	require.NoError(t, err)

	updates := prospects(5, 4242, at)
	updates[1].Mileage = sql.NullInt64{}

	n, err := s.UpdateMileage(ctx, updates)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n, "unknown ids and missing mileage are skipped")
	assert.Equal(t, 3, testutil.Count(t, db, "prospects", ""))
	assert.Equal(t, 2, testutil.Count(t, db, "prospects", "mileage = ?", 4242))
}

func TestRegistryCandidates(t *testing.T) {
	s, db := testutil.NewTestStore(t)
	ctx := context.Background()

	testutil.InsertListing(t, db, store.Listing{ID: "1", RegNumber: "abc 123", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "2", RegNumber: "ABC123", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "3", RegNumber: "XYZ999", SellerType: store.SellerDealer, Active: false})
	testutil.InsertListing(t, db, store.Listing{ID: "4", RegNumber: "", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "5", RegNumber: "PRV001", SellerType: store.SellerPrivate, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "6", RegNumber: "DLR002", SellerType: store.SellerDealer, Active: true})

	cutoff := time.Now().Add(-24 * time.Hour)
	plates, err := s.ListRegistryCandidates(ctx, store.SellerDealer, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABC123", "DLR002"}, plates)

	require.NoError(t, s.UpsertRegistryRecord(ctx, &store.RegistryRecord{
		RegNumber: "ABC123",
		Found:     true,
		Data:      json.RawMessage(`{"make":"VOLVO"}`),
		FetchedAt: time.Now(),
	}))
	require.NoError(t, s.UpsertRegistryRecord(ctx, &store.RegistryRecord{
		RegNumber: "DLR002",
		Found:     false,
		FetchedAt: time.Now(),
	}))

	plates, err = s.ListRegistryCandidates(ctx, store.SellerDealer, cutoff, 10)
	require.NoError(t, err)
	assert.Empty(t, plates)

	plates, err = s.ListRegistryCandidates(ctx, store.SellerPrivate, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"PRV001"}, plates)
}

func TestSoldCandidates(t *testing.T) {
	s, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	testutil.InsertListing(t, db, store.Listing{ID: "fresh", RegNumber: "AAA111", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 2)})
	testutil.InsertListing(t, db, store.Listing{ID: "ready", RegNumber: "BBB222", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 20)})
	testutil.InsertListing(t, db, store.Listing{ID: "old", RegNumber: "CCC333", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 200)})
	testutil.InsertListing(t, db, store.Listing{ID: "unsold", RegNumber: "DDD444", SellerType: store.SellerPrivate, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "done", RegNumber: "EEE555", SellerType: store.SellerDealer, SoldAt: testutil.SoldAt(now, 30)})

	require.NoError(t, s.UpsertSoldCarBuyer(ctx, &store.SoldCarBuyer{
		ListingID: "done",
		RegNumber: "EEE555",
		BuyerName: "Anna",
		BuyerType: "private",
		FetchedAt: now,
	}))

	candidates, err := s.ListSoldCandidates(ctx, now.AddDate(0, 0, -90), now.AddDate(0, 0, -7), now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "ready", candidates[0].ListingID)
	assert.Equal(t, "BBB222", candidates[0].RegNumber)
}

func TestCandidates_SkipRecentAttempts(t *testing.T) {
	s, db := testutil.NewTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	// Cases run in order and share the attempts table.
	testutil.InsertListing(t, db, store.Listing{ID: "1", RegNumber: "AAA111", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "2", RegNumber: "BBB222", SellerType: store.SellerDealer, Active: true})
	testutil.InsertListing(t, db, store.Listing{ID: "s1", RegNumber: "CCC333", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 20)})
	testutil.InsertListing(t, db, store.Listing{ID: "s2", RegNumber: "DDD444", SellerType: store.SellerPrivate, SoldAt: testutil.SoldAt(now, 30)})

	tests := []struct {
		name      string
		policy    string
		key       string
		at        time.Time
		wantPlate []string
		wantSold  []string
	}{
		{
			name:      "recent registry attempt",
			policy:    store.SellerDealer,
			key:       "AAA111",
			at:        now.Add(-time.Hour),
			wantPlate: []string{"BBB222"},
			wantSold:  []string{"s2", "s1"},
		},
		{
			name:      "other namespace is ignored",
			policy:    store.SellerPrivate,
			key:       "BBB222",
			at:        now,
			wantPlate: []string{"BBB222"},
			wantSold:  []string{"s2", "s1"},
		},
		{
			name:      "recent buyer attempt",
			policy:    store.BuyerAttempts,
			key:       "s2",
			at:        now.Add(-time.Hour),
			wantPlate: []string{"BBB222"},
			wantSold:  []string{"s1"},
		},
		{
			name:      "attempt outside cool-off is retried",
			policy:    store.BuyerAttempts,
			key:       "s2",
			at:        now.Add(-48 * time.Hour),
			wantPlate: []string{"BBB222"},
			wantSold:  []string{"s2", "s1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.RecordEnrichmentAttempt(ctx, tt.policy, tt.key, tt.at))

			plates, err := s.ListRegistryCandidates(ctx, store.SellerDealer, cutoff, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlate, plates)

			sold, err := s.ListSoldCandidates(ctx, now.AddDate(0, 0, -90), now.AddDate(0, 0, -7), cutoff, 10)
			require.NoError(t, err)
			ids := make([]string, len(sold))
			for i, c := range sold {
				ids[i] = c.ListingID
			}
			assert.Equal(t, tt.wantSold, ids)
		})
	}
}
