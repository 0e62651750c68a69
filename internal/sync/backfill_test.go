package sync

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/config"
	"lead-sync-service/internal/testutil"
)

type fakeBackfillSource struct {
	fakeSource
	plannedRanges []config.YearRange
	authErr       error
}

func (f *fakeBackfillSource) PlanRanges(_ context.Context, ranges []config.YearRange) bilprospekt.Plan {
	f.plannedRanges = ranges
	return f.plan
}

func (f *fakeBackfillSource) CheckAuth(context.Context) error {
	return f.authErr
}

func TestBackfill_UpdatesMileageOnly(t *testing.T) {
	st, db := testutil.NewTestStore(t)
	ctx := context.Background()

	existing := prospects("a", 3)
	existing[0].OwnerName = "Anna"
	_, err := st.UpsertProspects(ctx, existing)
	require.NoError(t, err)

	fetched := prospects("a", 4)
	fetched[0].OwnerName = "Someone Else"
	fetched[0].Mileage = sql.NullInt64{Int64: 15000, Valid: true}
	fetched[1].Mileage = sql.NullInt64{Int64: 22000, Valid: true}
	fetched[3].Mileage = sql.NullInt64{Int64: 1000, Valid: true} // not imported yet

	src := &fakeBackfillSource{fakeSource: fakeSource{
		plan: bilprospekt.Plan{
			Segments: []bilprospekt.SegmentDescriptor{descriptor("25", 2000, 2004, 4)},
			Errors:   []string{"count region=01 years=2000-2004: upstream unavailable"},
		},
		results: map[string]bilprospekt.FetchResult{
			"region=25 years=2000-2004": {Records: fetched, Errors: []string{"page 2: timeout"}},
		},
	}}
	ranges := []config.YearRange{{From: 2000, To: 2004}}
	b := NewBackfiller(st, src, config.DefaultYearRanges)

	res, err := b.Run(ctx, ranges)
	require.NoError(t, err)
	assert.Equal(t, ranges, src.plannedRanges)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "25/2000-2004", res.Segments[0].Partition)
	assert.Equal(t, 4, res.Segments[0].Fetched)
	assert.EqualValues(t, 2, res.Segments[0].Updated)
	assert.Equal(t, []string{"page 2: timeout"}, res.Segments[0].Errors)
	assert.Equal(t, 4, res.TotalFetched)
	assert.EqualValues(t, 2, res.TotalUpdated)
	assert.Len(t, res.Errors, 1)

	assert.Equal(t, 3, testutil.Count(t, db, "prospects", ""))
	assert.Equal(t, 1, testutil.Count(t, db, "prospects", "id = ? AND mileage = ? AND owner_name = ?", "a-0", 15000, "Anna"))
	assert.Equal(t, 1, testutil.Count(t, db, "prospects", "id = ? AND mileage IS NULL", "a-2"))
}

func TestBackfill_CheckAuth(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	src := &fakeBackfillSource{authErr: bilprospekt.ErrUnauthorized}
	b := NewBackfiller(st, src, config.DefaultYearRanges)

	assert.ErrorIs(t, b.CheckAuth(context.Background()), bilprospekt.ErrUnauthorized)
	assert.Equal(t, config.DefaultYearRanges, b.Ranges())
}

func TestBackfill_StopsOnCancel(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	src := &fakeBackfillSource{fakeSource: fakeSource{
		plan: bilprospekt.Plan{Segments: []bilprospekt.SegmentDescriptor{descriptor("25", 2000, 2004, 4)}},
	}}
	b := NewBackfiller(st, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := b.Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Segments)
	assert.Empty(t, src.fetches)
}
