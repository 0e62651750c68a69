package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/config"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/store"
)

// Backfiller refreshes mileage on prospects that were imported before the upstream
// exposed it. It writes nothing but mileage and updated_at.
type Backfiller struct {
	store  store.Store
	source BackfillSource
	ranges []config.YearRange
}

func NewBackfiller(st store.Store, source BackfillSource, ranges []config.YearRange) *Backfiller {
	return &Backfiller{store: st, source: source, ranges: ranges}
}

type BackfillSegment struct {
	Partition string   `json:"partition"`
	Fetched   int      `json:"fetched"`
	Updated   int64    `json:"updated"`
	Errors    []string `json:"errors,omitempty"`
}

type BackfillResult struct {
	Segments     []BackfillSegment `json:"segments"`
	TotalFetched int               `json:"total_fetched"`
	TotalUpdated int64             `json:"total_updated"`
	Errors       []string          `json:"errors,omitempty"`
}

// CheckAuth reports whether the upstream accepts the configured credentials.
func (b *Backfiller) CheckAuth(ctx context.Context) error {
	return b.source.CheckAuth(ctx)
}

// Ranges returns the configured year ranges, the set used when backfilling everything.
func (b *Backfiller) Ranges() []config.YearRange {
	return b.ranges
}

// Run plans the given year ranges across all configured regions and updates mileage
// segment by segment. Planning and fetch errors are reported, never returned; only a
// cancelled context stops the run early.
func (b *Backfiller) Run(ctx context.Context, ranges []config.YearRange) (*BackfillResult, error) {
	plan := b.source.PlanRanges(ctx, ranges)
	result := &BackfillResult{
		Segments: make([]BackfillSegment, 0, len(plan.Segments)),
		Errors:   plan.Errors,
	}

	for _, d := range plan.Segments {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		fetched := b.source.FetchSegment(ctx, d)
		seg := BackfillSegment{
			Partition: partitionLabel(d.Region, d.YearFrom, d.YearTo, d.Brand),
			Fetched:   len(fetched.Records),
			Errors:    fetched.Errors,
		}

		updates := withMileage(fetched.Records)
		if len(updates) > 0 {
			n, err := b.store.UpdateMileage(ctx, updates)
			if err != nil {
				seg.Errors = append(seg.Errors, fmt.Sprintf("update mileage: %v", err))
			}
			seg.Updated = n
		}

		logger.Log.Info("Mileage backfill segment done",
			zap.String("partition", seg.Partition),
			zap.Int("fetched", seg.Fetched),
			zap.Int64("updated", seg.Updated),
			zap.Int("errors", len(seg.Errors)),
		)

		result.TotalFetched += seg.Fetched
		result.TotalUpdated += seg.Updated
		result.Segments = append(result.Segments, seg)
	}
	return result, nil
}

func withMileage(records []*store.Prospect) []*store.Prospect {
	out := make([]*store.Prospect, 0, len(records))
	for _, r := range records {
		if r.Mileage.Valid {
			out = append(out, r)
		}
	}
	return out
}

// compile-time check that the real source satisfies both surfaces.
var (
	_ Source         = (*bilprospekt.Source)(nil)
	_ BackfillSource = (*bilprospekt.Source)(nil)
)
