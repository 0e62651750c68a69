package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/metrics"
	"lead-sync-service/internal/store"
)

// bookkeepingTimeout bounds the status writes made after a segment's fetch, which
// must still happen when the invocation's own deadline has passed.
const bookkeepingTimeout = 30 * time.Second

// runSegment fetches and upserts one claimed segment, records its outcome and
// closes out the run if this was its last open segment.
func (o *Orchestrator) runSegment(ctx context.Context, seg *store.SyncSegment) *Result {
	start := o.now()
	log := logger.Log.With(
		zap.String("run_id", seg.RunID),
		zap.String("segment_id", seg.ID),
		zap.String("partition", partitionLabel(seg.Region, seg.YearFrom, seg.YearTo, seg.Brand.String)),
	)
	log.Info("Processing segment", zap.Int("estimated_count", seg.EstimatedCount), zap.Int("attempt", seg.Attempts))

	fetched := o.source.FetchSegment(ctx, bilprospekt.SegmentDescriptor{
		Filter: bilprospekt.Filter{
			Region:   seg.Region,
			YearFrom: seg.YearFrom,
			YearTo:   seg.YearTo,
			Brand:    seg.Brand.String,
		},
		EstimatedCount: seg.EstimatedCount,
	})

	upserted, upsertErrs := o.processBatches(ctx, fetched.Records)

	errs := append(append([]string(nil), fetched.Errors...), upsertErrs...)
	seg.RecordsFetched = int64(len(fetched.Records))
	seg.RecordsUpserted = upserted
	seg.Status = segmentOutcome(seg.RecordsFetched, upserted, len(fetched.Errors))
	seg.FinishedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
	if len(errs) > 0 {
		seg.ErrorMessage = sql.NullString{String: joinErrors(errs, o.cfg.ErrorTruncate), Valid: true}
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	result := &Result{
		Status:  StatusSegmentCompleted,
		RunID:   seg.RunID,
		Segment: summarize(seg, errs),
	}

	ok, err := o.store.FinishSegment(bctx, seg)
	if err != nil {
		log.Error("Failed to record segment outcome", zap.Error(err))
		result.Error = fmt.Sprintf("record segment outcome: %v", err)
		return result
	}
	if !ok {
		log.Warn("Segment claim was superseded before it finished; outcome discarded")
		result.Error = "segment was released before it finished"
		return result
	}

	metrics.SegmentsFinished.WithLabelValues(seg.Status).Inc()
	metrics.SegmentDuration.Observe(o.now().Sub(start).Seconds())
	metrics.RecordsFetched.Add(float64(seg.RecordsFetched))
	metrics.RecordsUpserted.Add(float64(seg.RecordsUpserted))

	log.Info("Segment finished",
		zap.String("status", seg.Status),
		zap.Int64("records_fetched", seg.RecordsFetched),
		zap.Int64("records_upserted", seg.RecordsUpserted),
		zap.Int("errors", len(errs)),
		zap.Duration("took", o.now().Sub(start)),
	)

	run, err := o.CheckCompletion(bctx, seg.RunID)
	if err != nil {
		log.Error("Completion check failed", zap.Error(err))
		result.Error = fmt.Sprintf("completion check: %v", err)
		return result
	}
	if run != nil && run.IsTerminal() {
		result.RunStatus = run.Status
	}
	return result
}

// processBatches upserts records in chunks of UpsertBatchSize. A failed chunk is
// recorded and the remaining chunks still run.
func (o *Orchestrator) processBatches(ctx context.Context, records []*store.Prospect) (int64, []string) {
	var upserted int64
	var errs []string

	size := o.cfg.UpsertBatchSize
	if size <= 0 {
		size = 100
	}

	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		n, err := o.store.UpsertProspects(ctx, records[start:end])
		if err != nil {
			logger.Log.Warn("Upsert batch failed",
				zap.Int("offset", start),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			errs = append(errs, fmt.Sprintf("upsert rows %d-%d: %v", start, end-1, err))
			continue
		}
		upserted += n
	}
	return upserted, errs
}

// segmentOutcome is failed when nothing usable came out of the segment.
func segmentOutcome(fetched, upserted int64, pageErrors int) string {
	switch {
	case fetched == 0 && pageErrors > 0:
		return store.SegmentFailed
	case fetched > 0 && upserted == 0:
		return store.SegmentFailed
	default:
		return store.SegmentCompleted
	}
}
