package sync

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/metrics"
	"lead-sync-service/internal/store"
)

// CheckCompletion finalizes runID once none of its segments are pending or processing.
// Counts are summed from the segments, and the stored upstream version only advances
// when at least one segment completed. It returns the run as it stands afterwards.
func (o *Orchestrator) CheckCompletion(ctx context.Context, runID string) (*store.SyncRun, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if run.IsTerminal() {
		return run, nil
	}

	segments, err := o.store.ListSegments(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var completed, failed int
	var fetched, upserted int64
	var errs []string
	for _, seg := range segments {
		switch seg.Status {
		case store.SegmentPending, store.SegmentProcessing:
			return run, nil
		case store.SegmentCompleted:
			completed++
		case store.SegmentFailed:
			failed++
			if seg.ErrorMessage.Valid {
				errs = append(errs, partitionLabel(seg.Region, seg.YearFrom, seg.YearTo, seg.Brand.String)+": "+seg.ErrorMessage.String)
			}
		}
		fetched += seg.RecordsFetched
		upserted += seg.RecordsUpserted
	}

	switch {
	case completed == 0:
		run.Status = store.RunFailed
	case failed == 0:
		run.Status = store.RunSuccess
	default:
		run.Status = store.RunPartial
	}
	run.RecordsFetched = fetched
	run.RecordsUpserted = upserted
	run.FinishedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
	if len(errs) > 0 {
		run.ErrorMessage = sql.NullString{String: joinErrors(errs, o.cfg.ErrorTruncate), Valid: true}
	} else if len(segments) == 0 {
		run.ErrorMessage = sql.NullString{String: "run has no segments", Valid: true}
	}

	finalized, err := o.store.FinalizeRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	if !finalized {
		// Another invocation got there first; report what it wrote.
		return o.store.GetRun(ctx, runID)
	}
	metrics.RunsFinalized.WithLabelValues(run.Status).Inc()

	if run.Status != store.RunFailed {
		if err := o.store.SetStoredVersion(ctx, run.UpstreamVersion); err != nil {
			return nil, fmt.Errorf("store upstream version: %w", err)
		}
	}

	logger.Log.Info("Sync run finalized",
		zap.String("run_id", run.ID),
		zap.String("status", run.Status),
		zap.Int("segments_completed", completed),
		zap.Int("segments_failed", failed),
		zap.Int64("records_fetched", fetched),
		zap.Int64("records_upserted", upserted),
	)
	return run, nil
}
