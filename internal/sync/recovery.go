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

// staleScanLimit caps how many stuck segments one tick looks at.
const staleScanLimit = 50

// recoverStale handles segments left in processing by an invocation that died.
// Segments with attempts to spare go back to pending; the rest are failed so their
// run can still finish.
func (o *Orchestrator) recoverStale(ctx context.Context) error {
	if o.cfg.StaleAfter <= 0 {
		return nil
	}

	processing, err := o.store.ListSegmentsByStatus(ctx, store.SegmentProcessing, staleScanLimit)
	if err != nil {
		return err
	}

	cutoff := o.now().Add(-o.cfg.StaleAfter)
	for _, seg := range processing {
		if !seg.StartedAt.Valid || !seg.StartedAt.Time.Before(cutoff) {
			continue
		}

		log := logger.Log.With(
			zap.String("run_id", seg.RunID),
			zap.String("segment_id", seg.ID),
			zap.Int("attempts", seg.Attempts),
			zap.Time("started_at", seg.StartedAt.Time),
		)

		if o.cfg.MaxAttempts > 0 && seg.Attempts >= o.cfg.MaxAttempts {
			seg.Status = store.SegmentFailed
			seg.FinishedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
			seg.ErrorMessage = sql.NullString{
				String: fmt.Sprintf("abandoned after %d attempts without finishing", seg.Attempts),
				Valid:  true,
			}
			ok, err := o.store.FinishSegment(ctx, seg)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			metrics.StaleSegments.WithLabelValues("failed").Inc()
			log.Warn("Stale segment exhausted its attempts, marked failed")
			if _, err := o.CheckCompletion(ctx, seg.RunID); err != nil {
				return err
			}
			continue
		}

		ok, err := o.store.ReleaseSegment(ctx, seg.ID, cutoff)
		if err != nil {
			return err
		}
		if ok {
			metrics.StaleSegments.WithLabelValues("released").Inc()
			log.Warn("Stale segment released back to pending")
		}
	}
	return nil
}
