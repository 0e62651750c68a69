package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/config"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/metrics"
	"lead-sync-service/internal/store"
)

// Orchestrator advances the Bilprospekt sync by one step per Tick. All state lives in
// the store, so ticks may come from any timer and may overlap.
type Orchestrator struct {
	store  store.Store
	source Source
	cfg    config.SyncConfig
	now    func() time.Time
	newID  func() string
}

func NewOrchestrator(st store.Store, source Source, cfg config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		store:  st,
		source: source,
		cfg:    cfg,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Tick runs exactly one of: worker mode on a pending segment, waiting while another
// segment is in flight, or planner mode. A returned error is fatal for the invocation
// (store or probe unreachable, missing credentials); business failures are reported in
// Result.Error instead.
func (o *Orchestrator) Tick(ctx context.Context, trigger string) (*Result, error) {
	res, err := o.tick(ctx, trigger)
	if err != nil {
		metrics.SyncTicks.WithLabelValues(StatusError).Inc()
		return nil, err
	}
	metrics.SyncTicks.WithLabelValues(res.Status).Inc()
	return res, nil
}

func (o *Orchestrator) tick(ctx context.Context, trigger string) (*Result, error) {
	if err := o.recoverStale(ctx); err != nil {
		return nil, fmt.Errorf("recover stale segments: %w", err)
	}

	pending, err := o.store.NextPendingSegment(ctx)
	if err != nil {
		return nil, fmt.Errorf("find pending segment: %w", err)
	}
	if pending != nil {
		claimed, err := o.store.ClaimSegment(ctx, pending, o.now())
		if err != nil {
			return nil, fmt.Errorf("claim segment %s: %w", pending.ID, err)
		}
		if !claimed {
			logger.Log.Info("Segment claim lost, another invocation is working",
				zap.String("segment_id", pending.ID),
				zap.String("run_id", pending.RunID),
			)
			return &Result{Status: StatusWaiting, RunID: pending.RunID}, nil
		}
		return o.runSegment(ctx, pending), nil
	}

	processing, err := o.store.ListSegmentsByStatus(ctx, store.SegmentProcessing, 1)
	if err != nil {
		return nil, fmt.Errorf("find processing segment: %w", err)
	}
	if len(processing) > 0 {
		seg := processing[0]
		return &Result{
			Status:  StatusWaiting,
			RunID:   seg.RunID,
			Segment: summarize(seg, nil),
		}, nil
	}

	return o.plan(ctx, trigger)
}

// plan probes the upstream version and, when it moved, creates a run with pending segments.
func (o *Orchestrator) plan(ctx context.Context, trigger string) (*Result, error) {
	stored, err := o.store.GetStoredVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read stored version: %w", err)
	}

	upstream, err := o.source.UpdateDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe upstream version: %w", err)
	}

	if !upstream.NewerThan(bilprospekt.Version(stored)) {
		logger.Log.Info("Upstream has no new data",
			zap.String("upstream_version", string(upstream)),
			zap.String("stored_version", stored),
		)
		return &Result{
			Status:          StatusSkipped,
			UpstreamVersion: string(upstream),
			StoredVersion:   stored,
		}, nil
	}

	if trigger != store.TriggerManual {
		trigger = store.TriggerCron
	}
	run := &store.SyncRun{
		ID:              o.newID(),
		StartedAt:       o.now().UTC(),
		Status:          store.RunRunning,
		Trigger:         trigger,
		UpstreamVersion: string(upstream),
		PreviousVersion: sql.NullString{String: stored, Valid: stored != ""},
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	logger.Log.Info("New upstream data, planning sync run",
		zap.String("run_id", run.ID),
		zap.String("upstream_version", run.UpstreamVersion),
		zap.String("stored_version", stored),
		zap.String("trigger", trigger),
	)

	plan := o.source.PlanSegments(ctx)
	result := &Result{
		RunID:           run.ID,
		UpstreamVersion: run.UpstreamVersion,
		StoredVersion:   stored,
		Errors:          plan.Errors,
		Gaps:            plan.Gaps,
	}

	if len(plan.Segments) == 0 {
		msg := "planning produced no segments"
		if len(plan.Errors) > 0 {
			msg += ": " + joinErrors(plan.Errors, o.cfg.ErrorTruncate)
		}
		o.failRun(ctx, run, msg)
		result.Status = StatusError
		result.Error = "planning produced no segments"
		return result, nil
	}

	now := o.now().UTC()
	segments := make([]*store.SyncSegment, len(plan.Segments))
	for i, d := range plan.Segments {
		segments[i] = &store.SyncSegment{
			ID:             o.newID(),
			RunID:          run.ID,
			Position:       i,
			Region:         d.Region,
			YearFrom:       d.YearFrom,
			YearTo:         d.YearTo,
			Brand:          sql.NullString{String: d.Brand, Valid: d.Brand != ""},
			EstimatedCount: d.EstimatedCount,
			Status:         store.SegmentPending,
			CreatedAt:      now,
		}
	}

	if err := o.store.CreateSegments(ctx, segments); err != nil {
		o.failRun(ctx, run, fmt.Sprintf("persist segments: %v", err))
		result.Status = StatusError
		result.Error = fmt.Sprintf("persist segments: %v", err)
		return result, nil
	}

	result.Status = StatusPlanned
	result.Segments = len(segments)
	result.EstimatedRecords = plan.EstimatedTotal()

	logger.Log.Info("Sync run planned",
		zap.String("run_id", run.ID),
		zap.Int("segments", result.Segments),
		zap.Int("estimated_records", result.EstimatedRecords),
		zap.Int("plan_errors", len(plan.Errors)),
	)
	return result, nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *store.SyncRun, msg string) {
	run.Status = store.RunFailed
	run.FinishedAt = sql.NullTime{Time: o.now().UTC(), Valid: true}
	run.ErrorMessage = sql.NullString{String: truncate(msg, o.cfg.ErrorTruncate), Valid: true}

	if _, err := o.store.FinalizeRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Log.Error("Failed to mark run failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	metrics.RunsFinalized.WithLabelValues(store.RunFailed).Inc()
	logger.Log.Warn("Sync run failed", zap.String("run_id", run.ID), zap.String("error", msg))
}

func summarize(seg *store.SyncSegment, errs []string) *SegmentSummary {
	return &SegmentSummary{
		ID:              seg.ID,
		Partition:       partitionLabel(seg.Region, seg.YearFrom, seg.YearTo, seg.Brand.String),
		Status:          seg.Status,
		RecordsFetched:  seg.RecordsFetched,
		RecordsUpserted: seg.RecordsUpserted,
		Errors:          errs,
	}
}
