package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Sync runs
	CreateRun(ctx context.Context, run *SyncRun) error
	GetRun(ctx context.Context, id string) (*SyncRun, error)
	// FinalizeRun writes the terminal state of a run that is still running.
	// It reports false when the run had already been finalized.
	FinalizeRun(ctx context.Context, run *SyncRun) (bool, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*SyncRun, error)

	// Sync segments
	CreateSegments(ctx context.Context, segments []*SyncSegment) error
	GetSegment(ctx context.Context, id string) (*SyncSegment, error)
	ListSegments(ctx context.Context, runID string) ([]*SyncSegment, error)
	NextPendingSegment(ctx context.Context) (*SyncSegment, error)
	ListSegmentsByStatus(ctx context.Context, status string, limit int) ([]*SyncSegment, error)
	// ClaimSegment moves a pending segment to processing unless another segment of the
	// same run is already processing. It reports whether this caller won the claim.
	ClaimSegment(ctx context.Context, seg *SyncSegment, now time.Time) (bool, error)
	// FinishSegment records the outcome of a processing segment. It only applies while
	// seg.Attempts still matches the stored claim.
	FinishSegment(ctx context.Context, seg *SyncSegment) (bool, error)
	// ReleaseSegment returns a segment stuck in processing since before cutoff to pending.
	ReleaseSegment(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// ResetSegment puts a failed segment, or one processing since before staleBefore, back
	// to pending and clears its counters. It returns ErrNotFound when no such segment exists.
	ResetSegment(ctx context.Context, id string, staleBefore time.Time) error

	// Preferences
	GetStoredVersion(ctx context.Context) (string, error)
	SetStoredVersion(ctx context.Context, version string) error

	// Prospects
	UpsertProspects(ctx context.Context, prospects []*Prospect) (int64, error)
	UpdateMileage(ctx context.Context, prospects []*Prospect) (int64, error)

	// Enrichment
	ListRegistryCandidates(ctx context.Context, sellerType string, retryCutoff time.Time, limit int) ([]string, error)
	UpsertRegistryRecord(ctx context.Context, rec *RegistryRecord) error
	ListSoldCandidates(ctx context.Context, soldAfter, soldBefore, retryCutoff time.Time, limit int) ([]*SoldCandidate, error)
	UpsertSoldCarBuyer(ctx context.Context, buyer *SoldCarBuyer) error
	RecordEnrichmentAttempt(ctx context.Context, policy, key string, at time.Time) error

	// General
	Close() error
}
