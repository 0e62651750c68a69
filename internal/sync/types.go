package sync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"lead-sync-service/internal/bilprospekt"
	"lead-sync-service/internal/config"
)

// Source is the upstream surface the orchestrator needs.
type Source interface {
	UpdateDate(ctx context.Context) (bilprospekt.Version, error)
	PlanSegments(ctx context.Context) bilprospekt.Plan
	FetchSegment(ctx context.Context, d bilprospekt.SegmentDescriptor) bilprospekt.FetchResult
}

// BackfillSource is the upstream surface the mileage backfill needs.
type BackfillSource interface {
	PlanRanges(ctx context.Context, ranges []config.YearRange) bilprospekt.Plan
	FetchSegment(ctx context.Context, d bilprospekt.SegmentDescriptor) bilprospekt.FetchResult
	CheckAuth(ctx context.Context) error
}

const (
	StatusWaiting          = "waiting"
	StatusSkipped          = "skipped"
	StatusPlanned          = "planned"
	StatusSegmentCompleted = "segment_completed"
	StatusError            = "error"
)

// Result summarizes one orchestrator invocation. Which fields are set depends on Status.
type Result struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`

	// waiting / segment_completed
	Segment *SegmentSummary `json:"segment,omitempty"`
	// segment_completed once the run was finalized by this invocation
	RunStatus string `json:"run_status,omitempty"`

	// skipped / planned
	UpstreamVersion string `json:"upstream_version,omitempty"`
	StoredVersion   string `json:"stored_version,omitempty"`

	// planned
	Segments         int      `json:"segments,omitempty"`
	EstimatedRecords int      `json:"estimated_records,omitempty"`
	Gaps             []string `json:"gaps,omitempty"`

	Errors []string `json:"errors,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type SegmentSummary struct {
	ID              string   `json:"id"`
	Partition       string   `json:"partition"`
	Status          string   `json:"status"`
	RecordsFetched  int64    `json:"records_fetched"`
	RecordsUpserted int64    `json:"records_upserted"`
	Errors          []string `json:"errors,omitempty"`
}

// truncate caps s at n bytes, marking the cut. It never splits a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "...(truncated)"
	if n <= len(marker) {
		return s[:runeStart(s, n)]
	}
	return s[:runeStart(s, n-len(marker))] + marker
}

// runeStart moves i back to the first byte of the rune it falls in.
func runeStart(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func joinErrors(errs []string, n int) string {
	return truncate(strings.Join(errs, "; "), n)
}

func partitionLabel(region string, yearFrom, yearTo int, brand string) string {
	label := fmt.Sprintf("%s/%d-%d", region, yearFrom, yearTo)
	if brand != "" {
		label += "/" + brand
	}
	return label
}
