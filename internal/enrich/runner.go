// Package enrich runs rate-limited batch lookups that decorate local records with
// data from the vehicle registry.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/metrics"
)

type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeNoData  Outcome = "no_data"
)

// Candidate is one record awaiting enrichment.
type Candidate struct {
	Key       string
	ListingID string
	SoldAt    time.Time
}

// Policy decides what a runner enriches and how one record is processed.
type Policy interface {
	Name() string
	// Select returns up to limit records that still need enrichment.
	Select(ctx context.Context, limit int) ([]Candidate, error)
	// Process looks up and stores one candidate.
	Process(ctx context.Context, c Candidate) (Outcome, error)
}

type BatchResult struct {
	Policy    string   `json:"policy"`
	Selected  int      `json:"selected"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Runner applies a Policy to one batch at a time, pausing between lookups.
type Runner struct {
	policy Policy
	delay  DelayPolicy
	sleep  Sleeper
}

func NewRunner(policy Policy, delay DelayPolicy) *Runner {
	return &Runner{policy: policy, delay: delay, sleep: contextSleep}
}

func (r *Runner) Name() string {
	return r.policy.Name()
}

// ProcessBatch enriches up to limit candidates. Per-record failures are collected and
// the batch continues; only a failed selection or a cancelled context returns an error.
func (r *Runner) ProcessBatch(ctx context.Context, limit int) (*BatchResult, error) {
	name := r.policy.Name()
	candidates, err := r.policy.Select(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("select %s candidates: %w", name, err)
	}

	res := &BatchResult{Policy: name, Selected: len(candidates)}
	for i, c := range candidates {
		if i > 0 {
			if err := r.sleep(ctx, r.delay.Next()); err != nil {
				return res, err
			}
		}

		start := time.Now()
		outcome, err := r.policy.Process(ctx, c)
		metrics.EnrichmentLookupDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return res, err
			}
			metrics.EnrichmentLookups.WithLabelValues(name, "error").Inc()
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", c.Key, err))
			logger.Log.Warn("Enrichment lookup failed",
				zap.String("policy", name),
				zap.String("key", c.Key),
				zap.Error(err),
			)
		case outcome == OutcomeUpdated:
			metrics.EnrichmentLookups.WithLabelValues(name, string(outcome)).Inc()
			res.Processed++
		default:
			metrics.EnrichmentLookups.WithLabelValues(name, string(OutcomeNoData)).Inc()
			res.Skipped++
		}
	}

	logger.Log.Info("Enrichment batch finished",
		zap.String("policy", name),
		zap.Int("selected", res.Selected),
		zap.Int("processed", res.Processed),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}
