package bilprospekt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lead-sync-service/internal/config"
	"lead-sync-service/internal/logger"
)

// SegmentDescriptor is one bounded partition of the prospect space.
type SegmentDescriptor struct {
	Filter
	EstimatedCount int
}

// Plan is the planner output. Errors hold partitions that could not be counted.
// Gaps describe oversized partitions whose brand split does not cover every record.
type Plan struct {
	Segments []SegmentDescriptor
	Errors   []string
	Gaps     []string
}

// EstimatedTotal sums the estimated counts of all segments.
func (p Plan) EstimatedTotal() int {
	total := 0
	for _, s := range p.Segments {
		total += s.EstimatedCount
	}
	return total
}

type counter interface {
	Count(ctx context.Context, f Filter) (int, error)
}

// Partitions is the fixed partition scheme the planner walks.
type Partitions struct {
	Regions    []string
	YearRanges []config.YearRange
	Brands     []string
	Ceiling    int
}

func PartitionsFromConfig(cfg config.BilprospektConfig) Partitions {
	return Partitions{
		Regions:    cfg.Regions,
		YearRanges: cfg.YearRanges,
		Brands:     cfg.Brands,
		Ceiling:    cfg.Ceiling,
	}
}

type Planner struct {
	api   counter
	parts Partitions
}

func NewPlanner(api counter, parts Partitions) *Planner {
	return &Planner{api: api, parts: parts}
}

// PlanSegments counts every region × year range and splits partitions above the
// ceiling by brand. Count failures are collected and never stop planning.
// Empty partitions produce no segment.
func (p *Planner) PlanSegments(ctx context.Context) Plan {
	var plan Plan

	for _, region := range p.parts.Regions {
		for _, yr := range p.parts.YearRanges {
			if err := ctx.Err(); err != nil {
				plan.Errors = append(plan.Errors, fmt.Sprintf("planning interrupted: %v", err))
				return plan
			}

			f := Filter{Region: region, YearFrom: yr.From, YearTo: yr.To}
			count, err := p.api.Count(ctx, f)
			if err != nil {
				plan.Errors = append(plan.Errors, fmt.Sprintf("count %s: %v", f, err))
				continue
			}

			switch {
			case count == 0:
			case count <= p.parts.Ceiling:
				plan.Segments = append(plan.Segments, SegmentDescriptor{Filter: f, EstimatedCount: count})
			default:
				p.splitByBrand(ctx, f, count, &plan)
			}
		}
	}

	logger.Log.Info("Planned sync segments",
		zap.Int("segments", len(plan.Segments)),
		zap.Int("estimated_records", plan.EstimatedTotal()),
		zap.Int("errors", len(plan.Errors)),
	)
	return plan
}

func (p *Planner) splitByBrand(ctx context.Context, f Filter, total int, plan *Plan) {
	covered, failed := 0, 0
	for _, brand := range p.parts.Brands {
		bf := f
		bf.Brand = brand

		count, err := p.api.Count(ctx, bf)
		if err != nil {
			plan.Errors = append(plan.Errors, fmt.Sprintf("count %s: %v", bf, err))
			failed++
			continue
		}
		if count == 0 {
			continue
		}
		if count > p.parts.Ceiling {
			logger.Log.Warn("Brand segment exceeds fetch ceiling",
				zap.String("segment", bf.String()),
				zap.Int("count", count),
				zap.Int("ceiling", p.parts.Ceiling),
			)
		}
		covered += count
		plan.Segments = append(plan.Segments, SegmentDescriptor{Filter: bf, EstimatedCount: count})
	}

	if covered < total {
		gap := fmt.Sprintf("%s: %d of %d records fall outside the brand list", f, total-covered, total)
		if failed > 0 {
			gap = fmt.Sprintf("%s: %d of %d records not counted, %d brand counts failed", f, total-covered, total, failed)
		}
		plan.Gaps = append(plan.Gaps, gap)
		logger.Log.Warn("Brand split leaves records uncovered", zap.String("gap", gap))
	}
}
