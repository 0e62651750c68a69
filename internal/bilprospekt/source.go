package bilprospekt

import (
	"context"

	"lead-sync-service/internal/config"
)

// Source is the upstream surface the sync pipeline depends on.
type Source struct {
	client  *Client
	parts   Partitions
	planner *Planner
	fetcher *Fetcher
}

func NewSource(cfg config.BilprospektConfig) *Source {
	client := NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	parts := PartitionsFromConfig(cfg)
	return &Source{
		client:  client,
		parts:   parts,
		planner: NewPlanner(client, parts),
		fetcher: NewFetcher(client, cfg.PageSize, cfg.Ceiling),
	}
}

func (s *Source) UpdateDate(ctx context.Context) (Version, error) {
	return s.client.UpdateDate(ctx)
}

func (s *Source) PlanSegments(ctx context.Context) Plan {
	return s.planner.PlanSegments(ctx)
}

// PlanRanges plans only the given year ranges, keeping the configured regions and brands.
func (s *Source) PlanRanges(ctx context.Context, ranges []config.YearRange) Plan {
	parts := s.parts
	parts.YearRanges = ranges
	return NewPlanner(s.client, parts).PlanSegments(ctx)
}

func (s *Source) FetchSegment(ctx context.Context, d SegmentDescriptor) FetchResult {
	return s.fetcher.FetchSegment(ctx, d)
}

// CheckAuth verifies the configured credentials with a single cheap request.
func (s *Source) CheckAuth(ctx context.Context) error {
	_, err := s.client.UpdateDate(ctx)
	return err
}

func (s *Source) HasCredentials() bool {
	return s.client.HasCredentials()
}
