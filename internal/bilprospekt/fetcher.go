package bilprospekt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/store"
)

// FetchResult holds the normalized records of one segment and the page-level errors
// met along the way.
type FetchResult struct {
	Records []*store.Prospect
	Errors  []string
}

type searcher interface {
	Search(ctx context.Context, f Filter, page, pageSize int) (*SearchPage, error)
}

type Fetcher struct {
	api      searcher
	pageSize int
	ceiling  int
	now      func() time.Time
}

func NewFetcher(api searcher, pageSize, ceiling int) *Fetcher {
	return &Fetcher{
		api:      api,
		pageSize: pageSize,
		ceiling:  ceiling,
		now:      time.Now,
	}
}

func pagesFor(records, pageSize int) int {
	if records <= 0 {
		return 1
	}
	return (records + pageSize - 1) / pageSize
}

// FetchSegment pages through one segment. A failed page is recorded and skipped;
// whatever was collected is always returned.
func (f *Fetcher) FetchSegment(ctx context.Context, d SegmentDescriptor) FetchResult {
	var res FetchResult

	maxPages := pagesFor(f.ceiling, f.pageSize)
	pages := min(pagesFor(d.EstimatedCount, f.pageSize), maxPages)
	seen := make(map[string]struct{}, d.EstimatedCount)
	now := f.now().UTC()

	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("page %d: %v", page, err))
			break
		}

		sp, err := f.api.Search(ctx, d.Filter, page, f.pageSize)
		if err != nil {
			logger.Log.Warn("Segment page failed",
				zap.String("segment", d.Filter.String()),
				zap.Int("page", page),
				zap.Error(err),
			)
			res.Errors = append(res.Errors, fmt.Sprintf("page %d: %v", page, err))
			continue
		}

		if sp.Total > 0 {
			pages = min(pagesFor(sp.Total, f.pageSize), maxPages)
		}

		for _, raw := range sp.Records {
			p, err := normalize(raw, d.Region, now)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("page %d: %v", page, err))
				continue
			}
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			res.Records = append(res.Records, p)
		}

		if len(sp.Records) < f.pageSize {
			break
		}
	}

	return res
}

func normalize(r gjson.Result, region string, now time.Time) (*store.Prospect, error) {
	id := r.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("record without id")
	}

	p := &store.Prospect{
		ID:           id,
		RegNumber:    store.NormalizeRegNumber(first(r, "regno", "reg_number")),
		Make:         strings.ToUpper(strings.TrimSpace(first(r, "brand", "make"))),
		Model:        strings.TrimSpace(r.Get("model").String()),
		ModelYear:    int(r.Get("model_year").Int()),
		OwnerType:    ownerType(r.Get("owner.type").String()),
		OwnerName:    strings.TrimSpace(r.Get("owner.name").String()),
		Region:       first(r, "owner.county_code", "region"),
		Municipality: strings.TrimSpace(r.Get("owner.municipality").String()),
		ImportedAt:   now,
		UpdatedAt:    now,
	}
	if p.Region == "" {
		p.Region = region
	}
	if m := r.Get("mileage"); m.Exists() && m.Type == gjson.Number {
		p.Mileage = sql.NullInt64{Int64: m.Int(), Valid: true}
	}
	return p, nil
}

func first(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := r.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func ownerType(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "company", "business", "foretag", "företag":
		return "company"
	case "private", "person", "privat":
		return "private"
	case "":
		return "unknown"
	default:
		return strings.ToLower(s)
	}
}
