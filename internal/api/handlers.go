package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lead-sync-service/internal/config"
	"lead-sync-service/internal/logger"
	"lead-sync-service/internal/store"
	"lead-sync-service/internal/sync"
)

const errMissingCredentials = "bilprospekt api key is not configured"

// SyncBilprospekt runs one orchestrator tick. Overlapping requests with the same trigger
// share a single tick.
func (h *Handler) SyncBilprospekt(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Credentials.HasCredentials() {
		writeError(w, http.StatusInternalServerError, errMissingCredentials)
		return
	}

	trigger := store.TriggerCron
	if r.URL.Query().Get("trigger") == store.TriggerManual {
		trigger = store.TriggerManual
	}

	v, err, shared := h.ticks.Do("tick:"+trigger, func() (any, error) {
		ctx, cancel := detached(r)
		defer cancel()
		return h.deps.Sync.Tick(ctx, trigger)
	})
	if err != nil {
		logger.Log.Error("Sync tick failed", zap.String("trigger", trigger), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if shared {
		logger.Log.Debug("Sync tick shared with a concurrent request")
	}
	writeJSON(w, http.StatusOK, v.(*sync.Result))
}

// MileageBackfill accepts yearFrom+yearTo, all=true, or test=true.
func (h *Handler) MileageBackfill(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Credentials.HasCredentials() {
		writeError(w, http.StatusInternalServerError, errMissingCredentials)
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	q := r.URL.Query()
	if q.Get("test") == "true" {
		if err := h.deps.Backfill.CheckAuth(ctx); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"authenticated": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true})
		return
	}

	var ranges []config.YearRange
	if q.Get("all") == "true" {
		ranges = h.deps.Backfill.Ranges()
	} else {
		from, errFrom := strconv.Atoi(q.Get("yearFrom"))
		to, errTo := strconv.Atoi(q.Get("yearTo"))
		if errFrom != nil || errTo != nil || from > to {
			writeError(w, http.StatusBadRequest, "yearFrom and yearTo must be years with yearFrom <= yearTo, or pass all=true or test=true")
			return
		}
		ranges = []config.YearRange{{From: from, To: to}}
	}

	res, err := h.deps.Backfill.Run(ctx, ranges)
	if err != nil {
		logger.Log.Error("Mileage backfill interrupted", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type segmentView struct {
	ID              string     `json:"id"`
	Position        int        `json:"position"`
	Region          string     `json:"region"`
	YearFrom        int        `json:"year_from"`
	YearTo          int        `json:"year_to"`
	Brand           string     `json:"brand,omitempty"`
	EstimatedCount  int        `json:"estimated_count"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	RecordsFetched  int64      `json:"records_fetched"`
	RecordsUpserted int64      `json:"records_upserted"`
	Error           string     `json:"error,omitempty"`
}

type runView struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Trigger         string         `json:"trigger"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	UpstreamVersion string         `json:"upstream_version"`
	PreviousVersion string         `json:"previous_version,omitempty"`
	RecordsFetched  int64          `json:"records_fetched"`
	RecordsUpserted int64          `json:"records_upserted"`
	Error           string         `json:"error,omitempty"`
	Progress        map[string]int `json:"progress"`
	Segments        []segmentView  `json:"segments"`
}

type statusView struct {
	StoredVersion string    `json:"stored_version"`
	Runs          []runView `json:"runs"`
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func newRunView(run *store.SyncRun, segments []*store.SyncSegment) runView {
	v := runView{
		ID:              run.ID,
		Status:          run.Status,
		Trigger:         run.Trigger,
		StartedAt:       run.StartedAt,
		FinishedAt:      timePtr(run.FinishedAt),
		UpstreamVersion: run.UpstreamVersion,
		PreviousVersion: run.PreviousVersion.String,
		RecordsFetched:  run.RecordsFetched,
		RecordsUpserted: run.RecordsUpserted,
		Error:           run.ErrorMessage.String,
		Progress: map[string]int{
			store.SegmentPending:    0,
			store.SegmentProcessing: 0,
			store.SegmentCompleted:  0,
			store.SegmentFailed:     0,
		},
		Segments: make([]segmentView, 0, len(segments)),
	}
	for _, s := range segments {
		v.Progress[s.Status]++
		v.Segments = append(v.Segments, segmentView{
			ID:              s.ID,
			Position:        s.Position,
			Region:          s.Region,
			YearFrom:        s.YearFrom,
			YearTo:          s.YearTo,
			Brand:           s.Brand.String,
			EstimatedCount:  s.EstimatedCount,
			Status:          s.Status,
			Attempts:        s.Attempts,
			StartedAt:       timePtr(s.StartedAt),
			FinishedAt:      timePtr(s.FinishedAt),
			RecordsFetched:  s.RecordsFetched,
			RecordsUpserted: s.RecordsUpserted,
			Error:           s.ErrorMessage.String,
		})
	}
	return v
}

// GetSyncStatus lists the latest runs, newest first, with their segments.
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 5, 50)

	stored, err := h.deps.Store.GetStoredVersion(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runs, err := h.deps.Store.ListRuns(ctx, limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := statusView{StoredVersion: stored, Runs: make([]runView, 0, len(runs))}
	for _, run := range runs {
		segments, err := h.deps.Store.ListSegments(ctx, run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Runs = append(out.Runs, newRunView(run, segments))
	}
	writeJSON(w, http.StatusOK, out)
}

// ResetSegment puts a failed or stale processing segment back to pending.
func (h *Handler) ResetSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.deps.Store.ResetSegment(r.Context(), id, time.Now().Add(-h.deps.StaleAfter))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no failed or stale processing segment with id "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logger.Log.Info("Segment reset to pending", zap.String("segment_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": store.SegmentPending})
}

// RunEnrichment processes one batch for the named policy.
func (h *Handler) RunEnrichment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "policy")
	runner, ok := h.deps.Enrichers[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown enrichment policy "+name)
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	res, err := runner.ProcessBatch(ctx, queryInt(r, "limit", h.deps.EnrichLimit, maxEnrichLimit))
	if err != nil {
		logger.Log.Error("Enrichment batch failed", zap.String("policy", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, key string, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": sync.StatusError, "error": msg})
}
