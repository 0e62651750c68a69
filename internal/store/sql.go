package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-sync-service/internal/database"
)

// SQLStore implements Store on MySQL or SQLite through database/sql.
type SQLStore struct {
	db *database.Database
}

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const runColumns = `id, started_at, finished_at, status, trigger_source, upstream_version, previous_version,
	records_fetched, records_upserted, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*SyncRun, error) {
	var r SyncRun
	err := row.Scan(
		&r.ID,
		&r.StartedAt,
		&r.FinishedAt,
		&r.Status,
		&r.Trigger,
		&r.UpstreamVersion,
		&r.PreviousVersion,
		&r.RecordsFetched,
		&r.RecordsUpserted,
		&r.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *SyncRun) error {
	query := `INSERT INTO sync_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB.ExecContext(ctx, query,
		run.ID,
		run.StartedAt.UTC(),
		run.FinishedAt,
		run.Status,
		run.Trigger,
		run.UpstreamVersion,
		run.PreviousVersion,
		run.RecordsFetched,
		run.RecordsUpserted,
		run.ErrorMessage,
	)
	return err
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) FinalizeRun(ctx context.Context, run *SyncRun) (bool, error) {
	query := `UPDATE sync_runs SET status = ?, finished_at = ?, records_fetched = ?, records_upserted = ?, error_message = ?
			  WHERE id = ? AND status = ?`

	res, err := s.db.DB.ExecContext(ctx, query,
		run.Status,
		run.FinishedAt,
		run.RecordsFetched,
		run.RecordsUpserted,
		run.ErrorMessage,
		run.ID,
		RunRunning,
	)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *SQLStore) ListRuns(ctx context.Context, limit, offset int) ([]*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const segmentColumns = `id, run_id, position, region, year_from, year_to, brand, estimated_count, status, attempts,
	created_at, started_at, finished_at, records_fetched, records_upserted, error_message`

func scanSegment(row rowScanner) (*SyncSegment, error) {
	var sg SyncSegment
	err := row.Scan(
		&sg.ID,
		&sg.RunID,
		&sg.Position,
		&sg.Region,
		&sg.YearFrom,
		&sg.YearTo,
		&sg.Brand,
		&sg.EstimatedCount,
		&sg.Status,
		&sg.Attempts,
		&sg.CreatedAt,
		&sg.StartedAt,
		&sg.FinishedAt,
		&sg.RecordsFetched,
		&sg.RecordsUpserted,
		&sg.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *SQLStore) querySegments(ctx context.Context, query string, args ...any) ([]*SyncSegment, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*SyncSegment
	for rows.Next() {
		sg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, sg)
	}
	return segments, rows.Err()
}

// CreateSegments bulk-inserts the planned segments of one run in a single transaction.
func (s *SQLStore) CreateSegments(ctx context.Context, segments []*SyncSegment) error {
	if len(segments) == 0 {
		return nil
	}

	const cols = 16
	const chunk = 200

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(segments); start += chunk {
			end := min(start+chunk, len(segments))
			batch := segments[start:end]

			args := make([]any, 0, len(batch)*cols)
			for _, sg := range batch {
				args = append(args,
					sg.ID,
					sg.RunID,
					sg.Position,
					sg.Region,
					sg.YearFrom,
					sg.YearTo,
					sg.Brand,
					sg.EstimatedCount,
					sg.Status,
					sg.Attempts,
					sg.CreatedAt.UTC(),
					sg.StartedAt,
					sg.FinishedAt,
					sg.RecordsFetched,
					sg.RecordsUpserted,
					sg.ErrorMessage,
				)
			}

			query := `INSERT INTO sync_segments (` + segmentColumns + `) VALUES ` + database.Placeholders(len(batch), cols)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert segments: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetSegment(ctx context.Context, id string) (*SyncSegment, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+segmentColumns+` FROM sync_segments WHERE id = ?`, id)

	sg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sg, nil
}

func (s *SQLStore) ListSegments(ctx context.Context, runID string) ([]*SyncSegment, error) {
	return s.querySegments(ctx,
		`SELECT `+segmentColumns+` FROM sync_segments WHERE run_id = ? ORDER BY position`, runID)
}

func (s *SQLStore) NextPendingSegment(ctx context.Context) (*SyncSegment, error) {
	segments, err := s.ListSegmentsByStatus(ctx, SegmentPending, 1)
	if err != nil || len(segments) == 0 {
		return nil, err
	}
	return segments[0], nil
}

func (s *SQLStore) ListSegmentsByStatus(ctx context.Context, status string, limit int) ([]*SyncSegment, error) {
	return s.querySegments(ctx,
		`SELECT `+segmentColumns+` FROM sync_segments WHERE status = ? ORDER BY created_at, position LIMIT ?`,
		status, limit)
}

func (s *SQLStore) ClaimSegment(ctx context.Context, seg *SyncSegment, now time.Time) (bool, error) {
	// The derived table with LIMIT keeps MySQL from rejecting a subquery on the update target.
	query := `UPDATE sync_segments SET status = ?, started_at = ?, attempts = attempts + 1
			  WHERE id = ? AND status = ?
			  AND NOT EXISTS (
				SELECT 1 FROM (
					SELECT id FROM sync_segments WHERE run_id = ? AND status = ? LIMIT 1
				) AS busy
			  )`

	res, err := s.db.DB.ExecContext(ctx, query,
		SegmentProcessing,
		now.UTC(),
		seg.ID,
		SegmentPending,
		seg.RunID,
		SegmentProcessing,
	)
	if err != nil {
		return false, err
	}
	claimed, err := affectedOne(res)
	if err != nil || !claimed {
		return false, err
	}

	seg.Status = SegmentProcessing
	seg.StartedAt = sql.NullTime{Time: now.UTC(), Valid: true}
	seg.Attempts++
	return true, nil
}

func (s *SQLStore) FinishSegment(ctx context.Context, seg *SyncSegment) (bool, error) {
	query := `UPDATE sync_segments SET status = ?, finished_at = ?, records_fetched = ?, records_upserted = ?, error_message = ?
			  WHERE id = ? AND status = ? AND attempts = ?`

	res, err := s.db.DB.ExecContext(ctx, query,
		seg.Status,
		seg.FinishedAt,
		seg.RecordsFetched,
		seg.RecordsUpserted,
		seg.ErrorMessage,
		seg.ID,
		SegmentProcessing,
		seg.Attempts,
	)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *SQLStore) ReleaseSegment(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	query := `UPDATE sync_segments SET status = ?, started_at = NULL
			  WHERE id = ? AND status = ? AND started_at < ?`

	res, err := s.db.DB.ExecContext(ctx, query, SegmentPending, id, SegmentProcessing, cutoff.UTC())
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// ResetSegment keeps attempts so a worker still holding an older claim cannot finish the
// segment after it is claimed again.
func (s *SQLStore) ResetSegment(ctx context.Context, id string, staleBefore time.Time) error {
	query := `UPDATE sync_segments SET status = ?, started_at = NULL, finished_at = NULL,
			  records_fetched = 0, records_upserted = 0, error_message = NULL
			  WHERE id = ? AND (status = ? OR (status = ? AND started_at < ?))`

	res, err := s.db.DB.ExecContext(ctx, query,
		SegmentPending, id, SegmentFailed, SegmentProcessing, staleBefore.UTC())
	if err != nil {
		return err
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

const preferencesID = 1

func (s *SQLStore) GetStoredVersion(ctx context.Context) (string, error) {
	var v sql.NullString
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT bilprospekt_update_date FROM preferences WHERE id = ?`, preferencesID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

func (s *SQLStore) SetStoredVersion(ctx context.Context, version string) error {
	query := `INSERT INTO preferences (id, bilprospekt_update_date, updated_at) VALUES (?, ?, ?)` +
		s.db.UpsertClause([]string{"id"}, []string{"bilprospekt_update_date", "updated_at"})

	_, err := s.db.DB.ExecContext(ctx, query, preferencesID, version, time.Now().UTC())
	return err
}

var prospectColumns = []string{
	"id", "reg_number", "make", "model", "model_year", "owner_type", "owner_name",
	"region", "municipality", "mileage", "imported_at", "updated_at",
}

// UpsertProspects inserts or refreshes prospects by upstream id in one statement.
// imported_at keeps the value from the first insert. It returns the number of rows written.
func (s *SQLStore) UpsertProspects(ctx context.Context, prospects []*Prospect) (int64, error) {
	if len(prospects) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(prospects)*len(prospectColumns))
	for _, p := range prospects {
		args = append(args,
			p.ID,
			p.RegNumber,
			p.Make,
			p.Model,
			p.ModelYear,
			p.OwnerType,
			p.OwnerName,
			p.Region,
			p.Municipality,
			p.Mileage,
			p.ImportedAt.UTC(),
			p.UpdatedAt.UTC(),
		)
	}

	// imported_at is never part of the update list.
	update := prospectColumns[1 : len(prospectColumns)-2]
	update = append(append([]string(nil), update...), "updated_at")

	query := `INSERT INTO prospects (` + strings.Join(prospectColumns, ", ") + `) VALUES ` +
		database.Placeholders(len(prospects), len(prospectColumns)) +
		s.db.UpsertClause([]string{"id"}, update)

	if _, err := s.db.DB.ExecContext(ctx, query, args...); err != nil {
		return 0, err
	}
	return int64(len(prospects)), nil
}

// UpdateMileage refreshes mileage on prospects that already exist. Unknown ids are ignored.
func (s *SQLStore) UpdateMileage(ctx context.Context, prospects []*Prospect) (int64, error) {
	var updated int64
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE prospects SET mileage = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range prospects {
			if !p.Mileage.Valid {
				continue
			}
			res, err := stmt.ExecContext(ctx, p.Mileage, p.UpdatedAt.UTC(), p.ID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			updated += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// RecordEnrichmentAttempt marks key as tried by policy at the given time. Candidate
// queries skip keys tried after their retry cutoff.
func (s *SQLStore) RecordEnrichmentAttempt(ctx context.Context, policy, key string, at time.Time) error {
	query := `INSERT INTO enrichment_attempts (policy, item_key, attempted_at) VALUES (?, ?, ?)` +
		s.db.UpsertClause([]string{"policy", "item_key"}, []string{"attempted_at"})

	_, err := s.db.DB.ExecContext(ctx, query, policy, key, at.UTC())
	return err
}

// ListRegistryCandidates returns plates of active listings from the given seller type
// that have no registry record yet and were not attempted at or after retryCutoff.
func (s *SQLStore) ListRegistryCandidates(ctx context.Context, sellerType string, retryCutoff time.Time, limit int) ([]string, error) {
	query := `SELECT DISTINCT UPPER(REPLACE(l.reg_number, ' ', '')) AS plate
			  FROM listings l
			  LEFT JOIN car_registry r ON r.reg_number = UPPER(REPLACE(l.reg_number, ' ', ''))
			  WHERE l.active = ? AND l.seller_type = ? AND l.reg_number <> '' AND r.reg_number IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM enrichment_attempts a
				WHERE a.policy = ? AND a.item_key = UPPER(REPLACE(l.reg_number, ' ', '')) AND a.attempted_at >= ?
			  )
			  ORDER BY plate
			  LIMIT ?`

	rows, err := s.db.DB.QueryContext(ctx, query, true, sellerType, sellerType, retryCutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plates []string
	for rows.Next() {
		var plate string
		if err := rows.Scan(&plate); err != nil {
			return nil, err
		}
		plates = append(plates, plate)
	}
	return plates, rows.Err()
}

func (s *SQLStore) UpsertRegistryRecord(ctx context.Context, rec *RegistryRecord) error {
	query := `INSERT INTO car_registry (reg_number, found, data, fetched_at) VALUES (?, ?, ?, ?)` +
		s.db.UpsertClause([]string{"reg_number"}, []string{"found", "data", "fetched_at"})

	_, err := s.db.DB.ExecContext(ctx, query, rec.RegNumber, rec.Found, jsonValue(rec.Data), rec.FetchedAt.UTC())
	return err
}

// ListSoldCandidates returns sold listings inside the (soldAfter, soldBefore) window that
// have no resolved buyer yet and were not attempted at or after retryCutoff, oldest sale first.
func (s *SQLStore) ListSoldCandidates(ctx context.Context, soldAfter, soldBefore, retryCutoff time.Time, limit int) ([]*SoldCandidate, error) {
	query := `SELECT l.id, l.reg_number, l.sold_at
			  FROM listings l
			  LEFT JOIN sold_car_buyers b ON b.listing_id = l.id
			  WHERE l.sold_at IS NOT NULL AND l.sold_at > ? AND l.sold_at < ?
			  AND l.reg_number <> '' AND b.listing_id IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM enrichment_attempts a
				WHERE a.policy = ? AND a.item_key = l.id AND a.attempted_at >= ?
			  )
			  ORDER BY l.sold_at
			  LIMIT ?`

	rows, err := s.db.DB.QueryContext(ctx, query,
		soldAfter.UTC(), soldBefore.UTC(), BuyerAttempts, retryCutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SoldCandidate
	for rows.Next() {
		var c SoldCandidate
		if err := rows.Scan(&c.ListingID, &c.RegNumber, &c.SoldAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertSoldCarBuyer(ctx context.Context, b *SoldCarBuyer) error {
	cols := []string{"listing_id", "reg_number", "buyer_name", "buyer_type", "buyer_location", "owned_since", "data", "fetched_at"}
	query := `INSERT INTO sold_car_buyers (` + strings.Join(cols, ", ") + `) VALUES ` +
		database.Placeholders(1, len(cols)) +
		s.db.UpsertClause(cols[:1], cols[1:])

	_, err := s.db.DB.ExecContext(ctx, query,
		b.ListingID,
		b.RegNumber,
		b.BuyerName,
		b.BuyerType,
		b.BuyerLocation,
		b.OwnedSince,
		jsonValue(b.Data),
		b.FetchedAt.UTC(),
	)
	return err
}

// jsonValue passes JSON as text; MySQL refuses JSON built from binary strings.
func jsonValue(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
