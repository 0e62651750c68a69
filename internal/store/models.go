package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

const (
	SegmentPending    = "pending"
	SegmentProcessing = "processing"
	SegmentCompleted  = "completed"
	SegmentFailed     = "failed"
)

const (
	TriggerManual = "manual"
	TriggerCron   = "cron"
)

type SyncRun struct {
	ID              string         `db:"id"`
	StartedAt       time.Time      `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
	Status          string         `db:"status"`
	Trigger         string         `db:"trigger_source"`
	UpstreamVersion string         `db:"upstream_version"`
	PreviousVersion sql.NullString `db:"previous_version"`
	RecordsFetched  int64          `db:"records_fetched"`
	RecordsUpserted int64          `db:"records_upserted"`
	ErrorMessage    sql.NullString `db:"error_message"`
}

// IsTerminal reports whether the run has been finalized.
func (r *SyncRun) IsTerminal() bool {
	return r.Status != RunRunning
}

type SyncSegment struct {
	ID              string         `db:"id"`
	RunID           string         `db:"run_id"`
	Position        int            `db:"position"`
	Region          string         `db:"region"`
	YearFrom        int            `db:"year_from"`
	YearTo          int            `db:"year_to"`
	Brand           sql.NullString `db:"brand"`
	EstimatedCount  int            `db:"estimated_count"`
	Status          string         `db:"status"`
	Attempts        int            `db:"attempts"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
	RecordsFetched  int64          `db:"records_fetched"`
	RecordsUpserted int64          `db:"records_upserted"`
	ErrorMessage    sql.NullString `db:"error_message"`
}

// Prospect is a vehicle-ownership record from the upstream prospect API.
// ID is assigned upstream and is the upsert key.
type Prospect struct {
	ID           string        `db:"id"`
	RegNumber    string        `db:"reg_number"`
	Make         string        `db:"make"`
	Model        string        `db:"model"`
	ModelYear    int           `db:"model_year"`
	OwnerType    string        `db:"owner_type"`
	OwnerName    string        `db:"owner_name"`
	Region       string        `db:"region"`
	Municipality string        `db:"municipality"`
	Mileage      sql.NullInt64 `db:"mileage"`
	ImportedAt   time.Time     `db:"imported_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// Listing is a classifieds ad. The core only reads listings to pick enrichment candidates.
type Listing struct {
	ID         string       `db:"id"`
	RegNumber  string       `db:"reg_number"`
	SellerType string       `db:"seller_type"`
	Active     bool         `db:"active"`
	SoldAt     sql.NullTime `db:"sold_at"`
}

const (
	SellerDealer  = "dealer"
	SellerPrivate = "private"
)

// BuyerAttempts is the enrichment_attempts namespace of buyer lookups, keyed by listing id.
// Registry lookups use the seller type as namespace and the plate as key.
const BuyerAttempts = "buyer"

// RegistryRecord is the cached registry lookup for one registration number.
// A record with Found=false marks a plate the registry does not know.
type RegistryRecord struct {
	RegNumber string          `db:"reg_number"`
	Found     bool            `db:"found"`
	Data      json.RawMessage `db:"data"`
	FetchedAt time.Time       `db:"fetched_at"`
}

// SoldCandidate is a sold listing awaiting buyer resolution.
type SoldCandidate struct {
	ListingID string
	RegNumber string
	SoldAt    time.Time
}

type SoldCarBuyer struct {
	ListingID     string          `db:"listing_id"`
	RegNumber     string          `db:"reg_number"`
	BuyerName     string          `db:"buyer_name"`
	BuyerType     string          `db:"buyer_type"`
	BuyerLocation string          `db:"buyer_location"`
	OwnedSince    sql.NullTime    `db:"owned_since"`
	Data          json.RawMessage `db:"data"`
	FetchedAt     time.Time       `db:"fetched_at"`
}

// NormalizeRegNumber upper-cases a plate and drops spaces and dashes.
func NormalizeRegNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(s)))
}
