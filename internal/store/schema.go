package store

import (
	"context"
	"fmt"

	"lead-sync-service/internal/database"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id VARCHAR(36) PRIMARY KEY,
		started_at DATETIME(6) NOT NULL,
		finished_at DATETIME(6) NULL,
		status VARCHAR(16) NOT NULL,
		trigger_source VARCHAR(16) NOT NULL,
		upstream_version VARCHAR(64) NOT NULL,
		previous_version VARCHAR(64) NULL,
		records_fetched BIGINT NOT NULL DEFAULT 0,
		records_upserted BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		INDEX idx_sync_runs_started (started_at)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_segments (
		id VARCHAR(36) PRIMARY KEY,
		run_id VARCHAR(36) NOT NULL,
		position INT NOT NULL,
		region VARCHAR(16) NOT NULL,
		year_from INT NOT NULL,
		year_to INT NOT NULL,
		brand VARCHAR(64) NULL,
		estimated_count INT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		started_at DATETIME(6) NULL,
		finished_at DATETIME(6) NULL,
		records_fetched BIGINT NOT NULL DEFAULT 0,
		records_upserted BIGINT NOT NULL DEFAULT 0,
		error_message TEXT NULL,
		INDEX idx_sync_segments_status (status, created_at),
		INDEX idx_sync_segments_run (run_id),
		FOREIGN KEY (run_id) REFERENCES sync_runs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS preferences (
		id INT PRIMARY KEY,
		bilprospekt_update_date VARCHAR(64) NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prospects (
		id VARCHAR(64) PRIMARY KEY,
		reg_number VARCHAR(16) NOT NULL,
		make VARCHAR(64) NOT NULL,
		model VARCHAR(128) NOT NULL,
		model_year INT NOT NULL,
		owner_type VARCHAR(32) NOT NULL,
		owner_name VARCHAR(255) NOT NULL,
		region VARCHAR(16) NOT NULL,
		municipality VARCHAR(128) NOT NULL,
		mileage INT NULL,
		imported_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_prospects_reg (reg_number)
	)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id VARCHAR(64) PRIMARY KEY,
		reg_number VARCHAR(16) NOT NULL DEFAULT '',
		seller_type VARCHAR(16) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		sold_at DATETIME(6) NULL,
		INDEX idx_listings_sold (sold_at)
	)`,
	`CREATE TABLE IF NOT EXISTS car_registry (
		reg_number VARCHAR(16) PRIMARY KEY,
		found BOOLEAN NOT NULL,
		data JSON NULL,
		fetched_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sold_car_buyers (
		listing_id VARCHAR(64) PRIMARY KEY,
		reg_number VARCHAR(16) NOT NULL,
		buyer_name VARCHAR(255) NOT NULL,
		buyer_type VARCHAR(32) NOT NULL,
		buyer_location VARCHAR(128) NOT NULL,
		owned_since DATETIME(6) NULL,
		data JSON NULL,
		fetched_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrichment_attempts (
		policy VARCHAR(16) NOT NULL,
		item_key VARCHAR(64) NOT NULL,
		attempted_at DATETIME(6) NOT NULL,
		PRIMARY KEY (policy, item_key)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		upstream_version TEXT NOT NULL,
		previous_version TEXT,
		records_fetched INTEGER NOT NULL DEFAULT 0,
		records_upserted INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sync_segments (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES sync_runs(id),
		position INTEGER NOT NULL,
		region TEXT NOT NULL,
		year_from INTEGER NOT NULL,
		year_to INTEGER NOT NULL,
		brand TEXT,
		estimated_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		records_fetched INTEGER NOT NULL DEFAULT 0,
		records_upserted INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_segments_status ON sync_segments (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_segments_run ON sync_segments (run_id)`,
	`CREATE TABLE IF NOT EXISTS preferences (
		id INTEGER PRIMARY KEY,
		bilprospekt_update_date TEXT,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prospects (
		id TEXT PRIMARY KEY,
		reg_number TEXT NOT NULL,
		make TEXT NOT NULL,
		model TEXT NOT NULL,
		model_year INTEGER NOT NULL,
		owner_type TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		region TEXT NOT NULL,
		municipality TEXT NOT NULL,
		mileage INTEGER,
		imported_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		reg_number TEXT NOT NULL DEFAULT '',
		seller_type TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		sold_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS car_registry (
		reg_number TEXT PRIMARY KEY,
		found BOOLEAN NOT NULL,
		data TEXT,
		fetched_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sold_car_buyers (
		listing_id TEXT PRIMARY KEY,
		reg_number TEXT NOT NULL,
		buyer_name TEXT NOT NULL,
		buyer_type TEXT NOT NULL,
		buyer_location TEXT NOT NULL,
		owned_since DATETIME,
		data TEXT,
		fetched_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrichment_attempts (
		policy TEXT NOT NULL,
		item_key TEXT NOT NULL,
		attempted_at DATETIME NOT NULL,
		PRIMARY KEY (policy, item_key)
	)`,
}

// Migrate creates any missing tables. It is safe to run on every start.
func Migrate(ctx context.Context, db *database.Database) error {
	stmts := mysqlSchema
	if db.Driver == database.DriverSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
