// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lead-sync-service/internal/config"
	"lead-sync-service/internal/database"
	"lead-sync-service/internal/store"
)

// NewTestStore opens a migrated in-memory SQLite store.
func NewTestStore(t *testing.T) (*store.SQLStore, *database.Database) {
	t.Helper()

	db, err := database.NewDatabase(config.StateStorage{Type: "sqlite", FilePath: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background(), db))

	s := store.NewSQLStore(db)
	t.Cleanup(func() { s.Close() })
	return s, db
}

// InsertListing adds a classifieds listing row.
func InsertListing(t *testing.T, db *database.Database, l store.Listing) {
	t.Helper()

	_, err := db.DB.ExecContext(context.Background(),
		`INSERT INTO listings (id, reg_number, seller_type, active, sold_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.RegNumber, l.SellerType, l.Active, l.SoldAt)
	require.NoError(t, err)
}

// Count returns SELECT COUNT(*) for the given table and optional WHERE clause.
func Count(t *testing.T, db *database.Database, table, where string, args ...any) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	require.NoError(t, db.DB.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

// SoldAt is a valid NullTime n days before now.
func SoldAt(now time.Time, days int) sql.NullTime {
	return sql.NullTime{Time: now.AddDate(0, 0, -days).UTC(), Valid: true}
}
