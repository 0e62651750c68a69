package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"lead-sync-service/internal/config"
	"lead-sync-service/internal/logger"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

type Database struct {
	DB     *sql.DB
	Driver string
	Config config.StateStorage
}

// pingTimeout bounds how long NewDatabase waits for the server to come up.
var pingTimeout = 30 * time.Second

func NewDatabase(cfg config.StateStorage) (*Database, error) {
	driver, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Log.Info("Waiting for database...",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
			)
		}),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	switch driver {
	case DriverMySQL:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(time.Hour)
	case DriverSQLite:
		// One writer; also keeps ":memory:" databases on a single connection.
		db.SetMaxOpenConns(1)
	}

	logger.Log.Info("Connected to database",
		zap.String("driver", driver),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:     db,
		Driver: driver,
		Config: cfg,
	}, nil
}

func dataSource(cfg config.StateStorage) (string, string, error) {
	switch cfg.Type {
	case "mysql":
		return DriverMySQL, fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database), nil
	case "sqlite":
		path := cfg.FilePath
		if path == "" {
			return "", "", fmt.Errorf("state_storage.file_path is required for sqlite")
		}
		if path == ":memory:" {
			return DriverSQLite, path, nil
		}
		return DriverSQLite, fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), nil
	default:
		return "", "", fmt.Errorf("unsupported state storage type %q", cfg.Type)
	}
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// UpsertClause renders the dialect-specific tail of an INSERT that updates the given
// columns when a row with the same key already exists.
func (d *Database) UpsertClause(keyCols, updateCols []string) string {
	sets := make([]string, len(updateCols))
	switch d.Driver {
	case DriverSQLite:
		for i, c := range updateCols {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
		}
		return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s",
			strings.Join(keyCols, ", "), strings.Join(sets, ", "))
	default:
		for i, c := range updateCols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
}

// Placeholders returns "(?, ?, ...)" groups for a multi-row insert.
func Placeholders(rows, cols int) string {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	groups := make([]string, rows)
	for i := range groups {
		groups[i] = group
	}
	return strings.Join(groups, ", ")
}
