// Package store persists auctions, commitments, open bids, settlement results and
// the fallback audit log on GORM. SQLite (pure Go) is used for development and tests,
// Postgres in production.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/cloudx-io/sealedbid/core"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is returned when a conditional update matched no row because
	// another writer moved the aggregate first.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrAttemptLimit is returned when a fallback offer would exceed the attempt limit.
	ErrAttemptLimit = errors.New("fallback attempt limit reached")
)

// models lists every table created by Migrate.
var models = []any{
	&core.Auction{},
	&core.Commitment{},
	&core.OpenBid{},
	&core.SettlementResult{},
	&core.FallbackLogEntry{},
}

// Store is the relational persistence layer shared by request handlers and sweeps.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New opens a database. An empty sqlite DSN opens a private in-memory database.
func New(driver, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		if dsn == "" {
			// Each in-memory store gets its own named database so parallel tests don't share state
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if db.Dialector.Name() != DriverPostgres {
		// SQLite allows one writer; a single connection serializes transactions in-process
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Migrate creates or updates every table and index.
func (s *Store) Migrate() error {
	for _, model := range models {
		s.logger.Debug(fmt.Sprintf("creating table: %T", model), "component", "store")
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// transaction runs fn in a database transaction bound to ctx.
func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// forUpdate adds a row lock on dialects that support it. SQLite transactions are
// already serialized by the single connection.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == DriverPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// translate maps driver errors onto the store's sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isDuplicate(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// expectOne turns a zero-row conditional update into ErrConflict.
func expectOne(result *gorm.DB) error {
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}
