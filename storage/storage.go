package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrTotalsNotUpdated marks a split that was recorded while its running
	// totals could not be credited.
	ErrTotalsNotUpdated = errors.New("running totals not updated")
)

// Store handles all database operations of the facilitator.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {

	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// New wraps an open database handle without touching the schema.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

// WithClock overrides the clock used for record timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS nonces (
			nonce TEXT PRIMARY KEY,
			payer_public_key TEXT NOT NULL,
			amount TEXT NOT NULL,
			recipient TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			resource_url TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expiry BIGINT NOT NULL,
			claimed_at BIGINT,
			used_at BIGINT,
			settlement_signature TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_expiry ON nonces(expiry)`,

		`CREATE TABLE IF NOT EXISTS beneficiaries (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			collection_account TEXT NOT NULL,
			payout_account TEXT NOT NULL,
			platform_rate_bps BIGINT NOT NULL,
			affiliate_rate_bps BIGINT NOT NULL,
			total_orders BIGINT NOT NULL DEFAULT 0,
			total_volume TEXT NOT NULL DEFAULT '0',
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS referrers (
			code TEXT PRIMARY KEY,
			payout_account TEXT NOT NULL,
			total_earnings TEXT NOT NULL DEFAULT '0',
			total_referrals BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS payment_splits (
			id TEXT PRIMARY KEY,
			source_signature TEXT NOT NULL UNIQUE,
			settlement_signature TEXT UNIQUE,
			beneficiary_id TEXT NOT NULL,
			referral_id TEXT,
			payer_account TEXT NOT NULL,
			total TEXT NOT NULL,
			platform_fee TEXT NOT NULL,
			affiliate_commission TEXT NOT NULL,
			beneficiary_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_splits_beneficiary ON payment_splits(beneficiary_id)`,

		`CREATE TABLE IF NOT EXISTS watcher_cursors (
			beneficiary_id TEXT PRIMARY KEY,
			last_signature TEXT NOT NULL,
			last_block BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			api_key TEXT PRIMARY KEY
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a uniqueness constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
