// Package postgres implements store.Store on PostgreSQL.
//
// Every unit of work runs in a SERIALIZABLE transaction and the ForUpdate
// getters take row locks. Units that lose a serialization conflict or a
// deadlock are re-run from the start with backoff.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/authorityx/internal/metrics"
	"github.com/mbd888/authorityx/internal/retry"
	"github.com/mbd888/authorityx/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsDir is the directory inside Migrations holding goose files.
const MigrationsDir = "migrations"

// Migrations returns the embedded schema migrations.
func Migrations() embed.FS { return migrations }

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, MigrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SQLSTATE codes that mean the unit can be re-run.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Default retry policy for conflicting units.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 20 * time.Millisecond
)

// Store is the PostgreSQL implementation of store.Store.
type Store struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

var _ store.Store = (*Store)(nil)

// New creates a store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db, maxAttempts: DefaultMaxAttempts, baseDelay: DefaultBaseDelay}
}

// WithRetry overrides the conflict retry policy.
func (s *Store) WithRetry(maxAttempts int, baseDelay time.Duration) *Store {
	s.maxAttempts = maxAttempts
	s.baseDelay = baseDelay
	return s
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	attempt := 0
	return retry.DoIf(ctx, s.maxAttempts, s.baseDelay, retryable, func() error {
		if attempt > 0 {
			metrics.UnitOfWorkRetries.Inc()
		}
		attempt++
		return s.once(ctx, readOnly, fn)
	})
}

func (s *Store) once(ctx context.Context, readOnly bool, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&tx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// retryable reports whether err is a serialization failure or deadlock.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

// uniqueViolation returns the violated constraint name, if err is one.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

type tx struct {
	q *sql.Tx
}

func (t *tx) Accounts() store.AccountRepo { return accountRepo{t.q} }
func (t *tx) Listings() store.ListingRepo { return listingRepo{t.q} }
func (t *tx) Offers() store.OfferRepo { return offerRepo{t.q} }
func (t *tx) Transactions() store.TransactionRepo { return transactionRepo{t.q} }
func (t *tx) Payments() store.PaymentRepo { return paymentRepo{t.q} }
func (t *tx) Timeline() store.TimelineRepo { return timelineRepo{t.q} }
func (t *tx) Credits() store.CreditRepo { return creditRepo{t.q} }
func (t *tx) Unlocks() store.UnlockRepo { return unlockRepo{t.q} }
func (t *tx) PremiumRequests() store.PremiumRepo { return premiumRepo{t.q} }
func (t *tx) Disputes() store.DisputeRepo { return disputeRepo{t.q} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// limitOrAll maps a non-positive limit to "no limit" for LIMIT $n.
func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}
