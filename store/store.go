// Package store persists everything durable in the service: nodes,
// packets, gateway relays, envelope fingerprints, subscriptions, the
// stat cache and the command audit log. It speaks to an embedded
// sqlite file or a PostgreSQL server through the database package and
// owns the schema migrations.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/store/database"
	"github.com/meshstats/meshstats/store/schema"
)

// Set of error variables for store operations.
var (
	// ErrNotFound is returned when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrNotFoundOrExpired is returned by the late-relay path when the
	// target packet is absent or already outside the retention bound.
	// Callers must test with errors.Is; the transaction helpers wrap.
	ErrNotFoundOrExpired = errors.New("packet not found or expired")
)

// writeAttempts bounds how often a write is retried when the embedded
// backend reports lock contention.
const writeAttempts = 10

// futureSkew is how far in the future a packet's sent-at may lie
// before it is clamped to its arrival time.
const futureSkew = 5 * time.Minute

// Store provides durable state for the statistics service.
type Store struct {
	log   log.Logger
	db    *sqlx.DB
	cfg   database.Config
	clock clockwork.Clock
}

// Option configures optional Store collaborators.
type Option func(*Store)

// WithClock injects the clock used to stamp rows.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New migrates the schema and returns a ready store.
func New(ctx context.Context, l log.Logger, db *sqlx.DB, cfg database.Config, opts ...Option) (*Store, error) {
	if err := schema.Migrate(ctx, db, cfg.Driver); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s := &Store{
		log:   l,
		db:    db,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity and reports the round-trip time.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := database.StatusCheck(ctx, s.db); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// now is the UTC instant rows get stamped with.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// withRetry runs one write, retrying the embedded backend's transient
// lock contention with exponential backoff capped at one second.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, writeAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !database.IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
