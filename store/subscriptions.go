package store

import (
	"context"
	"errors"
	"time"

	"github.com/meshstats/meshstats/store/database"
)

// UpsertSubscription activates a subscription for the node, replacing
// any prior variant. One active subscription per node, ever.
func (s *Store) UpsertSubscription(ctx context.Context, userNodeID int64, variant string) error {
	now := s.now()

	const q = `
	INSERT INTO subscriptions
		(user_node_id, variant, is_active, created_at, updated_at)
	VALUES
		(:user_node_id, :variant, TRUE, :now, :now)
	ON CONFLICT (user_node_id) DO UPDATE SET
		variant = excluded.variant,
		is_active = TRUE,
		updated_at = excluded.updated_at`

	data := struct {
		UserNodeID int64     `db:"user_node_id"`
		Variant    string    `db:"variant"`
		Now        time.Time `db:"now"`
	}{
		UserNodeID: userNodeID,
		Variant:    variant,
		Now:        now,
	}

	return s.withRetry(ctx, func() error {
		return database.NamedExecContext(ctx, s.log, s.db, q, data)
	})
}

// DeactivateSubscription marks the node's subscription inactive. The
// row is kept for audit. ErrNotFound when no active subscription.
func (s *Store) DeactivateSubscription(ctx context.Context, userNodeID int64) error {
	const q = `
	UPDATE subscriptions SET
		is_active = FALSE,
		updated_at = :now
	WHERE
		user_node_id = :user_node_id AND
		is_active = TRUE`

	data := struct {
		UserNodeID int64     `db:"user_node_id"`
		Now        time.Time `db:"now"`
	}{
		UserNodeID: userNodeID,
		Now:        s.now(),
	}

	var n int64
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = database.NamedExecRows(ctx, s.log, s.db, q, data)
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSubscriptions lists active subscriptions, optionally filtered
// by variant. Empty variant means all.
func (s *Store) ActiveSubscriptions(ctx context.Context, variant string) ([]Subscription, error) {
	const q = `
	SELECT
		id, user_node_id, variant, is_active, created_at, updated_at
	FROM
		subscriptions
	WHERE
		is_active = TRUE AND
		(:variant = '' OR variant = :variant)
	ORDER BY
		user_node_id ASC`

	data := struct {
		Variant string `db:"variant"`
	}{
		Variant: variant,
	}

	var subs []Subscription
	if err := database.NamedQuerySlice(ctx, s.log, s.db, q, data, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// SubscriptionFor returns the node's active subscription, or ErrNotFound.
func (s *Store) SubscriptionFor(ctx context.Context, userNodeID int64) (Subscription, error) {
	const q = `
	SELECT
		id, user_node_id, variant, is_active, created_at, updated_at
	FROM
		subscriptions
	WHERE
		user_node_id = :user_node_id AND
		is_active = TRUE
	LIMIT 1`

	data := struct {
		UserNodeID int64 `db:"user_node_id"`
	}{
		UserNodeID: userNodeID,
	}

	var sub Subscription
	err := database.NamedQueryStruct(ctx, s.log, s.db, q, data, &sub)
	if errors.Is(err, database.ErrDBNotFound) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}
