// Package subscription manages daily-summary subscriptions and renders
// the three summary variants a subscriber can pick.
package subscription

import (
	"context"
	"fmt"
	"strings"

	"github.com/meshstats/meshstats/common/log"
	"github.com/meshstats/meshstats/stats"
	"github.com/meshstats/meshstats/store"
)

// The three summary variants.
const (
	VariantLow  = "low"
	VariantAvg  = "avg"
	VariantHigh = "high"
)

// ErrUnknownVariant rejects anything that is not low, avg or high.
var ErrUnknownVariant = fmt.Errorf("unknown variant, expected %s, %s or %s",
	VariantLow, VariantAvg, VariantHigh)

// ParseVariant canonicalises a user-supplied variant string.
func ParseVariant(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case VariantLow:
		return VariantLow, nil
	case VariantAvg, "average":
		return VariantAvg, nil
	case VariantHigh:
		return VariantHigh, nil
	default:
		return "", ErrUnknownVariant
	}
}

// Store is the durable side of the service.
type Store interface {
	UpsertSubscription(ctx context.Context, userNodeID int64, variant string) error
	DeactivateSubscription(ctx context.Context, userNodeID int64) error
	ActiveSubscriptions(ctx context.Context, variant string) ([]store.Subscription, error)
	SubscriptionFor(ctx context.Context, userNodeID int64) (store.Subscription, error)
}

// Service is the subscription CRUD plus the summary formatter.
type Service struct {
	l  log.Logger
	st Store
}

// New builds the service.
func New(l log.Logger, st Store) *Service {
	return &Service{l: l.Named("subscription"), st: st}
}

// Subscribe activates the node's subscription with the given variant,
// replacing any prior one. Repeating the same subscribe is idempotent.
func (s *Service) Subscribe(ctx context.Context, userNodeID int64, variant string) error {
	v, err := ParseVariant(variant)
	if err != nil {
		return err
	}
	if err := s.st.UpsertSubscription(ctx, userNodeID, v); err != nil {
		return fmt.Errorf("subscribing node %d: %w", userNodeID, err)
	}
	s.l.Infow("subscription upserted", "node", userNodeID, "variant", v)
	return nil
}

// Unsubscribe deactivates the node's subscription. store.ErrNotFound
// when there was none.
func (s *Service) Unsubscribe(ctx context.Context, userNodeID int64) error {
	if err := s.st.DeactivateSubscription(ctx, userNodeID); err != nil {
		return err
	}
	s.l.Infow("subscription deactivated", "node", userNodeID)
	return nil
}

// List returns the active subscriptions, optionally filtered by variant.
func (s *Service) List(ctx context.Context, variant string) ([]store.Subscription, error) {
	if variant != "" {
		v, err := ParseVariant(variant)
		if err != nil {
			return nil, err
		}
		variant = v
	}
	return s.st.ActiveSubscriptions(ctx, variant)
}

// For returns one node's active subscription.
func (s *Service) For(ctx context.Context, userNodeID int64) (store.Subscription, error) {
	return s.st.SubscriptionFor(ctx, userNodeID)
}

// Format renders one day's summary for a variant. Days without data
// get an explicit quiet-day line instead of zeroes.
func (s *Service) Format(variant string, day stats.DayStat) string {
	if day.MessageCount == 0 {
		return fmt.Sprintf("No messages recorded on %s", day.Date)
	}

	switch variant {
	case VariantHigh:
		return fmt.Sprintf("🔴 Peak gateways today: %.0f (from %d messages)",
			*day.MaxGateways, day.MessageCount)
	case VariantLow:
		return fmt.Sprintf("🔵 Minimum gateways today: %.0f (from %d messages)",
			*day.MinGateways, day.MessageCount)
	default:
		return fmt.Sprintf("🟡 Average gateways today: %.1f (from %d messages)",
			*day.AvgGateways, day.MessageCount)
	}
}
