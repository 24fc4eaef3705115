package store

import (
	"context"
	"fmt"
)

// HasActiveSubscription reports whether the business holds a subscription in
// the active or trialing state.
func (s *Store) HasActiveSubscription(ctx context.Context, businessID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE  business_id = $1 AND status IN ('active', 'trialing')
		)`

	var ok bool
	if err := s.pool.QueryRow(ctx, q, businessID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: has active subscription: %w", err)
	}
	return ok, nil
}

// CompletedMinutes sums the duration of all completed conversations for the
// agent, in minutes. Used by the trial usage gate.
func (s *Store) CompletedMinutes(ctx context.Context, agentID string) (float64, error) {
	const q = `
		SELECT COALESCE(SUM(EXTRACT(EPOCH FROM (ended_at - started_at)) / 60), 0)
		FROM   conversations
		WHERE  agent_id = $1 AND status = 'completed' AND ended_at IS NOT NULL`

	var minutes float64
	if err := s.pool.QueryRow(ctx, q, agentID).Scan(&minutes); err != nil {
		return 0, fmt.Errorf("store: completed minutes: %w", err)
	}
	return minutes, nil
}
