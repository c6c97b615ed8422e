package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kortella/tidebot/internal/domain"
)

// TrackingStore implements domain.TrackingStore using PostgreSQL. Each row is
// one in-flight order's serialized tracking state, upserted on every
// mutation and deleted when the order reaches a terminal state.
type TrackingStore struct {
	pool *pgxpool.Pool
}

// NewTrackingStore creates a TrackingStore backed by the given pool.
func NewTrackingStore(pool *pgxpool.Pool) *TrackingStore {
	return &TrackingStore{pool: pool}
}

// Save upserts the tracking state blob for one order.
func (s *TrackingStore) Save(ctx context.Context, clientOrderID, tradingPair string, blob []byte) error {
	const query = `
		INSERT INTO tracking_states (client_order_id, trading_pair, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (client_order_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, clientOrderID, tradingPair, blob); err != nil {
		return fmt.Errorf("postgres: save tracking state %s: %w", clientOrderID, err)
	}
	return nil
}

// Delete removes the tracking state for one order. Deleting an unknown order
// is a no-op.
func (s *TrackingStore) Delete(ctx context.Context, clientOrderID string) error {
	const query = `DELETE FROM tracking_states WHERE client_order_id = $1`
	if _, err := s.pool.Exec(ctx, query, clientOrderID); err != nil {
		return fmt.Errorf("postgres: delete tracking state %s: %w", clientOrderID, err)
	}
	return nil
}

// LoadAll returns every persisted tracking state keyed by client order ID.
func (s *TrackingStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	const query = `SELECT client_order_id, state FROM tracking_states`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load tracking states: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("postgres: scan tracking state: %w", err)
		}
		out[id] = blob
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate tracking states: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.TrackingStore = (*TrackingStore)(nil)
