package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/warmlinehq/warmline/pkg/outbound"
)

var _ outbound.Storage = (*Store)(nil)

func (s *Store) UpsertSubscriber(ctx context.Context, sub *outbound.Subscriber) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbound_subscribers (id, url, secret, active, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				url = EXCLUDED.url,
				secret = EXCLUDED.secret,
				active = EXCLUDED.active`,
		sub.ID, sub.URL, sub.Secret, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}
	return nil
}

func (s *Store) ListActiveSubscribers(ctx context.Context) ([]*outbound.Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, url, secret, active, created_at
			FROM outbound_subscribers
			WHERE active
			ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*outbound.Subscriber
	for rows.Next() {
		var sub outbound.Subscriber
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *Store) GetSubscriber(ctx context.Context, id string) (*outbound.Subscriber, error) {
	var sub outbound.Subscriber
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, secret, active, created_at
			FROM outbound_subscribers WHERE id = $1`,
		id).Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.Active, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbound.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return &sub, nil
}

func (s *Store) InsertDelivery(ctx context.Context, d *outbound.Delivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO outbound_deliveries
			(id, subscriber_id, event_id, payload, attempt_count, next_attempt_at, status, last_error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.SubscriberID, d.EventID, d.Payload, d.AttemptCount,
		d.NextAttemptAt, d.Status, d.LastError, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

// ListDueDeliveries claims due rows with FOR UPDATE SKIP LOCKED, pushing
// next_attempt_at forward one minute so parallel workers skip them.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*outbound.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE outbound_deliveries
			SET next_attempt_at = $1
			WHERE id IN (
				SELECT id FROM outbound_deliveries
				WHERE status = 'pending' AND next_attempt_at <= $2
				ORDER BY next_attempt_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, subscriber_id, event_id, payload, attempt_count,
				next_attempt_at, status, last_error, created_at, delivered_at`,
		now.Add(time.Minute), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	var due []*outbound.Delivery
	for rows.Next() {
		var d outbound.Delivery
		if err := rows.Scan(&d.ID, &d.SubscriberID, &d.EventID, &d.Payload, &d.AttemptCount,
			&d.NextAttemptAt, &d.Status, &d.LastError, &d.CreatedAt, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		due = append(due, &d)
	}
	return due, rows.Err()
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbound_deliveries
			SET status = 'delivered', delivered_at = $2, last_error = ''
			WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbound.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) ScheduleDeliveryRetry(ctx context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbound_deliveries
			SET attempt_count = $2, next_attempt_at = $3, last_error = $4
			WHERE id = $1`,
		id, attempt, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to schedule delivery retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbound.ErrDeliveryNotFound
	}
	return nil
}

func (s *Store) MarkDeliveryDeadLetter(ctx context.Context, id string, at time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbound_deliveries
			SET status = 'dead_letter', next_attempt_at = $2, last_error = $3
			WHERE id = $1`,
		id, at, lastError)
	if err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbound.ErrDeliveryNotFound
	}
	return nil
}
