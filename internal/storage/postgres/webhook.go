package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/warmlinehq/warmline/pkg/webhook"
)

var _ webhook.Storage = (*Store)(nil)

func (s *Store) InsertEvent(ctx context.Context, rec *webhook.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events
			(idempotency_key, provider, type, payload, signature_valid, received_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.IdempotencyKey, rec.Provider, rec.Type, rec.Payload,
		rec.SignatureValid, rec.ReceivedAt, rec.Status)
	if isUniqueViolation(err) {
		return webhook.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, idempotencyKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET status = 'processed', processed_at = $2, next_retry_at = NULL, last_error = ''
			WHERE idempotency_key = $1`,
		idempotencyKey, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

func (s *Store) ScheduleRetry(ctx context.Context, idempotencyKey string, attempt int, nextRetryAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET attempt_count = $2, next_retry_at = $3, last_error = $4
			WHERE idempotency_key = $1`,
		idempotencyKey, attempt, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

func (s *Store) MarkDeadLetter(ctx context.Context, idempotencyKey string, at time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events
			SET status = 'dead_letter', processed_at = $2, next_retry_at = NULL, last_error = $3
			WHERE idempotency_key = $1`,
		idempotencyKey, at, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark event dead-letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return webhook.ErrEventNotFound
	}
	return nil
}

// ListDueRetries claims due events with FOR UPDATE SKIP LOCKED so multiple
// retry workers never re-dispatch the same event concurrently. Claiming
// pushes next_retry_at forward one minute; the dispatch outcome overwrites
// it.
func (s *Store) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*webhook.Record, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE webhook_events
			SET next_retry_at = $1
			WHERE idempotency_key IN (
				SELECT idempotency_key FROM webhook_events
				WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $2
				ORDER BY next_retry_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING idempotency_key, provider, type, payload, signature_valid,
				received_at, processed_at, attempt_count, next_retry_at, status, last_error`,
		now.Add(time.Minute), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due retries: %w", err)
	}
	defer rows.Close()

	var records []*webhook.Record
	for rows.Next() {
		var rec webhook.Record
		if err := rows.Scan(&rec.IdempotencyKey, &rec.Provider, &rec.Type, &rec.Payload,
			&rec.SignatureValid, &rec.ReceivedAt, &rec.ProcessedAt, &rec.AttemptCount,
			&rec.NextRetryAt, &rec.Status, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*webhook.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idempotency_key, provider, type, payload, signature_valid,
			received_at, processed_at, attempt_count, next_retry_at, status, last_error
			FROM webhook_events
			WHERE status = 'dead_letter'
			ORDER BY received_at DESC
			LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var records []*webhook.Record
	for rows.Next() {
		var rec webhook.Record
		if err := rows.Scan(&rec.IdempotencyKey, &rec.Provider, &rec.Type, &rec.Payload,
			&rec.SignatureValid, &rec.ReceivedAt, &rec.ProcessedAt, &rec.AttemptCount,
			&rec.NextRetryAt, &rec.Status, &rec.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
