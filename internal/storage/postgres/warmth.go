package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warmlinehq/warmline/pkg/warmth"
)

var _ warmth.Storage = (*Store)(nil)

func (s *Store) GetAnchor(ctx context.Context, contactID string) (*warmth.Anchor, error) {
	var anchor warmth.Anchor
	err := s.pool.QueryRow(ctx,
		`SELECT contact_id, score, anchor_at, mode
			FROM warmth_anchors WHERE contact_id = $1`,
		contactID).Scan(&anchor.ContactID, &anchor.Score, &anchor.AnchorAt, &anchor.Mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, warmth.ErrAnchorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}
	return &anchor, nil
}

func (s *Store) UpsertAnchor(ctx context.Context, anchor *warmth.Anchor, prevAnchorAt *time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if prevAnchorAt == nil {
		// First anchor for the contact; a concurrent insert loses.
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO warmth_anchors (contact_id, score, anchor_at, mode)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (contact_id) DO NOTHING`,
			anchor.ContactID, anchor.Score, anchor.AnchorAt, anchor.Mode)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE warmth_anchors
				SET score = $2, anchor_at = $3, mode = $4
				WHERE contact_id = $1 AND anchor_at = $5`,
			anchor.ContactID, anchor.Score, anchor.AnchorAt, anchor.Mode, *prevAnchorAt)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert anchor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return warmth.ErrAnchorConflict
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event *warmth.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO warmth_events (contact_id, type, delta, mode, note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ContactID, event.Type, event.Delta, event.Mode, event.Note, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append warmth event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, contactID string, limit int) ([]*warmth.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT contact_id, type, delta, mode, note, created_at
			FROM warmth_events
			WHERE contact_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`,
		contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list warmth events: %w", err)
	}
	defer rows.Close()

	var events []*warmth.Event
	for rows.Next() {
		var ev warmth.Event
		if err := rows.Scan(&ev.ContactID, &ev.Type, &ev.Delta, &ev.Mode, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan warmth event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
