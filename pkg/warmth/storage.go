package warmth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAnchorNotFound is returned when a contact has no warmth anchor yet.
	ErrAnchorNotFound = errors.New("warmth anchor not found")

	// ErrAnchorConflict is returned by conditional anchor updates when the
	// stored anchor_at no longer matches the expected value, meaning a
	// concurrent writer got there first.
	ErrAnchorConflict = errors.New("warmth anchor modified concurrently")
)

// Storage persists warmth anchors and the append-only event trail.
type Storage interface {
	// GetAnchor retrieves a contact's anchor.
	// Returns ErrAnchorNotFound if the contact has never been anchored.
	GetAnchor(ctx context.Context, contactID string) (*Anchor, error)

	// UpsertAnchor writes an anchor. When prevAnchorAt is non-nil the write
	// only succeeds if the stored anchor_at equals *prevAnchorAt; otherwise
	// ErrAnchorConflict is returned. A nil prevAnchorAt requires that no
	// anchor exists yet.
	UpsertAnchor(ctx context.Context, anchor *Anchor, prevAnchorAt *time.Time) error

	// AppendEvent appends one entry to the contact's audit trail.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns a contact's events, newest first, up to limit.
	ListEvents(ctx context.Context, contactID string, limit int) ([]*Event, error)
}
