// Package memory is the in-process storage backend. It implements every
// component storage interface behind one mutex-guarded store; useful for
// tests and single-instance deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warmlinehq/warmline/pkg/entitlement"
	"github.com/warmlinehq/warmline/pkg/outbound"
	"github.com/warmlinehq/warmline/pkg/warmth"
	"github.com/warmlinehq/warmline/pkg/webhook"
)

// Store holds all rows in maps and slices. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	anchors      map[string]*warmth.Anchor
	warmthEvents map[string][]*warmth.Event

	snapshots    map[string][]*entitlement.Snapshot
	entitlements map[string]*entitlement.Entitlement
	devices      map[string]map[string]*entitlement.TrialDevice // deviceHash -> userID

	events map[string]*webhook.Record

	subscribers map[string]*outbound.Subscriber
	deliveries  map[string]*outbound.Delivery
}

// New creates an empty store.
func New() *Store {
	return &Store{
		anchors:      make(map[string]*warmth.Anchor),
		warmthEvents: make(map[string][]*warmth.Event),
		snapshots:    make(map[string][]*entitlement.Snapshot),
		entitlements: make(map[string]*entitlement.Entitlement),
		devices:      make(map[string]map[string]*entitlement.TrialDevice),
		events:       make(map[string]*webhook.Record),
		subscribers:  make(map[string]*outbound.Subscriber),
		deliveries:   make(map[string]*outbound.Delivery),
	}
}

var (
	_ warmth.Storage      = (*Store)(nil)
	_ entitlement.Storage = (*Store)(nil)
	_ webhook.Storage     = (*Store)(nil)
	_ outbound.Storage    = (*Store)(nil)
)

// --- warmth.Storage ---

func (s *Store) GetAnchor(_ context.Context, contactID string) (*warmth.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	anchor, ok := s.anchors[contactID]
	if !ok {
		return nil, warmth.ErrAnchorNotFound
	}
	cp := *anchor
	return &cp, nil
}

func (s *Store) UpsertAnchor(_ context.Context, anchor *warmth.Anchor, prevAnchorAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.anchors[anchor.ContactID]
	if prevAnchorAt == nil {
		if ok {
			return warmth.ErrAnchorConflict
		}
	} else {
		if !ok || !existing.AnchorAt.Equal(*prevAnchorAt) {
			return warmth.ErrAnchorConflict
		}
	}
	cp := *anchor
	s.anchors[anchor.ContactID] = &cp
	return nil
}

func (s *Store) AppendEvent(_ context.Context, event *warmth.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.warmthEvents[event.ContactID] = append(s.warmthEvents[event.ContactID], &cp)
	return nil
}

func (s *Store) ListEvents(_ context.Context, contactID string, limit int) ([]*warmth.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.warmthEvents[contactID]
	out := make([]*warmth.Event, 0, limit)
	for i := len(trail) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *trail[i]
		out = append(out, &cp)
	}
	return out, nil
}

// --- entitlement.Storage ---

func (s *Store) InsertSnapshot(_ context.Context, snap *entitlement.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.UserID] = append(s.snapshots[snap.UserID], &cp)
	return nil
}

func (s *Store) ListSnapshots(_ context.Context, userID string, limit int) ([]*entitlement.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.snapshots[userID]
	out := make([]*entitlement.Snapshot, 0, len(rows))
	for _, r := range rows {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CurrentPeriodEnd.After(out[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HasTrialSnapshot(_ context.Context, userID string) (bool, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	found := false
	for _, snap := range s.snapshots[userID] {
		if snap.Status != entitlement.StatusTrial {
			continue
		}
		found = true
		if snap.UpdatedAt.After(latest) {
			latest = snap.UpdatedAt
		}
	}
	return found, latest, nil
}

func (s *Store) GetEntitlement(_ context.Context, userID string) (*entitlement.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, entitlement.ErrEntitlementNotFound
	}
	cp := *ent
	return &cp, nil
}

func (s *Store) UpsertEntitlement(_ context.Context, ent *entitlement.Entitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ent
	s.entitlements[ent.UserID] = &cp
	return nil
}

func (s *Store) ListExpiringEntitlements(_ context.Context, cutoff time.Time, afterUserID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for userID, ent := range s.entitlements {
		if ent.Plan != entitlement.PlanPro || ent.ValidUntil == nil {
			continue
		}
		if ent.ValidUntil.Before(cutoff) && userID > afterUserID {
			ids = append(ids, userID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) UpsertTrialDevice(_ context.Context, dev *entitlement.TrialDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.devices[dev.DeviceHash]
	if !ok {
		byUser = make(map[string]*entitlement.TrialDevice)
		s.devices[dev.DeviceHash] = byUser
	}
	if existing, ok := byUser[dev.UserID]; ok {
		existing.LastSeenAt = dev.LastSeenAt
		existing.Platform = dev.Platform
		existing.AppVersion = dev.AppVersion
		return nil
	}
	cp := *dev
	byUser[dev.UserID] = &cp
	return nil
}

func (s *Store) ListDevicesByHash(_ context.Context, deviceHash string) ([]*entitlement.TrialDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.devices[deviceHash]
	out := make([]*entitlement.TrialDevice, 0, len(byUser))
	for _, dev := range byUser {
		cp := *dev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// --- webhook.Storage ---

func (s *Store) InsertEvent(_ context.Context, rec *webhook.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[rec.IdempotencyKey]; ok {
		return webhook.ErrDuplicateEvent
	}
	cp := *rec
	s.events[rec.IdempotencyKey] = &cp
	return nil
}

func (s *Store) MarkProcessed(_ context.Context, idempotencyKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[idempotencyKey]
	if !ok {
		return webhook.ErrEventNotFound
	}
	rec.Status = webhook.StatusProcessed
	rec.ProcessedAt = &at
	rec.NextRetryAt = nil
	rec.LastError = ""
	return nil
}

func (s *Store) ScheduleRetry(_ context.Context, idempotencyKey string, attempt int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[idempotencyKey]
	if !ok {
		return webhook.ErrEventNotFound
	}
	rec.AttemptCount = attempt
	rec.NextRetryAt = &nextRetryAt
	rec.LastError = lastError
	return nil
}

func (s *Store) MarkDeadLetter(_ context.Context, idempotencyKey string, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[idempotencyKey]
	if !ok {
		return webhook.ErrEventNotFound
	}
	rec.Status = webhook.StatusDeadLetter
	rec.ProcessedAt = &at
	rec.NextRetryAt = nil
	rec.LastError = lastError
	return nil
}

func (s *Store) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*webhook.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*webhook.Record
	for _, rec := range s.events {
		if rec.Status != webhook.StatusPending || rec.NextRetryAt == nil {
			continue
		}
		if !rec.NextRetryAt.After(now) {
			cp := *rec
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]*webhook.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*webhook.Record
	for _, rec := range s.events {
		if rec.Status != webhook.StatusDeadLetter {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- outbound.Storage ---

func (s *Store) UpsertSubscriber(_ context.Context, sub *outbound.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subscribers[sub.ID] = &cp
	return nil
}

func (s *Store) ListActiveSubscribers(_ context.Context) ([]*outbound.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*outbound.Subscriber
	for _, sub := range s.subscribers {
		if !sub.Active {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSubscriber(_ context.Context, id string) (*outbound.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return nil, outbound.ErrSubscriberNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) InsertDelivery(_ context.Context, d *outbound.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *Store) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]*outbound.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*outbound.Delivery
	for _, d := range s.deliveries {
		if d.Status != outbound.DeliveryPending || d.NextAttemptAt.After(now) {
			continue
		}
		cp := *d
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return outbound.ErrDeliveryNotFound
	}
	d.Status = outbound.DeliveryDelivered
	d.DeliveredAt = &at
	d.LastError = ""
	return nil
}

func (s *Store) ScheduleDeliveryRetry(_ context.Context, id string, attempt int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return outbound.ErrDeliveryNotFound
	}
	d.AttemptCount = attempt
	d.NextAttemptAt = nextAttemptAt
	d.LastError = lastError
	return nil
}

func (s *Store) MarkDeliveryDeadLetter(_ context.Context, id string, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return outbound.ErrDeliveryNotFound
	}
	d.Status = outbound.DeliveryDeadLetter
	d.NextAttemptAt = at
	d.LastError = lastError
	return nil
}
