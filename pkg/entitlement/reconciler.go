package entitlement

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler derives the single Entitlement row per user from the stored
// snapshot set. It is the only writer of Entitlement rows.
type Reconciler struct {
	storage       Storage
	snapshotLimit int
	now           func() time.Time
	log           zerolog.Logger
}

// ReconcilerConfig holds reconciler tuning.
type ReconcilerConfig struct {
	// SnapshotLimit caps how many recent snapshots are considered per user.
	// Defaults to 50.
	SnapshotLimit int

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(storage Storage, cfg ReconcilerConfig, log zerolog.Logger) (*Reconciler, error) {
	if storage == nil {
		return nil, errors.New("entitlement storage is required")
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 50
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		storage:       storage,
		snapshotLimit: cfg.SnapshotLimit,
		now:           cfg.Now,
		log:           log.With().Str("component", "reconciler").Logger(),
	}, nil
}

// Derive computes the entitlement implied by a snapshot set at `now`.
//
// Pure function: the same set produces the same output regardless of the
// order snapshots were inserted, which is what makes replayed and
// out-of-order webhook deliveries harmless.
func Derive(userID string, snapshots []*Snapshot, now time.Time) *Entitlement {
	candidates := make([]*Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.Status.Qualifying() && !s.CurrentPeriodEnd.Before(now) {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 {
		return &Entitlement{
			UserID:    userID,
			Plan:      PlanFree,
			Source:    StoreManual,
			UpdatedAt: now,
		}
	}

	// Latest period end wins; equal ends fall back to status rank, then
	// to store name and account so full ties do not depend on the order
	// snapshots arrived in.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) {
			return a.CurrentPeriodEnd.After(b.CurrentPeriodEnd)
		}
		if statusRank[a.Status] != statusRank[b.Status] {
			return statusRank[a.Status] > statusRank[b.Status]
		}
		if a.Store != b.Store {
			return a.Store < b.Store
		}
		return a.StoreAccountID < b.StoreAccountID
	})

	best := candidates[0]
	validUntil := best.CurrentPeriodEnd
	return &Entitlement{
		UserID:     userID,
		Plan:       PlanPro,
		ValidUntil: &validUntil,
		Source:     best.Store,
		UpdatedAt:  now,
	}
}

// Reconcile recomputes and persists a user's entitlement from the full
// current snapshot set. Safe under concurrent invocation: duplicate
// recomputes write the same row.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (*Entitlement, error) {
	snapshots, err := r.storage.ListSnapshots(ctx, userID, r.snapshotLimit)
	if err != nil {
		return nil, err
	}
	ent := Derive(userID, snapshots, r.now().UTC())
	if err := r.storage.UpsertEntitlement(ctx, ent); err != nil {
		return nil, err
	}
	r.log.Debug().Str("user_id", userID).Str("plan", string(ent.Plan)).
		Str("source", string(ent.Source)).Msg("entitlement reconciled")
	return ent, nil
}

// Current is the read-through check: it returns the stored entitlement,
// reconciling first when the row is missing or a pro row has lapsed.
func (r *Reconciler) Current(ctx context.Context, userID string) (*Entitlement, error) {
	ent, err := r.storage.GetEntitlement(ctx, userID)
	if errors.Is(err, ErrEntitlementNotFound) {
		return r.Reconcile(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	if ent.Plan == PlanPro && ent.ValidUntil != nil && ent.ValidUntil.Before(r.now().UTC()) {
		return r.Reconcile(ctx, userID)
	}
	return ent, nil
}
