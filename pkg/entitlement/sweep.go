package entitlement

import (
	"context"
	"time"
)

// SweepConfig tunes the periodic reconciliation sweep that catches users
// whose expiry-adjacent webhooks were silently missed.
type SweepConfig struct {
	// Lookahead selects users whose entitlement expires before
	// now+Lookahead (including already-lapsed rows). Defaults to 48h.
	Lookahead time.Duration

	// BatchSize bounds how many users are loaded per page. Defaults to 100.
	BatchSize int
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Failed  int `json:"failed"`
}

// Sweep reconciles every user whose entitlement is inside the expiry window.
// Users are processed in bounded batches and one user's failure never aborts
// the rest of the run.
func (r *Reconciler) Sweep(ctx context.Context, cfg SweepConfig) (*SweepResult, error) {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 48 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	cutoff := r.now().UTC().Add(cfg.Lookahead)
	result := &SweepResult{}
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		userIDs, err := r.storage.ListExpiringEntitlements(ctx, cutoff, cursor, cfg.BatchSize)
		if err != nil {
			return result, err
		}
		if len(userIDs) == 0 {
			return result, nil
		}
		for _, userID := range userIDs {
			result.Scanned++
			if _, err := r.Reconcile(ctx, userID); err != nil {
				result.Failed++
				r.log.Error().Err(err).Str("user_id", userID).Msg("sweep reconcile failed")
			}
		}
		cursor = userIDs[len(userIDs)-1]
		if len(userIDs) < cfg.BatchSize {
			return result, nil
		}
	}
}
