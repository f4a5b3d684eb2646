package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Eligibility reasons.
const (
	ReasonOK         = "ok"
	ReasonDeviceUsed = "device_used"
	ReasonTrialUsed  = "trial_used"
)

// Eligibility is a trial-eligibility decision.
type Eligibility struct {
	Eligible      bool       `json:"eligible"`
	Reason        string     `json:"reason"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// TrialGate decides whether a user may start a trial. Device-hash binding
// exists specifically to stop trial abuse via account recreation on the
// same physical device.
type TrialGate struct {
	storage  Storage
	cooldown time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// TrialGateConfig holds trial gate tuning.
type TrialGateConfig struct {
	// Cooldown is how long after a consumed trial the user/device stays
	// ineligible. Defaults to 90 days.
	Cooldown time.Duration

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewTrialGate creates a trial gate.
func NewTrialGate(storage Storage, cfg TrialGateConfig, log zerolog.Logger) (*TrialGate, error) {
	if storage == nil {
		return nil, errors.New("entitlement storage is required")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 90 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TrialGate{
		storage:  storage,
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		log:      log.With().Str("component", "trial").Logger(),
	}, nil
}

// RegisterDevice upserts the user/device binding, bumping last_seen_at.
func (g *TrialGate) RegisterDevice(ctx context.Context, userID, deviceHash, platform, appVersion string) error {
	now := g.now().UTC()
	return g.storage.UpsertTrialDevice(ctx, &TrialDevice{
		UserID:      userID,
		DeviceHash:  deviceHash,
		Platform:    platform,
		AppVersion:  appVersion,
		FirstSeenAt: now,
		LastSeenAt:  now,
	})
}

// Eligible decides trial eligibility for a user on a device.
//
// The user is ineligible when they already consumed a trial themselves, or
// when the device hash is bound to any other account with consumed-trial
// history, until the configured cooldown has elapsed.
func (g *TrialGate) Eligible(ctx context.Context, userID, deviceHash string) (*Eligibility, error) {
	now := g.now().UTC()

	// Own trial history first: cheapest check, and it covers the common
	// case of a lapsed trial on the same account.
	used, lastTrialAt, err := g.storage.HasTrialSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if used {
		return g.deny(lastTrialAt, now, ReasonTrialUsed), nil
	}

	if deviceHash == "" {
		return &Eligibility{Eligible: true, Reason: ReasonOK}, nil
	}

	bindings, err := g.storage.ListDevicesByHash(ctx, deviceHash)
	if err != nil {
		return nil, err
	}
	for _, b := range bindings {
		if b.UserID == userID {
			continue
		}
		otherUsed, otherTrialAt, err := g.storage.HasTrialSnapshot(ctx, b.UserID)
		if err != nil {
			g.log.Error().Err(err).Str("user_id", b.UserID).Msg("trial history lookup failed")
			continue
		}
		if otherUsed {
			return g.deny(otherTrialAt, now, ReasonDeviceUsed), nil
		}
	}

	return &Eligibility{Eligible: true, Reason: ReasonOK}, nil
}

func (g *TrialGate) deny(trialAt, now time.Time, reason string) *Eligibility {
	until := trialAt.Add(g.cooldown)
	if !until.After(now) {
		// Cooldown already elapsed: the earlier trial no longer blocks.
		return &Eligibility{Eligible: true, Reason: ReasonOK}
	}
	return &Eligibility{Eligible: false, Reason: reason, CooldownUntil: &until}
}
