package warmth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// BlendPolicy decides what the base score is when a new interaction boost
// is applied. The product behavior was never pinned down upstream, so it is
// explicit configuration rather than a hard-coded choice.
type BlendPolicy string

const (
	// BlendResetFromDecayed applies the boost to the decayed current value.
	// Two interactions close together do not double-count decay. Default.
	BlendResetFromDecayed BlendPolicy = "reset_from_decayed"

	// BlendAdditive applies the boost to the stored anchor score without
	// correcting for decay since the anchor.
	BlendAdditive BlendPolicy = "additive"
)

// ErrInvalidMode is returned for modes outside the supported set.
var ErrInvalidMode = errors.New("invalid warmth mode")

// ErrInvalidScore is returned for override scores outside [0,100].
var ErrInvalidScore = errors.New("warmth score out of range")

// anchorRetries bounds the compare-and-swap loop on concurrent writes.
const anchorRetries = 3

// Config holds engine configuration.
type Config struct {
	// Blend selects the boost blend policy. Defaults to BlendResetFromDecayed.
	Blend BlendPolicy

	// DefaultMode is used when a contact is first anchored.
	// Defaults to ModeMedium.
	DefaultMode Mode

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Engine applies warmth changes. Reads are pure; every write resets the
// anchor and appends one audit event.
type Engine struct {
	storage Storage
	blend   BlendPolicy
	mode    Mode
	now     func() time.Time
	log     zerolog.Logger
}

// NewEngine creates a warmth engine.
func NewEngine(storage Storage, cfg Config, log zerolog.Logger) (*Engine, error) {
	if storage == nil {
		return nil, errors.New("warmth storage is required")
	}
	if cfg.Blend == "" {
		cfg.Blend = BlendResetFromDecayed
	}
	if cfg.Blend != BlendResetFromDecayed && cfg.Blend != BlendAdditive {
		return nil, fmt.Errorf("unknown blend policy %q", cfg.Blend)
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeMedium
	}
	if !ValidMode(cfg.DefaultMode) {
		return nil, ErrInvalidMode
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		storage: storage,
		blend:   cfg.Blend,
		mode:    cfg.DefaultMode,
		now:     cfg.Now,
		log:     log.With().Str("component", "warmth").Logger(),
	}, nil
}

// Reading is a derived warmth score at a point in time.
type Reading struct {
	Score    float64   `json:"warmth"`
	Band     Band      `json:"warmth_band"`
	Mode     Mode      `json:"mode"`
	AnchorAt time.Time `json:"-"`
}

// Score derives a contact's current warmth. Pure read: never writes.
// Returns ErrAnchorNotFound for contacts that were never anchored.
func (e *Engine) Score(ctx context.Context, contactID string) (*Reading, error) {
	anchor, err := e.storage.GetAnchor(ctx, contactID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	score := Current(anchor.Score, anchor.AnchorAt, anchor.Mode, now)
	return &Reading{
		Score:    score,
		Band:     BandFor(score),
		Mode:     anchor.Mode,
		AnchorAt: anchor.AnchorAt,
	}, nil
}

// Timeline returns a contact's audit trail, newest first.
func (e *Engine) Timeline(ctx context.Context, contactID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.storage.ListEvents(ctx, contactID, limit)
}

// InteractionResult reports the effect of a logged interaction.
type InteractionResult struct {
	Recorded    bool    `json:"recorded"`
	ScoreBefore float64 `json:"score_before"`
	ScoreAfter  float64 `json:"score_after"`
	Band        Band    `json:"band"`
}

// RecordInteraction applies a qualifying interaction: the anchor is reset to
// the boosted score at the current instant and an audit event is appended.
// Non-qualifying kinds (internal notes, system events) are a no-op with
// Recorded=false.
func (e *Engine) RecordInteraction(ctx context.Context, contactID string, kind InteractionKind, note string) (*InteractionResult, error) {
	if !Qualifies(kind) {
		return &InteractionResult{Recorded: false}, nil
	}

	var res *InteractionResult
	err := e.updateAnchor(ctx, contactID, func(anchor *Anchor, now time.Time) (*Anchor, *Event) {
		mode := e.mode
		current := 0.0
		base := 0.0
		if anchor != nil {
			mode = anchor.Mode
			current = Current(anchor.Score, anchor.AnchorAt, mode, now)
			base = current
			if e.blend == BlendAdditive {
				base = anchor.Score
			}
		}
		after := math.Min(MaxScore, base+Boost(kind))
		res = &InteractionResult{
			Recorded:    true,
			ScoreBefore: current,
			ScoreAfter:  after,
			Band:        BandFor(after),
		}
		next := &Anchor{ContactID: contactID, Score: after, AnchorAt: now, Mode: mode}
		event := &Event{
			ContactID: contactID,
			Type:      EventInteraction,
			Delta:     after - current,
			Mode:      mode,
			Note:      string(kind),
			CreatedAt: now,
		}
		return next, event
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Override pins a contact's warmth to an exact score and re-anchors.
func (e *Engine) Override(ctx context.Context, contactID string, score float64, note string) (*InteractionResult, error) {
	if math.IsNaN(score) || score < MinScore || score > MaxScore {
		return nil, ErrInvalidScore
	}

	var res *InteractionResult
	err := e.updateAnchor(ctx, contactID, func(anchor *Anchor, now time.Time) (*Anchor, *Event) {
		mode := e.mode
		current := 0.0
		if anchor != nil {
			mode = anchor.Mode
			current = Current(anchor.Score, anchor.AnchorAt, mode, now)
		}
		res = &InteractionResult{
			Recorded:    true,
			ScoreBefore: current,
			ScoreAfter:  score,
			Band:        BandFor(score),
		}
		next := &Anchor{ContactID: contactID, Score: score, AnchorAt: now, Mode: mode}
		event := &Event{
			ContactID: contactID,
			Type:      EventOverride,
			Delta:     score - current,
			Mode:      mode,
			Note:      note,
			CreatedAt: now,
		}
		return next, event
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ModeSwitchResult reports a mode change. The score is carried over: it is
// computed under the old mode at the switch instant and re-anchored under
// the new one, so the displayed value is continuous across the switch.
type ModeSwitchResult struct {
	ModeBefore  Mode    `json:"mode_before"`
	ModeAfter   Mode    `json:"mode_after"`
	ScoreBefore float64 `json:"score_before"`
	ScoreAfter  float64 `json:"score_after"`
	Band        Band    `json:"band"`
}

// SwitchMode changes a contact's decay mode.
func (e *Engine) SwitchMode(ctx context.Context, contactID string, newMode Mode) (*ModeSwitchResult, error) {
	if !ValidMode(newMode) {
		return nil, ErrInvalidMode
	}

	var res *ModeSwitchResult
	err := e.updateAnchor(ctx, contactID, func(anchor *Anchor, now time.Time) (*Anchor, *Event) {
		oldMode := e.mode
		current := 0.0
		if anchor != nil {
			oldMode = anchor.Mode
			current = Current(anchor.Score, anchor.AnchorAt, oldMode, now)
		}
		res = &ModeSwitchResult{
			ModeBefore:  oldMode,
			ModeAfter:   newMode,
			ScoreBefore: current,
			ScoreAfter:  current,
			Band:        BandFor(current),
		}
		next := &Anchor{ContactID: contactID, Score: current, AnchorAt: now, Mode: newMode}
		event := &Event{
			ContactID: contactID,
			Type:      EventModeSwitch,
			Delta:     0,
			Mode:      newMode,
			Note:      fmt.Sprintf("%s -> %s", oldMode, newMode),
			CreatedAt: now,
		}
		return next, event
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// updateAnchor runs the read-modify-write cycle under the per-contact
// single-writer discipline: the write is conditional on the anchor_at read,
// and the whole cycle retries on conflict.
func (e *Engine) updateAnchor(ctx context.Context, contactID string, mutate func(*Anchor, time.Time) (*Anchor, *Event)) error {
	for attempt := 0; attempt < anchorRetries; attempt++ {
		anchor, err := e.storage.GetAnchor(ctx, contactID)
		if err != nil && !errors.Is(err, ErrAnchorNotFound) {
			return err
		}

		now := e.now().UTC()
		next, event := mutate(anchor, now)

		var prevAt *time.Time
		if anchor != nil {
			at := anchor.AnchorAt
			prevAt = &at
		}
		err = e.storage.UpsertAnchor(ctx, next, prevAt)
		if errors.Is(err, ErrAnchorConflict) {
			e.log.Debug().Str("contact_id", contactID).Int("attempt", attempt+1).
				Msg("anchor conflict, retrying")
			continue
		}
		if err != nil {
			return err
		}
		if err := e.storage.AppendEvent(ctx, event); err != nil {
			// The anchor write landed; a missing audit row is logged, not
			// propagated, so the caller's view of the score stays correct.
			e.log.Error().Err(err).Str("contact_id", contactID).Msg("failed to append warmth event")
		}
		return nil
	}
	return ErrAnchorConflict
}
