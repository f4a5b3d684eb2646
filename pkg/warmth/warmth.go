// Package warmth computes relationship-warmth scores for contacts.
//
// A contact's current score is never stored. Each contact has a single
// anchor (score, timestamp, mode) and the displayed score is derived from
// the anchor with closed-form exponential decay, so reads are pure and no
// background job has to tick over every contact.
package warmth

import (
	"math"
	"time"
)

// Mode controls how quickly a contact cools down.
type Mode string

const (
	ModeSlow   Mode = "slow"
	ModeMedium Mode = "medium"
	ModeFast   Mode = "fast"
)

// Band is the discrete temperature label derived from a score.
type Band string

const (
	BandHot     Band = "hot"
	BandWarm    Band = "warm"
	BandNeutral Band = "neutral"
	BandCool    Band = "cool"
	BandCold    Band = "cold"
)

// Decay rate per day for each mode. Larger lambda cools faster.
var lambdas = map[Mode]float64{
	ModeSlow:   0.01,
	ModeMedium: 0.03,
	ModeFast:   0.06,
}

const (
	// MinScore and MaxScore bound every stored and derived score.
	MinScore = 0.0
	MaxScore = 100.0

	// decayFloor is the value scores decay toward.
	decayFloor = 0.0
)

// Lambda returns the per-day decay rate for a mode.
// Unknown modes fall back to medium.
func Lambda(mode Mode) float64 {
	if l, ok := lambdas[mode]; ok {
		return l
	}
	return lambdas[ModeMedium]
}

// ValidMode reports whether mode is one of the supported decay modes.
func ValidMode(mode Mode) bool {
	_, ok := lambdas[mode]
	return ok
}

// Current derives the score at `now` from an anchor.
//
// score = floor + (anchor - floor) * e^(-lambda * daysSinceAnchor),
// clamped to [MinScore, MaxScore]. Elapsed time before the anchor counts
// as zero, so a clock-skewed read can never inflate a score.
func Current(anchorScore float64, anchorAt time.Time, mode Mode, now time.Time) float64 {
	days := now.Sub(anchorAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	decayed := decayFloor + (anchorScore-decayFloor)*math.Exp(-Lambda(mode)*days)
	return clamp(decayed)
}

// BandFor maps a score to its band. Boundary values belong to the
// higher band: a score of exactly 80 is hot, not warm.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandHot
	case score >= 60:
		return BandWarm
	case score >= 40:
		return BandNeutral
	case score >= 20:
		return BandCool
	default:
		return BandCold
	}
}

// HalfLifeDays returns the number of days for a score to halve in a mode.
func HalfLifeDays(mode Mode) float64 {
	return math.Ln2 / Lambda(mode)
}

// ModeInfo describes a decay mode for API consumers.
type ModeInfo struct {
	Mode         Mode    `json:"mode"`
	Lambda       float64 `json:"lambda"`
	HalfLifeDays float64 `json:"half_life_days"`
}

// Modes returns the supported decay modes, slowest first.
func Modes() []ModeInfo {
	out := make([]ModeInfo, 0, len(lambdas))
	for _, m := range []Mode{ModeSlow, ModeMedium, ModeFast} {
		out = append(out, ModeInfo{Mode: m, Lambda: Lambda(m), HalfLifeDays: HalfLifeDays(m)})
	}
	return out
}

func clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
