package warmth

import "time"

// Anchor is the last known (score, timestamp) pair for a contact.
// The current score is always derived from it; it is the only piece of
// warmth state that is ever overwritten.
type Anchor struct {
	ContactID string
	Score     float64
	AnchorAt  time.Time
	Mode      Mode
}

// EventType identifies what caused a warmth change.
type EventType string

const (
	EventInteraction EventType = "interaction"
	EventOverride    EventType = "manual_override"
	EventModeSwitch  EventType = "mode_switch"
)

// Event is one entry in a contact's append-only warmth audit trail.
type Event struct {
	ContactID string    `json:"contact_id"`
	Type      EventType `json:"type"`
	Delta     float64   `json:"delta"`
	Mode      Mode      `json:"mode"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InteractionKind is a category of contact interaction.
type InteractionKind string

const (
	KindEmail   InteractionKind = "email"
	KindSMS     InteractionKind = "sms"
	KindDM      InteractionKind = "dm"
	KindCall    InteractionKind = "call"
	KindMeeting InteractionKind = "meeting"
	KindOther   InteractionKind = "other"

	// KindNote and KindSystem never affect warmth.
	KindNote   InteractionKind = "note"
	KindSystem InteractionKind = "system"
)

// boosts is the fixed allow-list of qualifying interaction kinds and the
// score boost each one grants. Kinds absent from this table (internal
// notes, system events) leave the anchor untouched.
var boosts = map[InteractionKind]float64{
	KindEmail:   5,
	KindSMS:     4,
	KindDM:      4,
	KindCall:    7,
	KindMeeting: 9,
	KindOther:   5,
}

// Qualifies reports whether an interaction kind affects warmth.
func Qualifies(kind InteractionKind) bool {
	_, ok := boosts[kind]
	return ok
}

// Boost returns the score boost for a qualifying kind, 0 otherwise.
func Boost(kind InteractionKind) float64 {
	return boosts[kind]
}
