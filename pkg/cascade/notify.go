package cascade

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event announces a cascade outcome to interested listeners.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// Type is the event kind (question_resolved, tiers_exhausted).
	Type string `json:"type"`

	// QuestionID is the question the event concerns.
	QuestionID int64 `json:"question_id"`

	// QuestionText is the question as asked.
	QuestionText string `json:"question_text"`

	// Tier is the resolving tier, when resolved.
	Tier Tier `json:"tier,omitempty"`

	// State is the question state after the event.
	State State `json:"state"`

	// Answer is the accepted answer text, when resolved.
	Answer string `json:"answer,omitempty"`

	// Confidence is the accepted confidence, when resolved.
	Confidence float64 `json:"confidence,omitempty"`

	// At is when the event occurred.
	At time.Time `json:"at"`
}

// Event type values.
const (
	EventQuestionResolved = "question_resolved"
	EventTiersExhausted   = "tiers_exhausted"
)

// Notifier is the fire-and-forget notification sink. Failures must never
// fail the cascade; the resolver logs them and moves on.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, event Event) error
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(ctx context.Context, sessionID string, event Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, sessionID string, event Event) error {
	return f(ctx, sessionID, event)
}

// NopNotifier discards all events.
func NopNotifier() Notifier {
	return NotifierFunc(func(context.Context, string, Event) error { return nil })
}

// newEvent builds an event with a fresh identifier and timestamp.
func newEvent(eventType string, q *Question) Event {
	tier, confidence, answer := q.Resolution()
	return Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Tier:         tier,
		State:        q.State(),
		Answer:       answer,
		Confidence:   confidence,
		At:           time.Now(),
	}
}
