// Package cascade resolves detected questions through an ordered list of
// answer sources, each gated by its own confidence floor, with
// first-match-wins semantics.
package cascade

import (
	"sync"
	"time"
)

// State is the lifecycle state of a question.
type State string

const (
	// StateSearching means no tier has produced an accepted answer yet.
	StateSearching State = "searching"

	// StateFound means a knowledge source or generated answer satisfied
	// the question. Terminal.
	StateFound State = "found"

	// StateAnswered means the live conversation itself answered the
	// question. Terminal.
	StateAnswered State = "answered"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateFound || s == StateAnswered
}

// Tier identifies one ranked answer source.
type Tier string

const (
	// TierKnowledgeBase searches pre-indexed organizational knowledge.
	TierKnowledgeBase Tier = "knowledge_base"

	// TierMeetingContext searches the active meeting's own content.
	TierMeetingContext Tier = "meeting_context"

	// TierLiveConversation watches subsequent fragments for an answer.
	TierLiveConversation Tier = "live_conversation"

	// TierGeneration asks the model to answer from background knowledge.
	TierGeneration Tier = "generation"
)

// TierAttempt records the outcome of one tier's attempt at a question.
// Attempts are appended even after the question reaches a terminal state,
// as metadata; they never change state retroactively.
type TierAttempt struct {
	// Tier is the source that ran.
	Tier Tier `json:"tier"`

	// Confidence is the best confidence the tier produced (0 if none).
	Confidence float64 `json:"confidence"`

	// Accepted indicates the attempt cleared the tier's floor and
	// transitioned the question.
	Accepted bool `json:"accepted"`

	// Answer is the candidate answer text, when one was produced.
	Answer string `json:"answer,omitempty"`

	// Note records why the attempt did not advance the question
	// (below_floor, no_results, expired, error, disabled).
	Note string `json:"note,omitempty"`

	// At is when the attempt completed.
	At time.Time `json:"at"`
}

// Question is an open question detected in the conversation.
//
// The surrounding system owns its durable representation; this type holds
// the in-flight resolution state the cascade mutates. All state transitions
// go through transition(), which is idempotent: the first accepting tier
// wins and later results are recorded as attempts only.
type Question struct {
	// ID is the engine-assigned identifier.
	ID int64 `json:"id"`

	// SessionID is the owning meeting session.
	SessionID string `json:"session_id"`

	// Text is the question as asked.
	Text string `json:"text"`

	// Speaker is the asking speaker, when attributed.
	Speaker string `json:"speaker,omitempty"`

	// Category is the model-assigned category.
	Category string `json:"category,omitempty"`

	// DetectionConfidence is the confidence of the original detection.
	DetectionConfidence float64 `json:"detection_confidence"`

	// CreatedAt is when the question was detected.
	CreatedAt time.Time `json:"created_at"`

	mu sync.Mutex

	state              State
	resolvedTier       Tier
	resolvedConfidence float64
	answer             string
	attempts           []TierAttempt
}

// NewQuestion creates a question in StateSearching.
func NewQuestion(id int64, sessionID, text, speaker, category string, confidence float64) *Question {
	return &Question{
		ID:                  id,
		SessionID:           sessionID,
		Text:                text,
		Speaker:             speaker,
		Category:            category,
		DetectionConfidence: confidence,
		CreatedAt:           time.Now(),
		state:               StateSearching,
	}
}

// State returns the current lifecycle state.
func (q *Question) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Resolution returns the resolving tier, confidence, and answer text.
// All three are zero values while the question is still SEARCHING.
func (q *Question) Resolution() (Tier, float64, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resolvedTier, q.resolvedConfidence, q.answer
}

// Attempts returns a copy of the ordered per-tier attempt log.
func (q *Question) Attempts() []TierAttempt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TierAttempt, len(q.attempts))
	copy(out, q.attempts)
	return out
}

// transition moves the question to a terminal state if it is still
// SEARCHING. It reports whether this call won the transition; when the
// question is already terminal the result is recorded as a non-accepted
// attempt and false is returned.
func (q *Question) transition(to State, tier Tier, confidence float64, answer string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state.Terminal() {
		q.attempts = append(q.attempts, TierAttempt{
			Tier:       tier,
			Confidence: confidence,
			Answer:     answer,
			Note:       "already_resolved",
			At:         time.Now(),
		})
		return false
	}

	q.state = to
	q.resolvedTier = tier
	q.resolvedConfidence = confidence
	q.answer = answer
	q.attempts = append(q.attempts, TierAttempt{
		Tier:       tier,
		Confidence: confidence,
		Accepted:   true,
		Answer:     answer,
		At:         time.Now(),
	})
	return true
}

// recordAttempt appends a non-accepting attempt to the log.
func (q *Question) recordAttempt(tier Tier, confidence float64, answer, note string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts = append(q.attempts, TierAttempt{
		Tier:       tier,
		Confidence: confidence,
		Answer:     answer,
		Note:       note,
		At:         time.Now(),
	})
}
