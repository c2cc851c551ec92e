// Package intelligence provides semantic analysis of live transcript
// fragments: signal density scoring, priority classification, and topic
// coherence gating for batch accumulation.
package intelligence

import "time"

// Fragment is one incremental piece of transcript text delivered while a
// meeting is in progress.
//
// Fragments are immutable once created and are owned by the session stream
// that produced them. Index reflects arrival order within the session.
type Fragment struct {
	// Index is the ordinal position of the fragment within its session.
	Index int `json:"index"`

	// Text is the raw transcript text of the fragment.
	Text string `json:"text"`

	// Timestamp is the wall-clock time the fragment was captured.
	Timestamp time.Time `json:"timestamp"`

	// Speaker is the speaker label, if diarization provided one.
	Speaker string `json:"speaker,omitempty"`
}

// Priority classifies how urgently a fragment's batch should be processed.
//
// Priorities map to the number of subsequent context fragments to accumulate
// before acting; see ContextQuota.
type Priority string

const (
	// PriorityImmediate triggers processing with no additional context.
	PriorityImmediate Priority = "immediate"

	// PriorityHigh waits for a small amount of follow-on context.
	PriorityHigh Priority = "high"

	// PriorityMedium waits for moderate follow-on context.
	PriorityMedium Priority = "medium"

	// PriorityLow is reserved for batching-accumulation states; the
	// analyzer never emits it directly.
	PriorityLow Priority = "low"

	// PrioritySkip marks fragments not worth analyzing (too short or
	// low-information).
	PrioritySkip Priority = "skip"
)

// ContextQuota returns the number of subsequent fragments to accumulate
// before a batch containing a fragment of this priority is processed.
//
// PrioritySkip returns -1: skipped fragments never arm a processing trigger.
func (p Priority) ContextQuota() int {
	switch p {
	case PriorityImmediate:
		return 0
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	default:
		return -1
	}
}

// Signals holds the semantic features derived from a single fragment.
//
// Signals are ephemeral: they are recomputed per fragment and never
// persisted.
type Signals struct {
	// WordCount is the number of whitespace-separated words.
	WordCount int

	// HasActionVerb indicates commitment or task language ("will send",
	// "need to", "follow up").
	HasActionVerb bool

	// HasTimeReference indicates deadline or scheduling language
	// ("by Friday", "tomorrow", "next week").
	HasTimeReference bool

	// IsQuestion indicates interrogative form.
	IsQuestion bool

	// HasDecision indicates decision language ("we decided", "agreed",
	// "let's go with").
	HasDecision bool

	// HasAssignment indicates ownership language ("Sarah will handle",
	// "assigned to").
	HasAssignment bool

	// HasRisk indicates risk or blocker language ("blocked", "concern",
	// "at risk").
	HasRisk bool
}

// Density returns the word-count-normalized semantic density of the
// fragment these signals were derived from.
//
// Combined action+time language dominates at 2.0, decision+assignment at
// 1.5; otherwise question and risk flags contribute 1.0 each and action or
// time flags 0.5 each. The sum is divided by the word count so long
// fragments are not rewarded for volume. Fragments under five words score
// zero.
func (s Signals) Density() float64 {
	if s.WordCount < 5 {
		return 0
	}

	var contribution float64
	switch {
	case s.HasActionVerb && s.HasTimeReference:
		contribution = 2.0
	case s.HasDecision && s.HasAssignment:
		contribution = 1.5
	default:
		if s.IsQuestion {
			contribution += 1.0
		}
		if s.HasRisk {
			contribution += 1.0
		}
		if s.HasActionVerb {
			contribution += 0.5
		}
		if s.HasTimeReference {
			contribution += 0.5
		}
	}

	return contribution / float64(s.WordCount)
}

// IsHighDensity reports whether the density score clears the given
// threshold (0.3 by default at the analyzer level).
func (s Signals) IsHighDensity(threshold float64) bool {
	return s.Density() >= threshold
}
