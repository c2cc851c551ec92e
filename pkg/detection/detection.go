// Package detection decodes the language model's newline-delimited JSON
// output into typed detection records.
//
// The wire protocol is NDJSON: the model emits one complete JSON object per
// line, each carrying a mandatory "type" discriminator. Detection is a
// closed sum type, so routing sites switch exhaustively and adding a wire
// type is a compile-time-visible change.
package detection

// Wire values for the "type" discriminator.
const (
	TypeQuestion     = "question"
	TypeAction       = "action"
	TypeActionUpdate = "action_update"
	TypeAnswer       = "answer"
)

// Detection is one structured record decoded from the model stream.
//
// The concrete variants are Question, Action, ActionUpdate, and Answer;
// no other implementations exist.
type Detection interface {
	// Type returns the wire discriminator of the variant.
	Type() string

	// sealed prevents implementations outside this package.
	sealed()
}

// Question is a detected open question from the conversation.
type Question struct {
	// Text is the question as asked.
	Text string `json:"text"`

	// Speaker is the asking speaker, when attributed.
	Speaker string `json:"speaker,omitempty"`

	// Category is a coarse model-assigned category (factual, decision,
	// status, ...).
	Category string `json:"category,omitempty"`

	// Confidence is the model-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Action is a detected new action item or commitment.
type Action struct {
	// Description is the action item text.
	Description string `json:"description"`

	// Owner is the person responsible, when stated.
	Owner string `json:"owner,omitempty"`

	// Deadline is the stated due date or time reference, verbatim.
	Deadline string `json:"deadline,omitempty"`

	// Speaker is the committing speaker, when attributed.
	Speaker string `json:"speaker,omitempty"`

	// Completeness estimates how fully specified the action is, in
	// [0,1] (owner + deadline + concrete description).
	Completeness float64 `json:"completeness"`

	// Confidence is the model-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// ActionUpdate supplements a previously detected action with new details.
type ActionUpdate struct {
	// MatchText is the text of the earlier action this update refers to.
	MatchText string `json:"match_text"`

	// Owner is a newly stated owner, if any.
	Owner string `json:"owner,omitempty"`

	// Deadline is a newly stated deadline, if any.
	Deadline string `json:"deadline,omitempty"`

	// Completeness is the revised completeness estimate in [0,1].
	Completeness float64 `json:"completeness"`

	// Confidence is the model-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Answer reports that the live conversation answered an open question.
type Answer struct {
	// MatchQuestionText is the text of the question being answered.
	MatchQuestionText string `json:"match_question_text"`

	// AnswerText is the answer content.
	AnswerText string `json:"answer_text"`

	// Speaker is the answering speaker, when attributed.
	Speaker string `json:"speaker,omitempty"`

	// Confidence is the model-reported confidence in [0,1].
	Confidence float64 `json:"confidence"`
}

// Type implements Detection.
func (Question) Type() string { return TypeQuestion }

// Type implements Detection.
func (Action) Type() string { return TypeAction }

// Type implements Detection.
func (ActionUpdate) Type() string { return TypeActionUpdate }

// Type implements Detection.
func (Answer) Type() string { return TypeAnswer }

func (Question) sealed()     {}
func (Action) sealed()       {}
func (ActionUpdate) sealed() {}
func (Answer) sealed()       {}
