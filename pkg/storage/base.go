// Package storage provides interfaces and types for insight persistence backends.
//
// It defines the InsightStore interface that all storage implementations must
// satisfy, along with the question and action record types.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or access to it is
// denied by the supplied filters.
var ErrNotFound = errors.New("storage: record not found")

// QuestionRecord is a detected question persisted for the session record.
//
// This type is defined in the storage package to avoid circular dependencies
// with the core package.
type QuestionRecord struct {
	// ID is the engine-assigned identifier.
	ID int64

	// SessionID identifies the meeting session the question was asked in.
	SessionID string

	// OrganizationID identifies the owning organization.
	OrganizationID string

	// ProjectID identifies the owning project, empty for org-wide sessions.
	ProjectID string

	// Text is the question as asked.
	Text string

	// Speaker is who asked, empty when attribution is unavailable.
	Speaker string

	// Category is the model-assigned question category.
	Category string

	// State is the resolution state: "searching", "found" or "answered".
	State string

	// ResolvedTier is the answer source that resolved the question, empty
	// while the question is still searching.
	ResolvedTier string

	// Confidence is the confidence of the accepted answer.
	Confidence float64

	// Answer is the accepted answer text.
	Answer string

	// CreatedAt is when the question was detected.
	CreatedAt time.Time

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
}

// ActionRecord is a detected action item persisted for the session record.
type ActionRecord struct {
	// ID is the engine-assigned identifier.
	ID int64

	// SessionID identifies the meeting session the action came from.
	SessionID string

	// OrganizationID identifies the owning organization.
	OrganizationID string

	// ProjectID identifies the owning project, empty for org-wide sessions.
	ProjectID string

	// Description is the action as stated.
	Description string

	// Owner is who the action was assigned to, empty when unassigned.
	Owner string

	// Deadline is the stated deadline, empty when none was given.
	Deadline string

	// Speaker is who stated the action.
	Speaker string

	// Completeness estimates how fully specified the action is, in [0,1].
	Completeness float64

	// Confidence is the detection confidence.
	Confidence float64

	// CreatedAt is when the action was detected.
	CreatedAt time.Time

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time
}

// InsightStore defines the interface for insight persistence backends.
//
// All storage implementations (SQLite, PostgreSQL) must implement this
// interface.
type InsightStore interface {
	// SaveQuestion persists a newly detected question.
	SaveQuestion(ctx context.Context, q *QuestionRecord) error

	// UpdateQuestionResolution records a question's resolution outcome.
	UpdateQuestionResolution(ctx context.Context, id int64, state, tier, answer string, confidence float64) error

	// GetQuestion retrieves a question by ID.
	GetQuestion(ctx context.Context, id int64) (*QuestionRecord, error)

	// ListQuestions retrieves a session's questions, newest first.
	ListQuestions(ctx context.Context, opts *ListOptions) ([]*QuestionRecord, error)

	// SaveAction persists a newly detected action.
	SaveAction(ctx context.Context, a *ActionRecord) error

	// UpdateAction applies an update to an existing action. Empty owner or
	// deadline fields leave the stored values unchanged.
	UpdateAction(ctx context.Context, id int64, owner, deadline string, completeness, confidence float64) error

	// ListActions retrieves a session's actions, newest first.
	ListActions(ctx context.Context, opts *ListOptions) ([]*ActionRecord, error)

	// DeleteSession removes all records for a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close closes the store and releases resources.
	Close() error
}

// ListOptions contains options for list operations.
type ListOptions struct {
	// SessionID filters results to a specific session.
	SessionID string

	// OrganizationID filters results to a specific organization.
	OrganizationID string

	// Limit sets the maximum number of results to return. Zero means no
	// limit.
	Limit int

	// Offset sets the number of results to skip.
	Offset int
}
