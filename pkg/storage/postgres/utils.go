package postgres

import (
	"fmt"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuestion(s rowScanner) (*storage.QuestionRecord, error) {
	var q storage.QuestionRecord
	err := s.Scan(
		&q.ID,
		&q.SessionID,
		&q.OrganizationID,
		&q.ProjectID,
		&q.Text,
		&q.Speaker,
		&q.Category,
		&q.State,
		&q.ResolvedTier,
		&q.Confidence,
		&q.Answer,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func scanAction(s rowScanner) (*storage.ActionRecord, error) {
	var a storage.ActionRecord
	err := s.Scan(
		&a.ID,
		&a.SessionID,
		&a.OrganizationID,
		&a.ProjectID,
		&a.Description,
		&a.Owner,
		&a.Deadline,
		&a.Speaker,
		&a.Completeness,
		&a.Confidence,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// buildWhereClause builds a WHERE clause with numbered placeholders.
func buildWhereClause(opts *storage.ListOptions) (string, []interface{}) {
	var clause string
	var args []interface{}

	if opts.SessionID != "" {
		args = append(args, opts.SessionID)
		clause = fmt.Sprintf("WHERE session_id = $%d", len(args))
	}
	if opts.OrganizationID != "" {
		args = append(args, opts.OrganizationID)
		cond := fmt.Sprintf("organization_id = $%d", len(args))
		if clause == "" {
			clause = "WHERE " + cond
		} else {
			clause += " AND " + cond
		}
	}

	return clause, args
}

// limitClause builds the LIMIT/OFFSET suffix from list options.
func limitClause(opts *storage.ListOptions) string {
	if opts.Limit <= 0 {
		return ""
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
}
