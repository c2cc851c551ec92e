// Package postgres provides a PostgreSQL implementation of insight persistence.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/storage"
)

// Client is a PostgreSQL insight store client.
type Client struct {
	db *sql.DB
}

// Config contains PostgreSQL configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewClient creates a new PostgreSQL client.
func NewClient(cfg *Config) (*Client, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("NewPostgresClient: %w", err)
	}

	client := &Client{db: db}

	if err := client.initTables(context.Background()); err != nil {
		return nil, err
	}

	return client, nil
}

// initTables initializes the database tables.
func (c *Client) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			organization_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255),
			text TEXT NOT NULL,
			speaker VARCHAR(255),
			category VARCHAR(64),
			state VARCHAR(32) NOT NULL,
			resolved_tier VARCHAR(64),
			confidence DOUBLE PRECISION DEFAULT 0,
			answer TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_session ON questions(session_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id BIGINT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			organization_id VARCHAR(255) NOT NULL,
			project_id VARCHAR(255),
			description TEXT NOT NULL,
			owner VARCHAR(255),
			deadline VARCHAR(255),
			speaker VARCHAR(255),
			completeness DOUBLE PRECISION DEFAULT 0,
			confidence DOUBLE PRECISION DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id)`,
	}

	for _, query := range queries {
		if _, err := c.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("initTables: %w", err)
		}
	}

	return nil
}

// SaveQuestion persists a newly detected question.
func (c *Client) SaveQuestion(ctx context.Context, q *storage.QuestionRecord) error {
	query := `
		INSERT INTO questions
		(id, session_id, organization_id, project_id, text, speaker, category, state, resolved_tier, confidence, answer, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	now := time.Now()
	_, err := c.db.ExecContext(ctx, query,
		q.ID,
		q.SessionID,
		q.OrganizationID,
		q.ProjectID,
		q.Text,
		q.Speaker,
		q.Category,
		q.State,
		q.ResolvedTier,
		q.Confidence,
		q.Answer,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("SaveQuestion: %w", err)
	}

	return nil
}

// UpdateQuestionResolution records a question's resolution outcome.
func (c *Client) UpdateQuestionResolution(ctx context.Context, id int64, state, tier, answer string, confidence float64) error {
	query := `
		UPDATE questions
		SET state = $1, resolved_tier = $2, answer = $3, confidence = $4, updated_at = $5
		WHERE id = $6
	`

	result, err := c.db.ExecContext(ctx, query, state, tier, answer, confidence, time.Now(), id)
	if err != nil {
		return fmt.Errorf("UpdateQuestionResolution: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateQuestionResolution: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// GetQuestion retrieves a question by ID.
func (c *Client) GetQuestion(ctx context.Context, id int64) (*storage.QuestionRecord, error) {
	query := `
		SELECT id, session_id, organization_id, project_id, text, speaker, category,
		       state, resolved_tier, confidence, answer, created_at, updated_at
		FROM questions
		WHERE id = $1
	`

	q, err := scanQuestion(c.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetQuestion: %w", err)
	}

	return q, nil
}

// ListQuestions retrieves a session's questions, newest first.
func (c *Client) ListQuestions(ctx context.Context, opts *storage.ListOptions) ([]*storage.QuestionRecord, error) {
	whereClause, args := buildWhereClause(opts)

	query := fmt.Sprintf(`
		SELECT id, session_id, organization_id, project_id, text, speaker, category,
		       state, resolved_tier, confidence, answer, created_at, updated_at
		FROM questions
		%s
		ORDER BY created_at DESC
		%s
	`, whereClause, limitClause(opts))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListQuestions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var questions []*storage.QuestionRecord
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("ListQuestions: %w", err)
		}
		questions = append(questions, q)
	}

	return questions, rows.Err()
}

// SaveAction persists a newly detected action.
func (c *Client) SaveAction(ctx context.Context, a *storage.ActionRecord) error {
	query := `
		INSERT INTO actions
		(id, session_id, organization_id, project_id, description, owner, deadline, speaker, completeness, confidence, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	now := time.Now()
	_, err := c.db.ExecContext(ctx, query,
		a.ID,
		a.SessionID,
		a.OrganizationID,
		a.ProjectID,
		a.Description,
		a.Owner,
		a.Deadline,
		a.Speaker,
		a.Completeness,
		a.Confidence,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("SaveAction: %w", err)
	}

	return nil
}

// UpdateAction applies an update to an existing action. Empty owner or
// deadline fields leave the stored values unchanged.
func (c *Client) UpdateAction(ctx context.Context, id int64, owner, deadline string, completeness, confidence float64) error {
	query := `
		UPDATE actions
		SET owner = COALESCE(NULLIF($1, ''), owner),
		    deadline = COALESCE(NULLIF($2, ''), deadline),
		    completeness = $3,
		    confidence = $4,
		    updated_at = $5
		WHERE id = $6
	`

	result, err := c.db.ExecContext(ctx, query, owner, deadline, completeness, confidence, time.Now(), id)
	if err != nil {
		return fmt.Errorf("UpdateAction: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateAction: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListActions retrieves a session's actions, newest first.
func (c *Client) ListActions(ctx context.Context, opts *storage.ListOptions) ([]*storage.ActionRecord, error) {
	whereClause, args := buildWhereClause(opts)

	query := fmt.Sprintf(`
		SELECT id, session_id, organization_id, project_id, description, owner, deadline,
		       speaker, completeness, confidence, created_at, updated_at
		FROM actions
		%s
		ORDER BY created_at DESC
		%s
	`, whereClause, limitClause(opts))

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListActions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var actions []*storage.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActions: %w", err)
		}
		actions = append(actions, a)
	}

	return actions, rows.Err()
}

// DeleteSession removes all records for a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	for _, table := range []string{"questions", "actions"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE session_id = $1", table)
		if _, err := c.db.ExecContext(ctx, query, sessionID); err != nil {
			return fmt.Errorf("DeleteSession: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
