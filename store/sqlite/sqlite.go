// Package sqlite persists prompts, feedback, and optimization runs in a
// SQLite database. It is the production counterpart of the in-memory
// stores.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/optimail/optimail/store"
	"github.com/optimail/optimail/types"
)

const timeLayout = time.RFC3339

const schema = `
CREATE TABLE IF NOT EXISTS system_prompts (
	id                TEXT PRIMARY KEY,
	lab_id            TEXT NOT NULL,
	content           TEXT NOT NULL,
	version           INTEGER NOT NULL,
	is_active         INTEGER NOT NULL DEFAULT 0,
	performance_score REAL,
	created_at        TEXT NOT NULL,
	UNIQUE(lab_id, version)
);
CREATE INDEX IF NOT EXISTS idx_prompts_lab_active ON system_prompts(lab_id, is_active);

CREATE TABLE IF NOT EXISTS user_feedback (
	id             TEXT PRIMARY KEY,
	lab_id         TEXT NOT NULL,
	draft_id       TEXT,
	action         TEXT NOT NULL,
	reason         TEXT,
	edited_content TEXT,
	scenario       TEXT,
	factor_ratings TEXT,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_created ON user_feedback(created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_lab ON user_feedback(lab_id, created_at);

CREATE TABLE IF NOT EXISTS optimization_runs (
	id              TEXT PRIMARY KEY,
	lab_id          TEXT NOT NULL,
	trigger_reason  TEXT,
	strategy        TEXT,
	improvement_pct REAL,
	deployed        INTEGER NOT NULL DEFAULT 0,
	feedback_count  INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT NOT NULL,
	finished_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_lab ON optimization_runs(lab_id, finished_at);
`

// DB wraps the SQLite handle and hands out the typed stores.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database at path, enables WAL
// mode, and applies the schema. Use ":memory:" for an ephemeral
// database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) Prompts() *PromptStore { return &PromptStore{db: d.sql} }

func (d *DB) Feedback() *FeedbackStore { return &FeedbackStore{db: d.sql} }

func (d *DB) Runs() *RunStore { return &RunStore{db: d.sql} }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// PromptStore is the SQLite store.PromptStore.
type PromptStore struct {
	db *sql.DB
}

const promptColumns = "id, lab_id, content, version, is_active, performance_score, created_at"

func scanPrompt(row interface{ Scan(...any) error }) (*types.SystemPrompt, error) {
	var (
		p         types.SystemPrompt
		active    int
		score     sql.NullFloat64
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.LabID, &p.Content, &p.Version, &active, &score, &createdAt); err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	if score.Valid {
		v := score.Float64
		p.PerformanceScore = &v
	}
	p.CreatedAt = parseTime(createdAt)
	p.Parameters = types.ExtractParameters(p.Content)
	return &p, nil
}

func (s *PromptStore) ActivePrompt(ctx context.Context, labID string) (*types.SystemPrompt, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+promptColumns+" FROM system_prompts WHERE lab_id = ? AND is_active = 1", labID)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoActivePrompt
	}
	if err != nil {
		return nil, fmt.Errorf("querying active prompt: %w", err)
	}
	return p, nil
}

func (s *PromptStore) Create(ctx context.Context, labID, content string) (*types.SystemPrompt, error) {
	return s.insertVersion(ctx, labID, content, nil)
}

func (s *PromptStore) Deploy(ctx context.Context, labID, content string, score float64) (*types.SystemPrompt, error) {
	return s.insertVersion(ctx, labID, content, &score)
}

// insertVersion deactivates the current active prompt and inserts the
// next version in one transaction, so readers never observe zero or two
// active prompts.
func (s *PromptStore) insertVersion(ctx context.Context, labID, content string, score *float64) (*types.SystemPrompt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning deploy transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM system_prompts WHERE lab_id = ?", labID).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("querying max version: %w", err)
	}
	// Deploy replaces an existing prompt; a lab with no versions has
	// nothing to optimize.
	if score != nil && maxVersion == 0 {
		return nil, store.ErrNoActivePrompt
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE system_prompts SET is_active = 0 WHERE lab_id = ? AND is_active = 1", labID); err != nil {
		return nil, fmt.Errorf("deactivating prior prompt: %w", err)
	}

	p := &types.SystemPrompt{
		ID:               uuid.NewString(),
		LabID:            labID,
		Content:          content,
		Version:          maxVersion + 1,
		IsActive:         true,
		PerformanceScore: score,
		Parameters:       types.ExtractParameters(content),
		CreatedAt:        time.Now().UTC(),
	}
	var scoreVal sql.NullFloat64
	if score != nil {
		scoreVal = sql.NullFloat64{Float64: *score, Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO system_prompts ("+promptColumns+") VALUES (?, ?, ?, ?, 1, ?, ?)",
		p.ID, p.LabID, p.Content, p.Version, scoreVal, formatTime(p.CreatedAt)); err != nil {
		return nil, fmt.Errorf("inserting prompt version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing deploy: %w", err)
	}
	return p, nil
}

func (s *PromptStore) VersionScores(ctx context.Context, labID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT performance_score FROM (
			SELECT performance_score, version FROM system_prompts
			WHERE lab_id = ? AND performance_score IS NOT NULL
			ORDER BY version DESC LIMIT ?
		) ORDER BY version ASC`, labID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying version scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		scores = append(scores, v)
	}
	return scores, rows.Err()
}

func (s *PromptStore) Versions(ctx context.Context, labID string, limit int) ([]*types.SystemPrompt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM (
			SELECT `+promptColumns+` FROM system_prompts
			WHERE lab_id = ?
			ORDER BY version DESC LIMIT ?
		) ORDER BY version ASC`, labID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var prompts []*types.SystemPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// FeedbackStore is the SQLite store.FeedbackStore.
type FeedbackStore struct {
	db *sql.DB
}

const feedbackColumns = "id, lab_id, draft_id, action, reason, edited_content, scenario, factor_ratings, created_at"

func (s *FeedbackStore) Add(ctx context.Context, fb types.UserFeedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	var ratings []byte
	if len(fb.FactorRatings) > 0 {
		var err error
		if ratings, err = json.Marshal(fb.FactorRatings); err != nil {
			return fmt.Errorf("encoding factor ratings: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user_feedback ("+feedbackColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		fb.ID, fb.LabID, fb.DraftID, string(fb.Action), fb.Reason, fb.EditedContent,
		string(fb.Scenario), nullableText(ratings), formatTime(fb.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting feedback: %w", err)
	}
	return nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func scanFeedback(rows *sql.Rows) (types.UserFeedback, error) {
	var (
		fb        types.UserFeedback
		action    string
		scenario  string
		ratings   sql.NullString
		createdAt string
	)
	if err := rows.Scan(&fb.ID, &fb.LabID, &fb.DraftID, &action, &fb.Reason,
		&fb.EditedContent, &scenario, &ratings, &createdAt); err != nil {
		return fb, err
	}
	fb.Action = types.FeedbackAction(action)
	fb.Scenario = types.EmailScenario(scenario)
	fb.CreatedAt = parseTime(createdAt)
	if ratings.Valid && ratings.String != "" {
		if err := json.Unmarshal([]byte(ratings.String), &fb.FactorRatings); err != nil {
			return fb, fmt.Errorf("decoding factor ratings: %w", err)
		}
	}
	return fb, nil
}

func (s *FeedbackStore) queryFeedback(ctx context.Context, query string, args ...any) ([]types.UserFeedback, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var out []types.UserFeedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (s *FeedbackStore) Since(ctx context.Context, since time.Time) ([]types.UserFeedback, error) {
	return s.queryFeedback(ctx,
		"SELECT "+feedbackColumns+" FROM user_feedback WHERE created_at >= ? ORDER BY created_at ASC, rowid ASC",
		formatTime(since))
}

func (s *FeedbackStore) RecentForLab(ctx context.Context, labID string, limit int) ([]types.UserFeedback, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryFeedback(ctx,
		"SELECT "+feedbackColumns+" FROM user_feedback WHERE lab_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		labID, limit)
}

func (s *FeedbackStore) CountForLab(ctx context.Context, labID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM user_feedback WHERE lab_id = ?", labID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting feedback: %w", err)
	}
	return n, nil
}

// RunStore is the SQLite store.RunStore.
type RunStore struct {
	db *sql.DB
}

func (s *RunStore) Record(ctx context.Context, run types.OptimizationRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimization_runs
			(id, lab_id, trigger_reason, strategy, improvement_pct, deployed, feedback_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.LabID, run.TriggerReason, run.Strategy, run.ImprovementPct,
		boolToInt(run.Deployed), run.FeedbackCount, formatTime(run.StartedAt), formatTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("inserting optimization run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *RunStore) CountForLab(ctx context.Context, labID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM optimization_runs WHERE lab_id = ?", labID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return n, nil
}

func (s *RunStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM optimization_runs WHERE finished_at >= ?",
		formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting runs since: %w", err)
	}
	return n, nil
}
