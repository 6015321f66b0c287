package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `task_id, repo_id, strategy, revision_ref, base_ref, branch,
	author_name, author_email, created_at, started_at, finished_at, status,
	batch_total, batch_current, batch_results, issues_count, critical_count,
	warning_count, suggestion_count, quality_score, files_reviewed, report,
	error_kind, error_message, processing_seconds, verdict, risk_level,
	key_findings, recommendations`

// CreateTask persists a new pending task. At most one non-terminal task may
// exist per (repo_id, strategy, revision_ref); violations return
// ErrDuplicateTask.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, repo_id, strategy, revision_ref, base_ref, branch,
			author_name, author_email, created_at, status, batch_results, files_reviewed,
			key_findings, recommendations)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', '[]', '[]', '[]')`,
		t.ID, t.RepoID, t.Strategy, t.RevisionRef, t.BaseRef, t.Branch,
		t.AuthorName, t.AuthorEmail, t.CreatedAt.Unix(), t.Status,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// MarkProcessing transitions a pending task to processing and stamps
// started_at. Tasks already terminal are rejected.
func (s *Store) MarkProcessing(ctx context.Context, taskID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?`,
		StatusProcessing, startedAt.Unix(), taskID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminalTask
	}
	return nil
}

// SetPlan records the batch plan: total batches, the reviewed file list, and
// one pending BatchResult per batch.
func (s *Store) SetPlan(ctx context.Context, taskID string, results []BatchResult, files []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal batch results: %w", err)
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET batch_total = ?, batch_current = 0, batch_results = ?, files_reviewed = ? WHERE task_id = ?`,
		len(results), string(resultsJSON), string(filesJSON), taskID,
	)
	if err != nil {
		return fmt.Errorf("set plan: %w", err)
	}
	return nil
}

// UpdateProgress replaces the result for one batch and advances
// batch_current. Readers observe either the previous or the new state.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, batchIndex int, result BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT batch_results FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("read batch results: %w", err)
	}

	var results []BatchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return fmt.Errorf("unmarshal batch results: %w", err)
	}
	if batchIndex < 0 || batchIndex >= len(results) {
		return fmt.Errorf("batch index %d out of range (total %d)", batchIndex, len(results))
	}
	results[batchIndex] = result

	updated, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal batch results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET batch_results = ?, batch_current = ? WHERE task_id = ?`,
		string(updated), batchIndex+1, taskID,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return tx.Commit()
}

// FinalizeTask moves a task to a terminal status and persists issues, summary
// fields, and the merged report in one transaction. Terminal statuses are
// write-once: finalizing an already terminal task returns ErrTerminalTask.
func (s *Store) FinalizeTask(ctx context.Context, taskID string, status TaskStatus, issues []Issue, sum Summary, report string) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TaskStatus
	var startedAt sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT status, started_at FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&current, &startedAt); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("read task: %w", err)
	}
	if current.Terminal() {
		return ErrTerminalTask
	}

	now := time.Now().UTC()
	var processing float64
	if startedAt.Valid {
		processing = now.Sub(time.Unix(startedAt.Int64, 0)).Seconds()
	}

	findingsJSON, _ := json.Marshal(emptyIfNil(sum.KeyFindings))
	recsJSON, _ := json.Marshal(emptyIfNil(sum.Recommendations))

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, finished_at = ?, issues_count = ?, critical_count = ?,
			warning_count = ?, suggestion_count = ?, quality_score = ?, report = ?,
			error_kind = ?, error_message = ?, processing_seconds = ?,
			verdict = ?, risk_level = ?, key_findings = ?, recommendations = ?
		WHERE task_id = ?`,
		status, now.Unix(), sum.IssuesCount, sum.CriticalCount,
		sum.WarningCount, sum.SuggestionCount, sum.QualityScore, report,
		sum.ErrorKind, sum.ErrorMessage, processing,
		sum.Verdict, sum.RiskLevel, string(findingsJSON), string(recsJSON),
		taskID,
	); err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}

	for _, is := range issues {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (task_id, severity, title, description, file_path,
				line_number, code_snippet, suggestion, category)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			taskID, is.Severity, is.Title, is.Description, is.FilePath,
			is.LineNumber, is.CodeSnippet, is.Suggestion, is.Category,
		); err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
	}

	return tx.Commit()
}

// GetTask returns a single task without its issues.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetFull returns a task together with its ordered issues.
func (s *Store) GetFull(ctx context.Context, taskID string) (*Task, []Issue, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, severity, title, description, file_path, line_number,
			code_snippet, suggestion, category
		FROM issues WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var is Issue
		if err := rows.Scan(&is.TaskID, &is.Severity, &is.Title, &is.Description,
			&is.FilePath, &is.LineNumber, &is.CodeSnippet, &is.Suggestion, &is.Category); err != nil {
			return nil, nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate issues: %w", err)
	}
	return t, issues, nil
}

// QueryTasks lists tasks matching the filter, newest first.
func (s *Store) QueryTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.RepoID != "" {
		q += ` AND repo_id = ?`
		args = append(args, f.RepoID)
	}
	if f.Strategy != "" {
		q += ` AND strategy = ?`
		args = append(args, f.Strategy)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, f.Until.Unix())
	}
	q += ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// PendingTasks returns pending tasks in creation order, used to re-enqueue
// persisted work after a restart.
func (s *Store) PendingTasks(ctx context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, task_id ASC`,
		StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and its issues.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete issues: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var createdAt int64
	var startedAt, finishedAt sql.NullInt64
	var batchResults, filesReviewed, keyFindings, recommendations string

	err := r.Scan(&t.ID, &t.RepoID, &t.Strategy, &t.RevisionRef, &t.BaseRef, &t.Branch,
		&t.AuthorName, &t.AuthorEmail, &createdAt, &startedAt, &finishedAt, &t.Status,
		&t.BatchTotal, &t.BatchCurrent, &batchResults, &t.IssuesCount, &t.CriticalCount,
		&t.WarningCount, &t.SuggestionCount, &t.QualityScore, &filesReviewed, &t.Report,
		&t.ErrorKind, &t.ErrorMessage, &t.ProcessingSeconds, &t.Verdict, &t.RiskLevel,
		&keyFindings, &recommendations)
	if err != nil {
		return nil, err
	}

	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0).UTC()
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := time.Unix(finishedAt.Int64, 0).UTC()
		t.FinishedAt = &ts
	}
	if err := json.Unmarshal([]byte(batchResults), &t.BatchResults); err != nil {
		return nil, fmt.Errorf("unmarshal batch results: %w", err)
	}
	if err := json.Unmarshal([]byte(filesReviewed), &t.FilesReviewed); err != nil {
		return nil, fmt.Errorf("unmarshal files reviewed: %w", err)
	}
	if err := json.Unmarshal([]byte(keyFindings), &t.KeyFindings); err != nil {
		return nil, fmt.Errorf("unmarshal key findings: %w", err)
	}
	if err := json.Unmarshal([]byte(recommendations), &t.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	return &t, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
