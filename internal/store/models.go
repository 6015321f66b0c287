// Package store provides the durable state of the engine: review tasks and
// their issues, revision markers, settings, and summary statistics, all in a
// single local SQLite database.
package store

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Strategy selects the review style for a task.
type Strategy string

const (
	StrategyCommit       Strategy = "commit"
	StrategyMergeRequest Strategy = "merge_request"
)

// MarkerKind distinguishes commit markers from merge-request markers.
type MarkerKind string

const (
	MarkerCommit MarkerKind = "commit"
	MarkerMR     MarkerKind = "mr"
)

// Severity classifies a parsed issue.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
	SeverityInfo       Severity = "info"
)

// BatchStatus is the outcome of one assistant invocation.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchSuccess   BatchStatus = "success"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchResult records the outcome of a single batch.
type BatchResult struct {
	Index  int         `json:"index"`
	Status BatchStatus `json:"status"`
	Files  []string    `json:"files"`
	Error  string      `json:"error,omitempty"`
}

// Issue is one structured finding extracted from an assistant report.
type Issue struct {
	TaskID      string   `json:"task_id"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	FilePath    string   `json:"file_path,omitempty"`
	LineNumber  int      `json:"line_number,omitempty"`
	CodeSnippet string   `json:"code_snippet,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Category    string   `json:"category,omitempty"`
}

// Task is one end-to-end review attempt for a revision of a repository.
type Task struct {
	ID          string     `json:"task_id"`
	RepoID      string     `json:"repo_id"`
	Strategy    Strategy   `json:"strategy"`
	RevisionRef string     `json:"revision_ref"`
	BaseRef     string     `json:"base_ref,omitempty"`
	Branch      string     `json:"branch"`
	AuthorName  string     `json:"author_name,omitempty"`
	AuthorEmail string     `json:"author_email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Status       TaskStatus    `json:"status"`
	BatchTotal   int           `json:"batch_total"`
	BatchCurrent int           `json:"batch_current"`
	BatchResults []BatchResult `json:"batch_results,omitempty"`

	IssuesCount     int      `json:"issues_count"`
	CriticalCount   int      `json:"critical_count"`
	WarningCount    int      `json:"warning_count"`
	SuggestionCount int      `json:"suggestion_count"`
	QualityScore    int      `json:"quality_score"`
	FilesReviewed   []string `json:"files_reviewed,omitempty"`

	Verdict         string   `json:"verdict,omitempty"`
	RiskLevel       string   `json:"risk_level,omitempty"`
	KeyFindings     []string `json:"key_findings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`

	Report            string  `json:"report,omitempty"`
	ErrorKind         string  `json:"error_kind,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	ProcessingSeconds float64 `json:"processing_time_seconds"`
}

// Summary carries the aggregate fields persisted on finalize.
type Summary struct {
	IssuesCount     int
	CriticalCount   int
	WarningCount    int
	SuggestionCount int
	QualityScore    int
	Verdict         string
	RiskLevel       string
	KeyFindings     []string
	Recommendations []string
	ErrorKind       string
	ErrorMessage    string
}

// Marker is the last fully reviewed revision per (repo, branch, kind).
type Marker struct {
	RepoID     string     `json:"repo_id"`
	Branch     string     `json:"branch"`
	Kind       MarkerKind `json:"kind"`
	LastSeenID string     `json:"last_seen_id"`
	LastSeenAt time.Time  `json:"last_seen_at"`
}

// TaskFilter narrows Query results. Zero values mean "no constraint".
type TaskFilter struct {
	RepoID   string
	Strategy Strategy
	Status   TaskStatus
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateTask indicates a non-terminal task already exists for the
	// same (repo, strategy, revision).
	ErrDuplicateTask = errors.New("store: duplicate non-terminal task")
	// ErrMarkerConflict indicates a compare-and-advance lost the race.
	ErrMarkerConflict = errors.New("store: marker conflict")
	// ErrTerminalTask indicates a write was attempted against a task whose
	// status is already terminal.
	ErrTerminalTask = errors.New("store: task already terminal")
)
