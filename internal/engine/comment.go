package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/platform"
	"git.home.luguber.info/inful/reviewd/internal/report"
	"git.home.luguber.info/inful/reviewd/internal/retry"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

const (
	// maxCommentLength stays under the tightest platform limit (GitHub
	// truncates comment bodies at 65536 characters).
	maxCommentLength = 60_000
	// maxCommentIssues caps the per-issue detail in a posted comment; the
	// full list stays available through the API.
	maxCommentIssues = 10
)

// postComment delivers the review result back to the platform. Failures are
// logged and counted, never propagated: the review itself already
// completed.
func (e *Engine) postComment(ctx context.Context, task *store.Task, repo *config.Repository, issues []store.Issue, sum store.Summary, log *slog.Logger) {
	if !repo.EnableComment {
		return
	}

	client, err := e.clients(repo)
	if err != nil {
		log.Warn("build platform client for comment", "error", err)
		e.rec.IncCommentPost(false)
		return
	}

	body := buildComment(task, issues, sum)
	pctx := context.WithoutCancel(ctx)
	err = e.retry.Do(pctx, func() error {
		var perr error
		if task.Strategy == store.StrategyMergeRequest {
			iid, _ := strconv.Atoi(task.RevisionRef)
			perr = client.PostMergeRequestComment(pctx, iid, body)
		} else {
			perr = client.PostCommitComment(pctx, task.RevisionRef, body)
		}
		if perr == nil {
			return nil
		}
		if errors.Is(perr, platform.ErrUnsupported) ||
			errors.Is(perr, platform.ErrUnauthorized) ||
			errors.Is(perr, platform.ErrNotFound) {
			return perr
		}
		return retry.Transient(perr)
	})

	switch {
	case errors.Is(err, platform.ErrUnsupported):
		log.Debug("platform does not support commit comments")
	case err != nil:
		log.Warn("post review comment", "error", err)
		e.rec.IncCommentPost(false)
	default:
		log.Info("review comment posted")
		e.rec.IncCommentPost(true)
	}
}

// buildComment renders the markdown body posted to the platform: verdict
// header, severity counts, and the most severe findings, truncated to the
// platform limit.
func buildComment(task *store.Task, issues []store.Issue, sum store.Summary) string {
	var b strings.Builder

	b.WriteString("## Automated Code Review\n\n")
	fmt.Fprintf(&b, "**Quality score:** %d/100", sum.QualityScore)
	if sum.RiskLevel != "" {
		fmt.Fprintf(&b, " · **Risk:** %s", sum.RiskLevel)
	}
	b.WriteString("\n\n")

	// Labeled verdicts extracted from the report read as prose; the
	// default markers do not.
	if sum.Verdict != "" && sum.Verdict != report.VerdictReviewed && sum.Verdict != report.VerdictUnparsed {
		fmt.Fprintf(&b, "%s\n\n", sum.Verdict)
	}

	if len(issues) == 0 {
		b.WriteString("No issues found in the reviewed changes.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Found **%d** issue(s): 🔴 %d critical · 🟡 %d warning · 🔵 %d suggestion\n\n",
		sum.IssuesCount, sum.CriticalCount, sum.WarningCount, sum.SuggestionCount)

	shown := issues
	if len(shown) > maxCommentIssues {
		shown = shown[:maxCommentIssues]
	}
	for _, is := range shown {
		fmt.Fprintf(&b, "### %s %s\n\n", severityIcon(is.Severity), is.Title)
		if is.FilePath != "" {
			if is.LineNumber > 0 {
				fmt.Fprintf(&b, "`%s:%d`\n\n", is.FilePath, is.LineNumber)
			} else {
				fmt.Fprintf(&b, "`%s`\n\n", is.FilePath)
			}
		}
		if is.Description != "" {
			b.WriteString(is.Description)
			b.WriteString("\n\n")
		}
		if is.Suggestion != "" {
			fmt.Fprintf(&b, "**Suggestion:** %s\n\n", is.Suggestion)
		}
	}
	if len(issues) > len(shown) {
		fmt.Fprintf(&b, "_…and %d more issue(s). Task `%s` holds the full report._\n",
			len(issues)-len(shown), task.ID)
	}

	return truncateComment(b.String())
}

func severityIcon(s store.Severity) string {
	switch s {
	case store.SeverityCritical:
		return "🔴"
	case store.SeverityWarning:
		return "🟡"
	case store.SeveritySuggestion:
		return "🔵"
	default:
		return "ℹ️"
	}
}

func truncateComment(s string) string {
	runes := []rune(s)
	if len(runes) <= maxCommentLength {
		return s
	}
	return string(runes[:maxCommentLength]) + "\n\n_…comment truncated._"
}
