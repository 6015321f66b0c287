package report

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"git.home.luguber.info/inful/reviewd/internal/store"
)

var severityIcons = map[store.Severity]string{
	store.SeverityCritical:   "🔴",
	store.SeverityWarning:    "🟡",
	store.SeveritySuggestion: "🔵",
	store.SeverityInfo:       "ℹ️",
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ExportMarkdown renders a finished task with its issues as a standalone
// markdown document. This is the canonical export form.
func ExportMarkdown(task *store.Task, issues []store.Issue) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Code Review Report\n\n")
	fmt.Fprintf(&b, "**Repository**: %s\n", task.RepoID)
	fmt.Fprintf(&b, "**Strategy**: %s\n", task.Strategy)
	fmt.Fprintf(&b, "**Revision**: %s\n", task.RevisionRef)
	if task.AuthorName != "" {
		fmt.Fprintf(&b, "**Author**: %s\n", task.AuthorName)
	}
	if task.StartedAt != nil {
		fmt.Fprintf(&b, "**Started**: %s\n", task.StartedAt.Format("2006-01-02 15:04:05 MST"))
	}
	b.WriteString("\n## Summary\n\n")
	b.WriteString("| Item | Result |\n|------|--------|\n")
	fmt.Fprintf(&b, "| Quality score | **%d/100** |\n", task.QualityScore)
	fmt.Fprintf(&b, "| Verdict | %s |\n", task.Verdict)
	fmt.Fprintf(&b, "| Risk level | %s |\n", strings.ToUpper(task.RiskLevel))
	b.WriteString("\n")

	if len(task.KeyFindings) > 0 {
		b.WriteString("### Key findings\n\n")
		for _, f := range task.KeyFindings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(task.Recommendations) > 0 {
		b.WriteString("### Recommendations\n\n")
		for _, r := range task.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Issue counts\n\n")
	b.WriteString("| Severity | Count |\n|----------|-------|\n")
	fmt.Fprintf(&b, "| 🔴 critical | %d |\n", task.CriticalCount)
	fmt.Fprintf(&b, "| 🟡 warning | %d |\n", task.WarningCount)
	fmt.Fprintf(&b, "| 🔵 suggestion | %d |\n", task.SuggestionCount)
	fmt.Fprintf(&b, "| **total** | **%d** |\n\n", task.IssuesCount)

	if len(issues) > 0 {
		b.WriteString("## Issues\n\n")
		for i, is := range issues {
			icon := severityIcons[is.Severity]
			location := ""
			if is.FilePath != "" {
				location = " `" + is.FilePath
				if is.LineNumber > 0 {
					location += fmt.Sprintf(":%d", is.LineNumber)
				}
				location += "`"
			}
			fmt.Fprintf(&b, "### %d. %s [%s] %s%s\n\n", i+1, icon, is.Severity, is.Title, location)
			if is.Description != "" {
				b.WriteString(is.Description)
				b.WriteString("\n\n")
			}
			if is.CodeSnippet != "" {
				fmt.Fprintf(&b, "**Code**:\n```\n%s\n```\n\n", is.CodeSnippet)
			}
			if is.Suggestion != "" {
				fmt.Fprintf(&b, "**Suggestion**: %s\n\n", is.Suggestion)
			}
		}
	}

	if task.Report != "" {
		b.WriteString("## Raw report\n\n")
		b.WriteString(task.Report)
		b.WriteString("\n")
	}
	return b.String()
}

// ExportHTML renders the markdown export as a minimal standalone HTML page.
func ExportHTML(task *store.Task, issues []store.Issue) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(ExportMarkdown(task, issues)), &body); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	var page strings.Builder
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", html.EscapeString("Code Review "+task.ID))
	page.WriteString("<style>body{font-family:sans-serif;max-width:60em;margin:2em auto;padding:0 1em;}table{border-collapse:collapse;}td,th{border:1px solid #ccc;padding:4px 8px;}pre{background:#f6f8fa;padding:1em;overflow-x:auto;}</style>\n")
	page.WriteString("</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")
	return page.String(), nil
}
