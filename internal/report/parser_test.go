package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/reviewd/internal/store"
)

func TestCleanStripsThinkSpans(t *testing.T) {
	raw := "<think>internal reasoning\nmore</think>🔴 [a.go:10] real issue\n[THINK]also hidden[/THINK]tail"
	cleaned := Clean(raw)
	assert.NotContains(t, cleaned, "internal reasoning")
	assert.NotContains(t, cleaned, "also hidden")
	assert.Contains(t, cleaned, "real issue")
	assert.Contains(t, cleaned, "tail")
}

func TestParseStructuredFormat(t *testing.T) {
	raw := `🔴 [auth.go:42] SQL injection in login handler
The query concatenates user input directly.
建议: use parameterized queries
` + "```go\nq := \"SELECT * FROM users WHERE name='\" + name + \"'\"\n```" + `
🟡 [util.go] unchecked result from Close
The return value of Close is dropped.
ℹ️ consider adding a doc comment`

	issues := Parse(raw)
	require.Len(t, issues, 3)

	assert.Equal(t, store.SeverityCritical, issues[0].Severity)
	assert.Equal(t, "auth.go", issues[0].FilePath)
	assert.Equal(t, 42, issues[0].LineNumber)
	assert.Contains(t, issues[0].Title, "SQL injection")
	assert.Equal(t, "use parameterized queries", issues[0].Suggestion)
	assert.Contains(t, issues[0].CodeSnippet, "SELECT * FROM users")
	assert.Equal(t, "security", issues[0].Category)

	assert.Equal(t, store.SeverityWarning, issues[1].Severity)
	assert.Equal(t, "util.go", issues[1].FilePath)
	assert.Zero(t, issues[1].LineNumber)

	assert.Equal(t, store.SeverityInfo, issues[2].Severity)
}

func TestParseMarkdownHeadings(t *testing.T) {
	raw := `## Code Review Summary

Overall the change looks fine.

### Warning: race condition in cache.go line 88

Two goroutines write the map without a lock. You should guard it with a mutex.

### Suggestion: simplify loop

The loop in walk.go could use range. Consider fixing it.`

	issues := Parse(raw)
	require.Len(t, issues, 2)
	assert.Equal(t, store.SeverityWarning, issues[0].Severity)
	assert.Equal(t, "cache.go", issues[0].FilePath)
	assert.Equal(t, 88, issues[0].LineNumber)
	assert.Equal(t, store.SeveritySuggestion, issues[1].Severity)
}

func TestParseNumberedList(t *testing.T) {
	raw := `1. The error handling in parse.go:15 should wrap the underlying error

2. Consider renaming the variable x for readability`

	issues := Parse(raw)
	require.Len(t, issues, 2)
	assert.Equal(t, "parse.go", issues[0].FilePath)
	assert.Equal(t, 15, issues[0].LineNumber)
}

func TestParseFreeTextParagraphs(t *testing.T) {
	raw := `The function does not validate its input which is a bug waiting to happen and should be fixed.

This paragraph is neutral prose about the weather and the seasons and nothing else at all here.`

	issues := Parse(raw)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0].Description, "does not validate")
}

func TestParseDeduplicates(t *testing.T) {
	raw := `🔴 [a.go:1] duplicate finding
text
🔴 [a.go:1] duplicate finding
text again`
	issues := Parse(raw)
	assert.Len(t, issues, 1)
}

func TestParseEmptyReport(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("   \n  "))
}

func TestParseCJKKeywords(t *testing.T) {
	raw := `🟡 [db.py:7] 注意这里的性能
这个循环效率很低。
建议：使用批量查询`
	issues := Parse(raw)
	require.Len(t, issues, 1)
	assert.Equal(t, store.SeverityWarning, issues[0].Severity)
	assert.Equal(t, "performance", issues[0].Category)
	assert.Equal(t, "使用批量查询", issues[0].Suggestion)
}

func TestScoreClamped(t *testing.T) {
	assert.Equal(t, 100, Score(0, 0, 0))
	assert.Equal(t, 90, Score(1, 0, 0))
	assert.Equal(t, 97, Score(0, 1, 0))
	assert.Equal(t, 99, Score(0, 0, 1))
	assert.Equal(t, 0, Score(20, 0, 0))
	assert.Equal(t, 86, Score(1, 1, 1))
}

func TestSummarizeRiskDerivation(t *testing.T) {
	crit := []store.Issue{{Severity: store.SeverityCritical, Title: "x", Category: "security"}}
	s := Summarize(crit, "")
	assert.Equal(t, RiskHigh, s.RiskLevel)
	assert.Equal(t, VerdictReviewed, s.Verdict)
	assert.Equal(t, 90, s.QualityScore)
	assert.NotEmpty(t, s.KeyFindings)
	assert.NotEmpty(t, s.Recommendations)

	warn := []store.Issue{{Severity: store.SeverityWarning, Title: "y"}}
	assert.Equal(t, RiskMedium, Summarize(warn, "").RiskLevel)

	assert.Equal(t, RiskLow, Summarize(nil, "").RiskLevel)
	assert.Equal(t, []string{"no issues found"}, Summarize(nil, "").KeyFindings)
}

func TestSummarizeLabeledSections(t *testing.T) {
	report := "Verdict: needs-work\nRisk: high\n"
	s := Summarize(nil, report)
	assert.Equal(t, "needs-work", s.Verdict)
	assert.Equal(t, RiskHigh, s.RiskLevel)

	// Unknown risk labels keep the derived level.
	s = Summarize(nil, "Risk: catastrophic\n")
	assert.Equal(t, RiskLow, s.RiskLevel)
}

func TestUnparsedSummary(t *testing.T) {
	s := Unparsed()
	assert.Equal(t, 100, s.QualityScore)
	assert.Equal(t, VerdictUnparsed, s.Verdict)
	assert.Zero(t, s.IssuesCount)
}
