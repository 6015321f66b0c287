package report

import (
	"fmt"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/reviewd/internal/store"
)

// Verdicts and risk levels used in summaries.
const (
	VerdictReviewed = "reviewed"
	VerdictUnparsed = "unparsed"

	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var (
	verdictLabelRe = regexp.MustCompile(`(?im)^\s*(?:verdict|结论)[：:]\s*(.+)$`)
	riskLabelRe    = regexp.MustCompile(`(?im)^\s*(?:risk|risk level|风险)[：:]\s*(.+)$`)
)

// Score computes the quality score from issue counts: 100 minus 10 per
// critical, 3 per warning, and 1 per suggestion, clamped to [0,100].
// Info-level issues do not affect the score.
func Score(critical, warning, suggestion int) int {
	score := 100 - 10*critical - 3*warning - suggestion
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Summarize derives the summary fields for a finished review. Verdict and
// risk level are taken from labeled lines in the report when the assistant
// emitted them; otherwise the verdict defaults and the risk level follows
// the issue counts.
func Summarize(issues []store.Issue, report string) store.Summary {
	var critical, warning, suggestion int
	categories := map[string]int{}
	for _, is := range issues {
		switch is.Severity {
		case store.SeverityCritical:
			critical++
		case store.SeverityWarning:
			warning++
		case store.SeveritySuggestion:
			suggestion++
		}
		if is.Category != "" {
			categories[is.Category]++
		}
	}

	s := store.Summary{
		IssuesCount:     len(issues),
		CriticalCount:   critical,
		WarningCount:    warning,
		SuggestionCount: suggestion,
		QualityScore:    Score(critical, warning, suggestion),
		Verdict:         VerdictReviewed,
	}

	switch {
	case critical > 0:
		s.RiskLevel = RiskHigh
	case warning > 0:
		s.RiskLevel = RiskMedium
	default:
		s.RiskLevel = RiskLow
	}

	if m := verdictLabelRe.FindStringSubmatch(report); m != nil {
		s.Verdict = strings.TrimSpace(m[1])
	}
	if m := riskLabelRe.FindStringSubmatch(report); m != nil {
		switch r := strings.ToLower(strings.TrimSpace(m[1])); r {
		case RiskLow, RiskMedium, RiskHigh:
			s.RiskLevel = r
		}
	}

	if critical > 0 {
		s.KeyFindings = append(s.KeyFindings, fmt.Sprintf("%d critical issues need immediate fixes", critical))
	}
	if warning > 0 {
		s.KeyFindings = append(s.KeyFindings, fmt.Sprintf("%d warnings need attention", warning))
	}
	if top, n := topCategory(categories); top != "" {
		s.KeyFindings = append(s.KeyFindings, fmt.Sprintf("dominant issue category: %s (%d)", top, n))
	}
	if len(s.KeyFindings) == 0 {
		s.KeyFindings = []string{"no issues found"}
	}

	if critical > 0 {
		s.Recommendations = append(s.Recommendations, "fix critical security and logic issues first")
	}
	if categories["security"] > 0 {
		s.Recommendations = append(s.Recommendations, "run a security review covering injection risks")
	}
	if categories["style"] > 0 {
		s.Recommendations = append(s.Recommendations, "adopt a formatter to keep style consistent")
	}
	if suggestion > 3 {
		s.Recommendations = append(s.Recommendations, "consider refactoring for maintainability")
	}
	return s
}

// Unparsed is the summary for reports the parser could not interpret: the
// task still completes, with a perfect score and the verdict marking the
// report as unparsed.
func Unparsed() store.Summary {
	return store.Summary{
		QualityScore: 100,
		Verdict:      VerdictUnparsed,
		RiskLevel:    RiskLow,
	}
}

func topCategory(categories map[string]int) (string, int) {
	var top string
	var max int
	for c, n := range categories {
		if n > max || (n == max && c < top) {
			top, max = c, n
		}
	}
	return top, max
}
