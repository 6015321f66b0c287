// Package report turns raw assistant output into structured issues, a
// summary, and exportable documents.
package report

import (
	"regexp"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/reviewd/internal/store"
)

var (
	thinkTagRe   = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkBrackRe = regexp.MustCompile(`(?is)\[think\].*?\[/think\]`)

	// 🔴/🟡/🔵/ℹ️ [file:line] title
	structuredRe = regexp.MustCompile(`(🔴|🟡|🔵|ℹ️)\s*(?:\[([^\]:]+?)(?::(\d+))?\])?\s*([^\n]+)`)
	nextMarkerRe = regexp.MustCompile(`🔴|🟡|🔵|ℹ️|\n##`)

	headingRe     = regexp.MustCompile(`^#{1,4}\s*(.+)`)
	headingSplit  = regexp.MustCompile(`\n(#{1,4}\s)`)
	numberedRe    = regexp.MustCompile(`(?m)^\d+[.、]\s*`)
	paragraphRe   = regexp.MustCompile(`\n\n+`)
	sentenceSplit = regexp.MustCompile(`[。.!！\n]`)

	codeBlockRe  = regexp.MustCompile("(?s)```\\w*\n(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")

	fileLineRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)([a-zA-Z0-9_./\\-]+\.[a-zA-Z]+)[:\s]+(?:line\s*)?(\d+)`),
		regexp.MustCompile(`(?i)([a-zA-Z0-9_./\\-]+\.[a-zA-Z]+)\s*\(\s*(?:line\s*)?(\d+)\s*\)`),
	}
	fileOnlyRe = regexp.MustCompile(`([a-zA-Z0-9_./\\-]+\.[a-zA-Z]{2,4})`)

	suggestionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)建议[：:]\s*([^\n]+)`),
		regexp.MustCompile(`(?i)suggestion[：:]\s*([^\n]+)`),
		regexp.MustCompile(`(?i)推荐[：:]\s*([^\n]+)`),
		regexp.MustCompile(`(?i)应该[：:]\s*([^\n]+)`),
		regexp.MustCompile(`(?i)改为[：:]\s*([^\n]+)`),
	}
)

// severityKeywords maps each severity to the labels the assistant uses for
// it, in both English and Chinese. Order matters: the first severity whose
// keyword matches wins.
var severityKeywords = []struct {
	severity store.Severity
	words    []string
}{
	{store.SeverityCritical, []string{"🔴", "严重", "critical", "security", "vulnerability", "漏洞", "危险", "dangerous", "error", "错误"}},
	{store.SeverityWarning, []string{"🟡", "警告", "warning", "注意", "caution", "问题"}},
	{store.SeveritySuggestion, []string{"🔵", "建议", "suggestion", "优化", "改进", "recommend", "improvement", "consider"}},
	{store.SeverityInfo, []string{"ℹ️", "信息", "info", "note", "提示"}},
}

var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"security", []string{"security", "安全", "注入", "injection", "xss", "csrf", "漏洞"}},
	{"logic", []string{"逻辑", "logic", "bug", "缺陷", "错误"}},
	{"performance", []string{"性能", "performance", "优化", "效率", "慢"}},
	{"style", []string{"风格", "style", "格式", "命名", "naming", "可读性"}},
	{"maintainability", []string{"可维护", "maintainability", "复杂度", "重复", "耦合"}},
	{"documentation", []string{"文档", "注释", "comment", "documentation"}},
}

var issueIndicators = []string{
	"should", "could", "建议", "可以", "需要",
	"问题", "issue", "bug", "error", "warning",
	"fix", "修复", "改进", "优化",
}

var skipHeadings = []string{"代码审查", "总结", "summary", "概述", "overview", "审查报告", "结论"}

// Clean strips assistant reasoning spans from raw output before parsing.
func Clean(raw string) string {
	cleaned := thinkTagRe.ReplaceAllString(raw, "")
	return thinkBrackRe.ReplaceAllString(cleaned, "")
}

// Parse extracts structured issues from a raw report. Three strategies are
// tried in order of strictness: emoji-marked entries, markdown sections and
// numbered lists, and finally paragraph heuristics. Duplicates with the same
// file, line, and title collapse into one.
func Parse(raw string) []store.Issue {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	text := Clean(raw)

	issues := parseStructured(text)
	if len(issues) == 0 {
		issues = parseMarkdown(text)
	}
	if len(issues) == 0 {
		issues = parseFreeText(text)
	}
	return dedupe(issues)
}

func parseStructured(text string) []store.Issue {
	var issues []store.Issue
	for _, loc := range structuredRe.FindAllStringSubmatchIndex(text, -1) {
		m := func(i int) string {
			if loc[2*i] < 0 {
				return ""
			}
			return text[loc[2*i]:loc[2*i+1]]
		}
		emoji, filePath, lineStr, title := m(1), m(2), m(3), m(4)

		description := extractDescription(text, loc[1])
		line, _ := strconv.Atoi(lineStr)

		issues = append(issues, store.Issue{
			Severity:    detectSeverity(emoji + " " + title),
			Title:       strings.TrimSpace(title),
			Description: strings.TrimSpace(description),
			FilePath:    filePath,
			LineNumber:  line,
			CodeSnippet: extractCodeSnippet(description),
			Suggestion:  extractSuggestion(description),
			Category:    detectCategory(title + " " + description),
		})
	}
	return issues
}

func parseMarkdown(text string) []store.Issue {
	var issues []store.Issue
	for _, section := range splitHeadings(text) {
		if strings.TrimSpace(section) == "" {
			continue
		}
		tm := headingRe.FindStringSubmatchIndex(section)
		if tm == nil {
			continue
		}
		title := strings.TrimSpace(section[tm[2]:tm[3]])
		description := strings.TrimSpace(section[tm[1]:])

		if isSkipHeading(title) {
			continue
		}
		severity := detectSeverity(title + " " + description)
		if severity == store.SeverityInfo && !looksLikeIssue(title, description) {
			continue
		}
		filePath, line := extractFileLocation(title + " " + description)
		issues = append(issues, store.Issue{
			Severity:    severity,
			Title:       title,
			Description: description,
			FilePath:    filePath,
			LineNumber:  line,
			CodeSnippet: extractCodeSnippet(description),
			Suggestion:  extractSuggestion(description),
			Category:    detectCategory(title + " " + description),
		})
	}
	if len(issues) > 0 {
		return issues
	}

	// Numbered list fallback: 1. xxx  2. xxx
	marks := numberedRe.FindAllStringIndex(text, -1)
	for i, loc := range marks {
		end := len(text)
		if i+1 < len(marks) {
			end = marks[i+1][0]
		}
		content := text[loc[1]:end]
		// an item ends at the first blank line
		if idx := strings.Index(content, "\n\n"); idx >= 0 {
			content = content[:idx]
		}
		content = strings.TrimSpace(content)
		if len(content) < 10 {
			continue
		}
		lines := strings.SplitN(content, "\n", 2)
		title := truncate(lines[0], 100)
		description := ""
		if len(lines) > 1 {
			description = lines[1]
		}
		severity := detectSeverity(content)
		if severity == store.SeverityInfo && !looksLikeIssue(title, content) {
			continue
		}
		filePath, line := extractFileLocation(content)
		issues = append(issues, store.Issue{
			Severity:    severity,
			Title:       title,
			Description: description,
			FilePath:    filePath,
			LineNumber:  line,
			CodeSnippet: extractCodeSnippet(content),
			Suggestion:  extractSuggestion(content),
			Category:    detectCategory(content),
		})
	}
	return issues
}

func parseFreeText(text string) []store.Issue {
	var issues []store.Issue
	for _, para := range paragraphRe.Split(text, -1) {
		if len(strings.TrimSpace(para)) < 20 {
			continue
		}
		severity := detectSeverity(para)
		if severity == store.SeverityInfo && !looksLikeIssue("", para) {
			continue
		}
		first := sentenceSplit.Split(para, 2)[0]
		issues = append(issues, store.Issue{
			Severity:    severity,
			Title:       truncate(first, 100),
			Description: para,
			CodeSnippet: extractCodeSnippet(para),
			Suggestion:  extractSuggestion(para),
			Category:    detectCategory(para),
		})
	}
	return issues
}

// splitHeadings breaks text at line-leading markdown headings while keeping
// the heading with its section.
func splitHeadings(text string) []string {
	idx := headingSplit.FindAllStringIndex(text, -1)
	if len(idx) == 0 {
		return []string{text}
	}
	var out []string
	prev := 0
	for _, loc := range idx {
		out = append(out, text[prev:loc[0]])
		prev = loc[0] + 1 // skip the newline, keep the hashes
	}
	out = append(out, text[prev:])
	return out
}

func extractDescription(text string, start int) string {
	rest := text[start:]
	if loc := nextMarkerRe.FindStringIndex(rest); loc != nil {
		return rest[:loc[0]]
	}
	if r := []rune(rest); len(r) > 500 {
		return string(r[:500])
	}
	return rest
}

func detectSeverity(text string) store.Severity {
	lower := strings.ToLower(text)
	for _, sk := range severityKeywords {
		for _, w := range sk.words {
			if strings.Contains(lower, w) {
				return sk.severity
			}
		}
	}
	return store.SeverityInfo
}

func detectCategory(text string) string {
	lower := strings.ToLower(text)
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				return ck.category
			}
		}
	}
	return ""
}

func looksLikeIssue(title, description string) bool {
	combined := strings.ToLower(title + " " + description)
	for _, w := range issueIndicators {
		if strings.Contains(combined, w) {
			return true
		}
	}
	return false
}

func isSkipHeading(title string) bool {
	lower := strings.ToLower(title)
	for _, s := range skipHeadings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func extractSuggestion(text string) string {
	for _, re := range suggestionRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func extractCodeSnippet(text string) string {
	if m := codeBlockRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	inline := inlineCodeRe.FindAllStringSubmatch(text, 3)
	if len(inline) == 0 {
		return ""
	}
	parts := make([]string, 0, len(inline))
	for _, m := range inline {
		parts = append(parts, m[1])
	}
	return strings.Join(parts, "\n")
}

func extractFileLocation(text string) (string, int) {
	for _, re := range fileLineRes {
		if m := re.FindStringSubmatch(text); m != nil {
			line, _ := strconv.Atoi(m[2])
			return m[1], line
		}
	}
	if m := fileOnlyRe.FindStringSubmatch(text); m != nil {
		return m[1], 0
	}
	return "", 0
}

func dedupe(issues []store.Issue) []store.Issue {
	type key struct {
		file  string
		line  int
		title string
	}
	seen := make(map[key]struct{}, len(issues))
	out := issues[:0]
	for _, is := range issues {
		k := key{is.FilePath, is.LineNumber, is.Title}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, is)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
