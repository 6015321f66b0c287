package runner

import "fmt"

// CommitPrompt is the preamble for single-commit review batches.
func CommitPrompt() string {
	return `Review the code changes in this commit.

Focus on:
1. Logic errors and potential bugs
2. Security vulnerabilities (SQL injection, XSS, credential leaks)
3. Code style and best practices
4. Performance problems

Output format:
- Markdown
- Group findings by severity (🔴 critical / 🟡 warning / 🔵 suggestion)
- Each finding includes: file name, description, suggested fix

Important: do not emit any code edit blocks, only a textual review report.`
}

// MergeRequestPrompt is the preamble for merge-request review batches.
func MergeRequestPrompt(targetBranch string) string {
	return fmt.Sprintf(`This is a merge request targeting branch %s.

Review all changes of the current branch relative to the target branch.

Focus on:
1. **Architecture**: impact of the change on the overall design
2. **API compatibility**: breaking changes
3. **Code quality**: readability, maintainability, test coverage
4. **Security**: potential risks
5. **Performance**: likely bottlenecks

Output format:
- Markdown
- Start with an overall assessment summary
- Group concrete findings by module/file, by severity (🔴 critical / 🟡 warning / 🔵 suggestion)
- End with improvement recommendations

Important: do not emit any code edit blocks, only a textual review report.`, targetBranch)
}
