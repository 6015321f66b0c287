// Package planner turns a task's changed files into an ordered list of
// token-bounded batches for assistant invocation.
package planner

import (
	"os"
	"path/filepath"
	"strings"
)

// ChangedFile is one file in a change set, with diff stats when known.
type ChangedFile struct {
	Path      string
	Additions int
	Deletions int
}

// Batch is a token-bounded subset of the change set submitted to the
// assistant in one subprocess invocation.
type Batch struct {
	Index  int
	Files  []string
	Tokens int
	// Oversize marks a single file whose weight alone exceeds the batch
	// budget. It is still submitted; the runner tolerates truncation.
	Oversize bool
	// ContextMapTokens is the whole-repository context-map budget shared by
	// every batch of the plan. The map itself is produced by the assistant.
	ContextMapTokens int
}

// Plan is the ordered batch list for one task.
type Plan struct {
	Batches []Batch
	Files   []string
	Tokens  int
}

// Empty reports whether the plan contains no work.
func (p *Plan) Empty() bool { return len(p.Batches) == 0 }

// Weigher estimates the token weight of a file. The default divides byte
// length by a characters-per-token ratio; callers may swap in a real
// tokenizer.
type Weigher interface {
	Weigh(path string) int
}

// ByteRatioWeigher implements Weigher with the byte-length heuristic.
type ByteRatioWeigher struct {
	Root          string
	CharsPerToken float64
}

// Weigh returns the estimated token count for path (relative to Root).
// Unreadable files weigh zero and end up in whichever batch is open.
func (w ByteRatioWeigher) Weigh(path string) int {
	ratio := w.CharsPerToken
	if ratio <= 0 {
		ratio = 3.5
	}
	info, err := os.Stat(filepath.Join(w.Root, path))
	if err != nil {
		return 0
	}
	return int(float64(info.Size()) / ratio)
}

// Planner builds batch plans.
type Planner struct {
	MaxTokensPerBatch int
	ContextMapTokens  int
	ValidExtensions   []string
	Weigher           Weigher
}

// FilterReviewable keeps only files whose extension is in the configured set,
// preserving change order.
func (p *Planner) FilterReviewable(files []ChangedFile) []ChangedFile {
	if len(p.ValidExtensions) == 0 {
		return files
	}
	allowed := make(map[string]struct{}, len(p.ValidExtensions))
	for _, ext := range p.ValidExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	var out []ChangedFile
	for _, f := range files {
		if _, ok := allowed[strings.ToLower(filepath.Ext(f.Path))]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Build produces a deterministic plan: files are taken in change order and
// packed greedily until the next file would exceed the per-batch budget.
// A file that alone exceeds the budget gets its own oversize batch.
// An empty change set produces a zero-batch plan.
func (p *Planner) Build(files []ChangedFile) *Plan {
	plan := &Plan{}
	if len(files) == 0 {
		return plan
	}

	var current Batch
	flush := func() {
		if len(current.Files) == 0 {
			return
		}
		current.Index = len(plan.Batches)
		current.ContextMapTokens = p.ContextMapTokens
		plan.Batches = append(plan.Batches, current)
		current = Batch{}
	}

	for _, f := range files {
		weight := p.Weigher.Weigh(f.Path)
		plan.Files = append(plan.Files, f.Path)
		plan.Tokens += weight

		if weight > p.MaxTokensPerBatch {
			flush()
			plan.Batches = append(plan.Batches, Batch{
				Index:            len(plan.Batches),
				Files:            []string{f.Path},
				Tokens:           weight,
				Oversize:         true,
				ContextMapTokens: p.ContextMapTokens,
			})
			continue
		}

		if len(current.Files) > 0 && current.Tokens+weight > p.MaxTokensPerBatch {
			flush()
		}
		current.Files = append(current.Files, f.Path)
		current.Tokens += weight
	}
	flush()

	return plan
}
