package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/events"
	"git.home.luguber.info/inful/reviewd/internal/planner"
	"git.home.luguber.info/inful/reviewd/internal/platform"
	"git.home.luguber.info/inful/reviewd/internal/report"
	"git.home.luguber.info/inful/reviewd/internal/retry"
	"git.home.luguber.info/inful/reviewd/internal/runner"
	"git.home.luguber.info/inful/reviewd/internal/store"
	"git.home.luguber.info/inful/reviewd/internal/workingcopy"
)

// Error kinds recorded on failed tasks.
const (
	errKindExternal   = "external"   // clone, fetch, platform API
	errKindSubprocess = "subprocess" // every batch failed
	errKindInternal   = "internal"   // local git or configuration
	errKindShutdown   = "shutdown"   // interrupted by engine stop
)

// batchSeparator joins the per-batch reports into the stored full report.
const batchSeparator = "\n\n---\n\n"

// review drives one task through the full pipeline. The context is
// cancelled on user cancel and on forced shutdown; persistence of the final
// state deliberately survives that cancellation.
func (e *Engine) review(ctx context.Context, task *store.Task) {
	cfg := e.cfg()
	started := time.Now()
	log := e.log.With("task_id", task.ID, "repo", task.RepoID, "strategy", task.Strategy, "revision", task.RevisionRef)

	repo := cfg.RepositoryByID(task.RepoID)
	if repo == nil {
		log.Error("repository no longer configured")
		e.finalize(ctx, task, nil, started, store.StatusFailed, nil,
			failSummary(errKindInternal, "repository no longer configured"), "")
		return
	}

	if err := e.st.MarkProcessing(ctx, task.ID, time.Now().UTC()); err != nil {
		log.Error("mark task processing", "error", err)
		return
	}
	e.notify.Publish(events.TaskEvent{
		Type:        events.EventStarted,
		TaskID:      task.ID,
		RepoID:      task.RepoID,
		Strategy:    task.Strategy,
		RevisionRef: task.RevisionRef,
		Status:      store.StatusProcessing,
	})
	log.Info("review started")

	// One live checkout per repository: held across checkout and all
	// batches.
	unlock := e.copies.Acquire(repo)
	defer unlock()

	head, err := e.resolveHead(ctx, task, repo)
	if err != nil {
		e.finishError(ctx, task, repo, started, log, err, errKindExternal, "resolve revision")
		return
	}

	var dir string
	err = e.retry.Do(ctx, func() error {
		d, cerr := e.copies.Checkout(ctx, repo, head)
		if cerr != nil {
			return retry.Transient(cerr)
		}
		dir = d
		return nil
	})
	if err != nil {
		e.finishError(ctx, task, repo, started, log, err, errKindExternal, "checkout")
		return
	}

	changed, err := e.copies.ListChangedFiles(repo, task.BaseRef, head)
	if err != nil {
		e.finishError(ctx, task, repo, started, log, err, errKindInternal, "diff revisions")
		return
	}

	pl := planner.Planner{
		MaxTokensPerBatch: cfg.Engine.MaxTokensPerBatch,
		ContextMapTokens:  cfg.Engine.ContextMapTokens,
		ValidExtensions:   cfg.Assistant.ValidExtensions,
		Weigher:           planner.ByteRatioWeigher{Root: dir, CharsPerToken: cfg.Engine.CharsPerToken},
	}
	plan := pl.Build(pl.FilterReviewable(toPlannerFiles(changed)))

	if plan.Empty() {
		log.Info("no reviewable changes", "changed_files", len(changed))
		sum := report.Summarize(nil, "")
		e.finalize(ctx, task, repo, started, store.StatusCompleted, nil, sum, "")
		e.advanceMarker(ctx, task, repo, log)
		return
	}

	results := make([]store.BatchResult, len(plan.Batches))
	for i, b := range plan.Batches {
		results[i] = store.BatchResult{Index: b.Index, Status: store.BatchPending, Files: b.Files}
	}
	if err := e.st.SetPlan(ctx, task.ID, results, plan.Files); err != nil {
		e.finishError(ctx, task, repo, started, log, err, errKindInternal, "persist plan")
		return
	}
	task.BatchTotal = len(plan.Batches)
	log.Info("plan built", "batches", len(plan.Batches), "files", len(plan.Files), "tokens", plan.Tokens)

	prompt := runner.CommitPrompt()
	if task.Strategy == store.StrategyMergeRequest {
		prompt = runner.MergeRequestPrompt(task.BaseRef)
	}

	var reports []string
	var lastErr error
	succeeded := 0
	for _, b := range plan.Batches {
		if ctx.Err() != nil {
			break
		}
		res, rerr := e.run.Run(ctx, runner.Invocation{
			TaskID: task.ID,
			Dir:    dir,
			Files:  b.Files,
			Prompt: prompt,
		})

		br := store.BatchResult{Index: b.Index, Files: b.Files}
		switch {
		case rerr != nil && ctx.Err() != nil:
			br.Status = store.BatchCancelled
			br.Error = rerr.Error()
		case rerr != nil:
			br.Status = store.BatchFailed
			br.Error = rerr.Error()
			lastErr = rerr
			e.rec.IncBatchOutcome("failed")
			log.Warn("batch failed", "batch", b.Index, "error", rerr)
		default:
			br.Status = store.BatchSuccess
			reports = append(reports, report.Clean(res.Report))
			succeeded++
			e.rec.IncBatchOutcome("success")
			e.rec.ObserveBatchDuration(res.Duration)
			log.Info("batch finished", "batch", b.Index, "files", len(b.Files), "duration", res.Duration)
		}

		pctx := context.WithoutCancel(ctx)
		if uerr := e.st.UpdateProgress(pctx, task.ID, b.Index, br); uerr != nil {
			log.Error("persist batch progress", "batch", b.Index, "error", uerr)
		}
		e.notify.Publish(events.TaskEvent{
			Type:         events.EventBatchFinished,
			TaskID:       task.ID,
			RepoID:       task.RepoID,
			Strategy:     task.Strategy,
			RevisionRef:  task.RevisionRef,
			Status:       store.StatusProcessing,
			BatchCurrent: b.Index + 1,
			BatchTotal:   len(plan.Batches),
		})
	}

	switch {
	case ctx.Err() != nil && e.cancelledByUser(task.ID):
		log.Info("review cancelled", "batches_done", succeeded)
		e.finalize(ctx, task, repo, started, store.StatusCancelled, nil,
			failSummary("", "cancelled by user"), strings.Join(reports, batchSeparator))

	case ctx.Err() != nil:
		log.Warn("review interrupted by shutdown", "batches_done", succeeded)
		e.finalize(ctx, task, repo, started, store.StatusFailed, nil,
			failSummary(errKindShutdown, "interrupted by shutdown"), strings.Join(reports, batchSeparator))

	case succeeded > 0:
		full := strings.Join(reports, batchSeparator)
		issues := report.Parse(full)
		var sum store.Summary
		if len(issues) == 0 && strings.TrimSpace(full) != "" {
			// Nothing extractable: keep the raw report, score clean.
			sum = report.Unparsed()
		} else {
			sum = report.Summarize(issues, full)
		}
		e.finalize(ctx, task, repo, started, store.StatusCompleted, issues, sum, full)
		task.QualityScore = sum.QualityScore
		task.Verdict = sum.Verdict
		log.Info("review completed", "issues", len(issues), "score", sum.QualityScore)
		e.advanceMarker(ctx, task, repo, log)
		e.postComment(ctx, task, repo, issues, sum, log)

	default:
		msg := "all batches failed"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		log.Error("review failed", "error", msg)
		e.finalize(ctx, task, repo, started, store.StatusFailed, nil,
			failSummary(errKindSubprocess, msg), "")
	}
}

// resolveHead returns the revision to check out. Commit tasks carry the SHA
// directly; merge request tasks fetch the platform's hidden MR head ref
// first.
func (e *Engine) resolveHead(ctx context.Context, task *store.Task, repo *config.Repository) (string, error) {
	if task.Strategy != store.StrategyMergeRequest {
		return task.RevisionRef, nil
	}
	iid, err := strconv.Atoi(task.RevisionRef)
	if err != nil {
		return "", fmt.Errorf("merge request task carries non-numeric revision %q", task.RevisionRef)
	}
	ref := platform.MergeRequestRef(repo.Platform, iid)
	local := fmt.Sprintf("mr-%d", iid)
	var head string
	err = e.retry.Do(ctx, func() error {
		h, ferr := e.copies.FetchRef(ctx, repo, ref, local)
		if ferr != nil {
			return retry.Transient(ferr)
		}
		head = h
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	return head, nil
}

// finishError finalizes a task that died before any batch ran. A context
// cancellation is reclassified as user cancel or shutdown.
func (e *Engine) finishError(ctx context.Context, task *store.Task, repo *config.Repository, started time.Time, log *slog.Logger, err error, kind, stage string) {
	switch {
	case ctx.Err() != nil && e.cancelledByUser(task.ID):
		log.Info("review cancelled", "stage", stage)
		e.finalize(ctx, task, repo, started, store.StatusCancelled, nil, failSummary("", "cancelled by user"), "")
	case ctx.Err() != nil:
		e.finalize(ctx, task, repo, started, store.StatusFailed, nil, failSummary(errKindShutdown, "interrupted by shutdown"), "")
	default:
		log.Error("review failed", "stage", stage, "error", err)
		e.finalize(ctx, task, repo, started, store.StatusFailed, nil,
			failSummary(kind, fmt.Sprintf("%s: %v", stage, err)), "")
	}
}

// finalize persists the terminal state and emits metrics and the lifecycle
// event. Writes use a detached context so a cancelled task still lands.
func (e *Engine) finalize(ctx context.Context, task *store.Task, repo *config.Repository, started time.Time, status store.TaskStatus, issues []store.Issue, sum store.Summary, reportText string) {
	pctx := context.WithoutCancel(ctx)
	if err := e.st.FinalizeTask(pctx, task.ID, status, issues, sum, reportText); err != nil {
		if !errors.Is(err, store.ErrTerminalTask) {
			e.log.Error("finalize task", "task_id", task.ID, "status", status, "error", err)
		}
		return
	}
	e.rec.IncTaskOutcome(string(status))
	if repo != nil {
		e.rec.ObserveTaskDuration(repo.Name, time.Since(started))
	}
	e.notify.Publish(events.TaskEvent{
		Type:         events.EventFinalized,
		TaskID:       task.ID,
		RepoID:       task.RepoID,
		Strategy:     task.Strategy,
		RevisionRef:  task.RevisionRef,
		Status:       status,
		QualityScore: sum.QualityScore,
	})
}

// advanceMarker moves the repository's revision marker after a completed
// review. Commit markers always advance (the per-repo lock keeps task order
// aligned with history); merge request markers only move forward
// numerically.
func (e *Engine) advanceMarker(ctx context.Context, task *store.Task, repo *config.Repository, log *slog.Logger) {
	pctx := context.WithoutCancel(ctx)
	kind := store.MarkerCommit
	if task.Strategy == store.StrategyMergeRequest {
		kind = store.MarkerMR
	}

	prev := ""
	if m, err := e.st.GetMarker(pctx, repo.ID, repo.Branch, kind); err == nil {
		prev = m.LastSeenID
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("read revision marker", "error", err)
		return
	}

	if kind == store.MarkerMR {
		newIID, _ := strconv.Atoi(task.RevisionRef)
		prevIID, _ := strconv.Atoi(prev)
		if newIID <= prevIID {
			return
		}
	}

	err := e.st.AdvanceMarker(pctx, repo.ID, repo.Branch, kind, prev, task.RevisionRef, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrMarkerConflict):
		// Another completion moved it first; the poller reconciles.
		log.Warn("revision marker moved concurrently", "kind", kind)
	case err != nil:
		log.Warn("advance revision marker", "kind", kind, "error", err)
	default:
		log.Debug("revision marker advanced", "kind", kind, "revision", task.RevisionRef)
	}
}

func toPlannerFiles(changed []workingcopy.ChangedFile) []planner.ChangedFile {
	out := make([]planner.ChangedFile, len(changed))
	for i, f := range changed {
		out[i] = planner.ChangedFile{Path: f.Path, Additions: f.Additions, Deletions: f.Deletions}
	}
	return out
}

func failSummary(kind, msg string) store.Summary {
	return store.Summary{ErrorKind: kind, ErrorMessage: msg}
}
