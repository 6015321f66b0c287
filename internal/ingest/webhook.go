package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// Webhook response statuses.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// TaskQueue accepts new review tasks. Submit persists the task and hands it
// to the worker pool; store.ErrDuplicateTask signals the at-most-one rule.
type TaskQueue interface {
	Submit(ctx context.Context, task *store.Task) error
}

// Result is the webhook processing outcome rendered to the caller.
type Result struct {
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Webhook converts platform deliveries into queued tasks. Config is a
// snapshot getter so live reloads take effect between requests.
type Webhook struct {
	Config func() *config.Config
	Queue  TaskQueue
	Logger *slog.Logger
}

// Process handles one webhook delivery. platform may be empty, in which case
// it is detected from the headers. The returned error is ErrBadPayload or
// ErrBadSignature; everything else resolves to a Result.
func (w *Webhook) Process(ctx context.Context, platform config.Platform, header http.Header, body []byte) (*Result, error) {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}

	if platform == "" {
		detected, ok := DetectPlatform(header)
		if !ok {
			return &Result{Status: StatusIgnored, Reason: "unknown event source"}, nil
		}
		platform = detected
	}

	event, err := DecodeEvent(platform, header, body)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return &Result{Status: StatusIgnored, Reason: "nothing to review"}, nil
	}

	repo := w.matchRepository(event)
	if repo == nil {
		log.Debug("webhook for unconfigured repository", "platform", platform, "urls", event.CloneURLs)
		return &Result{Status: StatusIgnored, Reason: "repository not configured"}, nil
	}

	if err := VerifySignature(platform, repo.WebhookSecret, header, body); err != nil {
		log.Warn("webhook signature rejected", "repo", repo.ID, "platform", platform)
		return nil, err
	}

	if !repo.Enabled || (repo.TriggerMode != config.TriggerWebhook && repo.TriggerMode != config.TriggerBoth) {
		return &Result{Status: StatusIgnored, Reason: "webhook trigger disabled"}, nil
	}
	if event.Strategy == store.StrategyCommit && repo.Branch != "" && event.Branch != repo.Branch {
		return &Result{Status: StatusIgnored, Reason: "branch not monitored"}, nil
	}
	if !event.CommittedAt.IsZero() && !repo.EffectiveFrom.IsZero() && event.CommittedAt.Before(repo.EffectiveFrom) {
		return &Result{Status: StatusIgnored, Reason: "before effective_from"}, nil
	}

	task := &store.Task{
		ID:          uuid.NewString(),
		RepoID:      repo.ID,
		Strategy:    event.Strategy,
		RevisionRef: event.RevisionRef,
		BaseRef:     event.BaseRef,
		Branch:      event.Branch,
		AuthorName:  event.AuthorName,
		AuthorEmail: event.AuthorEmail,
		CreatedAt:   time.Now().UTC(),
		Status:      store.StatusPending,
	}
	if err := w.Queue.Submit(ctx, task); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			log.Info("webhook revision already queued", "repo", repo.ID, "revision", event.RevisionRef)
			return &Result{Status: StatusDuplicate}, nil
		}
		return nil, err
	}

	log.Info("webhook task queued",
		"task_id", task.ID, "repo", repo.ID, "strategy", task.Strategy, "revision", task.RevisionRef)
	return &Result{Status: StatusQueued, TaskID: task.ID}, nil
}

func (w *Webhook) matchRepository(event *Event) *config.Repository {
	cfg := w.Config()
	for _, u := range event.CloneURLs {
		if u == "" {
			continue
		}
		if repo := cfg.RepositoryByCloneURL(u); repo != nil {
			return repo
		}
	}
	return nil
}
