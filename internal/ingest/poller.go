package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/platform"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

const pollPageSize = 10

// ClientFactory builds a platform client for a repository. Injected so
// tests can substitute fakes.
type ClientFactory func(repo *config.Repository) (platform.Client, error)

// RepoPollStatus is the observable polling state of one repository.
type RepoPollStatus struct {
	RepoID        string     `json:"repo_id"`
	Name          string     `json:"name"`
	Enabled       bool       `json:"enabled"`
	InFlight      bool       `json:"in_flight"`
	LastCheckTime *time.Time `json:"last_check_time,omitempty"`
}

// Poller periodically probes enabled repositories for new commits and merge
// requests. One ticker drives all repositories; each repo fires when its own
// interval has elapsed, and ticks overlapping an in-flight poll are skipped.
type Poller struct {
	cfg       func() *config.Config
	st        *store.Store
	queue     TaskQueue
	newClient ClientFactory
	log       *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	running   bool
	inflight  map[string]bool
	lastPoll  map[string]time.Time
	lastCheck map[string]time.Time
}

// NewPoller wires a poller; Start must be called before it does anything.
func NewPoller(cfg func() *config.Config, st *store.Store, queue TaskQueue, factory ClientFactory, log *slog.Logger) *Poller {
	if factory == nil {
		factory = func(repo *config.Repository) (platform.Client, error) {
			return platform.New(repo, nil)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		cfg:       cfg,
		st:        st,
		queue:     queue,
		newClient: factory,
		log:       log,
		inflight:  make(map[string]bool),
		lastPoll:  make(map[string]time.Time),
		lastCheck: make(map[string]time.Time),
	}
}

// Start launches the ticker. Idempotent while running.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(p.tick),
		gocron.WithName("poll-repositories"),
	)
	if err != nil {
		return fmt.Errorf("schedule polling job: %w", err)
	}
	s.Start()
	p.scheduler = s
	p.running = true
	p.log.Info("poller started")
	return nil
}

// Stop shuts the ticker down; in-flight polls finish on their own.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	err := p.scheduler.Shutdown()
	p.scheduler = nil
	p.log.Info("poller stopped")
	return err
}

// Running reports whether the ticker is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns the per-repository polling state, sorted by repo id.
func (p *Poller) Status() []RepoPollStatus {
	cfg := p.cfg()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RepoPollStatus, 0, len(cfg.Repositories))
	for i := range cfg.Repositories {
		r := &cfg.Repositories[i]
		st := RepoPollStatus{
			RepoID:   r.ID,
			Name:     r.Name,
			Enabled:  r.Enabled && pollingEnabled(r),
			InFlight: p.inflight[r.ID],
		}
		if t, ok := p.lastCheck[r.ID]; ok {
			tt := t
			st.LastCheckTime = &tt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out
}

func pollingEnabled(r *config.Repository) bool {
	return r.TriggerMode == config.TriggerPolling || r.TriggerMode == config.TriggerBoth
}

// tick fires once a minute and polls every repository whose interval is due.
func (p *Poller) tick() {
	cfg := p.cfg()
	now := time.Now()
	for i := range cfg.Repositories {
		repo := cfg.Repositories[i]
		if !repo.Enabled || !pollingEnabled(&repo) {
			continue
		}

		p.mu.Lock()
		interval := time.Duration(repo.PollInterval) * time.Minute
		due := now.Sub(p.lastPoll[repo.ID]) >= interval
		busy := p.inflight[repo.ID]
		if due && !busy {
			p.inflight[repo.ID] = true
			p.lastPoll[repo.ID] = now
		}
		p.mu.Unlock()

		if !due || busy {
			continue
		}
		go func(repo config.Repository) {
			defer func() {
				p.mu.Lock()
				p.inflight[repo.ID] = false
				p.lastCheck[repo.ID] = time.Now()
				p.mu.Unlock()
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			p.PollRepo(ctx, &repo)
		}(repo)
	}
}

// PollRepo probes one repository for new revisions and enqueues tasks.
// Failures are logged, never fatal; the next tick retries.
func (p *Poller) PollRepo(ctx context.Context, repo *config.Repository) {
	client, err := p.newClient(repo)
	if err != nil {
		p.log.Error("polling client", "repo", repo.ID, "error", err)
		return
	}
	if repo.PollCommits {
		if err := p.pollCommits(ctx, repo, client); err != nil {
			p.log.Error("poll commits", "repo", repo.ID, "error", err)
		}
	}
	if repo.PollMRs {
		if err := p.pollMergeRequests(ctx, repo, client); err != nil {
			p.log.Error("poll merge requests", "repo", repo.ID, "error", err)
		}
	}
}

func (p *Poller) pollCommits(ctx context.Context, repo *config.Repository, client platform.Client) error {
	commits, err := client.ListCommits(ctx, repo.Branch, pollPageSize)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}

	marker, err := p.st.GetMarker(ctx, repo.ID, repo.Branch, store.MarkerCommit)
	if errors.Is(err, store.ErrNotFound) {
		// First sight of this repo: record the newest revision so only
		// future commits get reviewed.
		newest := commits[0]
		at := newest.CommittedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		p.log.Info("initialized commit marker", "repo", repo.ID, "revision", newest.ID)
		return p.st.ResetMarker(ctx, repo.ID, repo.Branch, store.MarkerCommit, newest.ID, at)
	}
	if err != nil {
		return err
	}

	// Newest first from the API; collect until the marker, then enqueue
	// oldest first so task order follows history.
	var fresh []platform.Commit
	for _, c := range commits {
		if c.ID == marker.LastSeenID {
			break
		}
		fresh = append(fresh, c)
	}
	for i := len(fresh) - 1; i >= 0; i-- {
		c := fresh[i]
		if !repo.EffectiveFrom.IsZero() && !c.CommittedAt.IsZero() && c.CommittedAt.Before(repo.EffectiveFrom) {
			continue
		}
		p.submit(ctx, repo, &store.Task{
			ID:          uuid.NewString(),
			RepoID:      repo.ID,
			Strategy:    store.StrategyCommit,
			RevisionRef: c.ID,
			Branch:      repo.Branch,
			AuthorName:  c.AuthorName,
			AuthorEmail: c.AuthorEmail,
			CreatedAt:   time.Now().UTC(),
			Status:      store.StatusPending,
		})
	}
	return nil
}

func (p *Poller) pollMergeRequests(ctx context.Context, repo *config.Repository, client platform.Client) error {
	mrs, err := client.ListOpenMergeRequests(ctx, pollPageSize)
	if err != nil {
		return err
	}
	if len(mrs) == 0 {
		return nil
	}

	marker, err := p.st.GetMarker(ctx, repo.ID, repo.Branch, store.MarkerMR)
	if errors.Is(err, store.ErrNotFound) {
		newest := 0
		for _, mr := range mrs {
			if mr.IID > newest {
				newest = mr.IID
			}
		}
		p.log.Info("initialized merge request marker", "repo", repo.ID, "iid", newest)
		return p.st.ResetMarker(ctx, repo.ID, repo.Branch, store.MarkerMR, strconv.Itoa(newest), time.Now().UTC())
	}
	if err != nil {
		return err
	}
	lastSeen, _ := strconv.Atoi(marker.LastSeenID)

	sort.Slice(mrs, func(i, j int) bool { return mrs[i].IID < mrs[j].IID })
	for _, mr := range mrs {
		if mr.IID <= lastSeen {
			continue
		}
		p.submit(ctx, repo, &store.Task{
			ID:          uuid.NewString(),
			RepoID:      repo.ID,
			Strategy:    store.StrategyMergeRequest,
			RevisionRef: strconv.Itoa(mr.IID),
			BaseRef:     mr.TargetBranch,
			Branch:      mr.SourceBranch,
			AuthorName:  mr.AuthorName,
			CreatedAt:   time.Now().UTC(),
			Status:      store.StatusPending,
		})
	}
	return nil
}

// TriggerNow enqueues a review of the newest revision of a repository,
// bypassing the ticker and the revision markers.
func (p *Poller) TriggerNow(ctx context.Context, repoID string, strategy store.Strategy) (*store.Task, error) {
	repo := p.cfg().RepositoryByID(repoID)
	if repo == nil {
		return nil, fmt.Errorf("repository %q not configured", repoID)
	}
	client, err := p.newClient(repo)
	if err != nil {
		return nil, err
	}

	task := &store.Task{
		ID:        uuid.NewString(),
		RepoID:    repo.ID,
		Strategy:  strategy,
		Branch:    repo.Branch,
		CreatedAt: time.Now().UTC(),
		Status:    store.StatusPending,
	}
	switch strategy {
	case store.StrategyCommit:
		commits, err := client.ListCommits(ctx, repo.Branch, 1)
		if err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			return nil, fmt.Errorf("repository %q has no commits on %s", repoID, repo.Branch)
		}
		task.RevisionRef = commits[0].ID
		task.AuthorName = commits[0].AuthorName
		task.AuthorEmail = commits[0].AuthorEmail
	case store.StrategyMergeRequest:
		mrs, err := client.ListOpenMergeRequests(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(mrs) == 0 {
			return nil, fmt.Errorf("repository %q has no open merge requests", repoID)
		}
		task.RevisionRef = strconv.Itoa(mrs[0].IID)
		task.BaseRef = mrs[0].TargetBranch
		task.Branch = mrs[0].SourceBranch
		task.AuthorName = mrs[0].AuthorName
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	if err := p.queue.Submit(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (p *Poller) submit(ctx context.Context, repo *config.Repository, task *store.Task) {
	err := p.queue.Submit(ctx, task)
	switch {
	case err == nil:
		p.log.Info("poll task queued",
			"task_id", task.ID, "repo", repo.ID, "strategy", task.Strategy, "revision", task.RevisionRef)
	case errors.Is(err, store.ErrDuplicateTask):
		p.log.Debug("revision already queued", "repo", repo.ID, "revision", task.RevisionRef)
	default:
		p.log.Error("enqueue poll task", "repo", repo.ID, "revision", task.RevisionRef, "error", err)
	}
}
