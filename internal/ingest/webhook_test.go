package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// fakeQueue records submitted tasks and can simulate the at-most-one rule.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     []*store.Task
	duplicate bool
}

func (q *fakeQueue) Submit(_ context.Context, task *store.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.duplicate {
		return store.ErrDuplicateTask
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func webhookConfig() *config.Config {
	return &config.Config{Repositories: []config.Repository{{
		ID:            "repo-a",
		Name:          "repo-a",
		CloneURL:      "https://git.example.com/group/project.git",
		Branch:        "main",
		Platform:      config.PlatformGitLab,
		TriggerMode:   config.TriggerBoth,
		Enabled:       true,
		WebhookSecret: "hunter2",
	}}}
}

func newWebhook(q TaskQueue, cfg *config.Config) *Webhook {
	return &Webhook{Config: func() *config.Config { return cfg }, Queue: q}
}

const gitlabPush = `{
	"ref": "refs/heads/main",
	"total_commits_count": 2,
	"commits": [
		{"id": "aaa", "message": "first", "author": {"name": "a", "email": "a@x"}},
		{"id": "bbb", "message": "second", "author": {"name": "b", "email": "b@x"}}
	],
	"project": {"name": "project", "git_http_url": "https://git.example.com/group/project.git", "ssh_url": "git@git.example.com:group/project.git"}
}`

func gitlabHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Gitlab-Event", "Push Hook")
	h.Set("X-Gitlab-Token", "hunter2")
	return h
}

func TestWebhookGitLabPushQueued(t *testing.T) {
	q := &fakeQueue{}
	w := newWebhook(q, webhookConfig())

	res, err := w.Process(context.Background(), "", gitlabHeaders(), []byte(gitlabPush))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.NotEmpty(t, res.TaskID)

	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, "repo-a", task.RepoID)
	assert.Equal(t, store.StrategyCommit, task.Strategy)
	assert.Equal(t, "bbb", task.RevisionRef) // head of the push
	assert.Equal(t, "main", task.Branch)
	assert.Equal(t, store.StatusPending, task.Status)
}

func TestWebhookBadSignature(t *testing.T) {
	w := newWebhook(&fakeQueue{}, webhookConfig())
	h := gitlabHeaders()
	h.Set("X-Gitlab-Token", "wrong")

	_, err := w.Process(context.Background(), "", h, []byte(gitlabPush))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestWebhookBadPayload(t *testing.T) {
	w := newWebhook(&fakeQueue{}, webhookConfig())
	_, err := w.Process(context.Background(), "", gitlabHeaders(), []byte("{not json"))
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestWebhookDuplicate(t *testing.T) {
	w := newWebhook(&fakeQueue{duplicate: true}, webhookConfig())
	res, err := w.Process(context.Background(), "", gitlabHeaders(), []byte(gitlabPush))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
}

func TestWebhookIgnoresOtherBranch(t *testing.T) {
	q := &fakeQueue{}
	w := newWebhook(q, webhookConfig())
	body := []byte(`{
		"ref": "refs/heads/feature",
		"commits": [{"id": "ccc", "author": {"name": "a"}}],
		"project": {"git_http_url": "https://git.example.com/group/project.git"}
	}`)
	res, err := w.Process(context.Background(), "", gitlabHeaders(), body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Empty(t, q.tasks)
}

func TestWebhookIgnoresUnknownRepo(t *testing.T) {
	w := newWebhook(&fakeQueue{}, webhookConfig())
	body := []byte(`{
		"ref": "refs/heads/main",
		"commits": [{"id": "ccc"}],
		"project": {"git_http_url": "https://git.example.com/other/repo.git"}
	}`)
	res, err := w.Process(context.Background(), "", gitlabHeaders(), body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
}

func TestWebhookEffectiveFrom(t *testing.T) {
	cfg := webhookConfig()
	cfg.Repositories[0].EffectiveFrom = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := &fakeQueue{}
	w := newWebhook(q, cfg)

	body := []byte(`{
		"ref": "refs/heads/main",
		"commits": [{"id": "old", "timestamp": "2025-06-01T00:00:00Z", "author": {"name": "a"}}],
		"project": {"git_http_url": "https://git.example.com/group/project.git"}
	}`)
	res, err := w.Process(context.Background(), "", gitlabHeaders(), body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Empty(t, q.tasks)
}

func TestWebhookGitLabMergeRequest(t *testing.T) {
	q := &fakeQueue{}
	w := newWebhook(q, webhookConfig())

	body := []byte(`{
		"object_attributes": {
			"iid": 9, "state": "opened", "action": "open",
			"source_branch": "feat", "target_branch": "main",
			"last_commit": {"id": "ddd"}
		},
		"user": {"name": "Dev", "email": "dev@x"},
		"project": {"git_http_url": "https://git.example.com/group/project.git"}
	}`)
	h := http.Header{}
	h.Set("X-Gitlab-Event", "Merge Request Hook")
	h.Set("X-Gitlab-Token", "hunter2")

	res, err := w.Process(context.Background(), "", h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)

	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, store.StrategyMergeRequest, task.Strategy)
	assert.Equal(t, "9", task.RevisionRef)
	assert.Equal(t, "main", task.BaseRef)
	assert.Equal(t, "feat", task.Branch)
}

func TestWebhookGitLabMergeRequestClosedIgnored(t *testing.T) {
	w := newWebhook(&fakeQueue{}, webhookConfig())
	body := []byte(`{
		"object_attributes": {"iid": 9, "state": "closed", "action": "close"},
		"project": {"git_http_url": "https://git.example.com/group/project.git"}
	}`)
	h := http.Header{}
	h.Set("X-Gitlab-Event", "Merge Request Hook")
	h.Set("X-Gitlab-Token", "hunter2")

	res, err := w.Process(context.Background(), "", h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
}

func TestWebhookGitHubSignature(t *testing.T) {
	cfg := webhookConfig()
	cfg.Repositories[0].Platform = config.PlatformGitHub
	q := &fakeQueue{}
	w := newWebhook(q, cfg)

	body := []byte(`{
		"ref": "refs/heads/main",
		"commits": [{"id": "eee", "author": {"name": "a", "email": "a@x"}}],
		"repository": {"clone_url": "https://git.example.com/group/project.git"}
	}`)
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(body)

	h := http.Header{}
	h.Set("X-GitHub-Event", "push")
	h.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	res, err := w.Process(context.Background(), "", h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, "eee", q.tasks[0].RevisionRef)

	// Tampered body fails verification.
	h.Set("X-Hub-Signature-256", "sha256=deadbeef")
	_, err = w.Process(context.Background(), "", h, body)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestWebhookGiteaPullRequest(t *testing.T) {
	cfg := webhookConfig()
	cfg.Repositories[0].Platform = config.PlatformGitea
	cfg.Repositories[0].WebhookSecret = ""
	q := &fakeQueue{}
	w := newWebhook(q, cfg)

	body := []byte(`{
		"action": "opened",
		"pull_request": {
			"number": 3, "title": "feat",
			"head": {"ref": "feat"}, "base": {"ref": "main"}
		},
		"repository": {"clone_url": "https://git.example.com/group/project.git"},
		"sender": {"login": "dev"}
	}`)
	h := http.Header{}
	h.Set("X-Gitea-Event", "pull_request")

	res, err := w.Process(context.Background(), "", h, body)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, "3", q.tasks[0].RevisionRef)
	assert.Equal(t, "dev", q.tasks[0].AuthorName)
}

func TestWebhookUnknownEventSource(t *testing.T) {
	w := newWebhook(&fakeQueue{}, webhookConfig())
	res, err := w.Process(context.Background(), "", http.Header{}, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
}

func TestWebhookTriggerModePolling(t *testing.T) {
	cfg := webhookConfig()
	cfg.Repositories[0].TriggerMode = config.TriggerPolling
	w := newWebhook(&fakeQueue{}, cfg)

	res, err := w.Process(context.Background(), "", gitlabHeaders(), []byte(gitlabPush))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, res.Status)
}
