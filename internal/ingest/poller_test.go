package ingest

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/platform"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// fakeClient serves canned commits and merge requests.
type fakeClient struct {
	commits []platform.Commit
	mrs     []platform.MergeRequest
}

func (f *fakeClient) ListCommits(context.Context, string, int) ([]platform.Commit, error) {
	return f.commits, nil
}

func (f *fakeClient) ListOpenMergeRequests(context.Context, int) ([]platform.MergeRequest, error) {
	return f.mrs, nil
}

func (f *fakeClient) PostCommitComment(context.Context, string, string) error    { return nil }
func (f *fakeClient) PostMergeRequestComment(context.Context, int, string) error { return nil }

func pollerFixture(t *testing.T, client platform.Client) (*Poller, *fakeQueue, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{Repositories: []config.Repository{{
		ID:           "repo-a",
		Name:         "repo-a",
		CloneURL:     "https://git.example.com/group/project.git",
		Branch:       "main",
		Platform:     config.PlatformGitea,
		TriggerMode:  config.TriggerPolling,
		PollInterval: 1,
		PollCommits:  true,
		PollMRs:      true,
		Enabled:      true,
	}}}
	q := &fakeQueue{}
	p := NewPoller(
		func() *config.Config { return cfg },
		st, q,
		func(*config.Repository) (platform.Client, error) { return client, nil },
		nil,
	)
	return p, q, st
}

func TestPollFirstSightInitializesMarker(t *testing.T) {
	client := &fakeClient{commits: []platform.Commit{
		{ID: "c3", CommittedAt: time.Now()},
		{ID: "c2"},
		{ID: "c1"},
	}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]

	p.PollRepo(context.Background(), repo)

	// No tasks on first sight; the newest revision becomes the marker.
	assert.Empty(t, q.tasks)
	m, err := st.GetMarker(context.Background(), "repo-a", "main", store.MarkerCommit)
	require.NoError(t, err)
	assert.Equal(t, "c3", m.LastSeenID)
}

func TestPollEnqueuesNewCommitsOldestFirst(t *testing.T) {
	client := &fakeClient{commits: []platform.Commit{
		{ID: "c4", AuthorName: "d"},
		{ID: "c3", AuthorName: "c"},
		{ID: "c2", AuthorName: "b"},
	}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]
	require.NoError(t, st.ResetMarker(context.Background(), "repo-a", "main", store.MarkerCommit, "c2", time.Now()))

	p.PollRepo(context.Background(), repo)

	require.Len(t, q.tasks, 2)
	assert.Equal(t, "c3", q.tasks[0].RevisionRef)
	assert.Equal(t, "c4", q.tasks[1].RevisionRef)
	assert.Equal(t, store.StrategyCommit, q.tasks[0].Strategy)

	// The marker does not move on enqueue; only completion advances it.
	m, err := st.GetMarker(context.Background(), "repo-a", "main", store.MarkerCommit)
	require.NoError(t, err)
	assert.Equal(t, "c2", m.LastSeenID)
}

func TestPollEffectiveFromFiltersCommits(t *testing.T) {
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{commits: []platform.Commit{
		{ID: "new", CommittedAt: cutoff.Add(time.Hour)},
		{ID: "old", CommittedAt: cutoff.Add(-time.Hour)},
		{ID: "base"},
	}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]
	repo.EffectiveFrom = cutoff
	require.NoError(t, st.ResetMarker(context.Background(), "repo-a", "main", store.MarkerCommit, "base", time.Now()))

	p.PollRepo(context.Background(), repo)

	require.Len(t, q.tasks, 1)
	assert.Equal(t, "new", q.tasks[0].RevisionRef)
}

func TestPollMergeRequests(t *testing.T) {
	client := &fakeClient{mrs: []platform.MergeRequest{
		{IID: 7, SourceBranch: "feat-b", TargetBranch: "main"},
		{IID: 5, SourceBranch: "feat-a", TargetBranch: "main"},
	}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]
	require.NoError(t, st.ResetMarker(context.Background(), "repo-a", "main", store.MarkerMR, "5", time.Now()))

	p.PollRepo(context.Background(), repo)

	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, store.StrategyMergeRequest, task.Strategy)
	assert.Equal(t, "7", task.RevisionRef)
	assert.Equal(t, "main", task.BaseRef)
	assert.Equal(t, "feat-b", task.Branch)
}

func TestPollMergeRequestsFirstSight(t *testing.T) {
	client := &fakeClient{mrs: []platform.MergeRequest{{IID: 9}, {IID: 4}}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]

	p.PollRepo(context.Background(), repo)

	assert.Empty(t, q.tasks)
	m, err := st.GetMarker(context.Background(), "repo-a", "main", store.MarkerMR)
	require.NoError(t, err)
	assert.Equal(t, "9", m.LastSeenID)
}

func TestPollDuplicatesSilentlySkipped(t *testing.T) {
	client := &fakeClient{commits: []platform.Commit{{ID: "c2"}, {ID: "c1"}}}
	p, q, st := pollerFixture(t, client)
	repo := &p.cfg().Repositories[0]
	require.NoError(t, st.ResetMarker(context.Background(), "repo-a", "main", store.MarkerCommit, "c1", time.Now()))
	q.duplicate = true

	p.PollRepo(context.Background(), repo) // must not error or panic
	assert.Empty(t, q.tasks)
}

func TestTriggerNow(t *testing.T) {
	client := &fakeClient{
		commits: []platform.Commit{{ID: "head", AuthorName: "a"}},
		mrs:     []platform.MergeRequest{{IID: 11, SourceBranch: "s", TargetBranch: "t"}},
	}
	p, q, _ := pollerFixture(t, client)

	task, err := p.TriggerNow(context.Background(), "repo-a", store.StrategyCommit)
	require.NoError(t, err)
	assert.Equal(t, "head", task.RevisionRef)

	task, err = p.TriggerNow(context.Background(), "repo-a", store.StrategyMergeRequest)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(11), task.RevisionRef)
	assert.Equal(t, "t", task.BaseRef)

	_, err = p.TriggerNow(context.Background(), "nope", store.StrategyCommit)
	assert.Error(t, err)
	assert.Len(t, q.tasks, 2)
}

func TestPollerStartStop(t *testing.T) {
	p, _, _ := pollerFixture(t, &fakeClient{})
	require.NoError(t, p.Start())
	assert.True(t, p.Running())
	require.NoError(t, p.Start()) // idempotent

	status := p.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "repo-a", status[0].RepoID)
	assert.True(t, status[0].Enabled)

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	require.NoError(t, p.Stop())
}
