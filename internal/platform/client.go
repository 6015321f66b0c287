// Package platform talks to the hosting platform APIs (GitLab, Gitea,
// GitHub) for revision discovery and review comments.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
)

// Sentinel errors shared by all clients.
var (
	ErrNotFound     = errors.New("platform resource not found")
	ErrUnauthorized = errors.New("platform authorization failed")
	ErrUnsupported  = errors.New("operation not supported on this platform")
)

// Commit is one revision as reported by the platform API.
type Commit struct {
	ID          string
	Message     string
	AuthorName  string
	AuthorEmail string
	CommittedAt time.Time
}

// MergeRequest is an open merge/pull request.
type MergeRequest struct {
	IID          int
	Title        string
	SourceBranch string
	TargetBranch string
	AuthorName   string
}

// Client is the per-repository platform API surface. Implementations carry
// the repo's project path and auth record.
type Client interface {
	// ListCommits returns up to limit newest commits on branch, newest first.
	ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error)
	// ListOpenMergeRequests returns up to limit open merge requests.
	ListOpenMergeRequests(ctx context.Context, limit int) ([]MergeRequest, error)
	// PostCommitComment attaches body to a commit. Best-effort; Gitea
	// returns ErrUnsupported.
	PostCommitComment(ctx context.Context, sha, body string) error
	// PostMergeRequestComment adds body as a note/comment on an MR.
	PostMergeRequestComment(ctx context.Context, iid int, body string) error
}

// New builds the platform client for a configured repository.
func New(repo *config.Repository, httpClient *http.Client) (Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	project, err := ProjectPath(repo.CloneURL)
	if err != nil {
		return nil, err
	}
	base := newBaseClient(httpClient, repo.APIURL, repo.Auth)
	switch repo.Platform {
	case config.PlatformGitLab:
		return &gitlabClient{base: base, project: project}, nil
	case config.PlatformGitea:
		return &giteaClient{base: base, project: project}, nil
	case config.PlatformGitHub:
		return &githubClient{base: base, project: project}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", repo.Platform)
	}
}

var (
	sshURLRe  = regexp.MustCompile(`^git@[^:]+:(.+?)(?:\.git)?$`)
	httpURLRe = regexp.MustCompile(`^https?://[^/]+/(.+?)(?:\.git)?/?$`)
)

// ProjectPath extracts the "owner/name" project path from a clone URL,
// accepting both SSH and HTTP forms.
func ProjectPath(cloneURL string) (string, error) {
	if m := sshURLRe.FindStringSubmatch(cloneURL); m != nil {
		return m[1], nil
	}
	if m := httpURLRe.FindStringSubmatch(cloneURL); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("cannot derive project path from clone URL %q", cloneURL)
}

// MergeRequestRef is the hidden ref holding an MR's head commit, suitable
// for fetching into a local working copy.
func MergeRequestRef(platform config.Platform, iid int) string {
	if platform == config.PlatformGitLab {
		return fmt.Sprintf("refs/merge-requests/%d/head", iid)
	}
	return fmt.Sprintf("refs/pull/%d/head", iid)
}
