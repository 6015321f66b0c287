package platform

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// giteaClient implements Client against the Gitea API v1.
type giteaClient struct {
	base    *baseClient
	project string
}

// giteaCommit doubles as the GitHub commit shape; both platforms wrap the
// git data in a "commit" object under a top-level "sha".
type giteaCommit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name  string    `json:"name"`
			Email string    `json:"email"`
			Date  time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

func (gc giteaCommit) toCommit() Commit {
	return Commit{
		ID:          gc.SHA,
		Message:     gc.Commit.Message,
		AuthorName:  gc.Commit.Author.Name,
		AuthorEmail: gc.Commit.Author.Email,
		CommittedAt: gc.Commit.Author.Date,
	}
}

// giteaPull doubles as the GitHub pull request shape.
type giteaPull struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Head   struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (p giteaPull) toMergeRequest() MergeRequest {
	return MergeRequest{
		IID:          p.Number,
		Title:        p.Title,
		SourceBranch: p.Head.Ref,
		TargetBranch: p.Base.Ref,
		AuthorName:   p.User.Login,
	}
}

func (c *giteaClient) ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits?sha=%s&limit=%d", c.project, url.QueryEscape(branch), limit)
	var raw []giteaCommit
	if err := c.base.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	out := make([]Commit, 0, len(raw))
	for _, gc := range raw {
		out = append(out, gc.toCommit())
	}
	return out, nil
}

func (c *giteaClient) ListOpenMergeRequests(ctx context.Context, limit int) ([]MergeRequest, error) {
	endpoint := fmt.Sprintf("/repos/%s/pulls?state=open&limit=%d", c.project, limit)
	var raw []giteaPull
	if err := c.base.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	out := make([]MergeRequest, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toMergeRequest())
	}
	return out, nil
}

// PostCommitComment is unsupported: the Gitea API has no commit comment
// endpoint.
func (c *giteaClient) PostCommitComment(ctx context.Context, sha, body string) error {
	return fmt.Errorf("gitea commit comments: %w", ErrUnsupported)
}

func (c *giteaClient) PostMergeRequestComment(ctx context.Context, iid int, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/issues/%d/comments", c.project, iid)
	return c.base.post(ctx, endpoint, map[string]string{"body": body})
}
