package platform

import (
	"context"
	"fmt"
	"net/url"
)

// githubClient implements Client against the GitHub REST API. The wire
// shapes are shared with the Gitea client; only endpoints and pagination
// parameter names differ.
type githubClient struct {
	base    *baseClient
	project string
}

func (c *githubClient) ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error) {
	endpoint := fmt.Sprintf("/repos/%s/commits?sha=%s&per_page=%d", c.project, url.QueryEscape(branch), limit)
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

func (c *githubClient) ListOpenMergeRequests(ctx context.Context, limit int) ([]MergeRequest, error) {
	endpoint := fmt.Sprintf("/repos/%s/pulls?state=open&per_page=%d", c.project, limit)
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

func (c *githubClient) PostCommitComment(ctx context.Context, sha, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/commits/%s/comments", c.project, sha)
	return c.base.post(ctx, endpoint, map[string]string{"body": body})
}

func (c *githubClient) PostMergeRequestComment(ctx context.Context, iid int, body string) error {
	endpoint := fmt.Sprintf("/repos/%s/issues/%d/comments", c.project, iid)
	return c.base.post(ctx, endpoint, map[string]string{"body": body})
}
