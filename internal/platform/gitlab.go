package platform

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// gitlabClient implements Client against the GitLab REST API v4.
type gitlabClient struct {
	base    *baseClient
	project string
}

func (c *gitlabClient) init() *baseClient {
	// GitLab takes the token in its own header rather than Authorization.
	c.base.authHeaderName = "PRIVATE-TOKEN"
	c.base.authHeaderPrefix = ""
	return c.base
}

type gitlabCommit struct {
	ID            string    `json:"id"`
	Message       string    `json:"message"`
	AuthorName    string    `json:"author_name"`
	AuthorEmail   string    `json:"author_email"`
	CommittedDate time.Time `json:"committed_date"`
}

type gitlabMergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	Author       struct {
		Name string `json:"name"`
	} `json:"author"`
}

func (c *gitlabClient) projectID() string {
	return url.PathEscape(c.project)
}

func (c *gitlabClient) ListCommits(ctx context.Context, branch string, limit int) ([]Commit, error) {
	endpoint := fmt.Sprintf("/projects/%s/repository/commits?ref_name=%s&per_page=%d",
		c.projectID(), url.QueryEscape(branch), limit)
	var raw []gitlabCommit
	if err := c.init().get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	out := make([]Commit, 0, len(raw))
	for _, gc := range raw {
		out = append(out, Commit{
			ID:          gc.ID,
			Message:     gc.Message,
			AuthorName:  gc.AuthorName,
			AuthorEmail: gc.AuthorEmail,
			CommittedAt: gc.CommittedDate,
		})
	}
	return out, nil
}

func (c *gitlabClient) ListOpenMergeRequests(ctx context.Context, limit int) ([]MergeRequest, error) {
	endpoint := fmt.Sprintf("/projects/%s/merge_requests?state=opened&per_page=%d", c.projectID(), limit)
	var raw []gitlabMergeRequest
	if err := c.init().get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	out := make([]MergeRequest, 0, len(raw))
	for _, mr := range raw {
		out = append(out, MergeRequest{
			IID:          mr.IID,
			Title:        mr.Title,
			SourceBranch: mr.SourceBranch,
			TargetBranch: mr.TargetBranch,
			AuthorName:   mr.Author.Name,
		})
	}
	return out, nil
}

func (c *gitlabClient) PostCommitComment(ctx context.Context, sha, body string) error {
	endpoint := fmt.Sprintf("/projects/%s/repository/commits/%s/comments", c.projectID(), sha)
	return c.init().post(ctx, endpoint, map[string]string{"note": body})
}

func (c *gitlabClient) PostMergeRequestComment(ctx context.Context, iid int, body string) error {
	endpoint := fmt.Sprintf("/projects/%s/merge_requests/%d/notes", c.projectID(), iid)
	return c.init().post(ctx, endpoint, map[string]string{"body": body})
}
