// Package ingest turns platform webhook deliveries and polling results into
// queued review tasks.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

var (
	// ErrBadPayload indicates a webhook body that could not be decoded.
	ErrBadPayload = errors.New("ingest: malformed webhook payload")
	// ErrBadSignature indicates a signature or secret mismatch.
	ErrBadSignature = errors.New("ingest: webhook signature mismatch")
)

// Event is a normalized platform notification, independent of the wire
// format it arrived in.
type Event struct {
	Platform    config.Platform
	Strategy    store.Strategy
	CloneURLs   []string // candidate URLs for repository matching
	Branch      string   // push: pushed branch; MR: source branch
	RevisionRef string   // commit SHA or MR iid as string
	BaseRef     string   // MR target branch
	MRIID       int
	AuthorName  string
	AuthorEmail string
	CommittedAt time.Time // zero when the payload carries no timestamp
}

// DetectPlatform identifies the sending platform from webhook headers.
func DetectPlatform(h http.Header) (config.Platform, bool) {
	switch {
	case h.Get("X-Gitlab-Event") != "":
		return config.PlatformGitLab, true
	case h.Get("X-Gitea-Event") != "":
		return config.PlatformGitea, true
	case h.Get("X-GitHub-Event") != "":
		return config.PlatformGitHub, true
	}
	return "", false
}

// DecodeEvent parses a webhook body for the given platform. A nil event with
// nil error means the event type is recognized but carries nothing to review
// (wrong action, empty push).
func DecodeEvent(platform config.Platform, h http.Header, body []byte) (*Event, error) {
	switch platform {
	case config.PlatformGitLab:
		return decodeGitLab(h.Get("X-Gitlab-Event"), body)
	case config.PlatformGitea:
		return decodeGiteaLike(platform, h.Get("X-Gitea-Event"), body)
	case config.PlatformGitHub:
		return decodeGiteaLike(platform, h.Get("X-GitHub-Event"), body)
	default:
		return nil, fmt.Errorf("%w: unknown platform %q", ErrBadPayload, platform)
	}
}

// VerifySignature checks the platform-specific webhook secret. GitLab sends
// the secret verbatim in a header; Gitea and GitHub send an HMAC-SHA256 of
// the body.
func VerifySignature(platform config.Platform, secret string, h http.Header, body []byte) error {
	if secret == "" {
		return nil
	}
	switch platform {
	case config.PlatformGitLab:
		if subtleEqual(h.Get("X-Gitlab-Token"), secret) {
			return nil
		}
	case config.PlatformGitea:
		if subtleEqual(h.Get("X-Gitea-Signature"), hmacHex(secret, body)) {
			return nil
		}
	case config.PlatformGitHub:
		want := "sha256=" + hmacHex(secret, body)
		if subtleEqual(h.Get("X-Hub-Signature-256"), want) {
			return nil
		}
	}
	return ErrBadSignature
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func subtleEqual(got, want string) bool {
	return got != "" && hmac.Equal([]byte(got), []byte(want))
}

type gitlabProject struct {
	Name       string `json:"name"`
	SSHURL     string `json:"ssh_url"`
	GitHTTPURL string `json:"git_http_url"`
}

type pushCommit struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

func decodeGitLab(eventType string, body []byte) (*Event, error) {
	switch eventType {
	case "Push Hook":
		var payload struct {
			Ref               string        `json:"ref"`
			TotalCommitsCount int           `json:"total_commits_count"`
			Commits           []pushCommit  `json:"commits"`
			Project           gitlabProject `json:"project"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if len(payload.Commits) == 0 {
			return nil, nil
		}
		head := payload.Commits[len(payload.Commits)-1]
		return &Event{
			Platform:    config.PlatformGitLab,
			Strategy:    store.StrategyCommit,
			CloneURLs:   []string{payload.Project.GitHTTPURL, payload.Project.SSHURL},
			Branch:      branchFromRef(payload.Ref),
			RevisionRef: head.ID,
			AuthorName:  head.Author.Name,
			AuthorEmail: head.Author.Email,
			CommittedAt: head.Timestamp,
		}, nil

	case "Merge Request Hook":
		var payload struct {
			ObjectAttributes struct {
				IID          int    `json:"iid"`
				State        string `json:"state"`
				Action       string `json:"action"`
				SourceBranch string `json:"source_branch"`
				TargetBranch string `json:"target_branch"`
				LastCommit   struct {
					ID        string    `json:"id"`
					Timestamp time.Time `json:"timestamp"`
				} `json:"last_commit"`
			} `json:"object_attributes"`
			User struct {
				Name     string `json:"name"`
				Username string `json:"username"`
				Email    string `json:"email"`
			} `json:"user"`
			Project gitlabProject `json:"project"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		attrs := payload.ObjectAttributes
		if attrs.State != "opened" && attrs.Action != "update" {
			return nil, nil
		}
		author := payload.User.Name
		if author == "" {
			author = payload.User.Username
		}
		return &Event{
			Platform:    config.PlatformGitLab,
			Strategy:    store.StrategyMergeRequest,
			CloneURLs:   []string{payload.Project.GitHTTPURL, payload.Project.SSHURL},
			Branch:      attrs.SourceBranch,
			BaseRef:     attrs.TargetBranch,
			RevisionRef: strconv.Itoa(attrs.IID),
			MRIID:       attrs.IID,
			AuthorName:  author,
			AuthorEmail: payload.User.Email,
			CommittedAt: attrs.LastCommit.Timestamp,
		}, nil
	}
	return nil, nil
}

// decodeGiteaLike handles Gitea and GitHub payloads, which share their
// structure for the events the engine consumes.
func decodeGiteaLike(platform config.Platform, eventType string, body []byte) (*Event, error) {
	type repository struct {
		FullName string `json:"full_name"`
		SSHURL   string `json:"ssh_url"`
		CloneURL string `json:"clone_url"`
	}

	switch eventType {
	case "push":
		var payload struct {
			Ref        string       `json:"ref"`
			Commits    []pushCommit `json:"commits"`
			Repository repository   `json:"repository"`
			Pusher     struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"pusher"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if len(payload.Commits) == 0 {
			return nil, nil
		}
		head := payload.Commits[len(payload.Commits)-1]
		name, email := head.Author.Name, head.Author.Email
		if name == "" {
			name = payload.Pusher.Name
		}
		if email == "" {
			email = payload.Pusher.Email
		}
		return &Event{
			Platform:    platform,
			Strategy:    store.StrategyCommit,
			CloneURLs:   []string{payload.Repository.CloneURL, payload.Repository.SSHURL},
			Branch:      branchFromRef(payload.Ref),
			RevisionRef: head.ID,
			AuthorName:  name,
			AuthorEmail: email,
			CommittedAt: head.Timestamp,
		}, nil

	case "pull_request":
		var payload struct {
			Action      string `json:"action"`
			PullRequest struct {
				Number int    `json:"number"`
				Title  string `json:"title"`
				Head   struct {
					Ref string `json:"ref"`
				} `json:"head"`
				Base struct {
					Ref string `json:"ref"`
				} `json:"base"`
			} `json:"pull_request"`
			Repository repository `json:"repository"`
			Sender     struct {
				Login    string `json:"login"`
				FullName string `json:"full_name"`
				Email    string `json:"email"`
			} `json:"sender"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if payload.Action != "opened" && payload.Action != "synchronize" && payload.Action != "synchronized" {
			return nil, nil
		}
		author := payload.Sender.FullName
		if author == "" {
			author = payload.Sender.Login
		}
		pr := payload.PullRequest
		return &Event{
			Platform:    platform,
			Strategy:    store.StrategyMergeRequest,
			CloneURLs:   []string{payload.Repository.CloneURL, payload.Repository.SSHURL},
			Branch:      pr.Head.Ref,
			BaseRef:     pr.Base.Ref,
			RevisionRef: strconv.Itoa(pr.Number),
			MRIID:       pr.Number,
			AuthorName:  author,
			AuthorEmail: payload.Sender.Email,
		}, nil
	}
	return nil, nil
}

func branchFromRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.TrimPrefix(ref, "refs/tags/")
}
