package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"git.home.luguber.info/inful/reviewd/internal/config"
)

// baseClient consolidates the request/response plumbing shared by the three
// platform clients: URL building against the API base, auth header
// injection, JSON encoding, and error mapping.
type baseClient struct {
	httpClient *http.Client
	apiURL     string
	auth       *config.AuthConfig

	// authHeader is set per platform: "PRIVATE-TOKEN" for GitLab,
	// "Authorization: token ..." for Gitea and GitHub.
	authHeaderName   string
	authHeaderPrefix string
}

func newBaseClient(httpClient *http.Client, apiURL string, auth *config.AuthConfig) *baseClient {
	return &baseClient{
		httpClient:       httpClient,
		apiURL:           strings.TrimSuffix(apiURL, "/"),
		auth:             auth,
		authHeaderName:   "Authorization",
		authHeaderPrefix: "token ",
	}
}

// newRequest builds a request for a relative endpoint, preserving any base
// path in the API URL and any query string in the endpoint.
func (b *baseClient) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	clean := strings.TrimPrefix(endpoint, "/")
	var rawQuery string
	if idx := strings.Index(clean, "?"); idx != -1 {
		rawQuery = clean[idx+1:]
		clean = clean[:idx]
	}

	u, err := url.Parse(b.apiURL)
	if err != nil {
		return nil, fmt.Errorf("parse API URL %q: %w", b.apiURL, err)
	}
	// Keep %2F-encoded project paths intact: RawPath carries the escaped
	// form, Path its decoded counterpart.
	joined := path.Join(strings.TrimSuffix(u.Path, "/"), clean)
	u.RawPath = joined
	if unescaped, uerr := url.PathUnescape(joined); uerr == nil {
		u.Path = unescaped
	} else {
		u.Path = joined
	}
	if rawQuery != "" {
		u.RawQuery = rawQuery
	}

	var req *http.Request
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request %s %s: %w", method, u, err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("create request %s %s: %w", method, u, err)
		}
	}

	req.Header.Set("User-Agent", "reviewd/1.0")
	if b.auth != nil {
		switch b.auth.Type {
		case config.AuthTypeToken:
			req.Header.Set(b.authHeaderName, b.authHeaderPrefix+b.auth.Token)
		case config.AuthTypeBasic:
			req.SetBasicAuth(b.auth.Username, b.auth.Password)
		}
	}
	return req, nil
}

// doRequest executes req and decodes the JSON response into result when
// non-nil. HTTP errors map onto the package sentinels.
func (b *baseClient) doRequest(req *http.Request, result any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		detail := strings.ReplaceAll(string(tail), "\n", " ")
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s %s: %s: %w", req.Method, req.URL.Path, detail, ErrUnauthorized)
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotFound)
		default:
			return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, detail)
		}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

func (b *baseClient) get(ctx context.Context, endpoint string, result any) error {
	req, err := b.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return b.doRequest(req, result)
}

func (b *baseClient) post(ctx context.Context, endpoint string, body any) error {
	req, err := b.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	return b.doRequest(req, nil)
}
