// Package githost talks to the GitHub REST API on behalf of workflows. All
// write operations must go through the Gated wrapper, which enforces the
// human approval gate.
package githost

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// APIError is a non-2xx response from the code host.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

const (
	defaultAPIBase = "https://api.github.com"

	// maxResponseSize bounds API response reads.
	maxResponseSize = 20 * 1024 * 1024

	// GitHub's secondary rate limits bite well before the documented 5000/h;
	// 5 rps with a small burst stays comfortably under them.
	defaultRPS   = 5
	defaultBurst = 10
)

// Branch is a ref with its head commit.
type Branch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// TreeEntry is one path in a repository tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "blob" or "tree"
	Size int64  `json:"size"`
	SHA  string `json:"sha"`
}

// FileContents is a file fetched from the repository.
type FileContents struct {
	Path    string `json:"path"`
	SHA     string `json:"sha"`
	Content []byte `json:"-"`
}

// PullRequest is an opened or fetched pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	URL     string `json:"html_url"`
	State   string `json:"state"`
	Head    string `json:"head"`
	Title   string `json:"title"`
	Merged  bool   `json:"merged"`
	HeadSHA string `json:"head_sha"`
}

// WorkflowRun is one CI run on a branch.
type WorkflowRun struct {
	ID         int64  `json:"id"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, cancelled, ...
	HeadSHA    string `json:"head_sha"`
	HeadBranch string `json:"head_branch"`
}

// WorkflowJob is one job inside a CI run.
type WorkflowJob struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Reader is the read surface of the code host.
type Reader interface {
	GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error)
	GetTree(ctx context.Context, owner, repo, sha string) ([]TreeEntry, error)
	GetFileContents(ctx context.Context, owner, repo, path, ref string) (*FileContents, error)
	ListWorkflowRuns(ctx context.Context, owner, repo, branch string) ([]WorkflowRun, error)
	GetWorkflowRunJobs(ctx context.Context, owner, repo string, runID int64) ([]WorkflowJob, error)
}

// Writer is the write surface of the code host. Callers hold a Gated, never
// a bare Writer.
type Writer interface {
	CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error
	UpdateFile(ctx context.Context, owner, repo string, change FileChange) error
	DeleteFile(ctx context.Context, owner, repo string, change FileChange) error
	OpenPullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error)
	DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string) error
}

// FileChange describes one file write on a branch.
type FileChange struct {
	Path    string
	Branch  string
	Content []byte
	Message string
	// SHA is the known blob sha when updating or deleting an existing file;
	// empty creates the file.
	SHA string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Client is a GitHub REST client with client-side rate limiting and
// request coalescing on reads.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	group      singleflight.Group
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIBase points the client at a GitHub Enterprise or test server.
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a GitHub client authenticated with a token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		apiBase: defaultAPIBase,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetBranch fetches a branch head. Concurrent identical reads are coalesced.
func (c *Client) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	key := fmt.Sprintf("branch/%s/%s/%s", owner, repo, branch)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var resp struct {
			Name   string `json:"name"`
			Commit struct {
				SHA string `json:"sha"`
			} `json:"commit"`
		}
		path := fmt.Sprintf("/repos/%s/%s/branches/%s", owner, repo, branch)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		return &Branch{Name: resp.Name, SHA: resp.Commit.SHA}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Branch), nil
}

// GetTree lists the full repository tree at a commit.
func (c *Client) GetTree(ctx context.Context, owner, repo, sha string) ([]TreeEntry, error) {
	key := fmt.Sprintf("tree/%s/%s/%s", owner, repo, sha)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var resp struct {
			Tree      []TreeEntry `json:"tree"`
			Truncated bool        `json:"truncated"`
		}
		path := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, repo, sha)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Truncated {
			c.logger.Warn("tree listing truncated", "owner", owner, "repo", repo, "sha", sha)
		}
		return resp.Tree, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]TreeEntry), nil
}

// GetFileContents fetches and decodes one file at a ref.
func (c *Client) GetFileContents(ctx context.Context, owner, repo, path, ref string) (*FileContents, error) {
	key := fmt.Sprintf("contents/%s/%s/%s@%s", owner, repo, path, ref)
	v, err, _ := c.group.Do(key, func() (any, error) {
		var resp struct {
			Path     string `json:"path"`
			SHA      string `json:"sha"`
			Content  string `json:"content"`
			Encoding string `json:"encoding"`
		}
		apiPath := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, path, ref)
		if err := c.do(ctx, http.MethodGet, apiPath, nil, &resp); err != nil {
			return nil, err
		}
		if resp.Encoding != "base64" {
			return nil, fmt.Errorf("unexpected content encoding %q for %s", resp.Encoding, path)
		}
		decoded, err := base64.StdEncoding.DecodeString(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return &FileContents{Path: resp.Path, SHA: resp.SHA, Content: decoded}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*FileContents), nil
}

// ListWorkflowRuns lists CI runs on a branch, newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, branch string) ([]WorkflowRun, error) {
	var resp struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?branch=%s", owner, repo, branch)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.WorkflowRuns, nil
}

// GetWorkflowRunJobs lists the jobs of one CI run.
func (c *Client) GetWorkflowRunJobs(ctx context.Context, owner, repo string, runID int64) ([]WorkflowJob, error) {
	var resp struct {
		Jobs []WorkflowJob `json:"jobs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs", owner, repo, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CreateBranch creates a ref pointing at fromSHA. A ref that already exists
// is accepted so re-delivered apply jobs converge instead of failing; the
// branch head may have advanced past fromSHA when an earlier delivery
// already pushed commits to it.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) error {
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": fromSHA,
	}
	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	err := c.do(ctx, http.MethodPost, path, body, nil)
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		return err
	}
	existing, getErr := c.GetBranch(ctx, owner, repo, branch)
	if getErr != nil {
		return err
	}
	c.logger.Info("branch already exists, reusing",
		"owner", owner, "repo", repo, "branch", branch, "sha", existing.SHA)
	return nil
}

// UpdateFile creates or updates one file on a branch via the contents API.
func (c *Client) UpdateFile(ctx context.Context, owner, repo string, change FileChange) error {
	body := map[string]string{
		"message": change.Message,
		"content": base64.StdEncoding.EncodeToString(change.Content),
		"branch":  change.Branch,
	}
	if change.SHA != "" {
		body["sha"] = change.SHA
	}
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, change.Path)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// DeleteFile removes one file on a branch. The known blob sha is required.
func (c *Client) DeleteFile(ctx context.Context, owner, repo string, change FileChange) error {
	if change.SHA == "" {
		return fmt.Errorf("delete %s: blob sha is required", change.Path)
	}
	body := map[string]string{
		"message": change.Message,
		"sha":     change.SHA,
		"branch":  change.Branch,
	}
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, change.Path)
	return c.do(ctx, http.MethodDelete, path, body, nil)
}

// OpenPullRequest opens a PR from head to base. If an open PR for the head
// branch already exists it is returned instead, so re-delivered apply jobs
// don't open duplicates.
func (c *Client) OpenPullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	existing, err := c.findOpenPR(ctx, owner, repo, pr.Head)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.logger.Info("pull request already open for head, reusing",
			"owner", owner, "repo", repo, "head", pr.Head, "number", existing.Number)
		return existing, nil
	}

	body := map[string]string{
		"title": pr.Title,
		"body":  pr.Body,
		"head":  pr.Head,
		"base":  pr.Base,
	}
	var resp prResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.toPullRequest(), nil
}

// DispatchWorkflow triggers a workflow_dispatch event for a workflow file.
func (c *Client) DispatchWorkflow(ctx context.Context, owner, repo, workflowFile, ref string) error {
	body := map[string]string{"ref": ref}
	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", owner, repo, workflowFile)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

type prResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
	Title   string `json:"title"`
	Merged  bool   `json:"merged"`
	Head    struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
}

func (p *prResponse) toPullRequest() *PullRequest {
	return &PullRequest{
		Number:  p.Number,
		URL:     p.HTMLURL,
		State:   p.State,
		Title:   p.Title,
		Merged:  p.Merged,
		Head:    p.Head.Ref,
		HeadSHA: p.Head.SHA,
	}
}

func (c *Client) findOpenPR(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	var resp []prResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open&head=%s:%s", owner, repo, owner, head)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, nil
	}
	return resp[0].toPullRequest(), nil
}

// do executes one rate-limited API request and decodes the response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
