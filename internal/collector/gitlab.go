package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
)

const (
	// MaxListItems is the client-side cap on items returned by one listing call
	MaxListItems = 100

	defaultEnvironment = "production"
	maxResponseBytes   = 10 << 20
)

// ClientConfig tunes transport behaviour of a GitLab client
type ClientConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	DefaultRetryWait  time.Duration
	MaxRetryWait      time.Duration
	Logger            *slog.Logger
	// Sleep replaces the backoff wait; tests use it to avoid real sleeps
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultClientConfig returns the settings used when none are configured
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		DefaultRetryWait:  DefaultRetryWait,
		MaxRetryWait:      DefaultMaxRetryWait,
	}
}

// Client implements RemoteClient against the GitLab v4 REST API
type Client struct {
	accountID   string
	baseURL     string
	httpClient  *http.Client
	rateLimiter RateLimiter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	defaultWait time.Duration
	maxWait     time.Duration

	mu     sync.Mutex
	userID int64
}

// NewGitLabClient creates a client for one account
func NewGitLabClient(account domain.Account, token string, cfg ClientConfig) *Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	hc := oauth2.NewClient(context.Background(), ts)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc.Timeout = cfg.Timeout

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Client{
		accountID:   account.ID,
		baseURL:     APIBaseURL(account.InstanceURL),
		httpClient:  hc,
		rateLimiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:      logger.With("component", "collector", "account", account.ID),
		sleep:       sleep,
		defaultWait: cfg.DefaultRetryWait,
		maxWait:     cfg.MaxRetryWait,
	}
}

// APIBaseURL returns the v4 API root of an instance URL
func APIBaseURL(instanceURL string) string {
	return strings.TrimRight(strings.TrimSpace(instanceURL), "/") + "/api/v4"
}

// AccountID returns the account the client was built for
func (c *Client) AccountID() string {
	return c.accountID
}

// Quota returns the quota reported by the most recent response
func (c *Client) Quota() (int, time.Time) {
	remaining, reset, err := c.rateLimiter.CheckLimit()
	if err != nil {
		return -1, time.Time{}
	}
	return remaining, reset
}

// do sends one request, absorbing a single 429 through the backoff state machine
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) (http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode request body", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	b := newBackoff(c.defaultWait, c.maxWait)
	for {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, apperrors.NewRemoteError(0, fmt.Sprintf("%s %s cancelled", method, path), err)
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to build request", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperrors.NewRemoteError(0, fmt.Sprintf("%s %s failed", method, path), err)
		}
		c.updateRateLimitFromResponse(resp)

		if resp.StatusCode == http.StatusTooManyRequests {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			wait, ok := b.rateLimited(resp.Header.Get("Retry-After"))
			if !ok {
				return nil, apperrors.NewRateLimitedError(fmt.Sprintf("%s %s still rate limited after retry", method, path))
			}
			c.logger.Warn("rate limited, backing off", "path", path, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, apperrors.NewRemoteError(http.StatusTooManyRequests, "backoff interrupted", err)
			}
			b.retrying()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return nil, apperrors.NewRemoteError(resp.StatusCode, "failed to read response", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, apperrors.NewRemoteError(resp.StatusCode, remoteMessage(resp.StatusCode, data), nil)
		}

		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, apperrors.NewRemoteError(resp.StatusCode, "failed to decode response", err)
			}
		}
		return resp.Header, nil
	}
}

// remoteMessage extracts GitLab's error message from a failure body
func remoteMessage(status int, data []byte) string {
	var body struct {
		Message interface{} `json:"message"`
		Error   string      `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		switch m := body.Message.(type) {
		case string:
			if m != "" {
				return m
			}
		case nil:
		default:
			if encoded, err := json.Marshal(m); err == nil {
				return string(encoded)
			}
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}

// updateRateLimitFromResponse updates the quota from RateLimit-* headers
func (c *Client) updateRateLimitFromResponse(resp *http.Response) {
	remaining, err := strconv.Atoi(resp.Header.Get("RateLimit-Remaining"))
	if err != nil {
		return
	}
	var reset time.Time
	if secs, err := strconv.ParseInt(resp.Header.Get("RateLimit-Reset"), 10, 64); err == nil {
		reset = time.Unix(secs, 0)
	}
	c.rateLimiter.UpdateLimit(remaining, reset)
}

// fetchList follows X-Next-Page until limit items are collected, capped at MaxListItems
func fetchList[T any](ctx context.Context, c *Client, path string, query url.Values, limit int) ([]T, error) {
	if limit <= 0 || limit > MaxListItems {
		limit = MaxListItems
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("per_page", strconv.Itoa(limit))

	items := make([]T, 0)
	for {
		var page []T
		header, err := c.do(ctx, http.MethodGet, path, q, nil, &page)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(items) >= limit {
			return items[:limit], nil
		}

		next := strings.TrimSpace(header.Get("X-Next-Page"))
		if next == "" || len(page) == 0 {
			return items, nil
		}
		q.Set("page", next)
	}
}

// fetchOne retrieves a single resource
func fetchOne[T any](ctx context.Context, c *Client, path string, query url.Values) (*T, error) {
	var out T
	if _, err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateCredentials resolves the token owner and caches its user ID
func (c *Client) ValidateCredentials(ctx context.Context) (*domain.User, error) {
	user, err := fetchOne[domain.User](ctx, c, "/user", nil)
	if err != nil {
		if status := apperrors.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, apperrors.NewAuthError("token rejected by GitLab", err)
		}
		return nil, apperrors.NewAuthError("failed to validate token", err)
	}

	c.mu.Lock()
	c.userID = user.ID
	c.mu.Unlock()
	return user, nil
}

// CurrentUserID returns the cached token owner ID, resolving it on first use
func (c *Client) CurrentUserID(ctx context.Context) (int64, error) {
	c.mu.Lock()
	id := c.userID
	c.mu.Unlock()
	if id != 0 {
		return id, nil
	}

	user, err := c.ValidateCredentials(ctx)
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// ResolveUsers turns user references into concrete IDs.
// CurrentUser is resolved at most once per call.
func (c *Client) ResolveUsers(ctx context.Context, refs []domain.UserRef) ([]int64, error) {
	ids := make([]int64, 0, len(refs))
	var me int64
	for _, ref := range refs {
		if !ref.IsCurrentUser() {
			ids = append(ids, ref.ID())
			continue
		}
		if me == 0 {
			id, err := c.CurrentUserID(ctx)
			if err != nil {
				return nil, err
			}
			me = id
		}
		ids = append(ids, me)
	}
	return ids, nil
}

// MergeRequests retrieves open merge requests for one scope
func (c *Client) MergeRequests(ctx context.Context, scope Scope) ([]domain.MergeRequest, error) {
	query := url.Values{}
	query.Set("scope", string(scope))
	query.Set("state", string(domain.MergeRequestOpened))

	raw, err := fetchList[mergeRequestResponse](ctx, c, "/merge_requests", query, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s merge requests: %w", scope, err)
	}
	return c.toMergeRequests(raw, scope.Role()), nil
}

// ReviewerMergeRequests retrieves open merge requests where the user is a requested reviewer
func (c *Client) ReviewerMergeRequests(ctx context.Context) ([]domain.MergeRequest, error) {
	me, err := c.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("reviewer_id", strconv.FormatInt(me, 10))
	query.Set("scope", "all")
	query.Set("state", string(domain.MergeRequestOpened))

	raw, err := fetchList[mergeRequestResponse](ctx, c, "/merge_requests", query, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewer merge requests: %w", err)
	}
	return c.toMergeRequests(raw, domain.RoleReviewer), nil
}

// UnassignedMergeRequests retrieves open merge requests of a project that have no reviewer
func (c *Client) UnassignedMergeRequests(ctx context.Context, projectID int64) ([]domain.MergeRequest, error) {
	query := url.Values{}
	query.Set("state", string(domain.MergeRequestOpened))
	query.Set("reviewer_id", "None")

	raw, err := fetchList[mergeRequestResponse](ctx, c, fmt.Sprintf("/projects/%d/merge_requests", projectID), query, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to list unassigned merge requests for project %d: %w", projectID, err)
	}

	// the reviewer_id filter is not honoured by every GitLab version
	unreviewed := raw[:0]
	for _, mr := range raw {
		if len(mr.Reviewers) == 0 {
			unreviewed = append(unreviewed, mr)
		}
	}
	return c.toMergeRequests(unreviewed, domain.RoleUnassigned), nil
}

func (c *Client) toMergeRequests(raw []mergeRequestResponse, role domain.UserRole) []domain.MergeRequest {
	out := make([]domain.MergeRequest, 0, len(raw))
	for _, mr := range raw {
		out = append(out, c.toMergeRequest(mr, role))
	}
	return out
}

// Project retrieves a single project
func (c *Client) Project(ctx context.Context, projectID int64) (*domain.Project, error) {
	project, err := fetchOne[domain.Project](ctx, c, fmt.Sprintf("/projects/%d", projectID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %d: %w", projectID, err)
	}
	return project, nil
}

// RecentProjects retrieves the user's projects ordered by last activity
func (c *Client) RecentProjects(ctx context.Context) ([]domain.Project, error) {
	query := url.Values{}
	query.Set("membership", "true")
	query.Set("order_by", "last_activity_at")

	projects, err := fetchList[domain.Project](ctx, c, "/projects", query, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent projects: %w", err)
	}
	return projects, nil
}

// SearchProjects searches the user's projects by name
func (c *Client) SearchProjects(ctx context.Context, search string) ([]domain.Project, error) {
	query := url.Values{}
	query.Set("search", search)
	query.Set("membership", "true")
	query.Set("order_by", "last_activity_at")

	projects, err := fetchList[domain.Project](ctx, c, "/projects", query, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to search projects: %w", err)
	}
	return projects, nil
}

// Groups retrieves the groups the user belongs to
func (c *Client) Groups(ctx context.Context) ([]domain.Group, error) {
	query := url.Values{}
	query.Set("all_available", "false")

	groups, err := fetchList[domain.Group](ctx, c, "/groups", query, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// GroupProjects retrieves the projects of a group including subgroups
func (c *Client) GroupProjects(ctx context.Context, groupID int64) ([]domain.Project, error) {
	query := url.Values{}
	query.Set("include_subgroups", "true")

	projects, err := fetchList[domain.Project](ctx, c, fmt.Sprintf("/groups/%d/projects", groupID), query, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects of group %d: %w", groupID, err)
	}
	return projects, nil
}

// ActivePipelines retrieves running and pending pipelines across recent projects.
// A project whose pipelines cannot be listed is skipped.
func (c *Client) ActivePipelines(ctx context.Context) ([]domain.Pipeline, error) {
	projects, err := c.RecentProjects(ctx)
	if err != nil {
		return nil, err
	}

	var pipelines []domain.Pipeline
	for i := range projects {
		project := &projects[i]
		for _, status := range []domain.PipelineStatus{domain.PipelineRunning, domain.PipelinePending} {
			found, err := c.listPipelines(ctx, project.ID, status, 10, project)
			if err != nil {
				c.logger.Debug("skipping project pipelines", "project", project.ID, "status", status, "error", err)
				continue
			}
			pipelines = append(pipelines, found...)
		}
	}
	return pipelines, nil
}

// Pipelines retrieves the latest pipelines of a project, optionally filtered by status
func (c *Client) Pipelines(ctx context.Context, projectID int64, status domain.PipelineStatus, limit int) ([]domain.Pipeline, error) {
	return c.listPipelines(ctx, projectID, status, limit, nil)
}

func (c *Client) listPipelines(ctx context.Context, projectID int64, status domain.PipelineStatus, limit int, project *domain.Project) ([]domain.Pipeline, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", string(status))
	}

	raw, err := fetchList[pipelineResponse](ctx, c, fmt.Sprintf("/projects/%d/pipelines", projectID), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines for project %d: %w", projectID, err)
	}

	out := make([]domain.Pipeline, 0, len(raw))
	for _, p := range raw {
		out = append(out, c.toPipeline(p, project))
	}
	return out, nil
}

// PipelineJobs retrieves the jobs of a pipeline
func (c *Client) PipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]domain.PipelineJob, error) {
	raw, err := fetchList[jobResponse](ctx, c, fmt.Sprintf("/projects/%d/pipelines/%d/jobs", projectID, pipelineID), nil, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of pipeline %d: %w", pipelineID, err)
	}

	jobs := make([]domain.PipelineJob, 0, len(raw))
	for _, j := range raw {
		jobs = append(jobs, domain.PipelineJob{
			ID:         j.ID,
			Name:       j.Name,
			Stage:      j.Stage,
			Status:     j.Status,
			WebURL:     j.WebURL,
			Duration:   j.Duration,
			StartedAt:  j.StartedAt,
			FinishedAt: j.FinishedAt,
		})
	}
	return jobs, nil
}

// PipelineUser retrieves the user who triggered a pipeline
func (c *Client) PipelineUser(ctx context.Context, projectID, pipelineID int64) (*domain.User, error) {
	detail, err := fetchOne[pipelineDetailResponse](ctx, c, fmt.Sprintf("/projects/%d/pipelines/%d", projectID, pipelineID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline %d: %w", pipelineID, err)
	}
	return detail.User, nil
}

// Releases retrieves the most recent releases of a project
func (c *Client) Releases(ctx context.Context, projectID int64, limit int) ([]domain.Release, error) {
	query := url.Values{}
	query.Set("order_by", "released_at")
	query.Set("sort", "desc")

	raw, err := fetchList[releaseResponse](ctx, c, fmt.Sprintf("/projects/%d/releases", projectID), query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases for project %d: %w", projectID, err)
	}

	releases := make([]domain.Release, 0, len(raw))
	for _, r := range raw {
		releases = append(releases, c.toRelease(projectID, r))
	}
	return releases, nil
}

// DeploymentForTag finds a recent deployment of the given tag. It returns nil
// without error when none of the latest deployments match.
func (c *Client) DeploymentForTag(ctx context.Context, projectID int64, tagName string) (*domain.Deployment, error) {
	query := url.Values{}
	query.Set("order_by", "created_at")
	query.Set("sort", "desc")

	raw, err := fetchList[deploymentResponse](ctx, c, fmt.Sprintf("/projects/%d/deployments", projectID), query, 20)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments for project %d: %w", projectID, err)
	}

	for _, d := range raw {
		if d.Deployable == nil || !d.Deployable.Tag || d.Deployable.Ref != tagName {
			continue
		}
		env := defaultEnvironment
		webURL := ""
		if d.Environment != nil {
			if d.Environment.Name != "" {
				env = d.Environment.Name
			}
			webURL = d.Environment.ExternalURL
		}
		deployedAt := d.UpdatedAt
		return &domain.Deployment{
			ID:          d.ID,
			Status:      d.Status,
			Environment: env,
			DeployedAt:  &deployedAt,
			WebURL:      webURL,
		}, nil
	}
	return nil, nil
}

// MergeRequestNotes retrieves the latest human comments of a merge request
func (c *Client) MergeRequestNotes(ctx context.Context, projectID, iid int64, limit int) ([]domain.Note, error) {
	query := url.Values{}
	query.Set("order_by", "created_at")
	query.Set("sort", "desc")

	raw, err := fetchList[noteResponse](ctx, c, fmt.Sprintf("/projects/%d/merge_requests/%d/notes", projectID, iid), query, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes of merge request %d: %w", iid, err)
	}

	notes := make([]domain.Note, 0, len(raw))
	for _, n := range raw {
		if n.System {
			continue
		}
		notes = append(notes, domain.Note{ID: n.ID, Body: n.Body, Author: n.Author, CreatedAt: n.CreatedAt})
		if limit > 0 && len(notes) == limit {
			break
		}
	}
	return notes, nil
}

// ProjectMembers retrieves the members of a project, inherited ones included
func (c *Client) ProjectMembers(ctx context.Context, projectID int64) ([]domain.User, error) {
	members, err := fetchList[domain.User](ctx, c, fmt.Sprintf("/projects/%d/members/all", projectID), nil, MaxListItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of project %d: %w", projectID, err)
	}
	return members, nil
}

// AssignMergeRequest replaces the assignees of a merge request
func (c *Client) AssignMergeRequest(ctx context.Context, projectID, iid int64, users []domain.UserRef) error {
	ids, err := c.ResolveUsers(ctx, users)
	if err != nil {
		return err
	}

	body := map[string][]int64{"assignee_ids": ids}
	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid), nil, body, nil); err != nil {
		return fmt.Errorf("failed to assign merge request %d: %w", iid, err)
	}
	return nil
}

// AddReviewers adds reviewers to a merge request, keeping existing ones
func (c *Client) AddReviewers(ctx context.Context, projectID, iid int64, users []domain.UserRef) error {
	ids, err := c.ResolveUsers(ctx, users)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/projects/%d/merge_requests/%d", projectID, iid)
	current, err := fetchOne[mergeRequestResponse](ctx, c, path, nil)
	if err != nil {
		return fmt.Errorf("failed to get merge request %d: %w", iid, err)
	}

	seen := make(map[int64]struct{}, len(current.Reviewers)+len(ids))
	reviewerIDs := make([]int64, 0, len(current.Reviewers)+len(ids))
	for _, r := range current.Reviewers {
		if _, ok := seen[r.ID]; !ok {
			seen[r.ID] = struct{}{}
			reviewerIDs = append(reviewerIDs, r.ID)
		}
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			reviewerIDs = append(reviewerIDs, id)
		}
	}

	body := map[string][]int64{"reviewer_ids": reviewerIDs}
	if _, err := c.do(ctx, http.MethodPut, path, nil, body, nil); err != nil {
		return fmt.Errorf("failed to add reviewers to merge request %d: %w", iid, err)
	}
	return nil
}

var _ RemoteClient = (*Client)(nil)
