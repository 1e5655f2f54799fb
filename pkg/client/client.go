package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/notifier"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/poller"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
)

// Client is the API client for gitlab-activity-monitor
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			// a refresh may wait out one rate-limit backoff
			Timeout: 10 * time.Minute,
		},
	}
}

// APIError is an error response of the API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s - %s", e.Code, e.Message)
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return fmt.Errorf("unhealthy status: %s", response.Status)
	}
	return nil
}

// Snapshot retrieves the last published snapshot
func (c *Client) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	return dataOf[domain.Snapshot](ctx, c, http.MethodGet, "/api/v1/snapshot", nil, nil)
}

// Refresh runs a refresh cycle and returns its snapshot
func (c *Client) Refresh(ctx context.Context) (*domain.Snapshot, error) {
	return dataOf[domain.Snapshot](ctx, c, http.MethodPost, "/api/v1/refresh", nil, nil)
}

// RecalculateStatus reclassifies the current snapshot without fetching
func (c *Client) RecalculateStatus(ctx context.Context) (*domain.Snapshot, error) {
	return dataOf[domain.Snapshot](ctx, c, http.MethodPost, "/api/v1/status/recalculate", nil, nil)
}

// Notifications retrieves the latest delivered notifications, newest first
func (c *Client) Notifications(ctx context.Context) ([]notifier.Event, error) {
	events, err := dataOf[[]notifier.Event](ctx, c, http.MethodGet, "/api/v1/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	return *events, nil
}

// Dismiss hides an item from status computation
func (c *Client) Dismiss(ctx context.Context, kind string, id int64) (*domain.Snapshot, error) {
	path := fmt.Sprintf("/api/v1/dismissals/%s/%d", url.PathEscape(kind), id)
	return dataOf[domain.Snapshot](ctx, c, http.MethodPost, path, nil, nil)
}

// Restore undoes one dismissal
func (c *Client) Restore(ctx context.Context, kind string, id int64) (*domain.Snapshot, error) {
	path := fmt.Sprintf("/api/v1/dismissals/%s/%d", url.PathEscape(kind), id)
	return dataOf[domain.Snapshot](ctx, c, http.MethodDelete, path, nil, nil)
}

// RestoreAll clears every dismissal of one kind
func (c *Client) RestoreAll(ctx context.Context, kind string) (*domain.Snapshot, error) {
	path := "/api/v1/dismissals/" + url.PathEscape(kind)
	return dataOf[domain.Snapshot](ctx, c, http.MethodDelete, path, nil, nil)
}

// Preferences retrieves the stored preferences
func (c *Client) Preferences(ctx context.Context) (*preferences.Preferences, error) {
	return dataOf[preferences.Preferences](ctx, c, http.MethodGet, "/api/v1/preferences", nil, nil)
}

// UpdatePreferences applies a partial preference update
func (c *Client) UpdatePreferences(ctx context.Context, patch preferences.Patch) (*preferences.Preferences, error) {
	return dataOf[preferences.Preferences](ctx, c, http.MethodPut, "/api/v1/preferences", nil, patch)
}

// WatchProject adds a project to the watch list
func (c *Client) WatchProject(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/watched_projects/%d", projectID), nil, nil, nil)
}

// UnwatchProject removes a project from the watch list
func (c *Client) UnwatchProject(ctx context.Context, projectID int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/watched_projects/%d", projectID), nil, nil, nil)
}

// ListAccounts retrieves every configured account
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	accounts, err := dataOf[[]domain.Account](ctx, c, http.MethodGet, "/api/v1/accounts", nil, nil)
	if err != nil {
		return nil, err
	}
	return *accounts, nil
}

// AddAccount registers an account after the server validated its token
func (c *Client) AddAccount(ctx context.Context, input domain.AccountInput) (*domain.Account, error) {
	return dataOf[domain.Account](ctx, c, http.MethodPost, "/api/v1/accounts", nil, input)
}

// UpdateAccount renames or (de)activates an account
func (c *Client) UpdateAccount(ctx context.Context, id string, update poller.AccountUpdate) (*domain.Account, error) {
	return dataOf[domain.Account](ctx, c, http.MethodPatch, "/api/v1/accounts/"+url.PathEscape(id), nil, update)
}

// RemoveAccount deletes an account
func (c *Client) RemoveAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/accounts/"+url.PathEscape(id), nil, nil, nil)
}

// ValidateToken checks a token without storing it
func (c *Client) ValidateToken(ctx context.Context, instanceURL, token string) (*domain.User, error) {
	body := map[string]string{"instance_url": instanceURL, "token": token}
	return dataOf[domain.User](ctx, c, http.MethodPost, "/api/v1/accounts/validate", nil, body)
}

// SearchProjects searches the projects of an account
func (c *Client) SearchProjects(ctx context.Context, accountID, query string) ([]domain.Project, error) {
	params := url.Values{}
	if query != "" {
		params.Set("search", query)
	}
	projects, err := dataOf[[]domain.Project](ctx, c, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountID)+"/projects", params, nil)
	if err != nil {
		return nil, err
	}
	return *projects, nil
}

func mergeRequestPath(accountID string, projectID, iid int64, suffix string) string {
	return fmt.Sprintf("/api/v1/accounts/%s/projects/%d/merge_requests/%d/%s", url.PathEscape(accountID), projectID, iid, suffix)
}

type usersBody struct {
	UserIDs []int64 `json:"user_ids"`
	Me      bool    `json:"me"`
}

// AssignMergeRequest replaces the assignees of a merge request. Me adds the
// token owner.
func (c *Client) AssignMergeRequest(ctx context.Context, accountID string, projectID, iid int64, userIDs []int64, me bool) error {
	return c.do(ctx, http.MethodPut, mergeRequestPath(accountID, projectID, iid, "assignees"), nil, usersBody{UserIDs: userIDs, Me: me}, nil)
}

// AddReviewers adds reviewers to a merge request. Me adds the token owner.
func (c *Client) AddReviewers(ctx context.Context, accountID string, projectID, iid int64, userIDs []int64, me bool) error {
	return c.do(ctx, http.MethodPut, mergeRequestPath(accountID, projectID, iid, "reviewers"), nil, usersBody{UserIDs: userIDs, Me: me}, nil)
}

// MergeRequestNotes retrieves the latest human comments of a merge request
func (c *Client) MergeRequestNotes(ctx context.Context, accountID string, projectID, iid int64, limit int) ([]domain.Note, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	notes, err := dataOf[[]domain.Note](ctx, c, http.MethodGet, mergeRequestPath(accountID, projectID, iid, "notes"), params, nil)
	if err != nil {
		return nil, err
	}
	return *notes, nil
}

// dataOf performs a request and unwraps the {"data": ...} envelope
func dataOf[T any](ctx context.Context, c *Client, method, path string, params url.Values, body interface{}) (*T, error) {
	var response struct {
		Data T `json:"data"`
	}
	if err := c.do(ctx, method, path, params, body, &response); err != nil {
		return nil, err
	}
	return &response.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
