package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/notifier"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/poller"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
)

// Monitor is the polling service as seen by the HTTP surface
type Monitor interface {
	Current() domain.Snapshot
	RefreshNow(ctx context.Context) domain.Snapshot
	RecalculateStatus(ctx context.Context) (domain.Snapshot, error)
	RecentNotifications() []notifier.Event

	Dismiss(ctx context.Context, kind domain.ItemKind, id int64) (domain.Snapshot, error)
	Restore(ctx context.Context, kind domain.ItemKind, id int64) (domain.Snapshot, error)
	RestoreAll(ctx context.Context, kind domain.ItemKind) (domain.Snapshot, error)

	Preferences(ctx context.Context) (preferences.Preferences, error)
	UpdatePreferences(ctx context.Context, patch preferences.Patch) (preferences.Preferences, error)
	WatchProject(ctx context.Context, projectID int64) error
	UnwatchProject(ctx context.Context, projectID int64) error

	ListAccounts(ctx context.Context) ([]domain.Account, error)
	AddAccount(ctx context.Context, input domain.AccountInput) (*domain.Account, error)
	UpdateAccount(ctx context.Context, id string, update poller.AccountUpdate) (*domain.Account, error)
	UpdateToken(ctx context.Context, id, token string) error
	RemoveAccount(ctx context.Context, id string) error
	ValidateToken(ctx context.Context, instanceURL, token string) (*domain.User, error)

	SearchProjects(ctx context.Context, accountID, query string) ([]domain.Project, error)
	Groups(ctx context.Context, accountID string) ([]domain.Group, error)
	GroupProjects(ctx context.Context, accountID string, groupID int64) ([]domain.Project, error)
	ProjectMembers(ctx context.Context, accountID string, projectID int64) ([]domain.User, error)
	AssignMergeRequest(ctx context.Context, accountID string, projectID, iid int64, users []domain.UserRef) error
	AddReviewers(ctx context.Context, accountID string, projectID, iid int64, users []domain.UserRef) error
	MergeRequestNotes(ctx context.Context, accountID string, projectID, iid int64, limit int) ([]domain.Note, error)
}

// Handler handles API requests
type Handler struct {
	monitor Monitor
}

// NewHandler creates a new API handler
func NewHandler(monitor Monitor) *Handler {
	return &Handler{
		monitor: monitor,
	}
}

// HealthCheck returns the health status of the API
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// GetSnapshot returns the last published snapshot
// GET /api/v1/snapshot
func (h *Handler) GetSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": h.monitor.Current(),
	})
}

// Refresh runs a refresh cycle, or returns the current snapshot when one is in flight
// POST /api/v1/refresh
func (h *Handler) Refresh(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": h.monitor.RefreshNow(c.Request.Context()),
	})
}

// RecalculateStatus reclassifies the current snapshot without fetching
// POST /api/v1/status/recalculate
func (h *Handler) RecalculateStatus(c *gin.Context) {
	snap, err := h.monitor.RecalculateStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snap,
	})
}

// GetNotifications returns the latest delivered notifications, newest first
// GET /api/v1/notifications
func (h *Handler) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": h.monitor.RecentNotifications(),
	})
}

// Dismiss hides one item from status computation
// POST /api/v1/dismissals/:kind/:id
func (h *Handler) Dismiss(c *gin.Context) {
	kind, id, ok := parseItem(c)
	if !ok {
		return
	}

	snap, err := h.monitor.Dismiss(c.Request.Context(), kind, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snap,
	})
}

// Restore undoes one dismissal
// DELETE /api/v1/dismissals/:kind/:id
func (h *Handler) Restore(c *gin.Context) {
	kind, id, ok := parseItem(c)
	if !ok {
		return
	}

	snap, err := h.monitor.Restore(c.Request.Context(), kind, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snap,
	})
}

// RestoreAll clears every dismissal of one kind
// DELETE /api/v1/dismissals/:kind
func (h *Handler) RestoreAll(c *gin.Context) {
	kind, ok := parseKind(c)
	if !ok {
		return
	}

	snap, err := h.monitor.RestoreAll(c.Request.Context(), kind)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": snap,
	})
}

// GetPreferences returns the stored preferences
// GET /api/v1/preferences
func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, err := h.monitor.Preferences(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": prefs,
	})
}

// UpdatePreferences applies a partial preference update
// PUT /api/v1/preferences
func (h *Handler) UpdatePreferences(c *gin.Context) {
	var patch preferences.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, apperrors.NewBadRequestError("invalid preferences: "+err.Error()))
		return
	}

	prefs, err := h.monitor.UpdatePreferences(c.Request.Context(), patch)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": prefs,
	})
}

// WatchProject adds a project to the watch list
// POST /api/v1/watched_projects/:id
func (h *Handler) WatchProject(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.monitor.WatchProject(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// UnwatchProject removes a project from the watch list
// DELETE /api/v1/watched_projects/:id
func (h *Handler) UnwatchProject(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.monitor.UnwatchProject(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// parseKind reads the :kind path parameter
func parseKind(c *gin.Context) (domain.ItemKind, bool) {
	kind, ok := domain.ParseItemKind(c.Param("kind"))
	if !ok {
		respondError(c, apperrors.NewBadRequestError("unknown item kind "+strconv.Quote(c.Param("kind"))))
		return "", false
	}
	return kind, true
}

// parseItem reads the :kind and :id path parameters
func parseItem(c *gin.Context) (domain.ItemKind, int64, bool) {
	kind, ok := parseKind(c)
	if !ok {
		return "", 0, false
	}
	id, ok := parseIDParam(c, "id")
	if !ok {
		return "", 0, false
	}
	return kind, id, true
}

// parseIDParam reads a positive integer path parameter
func parseIDParam(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperrors.NewBadRequestError("invalid "+name+" "+strconv.Quote(raw)))
		return 0, false
	}
	return id, true
}

// parseIntParam parses an integer query parameter with a default value
func parseIntParam(c *gin.Context, name string, defaultValue int) int {
	str := c.Query(name)
	if str == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(str)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// respondError sends an error response
func respondError(c *gin.Context, err error) {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    apperrors.ErrCodeInternal,
				"message": err.Error(),
			},
		})
		return
	}

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case apperrors.ErrCodeBadRequest:
		status = http.StatusBadRequest
	case apperrors.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case apperrors.ErrCodeRemote:
		status = http.StatusBadGateway
	case apperrors.ErrCodeCycle:
		status = http.StatusServiceUnavailable
	}

	var appErr *apperrors.AppError
	message := err.Error()
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}
