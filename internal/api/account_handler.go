package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/poller"
)

type validateTokenRequest struct {
	InstanceURL string `json:"instance_url" binding:"required"`
	Token       string `json:"token" binding:"required"`
}

type updateTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// usersRequest names users for assignment; Me adds the token owner
type usersRequest struct {
	UserIDs []int64 `json:"user_ids"`
	Me      bool    `json:"me"`
}

func (r usersRequest) refs() []domain.UserRef {
	refs := make([]domain.UserRef, 0, len(r.UserIDs)+1)
	if r.Me {
		refs = append(refs, domain.CurrentUser())
	}
	for _, id := range r.UserIDs {
		refs = append(refs, domain.Explicit(id))
	}
	return refs
}

// ListAccounts returns every configured account
// GET /api/v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.monitor.ListAccounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": accounts,
	})
}

// AddAccount validates a token and registers the account
// POST /api/v1/accounts
func (h *Handler) AddAccount(c *gin.Context) {
	var input domain.AccountInput
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, apperrors.NewBadRequestError("invalid account: "+err.Error()))
		return
	}

	account, err := h.monitor.AddAccount(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"data": account,
	})
}

// UpdateAccount renames or (de)activates an account
// PATCH /api/v1/accounts/:id
func (h *Handler) UpdateAccount(c *gin.Context) {
	var update poller.AccountUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondError(c, apperrors.NewBadRequestError("invalid account update: "+err.Error()))
		return
	}

	account, err := h.monitor.UpdateAccount(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": account,
	})
}

// UpdateToken replaces the token of an account
// PUT /api/v1/accounts/:id/token
func (h *Handler) UpdateToken(c *gin.Context) {
	var req updateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError("token is required"))
		return
	}

	if err := h.monitor.UpdateToken(c.Request.Context(), c.Param("id"), req.Token); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// RemoveAccount deletes an account
// DELETE /api/v1/accounts/:id
func (h *Handler) RemoveAccount(c *gin.Context) {
	if err := h.monitor.RemoveAccount(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// ValidateToken checks a token without storing it
// POST /api/v1/accounts/validate
func (h *Handler) ValidateToken(c *gin.Context) {
	var req validateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError("instance_url and token are required"))
		return
	}

	user, err := h.monitor.ValidateToken(c.Request.Context(), req.InstanceURL, req.Token)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": user,
	})
}

// SearchProjects searches the projects of an account
// GET /api/v1/accounts/:id/projects?search=
func (h *Handler) SearchProjects(c *gin.Context) {
	projects, err := h.monitor.SearchProjects(c.Request.Context(), c.Param("id"), c.Query("search"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": projects,
	})
}

// GetGroups lists the groups of an account
// GET /api/v1/accounts/:id/groups
func (h *Handler) GetGroups(c *gin.Context) {
	groups, err := h.monitor.Groups(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": groups,
	})
}

// GetGroupProjects lists the projects of a group
// GET /api/v1/accounts/:id/groups/:group/projects
func (h *Handler) GetGroupProjects(c *gin.Context) {
	groupID, ok := parseIDParam(c, "group")
	if !ok {
		return
	}

	projects, err := h.monitor.GroupProjects(c.Request.Context(), c.Param("id"), groupID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": projects,
	})
}

// GetProjectMembers lists the members of a project
// GET /api/v1/accounts/:id/projects/:project/members
func (h *Handler) GetProjectMembers(c *gin.Context) {
	projectID, ok := parseIDParam(c, "project")
	if !ok {
		return
	}

	members, err := h.monitor.ProjectMembers(c.Request.Context(), c.Param("id"), projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": members,
	})
}

// parseMergeRequest reads the :project and :iid path parameters
func parseMergeRequest(c *gin.Context) (projectID, iid int64, ok bool) {
	if projectID, ok = parseIDParam(c, "project"); !ok {
		return 0, 0, false
	}
	if iid, ok = parseIDParam(c, "iid"); !ok {
		return 0, 0, false
	}
	return projectID, iid, true
}

func bindUsers(c *gin.Context) ([]domain.UserRef, bool) {
	var req usersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError("invalid users: "+err.Error()))
		return nil, false
	}
	refs := req.refs()
	if len(refs) == 0 {
		respondError(c, apperrors.NewBadRequestError("at least one user is required"))
		return nil, false
	}
	return refs, true
}

// AssignMergeRequest replaces the assignees of a merge request
// PUT /api/v1/accounts/:id/projects/:project/merge_requests/:iid/assignees
func (h *Handler) AssignMergeRequest(c *gin.Context) {
	projectID, iid, ok := parseMergeRequest(c)
	if !ok {
		return
	}
	users, ok := bindUsers(c)
	if !ok {
		return
	}

	if err := h.monitor.AssignMergeRequest(c.Request.Context(), c.Param("id"), projectID, iid, users); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// AddReviewers adds reviewers to a merge request
// PUT /api/v1/accounts/:id/projects/:project/merge_requests/:iid/reviewers
func (h *Handler) AddReviewers(c *gin.Context) {
	projectID, iid, ok := parseMergeRequest(c)
	if !ok {
		return
	}
	users, ok := bindUsers(c)
	if !ok {
		return
	}

	if err := h.monitor.AddReviewers(c.Request.Context(), c.Param("id"), projectID, iid, users); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetMergeRequestNotes returns the latest human comments of a merge request
// GET /api/v1/accounts/:id/projects/:project/merge_requests/:iid/notes
func (h *Handler) GetMergeRequestNotes(c *gin.Context) {
	projectID, iid, ok := parseMergeRequest(c)
	if !ok {
		return
	}
	limit := parseIntParam(c, "limit", poller.DefaultNotesLimit)

	notes, err := h.monitor.MergeRequestNotes(c.Request.Context(), c.Param("id"), projectID, iid, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": notes,
	})
}
