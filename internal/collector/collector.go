package collector

import (
	"context"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// Scope selects which merge requests /merge_requests returns for the token owner
type Scope string

const (
	ScopeAssignedToMe Scope = "assigned_to_me"
	ScopeCreatedByMe  Scope = "created_by_me"
)

// Role returns the user role a scope implies
func (s Scope) Role() domain.UserRole {
	if s == ScopeCreatedByMe {
		return domain.RoleAuthor
	}
	return domain.RoleAssignee
}

// RemoteClient defines the operations available against one account's GitLab instance
type RemoteClient interface {
	// AccountID returns the account the client was built for
	AccountID() string

	// Quota returns the last RateLimit-Remaining and RateLimit-Reset the
	// server reported; remaining is -1 before any response carried them
	Quota() (remaining int, reset time.Time)

	// ValidateCredentials resolves the token owner and caches its user ID
	ValidateCredentials(ctx context.Context) (*domain.User, error)

	// CurrentUserID returns the cached token owner ID, resolving it on first use
	CurrentUserID(ctx context.Context) (int64, error)

	// ResolveUsers turns user references into concrete IDs
	ResolveUsers(ctx context.Context, refs []domain.UserRef) ([]int64, error)

	// MergeRequests retrieves open merge requests for one scope
	MergeRequests(ctx context.Context, scope Scope) ([]domain.MergeRequest, error)

	// ReviewerMergeRequests retrieves open merge requests where the user is a requested reviewer
	ReviewerMergeRequests(ctx context.Context) ([]domain.MergeRequest, error)

	// UnassignedMergeRequests retrieves open merge requests of a project that have no reviewer
	UnassignedMergeRequests(ctx context.Context, projectID int64) ([]domain.MergeRequest, error)

	// Project retrieves a single project
	Project(ctx context.Context, projectID int64) (*domain.Project, error)

	// RecentProjects retrieves the user's projects ordered by last activity
	RecentProjects(ctx context.Context) ([]domain.Project, error)

	// ActivePipelines retrieves running and pending pipelines across recent projects
	ActivePipelines(ctx context.Context) ([]domain.Pipeline, error)

	// Pipelines retrieves the latest pipelines of a project, optionally filtered by status
	Pipelines(ctx context.Context, projectID int64, status domain.PipelineStatus, limit int) ([]domain.Pipeline, error)

	// PipelineJobs retrieves the jobs of a pipeline
	PipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]domain.PipelineJob, error)

	// PipelineUser retrieves the user who triggered a pipeline
	PipelineUser(ctx context.Context, projectID, pipelineID int64) (*domain.User, error)

	// Releases retrieves the most recent releases of a project
	Releases(ctx context.Context, projectID int64, limit int) ([]domain.Release, error)

	// DeploymentForTag finds a recent deployment of the given tag
	DeploymentForTag(ctx context.Context, projectID int64, tagName string) (*domain.Deployment, error)

	// SearchProjects searches the user's projects by name
	SearchProjects(ctx context.Context, query string) ([]domain.Project, error)

	// Groups retrieves the groups the user belongs to
	Groups(ctx context.Context) ([]domain.Group, error)

	// GroupProjects retrieves the projects of a group including subgroups
	GroupProjects(ctx context.Context, groupID int64) ([]domain.Project, error)

	// MergeRequestNotes retrieves the latest human comments of a merge request
	MergeRequestNotes(ctx context.Context, projectID, iid int64, limit int) ([]domain.Note, error)

	// ProjectMembers retrieves the members of a project, inherited ones included
	ProjectMembers(ctx context.Context, projectID int64) ([]domain.User, error)

	// AssignMergeRequest replaces the assignees of a merge request
	AssignMergeRequest(ctx context.Context, projectID, iid int64, users []domain.UserRef) error

	// AddReviewers adds reviewers to a merge request, keeping existing ones
	AddReviewers(ctx context.Context, projectID, iid int64, users []domain.UserRef) error
}
