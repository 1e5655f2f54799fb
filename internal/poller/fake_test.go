package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
)

// fakeClient is an in-memory RemoteClient that counts calls
type fakeClient struct {
	accountID string

	mu    sync.Mutex
	calls map[string]int

	user    *domain.User
	userErr error

	assigned    []domain.MergeRequest
	assignedErr error
	authored    []domain.MergeRequest
	authoredErr error
	reviewing   []domain.MergeRequest
	unassigned  map[int64][]domain.MergeRequest
	projects    map[int64]domain.Project
	active      []domain.Pipeline
	activeErr   error
	pipelines   map[int64][]domain.Pipeline
	releases    map[int64][]domain.Release
	deployments map[string]*domain.Deployment
	jobs        []domain.PipelineJob

	// panicOnMergeRequests makes the first scope fetch panic
	panicOnMergeRequests bool
	// started is closed on the first MergeRequests call; block then holds it
	started chan struct{}
	block   chan struct{}

	assignedUsers []domain.UserRef
	reviewerUsers []domain.UserRef

	quotaRemaining int
	quotaReset     time.Time
}

func newFakeClient(accountID string) *fakeClient {
	return &fakeClient{
		accountID:   accountID,
		calls:       make(map[string]int),
		user:        &domain.User{ID: 42, Username: "dev", Name: "Dev"},
		unassigned:  make(map[int64][]domain.MergeRequest),
		projects:    make(map[int64]domain.Project),
		pipelines:   make(map[int64][]domain.Pipeline),
		releases:    make(map[int64][]domain.Release),
		deployments: make(map[string]*domain.Deployment),

		quotaRemaining: -1,
	}
}

func (f *fakeClient) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeClient) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeClient) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeClient) AccountID() string { return f.accountID }

func (f *fakeClient) Quota() (int, time.Time) {
	f.record("Quota")
	return f.quotaRemaining, f.quotaReset
}

func (f *fakeClient) ValidateCredentials(ctx context.Context) (*domain.User, error) {
	f.record("ValidateCredentials")
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

func (f *fakeClient) CurrentUserID(ctx context.Context) (int64, error) {
	f.record("CurrentUserID")
	if f.userErr != nil {
		return 0, f.userErr
	}
	return f.user.ID, nil
}

func (f *fakeClient) ResolveUsers(ctx context.Context, refs []domain.UserRef) ([]int64, error) {
	f.record("ResolveUsers")
	ids := make([]int64, 0, len(refs))
	for _, r := range refs {
		if r.IsCurrentUser() {
			ids = append(ids, f.user.ID)
			continue
		}
		ids = append(ids, r.ID())
	}
	return ids, nil
}

func (f *fakeClient) MergeRequests(ctx context.Context, scope collector.Scope) ([]domain.MergeRequest, error) {
	f.record("MergeRequests")
	if scope == collector.ScopeAssignedToMe {
		if f.started != nil {
			f.mu.Lock()
			select {
			case <-f.started:
			default:
				close(f.started)
			}
			f.mu.Unlock()
		}
		if f.block != nil {
			<-f.block
		}
		if f.panicOnMergeRequests {
			panic("boom")
		}
		if f.assignedErr != nil {
			return nil, f.assignedErr
		}
		return withRole(f.assigned, domain.RoleAssignee), nil
	}
	if f.authoredErr != nil {
		return nil, f.authoredErr
	}
	return withRole(f.authored, domain.RoleAuthor), nil
}

func (f *fakeClient) ReviewerMergeRequests(ctx context.Context) ([]domain.MergeRequest, error) {
	f.record("ReviewerMergeRequests")
	return withRole(f.reviewing, domain.RoleReviewer), nil
}

func (f *fakeClient) UnassignedMergeRequests(ctx context.Context, projectID int64) ([]domain.MergeRequest, error) {
	f.record("UnassignedMergeRequests")
	return withRole(f.unassigned[projectID], domain.RoleUnassigned), nil
}

func (f *fakeClient) Project(ctx context.Context, projectID int64) (*domain.Project, error) {
	f.record("Project")
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil, apperrors.NewRemoteError(404, "404 Project Not Found", nil)
	}
	return &p, nil
}

func (f *fakeClient) RecentProjects(ctx context.Context) ([]domain.Project, error) {
	f.record("RecentProjects")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeClient) ActivePipelines(ctx context.Context) ([]domain.Pipeline, error) {
	f.record("ActivePipelines")
	if f.activeErr != nil {
		return nil, f.activeErr
	}
	return append([]domain.Pipeline(nil), f.active...), nil
}

func (f *fakeClient) Pipelines(ctx context.Context, projectID int64, status domain.PipelineStatus, limit int) ([]domain.Pipeline, error) {
	f.record("Pipelines")
	return append([]domain.Pipeline(nil), f.pipelines[projectID]...), nil
}

func (f *fakeClient) PipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]domain.PipelineJob, error) {
	f.record("PipelineJobs")
	return f.jobs, nil
}

func (f *fakeClient) PipelineUser(ctx context.Context, projectID, pipelineID int64) (*domain.User, error) {
	f.record("PipelineUser")
	return &domain.User{ID: 7, Username: "ci"}, nil
}

func (f *fakeClient) Releases(ctx context.Context, projectID int64, limit int) ([]domain.Release, error) {
	f.record("Releases")
	releases := f.releases[projectID]
	if len(releases) > limit {
		releases = releases[:limit]
	}
	return append([]domain.Release(nil), releases...), nil
}

func (f *fakeClient) DeploymentForTag(ctx context.Context, projectID int64, tagName string) (*domain.Deployment, error) {
	f.record("DeploymentForTag")
	return f.deployments[fmt.Sprintf("%d-%s", projectID, tagName)], nil
}

func (f *fakeClient) SearchProjects(ctx context.Context, query string) ([]domain.Project, error) {
	f.record("SearchProjects")
	return []domain.Project{{ID: 1, Name: query}}, nil
}

func (f *fakeClient) Groups(ctx context.Context) ([]domain.Group, error) {
	f.record("Groups")
	return []domain.Group{}, nil
}

func (f *fakeClient) GroupProjects(ctx context.Context, groupID int64) ([]domain.Project, error) {
	f.record("GroupProjects")
	return []domain.Project{}, nil
}

func (f *fakeClient) MergeRequestNotes(ctx context.Context, projectID, iid int64, limit int) ([]domain.Note, error) {
	f.record("MergeRequestNotes")
	return []domain.Note{{ID: 1, Body: fmt.Sprintf("limit %d", limit)}}, nil
}

func (f *fakeClient) ProjectMembers(ctx context.Context, projectID int64) ([]domain.User, error) {
	f.record("ProjectMembers")
	return []domain.User{*f.user}, nil
}

func (f *fakeClient) AssignMergeRequest(ctx context.Context, projectID, iid int64, users []domain.UserRef) error {
	f.record("AssignMergeRequest")
	f.mu.Lock()
	f.assignedUsers = users
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) AddReviewers(ctx context.Context, projectID, iid int64, users []domain.UserRef) error {
	f.record("AddReviewers")
	f.mu.Lock()
	f.reviewerUsers = users
	f.mu.Unlock()
	return nil
}

func withRole(mrs []domain.MergeRequest, role domain.UserRole) []domain.MergeRequest {
	out := make([]domain.MergeRequest, len(mrs))
	for i, mr := range mrs {
		mr.UserRole = role
		out[i] = mr
	}
	return out
}

var _ collector.RemoteClient = (*fakeClient)(nil)
