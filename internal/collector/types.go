package collector

import (
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// Wire types mirror the fields we read from GitLab's v4 JSON.

type mergeRequestResponse struct {
	ID             int64                    `json:"id"`
	IID            int64                    `json:"iid"`
	Title          string                   `json:"title"`
	Description    string                   `json:"description"`
	WebURL         string                   `json:"web_url"`
	ProjectID      int64                    `json:"project_id"`
	Author         domain.User              `json:"author"`
	State          domain.MergeRequestState `json:"state"`
	Draft          bool                     `json:"draft"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	SourceBranch   string                   `json:"source_branch"`
	TargetBranch   string                   `json:"target_branch"`
	MergeStatus    string                   `json:"merge_status"`
	HasConflicts   bool                     `json:"has_conflicts"`
	Reviewers      []domain.User            `json:"reviewers"`
	Assignees      []domain.User            `json:"assignees"`
	UserNotesCount int                      `json:"user_notes_count"`
}

type pipelineResponse struct {
	ID         int64                 `json:"id"`
	Status     domain.PipelineStatus `json:"status"`
	Ref        string                `json:"ref"`
	SHA        string                `json:"sha"`
	WebURL     string                `json:"web_url"`
	ProjectID  int64                 `json:"project_id"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	StartedAt  *time.Time            `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at"`
	Duration   *float64              `json:"duration"`
	Source     string                `json:"source"`
}

type pipelineDetailResponse struct {
	ID   int64        `json:"id"`
	User *domain.User `json:"user"`
}

type jobResponse struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url"`
	Duration   *float64   `json:"duration"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type releaseResponse struct {
	TagName     string      `json:"tag_name"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ReleasedAt  time.Time   `json:"released_at"`
	CreatedAt   time.Time   `json:"created_at"`
	Author      domain.User `json:"author"`
	Links       struct {
		Self string `json:"self"`
	} `json:"_links"`
}

type deploymentResponse struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Environment *struct {
		Name        string `json:"name"`
		ExternalURL string `json:"external_url"`
	} `json:"environment"`
	Deployable *struct {
		ID  int64  `json:"id"`
		Ref string `json:"ref"`
		Tag bool   `json:"tag"`
	} `json:"deployable"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type noteResponse struct {
	ID        int64       `json:"id"`
	Body      string      `json:"body"`
	System    bool        `json:"system"`
	Author    domain.User `json:"author"`
	CreatedAt string      `json:"created_at"`
}

func (c *Client) toMergeRequest(mr mergeRequestResponse, role domain.UserRole) domain.MergeRequest {
	reviewers := mr.Reviewers
	if reviewers == nil {
		reviewers = []domain.User{}
	}
	assignees := mr.Assignees
	if assignees == nil {
		assignees = []domain.User{}
	}
	return domain.MergeRequest{
		ID:             mr.ID,
		IID:            mr.IID,
		Title:          mr.Title,
		Description:    mr.Description,
		WebURL:         mr.WebURL,
		ProjectID:      mr.ProjectID,
		Author:         mr.Author,
		UserRole:       role,
		AccountID:      c.accountID,
		State:          mr.State,
		Draft:          mr.Draft,
		CreatedAt:      mr.CreatedAt,
		UpdatedAt:      mr.UpdatedAt,
		SourceBranch:   mr.SourceBranch,
		TargetBranch:   mr.TargetBranch,
		MergeStatus:    mr.MergeStatus,
		HasConflicts:   mr.HasConflicts,
		Reviewers:      reviewers,
		Assignees:      assignees,
		UserNotesCount: mr.UserNotesCount,
	}
}

func (c *Client) toPipeline(p pipelineResponse, project *domain.Project) domain.Pipeline {
	out := domain.Pipeline{
		ID:         p.ID,
		Status:     p.Status,
		Ref:        p.Ref,
		SHA:        p.SHA,
		WebURL:     p.WebURL,
		ProjectID:  p.ProjectID,
		AccountID:  c.accountID,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
		Duration:   p.Duration,
		Source:     p.Source,
	}
	if project != nil {
		out.ProjectName = project.Name
		out.ProjectPath = project.PathWithNamespace
	}
	return out
}

func (c *Client) toRelease(projectID int64, r releaseResponse) domain.Release {
	name := r.Name
	if name == "" {
		name = r.TagName
	}
	return domain.Release{
		ID:          domain.ReleaseID(projectID, r.TagName),
		TagName:     r.TagName,
		Name:        name,
		Description: r.Description,
		ReleasedAt:  r.ReleasedAt,
		CreatedAt:   r.CreatedAt,
		WebURL:      r.Links.Self,
		ProjectID:   projectID,
		Author:      r.Author,
		AccountID:   c.accountID,
	}
}
