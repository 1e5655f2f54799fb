package domain

import "time"

// UserRole is the relationship between the authenticated user and a merge request
type UserRole string

const (
	RoleAuthor     UserRole = "author"
	RoleAssignee   UserRole = "assignee"
	RoleReviewer   UserRole = "reviewer"
	RoleMentioned  UserRole = "mentioned"
	RoleUnassigned UserRole = "unassigned"
)

// MergeRequestState is the lifecycle state of a merge request
type MergeRequestState string

const (
	MergeRequestOpened MergeRequestState = "opened"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
)

// MergeRequest represents a merge request annotated with the user's role
type MergeRequest struct {
	ID             int64             `json:"id"`
	IID            int64             `json:"iid"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	WebURL         string            `json:"web_url"`
	ProjectID      int64             `json:"project_id"`
	ProjectName    string            `json:"project_name"`
	ProjectPath    string            `json:"project_path"`
	Author         User              `json:"author"`
	UserRole       UserRole          `json:"user_role"`
	AccountID      string            `json:"account_id"`
	State          MergeRequestState `json:"state"`
	Draft          bool              `json:"draft"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	SourceBranch   string            `json:"source_branch"`
	TargetBranch   string            `json:"target_branch"`
	MergeStatus    string            `json:"merge_status"`
	HasConflicts   bool              `json:"has_conflicts"`
	Reviewers      []User            `json:"reviewers"`
	Assignees      []User            `json:"assignees"`
	UserNotesCount int               `json:"user_notes_count"`
}
