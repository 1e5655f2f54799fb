package domain

import "time"

// PipelineStatus represents the state of a pipeline
type PipelineStatus string

const (
	PipelineCreated            PipelineStatus = "created"
	PipelineWaitingForResource PipelineStatus = "waiting_for_resource"
	PipelinePreparing          PipelineStatus = "preparing"
	PipelinePending            PipelineStatus = "pending"
	PipelineRunning            PipelineStatus = "running"
	PipelineSuccess            PipelineStatus = "success"
	PipelineFailed             PipelineStatus = "failed"
	PipelineCanceled           PipelineStatus = "canceled"
	PipelineSkipped            PipelineStatus = "skipped"
	PipelineManual             PipelineStatus = "manual"
	PipelineScheduled          PipelineStatus = "scheduled"
)

// IsActive returns true for pipelines that are queued or executing
func (s PipelineStatus) IsActive() bool {
	return s == PipelineRunning || s == PipelinePending
}

// Pipeline represents a CI pipeline of a watched project
type Pipeline struct {
	ID          int64          `json:"id"`
	Status      PipelineStatus `json:"status"`
	Ref         string         `json:"ref"`
	SHA         string         `json:"sha"`
	WebURL      string         `json:"web_url"`
	ProjectID   int64          `json:"project_id"`
	ProjectName string         `json:"project_name"`
	ProjectPath string         `json:"project_path"`
	User        *User          `json:"user,omitempty"`
	AccountID   string         `json:"account_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Duration    *float64       `json:"duration,omitempty"`
	Source      string         `json:"source"`
	Jobs        []PipelineJob  `json:"jobs,omitempty"`
}

// Age returns how long ago the pipeline was created
func (p *Pipeline) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// PipelineJob represents a single job within a pipeline
type PipelineJob struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url"`
	Duration   *float64   `json:"duration,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
