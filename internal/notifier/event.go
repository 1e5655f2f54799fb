package notifier

import (
	"fmt"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// EventKind names a change worth telling the user about
type EventKind string

const (
	EventMRAssigned        EventKind = "mr_assigned"
	EventMRMentioned       EventKind = "mr_mentioned"
	EventPipelineStarted   EventKind = "pipeline_started"
	EventPipelineFailed    EventKind = "pipeline_failed"
	EventPipelineSucceeded EventKind = "pipeline_succeeded"
)

// Event is one notification produced by the Differencer
type Event struct {
	Kind      EventKind `json:"kind"`
	Key       string    `json:"key"`
	ItemID    int64     `json:"item_id"`
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	WebURL    string    `json:"web_url"`
	At        time.Time `json:"at"`
}

// Allowed reports whether settings permit delivering events of kind k
func (k EventKind) Allowed(s domain.NotificationSettings) bool {
	if !s.Enabled {
		return false
	}
	switch k {
	case EventMRAssigned:
		return s.MRAssigned
	case EventMRMentioned:
		return s.MRMentioned
	case EventPipelineStarted:
		return s.PipelineStarted
	case EventPipelineFailed:
		return s.PipelineFailed
	case EventPipelineSucceeded:
		return s.PipelineSucceeded
	}
	return false
}

func dedupKey(kind EventKind, id int64) string {
	return fmt.Sprintf("%s-%d", kind, id)
}

func mergeRequestEvent(kind EventKind, mr domain.MergeRequest, at time.Time) Event {
	e := Event{
		Kind:      kind,
		Key:       dedupKey(kind, mr.ID),
		ItemID:    mr.ID,
		AccountID: mr.AccountID,
		WebURL:    mr.WebURL,
		At:        at,
	}
	switch kind {
	case EventMRAssigned:
		e.Title = "New MR assigned"
		e.Body = fmt.Sprintf("%s\nBy %s", mr.Title, mr.Author.Name)
	case EventMRMentioned:
		e.Title = "You have been mentioned"
		e.Body = fmt.Sprintf("%s\nIn %s", mr.Title, mr.ProjectName)
	}
	return e
}

func pipelineEvent(kind EventKind, p domain.Pipeline, at time.Time) Event {
	title := map[EventKind]string{
		EventPipelineStarted:   "Pipeline started",
		EventPipelineFailed:    "Pipeline failed",
		EventPipelineSucceeded: "Pipeline succeeded",
	}[kind]

	return Event{
		Kind:      kind,
		Key:       dedupKey(kind, p.ID),
		ItemID:    p.ID,
		AccountID: p.AccountID,
		Title:     title,
		Body:      fmt.Sprintf("%s\nBranch: %s", p.ProjectName, p.Ref),
		WebURL:    p.WebURL,
		At:        at,
	}
}
