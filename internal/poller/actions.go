package poller

import (
	"context"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
)

// DefaultNotesLimit is how many comments MergeRequestNotes returns by default
const DefaultNotesLimit = 20

// Preferences returns the stored preferences
func (s *Service) Preferences(ctx context.Context) (preferences.Preferences, error) {
	return s.prefs.Load(ctx)
}

// UpdatePreferences applies patch and restarts polling so a new interval or
// watch list takes effect
func (s *Service) UpdatePreferences(ctx context.Context, patch preferences.Patch) (preferences.Preferences, error) {
	prefs, err := s.prefs.Apply(ctx, patch)
	if err != nil {
		return prefs, err
	}
	s.Restart()
	return prefs, nil
}

// Dismiss hides an item and reclassifies the current snapshot
func (s *Service) Dismiss(ctx context.Context, kind domain.ItemKind, id int64) (domain.Snapshot, error) {
	if err := s.prefs.Dismiss(ctx, kind, id); err != nil {
		return s.Current(), err
	}
	return s.RecalculateStatus(ctx)
}

// Restore undoes one dismissal and reclassifies the current snapshot
func (s *Service) Restore(ctx context.Context, kind domain.ItemKind, id int64) (domain.Snapshot, error) {
	if err := s.prefs.Restore(ctx, kind, id); err != nil {
		return s.Current(), err
	}
	return s.RecalculateStatus(ctx)
}

// RestoreAll clears every dismissal of kind and reclassifies the current snapshot
func (s *Service) RestoreAll(ctx context.Context, kind domain.ItemKind) (domain.Snapshot, error) {
	if err := s.prefs.RestoreAll(ctx, kind); err != nil {
		return s.Current(), err
	}
	return s.RecalculateStatus(ctx)
}

// WatchProject adds a project to the watch list
func (s *Service) WatchProject(ctx context.Context, projectID int64) error {
	if err := s.prefs.WatchProject(ctx, projectID); err != nil {
		return err
	}
	s.Restart()
	return nil
}

// UnwatchProject removes a project from the watch list
func (s *Service) UnwatchProject(ctx context.Context, projectID int64) error {
	if err := s.prefs.UnwatchProject(ctx, projectID); err != nil {
		return err
	}
	s.Restart()
	return nil
}

// SearchProjects searches an account's projects. An empty query lists the
// most recently active ones.
func (s *Service) SearchProjects(ctx context.Context, accountID, query string) ([]domain.Project, error) {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return client.RecentProjects(ctx)
	}
	return client.SearchProjects(ctx, query)
}

// Groups lists the groups of an account
func (s *Service) Groups(ctx context.Context, accountID string) ([]domain.Group, error) {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return client.Groups(ctx)
}

// GroupProjects lists the projects of a group, subgroups included
func (s *Service) GroupProjects(ctx context.Context, accountID string, groupID int64) ([]domain.Project, error) {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return client.GroupProjects(ctx, groupID)
}

// AssignMergeRequest replaces the assignees of a merge request and refreshes
// in the background
func (s *Service) AssignMergeRequest(ctx context.Context, accountID string, projectID, iid int64, users []domain.UserRef) error {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return err
	}
	if err := client.AssignMergeRequest(ctx, projectID, iid, users); err != nil {
		return err
	}
	s.refreshInBackground(ctx)
	return nil
}

// AddReviewers adds reviewers to a merge request and refreshes in the background
func (s *Service) AddReviewers(ctx context.Context, accountID string, projectID, iid int64, users []domain.UserRef) error {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return err
	}
	if err := client.AddReviewers(ctx, projectID, iid, users); err != nil {
		return err
	}
	s.refreshInBackground(ctx)
	return nil
}

func (s *Service) refreshInBackground(ctx context.Context) {
	go s.RefreshNow(context.WithoutCancel(ctx))
}

// MergeRequestNotes returns the latest human comments of a merge request.
// A non-positive limit selects DefaultNotesLimit.
func (s *Service) MergeRequestNotes(ctx context.Context, accountID string, projectID, iid int64, limit int) ([]domain.Note, error) {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultNotesLimit
	}
	return client.MergeRequestNotes(ctx, projectID, iid, limit)
}

// ProjectMembers lists the members of a project
func (s *Service) ProjectMembers(ctx context.Context, accountID string, projectID int64) ([]domain.User, error) {
	client, err := s.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return client.ProjectMembers(ctx, projectID)
}
