package preferences

import (
	"encoding/json"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// Preference keys
const (
	KeyRefreshInterval        = "refresh_interval"
	KeyWatchedProjectIDs      = "watched_project_ids"
	KeyDismissedMergeRequests = "dismissed_merge_requests"
	KeyDismissedPipelines     = "dismissed_pipelines"
	KeyDismissedReleases      = "dismissed_releases"
	KeyViewMode               = "view_mode"
	KeyShowUnassignedMRs      = "show_unassigned_mrs"
	KeyFailedPipelineMaxAge   = "failed_pipeline_max_age"
	KeyNotifications          = "notifications"
)

const (
	// MinRefreshInterval is the floor applied to the refresh interval
	MinRefreshInterval = 10 * time.Second
	// DefaultRefreshInterval applies when none is stored
	DefaultRefreshInterval = 60 * time.Second
	// DefaultFailedPipelineMaxAge applies when none is stored
	DefaultFailedPipelineMaxAge = 24 * time.Hour
)

// ViewMode selects how much release history is tracked
type ViewMode string

const (
	ViewDeveloper    ViewMode = "developer"
	ViewProductOwner ViewMode = "product_owner"
)

// Valid reports whether m is a known view mode
func (m ViewMode) Valid() bool {
	return m == ViewDeveloper || m == ViewProductOwner
}

// ReleaseLimit returns how many releases per project the view shows
func (m ViewMode) ReleaseLimit() int {
	if m == ViewProductOwner {
		return 5
	}
	return 3
}

// Preferences is an immutable view of the user's settings, read once per cycle
type Preferences struct {
	RefreshInterval        time.Duration
	WatchedProjectIDs      []int64
	DismissedMergeRequests []int64
	DismissedPipelines     []int64
	DismissedReleases      []int64
	ViewMode               ViewMode
	ShowUnassignedMRs      bool
	// FailedPipelineMaxAge of 0 means failed pipelines of any age are kept
	FailedPipelineMaxAge time.Duration
	Notifications        domain.NotificationSettings
}

// Defaults returns the settings of a fresh install
func Defaults() Preferences {
	return Preferences{
		RefreshInterval:        DefaultRefreshInterval,
		WatchedProjectIDs:      []int64{},
		DismissedMergeRequests: []int64{},
		DismissedPipelines:     []int64{},
		DismissedReleases:      []int64{},
		ViewMode:               ViewDeveloper,
		FailedPipelineMaxAge:   DefaultFailedPipelineMaxAge,
		Notifications:          domain.DefaultNotificationSettings(),
	}
}

// Watched returns the watch list as a set
func (p Preferences) Watched() domain.IDSet {
	return domain.NewIDSet(p.WatchedProjectIDs...)
}

// Dismissed returns the dismissal set of one item kind
func (p Preferences) Dismissed(kind domain.ItemKind) domain.IDSet {
	switch kind {
	case domain.KindMergeRequest:
		return domain.NewIDSet(p.DismissedMergeRequests...)
	case domain.KindPipeline:
		return domain.NewIDSet(p.DismissedPipelines...)
	case domain.KindRelease:
		return domain.NewIDSet(p.DismissedReleases...)
	}
	return nil
}

type preferencesJSON struct {
	RefreshIntervalSeconds    int64                       `json:"refresh_interval_seconds"`
	WatchedProjectIDs         []int64                     `json:"watched_project_ids"`
	DismissedMergeRequests    []int64                     `json:"dismissed_merge_requests"`
	DismissedPipelines        []int64                     `json:"dismissed_pipelines"`
	DismissedReleases         []int64                     `json:"dismissed_releases"`
	ViewMode                  ViewMode                    `json:"view_mode"`
	ShowUnassignedMRs         bool                        `json:"show_unassigned_mrs"`
	FailedPipelineMaxAgeHours int64                       `json:"failed_pipeline_max_age_hours"`
	Notifications             domain.NotificationSettings `json:"notifications"`
}

// MarshalJSON renders durations in whole seconds and hours
func (p Preferences) MarshalJSON() ([]byte, error) {
	return json.Marshal(preferencesJSON{
		RefreshIntervalSeconds:    int64(p.RefreshInterval / time.Second),
		WatchedProjectIDs:         p.WatchedProjectIDs,
		DismissedMergeRequests:    p.DismissedMergeRequests,
		DismissedPipelines:        p.DismissedPipelines,
		DismissedReleases:         p.DismissedReleases,
		ViewMode:                  p.ViewMode,
		ShowUnassignedMRs:         p.ShowUnassignedMRs,
		FailedPipelineMaxAgeHours: int64(p.FailedPipelineMaxAge / time.Hour),
		Notifications:             p.Notifications,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON
func (p *Preferences) UnmarshalJSON(data []byte) error {
	var raw preferencesJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Preferences{
		RefreshInterval:        time.Duration(raw.RefreshIntervalSeconds) * time.Second,
		WatchedProjectIDs:      raw.WatchedProjectIDs,
		DismissedMergeRequests: raw.DismissedMergeRequests,
		DismissedPipelines:     raw.DismissedPipelines,
		DismissedReleases:      raw.DismissedReleases,
		ViewMode:               raw.ViewMode,
		ShowUnassignedMRs:      raw.ShowUnassignedMRs,
		FailedPipelineMaxAge:   time.Duration(raw.FailedPipelineMaxAgeHours) * time.Hour,
		Notifications:          raw.Notifications,
	}
	return nil
}

// Patch is a partial update; nil fields are left unchanged
type Patch struct {
	RefreshIntervalSeconds    *int64                       `json:"refresh_interval_seconds,omitempty"`
	WatchedProjectIDs         *[]int64                     `json:"watched_project_ids,omitempty"`
	ViewMode                  *ViewMode                    `json:"view_mode,omitempty"`
	ShowUnassignedMRs         *bool                        `json:"show_unassigned_mrs,omitempty"`
	FailedPipelineMaxAgeHours *int64                       `json:"failed_pipeline_max_age_hours,omitempty"`
	Notifications             *domain.NotificationSettings `json:"notifications,omitempty"`
}

// ClampRefreshInterval applies the minimum refresh interval
func ClampRefreshInterval(d time.Duration) time.Duration {
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	return d
}
