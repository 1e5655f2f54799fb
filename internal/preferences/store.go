package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

// Store is a typed view over a PreferenceStore. Values are JSON-encoded;
// durations are kept in whole seconds (refresh interval) and hours (failed
// pipeline age). Writes are serialised.
type Store struct {
	backend storage.PreferenceStore
	mu      sync.Mutex
}

// NewStore wraps a raw preference store
func NewStore(backend storage.PreferenceStore) *Store {
	return &Store{backend: backend}
}

func (s *Store) get(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok, err := s.backend.GetPreference(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("invalid value for preference %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.backend.SetPreference(ctx, key, string(data))
}

// Load reads every preference, applying defaults and the refresh floor
func (s *Store) Load(ctx context.Context) (Preferences, error) {
	p := Defaults()

	var seconds int64
	if ok, err := s.get(ctx, KeyRefreshInterval, &seconds); err != nil {
		return p, err
	} else if ok {
		p.RefreshInterval = ClampRefreshInterval(time.Duration(seconds) * time.Second)
	}

	lists := []struct {
		key string
		dst *[]int64
	}{
		{KeyWatchedProjectIDs, &p.WatchedProjectIDs},
		{KeyDismissedMergeRequests, &p.DismissedMergeRequests},
		{KeyDismissedPipelines, &p.DismissedPipelines},
		{KeyDismissedReleases, &p.DismissedReleases},
	}
	for _, l := range lists {
		var ids []int64
		ok, err := s.get(ctx, l.key, &ids)
		if err != nil {
			return p, err
		}
		if ok && ids != nil {
			*l.dst = ids
		}
	}

	var mode ViewMode
	if ok, err := s.get(ctx, KeyViewMode, &mode); err != nil {
		return p, err
	} else if ok && mode.Valid() {
		p.ViewMode = mode
	}

	if _, err := s.get(ctx, KeyShowUnassignedMRs, &p.ShowUnassignedMRs); err != nil {
		return p, err
	}

	var hours int64
	if ok, err := s.get(ctx, KeyFailedPipelineMaxAge, &hours); err != nil {
		return p, err
	} else if ok && hours >= 0 {
		p.FailedPipelineMaxAge = time.Duration(hours) * time.Hour
	}

	if _, err := s.get(ctx, KeyNotifications, &p.Notifications); err != nil {
		return p, err
	}
	return p, nil
}

// RefreshInterval returns the clamped refresh interval
func (s *Store) RefreshInterval(ctx context.Context) (time.Duration, error) {
	var seconds int64
	ok, err := s.get(ctx, KeyRefreshInterval, &seconds)
	if err != nil || !ok {
		return DefaultRefreshInterval, err
	}
	return ClampRefreshInterval(time.Duration(seconds) * time.Second), nil
}

// SetRefreshInterval stores d, raised to the minimum when lower
func (s *Store) SetRefreshInterval(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(ctx, KeyRefreshInterval, int64(ClampRefreshInterval(d)/time.Second))
}

func dismissalKey(kind domain.ItemKind) (string, error) {
	switch kind {
	case domain.KindMergeRequest:
		return KeyDismissedMergeRequests, nil
	case domain.KindPipeline:
		return KeyDismissedPipelines, nil
	case domain.KindRelease:
		return KeyDismissedReleases, nil
	}
	return "", apperrors.NewBadRequestError(fmt.Sprintf("unknown item kind %q", kind))
}

// updateList applies fn to the stored ID list of key
func (s *Store) updateList(ctx context.Context, key string, fn func([]int64) []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	if _, err := s.get(ctx, key, &ids); err != nil {
		return err
	}
	next := fn(ids)
	if next == nil {
		next = []int64{}
	}
	return s.set(ctx, key, next)
}

func addID(id int64) func([]int64) []int64 {
	return func(ids []int64) []int64 {
		for _, existing := range ids {
			if existing == id {
				return ids
			}
		}
		return append(ids, id)
	}
}

func removeID(id int64) func([]int64) []int64 {
	return func(ids []int64) []int64 {
		out := make([]int64, 0, len(ids))
		for _, existing := range ids {
			if existing != id {
				out = append(out, existing)
			}
		}
		return out
	}
}

// Dismiss hides an item from status computation
func (s *Store) Dismiss(ctx context.Context, kind domain.ItemKind, id int64) error {
	key, err := dismissalKey(kind)
	if err != nil {
		return err
	}
	return s.updateList(ctx, key, addID(id))
}

// Restore undoes one dismissal
func (s *Store) Restore(ctx context.Context, kind domain.ItemKind, id int64) error {
	key, err := dismissalKey(kind)
	if err != nil {
		return err
	}
	return s.updateList(ctx, key, removeID(id))
}

// RestoreAll clears the dismissal set of one kind
func (s *Store) RestoreAll(ctx context.Context, kind domain.ItemKind) error {
	key, err := dismissalKey(kind)
	if err != nil {
		return err
	}
	return s.updateList(ctx, key, func([]int64) []int64 { return []int64{} })
}

// WatchProject adds a project to the watch list
func (s *Store) WatchProject(ctx context.Context, projectID int64) error {
	return s.updateList(ctx, KeyWatchedProjectIDs, addID(projectID))
}

// UnwatchProject removes a project from the watch list
func (s *Store) UnwatchProject(ctx context.Context, projectID int64) error {
	return s.updateList(ctx, KeyWatchedProjectIDs, removeID(projectID))
}

// Apply stores the fields set in patch and returns the resulting preferences
func (s *Store) Apply(ctx context.Context, patch Patch) (Preferences, error) {
	if patch.ViewMode != nil && !patch.ViewMode.Valid() {
		return Preferences{}, apperrors.NewBadRequestError(fmt.Sprintf("unknown view mode %q", *patch.ViewMode))
	}
	if patch.FailedPipelineMaxAgeHours != nil && *patch.FailedPipelineMaxAgeHours < 0 {
		return Preferences{}, apperrors.NewBadRequestError("failed pipeline max age must not be negative")
	}

	if patch.RefreshIntervalSeconds != nil {
		if err := s.SetRefreshInterval(ctx, time.Duration(*patch.RefreshIntervalSeconds)*time.Second); err != nil {
			return Preferences{}, err
		}
	}

	s.mu.Lock()
	writes := []struct {
		key   string
		value interface{}
		set   bool
	}{
		{KeyWatchedProjectIDs, patch.WatchedProjectIDs, patch.WatchedProjectIDs != nil},
		{KeyViewMode, patch.ViewMode, patch.ViewMode != nil},
		{KeyShowUnassignedMRs, patch.ShowUnassignedMRs, patch.ShowUnassignedMRs != nil},
		{KeyFailedPipelineMaxAge, patch.FailedPipelineMaxAgeHours, patch.FailedPipelineMaxAgeHours != nil},
		{KeyNotifications, patch.Notifications, patch.Notifications != nil},
	}
	for _, w := range writes {
		if !w.set {
			continue
		}
		if err := s.set(ctx, w.key, w.value); err != nil {
			s.mu.Unlock()
			return Preferences{}, err
		}
	}
	s.mu.Unlock()

	return s.Load(ctx)
}
