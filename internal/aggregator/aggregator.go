package aggregator

import (
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// rolePriority decides which role wins when the same merge request is
// returned under several scopes. Higher wins.
var rolePriority = map[domain.UserRole]int{
	domain.RoleReviewer:   4,
	domain.RoleAssignee:   3,
	domain.RoleAuthor:     2,
	domain.RoleMentioned:  1,
	domain.RoleUnassigned: 0,
}

// Outranks reports whether role a takes precedence over role b
func Outranks(a, b domain.UserRole) bool {
	return rolePriority[a] > rolePriority[b]
}

// MergeByRole merges scoped merge request lists into one list keyed by ID.
// On collision the record with the higher-priority role is kept; order of
// first appearance is preserved.
func MergeByRole(lists ...[]domain.MergeRequest) []domain.MergeRequest {
	index := make(map[int64]int)
	merged := make([]domain.MergeRequest, 0)

	for _, list := range lists {
		for _, mr := range list {
			if i, ok := index[mr.ID]; ok {
				if Outranks(mr.UserRole, merged[i].UserRole) {
					merged[i] = mr
				}
				continue
			}
			index[mr.ID] = len(merged)
			merged = append(merged, mr)
		}
	}
	return merged
}

// AddUnassigned appends unassigned merge requests whose ID is not already
// present. Existing entries are never replaced.
func AddUnassigned(existing, unassigned []domain.MergeRequest) []domain.MergeRequest {
	seen := make(domain.IDSet, len(existing)+len(unassigned))
	for _, mr := range existing {
		seen[mr.ID] = struct{}{}
	}

	out := append(make([]domain.MergeRequest, 0, len(existing)+len(unassigned)), existing...)
	for _, mr := range unassigned {
		if seen.Has(mr.ID) {
			continue
		}
		seen[mr.ID] = struct{}{}
		mr.UserRole = domain.RoleUnassigned
		out = append(out, mr)
	}
	return out
}

// FilterWatched keeps pipelines that belong to a watched project
func FilterWatched(pipelines []domain.Pipeline, watched domain.IDSet) []domain.Pipeline {
	out := make([]domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if watched.Has(p.ProjectID) {
			out = append(out, p)
		}
	}
	return out
}

// FilterStaleActive drops pipelines created more than maxAge before now.
// A non-positive maxAge keeps everything.
func FilterStaleActive(pipelines []domain.Pipeline, now time.Time, maxAge time.Duration) []domain.Pipeline {
	if maxAge <= 0 {
		return pipelines
	}
	out := make([]domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if p.Age(now) <= maxAge {
			out = append(out, p)
		}
	}
	return out
}

// FilterFailed keeps failed pipelines created within maxAge of now, skipping
// IDs in exclude. A maxAge of 0 means unlimited.
func FilterFailed(pipelines []domain.Pipeline, now time.Time, maxAge time.Duration, exclude domain.IDSet) []domain.Pipeline {
	out := make([]domain.Pipeline, 0)
	for _, p := range pipelines {
		if p.Status != domain.PipelineFailed || exclude.Has(p.ID) {
			continue
		}
		if maxAge > 0 && p.Age(now) > maxAge {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DedupPipelines removes repeated IDs; the first occurrence wins
func DedupPipelines(pipelines []domain.Pipeline) []domain.Pipeline {
	seen := make(domain.IDSet, len(pipelines))
	out := make([]domain.Pipeline, 0, len(pipelines))
	for _, p := range pipelines {
		if seen.Has(p.ID) {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// PipelineIDs returns the IDs of the pipelines as a set
func PipelineIDs(pipelines []domain.Pipeline) domain.IDSet {
	ids := make(domain.IDSet, len(pipelines))
	for _, p := range pipelines {
		ids[p.ID] = struct{}{}
	}
	return ids
}
