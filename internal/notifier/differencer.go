package notifier

import (
	"sync"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

const (
	// TrimThreshold is the per-category size above which Trim evicts
	TrimThreshold = 1000
	// TrimTarget is the per-category size Trim evicts down to
	TrimTarget = 500
)

// keySet is a set of dedup keys that remembers insertion order
type keySet struct {
	index map[string]struct{}
	order []string
}

func newKeySet() *keySet {
	return &keySet{index: make(map[string]struct{})}
}

// add returns false when key was already present
func (s *keySet) add(key string) bool {
	if _, ok := s.index[key]; ok {
		return false
	}
	s.index[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *keySet) len() int {
	return len(s.order)
}

// trim evicts the oldest keys once the set exceeds threshold
func (s *keySet) trim(threshold, target int) {
	if len(s.order) <= threshold {
		return
	}
	drop := len(s.order) - target
	for _, key := range s.order[:drop] {
		delete(s.index, key)
	}
	s.order = append([]string(nil), s.order[drop:]...)
}

// Differencer compares consecutive snapshots and emits each transition once
type Differencer struct {
	mu            sync.Mutex
	mergeRequests *keySet
	pipelines     *keySet
	now           func() time.Time
}

// NewDifferencer creates a Differencer with an empty dedup cache
func NewDifferencer() *Differencer {
	return &Differencer{
		mergeRequests: newKeySet(),
		pipelines:     newKeySet(),
		now:           time.Now,
	}
}

// Diff returns the events for merge requests and pipelines that appeared or
// changed status since the previous snapshot. Only kinds settings allow are
// emitted and remembered, so a kind switched on later still reports
// transitions it missed while off.
func (d *Differencer) Diff(settings domain.NotificationSettings, prevMRs, newMRs []domain.MergeRequest, prevPipelines, newPipelines []domain.Pipeline) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	at := d.now()
	var events []Event

	known := make(domain.IDSet, len(prevMRs))
	for _, mr := range prevMRs {
		known[mr.ID] = struct{}{}
	}
	for _, mr := range newMRs {
		if known.Has(mr.ID) {
			continue
		}
		var kind EventKind
		switch mr.UserRole {
		case domain.RoleAssignee:
			kind = EventMRAssigned
		case domain.RoleMentioned:
			kind = EventMRMentioned
		default:
			continue
		}
		if kind.Allowed(settings) && d.mergeRequests.add(dedupKey(kind, mr.ID)) {
			events = append(events, mergeRequestEvent(kind, mr, at))
		}
	}

	previous := make(map[int64]domain.PipelineStatus, len(prevPipelines))
	for _, p := range prevPipelines {
		previous[p.ID] = p.Status
	}
	for _, p := range newPipelines {
		if status, ok := previous[p.ID]; ok && status == p.Status {
			continue
		}
		var kind EventKind
		switch p.Status {
		case domain.PipelineRunning:
			kind = EventPipelineStarted
		case domain.PipelineFailed:
			kind = EventPipelineFailed
		case domain.PipelineSuccess:
			kind = EventPipelineSucceeded
		default:
			continue
		}
		if kind.Allowed(settings) && d.pipelines.add(dedupKey(kind, p.ID)) {
			events = append(events, pipelineEvent(kind, p, at))
		}
	}
	return events
}

// Trim evicts the oldest dedup keys of each category above the bound
func (d *Differencer) Trim() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mergeRequests.trim(TrimThreshold, TrimTarget)
	d.pipelines.trim(TrimThreshold, TrimTarget)
}

// Reset clears the dedup cache
func (d *Differencer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mergeRequests = newKeySet()
	d.pipelines = newKeySet()
}

// CacheSize returns the number of remembered merge request and pipeline keys
func (d *Differencer) CacheSize() (mergeRequests, pipelines int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mergeRequests.len(), d.pipelines.len()
}
