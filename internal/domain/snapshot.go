package domain

import "time"

// Status is the aggregate signal derived from one snapshot
type Status string

const (
	StatusCritical  Status = "critical"  // red: a visible pipeline failed
	StatusActive    Status = "active"    // orange: a visible pipeline is running
	StatusAttention Status = "attention" // green: something to look at
	StatusIdle      Status = "idle"      // gray: nothing visible, or no data
)

// Snapshot is the result of one refresh cycle. It is never mutated after
// publication; use Clone before handing it to a consumer that may modify it.
type Snapshot struct {
	MergeRequests []MergeRequest `json:"merge_requests"`
	Pipelines     []Pipeline     `json:"pipelines"`
	Releases      []Release      `json:"releases"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
}

// EmptySnapshot returns a snapshot with no items and idle status
func EmptySnapshot(at time.Time) Snapshot {
	return Snapshot{
		MergeRequests: []MergeRequest{},
		Pipelines:     []Pipeline{},
		Releases:      []Release{},
		UpdatedAt:     at,
		Status:        StatusIdle,
	}
}

// Clone returns a copy whose slices do not alias the receiver's
func (s Snapshot) Clone() Snapshot {
	out := s
	out.MergeRequests = append(make([]MergeRequest, 0, len(s.MergeRequests)), s.MergeRequests...)
	out.Pipelines = append(make([]Pipeline, 0, len(s.Pipelines)), s.Pipelines...)
	out.Releases = append(make([]Release, 0, len(s.Releases)), s.Releases...)
	return out
}

// ItemKind names one of the three dismissable item families
type ItemKind string

const (
	KindMergeRequest ItemKind = "merge_request"
	KindPipeline     ItemKind = "pipeline"
	KindRelease      ItemKind = "release"
)

// ParseItemKind accepts the canonical names plus a few short aliases
func ParseItemKind(s string) (ItemKind, bool) {
	switch s {
	case "merge_request", "merge_requests", "mr", "mrs":
		return KindMergeRequest, true
	case "pipeline", "pipelines":
		return KindPipeline, true
	case "release", "releases":
		return KindRelease, true
	}
	return "", false
}

// IDSet is a set of item identifiers
type IDSet map[int64]struct{}

// NewIDSet builds a set from a list of identifiers
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set. A nil set contains nothing.
func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}
