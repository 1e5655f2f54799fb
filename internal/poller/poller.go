package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/aggregator"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/notifier"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
)

// DefaultActivePipelineMaxAge is how old a running or pending pipeline may be
// before it is presumed stuck and hidden
const DefaultActivePipelineMaxAge = 7 * 24 * time.Hour

// Deps wires the service to its collaborators
type Deps struct {
	Accounts    storage.AccountStore
	Preferences *preferences.Store
	Registry    *collector.Registry
	Differencer *notifier.Differencer
	Dispatcher  *notifier.Dispatcher
	// Recent is optional; when set its events are served by RecentNotifications
	Recent *notifier.RecentSink
	Logger *slog.Logger
	Now    func() time.Time

	ActivePipelineMaxAge time.Duration
}

// Service runs refresh cycles and owns the published snapshot
type Service struct {
	accounts    storage.AccountStore
	prefs       *preferences.Store
	registry    *collector.Registry
	differencer *notifier.Differencer
	dispatcher  *notifier.Dispatcher
	recent      *notifier.RecentSink
	logger      *slog.Logger
	now         func() time.Time

	activeMaxAge atomic.Int64

	refreshing atomic.Bool
	restart    chan struct{}

	// statusMu orders reading the dismissals with storing the status
	// classified from them
	statusMu sync.Mutex

	mu       sync.RWMutex
	snapshot domain.Snapshot

	subMu       sync.Mutex
	subscribers map[int]func(domain.Snapshot)
	nextSub     int
}

// New creates a polling service. Missing optional dependencies get defaults.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ActivePipelineMaxAge <= 0 {
		deps.ActivePipelineMaxAge = DefaultActivePipelineMaxAge
	}
	if deps.Differencer == nil {
		deps.Differencer = notifier.NewDifferencer()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = notifier.NewDispatcher(deps.Logger)
	}

	s := &Service{
		accounts:    deps.Accounts,
		prefs:       deps.Preferences,
		registry:    deps.Registry,
		differencer: deps.Differencer,
		dispatcher:  deps.Dispatcher,
		recent:      deps.Recent,
		logger:      deps.Logger.With("component", "poller"),
		now:         deps.Now,
		restart:     make(chan struct{}, 1),
		snapshot:    domain.EmptySnapshot(deps.Now()),
		subscribers: make(map[int]func(domain.Snapshot)),
	}
	s.activeMaxAge.Store(int64(deps.ActivePipelineMaxAge))
	return s
}

// SetActivePipelineMaxAge changes the staleness ceiling for running and
// pending pipelines from the next cycle on. Non-positive values restore the
// default.
func (s *Service) SetActivePipelineMaxAge(d time.Duration) {
	if d <= 0 {
		d = DefaultActivePipelineMaxAge
	}
	s.activeMaxAge.Store(int64(d))
}

// ActivePipelineMaxAge returns the staleness ceiling in effect
func (s *Service) ActivePipelineMaxAge() time.Duration {
	return time.Duration(s.activeMaxAge.Load())
}

// Current returns the most recently published snapshot
func (s *Service) Current() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// OnSnapshotPublished registers fn to be called with every published
// snapshot. The returned function removes the subscription.
func (s *Service) OnSnapshotPublished(fn func(domain.Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Service) publish(snap domain.Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Service) notify(snap domain.Snapshot) {
	s.subMu.Lock()
	subs := make([]func(domain.Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		s.notifySubscriber(fn, snap.Clone())
	}
}

func (s *Service) notifySubscriber(fn func(domain.Snapshot), snap domain.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("snapshot subscriber panicked", "panic", r)
		}
	}()
	fn(snap)
}

// RefreshNow runs one refresh cycle. When a cycle is already in flight it
// returns the current snapshot immediately without fetching anything.
func (s *Service) RefreshNow(ctx context.Context) domain.Snapshot {
	if !s.refreshing.CompareAndSwap(false, true) {
		s.logger.Debug("refresh already in flight")
		return s.Current()
	}
	defer s.refreshing.Store(false)

	return s.runCycle(ctx)
}

// Refreshing reports whether a cycle is in flight
func (s *Service) Refreshing() bool {
	return s.refreshing.Load()
}

func (s *Service) runCycle(ctx context.Context) (snap domain.Snapshot) {
	start := s.now()
	prev := s.Current()

	defer func() {
		if r := recover(); r != nil {
			snap = s.failCycle(prev, apperrors.NewCycleError("refresh cycle aborted", fmt.Errorf("panic: %v", r)))
		}
	}()

	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return s.failCycle(prev, apperrors.NewCycleError("failed to list accounts", err))
	}
	if len(accounts) == 0 {
		snap = domain.EmptySnapshot(s.now())
		s.publish(snap)
		return snap
	}

	prefs, err := s.prefs.Load(ctx)
	if err != nil {
		return s.failCycle(prev, apperrors.NewCycleError("failed to load preferences", err))
	}

	results := s.collectAll(ctx, accounts, prefs)

	mrs := make([]domain.MergeRequest, 0)
	pipelines := make([]domain.Pipeline, 0)
	releases := make([]domain.Release, 0)
	for _, r := range results {
		mrs = append(mrs, r.mergeRequests...)
		pipelines = append(pipelines, r.pipelines...)
		releases = append(releases, r.releases...)
	}

	events := s.differencer.Diff(prefs.Notifications, prev.MergeRequests, mrs, prev.Pipelines, pipelines)
	delivered := s.dispatcher.Dispatch(ctx, prefs.Notifications, events)

	snap = domain.Snapshot{
		MergeRequests: mrs,
		Pipelines:     pipelines,
		Releases:      releases,
		UpdatedAt:     s.now(),
	}

	snap = s.storeClassified(ctx, prefs, snap)
	s.notify(snap)
	s.differencer.Trim()

	s.logger.Info("refresh completed",
		"accounts", len(accounts),
		"merge_requests", len(mrs),
		"pipelines", len(pipelines),
		"releases", len(releases),
		"status", snap.Status,
		"events", len(events),
		"notified", delivered,
		"duration", s.now().Sub(start),
	)
	return snap
}

// storeClassified classifies snap against the dismissals stored now, not the
// ones the cycle started with, and makes it current
func (s *Service) storeClassified(ctx context.Context, started preferences.Preferences, snap domain.Snapshot) domain.Snapshot {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	latest := s.latestDismissals(ctx, started)
	snap.Status = aggregator.Classify(snap.MergeRequests, snap.Pipelines,
		latest.Dismissed(domain.KindMergeRequest), latest.Dismissed(domain.KindPipeline))

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	return snap
}

// latestDismissals re-reads the preferences, falling back to the ones the
// cycle started with
func (s *Service) latestDismissals(ctx context.Context, started preferences.Preferences) preferences.Preferences {
	latest, err := s.prefs.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to re-read dismissals, using cycle start values", "error", err)
		return started
	}
	return latest
}

// failCycle keeps the previous lists, marks the snapshot idle and records err
func (s *Service) failCycle(prev domain.Snapshot, err error) domain.Snapshot {
	s.logger.Error("refresh failed", "error", err)

	snap := prev.Clone()
	snap.UpdatedAt = s.now()
	snap.Status = domain.StatusIdle
	snap.Error = err.Error()
	s.publish(snap)
	return snap
}

// RecalculateStatus reclassifies the current snapshot against the stored
// dismissals without fetching. A snapshot is published only if the status
// changed.
func (s *Service) RecalculateStatus(ctx context.Context) (domain.Snapshot, error) {
	next, changed, err := s.reclassify(ctx)
	if err != nil {
		return s.Current(), err
	}

	if changed {
		s.logger.Debug("status recalculated", "status", next.Status)
		s.notify(next)
	}
	return next, nil
}

func (s *Service) reclassify(ctx context.Context) (domain.Snapshot, bool, error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	prefs, err := s.prefs.Load(ctx)
	if err != nil {
		return domain.Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status := aggregator.Classify(s.snapshot.MergeRequests, s.snapshot.Pipelines,
		prefs.Dismissed(domain.KindMergeRequest), prefs.Dismissed(domain.KindPipeline))
	changed := status != s.snapshot.Status
	s.snapshot.Status = status
	return s.snapshot.Clone(), changed, nil
}

// Run refreshes immediately and then on every tick of the stored refresh
// interval until ctx is done. Cycles already in flight are not cancelled
// when ctx ends.
func (s *Service) Run(ctx context.Context) error {
	cycleCtx := context.WithoutCancel(ctx)

	s.RefreshNow(cycleCtx)

	ticker := time.NewTicker(s.refreshInterval(ctx))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RefreshNow(cycleCtx)
		case <-s.restart:
			interval := s.refreshInterval(ctx)
			ticker.Reset(interval)
			s.logger.Info("polling restarted", "interval", interval)
			s.RefreshNow(cycleCtx)
		}
	}
}

// Restart asks Run to re-read the refresh interval and refresh right away
func (s *Service) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

func (s *Service) refreshInterval(ctx context.Context) time.Duration {
	interval, err := s.prefs.RefreshInterval(ctx)
	if err != nil {
		s.logger.Warn("failed to read refresh interval, using default", "error", err)
		return preferences.DefaultRefreshInterval
	}
	return interval
}

// RecentNotifications returns the latest delivered events, newest first
func (s *Service) RecentNotifications() []notifier.Event {
	if s.recent == nil {
		return []notifier.Event{}
	}
	return s.recent.Recent()
}
