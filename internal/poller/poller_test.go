package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/notifier"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/storage/memory"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// flakyStore fails account listing on demand
type flakyStore struct {
	storage.Storage
	fail atomic.Bool
}

func (s *flakyStore) ListActiveAccounts(ctx context.Context) ([]domain.Account, error) {
	if s.fail.Load() {
		return nil, errors.New("database is locked")
	}
	return s.Storage.ListActiveAccounts(ctx)
}

type harness struct {
	svc   *Service
	store *flakyStore
	prefs *preferences.Store
	reg   *collector.Registry
	fakes map[string]*fakeClient
	probe *fakeClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store: &flakyStore{Storage: memory.NewMemoryStorage()},
		fakes: make(map[string]*fakeClient),
		probe: newFakeClient(""),
	}
	h.prefs = preferences.NewStore(h.store)
	h.reg = collector.NewRegistry(func(account domain.Account, token string) collector.RemoteClient {
		if f, ok := h.fakes[account.ID]; ok {
			return f
		}
		return h.probe
	})
	h.svc = New(Deps{
		Accounts:    h.store,
		Preferences: h.prefs,
		Registry:    h.reg,
		Recent:      nil,
		Now:         func() time.Time { return testNow },
	})
	return h
}

func (h *harness) withRecent(t *testing.T) *notifier.RecentSink {
	t.Helper()
	recent := notifier.NewRecentSink(notifier.DefaultRecentSize)
	h.svc.dispatcher.AddSink(recent)
	h.svc.recent = recent
	return recent
}

func (h *harness) addAccount(t *testing.T, id string) *fakeClient {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.SaveAccount(ctx, &domain.Account{
		ID:          id,
		Name:        id,
		InstanceURL: "https://gitlab.example.com",
		IsActive:    true,
	}))
	require.NoError(t, h.store.SaveToken(ctx, id, "token-"+id))

	f := newFakeClient(id)
	f.projects[10] = domain.Project{ID: 10, Name: "api", PathWithNamespace: "team/api"}
	f.projects[20] = domain.Project{ID: 20, Name: "web", PathWithNamespace: "team/web"}
	h.fakes[id] = f
	return f
}

func mr(id, projectID int64) domain.MergeRequest {
	return domain.MergeRequest{ID: id, IID: id, ProjectID: projectID, Title: "change"}
}

func pipeline(id, projectID int64, status domain.PipelineStatus, age time.Duration) domain.Pipeline {
	return domain.Pipeline{ID: id, ProjectID: projectID, Status: status, Ref: "main", CreatedAt: testNow.Add(-age)}
}

func pipelineIDs(pipelines []domain.Pipeline) []int64 {
	ids := make([]int64, 0, len(pipelines))
	for _, p := range pipelines {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestRefreshMergesScopesByRole(t *testing.T) {
	h := newHarness(t)
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.authored = []domain.MergeRequest{mr(1, 10), mr(2, 20)}
	f.reviewing = []domain.MergeRequest{mr(1, 10)}

	snap := h.svc.RefreshNow(context.Background())

	require.Len(t, snap.MergeRequests, 2)
	roles := map[int64]domain.UserRole{}
	for _, m := range snap.MergeRequests {
		roles[m.ID] = m.UserRole
	}
	assert.Equal(t, domain.RoleReviewer, roles[1])
	assert.Equal(t, domain.RoleAuthor, roles[2])
	assert.Equal(t, "api", snap.MergeRequests[0].ProjectName)
	assert.Equal(t, "team/web", snap.MergeRequests[1].ProjectPath)
	assert.Equal(t, domain.StatusAttention, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 2, f.count("Project"), "projects are looked up once per cycle")
}

func TestRefreshSkipsReviewerScopeWhenUserUnresolved(t *testing.T) {
	h := newHarness(t)
	f := h.addAccount(t, "acc-1")
	f.userErr = apperrors.NewAuthError("token expired", nil)
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.reviewing = []domain.MergeRequest{mr(2, 10)}

	snap := h.svc.RefreshNow(context.Background())

	require.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, int64(1), snap.MergeRequests[0].ID)
	assert.Zero(t, f.count("ReviewerMergeRequests"))
	assert.Empty(t, snap.Error)
}

func TestRefreshAddsUnassignedWithoutOverriding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.reviewing = []domain.MergeRequest{mr(1, 10)}
	f.unassigned[10] = []domain.MergeRequest{mr(1, 10), mr(5, 10)}

	show := true
	watched := []int64{10}
	_, err := h.prefs.Apply(ctx, preferences.Patch{ShowUnassignedMRs: &show, WatchedProjectIDs: &watched})
	require.NoError(t, err)

	snap := h.svc.RefreshNow(ctx)

	require.Len(t, snap.MergeRequests, 2)
	assert.Equal(t, domain.RoleReviewer, snap.MergeRequests[0].UserRole)
	assert.Equal(t, int64(5), snap.MergeRequests[1].ID)
	assert.Equal(t, domain.RoleUnassigned, snap.MergeRequests[1].UserRole)
}

func TestRefreshUnassignedDisabledByDefault(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.unassigned[10] = []domain.MergeRequest{mr(5, 10)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)

	assert.Empty(t, snap.MergeRequests)
	assert.Zero(t, f.count("UnassignedMergeRequests"))
}

func TestRefreshPipelines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.active = []domain.Pipeline{
		pipeline(100, 10, domain.PipelineRunning, time.Hour),
		pipeline(101, 20, domain.PipelineRunning, time.Hour),      // not watched
		pipeline(102, 10, domain.PipelinePending, 8*24*time.Hour), // stuck
	}
	f.pipelines[10] = []domain.Pipeline{
		pipeline(100, 10, domain.PipelineFailed, time.Hour), // already active
		pipeline(103, 10, domain.PipelineFailed, 2*time.Hour),
		pipeline(104, 10, domain.PipelineFailed, 30*time.Hour), // too old
		pipeline(105, 10, domain.PipelineSuccess, time.Hour),
	}
	f.jobs = []domain.PipelineJob{{ID: 1, Name: "test", Stage: "test", Status: "failed"}}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)

	assert.Equal(t, []int64{100, 103}, pipelineIDs(snap.Pipelines))
	assert.Equal(t, domain.PipelineRunning, snap.Pipelines[0].Status, "the active record wins")
	for _, p := range snap.Pipelines {
		assert.Len(t, p.Jobs, 1)
		require.NotNil(t, p.User)
		assert.Equal(t, "ci", p.User.Username)
		assert.Equal(t, "api", p.ProjectName)
	}
	assert.Equal(t, domain.StatusCritical, snap.Status)
}

func TestRefreshFailedPipelinesUnlimitedAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.pipelines[10] = []domain.Pipeline{pipeline(104, 10, domain.PipelineFailed, 90*24*time.Hour)}

	zero := int64(0)
	watched := []int64{10}
	_, err := h.prefs.Apply(ctx, preferences.Patch{FailedPipelineMaxAgeHours: &zero, WatchedProjectIDs: &watched})
	require.NoError(t, err)

	snap := h.svc.RefreshNow(ctx)
	assert.Equal(t, []int64{104}, pipelineIDs(snap.Pipelines))
}

func TestRefreshReleasesFollowViewMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	for i, tag := range []string{"v6", "v5", "v4", "v3", "v2", "v1"} {
		f.releases[10] = append(f.releases[10], domain.Release{
			ID:        domain.ReleaseID(10, tag),
			TagName:   tag,
			ProjectID: 10,
			CreatedAt: testNow.Add(-time.Duration(i) * time.Hour),
		})
	}
	f.deployments["10-v6"] = &domain.Deployment{ID: 9, Status: "success", Environment: "production"}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)
	require.Len(t, snap.Releases, 3)
	require.NotNil(t, snap.Releases[0].Deployment)
	assert.Equal(t, "production", snap.Releases[0].Deployment.Environment)
	assert.Nil(t, snap.Releases[1].Deployment)
	assert.Equal(t, "api", snap.Releases[0].ProjectName)

	mode := preferences.ViewProductOwner
	_, err := h.prefs.Apply(ctx, preferences.Patch{ViewMode: &mode})
	require.NoError(t, err)

	snap = h.svc.RefreshNow(ctx)
	assert.Len(t, snap.Releases, 5)
}

func TestRefreshWithoutAccountsIsIdle(t *testing.T) {
	h := newHarness(t)

	snap := h.svc.RefreshNow(context.Background())

	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, snap.MergeRequests)
	assert.Empty(t, snap.Pipelines)
	assert.Empty(t, snap.Releases)
	assert.Empty(t, snap.Error)
}

func TestRefreshSkipsInactiveAndTokenlessAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	active := h.addAccount(t, "acc-1")
	active.assigned = []domain.MergeRequest{mr(1, 10)}

	inactive := h.addAccount(t, "acc-2")
	inactive.assigned = []domain.MergeRequest{mr(2, 10)}
	off := false
	_, err := h.svc.UpdateAccount(ctx, "acc-2", AccountUpdate{IsActive: &off})
	require.NoError(t, err)

	tokenless := h.addAccount(t, "acc-3")
	tokenless.assigned = []domain.MergeRequest{mr(3, 10)}
	require.NoError(t, h.store.DeleteToken(ctx, "acc-3"))

	snap := h.svc.RefreshNow(ctx)

	require.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, int64(1), snap.MergeRequests[0].ID)
	assert.Zero(t, inactive.total())
	assert.Zero(t, tokenless.total())
}

func TestAccountFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	broken := h.addAccount(t, "acc-1")
	broken.panicOnMergeRequests = true
	healthy := h.addAccount(t, "acc-2")
	healthy.assigned = []domain.MergeRequest{mr(3, 10)}

	snap := h.svc.RefreshNow(context.Background())

	require.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, int64(3), snap.MergeRequests[0].ID)
	assert.Empty(t, snap.Error)
}

func TestRefreshKeepsOtherScopesWhenAssignedFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.assignedErr = apperrors.NewRemoteError(500, "500 Internal Server Error", nil)
	f.authored = []domain.MergeRequest{mr(2, 20)}
	f.pipelines[10] = []domain.Pipeline{pipeline(11, 10, domain.PipelineFailed, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)

	require.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, int64(2), snap.MergeRequests[0].ID)
	assert.Equal(t, domain.RoleAuthor, snap.MergeRequests[0].UserRole)
	assert.Equal(t, []int64{11}, pipelineIDs(snap.Pipelines))
	assert.Equal(t, domain.StatusCritical, snap.Status)
	assert.Empty(t, snap.Error)
}

func TestRefreshKeepsFailedPipelinesWhenActiveFetchFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.authoredErr = apperrors.NewRemoteError(502, "502 Bad Gateway", nil)
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.activeErr = apperrors.NewRemoteError(500, "500 Internal Server Error", nil)
	f.pipelines[10] = []domain.Pipeline{pipeline(11, 10, domain.PipelineFailed, time.Hour)}
	f.releases[10] = []domain.Release{{ID: domain.ReleaseID(10, "v1"), TagName: "v1", ProjectID: 10, CreatedAt: testNow}}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)

	require.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, int64(1), snap.MergeRequests[0].ID)
	assert.Equal(t, []int64{11}, pipelineIDs(snap.Pipelines))
	assert.Len(t, snap.Releases, 1)
	assert.Equal(t, domain.StatusCritical, snap.Status)
}

func TestRefreshDoesNotDedupAcrossAccounts(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, "acc-1").assigned = []domain.MergeRequest{mr(1, 10)}
	h.addAccount(t, "acc-2").assigned = []domain.MergeRequest{mr(1, 10)}

	snap := h.svc.RefreshNow(context.Background())
	assert.Len(t, snap.MergeRequests, 2)
}

func TestCycleErrorPreservesPreviousLists(t *testing.T) {
	h := newHarness(t)
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}

	first := h.svc.RefreshNow(context.Background())
	require.Len(t, first.MergeRequests, 1)

	h.store.fail.Store(true)
	snap := h.svc.RefreshNow(context.Background())

	assert.Len(t, snap.MergeRequests, 1)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Contains(t, snap.Error, "database is locked")
	assert.Equal(t, snap, h.svc.Current())

	h.store.fail.Store(false)
	snap = h.svc.RefreshNow(context.Background())
	assert.Empty(t, snap.Error)
	assert.Equal(t, domain.StatusAttention, snap.Status)
}

func TestRefreshNowIsReentrant(t *testing.T) {
	h := newHarness(t)
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.started = make(chan struct{})
	f.block = make(chan struct{})

	before := h.svc.Current()

	done := make(chan domain.Snapshot, 1)
	go func() { done <- h.svc.RefreshNow(context.Background()) }()
	<-f.started

	assert.True(t, h.svc.Refreshing())
	second := h.svc.RefreshNow(context.Background())
	assert.Equal(t, before, second)
	assert.Equal(t, 1, f.count("MergeRequests"), "no second cycle started")

	close(f.block)
	first := <-done
	assert.Len(t, first.MergeRequests, 1)
	assert.False(t, h.svc.Refreshing())
}

func TestDismissRecomputesStatusWithoutFetching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.active = []domain.Pipeline{pipeline(12, 10, domain.PipelineRunning, time.Hour)}
	f.pipelines[10] = []domain.Pipeline{pipeline(11, 10, domain.PipelineFailed, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	snap := h.svc.RefreshNow(ctx)
	require.Equal(t, domain.StatusCritical, snap.Status)

	var published []domain.Snapshot
	var mu sync.Mutex
	unsubscribe := h.svc.OnSnapshotPublished(func(s domain.Snapshot) {
		mu.Lock()
		published = append(published, s)
		mu.Unlock()
	})
	defer unsubscribe()

	calls := f.total()
	snap, err := h.svc.Dismiss(ctx, domain.KindPipeline, 11)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.Len(t, snap.Pipelines, 2, "dismissed items stay in the snapshot")
	assert.Equal(t, calls, f.total(), "no remote calls")
	mu.Lock()
	require.Len(t, published, 1)
	assert.Equal(t, domain.StatusActive, published[0].Status)
	mu.Unlock()

	snap, err = h.svc.RestoreAll(ctx, domain.KindPipeline)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCritical, snap.Status)
}

func TestRecalculateStatusPublishesOnlyOnChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAccount(t, "acc-1").assigned = []domain.MergeRequest{mr(1, 10)}
	h.svc.RefreshNow(ctx)

	var count atomic.Int32
	unsubscribe := h.svc.OnSnapshotPublished(func(domain.Snapshot) { count.Add(1) })

	_, err := h.svc.RecalculateStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, count.Load())

	snap, err := h.svc.Dismiss(ctx, domain.KindMergeRequest, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Equal(t, int32(1), count.Load())

	unsubscribe()
	_, err = h.svc.Restore(ctx, domain.KindMergeRequest, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), count.Load(), "unsubscribed")
}

func TestDismissDuringCycleIsHonoured(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.pipelines[10] = []domain.Pipeline{pipeline(11, 10, domain.PipelineFailed, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))
	f.started = make(chan struct{})
	f.block = make(chan struct{})

	var published []domain.Status
	var mu sync.Mutex
	unsubscribe := h.svc.OnSnapshotPublished(func(s domain.Snapshot) {
		mu.Lock()
		published = append(published, s.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	done := make(chan domain.Snapshot, 1)
	go func() { done <- h.svc.RefreshNow(ctx) }()
	<-f.started

	_, err := h.svc.Dismiss(ctx, domain.KindPipeline, 11)
	require.NoError(t, err)

	close(f.block)
	snap := <-done

	assert.Equal(t, domain.StatusAttention, snap.Status)
	assert.Equal(t, domain.StatusAttention, h.svc.Current().Status)
	mu.Lock()
	assert.NotContains(t, published, domain.StatusCritical)
	mu.Unlock()
}

func TestConcurrentRecalculateKeepsLatestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.pipelines[10] = []domain.Pipeline{pipeline(11, 10, domain.PipelineFailed, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))
	require.Equal(t, domain.StatusCritical, h.svc.RefreshNow(ctx).Status)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(dismiss bool) {
			defer wg.Done()
			if dismiss {
				_, _ = h.svc.Dismiss(ctx, domain.KindPipeline, 11)
				return
			}
			_, _ = h.svc.RecalculateStatus(ctx)
		}(i == 3)
	}
	wg.Wait()

	assert.Equal(t, domain.StatusIdle, h.svc.Current().Status)
}

func TestSetActivePipelineMaxAge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")
	f.active = []domain.Pipeline{pipeline(12, 10, domain.PipelineRunning, 48*time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	assert.Equal(t, []int64{12}, pipelineIDs(h.svc.RefreshNow(ctx).Pipelines))

	h.svc.SetActivePipelineMaxAge(24 * time.Hour)
	assert.Empty(t, h.svc.RefreshNow(ctx).Pipelines)

	h.svc.SetActivePipelineMaxAge(0)
	assert.Equal(t, DefaultActivePipelineMaxAge, h.svc.ActivePipelineMaxAge())
	assert.Equal(t, []int64{12}, pipelineIDs(h.svc.RefreshNow(ctx).Pipelines))
}

func TestRefreshWarnsOnLowQuota(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	h.svc.logger = slog.New(slog.NewTextHandler(&syncWriter{w: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.quotaRemaining = 3
	f.quotaReset = testNow.Add(time.Minute)

	h.svc.RefreshNow(context.Background())

	assert.Positive(t, f.count("Quota"))
	assert.Contains(t, buf.String(), "rate limit quota nearly exhausted")
	assert.Contains(t, buf.String(), "quota_remaining=3")
}

func TestRefreshQuietWhenQuotaUnknown(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	h.svc.logger = slog.New(slog.NewTextHandler(&syncWriter{w: &buf}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.addAccount(t, "acc-1").assigned = []domain.MergeRequest{mr(1, 10)}

	h.svc.RefreshNow(context.Background())

	assert.Contains(t, buf.String(), "quota_remaining=-1")
	assert.NotContains(t, buf.String(), "nearly exhausted")
}

// syncWriter serializes writes from concurrent account workers
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestDismissUnknownKind(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Dismiss(context.Background(), domain.ItemKind("issue"), 1)
	require.Error(t, err)
	code, _ := apperrors.CodeOf(err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, code)
}

func TestRefreshDispatchesNotificationsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recent := h.withRecent(t)
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}
	f.active = []domain.Pipeline{pipeline(100, 10, domain.PipelineRunning, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	h.svc.RefreshNow(ctx)
	events := recent.Recent()
	require.Len(t, events, 1, "pipeline started is off by default")
	assert.Equal(t, notifier.EventMRAssigned, events[0].Kind)

	h.svc.RefreshNow(ctx)
	assert.Len(t, recent.Recent(), 1)

	f.active = nil
	f.pipelines[10] = []domain.Pipeline{pipeline(100, 10, domain.PipelineFailed, time.Hour)}
	h.svc.RefreshNow(ctx)

	events = h.svc.RecentNotifications()
	require.Len(t, events, 2)
	assert.Equal(t, notifier.EventPipelineFailed, events[0].Kind)
}

func TestEnablingNotificationReportsLaterTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recent := h.withRecent(t)
	f := h.addAccount(t, "acc-1")
	f.active = []domain.Pipeline{pipeline(100, 10, domain.PipelineRunning, time.Hour)}
	require.NoError(t, h.prefs.WatchProject(ctx, 10))

	h.svc.RefreshNow(ctx)
	require.Empty(t, recent.Recent(), "pipeline started is off by default")

	f.active = nil
	h.svc.RefreshNow(ctx)

	settings := domain.DefaultNotificationSettings()
	settings.PipelineStarted = true
	_, err := h.prefs.Apply(ctx, preferences.Patch{Notifications: &settings})
	require.NoError(t, err)

	f.active = []domain.Pipeline{pipeline(100, 10, domain.PipelineRunning, time.Hour)}
	h.svc.RefreshNow(ctx)

	events := recent.Recent()
	require.Len(t, events, 1)
	assert.Equal(t, notifier.EventPipelineStarted, events[0].Kind)
}

func TestAddAccountValidatesCredentials(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.probe.userErr = apperrors.NewAuthError("invalid token", nil)
	_, err := h.svc.AddAccount(ctx, domain.AccountInput{Name: "work", InstanceURL: "https://gitlab.example.com", Token: "bad"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))

	accounts, err := h.svc.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	h.probe.userErr = nil
	account, err := h.svc.AddAccount(ctx, domain.AccountInput{InstanceURL: "https://gitlab.example.com/", Token: "good"})
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "dev", account.Name, "name defaults to the username")
	assert.Equal(t, "https://gitlab.example.com", account.InstanceURL)
	assert.True(t, account.IsActive)

	token, ok, err := h.store.ResolveToken(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "good", token)
}

func TestValidateTokenRequiresInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ValidateToken(context.Background(), "", "token")
	require.Error(t, err)
	code, _ := apperrors.CodeOf(err)
	assert.Equal(t, apperrors.ErrCodeBadRequest, code)
}

func TestRemoveAccountInvalidatesClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAccount(t, "acc-1")
	h.svc.RefreshNow(ctx)
	require.Equal(t, 1, h.reg.Len())

	require.NoError(t, h.svc.RemoveAccount(ctx, "acc-1"))
	assert.Zero(t, h.reg.Len())

	err := h.svc.RemoveAccount(ctx, "acc-1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateTokenReplacesClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addAccount(t, "acc-1")
	h.svc.RefreshNow(ctx)

	require.NoError(t, h.svc.UpdateToken(ctx, "acc-1", "rotated"))
	assert.Zero(t, h.reg.Len())

	token, _, err := h.store.ResolveToken(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)
}

func TestAssignMergeRequestRefreshesInBackground(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.addAccount(t, "acc-1")

	err := h.svc.AssignMergeRequest(ctx, "acc-1", 10, 3, []domain.UserRef{domain.CurrentUser()})
	require.NoError(t, err)

	f.mu.Lock()
	require.Len(t, f.assignedUsers, 1)
	assert.True(t, f.assignedUsers[0].IsCurrentUser())
	f.mu.Unlock()

	assert.Eventually(t, func() bool { return f.count("MergeRequests") > 0 }, time.Second, 10*time.Millisecond)
}

func TestActionsOnUnknownAccount(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.MergeRequestNotes(context.Background(), "missing", 10, 1, 0)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMergeRequestNotesDefaultLimit(t *testing.T) {
	h := newHarness(t)
	h.addAccount(t, "acc-1")

	notes, err := h.svc.MergeRequestNotes(context.Background(), "acc-1", 10, 1, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "limit 20", notes[0].Body)
}

func TestRunRefreshesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	f := h.addAccount(t, "acc-1")
	f.assigned = []domain.MergeRequest{mr(1, 10)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(h.svc.Current().MergeRequests) == 1
	}, time.Second, 10*time.Millisecond)

	h.svc.Restart()
	assert.Eventually(t, func() bool {
		return f.count("MergeRequests") >= 4
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
