package poller

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/aggregator"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/collector"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	"github.com/kurihiro0119/gitlab-activity-monitor/internal/preferences"
)

const (
	// fetchConcurrency bounds parallel fetches inside one account step
	fetchConcurrency = 4
	// failedPipelineLookback is how many recent pipelines per watched project
	// are scanned for failures
	failedPipelineLookback = 20
	// lowQuotaThreshold is the remaining request count below which an
	// account's refresh warns
	lowQuotaThreshold = 50
)

type accountResult struct {
	mergeRequests []domain.MergeRequest
	pipelines     []domain.Pipeline
	releases      []domain.Release
}

// collectAll runs one goroutine per account. A failing or panicking account
// contributes an empty result.
func (s *Service) collectAll(ctx context.Context, accounts []domain.Account, prefs preferences.Preferences) []accountResult {
	results := make([]accountResult, len(accounts))

	var wg sync.WaitGroup
	for i, account := range accounts {
		wg.Add(1)
		go func(i int, account domain.Account) {
			defer wg.Done()
			logger := s.logger.With("account", account.Name, "account_id", account.ID)
			defer func() {
				if r := recover(); r != nil {
					logger.Error("account refresh panicked", "panic", r)
				}
			}()
			results[i] = s.collectAccount(ctx, account, prefs, logger)
		}(i, account)
	}
	wg.Wait()

	return results
}

// projectCache memoises project lookups for one account during one cycle.
// Failed lookups are cached as nil so they are not retried.
type projectCache struct {
	client collector.RemoteClient
	mu     sync.Mutex
	byID   map[int64]*domain.Project
}

func newProjectCache(client collector.RemoteClient) *projectCache {
	return &projectCache{client: client, byID: make(map[int64]*domain.Project)}
}

func (c *projectCache) get(ctx context.Context, id int64) *domain.Project {
	c.mu.Lock()
	p, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return p
	}

	p, err := c.client.Project(ctx, id)
	if err != nil {
		p = nil
	}

	c.mu.Lock()
	c.byID[id] = p
	c.mu.Unlock()
	return p
}

// warm fetches every id not yet cached with bounded concurrency
func (c *projectCache) warm(ctx context.Context, ids []int64) {
	seen := make(domain.IDSet, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, id := range ids {
		if seen.Has(id) {
			continue
		}
		seen[id] = struct{}{}
		id := id
		g.Go(func() error {
			c.get(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) collectAccount(ctx context.Context, account domain.Account, prefs preferences.Preferences, logger *slog.Logger) accountResult {
	var result accountResult

	token, ok, err := s.accounts.ResolveToken(ctx, account.ID)
	if err != nil || !ok {
		logger.Warn("skipping account without token", "error", err)
		return result
	}
	client := s.registry.Get(account, token)
	projects := newProjectCache(client)
	watched := prefs.Watched()

	// merge requests under the three role scopes; a failed scope is empty
	assigned, err := client.MergeRequests(ctx, collector.ScopeAssignedToMe)
	if err != nil {
		logger.Warn("failed to fetch assigned merge requests", "error", err)
		assigned = nil
	}
	authored, err := client.MergeRequests(ctx, collector.ScopeCreatedByMe)
	if err != nil {
		logger.Warn("failed to fetch authored merge requests", "error", err)
		authored = nil
	}
	var reviewing []domain.MergeRequest
	if _, err := client.CurrentUserID(ctx); err != nil {
		logger.Debug("reviewer scope skipped, user unresolved", "error", err)
	} else if reviewing, err = client.ReviewerMergeRequests(ctx); err != nil {
		logger.Debug("reviewer scope failed", "error", err)
		reviewing = nil
	}
	mrs := aggregator.MergeByRole(assigned, authored, reviewing)

	if prefs.ShowUnassignedMRs && len(prefs.WatchedProjectIDs) > 0 {
		var unassigned []domain.MergeRequest
		for _, projectID := range prefs.WatchedProjectIDs {
			found, err := client.UnassignedMergeRequests(ctx, projectID)
			if err != nil {
				logger.Debug("failed to fetch unassigned merge requests", "project", projectID, "error", err)
				continue
			}
			unassigned = append(unassigned, found...)
		}
		mrs = aggregator.AddUnassigned(mrs, unassigned)
	}

	ids := make([]int64, 0, len(mrs))
	for _, mr := range mrs {
		ids = append(ids, mr.ProjectID)
	}
	projects.warm(ctx, ids)
	for i := range mrs {
		if p := projects.get(ctx, mrs[i].ProjectID); p != nil {
			mrs[i].ProjectName = p.Name
			mrs[i].ProjectPath = p.PathWithNamespace
		}
	}
	result.mergeRequests = mrs

	// active pipelines of watched projects that are not presumed stuck
	active, err := client.ActivePipelines(ctx)
	if err != nil {
		logger.Warn("failed to fetch active pipelines", "error", err)
		active = nil
	}
	now := s.now()
	pipelines := aggregator.FilterStaleActive(aggregator.FilterWatched(active, watched), now, s.ActivePipelineMaxAge())

	// recent failures of watched projects
	activeIDs := aggregator.PipelineIDs(pipelines)
	for _, projectID := range prefs.WatchedProjectIDs {
		recent, err := client.Pipelines(ctx, projectID, "", failedPipelineLookback)
		if err != nil {
			logger.Warn("failed to fetch project pipelines", "project", projectID, "error", err)
			continue
		}
		pipelines = append(pipelines, aggregator.FilterFailed(recent, now, prefs.FailedPipelineMaxAge, activeIDs)...)
	}

	result.pipelines = s.enrichPipelines(ctx, client, projects, aggregator.DedupPipelines(pipelines))
	result.releases = s.collectReleases(ctx, client, projects, prefs, logger)

	remaining, reset := client.Quota()
	logger.Debug("account refreshed",
		"merge_requests", len(result.mergeRequests),
		"pipelines", len(result.pipelines),
		"releases", len(result.releases),
		"quota_remaining", remaining,
	)
	if remaining >= 0 && remaining < lowQuotaThreshold {
		logger.Warn("rate limit quota nearly exhausted", "quota_remaining", remaining, "quota_reset", reset)
	}
	return result
}

// enrichPipelines attaches jobs, triggering user and project names. Failed
// lookups leave the fields empty.
func (s *Service) enrichPipelines(ctx context.Context, client collector.RemoteClient, projects *projectCache, pipelines []domain.Pipeline) []domain.Pipeline {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i := range pipelines {
		p := &pipelines[i]
		g.Go(func() error {
			if jobs, err := client.PipelineJobs(gctx, p.ProjectID, p.ID); err == nil {
				p.Jobs = jobs
			}
			if user, err := client.PipelineUser(gctx, p.ProjectID, p.ID); err == nil {
				p.User = user
			}
			if p.ProjectName == "" {
				if project := projects.get(gctx, p.ProjectID); project != nil {
					p.ProjectName = project.Name
					p.ProjectPath = project.PathWithNamespace
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return pipelines
}

// collectReleases fetches the latest releases of every watched project with
// their deployment. A project that fails contributes nothing.
func (s *Service) collectReleases(ctx context.Context, client collector.RemoteClient, projects *projectCache, prefs preferences.Preferences, logger *slog.Logger) []domain.Release {
	limit := prefs.ViewMode.ReleaseLimit()
	perProject := make([][]domain.Release, len(prefs.WatchedProjectIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, projectID := range prefs.WatchedProjectIDs {
		i, projectID := i, projectID
		g.Go(func() error {
			releases, err := client.Releases(gctx, projectID, limit)
			if err != nil {
				logger.Debug("failed to fetch releases", "project", projectID, "error", err)
				return nil
			}
			project := projects.get(gctx, projectID)
			for j := range releases {
				if project != nil {
					releases[j].ProjectName = project.Name
					releases[j].ProjectPath = project.PathWithNamespace
				}
				deployment, err := client.DeploymentForTag(gctx, projectID, releases[j].TagName)
				if err != nil {
					logger.Debug("failed to fetch deployment", "project", projectID, "tag", releases[j].TagName, "error", err)
					continue
				}
				releases[j].Deployment = deployment
			}
			perProject[i] = releases
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.Release, 0)
	for _, releases := range perProject {
		out = append(out, releases...)
	}
	return out
}
