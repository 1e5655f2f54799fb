package aggregator

import "github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"

// Classify derives the aggregate status from the items that are not dismissed.
// Failed pipelines win over running ones, which win over review requests.
func Classify(mrs []domain.MergeRequest, pipelines []domain.Pipeline, dismissedMRs, dismissedPipelines domain.IDSet) domain.Status {
	visibleMRs := 0
	reviewer := false
	for _, mr := range mrs {
		if dismissedMRs.Has(mr.ID) {
			continue
		}
		visibleMRs++
		if mr.UserRole == domain.RoleReviewer {
			reviewer = true
		}
	}

	visiblePipelines := 0
	failed, running := false, false
	for _, p := range pipelines {
		if dismissedPipelines.Has(p.ID) {
			continue
		}
		visiblePipelines++
		switch p.Status {
		case domain.PipelineFailed:
			failed = true
		case domain.PipelineRunning:
			running = true
		}
	}

	switch {
	case failed:
		return domain.StatusCritical
	case running:
		return domain.StatusActive
	case reviewer:
		return domain.StatusAttention
	case visibleMRs > 0 || visiblePipelines > 0:
		return domain.StatusAttention
	default:
		return domain.StatusIdle
	}
}
