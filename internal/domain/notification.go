package domain

// NotificationSettings selects which change events are delivered
type NotificationSettings struct {
	Enabled           bool `json:"enabled"`
	MRAssigned        bool `json:"mr_assigned"`
	MRMentioned       bool `json:"mr_mentioned"`
	PipelineStarted   bool `json:"pipeline_started"`
	PipelineFailed    bool `json:"pipeline_failed"`
	PipelineSucceeded bool `json:"pipeline_succeeded"`
}

// DefaultNotificationSettings returns the settings of a fresh install
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Enabled:        true,
		MRAssigned:     true,
		MRMentioned:    true,
		PipelineFailed: true,
	}
}
