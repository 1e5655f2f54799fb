package domain

import (
	"strconv"
	"time"
	"unicode/utf16"
)

// Release represents a tagged release of a watched project
type Release struct {
	ID          int64       `json:"id"`
	TagName     string      `json:"tag_name"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	ReleasedAt  time.Time   `json:"released_at"`
	CreatedAt   time.Time   `json:"created_at"`
	WebURL      string      `json:"web_url"`
	ProjectID   int64       `json:"project_id"`
	ProjectName string      `json:"project_name"`
	ProjectPath string      `json:"project_path"`
	Author      User        `json:"author"`
	Deployment  *Deployment `json:"deployment,omitempty"`
	AccountID   string      `json:"account_id"`
}

// Deployment is the deployment associated with a release tag
type Deployment struct {
	ID          int64      `json:"id"`
	Status      string     `json:"status"`
	Environment string     `json:"environment"`
	DeployedAt  *time.Time `json:"deployed_at,omitempty"`
	WebURL      string     `json:"web_url"`
}

// ReleaseID derives a stable identifier for a release. GitLab has no numeric
// release id, so dismissals are keyed on a hash of "<projectID>-<tag>".
//
// The hash is the 31-multiplier rolling hash over UTF-16 code units where the
// shifted accumulator is truncated to 32 bits on every step.
func ReleaseID(projectID int64, tagName string) int64 {
	key := strconv.FormatInt(projectID, 10) + "-" + tagName

	var acc int64
	for _, unit := range utf16.Encode([]rune(key)) {
		shifted := int64(int32(uint32(acc) << 5))
		acc = shifted - acc + int64(unit)
	}
	if acc < 0 {
		acc = -acc
	}
	return acc
}
