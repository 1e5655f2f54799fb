package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
	apperrors "github.com/kurihiro0119/gitlab-activity-monitor/internal/errors"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rec := &sleepRecorder{}
	cfg := DefaultClientConfig()
	cfg.RequestsPerSecond = 0
	cfg.Sleep = rec.sleep
	client := NewGitLabClient(domain.Account{ID: "acc-1", InstanceURL: srv.URL + "/"}, "secret", cfg)
	return client, rec
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRetriesOnceAfterRetryAfter(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, []map[string]interface{}{{"id": 7, "iid": 1, "title": "Fix", "state": "opened"}})
	})

	client, rec := newTestClient(t, mux)
	mrs, err := client.MergeRequests(context.Background(), ScopeAssignedToMe)
	require.NoError(t, err)
	require.Len(t, mrs, 1)
	assert.Equal(t, int64(7), mrs[0].ID)
	assert.Equal(t, domain.RoleAssignee, mrs[0].UserRole)
	assert.Equal(t, "acc-1", mrs[0].AccountID)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
}

func TestClientSurfacesSecondRateLimit(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/5", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client, rec := newTestClient(t, mux)
	_, err := client.Project(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{DefaultRetryWait}, rec.waits)
}

func TestClientRetryFailureWithOtherStatus(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/5", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]string{"message": "upstream down"})
	})

	client, _ := newTestClient(t, mux)
	_, err := client.Project(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, apperrors.IsRemote(err))
	assert.Equal(t, http.StatusBadGateway, apperrors.StatusOf(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "unauthorized", status: http.StatusUnauthorized},
		{name: "forbidden", status: http.StatusForbidden},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				writeJSON(w, map[string]string{"message": "401 Unauthorized"})
			})

			client, _ := newTestClient(t, mux)
			_, err := client.ValidateCredentials(context.Background())
			require.Error(t, err)
			assert.True(t, apperrors.IsUnauthorized(err))
		})
	}
}

func TestReviewerScopeUsesCachedUserID(t *testing.T) {
	var userCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&userCalls, 1)
		writeJSON(w, map[string]interface{}{"id": 42, "username": "me"})
	})
	mux.HandleFunc("/api/v4/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("reviewer_id"))
		assert.Equal(t, "all", r.URL.Query().Get("scope"))
		writeJSON(w, []map[string]interface{}{{"id": 1}})
	})

	client, _ := newTestClient(t, mux)
	for i := 0; i < 3; i++ {
		mrs, err := client.ReviewerMergeRequests(context.Background())
		require.NoError(t, err)
		require.Len(t, mrs, 1)
		assert.Equal(t, domain.RoleReviewer, mrs[0].UserRole)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&userCalls))
}

func TestFetchListCapsAtHundredItems(t *testing.T) {
	var pages int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/groups", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		page := atomic.AddInt32(&pages, 1)
		groups := make([]map[string]interface{}, 60)
		for i := range groups {
			groups[i] = map[string]interface{}{"id": int(page)*1000 + i}
		}
		w.Header().Set("X-Next-Page", strconv.Itoa(int(page)+1))
		writeJSON(w, groups)
	})

	client, _ := newTestClient(t, mux)
	groups, err := client.Groups(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, MaxListItems)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pages))
}

func TestFetchListStopsWithoutNextPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("per_page"))
		assert.Equal(t, "last_activity_at", r.URL.Query().Get("order_by"))
		w.Header().Set("X-Next-Page", "")
		writeJSON(w, []map[string]interface{}{{"id": 1, "name": "api"}, {"id": 2, "name": "web"}})
	})

	client, _ := newTestClient(t, mux)
	projects, err := client.RecentProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestUnassignedMergeRequestsDropsReviewed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/9/merge_requests", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "None", r.URL.Query().Get("reviewer_id"))
		writeJSON(w, []map[string]interface{}{
			{"id": 1, "reviewers": []interface{}{}},
			{"id": 2, "reviewers": []map[string]interface{}{{"id": 3}}},
			{"id": 3},
		})
	})

	client, _ := newTestClient(t, mux)
	mrs, err := client.UnassignedMergeRequests(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, mrs, 2)
	for _, mr := range mrs {
		assert.Equal(t, domain.RoleUnassigned, mr.UserRole)
		assert.NotNil(t, mr.Reviewers)
	}
}

func TestActivePipelinesSkipsFailingProjects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 1, "name": "api", "path_with_namespace": "team/api"},
			{"id": 2, "name": "web", "path_with_namespace": "team/web"},
		})
	})
	mux.HandleFunc("/api/v4/projects/1/pipelines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("per_page"))
		status := r.URL.Query().Get("status")
		writeJSON(w, []map[string]interface{}{{"id": map[string]int{"running": 10, "pending": 11}[status], "status": status, "project_id": 1}})
	})
	mux.HandleFunc("/api/v4/projects/2/pipelines", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	client, _ := newTestClient(t, mux)
	pipelines, err := client.ActivePipelines(context.Background())
	require.NoError(t, err)
	require.Len(t, pipelines, 2)
	assert.Equal(t, domain.PipelineRunning, pipelines[0].Status)
	assert.Equal(t, domain.PipelinePending, pipelines[1].Status)
	assert.Equal(t, "api", pipelines[0].ProjectName)
	assert.Equal(t, "team/api", pipelines[1].ProjectPath)
}

func TestReleasesDeriveStableIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/3/releases", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("per_page"))
		assert.Equal(t, "released_at", r.URL.Query().Get("order_by"))
		writeJSON(w, []map[string]interface{}{
			{"tag_name": "v1.0.0", "name": "", "_links": map[string]string{"self": "https://gitlab.example/r/1"}},
		})
	})

	client, _ := newTestClient(t, mux)
	releases, err := client.Releases(context.Background(), 3, 3)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, domain.ReleaseID(3, "v1.0.0"), releases[0].ID)
	assert.Equal(t, "v1.0.0", releases[0].Name)
	assert.Equal(t, "https://gitlab.example/r/1", releases[0].WebURL)
}

func TestDeploymentForTag(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/3/deployments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 1, "status": "success", "deployable": map[string]interface{}{"ref": "v2.0.0", "tag": false}},
			{"id": 2, "status": "success", "deployable": map[string]interface{}{"ref": "v2.0.0", "tag": true}, "updated_at": updated},
			{"id": 3, "status": "failed", "environment": map[string]string{"name": "staging"}, "deployable": map[string]interface{}{"ref": "v1.0.0", "tag": true}},
		})
	})

	client, _ := newTestClient(t, mux)

	d, err := client.DeploymentForTag(context.Background(), 3, "v2.0.0")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(2), d.ID)
	assert.Equal(t, "production", d.Environment)
	require.NotNil(t, d.DeployedAt)
	assert.True(t, updated.Equal(*d.DeployedAt))

	d, err = client.DeploymentForTag(context.Background(), 3, "v1.0.0")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "staging", d.Environment)

	d, err = client.DeploymentForTag(context.Background(), 3, "v9")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMergeRequestNotesSkipsSystemNotes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/4/merge_requests/12/notes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"id": 1, "body": "added 1 commit", "system": true},
			{"id": 2, "body": "looks good"},
			{"id": 3, "body": "nit"},
			{"id": 4, "body": "ship it"},
		})
	})

	client, _ := newTestClient(t, mux)
	notes, err := client.MergeRequestNotes(context.Background(), 4, 12, 2)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "looks good", notes[0].Body)
	assert.Equal(t, "nit", notes[1].Body)
}

func TestAddReviewersKeepsExistingAndResolvesMe(t *testing.T) {
	var got map[string][]int64
	var userCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/user", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&userCalls, 1)
		writeJSON(w, map[string]interface{}{"id": 42})
	})
	mux.HandleFunc("/api/v4/projects/4/merge_requests/12", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, map[string]interface{}{"id": 100, "reviewers": []map[string]interface{}{{"id": 5}}})
		case http.MethodPut:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			writeJSON(w, map[string]interface{}{"id": 100})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	client, _ := newTestClient(t, mux)
	err := client.AddReviewers(context.Background(), 4, 12, []domain.UserRef{
		domain.CurrentUser(), domain.Explicit(5), domain.CurrentUser(), domain.Explicit(8),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 42, 8}, got["reviewer_ids"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&userCalls))
}

func TestAssignMergeRequest(t *testing.T) {
	var got map[string][]int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/4/merge_requests/12", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]interface{}{"id": 100})
	})

	client, _ := newTestClient(t, mux)
	require.NoError(t, client.AssignMergeRequest(context.Background(), 4, 12, []domain.UserRef{domain.Explicit(3)}))
	assert.Equal(t, []int64{3}, got["assignee_ids"])
}

func TestClientTracksRateLimitHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).Unix()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("RateLimit-Remaining", "17")
		w.Header().Set("RateLimit-Reset", fmt.Sprint(reset))
		writeJSON(w, map[string]interface{}{"id": 1})
	})

	client, _ := newTestClient(t, mux)
	remaining, _ := client.Quota()
	assert.Equal(t, -1, remaining)

	_, err := client.Project(context.Background(), 1)
	require.NoError(t, err)

	remaining, resetAt := client.Quota()
	assert.Equal(t, 17, remaining)
	assert.Equal(t, reset, resetAt.Unix())
}
