package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/job"
	"github.com/basket/nodepilot/internal/store"
)

func newTestServer(t *testing.T, authToken string) *Server {
	return newTestServerWithJobs(t, authToken, nil)
}

func newTestServerWithJobs(t *testing.T, authToken string, jobs JobAPI) *Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nodepilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(Config{
		Store:     s,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:   "test",
		AuthToken: authToken,
		Jobs:      jobs,
	})
}

type fakeJobs struct {
	submitted []job.SubmitRequest
	retried   []int64
	statusErr error
}

func (f *fakeJobs) Submit(_ context.Context, req job.SubmitRequest) (*job.SubmitResult, error) {
	f.submitted = append(f.submitted, req)
	return &job.SubmitResult{TaskID: 11, JobID: 7}, nil
}

func (f *fakeJobs) Status(_ context.Context, jobID int64, _ job.StatusFilter) (*job.StatusView, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &job.StatusView{
		Job:        store.Job{ID: jobID, Status: store.StatusRunning},
		Statistics: map[store.InstanceStatus]int{store.StatusRunning: 1},
	}, nil
}

func (f *fakeJobs) Retry(_ context.Context, jobID int64, _ []string) error {
	f.retried = append(f.retried, jobID)
	return nil
}

func (f *fakeJobs) Revoke(_ context.Context, _ int64, _ []string) error { return nil }

func (f *fakeJobs) GenCommands(_ context.Context, _, _ int64, _ bool) ([]gse.Command, error) {
	return nil, nil
}

func (f *fakeJobs) RollbackPreview(_ context.Context, _ int64) (map[int64]*job.RollbackTarget, error) {
	return map[int64]*job.RollbackTarget{}, nil
}

func TestHealthzReportsOK(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload struct {
		Status   string `json:"status"`
		DBOk     bool   `json:"db_ok"`
		OpenJobs int    `json:"open_jobs"`
		Version  string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || !payload.DBOk || payload.OpenJobs != 0 || payload.Version != "test" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestMetricszCountsTables(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metricsz")
	if err != nil {
		t.Fatalf("get metricsz: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Goroutines int              `json:"goroutines"`
		Tables     map[string]int64 `json:"tables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Goroutines <= 0 {
		t.Fatalf("goroutines = %d", payload.Goroutines)
	}
	if n, ok := payload.Tables["jobs"]; !ok || n != 0 {
		t.Fatalf("jobs count = %d (present %v)", n, ok)
	}
}

func TestMetricszRequiresBearerToken(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, "sekrit").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metricsz")
	if err != nil {
		t.Fatalf("get metricsz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metricsz", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestJobRoutesAbsentWithoutService(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, "").Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs/1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitJobAndQueryStatus(t *testing.T) {
	jobs := &fakeJobs{}
	srv := httptest.NewServer(newTestServerWithJobs(t, "", jobs).Handler())
	defer srv.Close()

	body := bytes.NewBufferString(`{"subscription_id": 3, "action": "install", "run_immediately": true}`)
	resp, err := http.Post(srv.URL+"/api/jobs", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var created struct {
		JobID  int64 `json:"job_id"`
		TaskID int64 `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.JobID != 7 || created.TaskID != 11 {
		t.Fatalf("created = %+v", created)
	}
	if len(jobs.submitted) != 1 || jobs.submitted[0].SubscriptionID != 3 || !jobs.submitted[0].RunImmediately {
		t.Fatalf("submitted = %+v", jobs.submitted)
	}

	resp, err = http.Get(srv.URL + "/api/jobs/7?status=running&limit=10")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var view job.StatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Job.ID != 7 || view.Job.Status != store.StatusRunning {
		t.Fatalf("view = %+v", view)
	}
}

func TestJobAPIRejectsBadInput(t *testing.T) {
	jobs := &fakeJobs{}
	srv := httptest.NewServer(newTestServerWithJobs(t, "", jobs).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/jobs", "application/json",
		bytes.NewBufferString(`{"action": "install"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing subscription_id status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/jobs/not-a-number")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", resp.StatusCode)
	}
}

func TestJobAPIMapsDomainErrors(t *testing.T) {
	jobs := &fakeJobs{statusErr: store.ErrNotFound}
	srv := httptest.NewServer(newTestServerWithJobs(t, "", jobs).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/jobs/99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("not found status = %d", resp.StatusCode)
	}

	jobs.statusErr = job.ErrNotRunnable
	resp, err = http.Get(srv.URL + "/api/jobs/99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("not runnable status = %d", resp.StatusCode)
	}
}

func TestJobAPIRequiresAuthWhenTokenSet(t *testing.T) {
	jobs := &fakeJobs{}
	srv := httptest.NewServer(newTestServerWithJobs(t, "sekrit", jobs).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/jobs/4/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	if len(jobs.retried) != 0 {
		t.Fatalf("retry reached service without auth")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/jobs/4/retry", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}
	if len(jobs.retried) != 1 || jobs.retried[0] != 4 {
		t.Fatalf("retried = %v", jobs.retried)
	}
}
