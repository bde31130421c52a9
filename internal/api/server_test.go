package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-collections/internal/config"
	"billing-collections/internal/models"
	"billing-collections/internal/runner"
)

type fakeJobs struct {
	lastParams runner.TriggerParams
	result     runner.Result
	err        error
	tick       runner.CronTickResult
	runs       []models.JobRun
	runsLimit  int
}

func (f *fakeJobs) record(p runner.TriggerParams) (runner.Result, error) {
	f.lastParams = p
	return f.result, f.err
}

func (f *fakeJobs) RunAnchor(_ context.Context, p runner.TriggerParams) (runner.Result, error) {
	return f.record(p)
}

func (f *fakeJobs) RunPrepareBatch(_ context.Context, p runner.TriggerParams) (runner.Result, error) {
	return f.record(p)
}

func (f *fakeJobs) RunExportBatch(_ context.Context, p runner.TriggerParams) (runner.Result, error) {
	return f.record(p)
}

func (f *fakeJobs) RunFallbackCreate(_ context.Context, p runner.TriggerParams) (runner.Result, error) {
	return f.record(p)
}

func (f *fakeJobs) RunFallbackSync(_ context.Context, p runner.TriggerParams) (runner.Result, error) {
	return f.record(p)
}

func (f *fakeJobs) RunCronTick(context.Context) runner.CronTickResult {
	return f.tick
}

func (f *fakeJobs) ListRecentRuns(_ context.Context, limit int) ([]models.JobRun, error) {
	f.runsLimit = limit
	return f.runs, nil
}

func newTestServer(jobs *fakeJobs) http.Handler {
	return New(config.Config{}, jobs, nil).Router()
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(&fakeJobs{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerForcesManualSourceAndActor(t *testing.T) {
	jobs := &fakeJobs{result: runner.Result{Status: models.StatusSuccess, JobName: models.JobAnchor}}
	h := newTestServer(jobs)

	rec := postJSON(t, h, "/collections/anchor",
		map[string]any{"source": "CRON", "target_date_ar": "2025-06-10"},
		map[string]string{"X-Actor-ID": "ops-user-7"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SourceManual, jobs.lastParams.Source)
	assert.Equal(t, "ops-user-7", jobs.lastParams.ActorUserID)
	assert.Equal(t, "2025-06-10", jobs.lastParams.TargetDateAR)

	var res runner.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, models.StatusSuccess, res.Status)
}

func TestTriggerRejectsMalformedDate(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestServer(jobs)

	rec := postJSON(t, h, "/collections/prepare-batch",
		map[string]any{"target_date_ar": "10/06/2025"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, jobs.lastParams.Source)
}

func TestTriggerRejectsInvalidJSON(t *testing.T) {
	h := newTestServer(&fakeJobs{})
	req := httptest.NewRequest(http.MethodPost, "/collections/export-batch", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerEmptyBodyAllowed(t *testing.T) {
	jobs := &fakeJobs{result: runner.Result{Status: models.StatusNoOp}}
	h := newTestServer(jobs)

	req := httptest.NewRequest(http.MethodPost, "/collections/fallback/create", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFailedRunReturns500WithResult(t *testing.T) {
	jobs := &fakeJobs{
		result: runner.Result{Status: models.StatusFailed, Error: "export rail down"},
		err:    errors.New("export rail down"),
	}
	h := newTestServer(jobs)

	rec := postJSON(t, h, "/collections/export-batch", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var res runner.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, "export rail down", res.Error)
}

func TestPreRunErrorReturns500(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("acquire lock: connection refused")}
	h := newTestServer(jobs)

	rec := postJSON(t, h, "/collections/fallback/sync", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCronTickEndpoint(t *testing.T) {
	jobs := &fakeJobs{tick: runner.CronTickResult{Enabled: false}}
	h := newTestServer(jobs)

	rec := postJSON(t, h, "/collections/cron-tick", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var tick runner.CronTickResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tick))
	assert.False(t, tick.Enabled)
}

func TestListRunsLimit(t *testing.T) {
	jobs := &fakeJobs{runs: []models.JobRun{{ID: "r1", JobName: models.JobAnchor, Status: models.StatusSuccess}}}
	h := newTestServer(jobs)

	req := httptest.NewRequest(http.MethodGet, "/collections/runs?limit=10", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, jobs.runsLimit)

	req = httptest.NewRequest(http.MethodGet, "/collections/runs?limit=9999", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
