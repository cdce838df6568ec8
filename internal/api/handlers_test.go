package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremachine/internal/approval"
	"coremachine/internal/catalog"
	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/orchestrator"
	"coremachine/internal/queue"
	"coremachine/internal/store/sqlite"
	"coremachine/internal/testsupport"
)

type server struct {
	t      *testing.T
	router *gin.Engine
	store  *sqlite.Store
	queue  *queue.MemoryQueue
	m      *orchestrator.Machine
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := testsupport.MustOpenStore(t)
	log, _ := testsupport.NewLogger()
	blobs, _ := testsupport.NewBlobs(t, map[string]string{"incoming/a.tif": "aaaa"})
	reg, err := jobs.NewBuiltinRegistry(jobs.Deps{Blobs: blobs, Store: s, Catalog: catalog.NewService(s)})
	require.NoError(t, err)

	q := testsupport.NewQueue(log)
	m := orchestrator.New(s, q, reg, log, orchestrator.Options{})
	h := &Handler{Machine: m, Approval: approval.NewService(s, m, log), Store: s, Log: log}
	return &server{t: t, router: NewRouter(h), store: s, queue: q, m: m}
}

func (s *server) do(method, path, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	w := s.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestSubmitJobAndStatus(t *testing.T) {
	s := newServer(t)
	body := `{"job_type":"ingest_asset","parameters":{"sources":["incoming/a.tif"],"asset_id":"a1"}}`

	w := s.do(http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var submitted orchestrator.SubmitResult
	decodeData(t, w, &submitted)
	assert.Equal(t, orchestrator.SubmitQueued, submitted.Status)

	// Same parameters in another key order address the same job.
	w = s.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"ingest_asset","parameters":{"asset_id":"a1","sources":["incoming/a.tif"]}}`)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "conflict", errorCode(t, w))
	var dup orchestrator.SubmitResult
	decodeData(t, w, &dup)
	assert.Equal(t, orchestrator.SubmitDuplicate, dup.Status)
	assert.Equal(t, submitted.JobID, dup.JobID)

	_, err := s.queue.Drain(context.Background(), s.m, 100)
	require.NoError(t, err)

	w = s.do(http.MethodGet, "/api/v1/jobs/"+submitted.JobID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var report orchestrator.StatusReport
	decodeData(t, w, &report)
	assert.Equal(t, models.JobStatusCompleted, report.Job.Status)
	assert.Len(t, report.StageResults, 3)
	require.Len(t, report.Releases, 1)
	assert.Equal(t, models.ApprovalPendingReview, report.Releases[0].ApprovalState)

	w = s.do(http.MethodGet, "/api/v1/jobs/"+submitted.JobID+"/tasks?stage=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []*models.Task
	decodeData(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, jobs.TaskIngestCopy, tasks[0].TaskType)

	w = s.do(http.MethodGet, "/api/v1/jobs?status=COMPLETED", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []*models.Job
	decodeData(t, w, &list)
	assert.Len(t, list, 1)
}

func TestSubmitJobErrors(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"nope","parameters":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"ingest_asset","parameters":{"asset_id":"a1"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", errorCode(t, w))

	w = s.do(http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/jobs?status=DONE", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/jobs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReleaseLifecycleRoutes(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	_, err := s.store.CreateRelease(ctx, &models.Release{
		ReleaseID: "r1", AssetID: "a1", JobID: "j1", Artifacts: []string{"assets/a1/r1/a.tif"},
	})
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/api/v1/releases/r1/unpublish", `{"actor":"ops"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "unpublishing a draft")

	w = s.do(http.MethodPost, "/api/v1/releases/r1/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res approval.Result
	decodeData(t, w, &res)
	assert.Equal(t, approval.Applied, res.Outcome)
	require.NotNil(t, res.Job)
	assert.Equal(t, orchestrator.SubmitQueued, res.Job.Status)

	_, err = s.queue.Drain(ctx, s.m, 100)
	require.NoError(t, err)

	w = s.do(http.MethodPost, "/api/v1/releases/r1/approve", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code)
	res = approval.Result{}
	decodeData(t, w, &res)
	assert.Equal(t, approval.Unchanged, res.Outcome)
	require.NotNil(t, res.Release.Materialization, "the materialize job ran")
	assert.Nil(t, res.Job)

	w = s.do(http.MethodPost, "/api/v1/releases/r1/reject", `{"actor":"bob","reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", errorCode(t, w))

	w = s.do(http.MethodPost, "/api/v1/releases/missing/approve", `{"actor":"alice"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The reason is optional, and repeating the revoke returns the current state.
	for _, want := range []approval.Outcome{approval.Applied, approval.Unchanged} {
		w = s.do(http.MethodPost, "/api/v1/releases/r1/revoke", `{"actor":"alice"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res = approval.Result{}
		decodeData(t, w, &res)
		assert.Equal(t, want, res.Outcome)
		assert.Equal(t, models.ApprovalRevoked, res.Release.ApprovalState)
		assert.Nil(t, res.Release.RevokedReason)
		require.NotNil(t, res.Job)
	}

	w = s.do(http.MethodPost, "/api/v1/releases/r1/unpublish", `{"actor":"ops"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var unpub approval.UnpublishResult
	decodeData(t, w, &unpub)
	require.NotNil(t, unpub.Job)
	assert.Equal(t, orchestrator.SubmitQueued, unpub.Job.Status)

	w = s.do(http.MethodGet, "/api/v1/assets/a1/releases", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []*models.Release
	decodeData(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].ReleaseID)

	w = s.do(http.MethodGet, "/api/v1/releases/r1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
