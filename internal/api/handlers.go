// Package api exposes job submission, job status and release lifecycle
// actions over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"coremachine/internal/approval"
	"coremachine/internal/models"
	"coremachine/internal/orchestrator"
	"coremachine/internal/store"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	Machine  *orchestrator.Machine
	Approval *approval.Service
	Store    store.Backend
	Log      logrus.FieldLogger
}

type submitRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	Parameters json.RawMessage `json:"parameters"`
}

// SubmitJob handles POST /api/v1/jobs. A job that already exists and is not
// FAILED is a conflict; the body carries it.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Parameters) == 0 {
		req.Parameters = json.RawMessage(`{}`)
	}
	res, err := h.Machine.Submit(c.Request.Context(), req.JobType, req.Parameters)
	if err != nil {
		storeError(c, err)
		return
	}
	if res.Status == orchestrator.SubmitDuplicate {
		ConflictWith(c, fmt.Sprintf("job %s already exists with status %s", res.JobID, res.Job.Status), res)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": res})
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	report, err := h.Machine.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

// ListJobs handles GET /api/v1/jobs?status=&job_type=&limit=&offset=.
func (h *Handler) ListJobs(c *gin.Context) {
	limit, offset, err := pagination(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	filter := store.JobFilter{
		Status:  models.JobStatus(c.Query("status")),
		JobType: c.Query("job_type"),
		Limit:   limit,
		Offset:  offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		BadRequest(c, "unknown job status "+strconv.Quote(string(filter.Status)))
		return
	}
	list, err := h.Store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "limit": limit, "offset": offset})
}

// ListTasks handles GET /api/v1/jobs/:id/tasks?stage=.
func (h *Handler) ListTasks(c *gin.Context) {
	stage := 0
	if raw := c.Query("stage"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequest(c, "stage must be a positive integer")
			return
		}
		stage = n
	}
	ctx := c.Request.Context()
	if _, err := h.Store.GetJob(ctx, c.Param("id")); err != nil {
		storeError(c, err)
		return
	}
	tasks, err := h.Store.ListTasks(ctx, c.Param("id"), stage)
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks})
}

// GetRelease handles GET /api/v1/releases/:id.
func (h *Handler) GetRelease(c *gin.Context) {
	rel, err := h.Store.GetRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rel})
}

// ReleaseHistory handles GET /api/v1/assets/:asset/releases.
func (h *Handler) ReleaseHistory(c *gin.Context) {
	history, err := h.Approval.History(c.Request.Context(), c.Param("asset"))
	if err != nil {
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history})
}

type lifecycleRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Approve handles POST /api/v1/releases/:id/approve.
func (h *Handler) Approve(c *gin.Context) {
	h.lifecycle(c, func(req lifecycleRequest) (approval.Result, error) {
		return h.Approval.Approve(c.Request.Context(), c.Param("id"), req.Actor)
	})
}

// Reject handles POST /api/v1/releases/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	h.lifecycle(c, func(req lifecycleRequest) (approval.Result, error) {
		return h.Approval.Reject(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	})
}

// Revoke handles POST /api/v1/releases/:id/revoke.
func (h *Handler) Revoke(c *gin.Context) {
	h.lifecycle(c, func(req lifecycleRequest) (approval.Result, error) {
		return h.Approval.Revoke(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	})
}

func (h *Handler) lifecycle(c *gin.Context, action func(lifecycleRequest) (approval.Result, error)) {
	var req lifecycleRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	res, err := action(req)
	if err != nil {
		if errors.Is(err, approval.ErrMaterialization) {
			h.Log.WithError(err).WithField("release_id", c.Param("id")).Error("Approval rolled back")
		}
		Internal(c, err.Error())
		return
	}
	respondOutcome(c, res.Outcome, res.Message, res)
}

type unpublishRequest struct {
	DryRun *bool  `json:"dry_run"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Unpublish handles POST /api/v1/releases/:id/unpublish. dry_run defaults to true.
func (h *Handler) Unpublish(c *gin.Context) {
	var req unpublishRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}
	res, err := h.Approval.Unpublish(c.Request.Context(), approval.UnpublishRequest{
		ReleaseID: c.Param("id"),
		DryRun:    req.DryRun,
		Actor:     req.Actor,
		Reason:    req.Reason,
	})
	if err != nil {
		Internal(c, err.Error())
		return
	}
	if res.Outcome == approval.Applied {
		c.JSON(http.StatusAccepted, gin.H{"data": res})
		return
	}
	respondOutcome(c, res.Outcome, res.Message, res)
}

func respondOutcome(c *gin.Context, o approval.Outcome, msg string, body any) {
	status := outcomeStatus(o)
	if status >= http.StatusBadRequest {
		if msg == "" {
			msg = string(o)
		}
		JSONError(c, status, outcomeCode(o), msg)
		return
	}
	c.JSON(status, gin.H{"data": body})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func pagination(c *gin.Context) (limit, offset int, err error) {
	limit, offset = 20, 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
