package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"coremachine/internal/approval"
	"coremachine/internal/models"
	"coremachine/internal/store"
)

// APIError defines standard error response
// Example: { "error": { "code": "bad_request", "message": "Invalid ID" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
	Data  any      `json:"data,omitempty"`
}

// JSONError sends a structured error response
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.AbortWithStatusJSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// Convenience wrappers
func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

// ConflictWith sends a conflict error carrying the current state of the resource.
func ConflictWith(ctx *gin.Context, msg string, data any) {
	ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse{
		Error: APIError{Code: "conflict", Message: msg},
		Data:  data,
	})
}

// storeError maps store and domain errors to a response.
func storeError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		NotFound(ctx, err.Error())
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrContractViolation):
		BadRequest(ctx, err.Error())
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrVersionConflict):
		Conflict(ctx, err.Error())
	default:
		Internal(ctx, err.Error())
	}
}

// outcomeStatus maps a lifecycle outcome to an HTTP status. Applied and
// Unchanged both succeed; the body tells them apart.
func outcomeStatus(o approval.Outcome) int {
	switch o {
	case approval.Conflict:
		return http.StatusConflict
	case approval.NotFound:
		return http.StatusNotFound
	case approval.ValidationFailed:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func outcomeCode(o approval.Outcome) string {
	switch o {
	case approval.Conflict:
		return "conflict"
	case approval.NotFound:
		return "not_found"
	default:
		return "bad_request"
	}
}
