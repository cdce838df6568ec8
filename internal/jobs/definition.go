// Package jobs holds job definitions and the task handlers they rely on.
package jobs

import (
	"context"
	"encoding/json"

	"coremachine/internal/models"
)

// StageInput is what a definition sees when generating the tasks of a stage.
type StageInput struct {
	JobID      string
	Stage      int
	Parameters json.RawMessage
	// PriorResults holds the results of stages 1..Stage-1 in stage order.
	PriorResults []models.StageResult
}

// Result returns the recorded result of stage, or nil.
func (in StageInput) Result(stage int) json.RawMessage {
	for _, r := range in.PriorResults {
		if r.Stage == stage {
			return r.Result
		}
	}
	return nil
}

// Definition describes one job type: its sequential stages and how each
// stage fans out into tasks.
type Definition interface {
	JobType() string
	// Stages names every stage in order. Its length is the job's total_stages.
	Stages() []string
	// TaskTypes lists every task type the definition may emit.
	TaskTypes() []string
	// ValidateParameters checks params and returns them in canonical form.
	ValidateParameters(params json.RawMessage) (json.RawMessage, error)
	// CreateTasksForStage may return zero tasks.
	CreateTasksForStage(ctx context.Context, in StageInput) ([]models.TaskSpec, error)
	// ReverseJobType names the job that undoes this one, or "".
	ReverseJobType() string
}

// Finalizer is implemented by definitions that build a job result from the
// stage results. Without it the last stage result becomes the job result.
type Finalizer interface {
	Finalize(job *models.Job) (json.RawMessage, error)
}

// TaskRequest is the input of a task handler.
type TaskRequest struct {
	TaskID     string
	JobID      string
	JobType    string
	TaskType   string
	Stage      int
	TaskIndex  int
	RetryCount int
	Parameters json.RawMessage
}

// TaskHandler executes one task. Errors are classified by the retry package;
// wrap with retry.Transient or retry.Permanent to decide explicitly.
type TaskHandler func(ctx context.Context, req TaskRequest) (json.RawMessage, error)

// FailureHandler runs once a job of its type has been marked FAILED, to undo
// side effects that outlive the job. It must be safe to run more than once.
type FailureHandler func(ctx context.Context, job *models.Job) error
