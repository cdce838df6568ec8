package models

/*
Job, task and release status constants used throughout the codebase.
Centralizing these avoids magic strings in SQL and handlers.
*/

// JobStatus is the lifecycle state of a Job.
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions happen without an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the job status constants.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

// Task status constants
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
)

// IsTerminal reports whether the task has reached COMPLETED or FAILED.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// ApprovalState is the lifecycle state of a Release.
type ApprovalState string

// Approval state constants
const (
	ApprovalPendingReview ApprovalState = "pending_review"
	ApprovalApproved      ApprovalState = "approved"
	ApprovalRejected      ApprovalState = "rejected"
	ApprovalRevoked       ApprovalState = "revoked"
)
