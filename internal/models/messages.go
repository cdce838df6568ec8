package models

import (
	"encoding/json"
	"strconv"
)

// Queue message type names.
const (
	MessageTypeJob  = "coremachine:job"
	MessageTypeTask = "coremachine:task"
)

// JobMessage asks a worker to create the tasks of one stage.
type JobMessage struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
	Stage   int    `json:"stage"`
	Attempt int    `json:"attempt"`
	// Resend distinguishes a sweep re-kick from the original delivery.
	Resend int64 `json:"resend,omitempty"`
}

// DedupeKey identifies the message for transport-level deduplication.
func (m JobMessage) DedupeKey() string {
	key := "job:" + m.JobID + ":" + strconv.Itoa(m.Attempt) + ":" + strconv.Itoa(m.Stage)
	if m.Resend != 0 {
		key += ":r" + strconv.FormatInt(m.Resend, 10)
	}
	return key
}

// TaskMessage asks a worker to execute one task. Parameters must stay small;
// large payloads are passed by reference.
type TaskMessage struct {
	TaskID      string          `json:"task_id"`
	ParentJobID string          `json:"parent_job_id"`
	JobType     string          `json:"job_type"`
	TaskType    string          `json:"task_type"`
	Stage       int             `json:"stage"`
	TaskIndex   int             `json:"task_index"`
	Parameters  json.RawMessage `json:"parameters"`
	// Attempt is the job attempt the task row was created for. Task ids repeat
	// across attempts of a job, so it is part of the dedupe key.
	Attempt    int `json:"attempt"`
	RetryCount int `json:"retry_count"`
}

// DedupeKey identifies the message for transport-level deduplication.
func (m TaskMessage) DedupeKey() string {
	return "task:" + m.TaskID + ":a" + strconv.Itoa(m.Attempt) + ":" + strconv.Itoa(m.RetryCount)
}

// NewTaskMessage builds the queue message for a persisted task.
func NewTaskMessage(t *Task) TaskMessage {
	return TaskMessage{
		TaskID:      t.TaskID,
		ParentJobID: t.ParentJobID,
		JobType:     t.JobType,
		TaskType:    t.TaskType,
		Stage:       t.Stage,
		TaskIndex:   t.TaskIndex,
		Parameters:  t.Parameters,
		Attempt:     t.Attempt,
		RetryCount:  t.RetryCount,
	}
}
