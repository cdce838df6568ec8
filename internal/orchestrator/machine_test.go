package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/queue"
	"coremachine/internal/retry"
	"coremachine/internal/store"
	"coremachine/internal/store/sqlite"
	"coremachine/internal/testsupport"
)

const echoTask = "test.echo"

// countsDef emits counts[stage-1] echo tasks per stage.
type countsDef struct {
	jobType  string
	counts   []int
	taskType string
}

func (d countsDef) JobType() string        { return d.jobType }
func (d countsDef) ReverseJobType() string { return "" }
func (d countsDef) TaskTypes() []string    { return []string{echoTask} }
func (d countsDef) Stages() []string {
	names := make([]string, len(d.counts))
	for i := range d.counts {
		names[i] = fmt.Sprintf("stage-%d", i+1)
	}
	return names
}

func (d countsDef) ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	return jobs.Canonicalize(raw)
}

func (d countsDef) CreateTasksForStage(_ context.Context, in jobs.StageInput) ([]models.TaskSpec, error) {
	taskType := d.taskType
	if taskType == "" {
		taskType = echoTask
	}
	specs := make([]models.TaskSpec, 0, d.counts[in.Stage-1])
	for i := 0; i < d.counts[in.Stage-1]; i++ {
		specs = append(specs, models.TaskSpec{
			TaskType:   taskType,
			Parameters: json.RawMessage(fmt.Sprintf(`{"stage":%d,"index":%d}`, in.Stage, i)),
		})
	}
	return specs, nil
}

func echo(_ context.Context, req jobs.TaskRequest) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"index":%d}`, req.TaskIndex)), nil
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	queue *queue.MemoryQueue
	m     *Machine
	hook  *logtest.Hook
}

func newHarness(t *testing.T, counts []int, handler jobs.TaskHandler) *harness {
	t.Helper()
	return newHarnessWith(t, testsupport.MustOpenStore(t), countsDef{jobType: "counts", counts: counts}, handler)
}

func newHarnessWith(t *testing.T, backend *sqlite.Store, def jobs.Definition, handler jobs.TaskHandler) *harness {
	t.Helper()
	if handler == nil {
		handler = echo
	}
	log, hook := testsupport.NewLogger()
	reg := jobs.NewRegistry()
	require.NoError(t, reg.Register(def))
	require.NoError(t, reg.RegisterHandler(echoTask, handler))
	require.NoError(t, reg.Validate())

	q := testsupport.NewQueue(log)
	m := New(backend, q, reg, log, Options{
		Policy:            retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		HeartbeatInterval: time.Hour,
	})
	return &harness{t: t, ctx: context.Background(), store: backend, queue: q, m: m, hook: hook}
}

func (h *harness) submit(params string) SubmitResult {
	h.t.Helper()
	res, err := h.m.Submit(h.ctx, "counts", json.RawMessage(params))
	require.NoError(h.t, err)
	return res
}

func (h *harness) drain() {
	h.t.Helper()
	_, err := h.queue.Drain(h.ctx, h.m, 500)
	require.NoError(h.t, err)
}

// deliverNext delivers the oldest pending message.
func (h *harness) deliverNext() error {
	h.t.Helper()
	env, ok := h.queue.Pop()
	require.True(h.t, ok, "queue is empty")
	return h.queue.Deliver(h.ctx, h.m, env)
}

func (h *harness) job(id string) *models.Job {
	h.t.Helper()
	job, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) task(id string) *models.Task {
	h.t.Helper()
	task, err := h.store.GetTask(h.ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) jobMessagesFor(stage int) int {
	n := 0
	for _, env := range h.queue.Sent() {
		if env.Job != nil && env.Job.Stage == stage {
			n++
		}
	}
	return n
}

func TestSubmitIsDeterministicAndDeduplicated(t *testing.T) {
	h := newHarness(t, []int{1}, nil)

	first := h.submit(`{"b":2,"a":1}`)
	assert.Equal(t, SubmitQueued, first.Status)
	assert.Equal(t, models.JobStatusQueued, first.Job.Status)

	second := h.submit(`{"a":1, "b":2}`)
	assert.Equal(t, SubmitDuplicate, second.Status)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, h.jobMessagesFor(1))

	_, err := h.m.Submit(h.ctx, "unknown", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, jobs.ErrUnknownJobType)
	_, err = h.m.Submit(h.ctx, "counts", json.RawMessage(`[]`))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStageTaskCountsTwoZeroOne(t *testing.T) {
	h := newHarness(t, []int{2, 0, 1}, nil)
	res := h.submit(`{"run":1}`)
	h.drain()

	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.CurrentStage)
	assert.JSONEq(t, `[{"index":0},{"index":1}]`, string(job.StageResults[1]))
	assert.JSONEq(t, `[]`, string(job.StageResults[2]))
	assert.JSONEq(t, `[{"index":0}]`, string(job.Result))
	assert.NotNil(t, job.CompletedAt)
}

func TestZeroTaskStagesAdvanceWithoutTaskEvents(t *testing.T) {
	h := newHarness(t, []int{0, 0}, nil)
	res := h.submit(`{}`)

	require.NoError(t, h.deliverNext())
	assert.Equal(t, 0, h.queue.Pending())

	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.CurrentStage)
	assert.Equal(t, 0, h.jobMessagesFor(2), "zero-task stages are processed inline")
}

func TestCompleteTaskTwiceIsNoOp(t *testing.T) {
	h := newHarness(t, []int{2, 1}, nil)
	res := h.submit(`{}`)
	require.NoError(t, h.deliverNext())

	t0 := models.TaskID(res.JobID, 1, 0)
	t1 := models.TaskID(res.JobID, 1, 1)
	done := TaskOutcome{Status: models.TaskStatusCompleted, Result: json.RawMessage(`{"index":0}`)}

	require.NoError(t, h.m.CompleteTask(h.ctx, t0, done))
	require.NoError(t, h.m.CompleteTask(h.ctx, t0, done))
	assert.Equal(t, 1, h.job(res.JobID).CurrentStage)

	require.NoError(t, h.m.CompleteTask(h.ctx, t1, done))
	require.NoError(t, h.m.CompleteTask(h.ctx, t1, TaskOutcome{Status: models.TaskStatusFailed, Error: "late"}))

	job := h.job(res.JobID)
	assert.Equal(t, 2, job.CurrentStage)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, h.jobMessagesFor(2))
	assert.Equal(t, models.TaskStatusCompleted, h.task(t1).Status)
}

func TestConcurrentLastCompletionsAdvanceOnce(t *testing.T) {
	const n = 8
	h := newHarness(t, []int{n, 1}, nil)
	res := h.submit(`{}`)
	require.NoError(t, h.deliverNext())

	var g errgroup.Group
	for i := 0; i < n; i++ {
		id := models.TaskID(res.JobID, 1, i)
		for dup := 0; dup < 2; dup++ {
			g.Go(func() error {
				return h.m.CompleteTask(h.ctx, id, TaskOutcome{Status: models.TaskStatusCompleted, Result: json.RawMessage(`1`)})
			})
		}
	}
	require.NoError(t, g.Wait())

	job := h.job(res.JobID)
	assert.Equal(t, 2, job.CurrentStage)
	assert.Equal(t, 1, h.jobMessagesFor(2), "stage 2 must be started exactly once")

	h.drain()
	assert.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)
	tasks, err := h.store.ListTasks(h.ctx, res.JobID, 2)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestDispatchFailureFailsOrphanTask(t *testing.T) {
	h := newHarness(t, []int{2}, nil)
	res := h.submit(`{}`)
	h.queue.FailSendsWhen(func(env queue.Envelope) bool {
		return env.Task != nil && env.Task.TaskIndex == 1
	})
	require.NoError(t, h.deliverNext())

	orphan := h.task(models.TaskID(res.JobID, 1, 1))
	assert.Equal(t, models.TaskStatusFailed, orphan.Status)
	require.NotNil(t, orphan.Error)
	assert.Contains(t, *orphan.Error, "dispatch failed")
	assert.Equal(t, models.JobStatusFailed, h.job(res.JobID).Status)

	// Resubmission of the FAILED job is the retry path.
	h.queue.FailSendsWhen(nil)
	h.drain()
	again := h.submit(`{}`)
	assert.Equal(t, SubmitRetried, again.Status)
	assert.Equal(t, res.JobID, again.JobID)
	assert.Equal(t, 2, again.Job.Attempt)
	h.drain()

	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, models.TaskStatusCompleted, h.task(models.TaskID(res.JobID, 1, 1)).Status)
}

type finishFails struct {
	*sqlite.Store
}

func (finishFails) FinishTask(context.Context, string, models.TaskStatus, json.RawMessage, *string) (bool, error) {
	return false, errors.New("database unavailable")
}

func TestUnreconciledOrphanNeedsManualIntervention(t *testing.T) {
	backend := testsupport.MustOpenStore(t)
	h := newHarnessWith(t, backend, countsDef{jobType: "counts", counts: []int{1}}, nil)
	h.m.store = finishFails{Store: backend}

	h.submit(`{}`)
	h.queue.FailSendsWhen(func(env queue.Envelope) bool { return env.Task != nil })
	env, ok := h.queue.Pop()
	require.True(t, ok)

	err := h.m.HandleJobMessage(h.ctx, *env.Job)
	assert.ErrorIs(t, err, ErrManualIntervention)

	var flagged bool
	for _, entry := range h.hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Data["manual_intervention"] == true {
			flagged = true
		}
	}
	assert.True(t, flagged, "manual intervention must be logged")
}

func TestAdvanceSendFailureProcessesStageInline(t *testing.T) {
	h := newHarness(t, []int{1, 1}, nil)
	res := h.submit(`{}`)
	h.queue.FailSendsWhen(func(env queue.Envelope) bool {
		return env.Job != nil && env.Job.Stage == 2
	})
	h.drain()

	assert.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)
	assert.Equal(t, 0, h.jobMessagesFor(2))
}

func TestRetryableFailuresBackOffThenSucceed(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, []int{1}, func(ctx context.Context, req jobs.TaskRequest) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, retry.Transient(errors.New("connection reset"))
		}
		return echo(ctx, req)
	})
	res := h.submit(`{}`)
	h.drain()

	assert.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)
	task := h.task(models.TaskID(res.JobID, 1, 0))
	assert.Equal(t, 2, task.RetryCount)
	assert.EqualValues(t, 3, calls.Load())

	var delays []time.Duration
	for _, env := range h.queue.Sent() {
		if env.Task != nil && env.Task.RetryCount > 0 {
			delays = append(delays, env.Delay)
		}
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestRetryCeilingEscalatesToPermanent(t *testing.T) {
	h := newHarness(t, []int{1}, func(context.Context, jobs.TaskRequest) (json.RawMessage, error) {
		return nil, retry.Transient(errors.New("timeout"))
	})
	res := h.submit(`{}`)
	h.drain()

	task := h.task(models.TaskID(res.JobID, 1, 0))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)

	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "stage 1: timeout")
}

func TestPermanentFailureDiscardsSiblingWork(t *testing.T) {
	var ran atomic.Int32
	h := newHarness(t, []int{2, 1}, func(ctx context.Context, req jobs.TaskRequest) (json.RawMessage, error) {
		ran.Add(1)
		if req.TaskIndex == 0 {
			return nil, errors.New("corrupt input")
		}
		return echo(ctx, req)
	})
	res := h.submit(`{}`)
	require.NoError(t, h.deliverNext()) // stage 1 job message
	require.NoError(t, h.deliverNext()) // task 0 fails permanently

	assert.Equal(t, models.JobStatusFailed, h.job(res.JobID).Status)

	require.NoError(t, h.deliverNext()) // task 1 is finished without running
	assert.EqualValues(t, 1, ran.Load())
	assert.Equal(t, models.TaskStatusFailed, h.task(models.TaskID(res.JobID, 1, 1)).Status)
	assert.Equal(t, 1, h.job(res.JobID).CurrentStage)
	assert.Equal(t, 0, h.jobMessagesFor(2))
}

func TestHandlerPanicFailsTask(t *testing.T) {
	h := newHarness(t, []int{1}, func(context.Context, jobs.TaskRequest) (json.RawMessage, error) {
		panic("boom")
	})
	res := h.submit(`{}`)
	h.drain()

	task := h.task(models.TaskID(res.JobID, 1, 0))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	require.NotNil(t, task.Error)
	assert.Contains(t, *task.Error, "panicked: boom")
}

func TestRedeliveredMessagesAreNoOps(t *testing.T) {
	h := newHarness(t, []int{1}, nil)
	res := h.submit(`{}`)
	h.drain()
	require.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)

	for _, env := range h.queue.Sent() {
		if env.Job != nil {
			require.NoError(t, h.m.HandleJobMessage(h.ctx, *env.Job))
		}
		if env.Task != nil {
			require.NoError(t, h.m.HandleTaskMessage(h.ctx, *env.Task))
		}
	}
	assert.Equal(t, 0, h.queue.Pending())
	assert.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)

	require.NoError(t, h.m.HandleTaskMessage(h.ctx, models.TaskMessage{TaskID: "missing"}))
	require.NoError(t, h.m.HandleJobMessage(h.ctx, models.JobMessage{JobID: "missing", Stage: 1, Attempt: 1}))
}

func TestTaskTypeWithoutHandlerFailsJob(t *testing.T) {
	backend := testsupport.MustOpenStore(t)
	h := newHarnessWith(t, backend, countsDef{jobType: "counts", counts: []int{1}, taskType: "test.unregistered"}, nil)
	res := h.submit(`{}`)
	h.drain()

	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "unknown task type")
}

func TestSweepExpiresStaleTasks(t *testing.T) {
	h := newHarness(t, []int{1}, nil)
	res := h.submit(`{}`)
	require.NoError(t, h.deliverNext())

	// A worker claimed the task and died.
	id := models.TaskID(res.JobID, 1, 0)
	claimed, err := h.store.MarkTaskProcessing(h.ctx, id, 0)
	require.NoError(t, err)
	require.True(t, claimed)

	h.m.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err := h.m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleTasks)

	task := h.task(id)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "heartbeat expired", *task.Error)
	assert.Equal(t, models.JobStatusFailed, h.job(res.JobID).Status)
}

func TestSweepRekicksStalledJob(t *testing.T) {
	h := newHarness(t, []int{1}, nil)
	res := h.submit(`{}`)
	_, ok := h.queue.Pop() // the stage 1 message is lost
	require.True(t, ok)

	report, err := h.m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.RekickedJobs, "fresh jobs are left alone")

	h.m.now = func() time.Time { return time.Now().Add(time.Hour) }
	report, err = h.m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RekickedJobs)

	sent := h.queue.Sent()
	last := sent[len(sent)-1]
	require.NotNil(t, last.Job)
	assert.NotZero(t, last.Job.Resend)
	assert.NotEqual(t, models.JobMessage{JobID: res.JobID, Stage: 1, Attempt: 1}.DedupeKey(), last.Job.DedupeKey())

	h.drain()
	assert.Equal(t, models.JobStatusCompleted, h.job(res.JobID).Status)
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t, []int{1, 1}, nil)
	res := h.submit(`{"asset_id":"none"}`)
	h.drain()

	report, err := h.m.Status(h.ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, report.Job.Status)
	require.Len(t, report.StageResults, 2)
	assert.Equal(t, 1, report.StageResults[0].Stage)
	assert.Empty(t, report.Releases)

	_, err = h.m.Status(h.ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResubmittedJobRunsOverDeduplicatingTransport(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, []int{1}, func(ctx context.Context, req jobs.TaskRequest) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, retry.Permanent(errors.New("bad input"))
		}
		return echo(ctx, req)
	})
	h.queue.DeduplicateKeys()

	res := h.submit(`{}`)
	h.drain()
	require.Equal(t, models.JobStatusFailed, h.job(res.JobID).Status)

	var firstAttempt models.TaskMessage
	for _, env := range h.queue.Sent() {
		if env.Task != nil {
			firstAttempt = *env.Task
		}
	}
	require.Equal(t, 1, firstAttempt.Attempt)

	again := h.submit(`{}`)
	require.Equal(t, SubmitRetried, again.Status)
	require.NoError(t, h.deliverNext())

	// A late delivery from the failed attempt must not run the new task.
	require.NoError(t, h.m.HandleTaskMessage(h.ctx, firstAttempt))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.TaskStatusPending, h.task(firstAttempt.TaskID).Status)

	h.drain()
	job := h.job(res.JobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.EqualValues(t, 2, calls.Load())

	task := h.task(firstAttempt.TaskID)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempt)
}

func TestRedeliveredJobMessageKeepsRetryBackoff(t *testing.T) {
	h := newHarness(t, []int{1}, func(context.Context, jobs.TaskRequest) (json.RawMessage, error) {
		return nil, retry.Transient(errors.New("connection reset"))
	})
	res := h.submit(`{}`)
	jobMsg := *h.queue.Sent()[0].Job

	require.NoError(t, h.deliverNext()) // job message dispatches the task
	require.NoError(t, h.deliverNext()) // first failure, retry 1 parked
	require.NoError(t, h.deliverNext()) // second failure, retry 2 parked

	taskID := models.TaskID(res.JobID, 1, 0)
	require.Equal(t, models.TaskStatusPending, h.task(taskID).Status)
	require.Equal(t, 2, h.task(taskID).RetryCount)

	require.NoError(t, h.m.HandleJobMessage(h.ctx, jobMsg))
	sent := h.queue.Sent()
	last := sent[len(sent)-1]
	require.NotNil(t, last.Task)
	assert.Equal(t, 2, last.Task.RetryCount)
	assert.Equal(t, 2*time.Millisecond, last.Delay)
}
