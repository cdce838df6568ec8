package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"coremachine/internal/models"
)

var (
	// ErrUnknownJobType is returned for a job type nobody registered.
	ErrUnknownJobType = fmt.Errorf("unknown job type: %w", models.ErrContractViolation)
	// ErrUnknownTaskType is returned for a task type without a handler.
	ErrUnknownTaskType = fmt.Errorf("unknown task type: %w", models.ErrContractViolation)
)

// Registry maps job types to definitions and task types to handlers. It is
// filled at startup and checked with Validate before any message is handled.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	handlers map[string]TaskHandler
	onFail   map[string]FailureHandler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]TaskHandler),
		onFail:   make(map[string]FailureHandler),
	}
}

// Register adds a definition. Registering a job type twice is an error.
func (r *Registry) Register(def Definition) error {
	if def == nil || def.JobType() == "" {
		return errors.New("definition must have a job type")
	}
	if len(def.Stages()) == 0 {
		return fmt.Errorf("job type %s declares no stages", def.JobType())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.JobType()]; dup {
		return fmt.Errorf("job type %s registered twice", def.JobType())
	}
	r.defs[def.JobType()] = def
	return nil
}

// RegisterHandler adds the handler of a task type.
func (r *Registry) RegisterHandler(taskType string, h TaskHandler) error {
	if taskType == "" || h == nil {
		return errors.New("task handler needs a type and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[taskType]; dup {
		return fmt.Errorf("task type %s registered twice", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// RegisterFailureHandler adds the failure handler of a job type.
func (r *Registry) RegisterFailureHandler(jobType string, h FailureHandler) error {
	if jobType == "" || h == nil {
		return errors.New("failure handler needs a job type and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.onFail[jobType]; dup {
		return fmt.Errorf("failure handler for job type %s registered twice", jobType)
	}
	r.onFail[jobType] = h
	return nil
}

// Validate fails when a definition references a task type without handler or
// a reverse job type that is not registered, or when a failure handler names
// an unknown job type.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, jobType := range r.jobTypesLocked() {
		def := r.defs[jobType]
		for _, taskType := range def.TaskTypes() {
			if _, ok := r.handlers[taskType]; !ok {
				errs = append(errs, fmt.Errorf("job type %s: no handler for task type %s", jobType, taskType))
			}
		}
		if rev := def.ReverseJobType(); rev != "" {
			if _, ok := r.defs[rev]; !ok {
				errs = append(errs, fmt.Errorf("job type %s: reverse job type %s is not registered", jobType, rev))
			}
		}
	}
	for jobType := range r.onFail {
		if _, ok := r.defs[jobType]; !ok {
			errs = append(errs, fmt.Errorf("failure handler for unregistered job type %s", jobType))
		}
	}
	return errors.Join(errs...)
}

// Definition looks up a job type.
func (r *Registry) Definition(jobType string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", jobType, ErrUnknownJobType)
	}
	return def, nil
}

// Handler looks up a task type.
func (r *Registry) Handler(taskType string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%q: %w", taskType, ErrUnknownTaskType)
	}
	return h, nil
}

// FailureHandler looks up the failure handler of a job type.
func (r *Registry) FailureHandler(jobType string) (FailureHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.onFail[jobType]
	return h, ok
}

// JobTypes lists registered job types in sorted order.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobTypesLocked()
}

func (r *Registry) jobTypesLocked() []string {
	out := make([]string, 0, len(r.defs))
	for jobType := range r.defs {
		out = append(out, jobType)
	}
	sort.Strings(out)
	return out
}
