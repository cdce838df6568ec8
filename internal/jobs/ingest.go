package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"

	"github.com/google/uuid"

	"coremachine/internal/blobstore"
	"coremachine/internal/models"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// Ingest job and task types.
const (
	IngestJobType      = "ingest_asset"
	TaskIngestValidate = "ingest.validate"
	TaskIngestCopy     = "ingest.copy"
	TaskIngestRegister = "ingest.register"
)

var assetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var releaseNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:coremachine:release"))

// ReleaseIDForJob derives the release id of the job that produced it, so a
// redelivered register task finds the same release.
func ReleaseIDForJob(jobID string) string {
	return uuid.NewSHA1(releaseNamespace, []byte(jobID)).String()
}

// IngestParams are the parameters of ingest_asset.
type IngestParams struct {
	AssetID string   `json:"asset_id"`
	Sources []string `json:"sources"`
}

type validateResult struct {
	Source string `json:"source"`
	Size   int64  `json:"size"`
}

type copyParams struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

type copyResult struct {
	Artifact string `json:"artifact"`
}

type registerParams struct {
	AssetID   string   `json:"asset_id"`
	Artifacts []string `json:"artifacts"`
}

// RegisterResult is the result of the register stage and of the whole job.
type RegisterResult struct {
	ReleaseID string `json:"release_id"`
	AssetID   string `json:"asset_id"`
	Created   bool   `json:"created"`
}

// Ingest copies source objects into the asset area and registers a draft
// release: validate, copy, register.
type Ingest struct{}

var (
	_ Definition = Ingest{}
	_ Finalizer  = Ingest{}
)

func (Ingest) JobType() string        { return IngestJobType }
func (Ingest) ReverseJobType() string { return UnpublishJobType }
func (Ingest) Stages() []string       { return []string{"validate", "copy", "register"} }
func (Ingest) TaskTypes() []string {
	return []string{TaskIngestValidate, TaskIngestCopy, TaskIngestRegister}
}

// ValidateParameters requires an asset id and at least one distinct source.
func (Ingest) ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	var p IngestParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !assetIDPattern.MatchString(p.AssetID) {
		return nil, fmt.Errorf("asset_id %q is invalid: %w", p.AssetID, models.ErrValidation)
	}
	if len(p.Sources) == 0 {
		return nil, fmt.Errorf("sources must not be empty: %w", models.ErrValidation)
	}
	seen := make(map[string]bool, len(p.Sources))
	for _, src := range p.Sources {
		if src == "" {
			return nil, fmt.Errorf("sources must not contain empty entries: %w", models.ErrValidation)
		}
		if seen[path.Base(src)] {
			return nil, fmt.Errorf("source name %q appears twice: %w", path.Base(src), models.ErrValidation)
		}
		seen[path.Base(src)] = true
	}
	return marshalCanonical(p)
}

// CreateTasksForStage fans out per source, then per validated source, then
// emits the single register task.
func (Ingest) CreateTasksForStage(_ context.Context, in StageInput) ([]models.TaskSpec, error) {
	var p IngestParams
	if err := json.Unmarshal(in.Parameters, &p); err != nil {
		return nil, fmt.Errorf("decode ingest parameters: %v: %w", err, models.ErrContractViolation)
	}
	switch in.Stage {
	case 1:
		specs := make([]models.TaskSpec, 0, len(p.Sources))
		for _, src := range p.Sources {
			spec, err := newSpec(TaskIngestValidate, map[string]string{"source": src})
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	case 2:
		var validated []validateResult
		if err := decodeStageResult(in, 1, &validated); err != nil {
			return nil, err
		}
		specs := make([]models.TaskSpec, 0, len(validated))
		for _, v := range validated {
			spec, err := newSpec(TaskIngestCopy, copyParams{
				Source: v.Source,
				Dest:   path.Join("assets", p.AssetID, in.JobID, path.Base(v.Source)),
			})
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	case 3:
		var copied []copyResult
		if err := decodeStageResult(in, 2, &copied); err != nil {
			return nil, err
		}
		artifacts := make([]string, 0, len(copied))
		for _, c := range copied {
			artifacts = append(artifacts, c.Artifact)
		}
		spec, err := newSpec(TaskIngestRegister, registerParams{AssetID: p.AssetID, Artifacts: artifacts})
		if err != nil {
			return nil, err
		}
		return []models.TaskSpec{spec}, nil
	}
	return nil, fmt.Errorf("ingest has no stage %d: %w", in.Stage, models.ErrContractViolation)
}

// Finalize reports the registered release.
func (Ingest) Finalize(job *models.Job) (json.RawMessage, error) {
	var results []RegisterResult
	if err := json.Unmarshal(job.StageResults[3], &results); err != nil || len(results) != 1 {
		return nil, fmt.Errorf("register stage produced no release: %w", models.ErrContractViolation)
	}
	return json.Marshal(results[0])
}

// IngestHandlers executes ingest tasks.
type IngestHandlers struct {
	Blobs    blobstore.Store
	Releases store.ReleaseStore
}

// Register adds the ingest task handlers to r.
func (h IngestHandlers) Register(r *Registry) error {
	return errors.Join(
		r.RegisterHandler(TaskIngestValidate, h.Validate),
		r.RegisterHandler(TaskIngestCopy, h.Copy),
		r.RegisterHandler(TaskIngestRegister, h.RegisterRelease),
	)
}

// Validate checks that a source object exists.
func (h IngestHandlers) Validate(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p struct {
		Source string `json:"source"`
	}
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	info, err := h.Blobs.Stat(ctx, p.Source)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(validateResult{Source: p.Source, Size: info.Size})
}

// Copy places one source into the asset area. Copying again overwrites the
// same destination.
func (h IngestHandlers) Copy(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p copyParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	if err := h.Blobs.Copy(ctx, p.Source, p.Dest); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return json.Marshal(copyResult{Artifact: p.Dest})
}

// RegisterRelease records the draft release of the job.
func (h IngestHandlers) RegisterRelease(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p registerParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	rel := &models.Release{
		ReleaseID: ReleaseIDForJob(req.JobID),
		AssetID:   p.AssetID,
		JobID:     req.JobID,
		Artifacts: p.Artifacts,
	}
	created, err := h.Releases.CreateRelease(ctx, rel)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RegisterResult{ReleaseID: rel.ReleaseID, AssetID: rel.AssetID, Created: created})
}

func newSpec(taskType string, params any) (models.TaskSpec, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return models.TaskSpec{}, fmt.Errorf("encode %s parameters: %w", taskType, err)
	}
	return models.TaskSpec{TaskType: taskType, Parameters: raw}, nil
}

func decodeStageResult(in StageInput, stage int, dst any) error {
	raw := in.Result(stage)
	if raw == nil {
		return fmt.Errorf("stage %d has no recorded result: %w", stage, models.ErrContractViolation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode stage %d result: %v: %w", stage, err, models.ErrContractViolation)
	}
	return nil
}

func marshalCanonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return Canonicalize(raw)
}
