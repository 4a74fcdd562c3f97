// Package job defines the job model and the orchestration service that
// coordinates the ephemeral store, the durable ledger, and the external
// GPU pipeline provider.
package job

import "time"

// Stage is one named step of the processing pipeline. Stages are strictly
// ordered; a job's observed stage never regresses, and terminal stages
// never change again.
type Stage string

const (
	StagePending   Stage = "pending" // accepted, waiting for the worker
	StageAI2D      Stage = "ai_2d"   // background removal + stylization
	StageAI3D      Stage = "ai_3d"   // base mesh generation
	StageMesh      Stage = "mesh"    // mesh cleanup and color segmentation
	StageSlicer    Stage = "slicer"  // slicing for print
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// stageRank orders stages along the pipeline. Error ranks above everything
// so a failure transition is always an advance from a non-terminal stage.
var stageRank = map[Stage]int{
	StagePending:   0,
	StageAI2D:      1,
	StageAI3D:      2,
	StageMesh:      3,
	StageSlicer:    4,
	StageCompleted: 5,
	StageError:     6,
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether s is a final stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageError
}

// Rank returns the pipeline position of s. Higher is later.
func (s Stage) Rank() int {
	return stageRank[s]
}

// ParseStage parses a stage name, accepting "queued" as an alias for
// pending (the dispatch-time vocabulary).
func ParseStage(v string) (Stage, bool) {
	if v == "queued" {
		return StagePending, true
	}
	s := Stage(v)
	return s, s.Valid()
}

// Coarse status values, the vocabulary of the polling API and the
// external provider.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Coarse maps a pipeline stage onto the polling vocabulary.
func (s Stage) Coarse() string {
	switch s {
	case StagePending:
		return StatusQueued
	case StageCompleted:
		return StatusCompleted
	case StageError:
		return StatusFailed
	default:
		return StatusProcessing
	}
}

// MapProviderStatus maps a status reported by the external provider onto
// a local stage. The mapping is total over the provider's known vocabulary;
// for anything unrecognized it returns ok=false so callers can reject (at
// the webhook boundary) or skip (during an active refresh) instead of
// passing the value through.
//
// A coarse "processing" maps to the first in-progress stage so a queued
// job observably starts; a later report carrying real stage detail can
// only advance it further.
func MapProviderStatus(status string) (Stage, bool) {
	switch status {
	case "queued", "pending":
		return StagePending, true
	case "processing", "running", "started":
		return StageAI2D, true
	case "completed", "success", "succeeded":
		return StageCompleted, true
	case "failed", "error", "errored":
		return StageError, true
	default:
		return "", false
	}
}

// Job is one user-submitted request to turn a photo into a printable
// miniature. The ephemeral store holds the full snapshot as its value;
// the ledger persists the same fields relationally.
type Job struct {
	ID           string     `json:"jobId"`
	Stage        Stage      `json:"stage"`
	OwnerRef     string     `json:"ownerRef,omitempty"`
	InputRef     string     `json:"inputRef,omitempty"`
	MeshRef      string     `json:"meshRef,omitempty"`  // preview mesh
	ModelRef     string     `json:"modelRef,omitempty"` // final packaged model
	GCodeRef     string     `json:"gcodeRef,omitempty"` // slicer output
	ProgressNote string     `json:"progressNote,omitempty"`
	ErrorDetail  string     `json:"errorDetail,omitempty"`
	DurationSecs float64    `json:"durationSeconds,omitempty"`
	PrintMinutes float64    `json:"printMinutes,omitempty"`
	FilamentG    float64    `json:"filamentGrams,omitempty"`
	NotifyURL    string     `json:"notifyUrl,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has reached a final stage.
func (j *Job) Terminal() bool {
	return j.Stage.Terminal()
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// DispatchRequest is the intake payload for creating a job.
type DispatchRequest struct {
	JobID          string          `json:"jobId,omitempty"`
	InputLocator   string          `json:"inputLocator"`
	OwnerRef       string          `json:"ownerRef,omitempty"`
	NotifyURL      string          `json:"notifyUrl,omitempty"`
	PipelineParams *PipelineParams `json:"pipelineParams,omitempty"`
}

// PipelineParams are forwarded verbatim to the provider spawn call.
type PipelineParams struct {
	Gender    string `json:"gender,omitempty"`
	BodyStyle string `json:"bodyStyle,omitempty"`
}

// DispatchResponse acknowledges an accepted job.
type DispatchResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"` // always "queued"
}

// CallbackPayload is the body of a provider webhook. Progress callbacks
// may arrive multiple times; exactly one terminal callback is expected,
// but duplicates and out-of-order delivery must be tolerated.
type CallbackPayload struct {
	JobID         string   `json:"jobId"`
	Status        string   `json:"status"`          // processing | completed | failed
	Stage         string   `json:"stage,omitempty"` // optional pipeline stage detail
	ResultLocator string   `json:"resultLocator,omitempty"`
	MeshLocator   string   `json:"meshLocator,omitempty"`
	GCodeLocator  string   `json:"gcodeLocator,omitempty"`
	ProgressNote  string   `json:"progressNote,omitempty"`
	ErrorDetail   string   `json:"errorDetail,omitempty"`
	DurationSecs  *float64 `json:"durationSeconds,omitempty"`
	PrintMinutes  *float64 `json:"printMinutes,omitempty"`
	FilamentG     *float64 `json:"filamentGrams,omitempty"`
}

// StatusResponse is the polling answer. Status carries the coarse polling
// vocabulary; Stage carries the fine pipeline position.
type StatusResponse struct {
	JobID        string     `json:"jobId"`
	Status       string     `json:"status"`
	Stage        Stage      `json:"stage"`
	Progress     string     `json:"progress,omitempty"`
	DownloadRef  string     `json:"downloadRef,omitempty"`
	MeshRef      string     `json:"meshRef,omitempty"`
	GCodeRef     string     `json:"gcodeRef,omitempty"`
	PrintMinutes float64    `json:"printMinutes,omitempty"`
	FilamentG    float64    `json:"filamentGrams,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}
