// Package service implements the orchestration core: job dispatch, status
// reconciliation, and webhook callback handling, coordinating the
// ephemeral store, the durable ledger, the compute provider, and the
// notification dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"minifab/internal/apperrors"
	"minifab/internal/dispatcher"
	"minifab/internal/job"
	"minifab/internal/ledger"
	"minifab/internal/notify"
	"minifab/internal/observability"
	"minifab/internal/provider"
	"minifab/internal/store"
)

// Config holds service-level settings.
type Config struct {
	// CallbackURL is the externally reachable webhook endpoint passed to
	// the provider on spawn.
	CallbackURL string

	// NotifySigningKey signs outbound completion notifications.
	NotifySigningKey string

	// RefreshAfter is the minimum staleness of a non-terminal snapshot
	// before a status poll triggers an active provider refresh. Zero
	// disables active refresh.
	RefreshAfter time.Duration
}

// Service coordinates the stores, the provider, and the dispatcher.
//
// The service itself is stateless: all job state lives in the stores, so
// any number of instances can serve dispatches, polls, and webhook
// callbacks for the same job concurrently.
type Service struct {
	store    store.Store
	ledger   ledger.Ledger         // optional; nil disables the durable record
	provider provider.Client       // optional; nil disables spawn and refresh
	notifier dispatcher.Dispatcher // optional; nil disables notifications
	metrics  *observability.Metrics
	cfg      Config
	logger   *slog.Logger
}

// New creates a job service. The store is required; ledger, provider,
// notifier, and metrics may be nil.
func New(st store.Store, led ledger.Ledger, prov provider.Client, notifier dispatcher.Dispatcher, metrics *observability.Metrics, cfg Config) *Service {
	return &Service{
		store:    st,
		ledger:   led,
		provider: prov,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		logger:   slog.With("component", "service"),
	}
}

// Dispatch accepts a new job, records it, and spawns the pipeline.
// It returns as soon as the provider acknowledges the invocation; pipeline
// completion arrives later through ApplyCallback.
func (s *Service) Dispatch(ctx context.Context, req *job.DispatchRequest) (*job.DispatchResponse, error) {
	id := req.JobID
	if id == "" {
		id = uuid.NewString()
	} else if err := validateJobID(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.InputLocator) == "" {
		return nil, apperrors.Validation("inputLocator", "inputLocator is required")
	}
	if req.NotifyURL != "" {
		if err := validateCallbackURL(req.NotifyURL); err != nil {
			return nil, apperrors.Validation("notifyUrl", fmt.Sprintf("invalid notifyUrl: %v", err))
		}
	}

	logger := s.logger.With("jobId", id)
	now := time.Now().UTC()
	j := &job.Job{
		ID:        id,
		Stage:     job.StagePending,
		OwnerRef:  req.OwnerRef,
		InputRef:  req.InputLocator,
		NotifyURL: req.NotifyURL,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The ephemeral write is the one mandatory step: pollers read it for
	// the whole request lifecycle.
	if err := s.store.Put(ctx, j); err != nil {
		logger.Error("Job store write failed", "error", err)
		return nil, apperrors.Internal("store.put", err)
	}
	s.recordLedger(ctx, j)

	if s.provider != nil {
		callID, err := s.provider.Spawn(ctx, provider.SpawnRequest{
			JobID:        id,
			InputLocator: req.InputLocator,
			CallbackURL:  s.cfg.CallbackURL,
			Params:       req.PipelineParams,
		})
		if err != nil {
			logger.Error("Pipeline spawn failed", "error", err)
			// Mark the job failed right away so pollers see the failure
			// instead of waiting for a webhook that will never come.
			s.failJob(ctx, id, "failed to start processing pipeline")
			return nil, apperrors.Upstream("provider.spawn", err)
		}
		logger.Info("Pipeline spawned", "callId", callID)
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx)
	}
	logger.Info("Job dispatched")

	return &job.DispatchResponse{JobID: id, Status: job.StatusQueued}, nil
}

// Status answers a poll. The ephemeral store is consulted first; stale
// non-terminal entries may be refreshed against the provider; the ledger
// is the fallback once the ephemeral entry has expired.
func (s *Service) Status(ctx context.Context, id string) (*job.StatusResponse, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	j, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		if !j.Terminal() {
			j = s.refresh(ctx, j)
		}
		return statusResponse(j), nil
	case errors.Is(err, store.ErrNotFound):
		// Expired or never written; fall through to the ledger.
	default:
		// Degraded store: answer from the ledger if possible.
		s.logger.Warn("Ephemeral store read failed", "jobId", id, "error", err)
	}

	if s.ledger != nil {
		lj, lerr := s.ledger.Get(ctx, id)
		if lerr == nil {
			// Opportunistic self-heal: repopulate the fast path.
			if perr := s.store.Put(ctx, lj); perr != nil {
				s.logger.Warn("Store backfill failed", "jobId", id, "error", perr)
			}
			return statusResponse(lj), nil
		}
		if !errors.Is(lerr, ledger.ErrNotFound) {
			s.logger.Warn("Ledger read failed", "jobId", id, "error", lerr)
		}
	}

	return nil, apperrors.NotFound("job", id)
}

// ApplyCallback applies an authenticated provider callback. It is
// idempotent and tolerates duplicates and out-of-order delivery: terminal
// jobs are never mutated and the stage never regresses. Store write
// failures are logged, not returned, so the provider is not induced to
// retry a logically handled callback.
func (s *Service) ApplyCallback(ctx context.Context, p *job.CallbackPayload) error {
	if p.JobID == "" {
		return apperrors.Validation("jobId", "jobId is required")
	}
	upd, err := callbackUpdate(p)
	if err != nil {
		return err
	}

	logger := s.logger.With("jobId", p.JobID)
	if s.metrics != nil {
		s.metrics.RecordWebhookReceived(ctx, p.Status)
	}

	cur := s.lookup(ctx, p.JobID)
	if cur != nil && cur.Terminal() {
		// Terminal lock: acknowledge, change nothing.
		logger.Info("Callback for terminal job ignored", "status", p.Status)
		return nil
	}

	var merged *job.Job
	if cur == nil {
		// Unknown in both stores (expired mid-flight, or the provider
		// outlived our record). Accept the callback on a reconstructed
		// record rather than losing the terminal outcome.
		logger.Warn("Callback for unknown job, reconstructing record")
		merged = &job.Job{ID: p.JobID, Stage: job.StagePending, CreatedAt: time.Now().UTC()}
		merged.Apply(upd)
		if perr := s.store.Put(ctx, merged); perr != nil {
			logger.Error("Job store write failed", "error", perr)
		}
	} else {
		merged, err = s.store.Merge(ctx, p.JobID, upd)
		if err != nil {
			// The read above succeeded, so this is a racing expiry or a
			// degraded store. Merge locally and rewrite.
			logger.Warn("Store merge failed, rewriting snapshot", "error", err)
			merged = cur.Clone()
			merged.Apply(upd)
			if perr := s.store.Put(ctx, merged); perr != nil {
				logger.Error("Job store write failed", "error", perr)
			}
		}
	}
	s.recordLedger(ctx, merged)

	if merged.Terminal() {
		s.finishJob(ctx, merged)
	}

	logger.Info("Callback applied", "status", p.Status, "stage", merged.Stage)
	return nil
}

// Result returns the completed job for download issuance. Conflict when
// the job is not finished, NotFound when unknown.
func (s *Service) Result(ctx context.Context, id string) (*job.Job, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	j := s.lookup(ctx, id)
	if j == nil {
		return nil, apperrors.NotFound("job", id)
	}
	if j.Stage != job.StageCompleted || j.ModelRef == "" {
		return nil, apperrors.Conflict("job",
			fmt.Sprintf("job status is %q; download available when completed", j.Stage.Coarse()))
	}
	return j, nil
}

// refresh queries the provider for a stale non-terminal job and advances
// the local record when the provider is ahead. Refresh failures are
// swallowed: the snapshot we already have answers the poll.
func (s *Service) refresh(ctx context.Context, j *job.Job) *job.Job {
	if s.provider == nil || s.cfg.RefreshAfter <= 0 {
		return j
	}
	if !j.UpdatedAt.IsZero() && time.Since(j.UpdatedAt) < s.cfg.RefreshAfter {
		return j
	}

	reported, err := s.provider.Status(ctx, j.ID)
	if err != nil {
		s.logger.Warn("Provider status check failed", "jobId", j.ID, "error", err)
		return j
	}
	mapped, ok := job.MapProviderStatus(reported)
	if !ok {
		s.logger.Warn("Unrecognized provider status", "jobId", j.ID, "status", reported)
		return j
	}
	if mapped.Rank() <= j.Stage.Rank() {
		// Nothing new; avoid a redundant write.
		return j
	}

	merged, err := s.store.Merge(ctx, j.ID, job.Update{Stage: mapped})
	if err != nil {
		s.logger.Warn("Store refresh write failed", "jobId", j.ID, "error", err)
		merged = j.Clone()
		merged.Apply(job.Update{Stage: mapped})
	}
	s.recordLedger(ctx, merged)

	if merged.Terminal() {
		s.finishJob(ctx, merged)
	}
	return merged
}

// lookup reads a job from the ephemeral store, falling back to the ledger.
// Returns nil when the job is unknown to both.
func (s *Service) lookup(ctx context.Context, id string) *job.Job {
	j, err := s.store.Get(ctx, id)
	if err == nil {
		return j
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("Ephemeral store read failed", "jobId", id, "error", err)
	}
	if s.ledger == nil {
		return nil
	}
	lj, lerr := s.ledger.Get(ctx, id)
	if lerr != nil {
		if !errors.Is(lerr, ledger.ErrNotFound) {
			s.logger.Warn("Ledger read failed", "jobId", id, "error", lerr)
		}
		return nil
	}
	return lj
}

// failJob marks a job failed in both stores. Used when the spawn itself
// fails; errors here are logged only, the caller already has a better
// error to return.
func (s *Service) failJob(ctx context.Context, id, detail string) {
	merged, err := s.store.Merge(ctx, id, job.Update{Stage: job.StageError, ErrorDetail: detail})
	if err != nil {
		s.logger.Error("Failed to mark job failed", "jobId", id, "error", err)
		return
	}
	s.recordLedger(ctx, merged)
	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, string(job.StageError), false, 0)
	}
}

// finishJob handles the first terminal transition: metrics and the
// optional completion notification.
func (s *Service) finishJob(ctx context.Context, j *job.Job) {
	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, string(j.Stage), j.Stage == job.StageCompleted, j.DurationSecs)
	}
	if s.notifier != nil && j.NotifyURL != "" {
		err := s.notifier.Dispatch(&dispatcher.Event{
			Payload: &notify.Event{
				JobID:         j.ID,
				Status:        j.Stage.Coarse(),
				Stage:         string(j.Stage),
				ResultLocator: j.ModelRef,
				ErrorDetail:   j.ErrorDetail,
				CompletedAt:   j.CompletedAt,
			},
			Destination: j.NotifyURL,
			SigningKey:  s.cfg.NotifySigningKey,
		})
		if err != nil {
			s.logger.Warn("Notification dispatch failed", "jobId", j.ID, "error", err)
		}
	}
}

// recordLedger mirrors a snapshot into the durable record. Best-effort:
// the ephemeral store carries the request lifecycle, so a ledger hiccup is
// logged and the flow continues.
func (s *Service) recordLedger(ctx context.Context, j *job.Job) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Upsert(ctx, j); err != nil {
		s.logger.Warn("Ledger write failed", "jobId", j.ID, "error", err)
	}
}

func statusResponse(j *job.Job) *job.StatusResponse {
	resp := &job.StatusResponse{
		JobID:        j.ID,
		Status:       j.Stage.Coarse(),
		Stage:        j.Stage,
		Progress:     j.ProgressNote,
		MeshRef:      j.MeshRef,
		GCodeRef:     j.GCodeRef,
		PrintMinutes: j.PrintMinutes,
		FilamentG:    j.FilamentG,
		Error:        j.ErrorDetail,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
	if j.Stage == job.StageCompleted && j.ModelRef != "" {
		resp.DownloadRef = "/v1/jobs/" + j.ID + "/download"
	}
	return resp
}

// callbackUpdate validates the incoming payload and translates it into a
// merge update. The provider never asserts "queued"; anything outside the
// allowed vocabulary is rejected rather than passed through.
func callbackUpdate(p *job.CallbackPayload) (job.Update, error) {
	var stage job.Stage
	switch p.Status {
	case job.StatusProcessing:
		// A stage-less progress callback still moves a queued job to the
		// first in-progress stage, so polls report "processing".
		stage = job.StageAI2D
		if p.Stage != "" {
			detail, ok := job.ParseStage(p.Stage)
			if ok && !detail.Terminal() {
				stage = detail
			}
			// Unknown or terminal stage detail on a progress callback is
			// dropped in favor of the coarse advance.
		}
	case job.StatusCompleted:
		stage = job.StageCompleted
	case job.StatusFailed:
		stage = job.StageError
	default:
		return job.Update{}, apperrors.Validation("status",
			fmt.Sprintf("status %q is not valid; expected processing, completed, or failed", p.Status))
	}

	return job.Update{
		Stage:        stage,
		ProgressNote: p.ProgressNote,
		MeshRef:      p.MeshLocator,
		ModelRef:     p.ResultLocator,
		GCodeRef:     p.GCodeLocator,
		ErrorDetail:  p.ErrorDetail,
		DurationSecs: p.DurationSecs,
		PrintMinutes: p.PrintMinutes,
		FilamentG:    p.FilamentG,
	}, nil
}

func validateJobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperrors.Validation("jobId", "jobId must be a valid UUID")
	}
	return nil
}

func validateCallbackURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
