package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"minifab/internal/apperrors"
	"minifab/internal/dispatcher"
	"minifab/internal/job"
	"minifab/internal/ledger"
	"minifab/internal/provider"
	"minifab/internal/store"
)

type fakeLedger struct {
	mu      sync.Mutex
	jobs    map[string]*job.Job
	failAll bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: make(map[string]*job.Job)}
}

func (f *fakeLedger) Upsert(ctx context.Context, j *job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("ledger unavailable")
	}
	f.jobs[j.ID] = j.Clone()
	return nil
}

func (f *fakeLedger) Get(ctx context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, fmt.Errorf("ledger unavailable")
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return j.Clone(), nil
}

func (f *fakeLedger) Ping(ctx context.Context) error { return nil }
func (f *fakeLedger) Close()                         {}

func (f *fakeLedger) get(id string) *job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

type fakeProvider struct {
	mu       sync.Mutex
	spawns   []provider.SpawnRequest
	spawnErr error
	status   string
	statErr  error
}

func (f *fakeProvider) Spawn(ctx context.Context, req provider.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.spawns = append(f.spawns, req)
	return "call-" + req.JobID, nil
}

func (f *fakeProvider) Status(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return "", f.statErr
	}
	return f.status, nil
}

func (f *fakeProvider) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
}

func (f *fakeDispatcher) Dispatch(e *dispatcher.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeDispatcher) Stats() dispatcher.Stats         { return dispatcher.Stats{} }
func (f *fakeDispatcher) Close(ctx context.Context) error { return nil }

func (f *fakeDispatcher) all() []*dispatcher.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*dispatcher.Event(nil), f.events...)
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	ledger   *fakeLedger
	provider *fakeProvider
	notifier *fakeDispatcher
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:    store.NewMemory(time.Hour),
		ledger:   newFakeLedger(),
		provider: &fakeProvider{},
		notifier: &fakeDispatcher{},
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = "https://api.example.com/v1/webhooks/pipeline"
	}
	f.svc = New(f.store, f.ledger, f.provider, f.notifier, nil, cfg)
	return f
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	resp, err := f.svc.Dispatch(ctx, &job.DispatchRequest{
		InputLocator: "uploads/selfie.png",
		OwnerRef:     "user-7",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", resp.Status)
	}
	if _, err := uuid.Parse(resp.JobID); err != nil {
		t.Errorf("jobId %q is not a UUID", resp.JobID)
	}

	stored, err := f.store.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if stored.Stage != job.StagePending {
		t.Errorf("stored stage = %s, want pending", stored.Stage)
	}
	if f.ledger.get(resp.JobID) == nil {
		t.Error("job not recorded in ledger")
	}

	if f.provider.spawnCount() != 1 {
		t.Fatalf("spawns = %d, want 1", f.provider.spawnCount())
	}
	spawn := f.provider.spawns[0]
	if spawn.JobID != resp.JobID || spawn.InputLocator != "uploads/selfie.png" {
		t.Errorf("unexpected spawn request: %+v", spawn)
	}
	if spawn.CallbackURL != "https://api.example.com/v1/webhooks/pipeline" {
		t.Errorf("callbackURL = %q", spawn.CallbackURL)
	}
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  *job.DispatchRequest
	}{
		{"missing input", &job.DispatchRequest{}},
		{"blank input", &job.DispatchRequest{InputLocator: "   "}},
		{"bad jobId", &job.DispatchRequest{JobID: "not-a-uuid", InputLocator: "uploads/a.png"}},
		{"bad notifyUrl scheme", &job.DispatchRequest{InputLocator: "uploads/a.png", NotifyURL: "ftp://example.com/cb"}},
		{"notifyUrl without host", &job.DispatchRequest{InputLocator: "uploads/a.png", NotifyURL: "https://"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Dispatch(ctx, tt.req)
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}

	if f.provider.spawnCount() != 0 {
		t.Errorf("invalid requests must not reach the provider, got %d spawns", f.provider.spawnCount())
	}
}

func TestDispatchSpawnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.provider.spawnErr = fmt.Errorf("provider returned HTTP 503")
	ctx := context.Background()

	id := uuid.NewString()
	_, err := f.svc.Dispatch(ctx, &job.DispatchRequest{JobID: id, InputLocator: "uploads/selfie.png"})
	if !errors.Is(err, apperrors.ErrUpstream) {
		t.Fatalf("err = %v, want upstream error", err)
	}

	// Pollers must see the failure, not a job stuck in pending.
	stored, serr := f.store.Get(ctx, id)
	if serr != nil {
		t.Fatalf("store.Get: %v", serr)
	}
	if stored.Stage != job.StageError {
		t.Errorf("stage = %s, want error", stored.Stage)
	}
	if stored.ErrorDetail == "" {
		t.Error("error detail not recorded")
	}
	if lj := f.ledger.get(id); lj == nil || lj.Stage != job.StageError {
		t.Error("ledger should record the failed job")
	}
}

func TestDispatchSurvivesLedgerOutage(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	f.ledger.failAll = true
	ctx := context.Background()

	resp, err := f.svc.Dispatch(ctx, &job.DispatchRequest{InputLocator: "uploads/selfie.png"})
	if err != nil {
		t.Fatalf("Dispatch should tolerate a ledger outage: %v", err)
	}
	if _, err := f.store.Get(ctx, resp.JobID); err != nil {
		t.Errorf("job missing from store: %v", err)
	}
}

func TestCallbackLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{NotifySigningKey: "notify-key"})
	ctx := context.Background()

	resp, err := f.svc.Dispatch(ctx, &job.DispatchRequest{
		InputLocator: "uploads/selfie.png",
		NotifyURL:    "https://client.example.com/done",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	id := resp.JobID

	// Progress callback with stage detail.
	err = f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:        id,
		Status:       job.StatusProcessing,
		Stage:        "ai_3d",
		ProgressNote: "generating mesh",
	})
	if err != nil {
		t.Fatalf("ApplyCallback(processing): %v", err)
	}
	st, _ := f.svc.Status(ctx, id)
	if st.Status != job.StatusProcessing || st.Stage != job.StageAI3D {
		t.Errorf("status = %s/%s, want processing/ai_3d", st.Status, st.Stage)
	}

	// Terminal callback.
	dur := 412.5
	err = f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:         id,
		Status:        job.StatusCompleted,
		ResultLocator: "results/" + id + "/model.3mf",
		DurationSecs:  &dur,
	})
	if err != nil {
		t.Fatalf("ApplyCallback(completed): %v", err)
	}

	st, _ = f.svc.Status(ctx, id)
	if st.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", st.Status)
	}
	if st.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if st.DownloadRef == "" {
		t.Error("completed job should expose a download reference")
	}

	// Completion notification was dispatched, signed.
	events := f.notifier.all()
	if len(events) != 1 {
		t.Fatalf("notifications = %d, want 1", len(events))
	}
	if events[0].Destination != "https://client.example.com/done" {
		t.Errorf("destination = %q", events[0].Destination)
	}
	if events[0].SigningKey != "notify-key" {
		t.Error("notification should carry the signing key")
	}
	if events[0].Payload.Status != "completed" {
		t.Errorf("payload status = %q", events[0].Payload.Status)
	}

	// A late failure callback must not overwrite the completed job.
	err = f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:       id,
		Status:      job.StatusFailed,
		ErrorDetail: "late failure",
	})
	if err != nil {
		t.Fatalf("ApplyCallback(late failed): %v", err)
	}
	st, _ = f.svc.Status(ctx, id)
	if st.Status != job.StatusCompleted || st.Error != "" {
		t.Errorf("terminal job mutated: %s / %q", st.Status, st.Error)
	}
	if len(f.notifier.all()) != 1 {
		t.Error("duplicate terminal callback must not re-notify")
	}
}

func TestCallbackProcessingWithoutStage(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	resp, err := f.svc.Dispatch(ctx, &job.DispatchRequest{InputLocator: "uploads/selfie.png"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Coarse progress only, no stage detail.
	err = f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:        resp.JobID,
		Status:       job.StatusProcessing,
		ProgressNote: "ai_3d running",
	})
	if err != nil {
		t.Fatalf("ApplyCallback: %v", err)
	}

	st, err := f.svc.Status(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != job.StatusProcessing {
		t.Errorf("status = %q, want processing after a stage-less progress callback", st.Status)
	}
	if st.Progress != "ai_3d running" {
		t.Errorf("progress = %q, want %q", st.Progress, "ai_3d running")
	}

	// Stage detail arriving later still advances past the coarse stage.
	if err := f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:  resp.JobID,
		Status: job.StatusProcessing,
		Stage:  "mesh",
	}); err != nil {
		t.Fatal(err)
	}
	st, _ = f.svc.Status(ctx, resp.JobID)
	if st.Stage != job.StageMesh {
		t.Errorf("stage = %s, want mesh", st.Stage)
	}
}

func TestCallbackDuplicateTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	resp, _ := f.svc.Dispatch(ctx, &job.DispatchRequest{InputLocator: "uploads/a.png"})
	p := &job.CallbackPayload{JobID: resp.JobID, Status: job.StatusCompleted, ResultLocator: "results/model.3mf"}

	if err := f.svc.ApplyCallback(ctx, p); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	first, _ := f.store.Get(ctx, resp.JobID)

	if err := f.svc.ApplyCallback(ctx, p); err != nil {
		t.Fatalf("duplicate callback should be acknowledged: %v", err)
	}
	second, _ := f.store.Get(ctx, resp.JobID)
	if !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("duplicate moved CompletedAt")
	}
}

func TestCallbackInvalidStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	err := f.svc.ApplyCallback(ctx, &job.CallbackPayload{JobID: uuid.NewString(), Status: "exploded"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}

	err = f.svc.ApplyCallback(ctx, &job.CallbackPayload{Status: job.StatusCompleted})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("missing jobId: err = %v, want validation error", err)
	}
}

func TestCallbackUnknownJobReconstructs(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	// Ephemeral entry expired and the job predates the ledger.
	id := uuid.NewString()
	err := f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:         id,
		Status:        job.StatusCompleted,
		ResultLocator: "results/" + id + "/model.3mf",
	})
	if err != nil {
		t.Fatalf("ApplyCallback: %v", err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status after reconstruction: %v", err)
	}
	if st.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", st.Status)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})

	_, err := f.svc.Status(context.Background(), uuid.NewString())
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}

	_, err = f.svc.Status(context.Background(), "not-a-uuid")
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestStatusLedgerFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	// Job exists only in the ledger, as after an ephemeral expiry.
	id := uuid.NewString()
	done := time.Now().UTC().Add(-2 * time.Hour)
	f.ledger.jobs[id] = &job.Job{
		ID:          id,
		Stage:       job.StageCompleted,
		ModelRef:    "results/" + id + "/model.3mf",
		CreatedAt:   done.Add(-10 * time.Minute),
		CompletedAt: &done,
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", st.Status)
	}

	// Fallback self-heals the ephemeral store.
	if _, err := f.store.Get(ctx, id); err != nil {
		t.Errorf("store should be backfilled after ledger fallback: %v", err)
	}
}

func TestStatusProviderRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RefreshAfter: time.Millisecond})
	f.provider.status = "completed"
	ctx := context.Background()

	id := uuid.NewString()
	stale := &job.Job{
		ID:        id,
		Stage:     job.StageSlicer,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.store.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed after refresh", st.Status)
	}

	stored, _ := f.store.Get(ctx, id)
	if stored.Stage != job.StageCompleted {
		t.Error("refresh result should be persisted")
	}
}

func TestStatusRefreshStartsQueuedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RefreshAfter: time.Millisecond})
	f.provider.status = "processing"
	ctx := context.Background()

	id := uuid.NewString()
	stale := &job.Job{
		ID:        id,
		Stage:     job.StagePending,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.store.Put(ctx, stale); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Status != job.StatusProcessing {
		t.Errorf("status = %q, want processing after refresh reports the job started", st.Status)
	}
}

func TestStatusRefreshNeverRegresses(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RefreshAfter: time.Millisecond})
	f.provider.status = "queued"
	ctx := context.Background()

	id := uuid.NewString()
	j := &job.Job{
		ID:        id,
		Stage:     job.StageMesh,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.store.Put(ctx, j); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Stage != job.StageMesh {
		t.Errorf("stage = %s, provider lag must not regress local state", st.Stage)
	}
}

func TestStatusRefreshSkipsFresh(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RefreshAfter: time.Hour})
	f.provider.statErr = fmt.Errorf("should not be called")
	ctx := context.Background()

	id := uuid.NewString()
	j := &job.Job{ID: id, Stage: job.StageAI2D, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := f.store.Put(ctx, j); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Stage != job.StageAI2D {
		t.Errorf("stage = %s, want ai_2d", st.Stage)
	}
}

func TestStatusRefreshSurvivesProviderError(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{RefreshAfter: time.Millisecond})
	f.provider.statErr = fmt.Errorf("provider unreachable")
	ctx := context.Background()

	id := uuid.NewString()
	j := &job.Job{
		ID:        id,
		Stage:     job.StageAI3D,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
		UpdatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	if err := f.store.Put(ctx, j); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status should answer from the snapshot: %v", err)
	}
	if st.Stage != job.StageAI3D {
		t.Errorf("stage = %s, want ai_3d", st.Stage)
	}
}

func TestResult(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	resp, _ := f.svc.Dispatch(ctx, &job.DispatchRequest{InputLocator: "uploads/a.png"})

	// Not finished yet.
	_, err := f.svc.Result(ctx, resp.JobID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want conflict while processing", err)
	}

	if err := f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:         resp.JobID,
		Status:        job.StatusCompleted,
		ResultLocator: "results/" + resp.JobID + "/model.3mf",
	}); err != nil {
		t.Fatal(err)
	}

	j, err := f.svc.Result(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if j.ModelRef == "" {
		t.Error("result job should carry the model reference")
	}

	_, err = f.svc.Result(ctx, uuid.NewString())
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestResultFailedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(Config{})
	ctx := context.Background()

	resp, _ := f.svc.Dispatch(ctx, &job.DispatchRequest{InputLocator: "uploads/a.png"})
	if err := f.svc.ApplyCallback(ctx, &job.CallbackPayload{
		JobID:       resp.JobID,
		Status:      job.StatusFailed,
		ErrorDetail: "mesh degenerated",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Result(ctx, resp.JobID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("err = %v, want conflict for failed job", err)
	}
}
