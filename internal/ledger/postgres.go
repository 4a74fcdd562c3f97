package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"minifab/internal/job"
)

// Schema creates the jobs table. The stage CHECK mirrors the closed stage
// set; an out-of-range value is rejected by the database even if a code
// path misses the boundary validation.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	stage            TEXT NOT NULL CHECK (stage IN
	                   ('pending','ai_2d','ai_3d','mesh','slicer','completed','error')),
	owner_ref        TEXT NOT NULL DEFAULT '',
	input_ref        TEXT NOT NULL DEFAULT '',
	mesh_ref         TEXT NOT NULL DEFAULT '',
	model_ref        TEXT NOT NULL DEFAULT '',
	gcode_ref        TEXT NOT NULL DEFAULT '',
	progress_note    TEXT NOT NULL DEFAULT '',
	error_detail     TEXT NOT NULL DEFAULT '',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	print_minutes    DOUBLE PRECISION NOT NULL DEFAULT 0,
	filament_grams   DOUBLE PRECISION NOT NULL DEFAULT 0,
	notify_url       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Config holds Postgres connection settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
}

// Postgres is the pgx-backed Ledger.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects a pgx pool and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse ledger DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "minifab"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}

	return &Postgres{pool: pool, logger: slog.With("component", "ledger")}, nil
}

const upsertSQL = `
INSERT INTO jobs (id, stage, owner_ref, input_ref, mesh_ref, model_ref, gcode_ref,
                  progress_note, error_detail, duration_seconds, print_minutes,
                  filament_grams, notify_url, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	stage            = EXCLUDED.stage,
	mesh_ref         = EXCLUDED.mesh_ref,
	model_ref        = EXCLUDED.model_ref,
	gcode_ref        = EXCLUDED.gcode_ref,
	progress_note    = EXCLUDED.progress_note,
	error_detail     = EXCLUDED.error_detail,
	duration_seconds = EXCLUDED.duration_seconds,
	print_minutes    = EXCLUDED.print_minutes,
	filament_grams   = EXCLUDED.filament_grams,
	notify_url       = EXCLUDED.notify_url,
	completed_at     = EXCLUDED.completed_at,
	updated_at       = now()`

func (p *Postgres) Upsert(ctx context.Context, j *job.Job) error {
	if !j.Stage.Valid() {
		return fmt.Errorf("refusing to record stage %q for job %s", j.Stage, j.ID)
	}

	_, err := p.pool.Exec(ctx, upsertSQL,
		j.ID, string(j.Stage), j.OwnerRef, j.InputRef, j.MeshRef, j.ModelRef,
		j.GCodeRef, j.ProgressNote, j.ErrorDetail, j.DurationSecs,
		j.PrintMinutes, j.FilamentG, j.NotifyURL, j.CreatedAt, j.CompletedAt)
	if err != nil {
		return fmt.Errorf("ledger upsert %s: %w", j.ID, err)
	}
	return nil
}

const getSQL = `
SELECT id, stage, owner_ref, input_ref, mesh_ref, model_ref, gcode_ref,
       progress_note, error_detail, duration_seconds, print_minutes,
       filament_grams, notify_url, created_at, completed_at
FROM jobs WHERE id = $1`

func (p *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	var (
		j     job.Job
		stage string
	)
	err := p.pool.QueryRow(ctx, getSQL, id).Scan(
		&j.ID, &stage, &j.OwnerRef, &j.InputRef, &j.MeshRef, &j.ModelRef,
		&j.GCodeRef, &j.ProgressNote, &j.ErrorDetail, &j.DurationSecs,
		&j.PrintMinutes, &j.FilamentG, &j.NotifyURL, &j.CreatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger get %s: %w", id, err)
	}
	j.Stage = job.Stage(stage)
	return &j, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Ledger = (*Postgres)(nil)
