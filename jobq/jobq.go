// Package jobq implements the durable job queue behind the extraction
// pipeline, backed by SQLite.
//
// Each pipeline stage owns one named queue in a shared table. A claimed
// job stays invisible to other consumers for a configurable duration; if
// the holder crashes the job reappears and is redelivered, which gives
// at-least-once delivery without an external broker.
//
// A job is complete only when its handler returns nil. A handler error is
// terminal: the job moves to the jobq_failures table where operators can
// inspect it. Stages that want automatic retry re-enqueue explicitly
// (see the pipeline dead-letter coordinator).
//
// Schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS jobq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE TABLE IF NOT EXISTS jobq_failures (...);
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/idgen"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Failure is a terminally failed job, kept for operator inspection.
type Failure struct {
	ID       string
	Queue    string
	Payload  []byte
	Error    string
	Attempts int
	FailedAt time.Time
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name. Multiple queues coexist in the
	// same table. Default: "" (the default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible before it is
	// redelivered to another consumer. Default: 60s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in Consume.
	// Default: 250ms.
	PollInterval time.Duration
	// MaxAttempts bounds crash redelivery: a job claimed more than this
	// many times is moved to the failure table. 0 means unlimited.
	// Default: 0.
	MaxAttempts int
	// NewID generates job IDs. Default: "job_" + UUIDv7.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("job_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a handle on one named queue.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureSchema once at startup, then
// Enqueue and Consume as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// Schema is the queue DDL, exposed so tests and tooling can apply it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS jobq_jobs (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobq_visible ON jobq_jobs (queue, visible_at);

CREATE TABLE IF NOT EXISTS jobq_failures (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    payload     BLOB,
    error       TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    failed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobq_failures_queue ON jobq_failures (queue, failed_at DESC);
`

// EnsureSchema creates the queue tables and indexes if they don't exist.
func (q *Q) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Enqueue inserts an immediately visible job and returns its ID.
func (q *Q) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := q.opts.NewID()
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO jobq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// Claim atomically picks the oldest visible job, hides it for the
// configured visibility window, and returns it. Returns nil, nil when no
// job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE jobq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// BatchClaim atomically claims up to n visible jobs.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM jobq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := s.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM jobq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job immediately visible again for another consumer.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Fail moves a job to the failure table. The job is removed from normal
// flow; operators inspect and resubmit manually (or a stage re-enqueues
// on its own policy before calling Fail).
func (q *Q) Fail(ctx context.Context, job *Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobq_failures (id, queue, payload, error, attempts, failed_at)
		 VALUES (?,?,?,?,?,?)`,
		job.ID, job.Queue, job.Payload, msg, job.Attempts, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM jobq_jobs WHERE id = ? AND queue = ?`, job.ID, job.Queue,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Failures returns the most recent terminal failures for this queue.
func (q *Q) Failures(ctx context.Context, limit int) ([]*Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, queue, payload, error, attempts, failed_at
		 FROM jobq_failures WHERE queue = ?
		 ORDER BY failed_at DESC LIMIT ?`, q.opts.Queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Failure
	for rows.Next() {
		var f Failure
		var failedAt int64
		if err := rows.Scan(&f.ID, &f.Queue, &f.Payload, &f.Error, &f.Attempts, &failedAt); err != nil {
			return nil, err
		}
		f.FailedAt = time.UnixMilli(failedAt)
		result = append(result, &f)
	}
	return result, rows.Err()
}

// Len returns the number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM jobq_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Handler processes a claimed job. A nil return acks the job; a non-nil
// return marks it terminally failed.
type Handler func(ctx context.Context, job *Job) error

// Consume polls for visible jobs and dispatches them to handler with at
// most maxConcurrency invocations in flight, the stage's sole
// backpressure mechanism. It blocks until ctx is cancelled, draining
// in-flight handlers before returning.
func (q *Q) Consume(ctx context.Context, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log.Info("jobq: consumer started",
		"queue", q.opts.Queue,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("jobq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, maxConcurrency)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("jobq: batch claim failed", "error", err, "queue", q.opts.Queue)
				continue
			}

			for _, job := range jobs {
				// Bound crash-redelivery loops.
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("jobq: job exceeded max delivery attempts",
						"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
					_ = q.Fail(ctx, job, errors.New("max delivery attempts exceeded"))
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, job.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					if err := handler(ctx, j); err != nil {
						log.Warn("jobq: handler failed", "id", j.ID, "error", err, "queue", q.opts.Queue)
						_ = q.Fail(context.Background(), j, err)
					} else {
						_ = q.Ack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}
