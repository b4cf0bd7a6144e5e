// Package pipeline orchestrates the asynchronous extraction flow: fetch,
// raw-persist, structuring, and dead-letter replay, each stage consuming
// its own durable queue under a fixed concurrency bound.
package pipeline

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/catalog"
	"github.com/hazyhaar/moisson/fetch"
	"github.com/hazyhaar/moisson/infer"
	"github.com/hazyhaar/moisson/jobq"
	"github.com/hazyhaar/moisson/notify"
	"github.com/hazyhaar/moisson/provision"
	"github.com/hazyhaar/moisson/rawstore"
)

// Config tunes stage concurrency and pacing.
type Config struct {
	// FetchConcurrency bounds in-flight fetch handlers. Default: 50.
	FetchConcurrency int
	// RawPersistConcurrency bounds raw-store writers. Default: 20.
	RawPersistConcurrency int
	// StructuringConcurrency bounds structuring handlers. Default: 50.
	StructuringConcurrency int
	// DeadLetterConcurrency bounds replay handlers. Kept low since each
	// replay includes a fixed delay and should not amplify load.
	// Default: 2.
	DeadLetterConcurrency int

	// DeadLetterDelay is the fixed wait before a failed fetch is
	// resubmitted. Default: 5s.
	DeadLetterDelay time.Duration
	// ReplayCap bounds how many times one fetch job is resubmitted
	// before it is dropped to the failure table. Default: 5.
	ReplayCap int

	// RecordPause is the fixed pause after each structured record, to
	// rate-limit the inference backend. Default: 500ms.
	RecordPause time.Duration
	// RawBatchLimit caps how many raw records one structuring run reads.
	// Default: 40.
	RawBatchLimit int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 50
	}
	if c.RawPersistConcurrency <= 0 {
		c.RawPersistConcurrency = 20
	}
	if c.StructuringConcurrency <= 0 {
		c.StructuringConcurrency = 50
	}
	if c.DeadLetterConcurrency <= 0 {
		c.DeadLetterConcurrency = 2
	}
	if c.DeadLetterDelay <= 0 {
		c.DeadLetterDelay = 5 * time.Second
	}
	if c.ReplayCap <= 0 {
		c.ReplayCap = 5
	}
	if c.RecordPause <= 0 {
		c.RecordPause = 500 * time.Millisecond
	}
	if c.RawBatchLimit <= 0 {
		c.RawBatchLimit = 40
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the collaborators every stage receives at construction.
type Deps struct {
	Catalog     *catalog.Store
	Raw         *rawstore.Store
	Fetcher     fetch.Fetcher
	Extractor   infer.Extractor
	Provisioner *provision.Provisioner
	Notifier    notify.Notifier
}

// Service wires the four stages to their queues.
type Service struct {
	cfg  Config
	deps Deps

	fetchQ  *jobq.Q
	rawQ    *jobq.Q
	structQ *jobq.Q
	dlQ     *jobq.Q

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Service. All queues share one SQLite database.
func New(db *sql.DB, deps Deps, cfg Config) *Service {
	cfg.defaults()
	qopts := func(queue string) jobq.Options {
		return jobq.Options{Queue: queue, Logger: cfg.Logger}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewHub(&notify.LogSink{Logger: cfg.Logger})
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		fetchQ:  jobq.New(db, qopts(QueueFetch)),
		rawQ:    jobq.New(db, qopts(QueueRawPersist)),
		structQ: jobq.New(db, qopts(QueueStructuring)),
		dlQ:     jobq.New(db, qopts(QueueDeadLetter)),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Init creates the queue tables. The catalog schema is owned by the
// catalog store and initialised separately.
func (s *Service) Init(ctx context.Context) error {
	return s.fetchQ.EnsureSchema(ctx)
}

// Run starts all four stage consumers and blocks until ctx is
// cancelled and every in-flight handler has drained.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(q *jobq.Q, concurrency int, h jobq.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Consume(ctx, concurrency, h)
		}()
	}

	start(s.fetchQ, s.cfg.FetchConcurrency, s.handleFetch)
	start(s.rawQ, s.cfg.RawPersistConcurrency, s.handleRawPersist)
	start(s.structQ, s.cfg.StructuringConcurrency, s.handleStructuring)
	start(s.dlQ, s.cfg.DeadLetterConcurrency, s.handleDeadLetter)

	wg.Wait()
}

// FetchFailures exposes the fetch queue's terminal failures.
func (s *Service) FetchFailures(ctx context.Context, limit int) ([]*jobq.Failure, error) {
	return s.fetchQ.Failures(ctx, limit)
}
