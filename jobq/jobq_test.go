package jobq_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/jobq"
)

func newQ(t *testing.T, db *sql.DB, opts jobq.Options) *jobq.Q {
	t.Helper()
	q := jobq.New(db, opts)
	if err := q.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueAndClaim(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{Queue: "fetch", Visibility: time.Second})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a job id")
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != id {
		t.Fatalf("got id %q, want %q", job.ID, id)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil: the job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestQueueIsolation(t *testing.T) {
	db := dbopen.OpenMemory(t)
	fetch := newQ(t, db, jobq.Options{Queue: "fetch"})
	persist := newQ(t, db, jobq.Options{Queue: "raw_persist"})
	ctx := context.Background()

	if _, err := fetch.Enqueue(ctx, []byte("a")); err != nil {
		t.Fatal(err)
	}

	job, err := persist.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatal("raw_persist queue should not see fetch jobs")
	}
}

func TestAckRemovesJob(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{Queue: "fetch"})
	ctx := context.Background()

	q.Enqueue(ctx, nil)
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("len after ack: got %d, want 0", n)
	}
}

func TestVisibilityTimeout_Redelivers(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{Queue: "fetch", Visibility: 30 * time.Millisecond})
	ctx := context.Background()

	q.Enqueue(ctx, []byte("x"))
	first, _ := q.Claim(ctx)
	if first == nil {
		t.Fatal("expected first claim")
	}

	time.Sleep(50 * time.Millisecond)

	second, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second == nil {
		t.Fatal("expected redelivery after visibility timeout")
	}
	if second.ID != first.ID {
		t.Fatalf("redelivered a different job: %q vs %q", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts: got %d, want 2", second.Attempts)
	}
}

func TestFail_MovesToFailureTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{Queue: "raw_persist"})
	ctx := context.Background()

	q.Enqueue(ctx, []byte(`{"extraction_id":"e1"}`))
	job, _ := q.Claim(ctx)

	if err := q.Fail(ctx, job, errors.New("raw store unreachable")); err != nil {
		t.Fatal(err)
	}

	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("job should leave the queue on Fail, len = %d", n)
	}

	failures, err := q.Failures(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 {
		t.Fatalf("failures: got %d, want 1", len(failures))
	}
	f := failures[0]
	if f.ID != job.ID {
		t.Fatalf("failure id: got %q, want %q", f.ID, job.ID)
	}
	if f.Error != "raw store unreachable" {
		t.Fatalf("failure error: got %q", f.Error)
	}
	if string(f.Payload) != `{"extraction_id":"e1"}` {
		t.Fatalf("failure payload: got %q", f.Payload)
	}
}

func TestConsume_ProcessesAllJobs(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{
		Queue:        "fetch",
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := q.Enqueue(ctx, []byte(fmt.Sprintf("job-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	var processed atomic.Int32
	done := make(chan struct{})
	go func() {
		q.Consume(ctx, 4, func(ctx context.Context, job *jobq.Job) error {
			if processed.Add(1) == total {
				cancel()
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out, processed %d of %d", processed.Load(), total)
	}

	if processed.Load() != total {
		t.Fatalf("processed %d, want %d", processed.Load(), total)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("queue not drained, len = %d", n)
	}
}

func TestConsume_BoundsConcurrency(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{
		Queue:        "fetch",
		PollInterval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 12
	const bound = 3
	for i := 0; i < total; i++ {
		q.Enqueue(ctx, nil)
	}

	var mu sync.Mutex
	inFlight, peak, processed := 0, 0, 0

	done := make(chan struct{})
	go func() {
		q.Consume(ctx, bound, func(ctx context.Context, job *jobq.Job) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			processed++
			if processed == total {
				cancel()
			}
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}

	if peak > bound {
		t.Fatalf("concurrency peaked at %d, bound is %d", peak, bound)
	}
}

func TestConsume_HandlerErrorIsTerminal(t *testing.T) {
	db := dbopen.OpenMemory(t)
	q := newQ(t, db, jobq.Options{
		Queue:        "structure",
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Enqueue(ctx, []byte("bad"))

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		q.Consume(ctx, 1, func(ctx context.Context, job *jobq.Job) error {
			calls.Add(1)
			cancel()
			return errors.New("boom")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want exactly 1 (no automatic retry)", calls.Load())
	}
	failures, _ := q.Failures(context.Background(), 10)
	if len(failures) != 1 {
		t.Fatalf("failures: got %d, want 1", len(failures))
	}
}
