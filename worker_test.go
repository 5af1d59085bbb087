package relayq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorker_BasicSuccess(t *testing.T) {
	q, _ := newTestQueue(t, "addition")
	ctx := context.Background()

	succeeded := make(chan json.RawMessage, 1)
	q.OnSucceeded(func(job *Job, result json.RawMessage) { succeeded <- result })

	if err := q.Process(1, func(ctx context.Context, job *Job) (any, error) {
		var in struct{ X, Y int }
		if err := json.Unmarshal(job.Data, &in); err != nil {
			return nil, err
		}
		return in.X + in.Y, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job := q.CreateJob(struct{ X, Y int }{X: 2, Y: 3})
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case result := <-succeeded:
		var n int
		if err := json.Unmarshal(result, &n); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if n != 5 {
			t.Errorf("result = %d, want 5", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for succeeded event")
	}

	waitFor(t, time.Second, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Active == 0 && counts.Waiting == 0 && counts.Succeeded == 1
	})
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	q, _ := newTestQueue(t, "retry-then-succeed")
	ctx := context.Background()

	var attempts atomic.Int32
	type observed struct {
		event string
		err   error
	}
	events := make(chan observed, 4)

	q.OnRetrying(func(job *Job, err error) { events <- observed{"retrying", err} })
	q.OnSucceeded(func(job *Job, result json.RawMessage) { events <- observed{"succeeded", nil} })

	if err := q.Process(1, func(ctx context.Context, job *Job) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return 7, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job := q.CreateJob("payload").Retries(2)
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var seen []observed
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seen = append(seen, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d, saw %v so far", i, seen)
		}
	}

	if len(seen) != 2 || seen[0].event != "retrying" || seen[1].event != "succeeded" {
		t.Fatalf("expected [retrying succeeded], got %v", seen)
	}
	if seen[0].err == nil || seen[0].err.Error() != "boom" {
		t.Errorf("retrying error = %v, want boom", seen[0].err)
	}
}

func TestWorker_TerminalFailure(t *testing.T) {
	q, _ := newTestQueue(t, "terminal-failure")
	ctx := context.Background()

	failed := make(chan error, 1)
	q.OnFailed(func(job *Job, err error) { failed <- err })

	if err := q.Process(1, func(ctx context.Context, job *Job) (any, error) {
		return nil, errors.New("nope")
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job := q.CreateJob("payload").Retries(0)
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case err := <-failed:
		if err.Error() != "nope" {
			t.Errorf("failed error = %q, want %q", err.Error(), "nope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed event")
	}

	waitFor(t, time.Second, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Failed == 1
	})
}

func TestWorker_Timeout(t *testing.T) {
	q, _ := newTestQueue(t, "timeout")
	ctx := context.Background()

	var attempts atomic.Int32
	failed := make(chan error, 1)
	q.OnFailed(func(job *Job, err error) { failed <- err })

	if err := q.Process(1, func(ctx context.Context, job *Job) (any, error) {
		attempts.Add(1)
		<-ctx.Done() // never calls done on its own; only the timeout resolves it
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	job := q.CreateJob("payload").Retries(1).Timeout(100 * time.Millisecond)
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case err := <-failed:
		// the queue's own failed event always comes back over the event
		// bus (even same-process), so it arrives as a *remoteError, not
		// the original *HandlerError the worker synthesized.
		rerr, ok := err.(*remoteError)
		if !ok {
			t.Fatalf("expected a *remoteError failure, got %T: %v", err, err)
		}
		if !strings.Contains(rerr.Error(), "timed out") {
			t.Errorf("failed error = %q, want it to mention the timeout", rerr.Error())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for failed event")
	}

	if n := attempts.Load(); n != 2 {
		t.Errorf("handler invoked %d times, want 2 (initial + 1 retry)", n)
	}
}

func TestWorker_StallRecovery(t *testing.T) {
	q, _ := newTestQueue(t, "stall-recovery", WithStallInterval(50*time.Millisecond))
	ctx := context.Background()

	job := q.CreateJob("payload")
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a worker that fetched the job and then crashed: pop it onto
	// active directly through the engine, without ever heartbeating or
	// calling finishJob.
	if _, err := q.engine.Fetch(ctx); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Active != 1 || counts.Waiting != 0 {
		t.Fatalf("expected the job to be active after fetch, got %+v", counts)
	}

	n, err := q.CheckStalledJobs(ctx)
	if err != nil {
		t.Fatalf("first CheckStalledJobs: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 recovered on the first sweep (nothing stalling yet), got %d", n)
	}

	n, err = q.CheckStalledJobs(ctx)
	if err != nil {
		t.Fatalf("second CheckStalledJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered on the second sweep, got %d", n)
	}

	counts, err = q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Waiting != 1 || counts.Active != 0 {
		t.Errorf("expected the job back in waiting, got %+v", counts)
	}
}

func TestWorker_ProgressFanOutAcrossQueues(t *testing.T) {
	q1, mr := newTestQueue(t, "fanout", WithIsWorker(false))
	q2 := connectTestQueue(t, mr, "fanout")
	ctx := context.Background()

	progress := make(chan int, 1)
	succeeded := make(chan json.RawMessage, 1)

	job := q1.CreateJob("payload")
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	job.OnProgress(func(n int) { progress <- n })
	job.OnSucceeded(func(result json.RawMessage) { succeeded <- result })

	jobProgressFired := make(chan int64, 1)
	q1.OnJobProgress(func(id int64, n int) { jobProgressFired <- id })

	if err := q2.Process(1, func(ctx context.Context, job *Job) (any, error) {
		if err := job.ReportProgress(ctx, 50); err != nil {
			return nil, err
		}
		return "done", nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	select {
	case n := <-progress:
		if n != 50 {
			t.Errorf("progress = %d, want 50", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job-scoped progress event")
	}

	select {
	case id := <-jobProgressFired:
		if id != job.ID {
			t.Errorf("job_progress id = %d, want %d", id, job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue-scoped job_progress event")
	}

	select {
	case result := <-succeeded:
		var s string
		if err := json.Unmarshal(result, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if s != "done" {
			t.Errorf("result = %q, want %q", s, "done")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for succeeded event")
	}
}

func TestWorker_ConcurrencyCap(t *testing.T) {
	q, _ := newTestQueue(t, "concurrency-cap")
	ctx := context.Background()

	const concurrency = 3
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, concurrency)

	if err := q.Process(concurrency, func(ctx context.Context, job *Job) (any, error) {
		n := inFlight.Add(1)
		for {
			old := maxInFlight.Load()
			if n <= old || maxInFlight.CompareAndSwap(old, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		inFlight.Add(-1)
		return nil, nil
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	for i := 0; i < concurrency*2; i++ {
		if err := q.CreateJob(i).Save(ctx); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	for i := 0; i < concurrency; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for handler %d to start", i)
		}
	}

	if got := maxInFlight.Load(); got > concurrency {
		t.Errorf("observed %d concurrent handlers, want <= %d", got, concurrency)
	}

	close(release)
}

func TestWorker_ProcessTwiceIsMisuse(t *testing.T) {
	q, _ := newTestQueue(t, "process-twice")

	handler := func(ctx context.Context, job *Job) (any, error) { return nil, nil }
	if err := q.Process(1, handler); err != nil {
		t.Fatalf("first Process: %v", err)
	}

	err := q.Process(1, handler)
	if err == nil {
		t.Fatal("expected error on second Process call")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Errorf("expected *MisuseError, got %T", err)
	}
}

func TestWorker_ProcessOnNonWorkerQueueIsMisuse(t *testing.T) {
	q, _ := newTestQueue(t, "non-worker", WithIsWorker(false))

	err := q.Process(1, func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	if err == nil {
		t.Fatal("expected error processing on a non-worker queue")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Errorf("expected *MisuseError, got %T", err)
	}
}

func TestWorker_CatchExceptionsRecoversPanic(t *testing.T) {
	q, _ := newTestQueue(t, "panic-recovery", WithCatchExceptions(true))
	ctx := context.Background()

	failed := make(chan error, 1)
	q.OnFailed(func(job *Job, err error) { failed <- err })

	if err := q.Process(1, func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if err := q.CreateJob("x").Retries(0).Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case err := <-failed:
		rerr, ok := err.(*remoteError)
		if !ok {
			t.Fatalf("expected *remoteError, got %T", err)
		}
		if rerr.Stack() == "" {
			t.Error("expected a captured stack trace for a recovered panic")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failed event from recovered panic")
	}
}
