package relayq

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestJob_SaveAssignsMonotonicIDs(t *testing.T) {
	q, _ := newTestQueue(t, "ids", WithIsWorker(false))
	ctx := context.Background()

	var lastID int64
	for i := 0; i < 5; i++ {
		job := q.CreateJob(map[string]int{"n": i})
		if err := job.Save(ctx); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if job.ID <= lastID {
			t.Fatalf("expected strictly increasing ids, got %d after %d", job.ID, lastID)
		}
		lastID = job.ID
	}
}

func TestJob_SaveTwiceIsMisuse(t *testing.T) {
	q, _ := newTestQueue(t, "twice", WithIsWorker(false))
	ctx := context.Background()

	job := q.CreateJob("x")
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := job.Save(ctx)
	if err == nil {
		t.Fatal("expected error on second Save")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Errorf("expected *MisuseError, got %T", err)
	}
}

func TestJob_RoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, "roundtrip", WithIsWorker(false))
	ctx := context.Background()

	type payload struct {
		X int    `json:"x"`
		Y string `json:"y"`
	}

	job := q.CreateJob(payload{X: 2, Y: "three"}).Retries(3).Timeout(250 * time.Millisecond)
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fetched, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}

	var got payload
	if err := json.Unmarshal(fetched.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.X != 2 || got.Y != "three" {
		t.Errorf("got %+v, want {2 three}", got)
	}
	if fetched.Options.Retries != 3 {
		t.Errorf("Retries = %d, want 3", fetched.Options.Retries)
	}
	if fetched.Options.Timeout != 250*time.Millisecond {
		t.Errorf("Timeout = %v, want 250ms", fetched.Options.Timeout)
	}
}

func TestJob_GetJobNotFound(t *testing.T) {
	q, _ := newTestQueue(t, "missing", WithIsWorker(false))

	_, err := q.GetJob(context.Background(), 9999)
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJob_ReportProgressOutsideHandlerIsMisuse(t *testing.T) {
	q, _ := newTestQueue(t, "progress-misuse", WithIsWorker(false))
	ctx := context.Background()

	job := q.CreateJob("x")
	if err := job.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	err := job.ReportProgress(ctx, 50)
	if err == nil {
		t.Fatal("expected error reporting progress outside a handler")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Errorf("expected *MisuseError, got %T", err)
	}
}

func TestJob_DataNotSerializable(t *testing.T) {
	q, _ := newTestQueue(t, "bad-data", WithIsWorker(false))

	job := q.CreateJob(make(chan int))
	err := job.Save(context.Background())
	if err == nil {
		t.Fatal("expected error saving non-serializable data")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Errorf("expected *MisuseError, got %T", err)
	}
}
