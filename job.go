package relayq

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygo/relayq/internal/emitter"
	"github.com/relaygo/relayq/internal/engine"
)

// JobOptions carries the retry budget and optional timeout a job was saved
// or fetched with.
type JobOptions struct {
	Retries int
	Timeout time.Duration
}

// Job is a handle to one queue entry. CreateJob returns an unsaved handle;
// Save persists it and assigns ID. The worker loop builds its own handles
// from fetched envelopes, so a Job observed inside a Handler always has ID
// and Data populated but never shares the emitter of the handle that
// originally created it, even within the same process.
type Job struct {
	ID      int64
	Data    json.RawMessage
	Options JobOptions

	queue   *Queue
	rawData any
	emitter *emitter.Emitter

	saved      bool
	processing atomic.Bool
	mu         sync.Mutex
	progress   int
}

// Retries sets the retry budget. Chainable; must be called before Save.
func (j *Job) Retries(n int) *Job {
	j.Options.Retries = n
	return j
}

// Timeout sets the per-attempt handler timeout. Chainable; must be called
// before Save. Zero means no timeout.
func (j *Job) Timeout(d time.Duration) *Job {
	j.Options.Timeout = d
	return j
}

// Progress returns the most recently reported progress value for this
// handle. It only reflects progress events this process has observed —
// either because this handle's own handler reported it, or because the
// queue that created it subscribes to events and saw it go by.
func (j *Job) Progress() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

func (j *Job) setProgress(n int) {
	j.mu.Lock()
	j.progress = n
	j.mu.Unlock()
}

// Save serializes the job's data, persists it via the addJob script, and
// assigns ID. If the queue was opened with GetEvents, the handle is
// tracked so OnSucceeded/OnRetrying/OnFailed fire for it later.
//
// A dropped connection after the script was sent but before the reply is
// read surfaces as a TransportError here — the job may already be
// persisted in that case, since the write itself was atomic server-side.
func (j *Job) Save(ctx context.Context) error {
	if j.saved {
		return newMisuseError("job already saved")
	}

	dataJSON, err := json.Marshal(j.rawData)
	if err != nil {
		return newMisuseError("job data is not JSON-serializable: " + err.Error())
	}

	optionsJSON, err := json.Marshal(struct {
		Retries int   `json:"retries"`
		Timeout int64 `json:"timeout,omitempty"`
	}{
		Retries: j.Options.Retries,
		Timeout: j.Options.Timeout.Milliseconds(),
	})
	if err != nil {
		return newMisuseError("job options could not be serialized: " + err.Error())
	}

	id, err := j.queue.engine.Scripts().AddJob(ctx, j.queue.engine.Keys, dataJSON, optionsJSON)
	if err != nil {
		return newTransportError("save", err)
	}

	j.ID = id
	j.Data = dataJSON
	j.saved = true
	j.queue.metrics.RecordJobSaved()

	if j.queue.settings.GetEvents {
		j.queue.trackJob(j)
	}

	return nil
}

// ReportProgress publishes a progress update for this job. It is only
// valid while the job's handler is running on this process; calling it
// any other time returns a MisuseError, matching the synchronous-misuse
// contract of the other developer-error cases.
func (j *Job) ReportProgress(ctx context.Context, n int) error {
	if !j.processing.Load() {
		return newMisuseError("ReportProgress called outside a running handler")
	}

	j.setProgress(n)

	if !j.queue.settings.SendEvents {
		return nil
	}

	msg, err := engine.NewProgressEvent(j.ID, n)
	if err != nil {
		return newTransportError("report_progress", err)
	}
	payload, err := msg.Encode()
	if err != nil {
		return newTransportError("report_progress", err)
	}
	if err := j.queue.engine.Publish(ctx, payload); err != nil {
		return newTransportError("report_progress", err)
	}
	return nil
}

// OnProgress registers fn to be called with the latest progress value
// reported for this job, as observed on the event bus (queue opened with
// GetEvents). A handler in the same process is observed the same way.
func (j *Job) OnProgress(fn func(n int)) {
	j.emitter.On("progress", func(args ...any) {
		if len(args) == 1 {
			if n, ok := args[0].(int); ok {
				fn(n)
			}
		}
	})
}

// OnSucceeded registers fn to be called once this job resolves
// successfully, with its result as raw JSON.
func (j *Job) OnSucceeded(fn func(result json.RawMessage)) {
	j.emitter.On("succeeded", func(args ...any) {
		if len(args) == 1 {
			if r, ok := args[0].(json.RawMessage); ok {
				fn(r)
			}
		}
	})
}

// OnRetrying registers fn to be called each time this job is requeued
// after a failed attempt that still has retries left.
func (j *Job) OnRetrying(fn func(err error)) {
	j.emitter.On("retrying", func(args ...any) {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				fn(e)
			}
		}
	})
}

// OnFailed registers fn to be called once this job exhausts its retries.
func (j *Job) OnFailed(fn func(err error)) {
	j.emitter.On("failed", func(args ...any) {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				fn(e)
			}
		}
	})
}
