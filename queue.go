package relayq

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygo/relayq/internal/emitter"
	"github.com/relaygo/relayq/internal/engine"
	"github.com/relaygo/relayq/internal/logger"
	"github.com/relaygo/relayq/internal/metrics"
)

// Handler processes one job. A returned error requeues the job if it still
// has retries left, or fails it terminally otherwise. The context carries
// the job's timeout, if one was set; it is not cancelled when the queue
// shuts down, since Close waits for running handlers to finish.
type Handler func(ctx context.Context, job *Job) (any, error)

// Queue is a handle to one named queue. Construct it with New; a single
// process may hold several Queue values open against the same Redis
// instance, each with its own connections, event emitter, and metrics.
type Queue struct {
	settings Settings
	engine   *engine.Engine
	log      logger.Logger
	metrics  *metrics.Collector
	emitter  *emitter.Emitter

	localJobs sync.Map // int64 -> *Job, jobs this process created via CreateJob+Save

	ctx    context.Context
	cancel context.CancelFunc

	processCalled atomic.Bool
	concurrency   int
	handler       Handler
	workerWG      sync.WaitGroup
	supervisorWG  sync.WaitGroup
	subWG         sync.WaitGroup
	activeWorkers atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// New opens a Queue against the Redis instance described by settings. It
// blocks until the command connection (and, if settings.IsWorker or
// settings.GetEvents, the blocking-fetch and subscriber connections) are
// reachable and the atomic scripts are cached, then emits OnReady.
func New(ctx context.Context, settings Settings) (*Queue, error) {
	if settings.Redis == nil {
		return nil, newMisuseError("Settings.Redis is required")
	}

	eng, err := engine.New(ctx, engine.Options{
		Name:      settings.Name,
		Prefix:    settings.Prefix,
		Redis:     settings.Redis,
		IsWorker:  settings.IsWorker,
		GetEvents: settings.GetEvents,
	})
	if err != nil {
		return nil, newTransportError("new", err)
	}

	var lg logger.Logger
	if ml, lerr := logger.NewLogger(logger.DefaultConfig()); lerr == nil {
		lg = ml.WithComponent(logger.ComponentEngine).WithFields(map[string]interface{}{
			"instance_id": eng.InstanceID,
			"queue":       settings.Name,
		})
	} else {
		lg = &logger.NoOpLogger{}
	}

	qctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		settings: settings,
		engine:   eng,
		log:      lg,
		metrics:  metrics.NewCollector(),
		emitter:  emitter.New(),
		ctx:      qctx,
		cancel:   cancel,
	}

	if settings.GetEvents {
		q.subWG.Add(1)
		go q.subscribeLoop()
	}

	lg.Info("queue ready", "prefix", settings.Prefix)
	q.emitter.Emit("ready")

	return q, nil
}

// CreateJob returns an unsaved handle carrying data. Call Save to persist
// it; Retries/Timeout may be chained beforehand to override the defaults
// of zero retries and no timeout.
func (q *Queue) CreateJob(data any) *Job {
	return &Job{
		rawData: data,
		queue:   q,
		emitter: emitter.New(),
	}
}

func (q *Queue) trackJob(j *Job) {
	q.localJobs.Store(j.ID, j)
}

// GetJob fetches and decodes the stored envelope for id. It returns
// ErrJobNotFound if the id has no jobs-hash entry — never saved, or
// purged after a removeOnSuccess completion.
func (q *Queue) GetJob(ctx context.Context, id int64) (*Job, error) {
	env, ok, err := q.engine.GetEnvelope(ctx, id)
	if err != nil {
		return nil, newTransportError("get_job", err)
	}
	if !ok {
		return nil, ErrJobNotFound
	}

	j := &Job{
		ID:   env.ID,
		Data: env.Data,
		Options: JobOptions{
			Retries: env.Options.Retries,
			Timeout: time.Duration(env.Options.Timeout) * time.Millisecond,
		},
		queue:   q,
		saved:   true,
		emitter: emitter.New(),
	}
	return j, nil
}

// Counts reports the live length of each lifecycle set/list.
type Counts struct {
	Waiting   int64
	Active    int64
	Stalling  int64
	Succeeded int64
	Failed    int64
}

// Counts reads the current size of every lifecycle collection. It is a
// point-in-time read, not a snapshot taken under a single transaction.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	cmd := q.engine.Command()
	pipe := cmd.Pipeline()
	waiting := pipe.LLen(ctx, q.engine.Keys.Waiting)
	active := pipe.LLen(ctx, q.engine.Keys.Active)
	stalling := pipe.SCard(ctx, q.engine.Keys.Stalling)
	succeeded := pipe.SCard(ctx, q.engine.Keys.Succeeded)
	failed := pipe.SCard(ctx, q.engine.Keys.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, newTransportError("counts", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Stalling:  stalling.Val(),
		Succeeded: succeeded.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Metrics returns a snapshot of this queue's in-process counters.
func (q *Queue) Metrics() metrics.Snapshot {
	return q.metrics.Snapshot()
}

// CheckStalledJobs runs the stall-recovery sweep once: any id still
// present in the stalling set from the previous sweep is requeued, and the
// current contents of active are snapshotted into stalling for the next
// round. Process runs this automatically every StallInterval; exposing it
// lets a supervisor-less caller (or a test) drive the sweep directly.
func (q *Queue) CheckStalledJobs(ctx context.Context) (int, error) {
	n, err := q.engine.Scripts().CheckStalled(ctx, q.engine.Keys)
	if err != nil {
		return 0, newTransportError("check_stalled", err)
	}
	if n > 0 {
		q.metrics.RecordStallRecovered(n)
		q.log.Info("recovered stalled jobs", "count", n)
	}
	return n, nil
}

// OnReady registers fn to be called once the queue's connections are
// established and its scripts are cached. New already completed this by
// the time it returns, so a listener registered afterward will not observe
// a replay — register before any concurrent call to New could race it, or
// simply treat New's successful return as the ready signal.
func (q *Queue) OnReady(fn func()) {
	q.emitter.On("ready", func(args ...any) { fn() })
}

// OnError registers fn to be called whenever a queue-owned background
// goroutine (the subscriber loop, the stall supervisor, a worker persisting
// a job's outcome) hits an error it cannot recover from on its own.
func (q *Queue) OnError(fn func(err error)) {
	q.emitter.On("error", func(args ...any) {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				fn(e)
			}
		}
	})
}

// OnSucceeded registers fn to be called when a job this Queue instance
// itself created (via CreateJob+Save) succeeds. fn receives the same *Job
// handle Save was called on.
func (q *Queue) OnSucceeded(fn func(job *Job, result json.RawMessage)) {
	q.emitter.On("succeeded", func(args ...any) {
		if len(args) == 2 {
			j, ok1 := args[0].(*Job)
			r, ok2 := args[1].(json.RawMessage)
			if ok1 && ok2 {
				fn(j, r)
			}
		}
	})
}

// OnRetrying registers fn to be called when a job this Queue instance
// itself created is requeued after a failed attempt.
func (q *Queue) OnRetrying(fn func(job *Job, err error)) {
	q.emitter.On("retrying", func(args ...any) {
		if len(args) == 2 {
			j, ok1 := args[0].(*Job)
			e, ok2 := args[1].(error)
			if ok1 && ok2 {
				fn(j, e)
			}
		}
	})
}

// OnFailed registers fn to be called when a job this Queue instance itself
// created exhausts its retries.
func (q *Queue) OnFailed(fn func(job *Job, err error)) {
	q.emitter.On("failed", func(args ...any) {
		if len(args) == 2 {
			j, ok1 := args[0].(*Job)
			e, ok2 := args[1].(error)
			if ok1 && ok2 {
				fn(j, e)
			}
		}
	})
}

// OnJobProgress registers fn to be called for every progress event
// observed on the events channel, regardless of which process created or
// is processing the job. Requires settings.GetEvents.
func (q *Queue) OnJobProgress(fn func(id int64, n int)) {
	q.emitter.On("job_progress", func(args ...any) {
		if len(args) == 2 {
			id, ok1 := args[0].(int64)
			n, ok2 := args[1].(int)
			if ok1 && ok2 {
				fn(id, n)
			}
		}
	})
}

// OnJobSucceeded registers fn to be called for every succeeded event
// observed on the events channel, regardless of origin. Requires
// settings.GetEvents.
func (q *Queue) OnJobSucceeded(fn func(id int64, result json.RawMessage)) {
	q.emitter.On("job_succeeded", func(args ...any) {
		if len(args) == 2 {
			id, ok1 := args[0].(int64)
			r, ok2 := args[1].(json.RawMessage)
			if ok1 && ok2 {
				fn(id, r)
			}
		}
	})
}

// OnJobRetrying registers fn to be called for every retrying event
// observed on the events channel, regardless of origin. Requires
// settings.GetEvents.
func (q *Queue) OnJobRetrying(fn func(id int64, err error)) {
	q.emitter.On("job_retrying", func(args ...any) {
		if len(args) == 2 {
			id, ok1 := args[0].(int64)
			e, ok2 := args[1].(error)
			if ok1 && ok2 {
				fn(id, e)
			}
		}
	})
}

// OnJobFailed registers fn to be called for every failed event observed on
// the events channel, regardless of origin. Requires settings.GetEvents.
func (q *Queue) OnJobFailed(fn func(id int64, err error)) {
	q.emitter.On("job_failed", func(args ...any) {
		if len(args) == 2 {
			id, ok1 := args[0].(int64)
			e, ok2 := args[1].(error)
			if ok1 && ok2 {
				fn(id, e)
			}
		}
	})
}

func (q *Queue) subscribeLoop() {
	defer q.subWG.Done()

	ps, err := q.engine.Subscribe(q.ctx)
	if err != nil {
		if q.ctx.Err() == nil {
			q.log.Error("failed to subscribe to events", "error", err.Error())
			q.emitter.Emit("error", newTransportError("subscribe", err))
		}
		return
	}
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			evt, err := engine.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				q.log.Warn("dropped malformed event payload", "error", err.Error())
				continue
			}
			q.dispatchEvent(evt)
		}
	}
}

func (q *Queue) dispatchEvent(evt engine.EventMessage) {
	switch evt.Event {
	case engine.EventProgress:
		var n int
		if err := json.Unmarshal(evt.Data, &n); err != nil {
			return
		}
		q.emitter.Emit("job_progress", evt.ID, n)
		if v, ok := q.localJobs.Load(evt.ID); ok {
			j := v.(*Job)
			j.setProgress(n)
			j.emitter.Emit("progress", n)
		}

	case engine.EventSucceeded:
		q.emitter.Emit("job_succeeded", evt.ID, evt.Data)
		if v, ok := q.localJobs.LoadAndDelete(evt.ID); ok {
			j := v.(*Job)
			j.emitter.Emit("succeeded", evt.Data)
			q.emitter.Emit("succeeded", j, evt.Data)
		}

	case engine.EventRetrying:
		err := decodeErrorPayload(evt.Data)
		q.emitter.Emit("job_retrying", evt.ID, err)
		if v, ok := q.localJobs.Load(evt.ID); ok {
			j := v.(*Job)
			j.emitter.Emit("retrying", err)
			q.emitter.Emit("retrying", j, err)
		}

	case engine.EventFailed:
		err := decodeErrorPayload(evt.Data)
		q.emitter.Emit("job_failed", evt.ID, err)
		if v, ok := q.localJobs.LoadAndDelete(evt.ID); ok {
			j := v.(*Job)
			j.emitter.Emit("failed", err)
			q.emitter.Emit("failed", j, err)
		}
	}
}

func decodeErrorPayload(raw json.RawMessage) error {
	var payload engine.ErrorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &remoteError{message: "unparseable error payload"}
	}
	return &remoteError{message: payload.Message, stack: payload.Stack}
}

// Close cancels any in-flight Fetch/subscribe calls, waits for running
// handlers and background goroutines to finish, and quits every Redis
// connection the queue opened. Calling Close more than once is safe; only
// the first call does any work.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		q.cancel()

		done := make(chan struct{})
		go func() {
			q.workerWG.Wait()
			q.supervisorWG.Wait()
			q.subWG.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			q.closeErr = newTransportError("close", ctx.Err())
		}

		if err := q.engine.Close(context.Background()); err != nil && q.closeErr == nil {
			q.closeErr = newTransportError("close", err)
		}
		if q.log != nil {
			_ = q.log.Close()
		}
	})
	return q.closeErr
}
