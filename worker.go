package relayq

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/relaygo/relayq/internal/emitter"
	"github.com/relaygo/relayq/internal/engine"
)

// Process starts concurrency worker goroutines, each independently
// blocking on Fetch and running handler for whatever job it pops, plus one
// stall-supervisor goroutine sweeping every StallInterval. It returns once
// the goroutines are launched; call Close to stop them. Process may be
// called at most once per Queue and only on a queue opened with IsWorker.
func (q *Queue) Process(concurrency int, handler Handler) error {
	if !q.settings.IsWorker {
		return newMisuseError("Process called on a queue opened without IsWorker")
	}
	if concurrency < 1 {
		return newMisuseError("concurrency must be at least 1")
	}
	if !q.processCalled.CompareAndSwap(false, true) {
		return newMisuseError("Process already called on this queue")
	}

	q.concurrency = concurrency
	q.handler = handler

	q.supervisorWG.Add(1)
	go q.runStallSupervisor()

	for i := 0; i < concurrency; i++ {
		q.workerWG.Add(1)
		go q.runWorker()
	}

	return nil
}

func (q *Queue) runStallSupervisor() {
	defer q.supervisorWG.Done()

	interval := q.settings.StallInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.CheckStalledJobs(q.ctx); err != nil && q.ctx.Err() == nil {
				q.log.Warn("stall sweep failed", "error", err.Error())
				q.emitter.Emit("error", err)
			}
		}
	}
}

func (q *Queue) runWorker() {
	defer q.workerWG.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		id, err := q.engine.Fetch(q.ctx)
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			q.log.Warn("fetch failed, backing off", "error", err.Error())
			select {
			case <-time.After(time.Second):
			case <-q.ctx.Done():
				return
			}
			continue
		}

		q.activeWorkers.Add(1)
		q.metrics.RecordWorkerActivity(q.activeWorkers.Load(), int64(q.concurrency))
		q.runJob(id)
		q.activeWorkers.Add(-1)
		q.metrics.RecordWorkerActivity(q.activeWorkers.Load(), int64(q.concurrency))
	}
}

func (q *Queue) runJob(id int64) {
	jobLog := q.log.WithJobID(id)

	env, ok, err := q.engine.GetEnvelope(q.ctx, id)
	if err != nil {
		jobLog.Error("failed to load fetched job", "error", err.Error())
		return
	}
	if !ok {
		jobLog.Warn("fetched job has no envelope, skipping")
		return
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
	j.processing.Store(true)

	// Close cancels q.ctx but then waits for in-flight handlers, so the
	// handler's context is detached from that cancellation.
	execCtx := context.WithoutCancel(q.ctx)
	var cancel context.CancelFunc
	if j.Options.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, j.Options.Timeout)
		defer cancel()
	}

	heartbeatStop := make(chan struct{})
	go q.heartbeat(execCtx, id, heartbeatStop)

	outcome := q.runHandler(execCtx, j)
	close(heartbeatStop)
	j.processing.Store(false)

	q.finish(id, j, outcome)
}

// heartbeat keeps id out of the next stall sweep by removing it from the
// stalling set once per StallInterval for as long as the handler is
// running. A single SREM at the start would only cover one sweep window —
// anything that outlives StallInterval needs the repeat.
func (q *Queue) heartbeat(ctx context.Context, id int64, stop <-chan struct{}) {
	interval := q.settings.StallInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.engine.Command().SRem(ctx, q.engine.Keys.Stalling, id).Err(); err != nil && ctx.Err() == nil {
				q.log.WithJobID(id).Warn("stall heartbeat failed", "error", err.Error())
			}
		}
	}
}

type handlerOutcome struct {
	result json.RawMessage
	err    *HandlerError
}

func (q *Queue) runHandler(ctx context.Context, j *Job) handlerOutcome {
	resultCh := make(chan handlerOutcome, 1)

	go func() {
		if q.settings.CatchExceptions {
			defer func() {
				if r := recover(); r != nil {
					resultCh <- handlerOutcome{err: newPanicHandlerError(r, string(debug.Stack()))}
				}
			}()
		}

		result, err := q.handler(ctx, j)
		if err != nil {
			resultCh <- handlerOutcome{err: newHandlerError(err)}
			return
		}

		data, merr := json.Marshal(result)
		if merr != nil {
			resultCh <- handlerOutcome{err: newHandlerError(merr)}
			return
		}
		resultCh <- handlerOutcome{result: data}
	}()

	select {
	case outcome := <-resultCh:
		return outcome
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return handlerOutcome{err: newTimeoutError(j.Options.Timeout)}
		}
		return handlerOutcome{err: newHandlerError(ctx.Err())}
	}
}

func (q *Queue) finish(id int64, j *Job, outcome handlerOutcome) {
	finishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if outcome.err == nil {
		q.finishSuccess(finishCtx, id, outcome.result)
		return
	}

	payload := engine.ErrorPayload{Message: outcome.err.Error(), Stack: outcome.err.Stack}

	if j.Options.Retries > 0 {
		q.finishRetry(finishCtx, id, j, payload)
		return
	}

	q.finishFailure(finishCtx, id, payload)
}

func (q *Queue) finishSuccess(ctx context.Context, id int64, result json.RawMessage) {
	jobLog := q.log.WithJobID(id)

	evt, err := engine.NewSucceededEvent(id, result)
	if err != nil {
		jobLog.Error("failed to encode succeeded event", "error", err.Error())
		return
	}
	payload, err := evt.Encode()
	if err != nil {
		jobLog.Error("failed to encode succeeded event", "error", err.Error())
		return
	}
	if err := q.engine.Scripts().FinishJob(ctx, q.engine.Keys, id, engine.OutcomeSuccess, payload, q.settings.RemoveOnSuccess, nil, q.settings.SendEvents); err != nil {
		jobLog.Error("failed to persist success", "error", err.Error())
		q.emitter.Emit("error", newTransportError("finish_job", err))
		return
	}
	jobLog.Debug("job succeeded")
	q.metrics.RecordJobSucceeded()
}

func (q *Queue) finishRetry(ctx context.Context, id int64, j *Job, payload engine.ErrorPayload) {
	jobLog := q.log.WithJobID(id)

	j.Options.Retries--
	updated := engine.Envelope{
		ID:   id,
		Data: j.Data,
		Options: engine.Options{
			Retries: j.Options.Retries,
			Timeout: j.Options.Timeout.Milliseconds(),
		},
	}
	updatedJSON, err := updated.Encode()
	if err != nil {
		jobLog.Error("failed to encode updated envelope", "error", err.Error())
		return
	}
	evt, err := engine.NewRetryingEvent(id, payload)
	if err != nil {
		jobLog.Error("failed to encode retrying event", "error", err.Error())
		return
	}
	eventJSON, err := evt.Encode()
	if err != nil {
		jobLog.Error("failed to encode retrying event", "error", err.Error())
		return
	}
	if err := q.engine.Scripts().FinishJob(ctx, q.engine.Keys, id, engine.OutcomeRetry, eventJSON, false, updatedJSON, q.settings.SendEvents); err != nil {
		jobLog.Error("failed to persist retry", "error", err.Error())
		q.emitter.Emit("error", newTransportError("finish_job", err))
		return
	}
	jobLog.Info("job will retry", "retries_remaining", j.Options.Retries)
	q.metrics.RecordJobRetried()
}

func (q *Queue) finishFailure(ctx context.Context, id int64, payload engine.ErrorPayload) {
	jobLog := q.log.WithJobID(id)

	evt, err := engine.NewFailedEvent(id, payload)
	if err != nil {
		jobLog.Error("failed to encode failed event", "error", err.Error())
		return
	}
	eventJSON, err := evt.Encode()
	if err != nil {
		jobLog.Error("failed to encode failed event", "error", err.Error())
		return
	}
	if err := q.engine.Scripts().FinishJob(ctx, q.engine.Keys, id, engine.OutcomeFail, eventJSON, false, nil, q.settings.SendEvents); err != nil {
		jobLog.Error("failed to persist failure", "error", err.Error())
		q.emitter.Emit("error", newTransportError("finish_job", err))
		return
	}
	jobLog.Warn("job failed terminally", "message", payload.Message)
	q.metrics.RecordJobFailed()
}
