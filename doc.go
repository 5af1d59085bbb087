// Package relayq is a Redis-backed distributed job queue: producers save
// jobs, workers process them with bounded concurrency, a stall supervisor
// recovers jobs abandoned by a dead worker, and an event bus lets any
// connected process observe job lifecycle transitions.
//
// A minimal producer:
//
//	q, err := relayq.New(ctx, relayq.NewSettings("emails", relayq.WithIsWorker(false)))
//	job := q.CreateJob(emailPayload).Retries(3)
//	err = job.Save(ctx)
//
// A minimal worker:
//
//	q, err := relayq.New(ctx, relayq.NewSettings("emails"))
//	err = q.Process(10, func(ctx context.Context, job *relayq.Job) (any, error) {
//		return sendEmail(ctx, job.Data)
//	})
//
// Every job lives under one key prefix as a Redis hash entry plus its
// position in one of a handful of lists and sets (waiting, active,
// stalling, succeeded, failed); internal/engine documents the exact
// schema and the Lua scripts that move a job between them atomically.
package relayq
