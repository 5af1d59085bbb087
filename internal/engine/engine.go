package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Options configures an Engine. It is the Redis-facing half of
// relayq.Settings — everything the public Settings type does not need to
// expose directly (the three connections, their readiness) lives here.
type Options struct {
	Name   string
	Prefix string

	// Redis carries the connection parameters passed through to
	// redis.NewUniversalClient, so a single node, a sentinel-backed
	// primary, or a cluster are all valid without changing the engine.
	Redis *redis.UniversalOptions

	// IsWorker opens the dedicated blocking-fetch connection.
	IsWorker bool
	// GetEvents opens the dedicated subscriber connection.
	GetEvents bool
}

// Engine is the Redis-backed queue engine: the key schema, the cached
// atomic scripts, and up to three connections (command, blocking fetch,
// subscriber), one per connection role.
type Engine struct {
	Keys       Keys
	InstanceID string

	command  redis.UniversalClient
	blocking redis.UniversalClient // nil unless IsWorker
	sub      redis.UniversalClient // nil unless GetEvents

	scripts *ScriptSet
}

// ErrNotWorker is returned by Fetch when the engine was built without
// IsWorker.
var ErrNotWorker = errors.New("engine: queue is not a worker")

// ErrNoSubscriber is returned by Subscribe when the engine was built
// without GetEvents.
var ErrNoSubscriber = errors.New("engine: queue does not subscribe to events")

// New builds the connection triple and caches the atomic scripts on the
// command connection. The engine is not considered ready until this
// returns without error.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Redis == nil {
		return nil, errors.New("engine: Redis options are required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "bq"
	}

	e := &Engine{
		Keys:       NewKeys(prefix, opts.Name),
		InstanceID: uuid.New().String(),
		command:    redis.NewUniversalClient(opts.Redis),
	}

	if err := e.command.Ping(ctx).Err(); err != nil {
		e.command.Close()
		return nil, fmt.Errorf("engine: failed to connect to redis: %w", err)
	}

	e.scripts = NewScriptSet(e.command)
	if err := e.scripts.Load(ctx); err != nil {
		e.command.Close()
		return nil, err
	}

	if opts.IsWorker {
		e.blocking = redis.NewUniversalClient(opts.Redis)
		if err := e.blocking.Ping(ctx).Err(); err != nil {
			e.Close(ctx)
			return nil, fmt.Errorf("engine: failed to open blocking-fetch connection: %w", err)
		}
	}

	if opts.GetEvents {
		e.sub = redis.NewUniversalClient(opts.Redis)
		if err := e.sub.Ping(ctx).Err(); err != nil {
			e.Close(ctx)
			return nil, fmt.Errorf("engine: failed to open subscriber connection: %w", err)
		}
	}

	return e, nil
}

// Scripts exposes the cached atomic scripts.
func (e *Engine) Scripts() *ScriptSet { return e.scripts }

// Command returns the shared command connection, used by producers and by
// non-blocking worker bookkeeping.
func (e *Engine) Command() redis.UniversalClient { return e.command }

// Fetch blocks on BRPOPLPUSH waiting->active with no timeout. It returns
// the job id popped, or an error if the context is cancelled or the
// connection fails.
func (e *Engine) Fetch(ctx context.Context) (int64, error) {
	if e.blocking == nil {
		return 0, ErrNotWorker
	}
	// A timeout of 0 means "block indefinitely" in go-redis.
	res, err := e.blocking.BRPopLPush(ctx, e.Keys.Waiting, e.Keys.Active, 0).Result()
	if err != nil {
		return 0, err
	}
	return parseID(res)
}

// GetEnvelope reads and decodes jobs[id]. ok is false if the id is not
// present (e.g. it was purged by removeOnSuccess).
func (e *Engine) GetEnvelope(ctx context.Context, id int64) (Envelope, bool, error) {
	raw, err := e.command.HGet(ctx, e.Keys.Jobs, fmt.Sprintf("%d", id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, err
	}
	env, err := Decode([]byte(raw))
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Membership records which of the lifecycle sets/lists currently contain
// a job id, as reported by MemberOf.
type Membership struct {
	Waiting   bool
	Active    bool
	Succeeded bool
	Failed    bool
}

func (e *Engine) MemberOf(ctx context.Context, id int64) (Membership, error) {
	idStr := fmt.Sprintf("%d", id)
	pipe := e.command.Pipeline()
	waitingCmd := pipe.LPos(ctx, e.Keys.Waiting, idStr, redis.LPosArgs{})
	activeCmd := pipe.LPos(ctx, e.Keys.Active, idStr, redis.LPosArgs{})
	succeededCmd := pipe.SIsMember(ctx, e.Keys.Succeeded, idStr)
	failedCmd := pipe.SIsMember(ctx, e.Keys.Failed, idStr)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Membership{}, err
	}

	waiting, err := lposFound(waitingCmd)
	if err != nil {
		return Membership{}, err
	}
	active, err := lposFound(activeCmd)
	if err != nil {
		return Membership{}, err
	}

	return Membership{
		Waiting:   waiting,
		Active:    active,
		Succeeded: succeededCmd.Val(),
		Failed:    failedCmd.Val(),
	}, nil
}

func lposFound(cmd *redis.IntCmd) (bool, error) {
	if err := cmd.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Publish sends a raw event payload to the queue's events channel.
func (e *Engine) Publish(ctx context.Context, payload []byte) error {
	return e.command.Publish(ctx, e.Keys.Events, payload).Err()
}

// Subscribe subscribes the dedicated subscriber connection (opened by New)
// to the queue's events channel.
func (e *Engine) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	if e.sub == nil {
		return nil, ErrNoSubscriber
	}
	ps := e.sub.Subscribe(ctx, e.Keys.Events)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, fmt.Errorf("engine: failed to subscribe: %w", err)
	}
	return ps, nil
}

// Close quits all connections the engine opened. It has no guard of its
// own: a second call returns the clients' already-closed error, so
// Queue.Close calls it only once.
func (e *Engine) Close(ctx context.Context) error {
	var firstErr error
	for _, c := range []redis.UniversalClient{e.sub, e.blocking, e.command} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("engine: unexpected id %q on waiting list: %w", s, err)
	}
	return id, nil
}

// Now exists so tests can stub time without importing time in call sites
// that only need a monotonic wall clock reading for logging.
var Now = time.Now
