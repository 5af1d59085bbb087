package engine

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// The three atomic scripts that drive every state transition. Each script
// is the sole place a given transition can happen, so no partial
// transition is ever observable by another connection.
//
// addJob: KEYS = {id, jobs, waiting}; ARGV = {dataJSON, optionsJSON}
// Returns the new job id.
var addJobScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local data = cjson.decode(ARGV[1])
local options = cjson.decode(ARGV[2])
local envelope = cjson.encode({id = id, data = data, options = options})
redis.call('HSET', KEYS[2], id, envelope)
redis.call('LPUSH', KEYS[3], id)
return id
`)

// finishJob: KEYS = {active, stalling, waiting, succeeded, failed, jobs, events}
// ARGV = {id, outcome, eventJSON, removeOnSuccess, updatedEnvelope, sendEvents}
// outcome in {"success", "retry", "fail"}. On retry, the caller has already
// decremented options.retries in the envelope it supplies via ARGV[5]
// (the full updated envelope JSON) so the script only needs to persist it.
var finishJobScript = redis.NewScript(`
local active, stalling, waiting, succeeded, failed, jobs, events = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5], KEYS[6], KEYS[7]
local id, outcome, eventJSON, removeOnSuccess, updatedEnvelope, sendEvents = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]

redis.call('LREM', active, 0, id)
redis.call('SREM', stalling, id)

if outcome == 'success' then
	if removeOnSuccess == '1' then
		redis.call('HDEL', jobs, id)
	else
		redis.call('SADD', succeeded, id)
	end
elseif outcome == 'retry' then
	redis.call('HSET', jobs, id, updatedEnvelope)
	redis.call('LPUSH', waiting, id)
elseif outcome == 'fail' then
	redis.call('SADD', failed, id)
else
	return redis.error_reply('unknown outcome: ' .. outcome)
end

if sendEvents == '1' then
	redis.call('PUBLISH', events, eventJSON)
end
return 1
`)

// checkStalled: KEYS = {stalling, active, waiting}; ARGV = {}
// Moves every id still in stalling back to waiting (it missed its
// heartbeat), then snapshots the ids still left in active into stalling,
// opening a fresh window. Returns the count of recovered ids.
var checkStalledScript = redis.NewScript(`
local stalling, active, waiting = KEYS[1], KEYS[2], KEYS[3]

local stalledIDs = redis.call('SMEMBERS', stalling)
for _, id in ipairs(stalledIDs) do
	redis.call('LREM', active, 0, id)
	redis.call('LPUSH', waiting, id)
end

redis.call('DEL', stalling)
local remaining = redis.call('LRANGE', active, 0, -1)
if #remaining > 0 then
	redis.call('SADD', stalling, unpack(remaining))
end

return #stalledIDs
`)

// ScriptSet is the set of atomic scripts bound to one Redis connection.
// Queue readiness is signaled only once Load succeeds for every script on
// the command connection, the only connection that runs them.
type ScriptSet struct {
	client redis.UniversalClient
}

// NewScriptSet returns a ScriptSet bound to client.
func NewScriptSet(client redis.UniversalClient) *ScriptSet {
	return &ScriptSet{client: client}
}

// Load caches all scripts on the connection with SCRIPT LOAD so the first
// real invocation can use EVALSHA. redis.Script.Run already retries with
// EVAL on a NOSCRIPT reply, so a cold cache never fails a call — Load only
// avoids paying that extra round trip on the first job.
func (s *ScriptSet) Load(ctx context.Context) error {
	for _, script := range []*redis.Script{addJobScript, finishJobScript, checkStalledScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return fmt.Errorf("engine: failed to cache script: %w", err)
		}
	}
	return nil
}

// AddJob runs the addJob script and returns the new job id.
func (s *ScriptSet) AddJob(ctx context.Context, keys Keys, dataJSON, optionsJSON []byte) (int64, error) {
	res, err := addJobScript.Run(ctx, s.client, []string{keys.ID, keys.Jobs, keys.Waiting}, string(dataJSON), string(optionsJSON)).Result()
	if err != nil {
		return 0, err
	}
	id, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("engine: unexpected addJob reply type %T", res)
	}
	return id, nil
}

// Outcome identifies the terminal disposition finishJob applies.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRetry   Outcome = "retry"
	OutcomeFail    Outcome = "fail"
)

// FinishJob runs the finishJob script. updatedEnvelope is only consulted
// when outcome is OutcomeRetry; pass nil otherwise. sendEvents gates the
// PUBLISH step, letting a queue opened with SendEvents disabled skip it
// entirely rather than publish to a channel no one asked for.
func (s *ScriptSet) FinishJob(ctx context.Context, keys Keys, id int64, outcome Outcome, eventJSON []byte, removeOnSuccess bool, updatedEnvelope []byte, sendEvents bool) error {
	removeFlag := "0"
	if removeOnSuccess {
		removeFlag = "1"
	}
	sendFlag := "0"
	if sendEvents {
		sendFlag = "1"
	}
	envelope := ""
	if updatedEnvelope != nil {
		envelope = string(updatedEnvelope)
	}

	return finishJobScript.Run(ctx, s.client,
		[]string{keys.Active, keys.Stalling, keys.Waiting, keys.Succeeded, keys.Failed, keys.Jobs, keys.Events},
		fmt.Sprintf("%d", id), string(outcome), string(eventJSON), removeFlag, envelope, sendFlag,
	).Err()
}

// CheckStalled runs the checkStalled script and returns the number of
// recovered job ids.
func (s *ScriptSet) CheckStalled(ctx context.Context, keys Keys) (int, error) {
	res, err := checkStalledScript.Run(ctx, s.client, []string{keys.Stalling, keys.Active, keys.Waiting}).Result()
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("engine: unexpected checkStalled reply type %T", res)
	}
	return int(count), nil
}
