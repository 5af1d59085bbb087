// Package engine implements the Redis-backed queue engine: the key schema,
// the atomic Lua scripts, and the connection triple (command, blocking
// fetch, subscriber) that every relayq.Queue drives.
package engine

import "strings"

// Keys holds the fully-qualified Redis keys for one (prefix, name) queue.
// Suffixes follow the schema: id, jobs, waiting, active, stalling,
// succeeded, failed, events.
type Keys struct {
	ID        string
	Jobs      string
	Waiting   string
	Active    string
	Stalling  string
	Succeeded string
	Failed    string
	Events    string
}

// NewKeys builds the key set for a queue named name under prefix.
// Keys take the form "{prefix}:{name}:{suffix}".
func NewKeys(prefix, name string) Keys {
	base := buildBase(prefix, name)
	return Keys{
		ID:        base + "id",
		Jobs:      base + "jobs",
		Waiting:   base + "waiting",
		Active:    base + "active",
		Stalling:  base + "stalling",
		Succeeded: base + "succeeded",
		Failed:    base + "failed",
		Events:    base + "events",
	}
}

func buildBase(prefix, name string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(name) + 2)
	b.WriteString(prefix)
	b.WriteByte(':')
	b.WriteString(name)
	b.WriteByte(':')
	return b.String()
}
