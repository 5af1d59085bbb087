package relayq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestQueue opens a Queue against a fresh miniredis instance, applying
// opts over the test defaults (a short stall interval so stall-recovery
// tests don't need to sleep for the production default of 5s).
func newTestQueue(t *testing.T, name string, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	base := []Option{
		WithRedisOptions(&redis.UniversalOptions{Addrs: []string{mr.Addr()}}),
		WithStallInterval(100 * time.Millisecond),
	}
	settings := NewSettings(name, append(base, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := New(ctx, settings)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = q.Close(closeCtx)
	})

	return q, mr
}

// connectTestQueue opens a second Queue handle against an already-running
// miniredis instance, letting a test simulate multiple cooperating
// processes sharing one Redis (e.g. a producer and a worker).
func connectTestQueue(t *testing.T, mr *miniredis.Miniredis, name string, opts ...Option) *Queue {
	t.Helper()

	base := []Option{
		WithRedisOptions(&redis.UniversalOptions{Addrs: []string{mr.Addr()}}),
		WithStallInterval(100 * time.Millisecond),
	}
	settings := NewSettings(name, append(base, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := New(ctx, settings)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = q.Close(closeCtx)
	})

	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not satisfied within %s", timeout)
	}
}
