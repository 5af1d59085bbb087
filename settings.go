package relayq

import (
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Settings configures a Queue. Use NewSettings(...Option) or LoadSettingsFromEnv to
// build one; the zero value is not usable since Redis must be reachable.
type Settings struct {
	Name   string
	Prefix string

	Redis *redis.UniversalOptions

	StallInterval time.Duration

	IsWorker        bool
	GetEvents       bool
	SendEvents      bool
	RemoveOnSuccess bool
	CatchExceptions bool
}

// Option mutates Settings during construction.
type Option func(*Settings)

// DefaultSettings returns the settings a bare NewSettings(name) would use, matching
// the defaults described in the settings table: prefix "bq", a 5 second
// stall interval, and every optional connection enabled.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:            name,
		Prefix:          "bq",
		Redis:           &redis.UniversalOptions{Addrs: []string{"localhost:6379"}},
		StallInterval:   5 * time.Second,
		IsWorker:        true,
		GetEvents:       true,
		SendEvents:      true,
		RemoveOnSuccess: false,
		CatchExceptions: false,
	}
}

// WithPrefix overrides the default "bq" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Settings) { s.Prefix = prefix }
}

// WithRedisOptions overrides the Redis connection parameters.
func WithRedisOptions(opts *redis.UniversalOptions) Option {
	return func(s *Settings) { s.Redis = opts }
}

// WithRedisURL parses a redis:// URL into the connection parameters. It
// mirrors the single-node case of redis.ParseURL; use WithRedisOptions
// directly for sentinel or cluster topologies.
func WithRedisURL(rawURL string) Option {
	return func(s *Settings) {
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return
		}
		s.Redis = &redis.UniversalOptions{
			Addrs:    []string{opts.Addr},
			DB:       opts.DB,
			Username: opts.Username,
			Password: opts.Password,
		}
	}
}

// WithStallInterval overrides the stall supervisor's sweep period.
func WithStallInterval(d time.Duration) Option {
	return func(s *Settings) { s.StallInterval = d }
}

// WithIsWorker controls whether the queue opens a blocking-fetch connection
// and allows Process to be called.
func WithIsWorker(v bool) Option {
	return func(s *Settings) { s.IsWorker = v }
}

// WithGetEvents controls whether the queue opens a subscriber connection
// and emits local events for observed job ids.
func WithGetEvents(v bool) Option {
	return func(s *Settings) { s.GetEvents = v }
}

// WithSendEvents controls whether this queue instance publishes lifecycle
// events when it finishes jobs.
func WithSendEvents(v bool) Option {
	return func(s *Settings) { s.SendEvents = v }
}

// WithRemoveOnSuccess makes a job's hash entry get deleted on success
// instead of being moved into the succeeded set.
func WithRemoveOnSuccess(v bool) Option {
	return func(s *Settings) { s.RemoveOnSuccess = v }
}

// WithCatchExceptions makes a recovered handler panic resolve the job as a
// HandlerError instead of crashing the worker goroutine.
func WithCatchExceptions(v bool) Option {
	return func(s *Settings) { s.CatchExceptions = v }
}

// NewSettings builds Settings for name, applying opts over the defaults.
func NewSettings(name string, opts ...Option) Settings {
	s := DefaultSettings(name)
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// LoadSettingsFromEnv builds Settings for name from environment variables,
// falling back to DefaultSettings for anything unset:
//
//	RELAYQ_PREFIX, RELAYQ_STALL_INTERVAL, RELAYQ_REDIS_URL, RELAYQ_IS_WORKER,
//	RELAYQ_GET_EVENTS, RELAYQ_SEND_EVENTS, RELAYQ_REMOVE_ON_SUCCESS,
//	RELAYQ_CATCH_EXCEPTIONS
func LoadSettingsFromEnv(name string) Settings {
	s := DefaultSettings(name)

	if v := getEnv("RELAYQ_PREFIX", ""); v != "" {
		s.Prefix = v
	}
	s.StallInterval = getEnvAsDuration("RELAYQ_STALL_INTERVAL", s.StallInterval)
	if v := getEnv("RELAYQ_REDIS_URL", ""); v != "" {
		if opts, err := redis.ParseURL(v); err == nil {
			s.Redis = &redis.UniversalOptions{
				Addrs:    []string{opts.Addr},
				DB:       opts.DB,
				Username: opts.Username,
				Password: opts.Password,
			}
		}
	}
	s.IsWorker = getEnvAsBool("RELAYQ_IS_WORKER", s.IsWorker)
	s.GetEvents = getEnvAsBool("RELAYQ_GET_EVENTS", s.GetEvents)
	s.SendEvents = getEnvAsBool("RELAYQ_SEND_EVENTS", s.SendEvents)
	s.RemoveOnSuccess = getEnvAsBool("RELAYQ_REMOVE_ON_SUCCESS", s.RemoveOnSuccess)
	s.CatchExceptions = getEnvAsBool("RELAYQ_CATCH_EXCEPTIONS", s.CatchExceptions)

	return s
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}
