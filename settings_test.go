package relayq

import (
	"os"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("emails")

	if s.Prefix != "bq" {
		t.Errorf("Prefix = %q, want %q", s.Prefix, "bq")
	}
	if s.StallInterval != 5*time.Second {
		t.Errorf("StallInterval = %v, want 5s", s.StallInterval)
	}
	if !s.IsWorker || !s.GetEvents || !s.SendEvents {
		t.Error("expected IsWorker/GetEvents/SendEvents to default true")
	}
	if s.RemoveOnSuccess || s.CatchExceptions {
		t.Error("expected RemoveOnSuccess/CatchExceptions to default false")
	}
}

func TestNewSettings_Options(t *testing.T) {
	s := NewSettings("emails",
		WithPrefix("custom"),
		WithStallInterval(2*time.Second),
		WithIsWorker(false),
		WithGetEvents(false),
		WithSendEvents(false),
		WithRemoveOnSuccess(true),
		WithCatchExceptions(true),
	)

	if s.Prefix != "custom" {
		t.Errorf("Prefix = %q", s.Prefix)
	}
	if s.StallInterval != 2*time.Second {
		t.Errorf("StallInterval = %v", s.StallInterval)
	}
	if s.IsWorker || s.GetEvents || s.SendEvents {
		t.Error("expected overridden flags to be false")
	}
	if !s.RemoveOnSuccess || !s.CatchExceptions {
		t.Error("expected overridden flags to be true")
	}
}

func TestWithRedisURL(t *testing.T) {
	s := NewSettings("emails", WithRedisURL("redis://:secret@localhost:6380/2"))

	if s.Redis == nil {
		t.Fatal("expected Redis options to be set")
	}
	if len(s.Redis.Addrs) != 1 || s.Redis.Addrs[0] != "localhost:6380" {
		t.Errorf("Addrs = %v", s.Redis.Addrs)
	}
	if s.Redis.DB != 2 {
		t.Errorf("DB = %d, want 2", s.Redis.DB)
	}
	if s.Redis.Password != "secret" {
		t.Errorf("Password = %q", s.Redis.Password)
	}
}

func TestWithRedisURL_InvalidLeavesDefaults(t *testing.T) {
	before := DefaultSettings("emails")
	s := NewSettings("emails", WithRedisURL("://not-a-url"))

	if s.Redis.Addrs[0] != before.Redis.Addrs[0] {
		t.Errorf("expected default redis options to survive a bad URL, got %v", s.Redis)
	}
}

func TestLoadSettingsFromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("RELAYQ_PREFIX", "custom")
	t.Setenv("RELAYQ_STALL_INTERVAL", "15s")
	t.Setenv("RELAYQ_IS_WORKER", "false")
	t.Setenv("RELAYQ_GET_EVENTS", "false")
	t.Setenv("RELAYQ_REMOVE_ON_SUCCESS", "true")
	t.Setenv("RELAYQ_CATCH_EXCEPTIONS", "true")

	s := LoadSettingsFromEnv("emails")

	if s.Prefix != "custom" {
		t.Errorf("Prefix = %q", s.Prefix)
	}
	if s.StallInterval != 15*time.Second {
		t.Errorf("StallInterval = %v", s.StallInterval)
	}
	if s.IsWorker || s.GetEvents {
		t.Error("expected IsWorker/GetEvents false from env")
	}
	if !s.RemoveOnSuccess || !s.CatchExceptions {
		t.Error("expected RemoveOnSuccess/CatchExceptions true from env")
	}
}

func TestLoadSettingsFromEnv_Defaults(t *testing.T) {
	os.Clearenv()

	s := LoadSettingsFromEnv("emails")
	d := DefaultSettings("emails")

	if s.Prefix != d.Prefix || s.StallInterval != d.StallInterval || s.IsWorker != d.IsWorker {
		t.Errorf("expected env-less load to match defaults, got %+v", s)
	}
}
