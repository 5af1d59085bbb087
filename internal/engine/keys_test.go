package engine

import "testing"

func TestNewKeys(t *testing.T) {
	keys := NewKeys("bq", "emails")

	cases := map[string]string{
		"id":        keys.ID,
		"jobs":      keys.Jobs,
		"waiting":   keys.Waiting,
		"active":    keys.Active,
		"stalling":  keys.Stalling,
		"succeeded": keys.Succeeded,
		"failed":    keys.Failed,
		"events":    keys.Events,
	}

	for suffix, got := range cases {
		want := "bq:emails:" + suffix
		if got != want {
			t.Errorf("suffix %q: expected %q, got %q", suffix, want, got)
		}
	}
}

func TestNewKeysDistinctNamesDontCollide(t *testing.T) {
	a := NewKeys("bq", "emails")
	b := NewKeys("bq", "sms")

	if a.Jobs == b.Jobs {
		t.Fatal("expected different queue names to produce different keys")
	}
}
