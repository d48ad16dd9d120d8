package conversation

import (
	"testing"
	"time"
)

func TestStoreExpiresOnAccess(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(WithClock(func() time.Time { return now }))

	st := s.Begin("+14155550001", "create_commitment")
	st.Slots["title"] = "goa trip"
	st.Step = 1
	s.Touch("+14155550001", st)

	if got := s.Get("+14155550001"); got == nil || got.Slots["title"] != "goa trip" {
		t.Fatalf("state lost before TTL: %+v", got)
	}

	now = now.Add(DefaultTTL + time.Minute)
	if got := s.Get("+14155550001"); got != nil {
		t.Fatalf("expired state survived access: %+v", got)
	}
	if s.Active("+14155550001") {
		t.Fatal("expired user reported active")
	}
}

func TestTouchRefreshesTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewStore(WithClock(func() time.Time { return now }))

	st := s.Begin("u", "create_commitment")
	now = now.Add(45 * time.Minute)
	s.Touch("u", st)
	now = now.Add(45 * time.Minute)
	if s.Get("u") == nil {
		t.Fatal("touched state must survive another TTL window")
	}
}

func TestBeginReplacesExistingFlow(t *testing.T) {
	s := NewStore()
	s.Begin("u", "create_commitment").Step = 3
	st := s.Begin("u", "create_fund")
	if st.Flow != "create_fund" || st.Step != 0 {
		t.Fatalf("begin did not reset state: %+v", st)
	}
}

func TestContextStoreHints(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewContextStore(10 * time.Minute)
	c.SetNowFunc(func() time.Time { return now })

	c.Set("u", "last_commitment_id", "42")
	if got := c.Get("u", "last_commitment_id"); got != "42" {
		t.Fatalf("hint = %q", got)
	}
	now = now.Add(11 * time.Minute)
	if got := c.Get("u", "last_commitment_id"); got != "" {
		t.Fatalf("expired hint survived: %q", got)
	}
}
