package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatpay/errs"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Base: 2}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindLedgerTransient, "node timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoShortCircuitsValidation(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func() error {
		calls++
		return errs.New(errs.KindValidation, "bad amount")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("validation error must not retry, calls = %d", calls)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	sentinel := errs.New(errs.KindLedgerTransient, "still down")
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected final error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDelaySchedule(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Base: 2}
	if d := cfg.Delay(1); d != 0 {
		t.Fatalf("first attempt delay = %v", d)
	}
	if d := cfg.Delay(2); d != 100*time.Millisecond {
		t.Fatalf("second attempt delay = %v", d)
	}
	if d := cfg.Delay(3); d != 200*time.Millisecond {
		t.Fatalf("third attempt delay = %v", d)
	}
	if d := cfg.Delay(5); d != 300*time.Millisecond {
		t.Fatalf("capped delay = %v", d)
	}
}

func TestBreakerTransitions(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	b := NewBreaker(2, 10*time.Second)
	b.SetNowFunc(func() time.Time { return clock })

	fail := func() error { return errors.New("boom") }
	ok := func() error { return nil }

	if err := b.Execute(fail); err == nil {
		t.Fatal("expected failure")
	}
	if err := b.Execute(fail); err == nil {
		t.Fatal("expected failure")
	}
	// Threshold reached: breaker open.
	if err := b.Execute(ok); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	// After the recovery window the next call probes half-open.
	clock = clock.Add(11 * time.Second)
	if err := b.Execute(fail); errors.Is(err, ErrBreakerOpen) {
		t.Fatal("half-open probe should be admitted")
	}
	// Probe failed: open again.
	if err := b.Execute(ok); !errors.Is(err, ErrBreakerOpen) {
		t.Fatal("failed probe must re-open")
	}
	clock = clock.Add(11 * time.Second)
	if err := b.Execute(ok); err != nil {
		t.Fatalf("successful probe should close: %v", err)
	}
	if err := b.Execute(ok); err != nil {
		t.Fatalf("closed breaker rejected call: %v", err)
	}
}
