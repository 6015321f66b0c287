package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Initial != time.Second {
		t.Fatalf("expected initial 1s got %v", p.Initial)
	}
	if p.Multiplier != 4 {
		t.Fatalf("expected multiplier 4 got %d", p.Multiplier)
	}
	if p.MaxRetries != 3 {
		t.Fatalf("expected max retries 3 got %d", p.MaxRetries)
	}
}

// TestDelaySchedule checks the 1s/4s/16s progression and the cap.
func TestDelaySchedule(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, time.Second}, {2, 4 * time.Second}, {3, 16 * time.Second}, {4, time.Minute}}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Fatalf("attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 expected 0 got %v", d)
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(5*time.Second, 2*time.Second, 2, 5)
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Multiplier != 2 {
		t.Fatalf("expected multiplier 2 got %d", p.Multiplier)
	}
	if p.MaxRetries != 5 {
		t.Fatalf("expected maxRetries 5 got %d", p.MaxRetries)
	}
}

// TestValidate covers validation error paths.
func TestValidate(t *testing.T) {
	bad := []Policy{
		{Initial: 0, Multiplier: 4, Max: time.Second, MaxRetries: 1},
		{Initial: time.Second, Multiplier: 0, Max: time.Second, MaxRetries: 1},
		{Initial: time.Second, Multiplier: 4, Max: 0, MaxRetries: 1},
		{Initial: time.Second, Multiplier: 4, Max: time.Second, MaxRetries: -1},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d expected validation error", i)
		}
	}
	good := Policy{Initial: time.Second, Multiplier: 4, Max: 2 * time.Second, MaxRetries: 0}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

// TestDoRetriesTransient verifies a transient error is retried and the
// underlying error is surfaced without the marker.
func TestDoRetriesTransient(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Multiplier: 2, Max: 10 * time.Millisecond, MaxRetries: 3}
	base := errors.New("connection reset")

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return Transient(base)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls got %d", calls)
	}

	calls = 0
	err = p.Do(context.Background(), func() error {
		calls++
		return Transient(base)
	})
	if !errors.Is(err, base) {
		t.Fatalf("expected base error got %v", err)
	}
	if calls != 4 { // first attempt + 3 retries
		t.Fatalf("expected 4 calls got %d", calls)
	}
}

// TestDoStopsOnPermanent ensures non-transient errors are not retried.
func TestDoStopsOnPermanent(t *testing.T) {
	p := DefaultPolicy()
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("bad revision")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single failing call, got calls=%d err=%v", calls, err)
	}
}

// TestDoHonorsContext ensures cancellation interrupts the backoff wait.
func TestDoHonorsContext(t *testing.T) {
	p := Policy{Initial: time.Hour, Multiplier: 2, Max: time.Hour, MaxRetries: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func() error { return Transient(errors.New("flaky")) })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
