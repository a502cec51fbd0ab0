package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type permanentAPIError struct{ status int }

func (e *permanentAPIError) Error() string   { return fmt.Sprintf("api error: status %d", e.status) }
func (e *permanentAPIError) Temporary() bool { return e.status >= 500 || e.status == 429 }

func fastPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	c := NewClient(nil, fastPolicy())

	calls := 0
	err := c.Do(context.Background(), "flaky op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	c := NewClient(nil, fastPolicy())

	calls := 0
	err := c.Do(context.Background(), "auth op", func(ctx context.Context) error {
		calls++
		return errors.New("invalid access token")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: calls = %d, want 1", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	c := NewClient(nil, fastPolicy())

	calls := 0
	err := c.Do(context.Background(), "down op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + 3 retries)", calls)
	}
}

func TestDo_ContextCancelStopsLoop(t *testing.T) {
	c := NewClient(nil, Policy{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Timeout:        time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := c.Do(ctx, "canceled op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled in chain", err)
	}
	if calls > 2 {
		t.Fatalf("loop kept running after cancel: %d calls", calls)
	}
}

func TestDoWithDelays_FixedLadder(t *testing.T) {
	c := NewClient(nil)
	delays := []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}

	calls := 0
	err := c.DoWithDelays(context.Background(), "store save", delays, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("network unreachable")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("DoWithDelays() = %v, want nil", err)
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4 (initial + full ladder)", calls)
	}
}

func TestDoWithDelays_ValidationFailsImmediately(t *testing.T) {
	c := NewClient(nil)
	sentinel := errors.New("missing required field: symbol")

	calls := 0
	err := c.DoWithDelays(context.Background(), "store save", []time.Duration{time.Millisecond}, func(ctx context.Context) error {
		calls++
		return sentinel
	})

	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the validation error", err)
	}
	if calls != 1 {
		t.Fatalf("validation error retried: calls = %d, want 1", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout string", errors.New("request timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limited", errors.New("rate limit exceeded"), true},
		{"bad gateway", errors.New("unexpected status 502"), true},
		{"invalid token", errors.New("invalid access token"), false},
		{"permission denied", errors.New("permission denied for this request"), false},
		{"wrapped transient", fmt.Errorf("quote fetch: %w", errors.New("connection reset by peer")), true},
		{"typed transient", &permanentAPIError{status: 503}, true},
		{"typed throttle", &permanentAPIError{status: 429}, true},
		{"typed permanent", &permanentAPIError{status: 403}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
