package playback

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestBackoffForAttemptDoublesUpToMax(t *testing.T) {
	base, max := 100*time.Millisecond, 350*time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, expected := range want {
		if got := backoffForAttempt(base, max, i+1); got != expected {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, expected)
		}
	}
	if got := backoffForAttempt(0, max, 3); got != 0 {
		t.Fatalf("expected zero base to disable backoff, got %s", got)
	}
}

func TestIsTransientNetworkError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: errors.New("dial tcp 10.0.0.5:8009: connect: connection refused"), want: true},
		{err: errors.New("read tcp: connection reset by peer"), want: true},
		{err: errors.New("dial tcp: i/o timeout"), want: true},
		{err: context.DeadlineExceeded, want: false},
		{err: context.Canceled, want: false},
		{err: errors.New("tls: bad certificate"), want: false},
		{err: nil, want: false},
	}
	for _, tc := range tests {
		if got := isTransientNetworkError(tc.err); got != tc.want {
			t.Fatalf("isTransientNetworkError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("tls: bad certificate")
	err := withRetry(context.Background(), RetryPolicy{Attempts: 5}, slog.New(slog.DiscardHandler), "connect", func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call and the permanent error, got %d calls err=%v", calls, err)
	}
}

func TestWithRetryHonoursCancelledBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, RetryPolicy{Attempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour}, slog.New(slog.DiscardHandler), "connect", func() error {
		calls++
		cancel()
		return errors.New("connection refused")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancellation during backoff, got %d calls err=%v", calls, err)
	}
}
