package retry_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/preprint-harvester/internal/fetcher"
	"github.com/JakeFAU/preprint-harvester/internal/policy/retry"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type countingCall struct {
	mu       sync.Mutex
	attempts int
	fails    int
	err      error
}

func (c *countingCall) run(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.fails {
		return c.err
	}
	return nil
}

func TestDoRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	call := &countingCall{fails: 2, err: &fetcher.StatusError{URL: "u", StatusCode: http.StatusBadGateway}}
	policy := retry.New(retry.Config{}).WithoutDelay()

	require.NoError(t, policy.Do(context.Background(), call.run))
	require.Equal(t, 3, call.attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	call := &countingCall{fails: 10, err: timeoutErr{}}
	policy := retry.New(retry.Config{MaxAttempts: 3}).WithoutDelay()

	err := policy.Do(context.Background(), call.run)
	require.Error(t, err)
	require.Equal(t, 3, call.attempts)
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	call := &countingCall{fails: 10, err: &fetcher.StatusError{URL: "u", StatusCode: http.StatusNotFound}}
	policy := retry.New(retry.Config{}).WithoutDelay()

	err := policy.Do(context.Background(), call.run)
	var statusErr *fetcher.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 1, call.attempts)
}

func TestShouldRetryClassification(t *testing.T) {
	t.Parallel()

	p := retry.New(retry.Config{MaxAttempts: 3})
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
		{"429", &fetcher.StatusError{StatusCode: http.StatusTooManyRequests}, true},
		{"503", &fetcher.StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{"403", &fetcher.StatusError{StatusCode: http.StatusForbidden}, false},
		{"timeout", timeoutErr{}, true},
		{"opaque", errors.New("boom"), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, p.ShouldRetry(tc.err, 1), tc.name)
	}
	require.False(t, p.ShouldRetry(errors.New("boom"), 3), "attempt budget exhausted")
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := retry.New(retry.Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	call := &countingCall{fails: 10, err: errors.New("boom")}

	err := retry.New(retry.Config{BaseDelay: time.Hour}).Do(ctx, call.run)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, call.attempts)
}
