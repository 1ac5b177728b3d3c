// Package fetcher defines the HTTP fetch contract shared by the catalog client
// and the asset fetcher.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL     string
	Headers http.Header
}

// Response carries the fetched body plus metadata.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Fetcher fetches a URL and returns the body plus metadata. Non-2xx responses
// are returned without error; callers decide.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// CheckStatus converts a non-2xx response into a *StatusError.
func CheckStatus(resp Response) error {
	if resp.OK() {
		return nil
	}
	return &StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
}

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Limited wraps a Fetcher so every request first passes the waiter.
type Limited struct {
	Next   Fetcher
	Waiter Waiter
}

// Fetch waits for the limiter and then delegates.
func (l Limited) Fetch(ctx context.Context, req Request) (Response, error) {
	if l.Waiter != nil {
		if err := l.Waiter.Wait(ctx, req.URL); err != nil {
			return Response{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	resp, err := l.Next.Fetch(ctx, req)
	if err != nil {
		return resp, fmt.Errorf("limited fetch: %w", err)
	}
	return resp, nil
}
