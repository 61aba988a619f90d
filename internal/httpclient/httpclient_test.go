package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gustycube/osintd/internal/circuitbreaker"
)

func testOptions() Options {
	o := DefaultOptions()
	o.InitialInterval = 5 * time.Millisecond
	o.MaxInterval = 20 * time.Millisecond
	o.MaxRetries = 3
	return o
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := New(server.Client(), testOptions())
	resp, err := c.Get(context.Background(), server.URL, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClient_PermanentClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(server.Client(), testOptions())
	_, err := c.Get(context.Background(), server.URL, nil)
	if StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected no retries on 401, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClient_RetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := New(server.Client(), testOptions())
	start := time.Now()
	if _, err := c.Get(context.Background(), server.URL, nil); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d < 900*time.Millisecond {
		t.Errorf("expected Retry-After to delay the retry by ~1s, got %v", d)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", atomic.LoadInt32(&calls))
	}
}

func TestClient_GivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := New(server.Client(), testOptions())
	_, err := c.Get(context.Background(), server.URL, nil)
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after retries, got %v", err)
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxRetries = 0
	opts.Breaker = circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Minute}
	c := New(server.Client(), opts)
	ctx := context.Background()

	c.Get(ctx, server.URL, nil)
	c.Get(ctx, server.URL, nil)
	_, err := c.Get(ctx, server.URL, nil)
	if !errors.Is(err, circuitbreaker.ErrOpenState) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected breaker to stop the third call, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestRetryAfterParsing(t *testing.T) {
	h := http.Header{}
	if retryAfter(h) != 0 {
		t.Error("expected 0 without header")
	}
	h.Set("Retry-After", "7")
	if retryAfter(h) != 7*time.Second {
		t.Errorf("expected 7s, got %v", retryAfter(h))
	}
	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	if d := retryAfter(h); d < 59*time.Minute {
		t.Errorf("expected about an hour, got %v", d)
	}
}
