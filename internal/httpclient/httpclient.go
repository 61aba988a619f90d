package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustycube/osintd/internal/circuitbreaker"
	"github.com/gustycube/osintd/internal/metrics"
)

const maxBody = 16 << 20

// Default returns the base transport used for outbound requests.
func Default() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          256,
		MaxConnsPerHost:       32,
		MaxIdleConnsPerHost:   16,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 30 * time.Second}
}

// Options tunes retry behaviour.
type Options struct {
	UA              string
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Breaker         circuitbreaker.Config
}

// DefaultOptions returns the retry and breaker settings used when none are given.
func DefaultOptions() Options {
	return Options{
		UA:              "osintd/1.0",
		MaxRetries:      4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Breaker:         circuitbreaker.Config{FailureThreshold: 5, Timeout: 60 * time.Second, MaxRequests: 1},
	}
}

// Client performs requests with a per-host circuit breaker and exponential
// backoff on transport errors, 429 and 5xx. Retry-After is the floor for the
// next wait.
type Client struct {
	hc       *http.Client
	breakers *circuitbreaker.HostBreaker
	opts     Options
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New wraps hc with retries, backoff and per-host breakers.
func New(hc *http.Client, opts Options) *Client {
	if hc == nil {
		hc = Default()
	}
	bc := opts.Breaker
	bc.OnStateChange = func(host string, _, to circuitbreaker.State) {
		metrics.BreakerState.WithLabelValues(host).Set(float64(to))
	}
	return &Client{hc: hc, breakers: circuitbreaker.NewHostBreaker(bc), opts: opts}
}

// HTTP exposes the underlying client for collaborators such as the robots cache.
func (c *Client) HTTP() *http.Client { return c.hc }

// BreakerState reports the breaker for host.
func (c *Client) BreakerState(host string) circuitbreaker.State { return c.breakers.State(host) }

// Get fetches url with retries.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, header, nil)
}

// Do sends the request, rebuilding it for every attempt.
func (c *Client) Do(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.opts.InitialInterval
	exp.MaxInterval = c.opts.MaxInterval
	exp.MaxElapsedTime = 0
	hinted := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, c.opts.MaxRetries)}
	b := backoff.WithContext(hinted, ctx)

	var out *Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if req.Header.Get("User-Agent") == "" && c.opts.UA != "" {
			req.Header.Set("User-Agent", c.opts.UA)
		}

		var resp *Response
		err = c.breakers.Execute(req.URL.Host, func() error {
			r, err := c.hc.Do(req)
			if err != nil {
				return err
			}
			defer r.Body.Close()
			data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
			if err != nil {
				return err
			}
			resp = &Response{StatusCode: r.StatusCode, Header: r.Header, Body: data}
			if r.StatusCode >= 500 {
				return &HTTPError{StatusCode: r.StatusCode, Status: r.Status}
			}
			return nil
		})
		if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%s: %w", req.URL.Host, err))
		}
		if err != nil {
			if resp != nil {
				hinted.hint = retryAfter(resp.Header)
			}
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			hinted.hint = retryAfter(resp.Header)
			return &HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&HTTPError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)})
		}
		out = resp
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

// retryAfterBackOff waits at least the server provided Retry-After.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (r *retryAfterBackOff) NextBackOff() time.Duration {
	next := r.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if r.hint > next {
		next = r.hint
	}
	r.hint = 0
	return next
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s", e.StatusCode, e.Status)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
