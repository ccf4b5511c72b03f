// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport sends authenticated requests to the homeserver and
// retries them according to the response class. Every outbound call made
// by the gatekeeper goes through an [Executor], either directly or as the
// [http.RoundTripper] of the Matrix client.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/gkerr"
	"github.com/aiku/mautrix-gatekeeper/pkg/gatekeeper/metrics"
)

const (
	DefaultRetryBase   = time.Second
	DefaultRetryBudget = 5 * time.Minute
	defaultUserAgent   = "mautrix-gatekeeper/0.1.0"
	maxErrorBody       = 64 * 1024
)

// Class groups HTTP status codes by how the executor reacts to them.
type Class int

const (
	ClassSuccess Class = iota
	// ClassRateLimited is 408 and 429. The wait honours Retry-After when present.
	ClassRateLimited
	// ClassServerError covers 5xx including the 522/524 gateway timeouts.
	ClassServerError
	// ClassClientError is any other 4xx. These are never retried.
	ClassClientError
)

// Classify maps an HTTP status code to its retry class.
func Classify(status int) Class {
	switch {
	case status < 400:
		return ClassSuccess
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return ClassRateLimited
	case status >= 500:
		return ClassServerError
	default:
		return ClassClientError
	}
}

// Request is a replayable outbound request. Body is kept as bytes so the
// same request can be sent again on retry.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
	// SingleAttempt disables retries. The classified error of the first
	// failure is returned as is.
	SingleAttempt bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Config tunes the executor. Zero values fall back to the defaults.
type Config struct {
	AccessToken string
	UserAgent   string
	RetryBase   time.Duration
	RetryBudget time.Duration
	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Doer is the subset of *http.Client used by the executor.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Executor performs requests with the retry policy. Thread-safe.
type Executor struct {
	client    Doer
	token     string
	userAgent string
	base      time.Duration
	budget    time.Duration
	limiter   *rate.Limiter
	log       zerolog.Logger

	// Now and Sleep are replaceable in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor that sends requests through client.
func NewExecutor(client Doer, cfg Config, log zerolog.Logger) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	e := &Executor{
		client:    client,
		token:     cfg.AccessToken,
		userAgent: cfg.UserAgent,
		base:      cfg.RetryBase,
		budget:    cfg.RetryBudget,
		log:       log.With().Str("component", "transport").Logger(),
		Now:       time.Now,
		Sleep:     sleepContext,
	}
	if e.userAgent == "" {
		e.userAgent = defaultUserAgent
	}
	if e.base <= 0 {
		e.base = DefaultRetryBase
	}
	if e.budget <= 0 {
		e.budget = DefaultRetryBudget
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

type singleAttemptKey struct{}

// WithSingleAttempt marks requests made with ctx as [Request.SingleAttempt]
// when they reach the executor through [Executor.RoundTrip].
func WithSingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

func singleAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(singleAttemptKey{}).(bool)
	return v
}

// RoundTrip implements [http.RoundTripper] on top of [Executor.Do]. Only
// successful responses are returned as responses; every failure the
// retry policy gives up on is returned as an error wrapping its
// [gkerr.Error].
func (e *Executor) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(data) > 0 {
			body = data
		}
	}
	ctx := r.Context()
	resp, err := e.Do(ctx, &Request{
		Method:        r.Method,
		URL:           r.URL.String(),
		Body:          body,
		Header:        r.Header.Clone(),
		SingleAttempt: singleAttempt(ctx),
	})
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}

// UserAgent returns the User-Agent header sent with every request.
func (e *Executor) UserAgent() string {
	return e.userAgent
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do sends req, retrying rate-limited, server and network failures with a
// doubling backoff until the retry budget is spent. Client errors are
// returned immediately as [gkerr.KindFatal].
func (e *Executor) Do(ctx context.Context, req *Request) (*Response, error) {
	start := e.Now()
	var lastErr error
	var wait time.Duration
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if e.Now().Add(wait).Sub(start) > e.budget {
				return nil, &gkerr.Error{
					Kind:   gkerr.KindFatal,
					Op:     req.Method + " " + req.URL,
					Status: gkerr.StatusOf(lastErr),
					Err:    fmt.Errorf("retry budget of %s exhausted: %w", e.budget, lastErr),
				}
			}
			if err := e.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := e.once(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = &gkerr.Error{Kind: gkerr.KindTransient, Op: req.Method + " " + req.URL, Err: err}
			if req.SingleAttempt {
				return nil, lastErr
			}
			wait = e.backoff(attempt)
			metrics.TransportRetries.WithLabelValues("network").Inc()
			e.log.Warn().Err(err).Str("method", req.Method).Dur("wait", wait).Msg("Request failed, retrying")
			continue
		}

		switch Classify(resp.StatusCode) {
		case ClassSuccess:
			return resp, nil
		case ClassRateLimited:
			lastErr = statusError(req, resp, gkerr.KindTransient)
			if req.SingleAttempt {
				return nil, lastErr
			}
			wait = retryAfter(resp)
			if wait <= 0 {
				wait = e.backoff(attempt)
			}
			metrics.TransportRetries.WithLabelValues("rate_limited").Inc()
			e.log.Debug().Str("method", req.Method).Dur("wait", wait).Msg("Rate limited, waiting")
		case ClassServerError:
			lastErr = statusError(req, resp, gkerr.KindTransient)
			if req.SingleAttempt {
				return nil, lastErr
			}
			wait = e.backoff(attempt)
			metrics.TransportRetries.WithLabelValues("server_error").Inc()
			e.log.Warn().Int("status", resp.StatusCode).Str("method", req.Method).Dur("wait", wait).Msg("Server error, retrying")
		default:
			return nil, &gkerr.Error{
				Kind:   gkerr.KindFatal,
				Status: resp.StatusCode,
				Err:    statusError(req, resp, clientErrorKind(resp.StatusCode)),
			}
		}
	}
}

func clientErrorKind(status int) gkerr.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gkerr.KindForbidden
	case http.StatusNotFound:
		return gkerr.KindNotFound
	case http.StatusBadRequest, http.StatusConflict:
		return gkerr.KindInvalidArgument
	default:
		return gkerr.KindFatal
	}
}

// backoff returns base * 2^attempt.
func (e *Executor) backoff(attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	return e.base << attempt
}

func (e *Executor) once(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if e.token != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", e.userAgent)

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// RespError is the standard Matrix error body.
type RespError struct {
	ErrCode      string `json:"errcode"`
	Err          string `json:"error"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func parseRespError(body []byte) RespError {
	var re RespError
	_ = json.Unmarshal(body, &re)
	return re
}

func statusError(req *Request, resp *Response, kind gkerr.Kind) *gkerr.Error {
	re := parseRespError(resp.Body)
	msg := re.Err
	if msg == "" {
		body := resp.Body
		if len(body) > 200 {
			body = body[:200]
		}
		msg = string(body)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &gkerr.Error{
		Kind:   kind,
		Op:     req.Method + " " + req.URL,
		Status: resp.StatusCode,
		Code:   re.ErrCode,
		Err:    errors.New(msg),
	}
}

// retryAfter reads the server's requested wait from the Retry-After header
// or the retry_after_ms body field. Zero means no hint was given.
func retryAfter(resp *Response) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(h); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if len(resp.Body) > 0 && len(resp.Body) < maxErrorBody {
		if re := parseRespError(resp.Body); re.RetryAfterMS > 0 {
			return time.Duration(re.RetryAfterMS) * time.Millisecond
		}
	}
	return 0
}
