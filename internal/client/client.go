// Package client performs authenticated JSON calls against the learnlog backend.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/errs"
	"github.com/and161185/learnlog/internal/telemetry"
)

const (
	defaultTimeout = 15 * time.Second
	maxBody        = 8 << 20
)

// TokenSource supplies bearer tokens and performs the coordinated refresh.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
	Expire()
}

// Signal receives passive connectivity observations.
type Signal interface {
	ReportOnline()
	ReportOffline()
}

// Options configure a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource
	Signal     Signal
	Timeout    time.Duration // per attempt
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics

	// OnSessionExpired is called whenever a call ends with errs.ErrSessionExpired.
	OnSessionExpired func()
}

// Request describes one backend call. Body is sent as JSON, Form as urlencoded.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Form   url.Values
	Header http.Header
}

// Client is safe for concurrent use.
type Client struct {
	base    string
	hc      *http.Client
	tokens  TokenSource
	signal  Signal
	timeout time.Duration
	log     *zap.Logger
	metrics *telemetry.Metrics
	expired func()
}

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		hc:      opts.HTTPClient,
		tokens:  opts.Tokens,
		signal:  opts.Signal,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
		expired: opts.OnSessionExpired,
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

type response struct {
	status int
	body   []byte
}

// Do executes req and decodes a JSON response into out (when non-nil).
//
// A 401 triggers one token refresh and a single replay with the new token. When
// another call renewed the token after this one was sent, the replay uses that
// token and no refresh is made. A failed refresh is returned as is. A 401 on the
// replay expires the session and returns errs.ErrSessionExpired. Other failures are returned as *errs.APIError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	payload, contentType, err := encodeBody(req)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", req.Method, req.Path, err)
	}

	sent := c.bearer(req)
	resp, err := c.send(ctx, req, payload, contentType, sent)
	if err == nil && resp.status == http.StatusUnauthorized && c.tokens != nil {
		tok := c.tokens.Token()
		if sent == "" || tok == "" || tok == sent {
			var rerr error
			if tok, rerr = c.tokens.Refresh(ctx); rerr != nil {
				c.log.Debug("refresh failed", zap.String("path", req.Path), zap.Error(rerr))
				return c.escalate(rerr)
			}
		} else {
			// renewed by another call while this one was in flight
			c.log.Debug("replaying with renewed token", zap.String("path", req.Path))
		}
		resp, err = c.send(ctx, req, payload, contentType, tok)
		if err == nil && resp.status == http.StatusUnauthorized {
			c.tokens.Expire()
			return c.escalate(fmt.Errorf("%w: %w", errs.ErrSessionExpired, errs.Classify(resp.status, resp.body, nil)))
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			// the caller gave up; that says nothing about connectivity
			return fmt.Errorf("%s %s: %w", req.Method, req.Path, ctx.Err())
		}
		apiErr := errs.ClassifyTransport(err)
		c.observe(apiErr)
		return apiErr
	}

	if resp.status < 200 || resp.status > 299 {
		apiErr := errs.Classify(resp.status, resp.body, nil)
		c.observe(apiErr)
		return apiErr
	}
	c.observe(nil)

	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
	}
	return nil
}

// Get issues a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, nil)
}

func (c *Client) escalate(err error) error {
	if errors.Is(err, errs.ErrSessionExpired) && c.expired != nil {
		c.expired()
	}
	if errs.IsRetryable(err) {
		c.observe(err)
	}
	return err
}

// observe feeds the connectivity signal: nil is a success.
func (c *Client) observe(err error) {
	if c.signal == nil {
		return
	}
	switch {
	case err == nil:
		c.signal.ReportOnline()
	case errs.IsRetryable(err):
		c.signal.ReportOffline()
	}
}

// bearer returns the session token to attach to r, or "" when the caller set
// its own Authorization header.
func (c *Client) bearer(r Request) string {
	if c.tokens == nil || r.Header.Get("Authorization") != "" {
		return ""
	}
	return c.tokens.Token()
}

// send performs one attempt. A non-empty token is sent as the bearer.
func (c *Client) send(ctx context.Context, r Request, payload []byte, contentType, token string) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, body)
	if err != nil {
		return response{}, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, telemetry.RequestData{Method: r.Method, Duration: time.Since(start)})
		c.log.Debug("request failed", zap.String("method", r.Method), zap.String("path", r.Path), zap.Error(err))
		return response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	elapsed := time.Since(start)
	c.metrics.RecordRequest(ctx, telemetry.RequestData{Method: r.Method, Status: resp.StatusCode, Duration: elapsed})
	if err != nil {
		return response{}, err
	}
	c.log.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))
	return response{status: resp.StatusCode, body: bytes.TrimSpace(b)}, nil
}

// encodeBody marshals the payload once so it can be replayed after a refresh.
func encodeBody(r Request) ([]byte, string, error) {
	switch {
	case r.Form != nil:
		return []byte(r.Form.Encode()), "application/x-www-form-urlencoded", nil
	case r.Body != nil:
		b, err := json.Marshal(r.Body)
		return b, "application/json", err
	default:
		return nil, "", nil
	}
}
