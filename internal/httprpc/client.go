// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httprpc is the HTTP client for the remote compile service.
//
// It signs requests with the token refresher, compresses bodies, retries
// transport errors and HTTP 5xx with exponential backoff, and distinguishes
// a slow remote from a dead one with a /healthz probe before giving up on a
// stalled response.
package httprpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/gomapb"
	internallog "github.com/tombee/relay/internal/log"
)

// Authorizer supplies the Authorization header for outbound requests.
// Implemented by auth.Refresher.
type Authorizer interface {
	GetAuthorization() string
}

// ErrTransport wraps connection-level failures, which are retryable.
var ErrTransport = errors.New("httprpc: transport error")

// HTTPError is a non-200 response from the remote service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("httprpc: server returned %d", e.StatusCode)
}

// Retryable reports whether the request may be retried (5xx only; a 4xx is
// a semantic rejection and never retried).
func (e *HTTPError) Retryable() bool {
	return e.StatusCode >= 500
}

// Client talks to the remote compile service.
type Client struct {
	cfg     config.Remote
	httpc   *http.Client
	auth    Authorizer
	logger  *slog.Logger
	limiter *rate.Limiter
}

// New creates a client for the configured remote endpoint.
func New(cfg config.Remote, httpc *http.Client, auth Authorizer, logger *slog.Logger) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	var limiter *rate.Limiter
	if cfg.SendRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), cfg.SendRateLimit)
	}
	return &Client{
		cfg:     cfg,
		httpc:   httpc,
		auth:    auth,
		logger:  internallog.WithComponent(logger, "httprpc"),
		limiter: limiter,
	}
}

// Exec issues a compile request and decodes the response.
func (c *Client) Exec(ctx context.Context, req *gomapb.ExecReq) (*gomapb.ExecResp, error) {
	body, err := c.call(ctx, c.cfg.ExecPath, req.Marshal())
	if err != nil {
		return nil, err
	}
	resp := &gomapb.ExecResp{}
	if err := resp.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("httprpc: exec response: %w", err)
	}
	return resp, nil
}

// StoreFile uploads one blob to the content-addressed store. The upload
// consumes send-rate budget when a limit is configured.
func (c *Client) StoreFile(ctx context.Context, req *gomapb.StoreFileReq) (*gomapb.StoreFileResp, error) {
	payload := req.Marshal()
	if c.limiter != nil {
		// WaitN rejects n > burst; chunk the budget instead of failing.
		remaining := len(payload)
		for remaining > 0 {
			n := remaining
			if n > c.limiter.Burst() {
				n = c.limiter.Burst()
			}
			if err := c.limiter.WaitN(ctx, n); err != nil {
				return nil, err
			}
			remaining -= n
		}
	}
	body, err := c.call(ctx, "/s", payload)
	if err != nil {
		return nil, err
	}
	resp := &gomapb.StoreFileResp{}
	if err := resp.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("httprpc: store response: %w", err)
	}
	return resp, nil
}

// LookupFile fetches one output blob from the content-addressed store.
func (c *Client) LookupFile(ctx context.Context, hashKey string) ([]byte, error) {
	body, err := c.call(ctx, "/l", (&gomapb.LookupFileReq{HashKey: hashKey}).Marshal())
	if err != nil {
		return nil, err
	}
	resp := &gomapb.LookupFileResp{}
	if err := resp.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("httprpc: lookup response: %w", err)
	}
	return resp.Content, nil
}

// Healthz probes the remote service, reporting nil when it answers 200.
func (c *Client) Healthz(ctx context.Context) error {
	u := fmt.Sprintf("%s/healthz?pid=%d", c.cfg.URL(), os.Getpid())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// call POSTs one serialised message and returns the response body, retrying
// transport errors and 5xx up to the configured budget.
func (c *Client) call(ctx context.Context, path string, payload []byte) ([]byte, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryBackoff

	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.callOnce(ctx, path, payload)
		if err == nil {
			return body, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("rpc attempt failed",
			slog.String("path", path),
			internallog.Error(err))
		return nil, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1))
}

func (c *Client) callOnce(ctx context.Context, path string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, contentEncoding, err := c.encodeBody(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL()+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "binary/x-protocol-buffer")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
		req.Header.Set("Accept-Encoding", contentEncoding)
	}
	if auth := c.auth.GetAuthorization(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	// First-byte watchdog: if no response headers arrive within
	// initial_timeout, probe /healthz once; a healthy remote earns a single
	// check_timeout extension, a dead one gets the request cancelled.
	headerDone := make(chan struct{})
	watchdogDone := make(chan struct{})
	go c.firstByteWatchdog(ctx, cancel, headerDone, watchdogDone)

	resp, err := c.httpc.Do(req)
	close(headerDone)
	<-watchdogDone
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := c.readBody(ctx, cancel, resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

func (c *Client) firstByteWatchdog(ctx context.Context, cancel context.CancelFunc, headerDone, watchdogDone chan struct{}) {
	defer close(watchdogDone)

	timer := time.NewTimer(c.cfg.InitialTimeout)
	defer timer.Stop()

	select {
	case <-headerDone:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	probeCtx, probeCancel := context.WithTimeout(ctx, c.cfg.InitialTimeout)
	err := c.Healthz(probeCtx)
	probeCancel()
	if err != nil {
		c.logger.Warn("remote unhealthy during stalled request", internallog.Error(err))
		cancel()
		return
	}

	// Healthy but slow: grant one extension.
	extend := time.NewTimer(c.cfg.CheckTimeout)
	defer extend.Stop()
	select {
	case <-headerDone:
	case <-ctx.Done():
	case <-extend.C:
		c.logger.Warn("remote healthy but response still stalled, cancelling")
		cancel()
	}
}

// readBody drains the response with an idle watchdog between chunks.
func (c *Client) readBody(ctx context.Context, cancel context.CancelFunc, resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("httprpc: bad gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	activity := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		timer := time.NewTimer(c.cfg.ReadTimeout)
		defer timer.Stop()
		for {
			select {
			case <-readerDone:
				return
			case <-activity:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.cfg.ReadTimeout)
			case <-timer.C:
				cancel()
				return
			}
		}
	}()

	var buf bytes.Buffer
	chunk := make([]byte, 64<<10)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			select {
			case activity <- struct{}{}:
			default:
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

func (c *Client) encodeBody(payload []byte) ([]byte, string, error) {
	if !c.cfg.Compression {
		return payload, "", nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return nil, "", err
	}
	if err := gz.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}
