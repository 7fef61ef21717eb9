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

// Package auth owns the process-wide access token for outbound RPCs.
//
// One Refresher serves the whole daemon. It hands out Authorization header
// values, refreshes the token in the background before expiry, and backs off
// for a fixed window after a failed refresh so that a broken credential
// source cannot stall every compile task behind retry storms.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	internallog "github.com/tombee/relay/internal/log"
)

const (
	// expiryMargin is the minimum remaining validity of any token served to
	// a caller.
	expiryMargin = 60 * time.Second

	// scheduleMargin is subtracted from expires_in when scheduling the next
	// background refresh, so the refresh lands expiryMargin before the old
	// token becomes unusable.
	scheduleMargin = 120 * time.Second

	// refreshTimeout is the wall-clock budget for one refresh, including
	// HTTP retries.
	refreshTimeout = 10 * time.Second

	// errorPending is how long ShouldRefresh stays false after a refresh
	// failed on the network.
	errorPending = 60 * time.Second

	// tokenInfoURL is the endpoint used by GetAccount to resolve the token's
	// account identity.
	tokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
)

// Refresher coordinates the process-wide access token.
type Refresher struct {
	source Source
	httpc  *http.Client
	logger *slog.Logger

	// infoURL is overridable for tests.
	infoURL string

	mu          sync.Mutex
	token       *oauth2.Token
	account     string
	accountErr  error
	accountSet  bool
	refreshing  bool
	waiters     []func(error)
	lastNetErr  time.Time
	timer       *time.Timer
	cancelInUse context.CancelFunc
	shutdown    bool
}

// NewRefresher creates a Refresher for the given source. The source may be
// nil, in which case GetAuthorization always returns empty and RPCs proceed
// unauthenticated.
func NewRefresher(source Source, httpc *http.Client, logger *slog.Logger) *Refresher {
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Refresher{
		source:  source,
		httpc:   httpc,
		logger:  internallog.WithComponent(logger, "auth"),
		infoURL: tokenInfoURL,
	}
}

// GetAuthorization returns the Authorization header value, or empty when no
// token with at least expiryMargin of validity left is available.
func (r *Refresher) GetAuthorization() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == nil || !time.Now().Add(expiryMargin).Before(r.token.Expiry) {
		return ""
	}
	return r.token.TokenType + " " + r.token.AccessToken
}

// ShouldRefresh reports whether a refresh is due: the token is missing or
// close to expiry, and the post-failure backoff window has elapsed.
func (r *Refresher) ShouldRefresh() bool {
	if r.source == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldRefreshLocked()
}

func (r *Refresher) shouldRefreshLocked() bool {
	if !r.lastNetErr.IsZero() && time.Since(r.lastNetErr) < errorPending {
		return false
	}
	if r.token == nil {
		return true
	}
	return !time.Now().Add(expiryMargin).Before(r.token.Expiry)
}

// RunAfterRefresh queues callback behind an in-flight refresh, starting one
// if needed. When no refresh is needed the callback runs immediately on the
// calling goroutine; otherwise it runs on the refresh goroutine with the
// refresh outcome.
func (r *Refresher) RunAfterRefresh(callback func(error)) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		callback(fmt.Errorf("auth: refresher is shut down"))
		return
	}
	if r.refreshing {
		r.waiters = append(r.waiters, callback)
		r.mu.Unlock()
		return
	}
	if !r.shouldRefreshLocked() {
		r.mu.Unlock()
		callback(nil)
		return
	}
	r.refreshing = true
	r.waiters = append(r.waiters, callback)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelInUse = cancel
	r.mu.Unlock()

	go r.refresh(ctx)
}

// Shutdown cancels the pending delayed refresh and any in-flight refresh.
// It is idempotent.
func (r *Refresher) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return
	}
	r.shutdown = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancelInUse != nil {
		r.cancelInUse()
	}
}

// refresh performs one refresh attempt cycle and wakes all waiters.
func (r *Refresher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	start := time.Now()
	resp, err := backoff.Retry(ctx, func() (*tokenResponse, error) {
		return r.refreshOnce(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))

	r.mu.Lock()
	r.refreshing = false
	r.cancelInUse = nil
	waiters := r.waiters
	r.waiters = nil

	if err != nil {
		r.lastNetErr = time.Now()
		r.mu.Unlock()
		r.logger.Warn("token refresh failed",
			internallog.Error(err),
			internallog.Duration("elapsed", time.Since(start).Milliseconds()))
		for _, w := range waiters {
			w(err)
		}
		return
	}

	now := time.Now()
	r.token = &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Expiry:      now.Add(resp.ExpiresIn - expiryMargin),
	}
	// The memoised account identity belongs to the previous token.
	r.accountSet = false
	r.lastNetErr = time.Time{}
	r.scheduleLocked(resp.ExpiresIn - scheduleMargin)
	r.mu.Unlock()

	r.logger.Info("token refreshed",
		slog.String("source", r.source.Name()),
		slog.Time("expiry", now.Add(resp.ExpiresIn)))
	for _, w := range waiters {
		w(nil)
	}
}

// refreshOnce performs a single HTTP exchange with the source's endpoint.
func (r *Refresher) refreshOnce(ctx context.Context) (*tokenResponse, error) {
	req, err := r.source.NewRequest(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpResp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("auth: token endpoint returned %d", httpResp.StatusCode)
		if httpResp.StatusCode >= 400 && httpResp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	resp, err := r.source.ParseResponse(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return resp, nil
}

// scheduleLocked arms the delayed background refresh. Caller holds r.mu.
func (r *Refresher) scheduleLocked(after time.Duration) {
	if r.shutdown {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if after <= 0 {
		after = time.Second
	}
	r.timer = time.AfterFunc(after, func() {
		r.RunAfterRefresh(func(error) {})
	})
}

// GetAccount resolves the email of the account behind the current token via
// the token-info endpoint. The result is memoised for the token's lifetime.
func (r *Refresher) GetAccount(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.token == nil {
		r.mu.Unlock()
		return "", fmt.Errorf("auth: no token")
	}
	if r.accountSet {
		account, err := r.account, r.accountErr
		r.mu.Unlock()
		return account, err
	}
	token := r.token.AccessToken
	r.mu.Unlock()

	account, err := r.fetchAccount(ctx, token)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != nil && r.token.AccessToken == token {
		r.account, r.accountErr = account, err
		r.accountSet = true
	}
	return account, err
}

func (r *Refresher) fetchAccount(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.infoURL+"?access_token="+token, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: token info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: token info returned %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("auth: malformed token info: %w", err)
	}
	return info.Email, nil
}
