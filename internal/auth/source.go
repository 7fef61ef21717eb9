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

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/relay/internal/config"
)

// Source is the contract shared by the four credential sources. A source
// builds the refresh HTTP request and parses its response; the Refresher
// owns everything else (scheduling, backoff, the token itself).
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// NewRequest builds the token refresh request.
	NewRequest(ctx context.Context) (*http.Request, error)

	// ParseResponse extracts the token from a successful response body.
	ParseResponse(body []byte) (*tokenResponse, error)
}

// tokenResponse is the common shape all four token endpoints reduce to.
type tokenResponse struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
}

// googleTokenURL is the default OAuth2 token endpoint for the refresh-token
// and service-account grants.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// NewSource selects the credential source for the given configuration, or
// returns nil when no source is enabled.
func NewSource(cfg config.Auth) (Source, error) {
	switch {
	case cfg.GCEServiceAccount != "":
		return &gceSource{account: cfg.GCEServiceAccount}, nil
	case cfg.ServiceAccountJSON != "":
		return newServiceAccountSource(cfg.ServiceAccountJSON, cfg.Scope)
	case cfg.OAuth2.Enabled:
		return &refreshTokenSource{cfg: cfg.OAuth2}, nil
	case cfg.LocalAuth.Enabled:
		return &localAuthSource{cfg: cfg.LocalAuth, scope: cfg.Scope}, nil
	default:
		return nil, nil
	}
}

// gceSource fetches tokens from the GCE metadata server.
type gceSource struct {
	account string
}

func (s *gceSource) Name() string { return "gce" }

func (s *gceSource) NewRequest(ctx context.Context) (*http.Request, error) {
	u := fmt.Sprintf(
		"http://metadata/computeMetadata/v1/instance/service-accounts/%s/token",
		url.PathEscape(s.account))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Metadata-Flavor", "Google")
	return req, nil
}

func (s *gceSource) ParseResponse(body []byte) (*tokenResponse, error) {
	return parseOAuthBody(body)
}

// serviceAccountSource exchanges a signed JWT assertion built from a
// service-account JSON key for an access token.
type serviceAccountSource struct {
	clientEmail string
	tokenURI    string
	scope       string
	key         any // *rsa.PrivateKey
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func newServiceAccountSource(path, scope string) (*serviceAccountSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read service account key: %w", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("auth: failed to parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("auth: service account key missing client_email or private_key")
	}
	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to parse private key: %w", err)
	}
	tokenURI := key.TokenURI
	if tokenURI == "" {
		tokenURI = googleTokenURL
	}
	return &serviceAccountSource{
		clientEmail: key.ClientEmail,
		tokenURI:    tokenURI,
		scope:       scope,
		key:         rsaKey,
	}, nil
}

func (s *serviceAccountSource) Name() string { return "service-account" }

func (s *serviceAccountSource) NewRequest(ctx context.Context) (*http.Request, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   s.clientEmail,
		"aud":   s.tokenURI,
		"scope": s.scope,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURI,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (s *serviceAccountSource) ParseResponse(body []byte) (*tokenResponse, error) {
	return parseOAuthBody(body)
}

// refreshTokenSource exchanges a long-lived refresh token.
type refreshTokenSource struct {
	cfg config.OAuth2
}

func (s *refreshTokenSource) Name() string { return "oauth2-refresh" }

func (s *refreshTokenSource) NewRequest(ctx context.Context) (*http.Request, error) {
	tokenURL := s.cfg.TokenURL
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"refresh_token": {s.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (s *refreshTokenSource) ParseResponse(body []byte) (*tokenResponse, error) {
	return parseOAuthBody(body)
}

// localAuthSource asks a local auth broker for a scoped token.
type localAuthSource struct {
	cfg   config.LocalAuth
	scope string
}

func (s *localAuthSource) Name() string { return "local-auth" }

func (s *localAuthSource) NewRequest(ctx context.Context) (*http.Request, error) {
	payload, err := json.Marshal(map[string]any{
		"scopes":     []string{s.scope},
		"secret":     s.cfg.Secret,
		"account_id": s.cfg.AccountID,
	})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("http://127.0.0.1:%d/rpc/LuciLocalAuthService.GetOAuthToken", s.cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *localAuthSource) ParseResponse(body []byte) (*tokenResponse, error) {
	var resp struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
		AccessToken  string `json:"access_token"`
		Expiry       int64  `json:"expiry"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("auth: malformed broker response: %w", err)
	}
	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("auth: broker error %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth: broker returned empty token")
	}
	return &tokenResponse{
		AccessToken: resp.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   time.Until(time.Unix(resp.Expiry, 0)),
	}, nil
}

// parseOAuthBody parses the standard OAuth2 token endpoint response.
func parseOAuthBody(body []byte) (*tokenResponse, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("auth: malformed token response: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("auth: token response missing access_token")
	}
	if resp.TokenType == "" {
		resp.TokenType = "Bearer"
	}
	return &tokenResponse{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}
