// Package provider is a stateless wrapper over the payment platform's OAuth2
// token-exchange and revoke endpoints. It classifies every failure into one
// of three kinds so callers can tell a dead refresh token from a provider
// outage without parsing response bodies themselves.
package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tokenkeeper/internal/circuitbreaker"
	"tokenkeeper/internal/common/httpx"
	"tokenkeeper/internal/common/logging"
)

// ErrorKind classifies a token endpoint failure
type ErrorKind string

const (
	// KindInvalidGrant means the refresh token itself is dead. Terminal: the
	// tenant must re-authorize.
	KindInvalidGrant ErrorKind = "invalid_grant"
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Retryable on the caller's schedule.
	KindTransient ErrorKind = "transient"
	// KindRateLimited means the provider asked us to back off
	KindRateLimited ErrorKind = "rate_limited"
)

// Error is a classified token endpoint failure
type Error struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider error (%s): %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// AsError extracts a provider *Error from an error chain
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := stderrors.As(err, &pe)
	return pe, ok
}

// Config holds the provider application credentials and endpoints
type Config struct {
	// ClientID and ClientSecret identify our application to the provider
	ClientID     string
	ClientSecret string
	// TokenURL is the OAuth2 token exchange endpoint
	TokenURL string
	// RevokeURL is the token revocation endpoint
	RevokeURL string
	// Timeout bounds each request to the provider
	Timeout time.Duration
}

// Validate checks the required fields
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("provider client_id is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("provider client_secret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("provider token_url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// TokenGrant is a successful token exchange result. RefreshToken is empty
// when the provider chose not to rotate it.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scopes       []string
}

// Client calls the provider's token endpoints. It holds no per-tenant state.
type Client struct {
	config     *Config
	httpClient *http.Client
	breaker    *circuitbreaker.GoBreakerAdapter
	logger     logging.Logger
}

// NewClient creates a provider client with a circuit breaker around the token
// endpoint
func NewClient(config *Config, logger logging.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Client{
		config:     config,
		httpClient: httpx.NewClientWithTimeout(config.Timeout),
		breaker:    circuitbreaker.NewGoBreaker("provider-token-endpoint", circuitbreaker.TokenEndpointConfig, logger),
		logger:     logger,
	}, nil
}

// tokenResponse maps the provider's token endpoint JSON
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// errorResponse maps both the provider's errors array and the standard OAuth2
// error body
type errorResponse struct {
	Errors []struct {
		Detail string `json:"detail"`
		Code   string `json:"code"`
	} `json:"errors"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeRefreshToken trades a refresh token for a fresh access token.
// A missing refresh_token in the response means the provider kept the old
// one; callers must preserve it, never clear it.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, &Error{Kind: KindInvalidGrant, Detail: "refresh token is empty"}
	}

	data := url.Values{}
	data.Set("client_id", c.config.ClientID)
	data.Set("client_secret", c.config.ClientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Detail: "failed to create token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var resp *http.Response
	err = c.breaker.Execute(ctx, func() error {
		var httpErr error
		resp, httpErr = c.httpClient.Do(req)
		return httpErr
	})
	if err != nil {
		// Breaker-open, network and timeout failures are all retryable later
		return nil, &Error{Kind: KindTransient, Detail: "token request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Detail: "failed to read token response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyFailure(resp.StatusCode, body)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, &Error{Kind: KindTransient, Detail: "failed to parse token response", Cause: err}
	}
	if tokenResp.AccessToken == "" {
		return nil, &Error{Kind: KindTransient, Detail: "no access token in response"}
	}

	grant := &TokenGrant{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}
	if tokenResp.Scope != "" {
		grant.Scopes = strings.Fields(tokenResp.Scope)
	}
	return grant, nil
}

// Revoke notifies the provider that an access token should be invalidated.
// Best-effort by contract: callers log and proceed with local revocation on
// failure.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	if c.config.RevokeURL == "" {
		return nil
	}

	data := url.Values{}
	data.Set("client_id", c.config.ClientID)
	data.Set("access_token", accessToken)

	req, err := http.NewRequestWithContext(ctx, "POST", c.config.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return &Error{Kind: KindTransient, Detail: "failed to create revoke request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Detail: "revoke request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return c.classifyFailure(resp.StatusCode, body)
	}
	return nil
}

// classifyFailure maps an HTTP failure to an ErrorKind
func (c *Client) classifyFailure(status int, body []byte) *Error {
	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	detail := errResp.ErrorDescription
	if detail == "" && len(errResp.Errors) > 0 {
		detail = errResp.Errors[0].Detail
	}
	if detail == "" {
		detail = fmt.Sprintf("token endpoint returned status %d", status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Detail: detail}
	case status >= 500 || status == http.StatusRequestTimeout:
		return &Error{Kind: KindTransient, Detail: detail}
	case errResp.Error == "invalid_grant" || containsGrantFailure(errResp):
		return &Error{Kind: KindInvalidGrant, Detail: detail}
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		// A 4xx rejection of the grant will not heal with retries
		return &Error{Kind: KindInvalidGrant, Detail: detail}
	default:
		return &Error{Kind: KindTransient, Detail: detail}
	}
}

func containsGrantFailure(errResp errorResponse) bool {
	for _, e := range errResp.Errors {
		if e.Code == "invalid_grant" || strings.Contains(strings.ToLower(e.Detail), "refresh token") {
			return true
		}
	}
	return false
}
