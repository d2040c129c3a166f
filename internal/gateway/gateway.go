// Package gateway executes authenticated HTTP calls against the payment
// platform on behalf of tenants. Callers never see raw tokens: the gateway
// fetches a valid one, attaches it, and when the platform still answers 401
// it forces exactly one refresh and retries before giving up.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"tokenkeeper/internal/circuitbreaker"
	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/httpx"
	"tokenkeeper/internal/common/logging"
)

// TokenSource supplies and repairs access tokens per tenant
type TokenSource interface {
	GetValidToken(ctx context.Context, tenantID string) (string, error)
	ForceRefresh(ctx context.Context, tenantID, staleToken string) (string, error)
}

// Request describes one downstream API call
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// Response is the downstream result handed back to callers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Config holds gateway settings
type Config struct {
	// BaseURL is the platform API root, e.g. https://connect.example.com
	BaseURL string
	// Timeout bounds each downstream request
	Timeout time.Duration
}

// Validate checks required fields and applies defaults
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("gateway base_url is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// Gateway makes authenticated calls to the platform API
type Gateway struct {
	config     *Config
	tokens     TokenSource
	httpClient *http.Client
	breaker    *circuitbreaker.GoBreakerAdapter
	logger     logging.Logger
}

// NewGateway creates a call gateway backed by the given token source
func NewGateway(config *Config, tokens TokenSource, logger logging.Logger) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Gateway{
		config:     config,
		tokens:     tokens,
		httpClient: httpx.NewClientWithTimeout(config.Timeout),
		breaker:    circuitbreaker.NewGoBreaker("platform-api", circuitbreaker.DownstreamConfig, logger),
		logger:     logger.WithFields(logging.Field{Key: "component", Value: "gateway"}),
	}, nil
}

// Do executes the request with the tenant's current token. On a 401 it
// forces one token refresh and retries once; a second 401 surfaces as
// call_unauthorized. All other statuses, including other 4xx and 5xx, are
// returned to the caller untouched.
func (g *Gateway) Do(ctx context.Context, tenantID string, req *Request) (*Response, error) {
	token, err := g.tokens.GetValidToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	resp, err := g.execute(ctx, token, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// The stored token looked valid but the platform disagreed. Force one
	// refresh keyed on the rejected token and try again.
	g.logger.Info("Downstream rejected token, forcing refresh",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "path", Value: req.Path})

	fresh, err := g.tokens.ForceRefresh(ctx, tenantID, token)
	if err != nil {
		return nil, err
	}

	resp, err = g.execute(ctx, fresh, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// One corrective attempt only; looping refreshes would hammer the
		// token endpoint for a tenant whose authorization is broken upstream
		return nil, errors.CallUnauthorizedError(tenantID)
	}
	return resp, nil
}

func (g *Gateway) execute(ctx context.Context, token string, req *Request) (*Response, error) {
	target := g.config.BaseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, errors.ValidationError("invalid downstream request").WithContext("path", req.Path)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	var httpResp *http.Response
	err = g.breaker.Execute(ctx, func() error {
		var doErr error
		httpResp, doErr = g.httpClient.Do(httpReq)
		return doErr
	})
	if err != nil {
		return nil, errors.ConnectionError("downstream request failed", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.ConnectionError("failed to read downstream response", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
	}, nil
}
