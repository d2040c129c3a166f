package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, tokenURL, revokeURL string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		ClientID:     "app-id",
		ClientSecret: "app-secret",
		TokenURL:     tokenURL,
		RevokeURL:    revokeURL,
	}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestExchangeRefreshToken_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.Form.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q, want refresh-1", got)
		}
		if got := r.Form.Get("client_id"); got != "app-id" {
			t.Errorf("client_id = %q, want app-id", got)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    2592000,
			"scope":         "PAYMENTS_READ ORDERS_WRITE",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	grant, err := client.ExchangeRefreshToken(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if grant.AccessToken != "access-2" {
		t.Errorf("access token = %q", grant.AccessToken)
	}
	if grant.RefreshToken != "refresh-2" {
		t.Errorf("refresh token = %q", grant.RefreshToken)
	}
	if grant.ExpiresIn != 2592000 {
		t.Errorf("expires_in = %d", grant.ExpiresIn)
	}
	if len(grant.Scopes) != 2 || grant.Scopes[0] != "PAYMENTS_READ" {
		t.Errorf("scopes = %v", grant.Scopes)
	}
}

func TestExchangeRefreshToken_NoRotation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "access-2",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, "")

	grant, err := client.ExchangeRefreshToken(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if grant.RefreshToken != "" {
		t.Errorf("expected empty refresh token when not rotated, got %q", grant.RefreshToken)
	}
}

func TestExchangeRefreshToken_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     interface{}
		wantKind ErrorKind
	}{
		{
			name:     "invalid_grant in oauth error body",
			status:   http.StatusBadRequest,
			body:     map[string]string{"error": "invalid_grant", "error_description": "refresh token revoked"},
			wantKind: KindInvalidGrant,
		},
		{
			name:   "invalid_grant in errors array",
			status: http.StatusUnauthorized,
			body: map[string]interface{}{
				"errors": []map[string]string{{"code": "invalid_grant", "detail": "refresh token expired"}},
			},
			wantKind: KindInvalidGrant,
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     map[string]string{"error": "rate_limited"},
			wantKind: KindRateLimited,
		},
		{
			name:     "server error is transient",
			status:   http.StatusBadGateway,
			body:     map[string]string{"error": "upstream"},
			wantKind: KindTransient,
		},
		{
			name:     "plain 403 is terminal",
			status:   http.StatusForbidden,
			body:     map[string]string{"error": "forbidden"},
			wantKind: KindInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, "")

			_, err := client.ExchangeRefreshToken(context.Background(), "refresh-1")
			pe, ok := AsError(err)
			if !ok {
				t.Fatalf("expected provider error, got %v", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", pe.Kind, tt.wantKind)
			}
		})
	}
}

func TestExchangeRefreshToken_EmptyToken(t *testing.T) {
	client := newTestClient(t, "http://localhost:0", "")

	_, err := client.ExchangeRefreshToken(context.Background(), "")
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindInvalidGrant {
		t.Fatalf("expected invalid_grant, got %v", err)
	}
}

func TestExchangeRefreshToken_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := newTestClient(t, server.URL, "")

	_, err := client.ExchangeRefreshToken(context.Background(), "refresh-1")
	pe, ok := AsError(err)
	if !ok || pe.Kind != KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotToken = r.Form.Get("access_token")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, server.URL+"/revoke")

	if err := client.Revoke(context.Background(), "access-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if gotToken != "access-1" {
		t.Errorf("revoked token = %q", gotToken)
	}
}

func TestRevoke_NoEndpointConfigured(t *testing.T) {
	client := newTestClient(t, "http://localhost:0", "")

	if err := client.Revoke(context.Background(), "access-1"); err != nil {
		t.Fatalf("revoke without endpoint should be a no-op, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty config")
	}

	cfg = &Config{ClientID: "id", ClientSecret: "secret", TokenURL: "https://example.com/token"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.Timeout == 0 {
		t.Error("expected default timeout to be applied")
	}
}
