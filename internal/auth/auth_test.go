package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestIssueAndValidateToken(t *testing.T) {
	a := New(testSecret)

	token, err := a.IssueToken("ops-cli", time.Hour)
	require.NoError(t, err)

	subject, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-cli", subject)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := New(testSecret).IssueToken("ops-cli", time.Hour)
	require.NoError(t, err)

	_, err = New("another-secret-another-secret!!!").ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	a := New(testSecret)

	token, err := a.IssueToken("ops-cli", -time.Minute)
	require.NoError(t, err)

	_, err = a.ValidateToken(token)
	assert.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	a := New(testSecret)

	var gotSubject string
	handler := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = r.Context().Value(SubjectKey).(string)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes", func(t *testing.T) {
		token, err := a.IssueToken("ops-cli", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest("GET", "/api/tenants/t1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops-cli", gotSubject)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/tenants/t1", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/tenants/t1", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
