package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/gatekeep/internal/middleware"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

func newTestRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		JWTSecret:         []byte("router-test-secret"),
		RateLimiter:       rl,
		Logger:            discardLogger(),
		HealthChecker:     health,
		AccessService:     &mockAccessService{},
		ChannelRepo:       &mockChannelRepo{},
		ChannelBot:        &mockChannelBot{},
		Ingestor:          &mockIngestor{},
		WebhookSecretPath: "hook-secret",
	})
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRouter_Health_DBDown(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// webhookルートがJWT認証の外に配置されていることを検証
func TestRouter_WebhookBypassesAuth(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram/hook-secret", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRouter_APIRequiresAuth(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/access/grant"},
		{http.MethodPost, "/api/access/force-remove"},
		{http.MethodGet, "/api/users/ext-1/memberships"},
		{http.MethodGet, "/api/users/ext-1/channels/-100123/audit"},
		{http.MethodGet, "/api/channels"},
		{http.MethodPost, "/api/channels"},
	}

	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestRouter_AuthorizedRequestReachesHandler(t *testing.T) {
	router := newTestRouter(t, &mockHealthChecker{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "billing-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte("router-test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/channels", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
