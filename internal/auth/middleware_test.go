package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_HeadersPresent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil {
			t.Fatal("expected auth context to be set")
		}
		if authCtx.UserID != "u-1" || authCtx.UserNickname != "alice" || authCtx.SessionID != "s-1" {
			t.Errorf("unexpected auth context: %+v", authCtx)
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(false)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.Header.Set("X-User-Id", "u-1")
	req.Header.Set("X-User-Nickname", "alice")
	req.Header.Set("X-Session-Id", "s-1")
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}

func TestMiddleware_MissingIdentityRejected(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without an asserted identity")
	})

	wrapped := Middleware(false)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", rec.Code)
	}

	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] == nil {
		t.Error("response should contain error field")
	}
}

func TestMiddleware_DevModeQueryFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		if authCtx == nil || authCtx.UserID != "u-2" {
			t.Errorf("expected user id from query string, got %+v", authCtx)
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := Middleware(true)(handler)

	req := httptest.NewRequest("GET", "/?user_id=u-2&user_nickname=bob", http.NoBody)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}

func TestMiddleware_DevModeStillRequiresUserID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a user id")
	})

	wrapped := Middleware(true)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", rec.Code)
	}
}

func TestRateLimitMiddleware_AllowsRequests(t *testing.T) {
	limiter := NewRateLimiter(100, 10)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RateLimitMiddleware(limiter)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_BlocksOverLimit(t *testing.T) {
	limiter := NewRateLimiter(0.01, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RateLimitMiddleware(limiter)(handler)

	req1 := httptest.NewRequest("GET", "/", http.NoBody)
	req1.RemoteAddr = "192.168.1.1:12345"
	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Errorf("first request status = %v, want 200", rec1.Code)
	}

	req2 := httptest.NewRequest("GET", "/", http.NoBody)
	req2.RemoteAddr = "192.168.1.1:12345"
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %v, want 429", rec2.Code)
	}

	if rec2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimitMiddleware_UsesUserID(t *testing.T) {
	limiter := NewRateLimiter(0.01, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RateLimitMiddleware(limiter)(handler)

	req := httptest.NewRequest("GET", "/", http.NoBody)
	authCtx := &AuthContext{UserID: "u-rate-1"}
	req = req.WithContext(WithContext(req.Context(), authCtx))
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}
