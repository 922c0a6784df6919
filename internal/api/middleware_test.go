package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuthMiddleware_EmptyKeysRejectsRequests(t *testing.T) {
	handler := AuthMiddleware("", nil, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_ExplicitAllowUnauthenticated(t *testing.T) {
	handler := AuthMiddleware("", nil, true)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_ValidKey(t *testing.T) {
	handler := AuthMiddleware("X-Remedy-Key", []string{"good-key"}, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	req.Header.Set("X-Remedy-Key", "good-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_BearerToken(t *testing.T) {
	handler := AuthMiddleware("", []string{"good-key"}, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("got status %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	handler := AuthMiddleware("", []string{"good-key"}, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	req.Header.Set("X-API-Key", "bad-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want 401", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(0.001, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/memory", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client got %d, want 200", rec.Code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	handler := RateLimitMiddleware(0, 0)(okHandler)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d got %d, want 200", i, rec.Code)
		}
	}
}

func TestExclusiveMiddleware_RejectsConcurrent(t *testing.T) {
	blocked := make(chan struct{})
	unblock := make(chan struct{})
	finished := make(chan struct{})

	inner := ExclusiveMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case blocked <- struct{}{}:
		default:
		}
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))

	go func() {
		defer close(finished)
		rec := httptest.NewRecorder()
		inner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deploy", nil))
	}()

	<-blocked

	rec := httptest.NewRecorder()
	inner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/probe", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("got status %d, want 409", rec.Code)
	}

	close(unblock)
	<-finished

	// The slot is free again once the first request finishes.
	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		inner.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/probe", nil))
		done <- rec.Code
	}()
	if code := <-done; code != http.StatusOK {
		t.Errorf("got status %d after release, want 200", code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/memory", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestRequestIDMiddleware_KeepsCallerID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/memory", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc-123" || rec.Header().Get("X-Request-ID") != "abc-123" {
		t.Errorf("request id = %q (header %q), want abc-123", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestCallerFromContext(t *testing.T) {
	tests := []struct {
		name    string
		keys    []string
		sent    string
		want    string
		allowed bool
	}{
		{"masked key", []string{"abcdef123"}, "abcdef123", "abcd****", false},
		{"short key", []string{"abc"}, "abc", "****", false},
		{"unauthenticated", nil, "", "anonymous", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := AuthMiddleware("", tt.keys, tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = CallerFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/memory", nil)
			if tt.sent != "" {
				req.Header.Set("X-API-Key", tt.sent)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("CallerFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}
