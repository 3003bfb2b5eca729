package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

const testAllowedOrigin = "http://localhost:3000"

func corsHandler(called *bool) http.Handler {
	return NewCORSMiddleware(testAllowedOrigin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

// TestCORSMiddleware_AllowedOrigin_SetsHeaders は許可オリジンからのリクエストにCORSヘッダーが付くことを検証する。
func TestCORSMiddleware_AllowedOrigin_SetsHeaders(t *testing.T) {
	var called bool
	req := httptest.NewRequest(http.MethodGet, "/api/communities", nil)
	req.Header.Set("Origin", testAllowedOrigin)
	w := httptest.NewRecorder()
	corsHandler(&called).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK || !called {
		t.Fatalf("status = %d, called = %v, want 200 and handler called", resp.StatusCode, called)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Access-Control-Allow-Origin", testAllowedOrigin},
		{"Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS"},
		{"Access-Control-Allow-Headers", "Content-Type"},
		{"Access-Control-Max-Age", "600"},
		{"Vary", "Origin"},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want empty", got)
	}
}

// TestCORSMiddleware_ForeignOrigin_NoHeaders は許可外のオリジンにはCORSヘッダーを付けないことを検証する。
// 同一オリジンやOriginなしのリクエストはそのまま通過する。
func TestCORSMiddleware_ForeignOrigin_NoHeaders(t *testing.T) {
	for _, origin := range []string{"https://evil.example.com", ""} {
		var called bool
		req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		corsHandler(&called).ServeHTTP(w, req)

		if !called {
			t.Errorf("origin %q: handler not called", origin)
		}
		if got := w.Result().Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("origin %q: Access-Control-Allow-Origin = %q, want empty", origin, got)
		}
	}
}

// TestCORSMiddleware_Preflight はプリフライトが許可オリジンでは204、それ以外では403になることを検証する。
func TestCORSMiddleware_Preflight(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"allowed", testAllowedOrigin, http.StatusNoContent},
		{"foreign", "https://evil.example.com", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			req := httptest.NewRequest(http.MethodOptions, "/api/feed/posts", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			w := httptest.NewRecorder()
			corsHandler(&called).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if called {
				t.Error("next handler should not be called for preflight")
			}
		})
	}
}

// TestCORSMiddleware_PlainOptions_PassesThrough はプリフライトでないOPTIONSは後段に渡すことを検証する。
func TestCORSMiddleware_PlainOptions_PassesThrough(t *testing.T) {
	var called bool
	w := httptest.NewRecorder()
	corsHandler(&called).ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/feed", nil))

	if !called {
		t.Error("next handler should be called for a plain OPTIONS request")
	}
}
