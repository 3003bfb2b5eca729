package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/hospiboard/internal/middleware"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/session"
)

const testOrigin = "http://localhost:3000"

type routerFixture struct {
	session     *mockSessionService
	communities *mockCommunityService
	feed        *mockFeedService
	healthErr   error
}

func newRouterFixture() *routerFixture {
	return &routerFixture{
		session:     &mockSessionService{},
		communities: &mockCommunityService{},
		feed:        &mockFeedService{},
	}
}

func (f *routerFixture) router(t *testing.T) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)
	return NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		CORSAllowedOrigin: testOrigin,
		RateLimiter:       rl,
		Session:           f.session,
		Communities:       f.communities,
		Feed:              f.feed,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# metrics\n")
		}),
		HealthCheck: func(ctx context.Context) error { return f.healthErr },
	})
}

// TestRouter_Health は疎通確認の成否でステータスが変わることを検証する。
func TestRouter_Health(t *testing.T) {
	f := newRouterFixture()
	r := f.router(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	f.healthErr = errors.New("db down")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// TestRouter_Metrics はメトリクスハンドラーが公開されることを検証する。
func TestRouter_Metrics(t *testing.T) {
	r := newRouterFixture().router(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != "# metrics\n" {
		t.Errorf("body = %q", w.Body.String())
	}
}

// TestRouter_MutationRequiresUser は未ログインでの状態変更が401になり、
// 同期コンポーネントが呼ばれないことを検証する。
func TestRouter_MutationRequiresUser(t *testing.T) {
	f := newRouterFixture()
	joined := false
	f.communities.joinFn = func(ctx context.Context, communityID string) bool {
		joined = true
		return true
	}
	r := f.router(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/communities/c1/join"},
		{http.MethodDelete, "/api/communities/c1/membership"},
		{http.MethodPost, "/api/feed/posts"},
		{http.MethodPost, "/api/feed/posts/p1/like"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
	if joined {
		t.Error("JoinCommunity should not be called without a user")
	}
}

// TestRouter_MutationSignedIn はログイン済みなら状態変更ルートに到達することを検証する。
func TestRouter_MutationSignedIn(t *testing.T) {
	f := newRouterFixture()
	f.session.stateFn = func() session.State { return signedInState("user-1") }
	var gotID string
	f.feed.toggleLikeFn = func(ctx context.Context, postID string) *model.APIError {
		gotID = postID
		return nil
	}
	r := f.router(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/feed/posts/p9/like", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotID != "p9" {
		t.Errorf("postID = %q, want p9", gotID)
	}
}

// TestRouter_ReadRoutesArePublic は閲覧系ルートが未ログインでも利用できることを検証する。
func TestRouter_ReadRoutesArePublic(t *testing.T) {
	r := newRouterFixture().router(t)

	for _, path := range []string{"/auth/me", "/api/communities", "/api/feed"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}

// TestRouter_CSRFGuard_RejectsForeignOrigin は許可外のOriginからの状態変更を拒否することを検証する。
func TestRouter_CSRFGuard_RejectsForeignOrigin(t *testing.T) {
	f := newRouterFixture()
	called := false
	f.session.signInFn = func(ctx context.Context, creds model.Credentials) error { called = true; return nil }
	r := f.router(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/signin", bytes.NewBufferString(`{"email":"a@example.com","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if called {
		t.Error("SignIn should not be called for a foreign origin")
	}
}

// TestRouter_SecurityHeadersAndCORS は共通ミドルウェアが全ルートに適用されることを検証する。
func TestRouter_SecurityHeadersAndCORS(t *testing.T) {
	r := newRouterFixture().router(t)

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	req.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testOrigin)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}
