package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hospiboard/internal/feedsync"
	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/session"
)

// --- モック定義 ---

// listenerSet はモックのSubscribeで登録されたリスナーを保持する。
type listenerSet[S any] struct {
	mu        sync.Mutex
	listeners []func(S)
}

func (l *listenerSet[S]) add(fn func(S)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
	return func() {}
}

func (l *listenerSet[S]) emit(s S) {
	l.mu.Lock()
	fns := append([]func(S){}, l.listeners...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (l *listenerSet[S]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	stateFn   func() session.State
	signInFn  func(ctx context.Context, creds model.Credentials) error
	signUpFn  func(ctx context.Context, creds model.Credentials) error
	signOutFn func(ctx context.Context) error
	subs      listenerSet[session.State]
}

func (m *mockSessionService) State() session.State {
	if m.stateFn != nil {
		return m.stateFn()
	}
	return session.State{}
}

func (m *mockSessionService) SignIn(ctx context.Context, creds model.Credentials) error {
	if m.signInFn != nil {
		return m.signInFn(ctx, creds)
	}
	return nil
}

func (m *mockSessionService) SignUp(ctx context.Context, creds model.Credentials) error {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, creds)
	}
	return nil
}

func (m *mockSessionService) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockSessionService) Subscribe(fn session.Listener) func() {
	return m.subs.add(fn)
}

// mockCommunityService はCommunityServiceInterfaceのモック実装。
type mockCommunityService struct {
	stateFn   func() membership.State
	refreshFn func()
	joinFn    func(ctx context.Context, communityID string) bool
	leaveFn   func(ctx context.Context, communityID string) bool
	subs      listenerSet[membership.State]
}

func (m *mockCommunityService) State() membership.State {
	if m.stateFn != nil {
		return m.stateFn()
	}
	return membership.State{Phase: membership.PhaseIdle}
}

func (m *mockCommunityService) Refresh() {
	if m.refreshFn != nil {
		m.refreshFn()
	}
}

func (m *mockCommunityService) JoinCommunity(ctx context.Context, communityID string) bool {
	if m.joinFn != nil {
		return m.joinFn(ctx, communityID)
	}
	return true
}

func (m *mockCommunityService) LeaveCommunity(ctx context.Context, communityID string) bool {
	if m.leaveFn != nil {
		return m.leaveFn(ctx, communityID)
	}
	return true
}

func (m *mockCommunityService) Subscribe(fn membership.Listener) func() {
	return m.subs.add(fn)
}

// mockFeedService はFeedServiceInterfaceのモック実装。
type mockFeedService struct {
	stateFn        func() feedsync.State
	refreshFn      func(ctx context.Context)
	loadMoreFn     func(ctx context.Context)
	setFilterFn    func(ctx context.Context, f feedsync.Filter)
	validatePostFn func(in model.NewPost) (model.NewPost, *model.APIError)
	createPostFn   func(ctx context.Context, in model.NewPost) bool
	toggleLikeFn   func(ctx context.Context, postID string) *model.APIError
	subs           listenerSet[feedsync.State]
}

func (m *mockFeedService) State() feedsync.State {
	if m.stateFn != nil {
		return m.stateFn()
	}
	return feedsync.State{}
}

func (m *mockFeedService) Refresh(ctx context.Context) {
	if m.refreshFn != nil {
		m.refreshFn(ctx)
	}
}

func (m *mockFeedService) LoadMore(ctx context.Context) {
	if m.loadMoreFn != nil {
		m.loadMoreFn(ctx)
	}
}

func (m *mockFeedService) SetFilter(ctx context.Context, f feedsync.Filter) {
	if m.setFilterFn != nil {
		m.setFilterFn(ctx, f)
	}
}

func (m *mockFeedService) ValidatePost(in model.NewPost) (model.NewPost, *model.APIError) {
	if m.validatePostFn != nil {
		return m.validatePostFn(in)
	}
	return in, nil
}

func (m *mockFeedService) CreatePost(ctx context.Context, in model.NewPost) bool {
	if m.createPostFn != nil {
		return m.createPostFn(ctx, in)
	}
	return true
}

func (m *mockFeedService) ToggleLike(ctx context.Context, postID string) *model.APIError {
	if m.toggleLikeFn != nil {
		return m.toggleLikeFn(ctx, postID)
	}
	return nil
}

func (m *mockFeedService) Subscribe(fn feedsync.Listener) func() {
	return m.subs.add(fn)
}

// --- テストヘルパー ---

// signedInState はログイン済みのセッション状態を返す。
func signedInState(userID string) session.State {
	u := &model.User{ID: userID, Email: userID + "@example.com"}
	return session.State{User: u, Profile: model.FallbackProfile(u)}
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeBody はレスポンスボディをvにデコードするヘルパー。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
}
