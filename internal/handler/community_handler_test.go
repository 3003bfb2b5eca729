package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/model"
)

func sampleCommunities() []model.Community {
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	return []model.Community{
		{ID: "c1", Slug: "kitchen", Name: "キッチン", IsPublic: true, MemberCount: 12, CreatedAt: created},
		{ID: "c2", Slug: "hall", Name: "ホール", IsPublic: true, MemberCount: 3, CreatedAt: created},
	}
}

// TestCommunityHandler_ListCommunities は同期状態をそのまま返すことを検証する。
func TestCommunityHandler_ListCommunities(t *testing.T) {
	list := sampleCommunities()
	svc := &mockCommunityService{
		stateFn: func() membership.State {
			return membership.State{
				MyCommunities:     list[:1],
				PublicCommunities: list,
				Phase:             membership.PhaseIdle,
			}
		},
	}
	h := NewCommunityHandler(svc)

	w := httptest.NewRecorder()
	h.ListCommunities(w, httptest.NewRequest(http.MethodGet, "/api/communities", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp communitiesStateResponse
	decodeBody(t, w, &resp)
	if len(resp.MyCommunities) != 1 || resp.MyCommunities[0].Slug != "kitchen" {
		t.Errorf("my_communities = %+v", resp.MyCommunities)
	}
	if len(resp.PublicCommunities) != 2 {
		t.Errorf("public_communities len = %d, want 2", len(resp.PublicCommunities))
	}
	if resp.Phase != string(membership.PhaseIdle) {
		t.Errorf("phase = %q, want %q", resp.Phase, membership.PhaseIdle)
	}
}

// TestCommunityHandler_ListCommunities_EmptyListsAreArrays は空一覧がnullではなく
// 空配列で返ることを検証する。
func TestCommunityHandler_ListCommunities_EmptyListsAreArrays(t *testing.T) {
	h := NewCommunityHandler(&mockCommunityService{})

	w := httptest.NewRecorder()
	h.ListCommunities(w, httptest.NewRequest(http.MethodGet, "/api/communities", nil))

	body := w.Body.String()
	for _, want := range []string{`"my_communities":[]`, `"public_communities":[]`} {
		if !contains(body, want) {
			t.Errorf("body = %s, want %s", body, want)
		}
	}
}

// TestCommunityHandler_Refresh は再取得を予約して202を返すことを検証する。
func TestCommunityHandler_Refresh(t *testing.T) {
	refreshed := 0
	svc := &mockCommunityService{
		refreshFn: func() { refreshed++ },
		stateFn: func() membership.State {
			return membership.State{Phase: membership.PhaseDebouncing, Loading: true}
		},
	}
	h := NewCommunityHandler(svc)

	w := httptest.NewRecorder()
	h.Refresh(w, httptest.NewRequest(http.MethodPost, "/api/communities/refresh", nil))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if refreshed != 1 {
		t.Errorf("Refresh called %d times, want 1", refreshed)
	}
	var resp communitiesStateResponse
	decodeBody(t, w, &resp)
	if !resp.Loading || resp.Phase != string(membership.PhaseDebouncing) {
		t.Errorf("loading = %v, phase = %q", resp.Loading, resp.Phase)
	}
}

// TestCommunityHandler_Join_Success は参加成功時に200を返すことを検証する。
func TestCommunityHandler_Join_Success(t *testing.T) {
	var gotID string
	svc := &mockCommunityService{
		joinFn: func(ctx context.Context, communityID string) bool {
			gotID = communityID
			return true
		},
	}
	h := NewCommunityHandler(svc)

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/communities/c1/join", nil), "id", "c1")
	w := httptest.NewRecorder()
	h.Join(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotID != "c1" {
		t.Errorf("communityID = %q, want c1", gotID)
	}
}

// TestCommunityHandler_Join_FailureUsesStateError は失敗時に状態のエラー分類から
// ステータスを決めることを検証する。
func TestCommunityHandler_Join_FailureUsesStateError(t *testing.T) {
	tests := []struct {
		name       string
		kind       model.ErrorKind
		wantStatus int
		wantCode   string
	}{
		{"unauthenticated", model.KindUnauthenticated, http.StatusUnauthorized, model.ErrCodeUnauthenticated},
		{"network", model.KindNetworkError, http.StatusBadGateway, model.ErrCodeNetworkError},
		{"conflict", model.KindConflict, http.StatusConflict, model.ErrCodeConflict},
		{"timeout", model.KindTimeout, http.StatusGatewayTimeout, model.ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCommunityService{
				joinFn: func(ctx context.Context, communityID string) bool { return false },
				stateFn: func() membership.State {
					return membership.State{Error: "失敗しました", ErrorKind: tt.kind}
				},
			}
			h := NewCommunityHandler(svc)

			req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/api/communities/c1/join", nil), "id", "c1")
			w := httptest.NewRecorder()
			h.Join(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := parseAPIErrorResponse(t, w)
			if body["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", body["code"], tt.wantCode)
			}
			if body["message"] != "失敗しました" {
				t.Errorf("message = %q, want state error message", body["message"])
			}
		})
	}
}

// TestCommunityHandler_Leave はmembership削除でLeaveCommunityが呼ばれることを検証する。
func TestCommunityHandler_Leave(t *testing.T) {
	var gotID string
	svc := &mockCommunityService{
		leaveFn: func(ctx context.Context, communityID string) bool {
			gotID = communityID
			return true
		},
	}
	h := NewCommunityHandler(svc)

	req := withChiURLParam(httptest.NewRequest(http.MethodDelete, "/api/communities/c2/membership", nil), "id", "c2")
	w := httptest.NewRecorder()
	h.Leave(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotID != "c2" {
		t.Errorf("communityID = %q, want c2", gotID)
	}
}

// TestCommunityHandler_Join_MutationSurvivesClientCancel はクライアント切断後も
// 操作のコンテキストが取り消されないことを検証する。
func TestCommunityHandler_Join_MutationSurvivesClientCancel(t *testing.T) {
	var ctxErr error
	svc := &mockCommunityService{
		joinFn: func(ctx context.Context, communityID string) bool {
			ctxErr = ctx.Err()
			return true
		},
	}
	h := NewCommunityHandler(svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/communities/c1/join", nil).WithContext(ctx)
	req = withChiURLParam(req, "id", "c1")
	h.Join(httptest.NewRecorder(), req)

	if ctxErr != nil {
		t.Errorf("ctx.Err() = %v, want nil", ctxErr)
	}
}
