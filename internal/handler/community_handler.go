package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/middleware"
)

// CommunityServiceInterface はコミュニティハンドラーが必要とするサービスインターフェース。
type CommunityServiceInterface interface {
	State() membership.State
	Refresh()
	JoinCommunity(ctx context.Context, communityID string) bool
	LeaveCommunity(ctx context.Context, communityID string) bool
	Subscribe(fn membership.Listener) func()
}

// CommunityHandler はコミュニティ参加管理のHTTPハンドラー。
type CommunityHandler struct {
	service CommunityServiceInterface
}

// NewCommunityHandler はCommunityHandlerを生成する。
func NewCommunityHandler(service CommunityServiceInterface) *CommunityHandler {
	return &CommunityHandler{service: service}
}

// ListCommunities は所属コミュニティと公開コミュニティの一覧を返す。
// GET /api/communities
func (h *CommunityHandler) ListCommunities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCommunitiesStateResponse(h.service.State()))
}

// Refresh は一覧の再取得を予約する。取得はデバウンス後に非同期で行われる。
// POST /api/communities/refresh
func (h *CommunityHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.service.Refresh()
	writeJSON(w, http.StatusAccepted, toCommunitiesStateResponse(h.service.State()))
}

// Join はコミュニティに参加する。
// POST /api/communities/{id}/join
func (h *CommunityHandler) Join(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.JoinCommunity)
}

// Leave はコミュニティから退会する。
// DELETE /api/communities/{id}/membership
func (h *CommunityHandler) Leave(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.LeaveCommunity)
}

func (h *CommunityHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) bool) {
	communityID := chi.URLParam(r, "id")
	if communityID == "" {
		writeBadRequest(w)
		return
	}

	// クライアント切断でリモート操作を中断させない
	ok := fn(context.WithoutCancel(r.Context()), communityID)
	state := h.service.State()
	if !ok {
		apiErr := stateError(state.Error, state.ErrorKind)
		middleware.WriteErrorResponse(w, middleware.StatusForKind(apiErr.Kind), apiErr)
		return
	}
	writeJSON(w, http.StatusOK, toCommunitiesStateResponse(state))
}
