package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hospiboard/internal/feedsync"
	"github.com/hitoshi/hospiboard/internal/middleware"
	"github.com/hitoshi/hospiboard/internal/model"
)

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	State() feedsync.State
	Refresh(ctx context.Context)
	LoadMore(ctx context.Context)
	SetFilter(ctx context.Context, f feedsync.Filter)
	ValidatePost(in model.NewPost) (model.NewPost, *model.APIError)
	CreatePost(ctx context.Context, in model.NewPost) bool
	ToggleLike(ctx context.Context, postID string) *model.APIError
	Subscribe(fn feedsync.Listener) func()
}

// FeedHandler はフィード閲覧・投稿のHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface) *FeedHandler {
	return &FeedHandler{service: service}
}

// createPostRequest は投稿作成リクエストのボディ。
type createPostRequest struct {
	Content     string   `json:"content"`
	CommunityID *string  `json:"community_id"`
	Region      string   `json:"region"`
	MediaRefs   []string `json:"media_refs"`
}

// GetFeed は読み込み済みのフィードを返す。
// GET /api/feed
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toFeedStateResponse(h.service.State()))
}

// SetFilter はフィルタを変更し、先頭ページを読み込み直す。
// PUT /api/feed/filter
func (h *FeedHandler) SetFilter(w http.ResponseWriter, r *http.Request) {
	var f feedsync.Filter
	if err := decodeJSON(r, &f); err != nil {
		writeBadRequest(w)
		return
	}
	f.CommunityID = strings.TrimSpace(f.CommunityID)
	f.Region = strings.TrimSpace(f.Region)

	h.service.SetFilter(context.WithoutCancel(r.Context()), f)
	writeJSON(w, http.StatusOK, toFeedStateResponse(h.service.State()))
}

// Refresh は先頭ページを読み込み直す。
// 取得失敗は状態のerrorに記録され、ステータスは200のままとする。
// POST /api/feed/refresh
func (h *FeedHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.service.Refresh(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, toFeedStateResponse(h.service.State()))
}

// LoadMore は次のページを読み込む。
// POST /api/feed/more
func (h *FeedHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	h.service.LoadMore(r.Context())
	writeJSON(w, http.StatusOK, toFeedStateResponse(h.service.State()))
}

// CreatePost は投稿を作成する。
// POST /api/feed/posts
func (h *FeedHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w)
		return
	}
	in := model.NewPost{
		Content:     req.Content,
		CommunityID: req.CommunityID,
		Region:      strings.TrimSpace(req.Region),
		MediaRefs:   req.MediaRefs,
	}
	if _, apiErr := h.service.ValidatePost(in); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if !h.service.CreatePost(context.WithoutCancel(r.Context()), in) {
		state := h.service.State()
		apiErr := stateError(state.Error, state.ErrorKind)
		middleware.WriteErrorResponse(w, middleware.StatusForKind(apiErr.Kind), apiErr)
		return
	}
	writeJSON(w, http.StatusCreated, toFeedStateResponse(h.service.State()))
}

// ToggleLike はいいねを切り替える。
// 同じ投稿への操作が処理中の場合は409を返す。
// POST /api/feed/posts/{id}/like
func (h *FeedHandler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "id")
	if postID == "" {
		writeBadRequest(w)
		return
	}

	if apiErr := h.service.ToggleLike(context.WithoutCancel(r.Context()), postID); apiErr != nil {
		middleware.WriteAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, toFeedStateResponse(h.service.State()))
}
