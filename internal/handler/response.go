// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/hospiboard/internal/feedsync"
	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/middleware"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/session"
)

// maxRequestBody はJSONリクエストボディの上限（バイト）。
const maxRequestBody = 64 << 10

// userResponse はログインユーザーのAPIレスポンス。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// profileResponse はプロフィールのAPIレスポンス。
type profileResponse struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Region      string `json:"region,omitempty"`
}

// sessionStateResponse はセッション状態のAPIレスポンス。
type sessionStateResponse struct {
	User      *userResponse    `json:"user"`
	Profile   *profileResponse `json:"profile"`
	Loading   bool             `json:"loading"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
}

// communityResponse はコミュニティのAPIレスポンス。
type communityResponse struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsPublic    bool      `json:"is_public"`
	MemberCount int       `json:"member_count"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	BannerURL   string    `json:"banner_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// communitiesStateResponse はコミュニティ同期状態のAPIレスポンス。
type communitiesStateResponse struct {
	MyCommunities     []communityResponse `json:"my_communities"`
	PublicCommunities []communityResponse `json:"public_communities"`
	Loading           bool                `json:"loading"`
	Phase             string              `json:"phase"`
	Error             string              `json:"error,omitempty"`
	ErrorKind         string              `json:"error_kind,omitempty"`
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_name"`
	CommunityID    *string   `json:"community_id"`
	Region         string    `json:"region,omitempty"`
	Content        string    `json:"content"`
	MediaRefs      []string  `json:"media_refs"`
	LikeCount      int       `json:"like_count"`
	CommentCount   int       `json:"comment_count"`
	CreatedAt      time.Time `json:"created_at"`
	ViewerHasLiked bool      `json:"viewer_has_liked"`
}

// feedStateResponse はフィード同期状態のAPIレスポンス。
type feedStateResponse struct {
	Posts          []postResponse  `json:"posts"`
	HasMore        bool            `json:"has_more"`
	Loading        bool            `json:"loading"`
	IsCreatingPost bool            `json:"is_creating_post"`
	HasNewPosts    bool            `json:"has_new_posts"`
	Filter         feedsync.Filter `json:"filter"`
	Error          string          `json:"error,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
}

func toSessionStateResponse(s session.State) sessionStateResponse {
	resp := sessionStateResponse{
		Loading:   s.Loading,
		Error:     s.Error,
		ErrorKind: string(s.ErrorKind),
	}
	if s.User != nil {
		resp.User = &userResponse{ID: s.User.ID, Email: s.User.Email}
	}
	if p := s.Profile; p != nil {
		resp.Profile = &profileResponse{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			Bio:         p.Bio,
			Region:      p.Region,
		}
	}
	return resp
}

func toCommunityResponses(list []model.Community) []communityResponse {
	out := make([]communityResponse, 0, len(list))
	for _, c := range list {
		out = append(out, communityResponse{
			ID:          c.ID,
			Slug:        c.Slug,
			Name:        c.Name,
			Description: c.Description,
			IsPublic:    c.IsPublic,
			MemberCount: c.MemberCount,
			AvatarURL:   c.AvatarURL,
			BannerURL:   c.BannerURL,
			CreatedAt:   c.CreatedAt,
		})
	}
	return out
}

func toCommunitiesStateResponse(s membership.State) communitiesStateResponse {
	return communitiesStateResponse{
		MyCommunities:     toCommunityResponses(s.MyCommunities),
		PublicCommunities: toCommunityResponses(s.PublicCommunities),
		Loading:           s.Loading,
		Phase:             string(s.Phase),
		Error:             s.Error,
		ErrorKind:         string(s.ErrorKind),
	}
}

func toPostResponse(p model.FeedPost) postResponse {
	refs := p.MediaRefs
	if refs == nil {
		refs = []string{}
	}
	return postResponse{
		ID:             p.ID,
		AuthorID:       p.AuthorID,
		AuthorName:     p.AuthorName,
		CommunityID:    p.CommunityID,
		Region:         p.Region,
		Content:        p.Content,
		MediaRefs:      refs,
		LikeCount:      p.LikeCount,
		CommentCount:   p.CommentCount,
		CreatedAt:      p.CreatedAt,
		ViewerHasLiked: p.ViewerHasLiked,
	}
}

func toFeedStateResponse(s feedsync.State) feedStateResponse {
	posts := make([]postResponse, 0, len(s.Posts))
	for _, p := range s.Posts {
		posts = append(posts, toPostResponse(p))
	}
	return feedStateResponse{
		Posts:          posts,
		HasMore:        s.HasMore,
		Loading:        s.Loading,
		IsCreatingPost: s.IsCreatingPost,
		HasNewPosts:    s.HasNewPosts,
		Filter:         s.Filter,
		Error:          s.Error,
		ErrorKind:      string(s.ErrorKind),
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvにデコードする。
// 空ボディはエラーとせず、vをゼロ値のまま返す。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeBadRequest はJSONパース失敗のレスポンスを書き込む。
func writeBadRequest(w http.ResponseWriter) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
}

// stateError は同期コンポーネントの状態に記録されたエラーからAPIErrorを組み立てる。
// 分類ごとの既定のエラーをベースにし、メッセージは状態のものを使う。
func stateError(message string, kind model.ErrorKind) *model.APIError {
	var apiErr *model.APIError
	switch kind {
	case model.KindUnauthenticated:
		apiErr = model.NewUnauthenticatedError()
	case model.KindTimeout:
		apiErr = model.NewTimeoutError(nil)
	case model.KindNetworkError:
		apiErr = model.NewNetworkError(nil)
	case model.KindNotFound:
		apiErr = model.NewNotFoundError(nil)
	case model.KindConflict:
		apiErr = model.NewConflictError(nil)
	default:
		apiErr = model.NewUnknownError(nil)
	}
	if message != "" {
		apiErr.Message = message
	}
	return apiErr
}
