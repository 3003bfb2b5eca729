package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/hospiboard/internal/middleware"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/session"
)

// SessionServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	State() session.State
	SignIn(ctx context.Context, creds model.Credentials) error
	SignUp(ctx context.Context, creds model.Credentials) error
	SignOut(ctx context.Context) error
	Subscribe(fn session.Listener) func()
}

// AuthHandler はサインイン・サインアウト関連のHTTPハンドラー。
type AuthHandler struct {
	service SessionServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service SessionServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// credentialsRequest はサインイン・サインアップリクエストのボディ。
type credentialsRequest struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (req credentialsRequest) toModel() (model.Credentials, *model.APIError) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return model.Credentials{}, model.NewInvalidRequestError("メールアドレスとパスワードは必須です")
	}
	return model.Credentials{Email: email, Password: req.Password, Metadata: req.Metadata}, nil
}

// SignIn はサインインを処理する。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, "sign in", h.service.SignIn)
}

// SignUp は新規登録を処理する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, "sign up", h.service.SignUp)
}

func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, model.Credentials) error) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w)
		return
	}
	creds, apiErr := req.toModel()
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := fn(context.WithoutCancel(r.Context()), creds); err != nil {
		slog.Info("authentication rejected",
			slog.String("op", op),
			slog.String("kind", string(model.KindOf(err))),
		)
		middleware.WriteAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionStateResponse(h.service.State()))
}

// SignOut はサインアウトを処理する。
// ローカルのセッション状態はリモートの結果に関わらず破棄される。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(context.WithoutCancel(r.Context())); err != nil {
		slog.Warn("sign out finished with remote error", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, toSessionStateResponse(h.service.State()))
}

// Me は現在のセッション状態を返す。未ログインでもuser=nullで200を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionStateResponse(h.service.State()))
}
