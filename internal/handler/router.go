package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hospiboard/internal/middleware"
)

// HealthChecker はリモートバックエンドの疎通確認を行う。
type HealthChecker func(ctx context.Context) error

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 同期コンポーネント
	Session     SessionServiceInterface
	Communities CommunityServiceInterface
	Feed        FeedServiceInterface

	// 運用
	MetricsHandler http.Handler
	HealthCheck    HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Viewer → Logging → SecurityHeaders → CORS → CSRFGuard → RateLimit(General)
//
// /health と /metrics はCSRFGuardとレート制限の外に配置する。
// 状態を変更するルートにはRequireUserとRateLimit(Mutation)を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	// Loggingより外側に置き、ログにユーザーIDを含める
	r.Use(middleware.NewViewerMiddleware(deps.Session))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.Session)
	communityHandler := NewCommunityHandler(deps.Communities)
	feedHandler := NewFeedHandler(deps.Feed)
	liveHandler := NewLiveHandler(deps.Session, deps.Communities, deps.Feed, deps.CORSAllowedOrigin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFGuardMiddleware(deps.CORSAllowedOrigin))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 認証
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.MutationMiddleware()).Post("/signin", authHandler.SignIn)
			r.With(deps.RateLimiter.MutationMiddleware()).Post("/signup", authHandler.SignUp)
			r.Post("/signout", authHandler.SignOut)
			r.Get("/me", authHandler.Me)
		})

		// ログイン必須の状態変更
		mutating := chi.Chain(middleware.NewRequireUserMiddleware(), deps.RateLimiter.MutationMiddleware())

		// コミュニティ
		r.Route("/api/communities", func(r chi.Router) {
			r.Get("/", communityHandler.ListCommunities)
			r.Post("/refresh", communityHandler.Refresh)
			r.With(mutating...).Post("/{id}/join", communityHandler.Join)
			r.With(mutating...).Delete("/{id}/membership", communityHandler.Leave)
		})

		// フィード
		r.Route("/api/feed", func(r chi.Router) {
			r.Get("/", feedHandler.GetFeed)
			r.Put("/filter", feedHandler.SetFilter)
			r.Post("/refresh", feedHandler.Refresh)
			r.Post("/more", feedHandler.LoadMore)
			r.With(mutating...).Post("/posts", feedHandler.CreatePost)
			r.With(mutating...).Post("/posts/{id}/like", feedHandler.ToggleLike)
		})

		// GET /api/live - 状態変化のストリーム
		r.Get("/api/live", liveHandler.Stream)
	})

	return r
}

// healthHandler は疎通確認の結果を返す。
// GET /health
func healthHandler(check HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
