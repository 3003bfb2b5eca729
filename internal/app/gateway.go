package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/hospiboard/internal/config"
	"github.com/hitoshi/hospiboard/internal/feedsync"
	"github.com/hitoshi/hospiboard/internal/membership"
	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/remote"
	"github.com/hitoshi/hospiboard/internal/robustquery"
	"github.com/hitoshi/hospiboard/internal/security"
	"github.com/hitoshi/hospiboard/internal/session"
	"github.com/hitoshi/hospiboard/internal/worker/refresh"
)

// Backend はゲートウェイが接続するリモートサービス。
type Backend struct {
	Data   remote.DataService
	Users  remote.UserStore
	Tokens remote.TokenStore
}

// Gateway は1つのビューを構成する同期コンポーネント一式。
type Gateway struct {
	Auth        *remote.TokenAuth
	Session     *session.Manager
	Communities *membership.Orchestrator
	Feed        *feedsync.Controller

	logger *slog.Logger

	mu         sync.Mutex
	lastUserID string
	unsubUser  func()
	cancel     context.CancelFunc
}

// NewGateway は設定とバックエンドから同期コンポーネントを組み立てる。
// 購読や初回読み込みはStartで行う。
func NewGateway(cfg *config.Config, backend Backend, logger *slog.Logger, m metrics.MetricsCollector) *Gateway {
	issuer := remote.NewTokenIssuer(cfg.JWTSecret, cfg.SessionTTL)
	auth := remote.NewTokenAuth(backend.Users, backend.Tokens, issuer, logger.With(slog.String("component", "auth")))

	exec := robustquery.NewExecutor(robustquery.Options{
		Timeout:    cfg.QueryTimeout,
		MaxRetries: cfg.QueryMaxRetries,
		BaseDelay:  cfg.QueryBaseDelay,
	}, logger.With(slog.String("component", "robustquery")), m)

	sessionMgr := session.NewManager(auth, backend.Data, logger.With(slog.String("component", "session")), m)
	orchestrator := membership.NewOrchestrator(sessionMgr, backend.Data, exec,
		membership.Options{Debounce: cfg.SyncDebounce},
		logger.With(slog.String("component", "membership")), m)
	feed := feedsync.NewController(backend.Data, sessionMgr, orchestrator, exec,
		security.NewPostSanitizer(),
		feedsync.Options{PageSize: cfg.FeedPageSize},
		logger.With(slog.String("component", "feed")), m)

	return &Gateway{
		Auth:        auth,
		Session:     sessionMgr,
		Communities: orchestrator,
		Feed:        feed,
		logger:      logger,
	}
}

// Start はセッションを復元し、コミュニティ同期とフィードの変更購読を開始して、
// フィードの先頭ページを読み込む。
// ログインユーザーが切り替わるとフィードを読み込み直す。
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	g.Session.Initialize(ctx)
	g.Communities.Attach()

	if err := g.Feed.Watch(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.lastUserID = userIDOf(g.Session.State())
	g.mu.Unlock()
	unsub := g.Session.Subscribe(func(s session.State) {
		id := userIDOf(s)
		g.mu.Lock()
		changed := id != g.lastUserID
		g.lastUserID = id
		g.mu.Unlock()
		if changed {
			go g.Feed.Refresh(ctx)
		}
	})
	g.mu.Lock()
	g.unsubUser = unsub
	g.mu.Unlock()

	g.Feed.Refresh(ctx)
	return nil
}

// RefreshTasks は定期リフレッシュで実行するタスクを返す。
func (g *Gateway) RefreshTasks() []refresh.Task {
	return []refresh.Task{
		{Name: "session", Run: g.Session.RefreshSession},
		{Name: "communities", Run: func(context.Context) error {
			g.Communities.Refresh()
			return nil
		}},
	}
}

// Close は全コンポーネントの購読と進行中の処理を停止する。
func (g *Gateway) Close() {
	g.mu.Lock()
	unsub, cancel := g.unsubUser, g.cancel
	g.unsubUser, g.cancel = nil, nil
	g.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	g.Feed.Close()
	g.Communities.Close()
	g.Session.Dispose()
	if cancel != nil {
		cancel()
	}
}

func userIDOf(s session.State) string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// demoCommunities はメモリバックエンドの初期データ。
var demoCommunities = []struct {
	slug, name, description string
}{
	{"kitchen", "キッチン", "飲食店の厨房スタッフのコミュニティ"},
	{"front-of-house", "ホール", "ホール・接客スタッフの情報交換"},
	{"hotel-front", "ホテルフロント", "ホテルのフロント業務の実践共有"},
}

// newMemoryBackend はメモリ上で動作するバックエンドを生成し、公開コミュニティを登録する。
func newMemoryBackend(tokens remote.TokenStore) Backend {
	store := remote.NewMemoryStore()
	now := time.Now().UTC()
	for i, c := range demoCommunities {
		store.Seed(remote.TableCommunities, remote.Row{
			"id":           fmt.Sprintf("community-%d", i+1),
			"slug":         c.slug,
			"name":         c.name,
			"description":  c.description,
			"is_public":    true,
			"member_count": 0,
			"created_at":   now.Add(-time.Duration(i) * time.Hour),
		})
	}
	return Backend{Data: store, Users: store, Tokens: tokens}
}
