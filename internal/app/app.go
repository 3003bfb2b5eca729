package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/hospiboard/internal/config"
	"github.com/hitoshi/hospiboard/internal/database"
	"github.com/hitoshi/hospiboard/internal/handler"
	"github.com/hitoshi/hospiboard/internal/logger"
	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/middleware"
	"github.com/hitoshi/hospiboard/internal/remote"
	"github.com/hitoshi/hospiboard/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("backend", cfg.RemoteBackend),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg, ParseMigrateDirection(args))
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// runServe はゲートウェイを起動する。
// バックエンドに接続して同期コンポーネントを組み立て、HTTPサーバーと定期リフレッシュを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. セッショントークンの保存先
	tokens, closeTokens, err := openTokenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	// 2. リモートバックエンド
	var (
		backend Backend
		health  handler.HealthChecker
	)
	switch cfg.RemoteBackend {
	case config.BackendMemory:
		backend = newMemoryBackend(tokens)
		slog.Info("using in-memory backend")
	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Ping(ctx, db); err != nil {
			return err
		}
		slog.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)

		store := remote.NewPostgresStore(db, cfg.DatabaseURL, log.With(slog.String("component", "postgres")))
		backend = Backend{Data: store, Users: store, Tokens: tokens}
		health = func(ctx context.Context) error { return database.Ping(ctx, db) }
	}

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 同期コンポーネント
	gw := NewGateway(cfg, backend, log, collector)
	defer gw.Close()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// 5. 定期リフレッシュ
	scheduler := refresh.NewScheduler(gw.RefreshTasks(), log.With(slog.String("component", "refresh")), 0)
	go scheduler.Start(ctx, cfg.BackgroundRefreshInterval)

	// 6. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitMutation),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Session:           gw.Session,
		Communities:       gw.Communities,
		Feed:              gw.Feed,
		MetricsHandler:    metrics.Handler(registry),
		HealthCheck:       health,
	})

	// 7. HTTPサーバーの起動
	// WebSocketの長時間接続があるためWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down gateway server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("gateway server stopped gracefully")
	return nil
}

// openTokenStore はREDIS_ADDRが設定されていればRedis、なければメモリのTokenStoreを返す。
func openTokenStore(ctx context.Context, cfg *config.Config) (remote.TokenStore, func(), error) {
	if cfg.RedisAddr == "" {
		slog.Info("session token is kept in memory")
		return remote.NewMemoryTokenStore(), func() {}, nil
	}

	client, err := remote.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("session token is persisted in redis", slog.String("addr", cfg.RedisAddr))
	return remote.NewRedisTokenStore(client, ""), closeRedis(client), nil
}

func closeRedis(client *redis.Client) func() {
	return func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", slog.String("error", err.Error()))
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// upはすべての未適用マイグレーションを、downはすべての適用済みマイグレーションを処理する。
func runMigrate(cfg *config.Config, dir MigrateDirection) error {
	if cfg.RemoteBackend != config.BackendPostgres {
		return fmt.Errorf("migrate requires REMOTE_BACKEND=%s", config.BackendPostgres)
	}

	slog.Info("running database migrations",
		slog.String("direction", string(dir)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	var err error
	switch dir {
	case MigrateUp:
		err = database.RunMigrations(cfg.DatabaseURL)
	case MigrateDown:
		err = database.RollbackMigrations(cfg.DatabaseURL)
	default:
		return errors.New("migrate direction must be up or down")
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	u.RawQuery = ""
	return u.String()
}
