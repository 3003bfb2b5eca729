// Package robustquery はリモート呼び出しをタイムアウト・分類・再試行で包むラッパーを提供する。
// 結果のキャッシュは行わない。
package robustquery

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/hospiboard/internal/metrics"
	"github.com/hitoshi/hospiboard/internal/model"
	"github.com/hitoshi/hospiboard/internal/remote"
)

const (
	// DefaultTimeout は1回の呼び出しのタイムアウト。
	DefaultTimeout = 10 * time.Second
	// DefaultMaxRetries は初回呼び出し後の最大再試行回数。
	DefaultMaxRetries = 3
	// DefaultBaseDelay は指数バックオフの基準遅延。
	DefaultBaseDelay = time.Second
)

// errTimeout はタイマー側が競争に勝ったことを表す。
var errTimeout = errors.New("robustquery: operation timed out")

// Options は実行時の設定値。
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultOptions は既定値のOptionsを返す。
func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// Executor はOptionsに従ってリモート呼び出しを実行する。
type Executor struct {
	opts    Options
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewExecutor はExecutorを生成する。0以下の値は既定値で補う。MaxRetriesの0は再試行なしを意味する。
func NewExecutor(opts Options, logger *slog.Logger, m metrics.MetricsCollector) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if m == nil {
		m = metrics.NopCollector{}
	}
	return &Executor{
		opts:    opts,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
	}
}

// Options は有効な設定値を返す。
func (e *Executor) Options() Options {
	return e.opts
}

// Execute はopをタイムアウト付きで実行し、一時的なエラーを指数バックオフで再試行する。
// 返すエラーは常に*model.APIErrorで、再試行を使い切った場合は最後の分類済みエラーを返す。
// タイムアウトした呼び出しの結果は観測しない。
func Execute[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *model.APIError

	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		start := time.Now()
		v, err := race(ctx, e.opts.Timeout, op)
		e.metrics.RecordQueryLatency(time.Since(start))
		if err == nil {
			return v, nil
		}

		lastErr = Classify(err)
		if ctx.Err() != nil {
			break
		}
		if !Retryable(lastErr.Kind) || attempt == e.opts.MaxRetries {
			break
		}

		delay := Backoff(e.opts.BaseDelay, attempt)
		e.metrics.RecordQueryRetry(string(lastErr.Kind))
		e.logger.Warn("retrying remote query",
			slog.String("query", name),
			slog.Int("attempt", attempt+1),
			slog.String("kind", string(lastErr.Kind)),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := e.sleep(ctx, delay); err != nil {
			break
		}
	}

	e.metrics.RecordQueryFailure(string(lastErr.Kind))
	e.logger.Error("remote query failed",
		slog.String("query", name),
		slog.String("kind", string(lastErr.Kind)),
		slog.String("error", lastErr.Error()),
	)
	return zero, lastErr
}

type result[T any] struct {
	v   T
	err error
}

// race はopとタイマーを競争させる。opのゴルーチンはバッファ付きチャネルに書き込んで終了する。
func race[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	done := make(chan result[T], 1)
	go func() {
		v, err := op(ctx)
		done <- result[T]{v: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, errTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Classify はエラーを分類し、表示用メッセージを持つAPIErrorに変換する。
// 既にAPIErrorの場合はそのまま返す。
func Classify(err error) *model.APIError {
	if err == nil {
		return nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, errTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.NewTimeoutError(err)
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return model.NewNotFoundError(err)
	case errors.Is(err, remote.ErrConflict):
		return model.NewConflictError(err)
	case errors.Is(err, remote.ErrNoSession), errors.Is(err, remote.ErrInvalidCredentials):
		e := model.NewUnauthenticatedError()
		e.Err = err
		return e
	case errors.Is(err, remote.ErrUnavailable):
		return model.NewNetworkError(err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return model.NewConflictError(err)
		case pqErr.Code.Class() == "08":
			return model.NewNetworkError(err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.NewTimeoutError(err)
		}
		return model.NewNetworkError(err)
	}
	return model.NewUnknownError(err)
}

// Retryable は再試行対象のエラー種別かどうかを返す。
// NotFound・Conflict・Unauthenticatedは再試行しない。
func Retryable(kind model.ErrorKind) bool {
	switch kind {
	case model.KindTimeout, model.KindNetworkError, model.KindUnknown:
		return true
	default:
		return false
	}
}

// Backoff はattempt回目（0始まり）の失敗後の待機時間 base * 2^attempt を返す。
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30倍を上限とする
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<attempt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
