// Package refresh は同期コンポーネントの定期リフレッシュを提供する。
// 長時間起動したままのゲートウェイで、アクセストークンの期限切れと
// コミュニティ一覧の陳腐化を防ぐ。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task は定期実行する1つのリフレッシュ処理。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler はリフレッシュタスクの定期実行と並列制御を行う。
// ティッカーの間隔ごとに全タスクを実行し、
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	tasks          []Task
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はタスク数を上限とする。
func NewScheduler(tasks []Task, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = max(len(tasks), 1)
	}
	return &Scheduler{
		tasks:          tasks,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// 起動直後の読み込みは呼び出し側が行うため、初回実行は最初のティック時となる。
// コンテキストがキャンセルされるまで実行を継続する。intervalが0以下なら何もしない。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("refresh scheduler disabled", slog.Duration("interval", interval))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started",
		slog.Duration("interval", interval),
		slog.Int("task_count", len(s.tasks)),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("refresh cycle finished with errors",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全タスクを1回ずつ並列に実行し、失敗したタスクのエラーをまとめて返す。
// 1つのタスクの失敗は他のタスクの実行を妨げない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sem := make(chan struct{}, s.maxConcurrency)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, task := range s.tasks {
		wg.Add(1)
		sem <- struct{}{}

		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := t.Run(ctx); err != nil {
				s.logger.Warn("refresh task failed",
					slog.String("task", t.Name),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()

	s.logger.Debug("refresh cycle completed",
		slog.Int("task_count", len(s.tasks)),
		slog.Int("failed", len(errs)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}
