package listener

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/tasgate/internal/metrics"
)

// Runner はアカウント1件分の購読処理。*Listener が満たす。
type Runner interface {
	Run(ctx context.Context, accountID int64) error
}

// task は実行中の購読タスク。
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor はアカウントIDごとの購読タスクを管理する。
// 同じアカウントに対するタスクは常に高々1つ。
type Supervisor struct {
	runner  Runner
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[int64]*task
	wg    sync.WaitGroup
}

// NewSupervisor はSupervisorを生成する。
func NewSupervisor(runner Runner, logger *slog.Logger, mc metrics.MetricsCollector) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:  runner,
		logger:  logger,
		metrics: mc,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[int64]*task),
	}
}

// Start はアカウントの購読を開始する。既存のタスクがあればキャンセルして置き換える。
// Shutdown 後の呼び出しは無視する。
func (s *Supervisor) Start(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		s.logger.Warn("シャットダウン中のためリスナーを開始しません", slog.Int64("account_id", accountID))
		return
	}
	if old, ok := s.tasks[accountID]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[accountID] = t
	s.reportLocked()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()

		s.logger.Info("リスナーを開始しました", slog.Int64("account_id", accountID))
		if err := s.runner.Run(ctx, accountID); err != nil {
			s.logger.Error("リスナーがエラーで終了しました",
				slog.Int64("account_id", accountID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Info("リスナーが終了しました", slog.Int64("account_id", accountID))
		}
		s.remove(accountID, t)
	}()
}

// Cancel はアカウントの購読を停止する。タスクが無ければfalse。
// タスクの終了は待たない。
func (s *Supervisor) Cancel(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[accountID]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, accountID)
	s.reportLocked()
	return true
}

// Active は実行中のタスク数を返す。
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running はアカウントのタスクが実行中かを返す。
func (s *Supervisor) Running(accountID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[accountID]
	return ok
}

// Shutdown は全タスクをキャンセルし、終了を待つ。
// ctxの期限までに終わらなければctxのエラーを返す。
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("全リスナーを停止しました")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove は終了したタスクを登録から外す。置き換え済みの場合は何もしない。
func (s *Supervisor) remove(accountID int64, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[accountID] == t {
		delete(s.tasks, accountID)
		s.reportLocked()
	}
}

func (s *Supervisor) reportLocked() {
	if s.metrics != nil {
		s.metrics.SetListenersActive(len(s.tasks))
	}
}
