// Package cleanup はポート予約と孤立コンテナの定期削除ジョブを提供する。
// 期限切れのポート予約を削除し、どのアカウントからも参照されない
// 終了済みのセッションコンテナを削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tasgate/internal/docker"
)

// LeasePurger は期限切れのポート予約を削除するインターフェース。
type LeasePurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// ContainerNameLister はアカウントに記録されているコンテナ名を返すインターフェース。
type ContainerNameLister interface {
	ListContainerNames(ctx context.Context) ([]string, error)
}

// ContainerReaper は終了済みコンテナの列挙と削除を行うインターフェース。*docker.Client が満たす。
type ContainerReaper interface {
	ListExited(ctx context.Context, prefix string) ([]docker.ContainerSummary, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Result は1回の実行結果。
type Result struct {
	LeasesDeleted     int64
	ContainersRemoved int
}

// CleanupJob は期限切れ予約と孤立コンテナの削除ジョブ。
// 何度実行しても結果が変わらない。
type CleanupJob struct {
	leases     LeasePurger
	accounts   ContainerNameLister
	containers ContainerReaper
	prefix     string
	logger     *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
// prefixに一致しないコンテナには触れない。
func NewCleanupJob(leases LeasePurger, accounts ContainerNameLister, containers ContainerReaper, prefix string, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		leases:     leases,
		accounts:   accounts,
		containers: containers,
		prefix:     prefix,
		logger:     logger,
	}
}

// Start はinterval間隔でジョブを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は期限切れ予約と孤立コンテナを1回削除する。
// 個別のコンテナ削除の失敗はログに記録して処理を続ける。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	deleted, err := j.leases.DeleteExpired(ctx)
	if err != nil {
		return res, fmt.Errorf("期限切れポート予約の削除に失敗: %w", err)
	}
	res.LeasesDeleted = deleted

	removed, err := j.removeOrphans(ctx)
	if err != nil {
		return res, err
	}
	res.ContainersRemoved = removed

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("leases_deleted", res.LeasesDeleted),
		slog.Int("containers_removed", res.ContainersRemoved),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

func (j *CleanupJob) removeOrphans(ctx context.Context) (int, error) {
	exited, err := j.containers.ListExited(ctx, j.prefix)
	if err != nil {
		return 0, fmt.Errorf("終了済みコンテナの取得に失敗: %w", err)
	}
	if len(exited) == 0 {
		return 0, nil
	}

	names, err := j.accounts.ListContainerNames(ctx)
	if err != nil {
		return 0, fmt.Errorf("コンテナ名の取得に失敗: %w", err)
	}
	owned := make(map[string]struct{}, len(names))
	for _, n := range names {
		owned[n] = struct{}{}
	}

	removed := 0
	for _, c := range exited {
		if _, ok := owned[c.Name]; ok {
			continue
		}
		if err := j.containers.RemoveContainer(ctx, c.Name); err != nil {
			j.logger.Warn("孤立コンテナの削除に失敗しました",
				slog.String("container", c.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		j.logger.Info("孤立コンテナを削除しました",
			slog.String("container", c.Name),
			slog.String("state", c.State),
		)
		removed++
	}
	return removed, nil
}
