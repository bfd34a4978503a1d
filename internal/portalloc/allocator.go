// Package portalloc はブリッジコンテナに割り当てるホストポートの貸し出しを管理する。
//
// ポートは「永続化済みアカウントが参照している」か「有効な予約がある」場合に使用中とみなす。
// 予約はコンテナが実際にポートをbindするまでの間を埋めるためのもので、TTLで自然に失効する。
package portalloc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tasgate/internal/metrics"
	"github.com/hitoshi/tasgate/internal/model"
)

// DefaultLeaseTTL は予約の既定の有効期間。
const DefaultLeaseTTL = 5 * time.Minute

// PortUsage は永続化済みアカウントが使用中のポートを返す。
type PortUsage interface {
	ListContainerPorts(ctx context.Context) ([]int, error)
}

// Stats はポート範囲の使用状況。
type Stats struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Available int `json:"available"`
	Start     int `json:"start"`
	End       int `json:"end"`
}

// Allocator はポート範囲 [start, end] からポートを貸し出す。
type Allocator struct {
	mu      sync.Mutex
	store   LeaseStore
	usage   PortUsage
	start   int
	end     int
	ttl     time.Duration
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewAllocator はAllocatorを生成する。mcはnilでもよい。
func NewAllocator(store LeaseStore, usage PortUsage, start, end int, ttl time.Duration, logger *slog.Logger, mc metrics.MetricsCollector) (*Allocator, error) {
	if start <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Allocator{
		store:   store,
		usage:   usage,
		start:   start,
		end:     end,
		ttl:     ttl,
		logger:  logger,
		metrics: mc,
	}, nil
}

// Allocate は範囲を昇順に走査し、最初に予約できたポートを返す。
// 走査はプロセス内でmutexにより直列化され、各候補の予約はストアのCASで行う。
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	used, err := a.accountPorts(ctx)
	if err != nil {
		return 0, err
	}

	for port := a.start; port <= a.end; port++ {
		if _, ok := used[port]; ok {
			continue
		}
		reserved, err := a.store.Reserve(ctx, port, a.ttl)
		if err != nil {
			return 0, fmt.Errorf("failed to reserve port %d: %w", port, err)
		}
		if reserved {
			a.logger.Info("ポートを予約しました",
				slog.Int("port", port),
				slog.Duration("ttl", a.ttl),
			)
			a.reportLeases(ctx)
			return port, nil
		}
	}

	a.logger.Warn("空きポートがありません",
		slog.Int("start", a.start),
		slog.Int("end", a.end),
	)
	return 0, fmt.Errorf("%w in range %d-%d", model.ErrNoFreePorts, a.start, a.end)
}

// Release はポートの予約を解除する。冪等。
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}
	if err := a.store.Release(ctx, port); err != nil {
		return fmt.Errorf("failed to release port %d: %w", port, err)
	}
	a.logger.Info("ポートの予約を解除しました", slog.Int("port", port))
	a.reportLeases(ctx)
	return nil
}

// Renew は有効な予約の期限を延長する。予約が失効済みの場合はfalseを返す。
func (a *Allocator) Renew(ctx context.Context, port int) (bool, error) {
	ok, err := a.store.Renew(ctx, port, a.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to renew port %d: %w", port, err)
	}
	return ok, nil
}

// IsAvailable はポートが範囲内で、アカウントにも予約にも使われていないかを返す。
func (a *Allocator) IsAvailable(ctx context.Context, port int) (bool, error) {
	if port < a.start || port > a.end {
		return false, nil
	}
	used, err := a.usedPorts(ctx)
	if err != nil {
		return false, err
	}
	_, taken := used[port]
	return !taken, nil
}

// Stats は範囲の使用状況を返す。
func (a *Allocator) Stats(ctx context.Context) (Stats, error) {
	used, err := a.usedPorts(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := a.end - a.start + 1
	n := 0
	for p := range used {
		if p >= a.start && p <= a.end {
			n++
		}
	}
	return Stats{
		Total:     total,
		Used:      n,
		Available: total - n,
		Start:     a.start,
		End:       a.end,
	}, nil
}

func (a *Allocator) accountPorts(ctx context.Context) (map[int]struct{}, error) {
	ports, err := a.usage.ListContainerPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list account ports: %w", err)
	}
	set := make(map[int]struct{}, len(ports))
	for _, p := range ports {
		set[p] = struct{}{}
	}
	return set, nil
}

// usedPorts はアカウント参照ポートと予約中ポートの和集合を返す。
func (a *Allocator) usedPorts(ctx context.Context) (map[int]struct{}, error) {
	set, err := a.accountPorts(ctx)
	if err != nil {
		return nil, err
	}
	reserved, err := a.store.Reserved(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reserved ports: %w", err)
	}
	for _, p := range reserved {
		set[p] = struct{}{}
	}
	return set, nil
}

func (a *Allocator) reportLeases(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	reserved, err := a.store.Reserved(ctx)
	if err != nil {
		return
	}
	a.metrics.SetPortLeasesUsed(len(reserved))
}
