package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tasgate/internal/portalloc"
)

// Pinger は依存先の疎通確認インターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DockerPinger はDockerデーモンの疎通確認インターフェース。*docker.Client が満たす。
type DockerPinger interface {
	Ping(ctx context.Context) error
}

// ListenerCounter は実行中のリスナー数を返す。*listener.Supervisor が満たす。
type ListenerCounter interface {
	Active() int
}

// PortStatter はポート範囲の使用状況を返す。*portalloc.Allocator が満たす。
type PortStatter interface {
	Stats(ctx context.Context) (portalloc.Stats, error)
}

// healthTimeout は依存先ごとの疎通確認のタイムアウト。
const healthTimeout = 3 * time.Second

// HealthHandler はDBとDockerデーモンの疎通を確認するハンドラー。
type HealthHandler struct {
	db        Pinger
	docker    DockerPinger
	listeners ListenerCounter
	ports     PortStatter
	logger    *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。listenersとportsはnilでもよい。
func NewHealthHandler(db Pinger, docker DockerPinger, listeners ListenerCounter, ports PortStatter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, docker: docker, listeners: listeners, ports: ports, logger: logger}
}

type healthResponse struct {
	Status    string           `json:"status"`
	Database  string           `json:"database"`
	Docker    string           `json:"docker"`
	Listeners int              `json:"listeners"`
	Ports     *portalloc.Stats `json:"ports,omitempty"`
}

// Health は依存先の状態を返す。いずれかが応答しない場合は503。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:   "ok",
		Database: h.check(r.Context(), "database", h.db.PingContext),
		Docker:   h.check(r.Context(), "docker", h.docker.Ping),
	}
	if h.listeners != nil {
		res.Listeners = h.listeners.Active()
	}
	if h.ports != nil && res.Database == "ok" {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		stats, err := h.ports.Stats(ctx)
		cancel()
		if err == nil {
			res.Ports = &stats
		}
	}

	status := http.StatusOK
	if res.Database != "ok" || res.Docker != "ok" {
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeSuccess(w, status, res)
}

func (h *HealthHandler) check(ctx context.Context, name string, ping func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if err := ping(ctx); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました",
			slog.String("target", name),
			slog.String("error", err.Error()),
		)
		return "unavailable"
	}
	return "ok"
}
