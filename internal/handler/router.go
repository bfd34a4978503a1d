package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasgate/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// セッション管理
	SessionService SessionServiceInterface
	URLValidator   URLValidator

	// Webhook中継
	WebhookSender WebhookDeliverer

	// ヘルスチェック
	DB        Pinger
	Docker    DockerPinger
	Listeners ListenerCounter
	Ports     PortStatter

	// MetricsHandler がnilの場合は/metricsを公開しない
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit（/v1/* のみ）
//
// /webhook/proxy はブリッジから呼ばれるためレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	sessionHandler := NewSessionHandler(deps.SessionService, deps.URLValidator, deps.Logger)
	proxyHandler := NewWebhookProxyHandler(deps.WebhookSender, deps.URLValidator, deps.Logger)
	healthHandler := NewHealthHandler(deps.DB, deps.Docker, deps.Listeners, deps.Ports, deps.Logger)

	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Post("/webhook/proxy", proxyHandler.Proxy)

	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		// ログイン
		r.Post("/login/start", sessionHandler.StartLogin)
		r.Post("/login/complete-code", sessionHandler.CompleteCode)
		r.Post("/login/complete-2fa", sessionHandler.Complete2FA)

		// セッション管理
		r.Post("/session/stop", sessionHandler.Stop)
		r.Post("/session/restart", sessionHandler.Restart)
		r.Post("/session/status", sessionHandler.Status)

		// メッセージ
		r.Post("/send-message", sessionHandler.SendMessage)
		r.Post("/send-voice", sessionHandler.SendVoice)
		r.Post("/send-file", sessionHandler.SendFile)
		r.Post("/get-history", sessionHandler.GetHistory)
		r.Post("/get-info", sessionHandler.GetInfo)
	})

	return r
}
