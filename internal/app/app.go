package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/tasgate/internal/bridge"
	"github.com/hitoshi/tasgate/internal/config"
	"github.com/hitoshi/tasgate/internal/database"
	"github.com/hitoshi/tasgate/internal/docker"
	"github.com/hitoshi/tasgate/internal/handler"
	"github.com/hitoshi/tasgate/internal/listener"
	"github.com/hitoshi/tasgate/internal/logger"
	"github.com/hitoshi/tasgate/internal/metrics"
	"github.com/hitoshi/tasgate/internal/middleware"
	"github.com/hitoshi/tasgate/internal/portalloc"
	"github.com/hitoshi/tasgate/internal/repository"
	"github.com/hitoshi/tasgate/internal/security"
	"github.com/hitoshi/tasgate/internal/session"
	"github.com/hitoshi/tasgate/internal/webhook"
	"github.com/hitoshi/tasgate/internal/worker/cleanup"
)

// shutdownTimeout はグレースフルシャットダウンの猶予。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandPullImage:
		return runPullImage(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

func dockerConfig(cfg *config.Config) docker.Config {
	return docker.Config{
		Host:           cfg.DockerHost,
		APIVersion:     cfg.DockerAPIVersion,
		Image:          cfg.DockerImage,
		CodePath:       cfg.CodePath,
		CodeRepo:       cfg.CodeRepo,
		BridgeHost:     cfg.BridgeHost,
		BridgeUsername: cfg.BridgeUsername,
		BridgePassword: cfg.BridgePassword,
		IPWhitelist:    cfg.IPWhitelist,
		Passwords:      cfg.Passwords,
		HealthTimeout:  cfg.HealthTimeout,
		HealthInterval: cfg.HealthInterval,
	}
}

// portLeases は割り当てとクリーンアップの両方が使う予約ストア。
type portLeases interface {
	portalloc.LeaseStore
	cleanup.LeasePurger
}

// leaseStore は設定に応じてポート予約の保存先を選ぶ。
// memory はプロセス内で完結するため、複数レプリカ構成では使えない。
func leaseStore(cfg *config.Config, pg *repository.PostgresPortLeaseRepo) portLeases {
	if cfg.PortLeaseStore == config.LeaseStoreMemory {
		return portalloc.NewMemoryLeaseStore()
	}
	return pg
}

// webhookTransport はWebhook配送用のHTTPクライアントとURL検証関数を返す。
// WEBHOOK_ALLOW_PRIVATE が有効な場合はプライベート宛先も許可する。
func webhookTransport(cfg *config.Config) (*http.Client, handler.URLValidator) {
	if cfg.WebhookAllowPrivate {
		return &http.Client{Timeout: cfg.WebhookTimeout}, security.ValidateWebhookURL
	}
	guard := security.NewSSRFGuard()
	return guard.NewSafeClient(cfg.WebhookTimeout), guard.ValidateURL
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとクリーンアップジョブを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	cipher, err := security.NewCredentialCipher(cfg.AppKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credential cipher: %w", err)
	}
	appRepo := repository.NewPostgresAppRepo(db, cipher)
	accountRepo := repository.NewPostgresAccountRepo(db, cipher)
	leases := leaseStore(cfg, repository.NewPostgresPortLeaseRepo(db))

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mc := metrics.NewCollector(reg)

	// 4. インフラストラクチャの初期化
	dockerClient, err := docker.NewClient(dockerConfig(cfg), log, mc)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	allocator, err := portalloc.NewAllocator(leases, accountRepo, cfg.PortStart, cfg.PortEnd, cfg.PortLeaseTTL, log, mc)
	if err != nil {
		return fmt.Errorf("failed to create port allocator: %w", err)
	}
	bridgeClient := bridge.NewClient(bridge.Config{
		Host:     cfg.BridgeHost,
		Username: cfg.BridgeUsername,
		Password: cfg.BridgePassword,
		Timeout:  cfg.BridgeTimeout,
	}, log)

	webhookClient, validateURL := webhookTransport(cfg)
	sender := webhook.NewSender(webhookClient, log, mc)

	// 5. イベント購読
	eventListener := listener.New(listener.Config{
		IdleTimeout:   cfg.ListenerIdleTimeout,
		CheckInterval: cfg.ListenerCheckInterval,
	}, accountRepo, bridgeClient, listener.WebsocketDialer{}, sender, log, mc)
	supervisor := listener.NewSupervisor(eventListener, log, mc)

	// 6. セッション管理
	orchestrator := session.New(session.Deps{
		Apps:      appRepo,
		Accounts:  accountRepo,
		Docker:    dockerClient,
		Ports:     allocator,
		Bridge:    bridgeClient,
		Listeners: supervisor,
		Sanitizer: security.NewContentSanitizer(),
		Logger:    log,
		Metrics:   mc,
	})

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		RateLimiter:    rateLimiter,
		SessionService: orchestrator,
		URLValidator:   validateURL,
		WebhookSender:  sender,
		DB:             db,
		Docker:         dockerClient,
		Listeners:      supervisor,
		Ports:          allocator,
		MetricsHandler: metrics.Handler(reg),
	})

	cleanupJob := cleanup.NewCleanupJob(leases, accountRepo, dockerClient, session.ContainerPrefix(), log)

	// 8. 再起動前に購読していたセッションを再開する
	resumed, err := orchestrator.ResumeListeners(ctx)
	if err != nil {
		slog.Error("リスナーの再開に失敗しました", slog.String("error", err.Error()))
	} else {
		slog.Info("リスナーを再開しました", slog.Int("count", resumed))
	}

	// 9. HTTPサーバーとクリーンアップジョブの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // 起動待ちを含むログイン開始に合わせる
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		cleanupJob.Start(gctx, cfg.CleanupInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown failed: %w", err))
		}
		if err := supervisor.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("listener shutdown failed: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runPullImage はブリッジのイメージを事前に取得する。
func runPullImage(ctx context.Context, cfg *config.Config) error {
	client, err := docker.NewClient(dockerConfig(cfg), slog.Default(), nil)
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}

	slog.Info("pulling bridge image", slog.String("image", cfg.DockerImage))
	if err := client.PullImage(ctx, cfg.DockerImage); err != nil {
		return fmt.Errorf("image pull failed: %w", err)
	}

	slog.Info("bridge image is ready", slog.String("image", cfg.DockerImage))
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
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
