// Package listener はセッションごとのイベントストリームを購読し、
// プライベートメッセージをWebhookへ転送する。
package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hitoshi/tasgate/internal/metrics"
	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/webhook"
)

// 既定値
const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultCheckInterval = 30 * time.Second
	emptyFrameDelay      = 100 * time.Millisecond

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
	previewLength         = 50
	invalidPreviewLength  = 200
)

// AccountLoader はアカウントの再取得に使うリポジトリ。
type AccountLoader interface {
	FindByID(ctx context.Context, id int64) (*model.Account, error)
}

// Endpoints はポートからイベントストリームの接続先を組み立てる。
// *bridge.Client が満たす。
type Endpoints interface {
	EventsURL(port int) string
	Origin(port int) string
	BasicAuth() (string, string)
}

// Config はListenerの設定。
type Config struct {
	IdleTimeout   time.Duration
	CheckInterval time.Duration
}

// Listener は1アカウント分のイベントストリームを購読する。
type Listener struct {
	accounts  AccountLoader
	endpoints Endpoints
	dialer    Dialer
	sender    webhook.Deliverer
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	idleTimeout   time.Duration
	checkInterval time.Duration
	emptyDelay    time.Duration

	newBackOff func() backoff.BackOff
	sleep      func(ctx context.Context, d time.Duration) error
}

// New はListenerを生成する。
func New(cfg Config, accounts AccountLoader, endpoints Endpoints, dialer Dialer, sender webhook.Deliverer, logger *slog.Logger, mc metrics.MetricsCollector) *Listener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Listener{
		accounts:      accounts,
		endpoints:     endpoints,
		dialer:        dialer,
		sender:        sender,
		logger:        logger,
		metrics:       mc,
		idleTimeout:   cfg.IdleTimeout,
		checkInterval: cfg.CheckInterval,
		emptyDelay:    emptyFrameDelay,
		newBackOff:    NewReconnectBackOff,
		sleep:         sleepContext,
	}
}

// NewReconnectBackOff は再接続の待機ポリシーを返す。
// 1秒から2倍ずつ増やし60秒で頭打ち。揺らぎなし、試行回数の上限なし。
func NewReconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnectDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run はアカウントのイベントストリームを購読する。
// アカウントが削除されるかコンテナが外れた場合、またはctxがキャンセルされた場合に終了する。
// 接続の失敗や切断、アカウントの取得失敗はバックオフを挟んで再試行し、エラーとしては返さない。
func (l *Listener) Run(ctx context.Context, accountID int64) error {
	b := l.newBackOff()

	for {
		if ctx.Err() != nil {
			return nil
		}

		acc, err := l.accounts.FindByID(ctx, accountID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 一時的なDB障害では購読を止めず、バックオフを挟んで再取得する
			if !l.waitReconnect(ctx, b, slog.Int64("account_id", accountID), "アカウントの取得に失敗しました", err) {
				return nil
			}
			continue
		}
		if acc == nil || !acc.HasContainer() {
			l.logger.Warn("アカウントが存在しないかコンテナがありません",
				slog.Int64("account_id", accountID),
			)
			return nil
		}

		target := l.target(acc)
		conn, err := l.dialer.Dial(ctx, target)
		if err != nil {
			if !l.waitReconnect(ctx, b, slog.String("session_name", acc.SessionName), "イベントストリームへの接続に失敗しました", err) {
				return nil
			}
			continue
		}

		b.Reset()
		l.logger.Info("イベントストリームに接続しました",
			slog.String("session_name", acc.SessionName),
			slog.String("url", target.URL),
		)

		terminal, err := l.consume(ctx, conn, acc)
		conn.Close()
		if terminal {
			return nil
		}
		if !l.waitReconnect(ctx, b, slog.String("session_name", acc.SessionName), "イベントストリームとの接続が切断されました", err) {
			return nil
		}
	}
}

// waitReconnect は次の再接続まで待機する。ctxがキャンセルされた場合はfalse。
func (l *Listener) waitReconnect(ctx context.Context, b backoff.BackOff, subject slog.Attr, msg string, cause error) bool {
	delay := b.NextBackOff()
	attrs := []any{
		subject,
		slog.Duration("will_reconnect_in", delay),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	l.logger.Warn(msg, attrs...)
	if l.metrics != nil {
		l.metrics.RecordListenerReconnect()
	}
	return l.sleep(ctx, delay) == nil
}

func (l *Listener) target(acc *model.Account) Target {
	user, pass := l.endpoints.BasicAuth()
	return Target{
		URL:      l.endpoints.EventsURL(acc.Container.Port),
		Origin:   l.endpoints.Origin(acc.Container.Port),
		Username: user,
		Password: pass,
	}
}

// consume は接続が切れるまでフレームを処理する。
// 戻り値がtrueの場合は再接続せずに終了すべきことを示す。
func (l *Listener) consume(ctx context.Context, conn Conn, acc *model.Account) (bool, error) {
	frames := make(chan []byte)
	errs := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go l.read(conn, frames, errs, stop)

	ticker := time.NewTicker(l.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case <-ticker.C:
			current, err := l.accounts.FindByID(ctx, acc.ID)
			if err != nil {
				l.logger.Warn("アカウントの再取得に失敗しました",
					slog.String("session_name", acc.SessionName),
					slog.String("error", err.Error()),
				)
				continue
			}
			if current == nil || !current.HasContainer() {
				l.logger.Info("コンテナが停止したためイベントストリームを閉じます",
					slog.String("session_name", acc.SessionName),
				)
				return true, nil
			}
			acc = current

		case err := <-errs:
			return false, err

		case frame := <-frames:
			l.handleFrame(ctx, acc, frame)
		}
	}
}

// read は受信ループ。アイドルタイムアウトはエラーとして扱わない。
func (l *Listener) read(conn Conn, frames chan<- []byte, errs chan<- error, stop <-chan struct{}) {
	for {
		data, err := conn.Receive(l.idleTimeout)
		if errors.Is(err, ErrIdle) {
			select {
			case <-stop:
				return
			default:
			}
			l.logger.Debug("イベントストリームの読み取りがタイムアウトしました。受信を継続します")
			continue
		}
		if err != nil {
			select {
			case errs <- err:
			case <-stop:
			}
			return
		}
		if len(data) == 0 {
			select {
			case <-time.After(l.emptyDelay):
			case <-stop:
				return
			}
			continue
		}
		select {
		case frames <- data:
		case <-stop:
			return
		}
	}
}

// handleFrame は1フレームを検査し、プライベートメッセージならWebhookへ転送する。
// 配送の失敗はログに記録するのみで再送しない。
func (l *Listener) handleFrame(ctx context.Context, acc *model.Account, frame []byte) {
	u, err := DecodeUpdate(frame)
	if err != nil {
		l.logger.Warn("不正なJSONを受信しました",
			slog.String("session_name", acc.SessionName),
			slog.String("message", preview(string(frame), invalidPreviewLength)),
			slog.String("error", err.Error()),
		)
		return
	}

	ev, ok := NewEvent(acc.SessionName, u)
	if !ok {
		return
	}

	l.logger.Info("プライベートメッセージを受信しました",
		slog.String("session_name", acc.SessionName),
		slog.Int64("from_id", ev.FromID),
		slog.Int64("peer_id", ev.PeerID),
		slog.String("message_preview", preview(ev.Message, previewLength)),
	)

	if err := l.sender.Deliver(ctx, acc.WebhookURL, ev); err != nil {
		l.logger.Warn("Webhookへの転送に失敗しました",
			slog.String("session_name", acc.SessionName),
			slog.Int64("message_id", ev.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

// preview は先頭n文字（ルーン単位）を返す。
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
