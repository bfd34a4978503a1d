// Package webhook はテナントのWebhookへのイベント配送を提供する。
// 配送はベストエフォートで、失敗時の再送は行わない。
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tasgate/internal/metrics"
)

// DefaultTimeout はWebhook配送の既定タイムアウト。
const DefaultTimeout = 10 * time.Second

// DeliveryError はWebhookが2xx以外を返した場合のエラー。
type DeliveryError struct {
	URL        string
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook %s responded with status %d", e.URL, e.StatusCode)
}

// Deliverer はWebhook配送のインターフェース。
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload any) error
}

// Sender はJSONペイロードをPOSTで配送する。
type Sender struct {
	client  *http.Client
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewSender はSenderを生成する。
// clientには本番ではSSRFガード付きクライアントを渡す。
func NewSender(client *http.Client, logger *slog.Logger, mc metrics.MetricsCollector) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Sender{client: client, logger: logger, metrics: mc}
}

// Deliver はpayloadをJSONでurlへPOSTする。
// トランスポートエラーと2xx以外の応答はログに記録した上でエラーとして返す。
func (s *Sender) Deliver(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("Webhookペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("Webhookリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tasgate-webhook/1.0")

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		s.record(false, elapsed)
		s.logger.Error("Webhookの送信に失敗しました",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("Webhookの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.record(false, elapsed)
		s.logger.Warn("Webhookが失敗ステータスを返しました",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
		)
		return &DeliveryError{URL: url, StatusCode: resp.StatusCode}
	}

	s.record(true, elapsed)
	s.logger.Debug("Webhookを配送しました",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", elapsed),
	)
	return nil
}

func (s *Sender) record(success bool, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordWebhookDelivery(success, d)
	}
}
