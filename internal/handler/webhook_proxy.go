package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/webhook"
)

// TargetWebhookHeader は転送先URLを指定するヘッダー名。
const TargetWebhookHeader = "X-Target-Webhook"

// WebhookDeliverer はWebhookの送信インターフェース。*webhook.Sender が満たす。
type WebhookDeliverer interface {
	Deliver(ctx context.Context, url string, payload any) error
}

// WebhookProxyHandler はブリッジからのWebhookを補完して最終的な転送先に中継する。
type WebhookProxyHandler struct {
	sender      WebhookDeliverer
	validateURL URLValidator
	logger      *slog.Logger
}

// NewWebhookProxyHandler はWebhookProxyHandlerを生成する。
func NewWebhookProxyHandler(sender WebhookDeliverer, validateURL URLValidator, logger *slog.Logger) *WebhookProxyHandler {
	return &WebhookProxyHandler{sender: sender, validateURL: validateURL, logger: logger}
}

// Proxy は受信したペイロードを補完し、target_urlクエリまたはX-Target-Webhookヘッダーの宛先へ送信する。
// POST /webhook/proxy
func (h *WebhookProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload == nil {
		writeValidationError(w, &model.ValidationError{Field: "body", Message: "must be a JSON object"})
		return
	}

	target := r.URL.Query().Get("target_url")
	if target == "" {
		target = r.Header.Get(TargetWebhookHeader)
	}
	if target == "" {
		h.logger.Warn("転送先のWebhook URLが指定されていません")
		writeValidationError(w, &model.ValidationError{Field: "target_url", Message: "required"})
		return
	}
	if h.validateURL != nil {
		if err := h.validateURL(target); err != nil {
			writeValidationError(w, &model.ValidationError{Field: "target_url", Message: err.Error()})
			return
		}
	}

	_, hasMedia := payload["media"]
	h.logger.Info("Webhookを中継します",
		slog.Int("keys", len(payload)),
		slog.Bool("has_media", hasMedia),
	)

	if err := h.sender.Deliver(r.Context(), target, webhook.Enrich(payload)); err != nil {
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewWebhookFailedError(err.Error()))
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"forwarded": true})
}
