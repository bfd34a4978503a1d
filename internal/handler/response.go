package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/hitoshi/tasgate/internal/middleware"
	"github.com/hitoshi/tasgate/internal/model"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 1 << 20

// successResponse は成功時のレスポンスエンベロープ。
type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// writeSuccess は成功レスポンスを書き込む。
func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(successResponse{Success: true, Data: data})
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// writeValidationError は入力検証エラーを400で返す。
func writeValidationError(w http.ResponseWriter, err *model.ValidationError) {
	writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationAPIError(err.Field, err.Message))
}

// decodeJSON はリクエストボディをJSONとして読み込む。
// 空のボディは空オブジェクトとして扱う。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if apiErr := model.ToAPIError(err); apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 既知のエラー以外は内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidState:
		return http.StatusConflict
	case model.ErrCodeNoFreePorts:
		return http.StatusServiceUnavailable
	case model.ErrCodeContainerError, model.ErrCodeBridgeAPIError, model.ErrCodeWebhookFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// rules は入力検証の最初の違反を保持する。
type rules struct {
	err *model.ValidationError
}

func (v *rules) fail(field, format string, args ...any) {
	if v.err == nil {
		v.err = &model.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
	}
}

func (v *rules) required(field, value string) {
	if value == "" {
		v.fail(field, "required")
	}
}

func (v *rules) length(field, value string, min, max int) {
	n := utf8.RuneCountInString(value)
	if min > 0 && n < min {
		v.fail(field, "must be at least %d characters", min)
	}
	if max > 0 && n > max {
		v.fail(field, "must be at most %d characters", max)
	}
}

func (v *rules) oneOf(field, value string, allowed ...string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.fail(field, "must be one of %v", allowed)
}
