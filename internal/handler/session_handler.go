package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/session"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
// *session.Orchestrator が満たす。
type SessionServiceInterface interface {
	StartLogin(ctx context.Context, spec session.LoginSpec) (*session.LoginResult, error)
	CompleteCode(ctx context.Context, sessionName, code string) (*session.AuthResult, error)
	Complete2FA(ctx context.Context, sessionName, password string) (*session.AuthResult, error)
	Stop(ctx context.Context, sessionName string, removeContainer bool) (*session.StopResult, error)
	Restart(ctx context.Context, sessionName string) (*session.LoginResult, error)
	Status(ctx context.Context, sessionName string) (*session.StatusResult, error)
	SendMessage(ctx context.Context, sessionName, peer, message, parseMode string) (*session.SendResult, error)
	SendVoice(ctx context.Context, sessionName, peer, path, caption string) (*session.SendResult, error)
	SendFile(ctx context.Context, sessionName, peer, path, caption, parseMode string) (*session.SendResult, error)
	GetHistory(ctx context.Context, sessionName, peer string, limit, offsetID int) (json.RawMessage, error)
	GetInfo(ctx context.Context, sessionName, id string) (json.RawMessage, error)
}

// URLValidator はWebhook URLを検証する関数。
type URLValidator func(rawURL string) error

// SessionHandler はセッション管理とメッセージ送信のHTTPハンドラー。
type SessionHandler struct {
	service     SessionServiceInterface
	validateURL URLValidator
	logger      *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface, validateURL URLValidator, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{service: service, validateURL: validateURL, logger: logger}
}

// flexString はJSONの文字列と数値のどちらも受け付ける。
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type startLoginRequest struct {
	APIID         flexString `json:"api_id"`
	APIHash       string     `json:"api_hash"`
	Type          string     `json:"type"`
	Phone         string     `json:"phone"`
	BotToken      string     `json:"bot_token"`
	WebhookURL    string     `json:"webhook_url"`
	SessionName   string     `json:"session_name"`
	ForceRecreate bool       `json:"force_recreate"`
}

type completeCodeRequest struct {
	SessionName string     `json:"session_name"`
	Code        flexString `json:"code"`
}

type complete2FARequest struct {
	SessionName string `json:"session_name"`
	Password    string `json:"password"`
}

type sessionRequest struct {
	SessionName     string `json:"session_name"`
	RemoveContainer *bool  `json:"remove_container"`
}

type sendMessageRequest struct {
	SessionName string `json:"session_name"`
	Peer        string `json:"peer"`
	Message     string `json:"message"`
	ParseMode   string `json:"parse_mode"`
}

type sendVoiceRequest struct {
	SessionName string `json:"session_name"`
	Peer        string `json:"peer"`
	VoicePath   string `json:"voice_path"`
	Caption     string `json:"caption"`
}

type sendFileRequest struct {
	SessionName string `json:"session_name"`
	Peer        string `json:"peer"`
	FilePath    string `json:"file_path"`
	Caption     string `json:"caption"`
	ParseMode   string `json:"parse_mode"`
}

type historyRequest struct {
	SessionName string `json:"session_name"`
	Peer        string `json:"peer"`
	Limit       int    `json:"limit"`
	OffsetID    int    `json:"offset_id"`
}

type infoRequest struct {
	SessionName string     `json:"session_name"`
	ID          flexString `json:"id"`
}

// StartLogin はログインを開始する。
// POST /v1/login/start
func (h *SessionHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	var req startLoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("api_id", string(req.APIID))
	v.required("api_hash", req.APIHash)
	v.length("api_hash", req.APIHash, 32, 0)
	v.required("type", req.Type)
	v.oneOf("type", req.Type, string(model.AccountTypeUser), string(model.AccountTypeBot))
	switch model.AccountType(req.Type) {
	case model.AccountTypeUser:
		v.required("phone", req.Phone)
	case model.AccountTypeBot:
		v.required("bot_token", req.BotToken)
	}
	v.required("webhook_url", req.WebhookURL)
	if v.err == nil && h.validateURL != nil {
		if err := h.validateURL(req.WebhookURL); err != nil {
			v.fail("webhook_url", "%s", err.Error())
		}
	}
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.StartLogin(r.Context(), session.LoginSpec{
		APIID:         string(req.APIID),
		APIHash:       req.APIHash,
		Type:          model.AccountType(req.Type),
		Phone:         req.Phone,
		BotToken:      req.BotToken,
		WebhookURL:    req.WebhookURL,
		SessionName:   req.SessionName,
		ForceRecreate: req.ForceRecreate,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// CompleteCode は確認コードを送信する。
// POST /v1/login/complete-code
func (h *SessionHandler) CompleteCode(w http.ResponseWriter, r *http.Request) {
	var req completeCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("code", string(req.Code))
	v.length("code", string(req.Code), 5, 6)
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.CompleteCode(r.Context(), req.SessionName, string(req.Code))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// Complete2FA は2段階認証のパスワードを送信する。
// POST /v1/login/complete-2fa
func (h *SessionHandler) Complete2FA(w http.ResponseWriter, r *http.Request) {
	var req complete2FARequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("password", req.Password)
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.Complete2FA(r.Context(), req.SessionName, req.Password)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// Stop はセッションを停止する。remove_containerの既定値はtrue。
// POST /v1/session/stop
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decodeSession(w, r, &req) {
		return
	}

	remove := true
	if req.RemoveContainer != nil {
		remove = *req.RemoveContainer
	}

	res, err := h.service.Stop(r.Context(), req.SessionName, remove)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// Restart はセッションを再作成する。
// POST /v1/session/restart
func (h *SessionHandler) Restart(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decodeSession(w, r, &req) {
		return
	}

	res, err := h.service.Restart(r.Context(), req.SessionName)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// Status はセッションの状態を返す。
// POST /v1/session/status
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decodeSession(w, r, &req) {
		return
	}

	res, err := h.service.Status(r.Context(), req.SessionName)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

func (h *SessionHandler) decodeSession(w http.ResponseWriter, r *http.Request, req *sessionRequest) bool {
	if !decodeJSON(w, r, req) {
		return false
	}
	var v rules
	v.required("session_name", req.SessionName)
	if v.err != nil {
		writeValidationError(w, v.err)
		return false
	}
	return true
}

// SendMessage はテキストメッセージを送信する。parse_modeの既定値はMarkdown。
// POST /v1/send-message
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("peer", req.Peer)
	v.required("message", req.Message)
	v.length("message", req.Message, 0, 4096)
	v.oneOf("parse_mode", req.ParseMode, "Markdown", session.ParseModeHTML)
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}
	if req.ParseMode == "" {
		req.ParseMode = "Markdown"
	}

	res, err := h.service.SendMessage(r.Context(), req.SessionName, req.Peer, req.Message, req.ParseMode)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// SendVoice は音声メッセージを送信する。
// POST /v1/send-voice
func (h *SessionHandler) SendVoice(w http.ResponseWriter, r *http.Request) {
	var req sendVoiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("peer", req.Peer)
	v.required("voice_path", req.VoicePath)
	v.length("caption", req.Caption, 0, 1024)
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.SendVoice(r.Context(), req.SessionName, req.Peer, req.VoicePath, req.Caption)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// SendFile はファイルをドキュメントとして送信する。
// POST /v1/send-file
func (h *SessionHandler) SendFile(w http.ResponseWriter, r *http.Request) {
	var req sendFileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("peer", req.Peer)
	v.required("file_path", req.FilePath)
	v.length("caption", req.Caption, 0, 1024)
	v.oneOf("parse_mode", req.ParseMode, "Markdown", session.ParseModeHTML)
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.SendFile(r.Context(), req.SessionName, req.Peer, req.FilePath, req.Caption, req.ParseMode)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// GetHistory はチャット履歴を返す。limitの既定値は10、上限は100。
// POST /v1/get-history
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("peer", req.Peer)
	if req.Limit < 0 || req.Limit > 100 {
		v.fail("limit", "must be between 1 and 100")
	}
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}
	if req.Limit == 0 {
		req.Limit = 10
	}

	res, err := h.service.GetHistory(r.Context(), req.SessionName, req.Peer, req.Limit, req.OffsetID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}

// GetInfo はユーザーやチャットの情報を返す。
// POST /v1/get-info
func (h *SessionHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var v rules
	v.required("session_name", req.SessionName)
	v.required("id", string(req.ID))
	if v.err != nil {
		writeValidationError(w, v.err)
		return
	}

	res, err := h.service.GetInfo(r.Context(), req.SessionName, string(req.ID))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}
