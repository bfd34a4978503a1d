package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/session"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	startLoginFn   func(ctx context.Context, spec session.LoginSpec) (*session.LoginResult, error)
	completeCodeFn func(ctx context.Context, sessionName, code string) (*session.AuthResult, error)
	complete2FAFn  func(ctx context.Context, sessionName, password string) (*session.AuthResult, error)
	stopFn         func(ctx context.Context, sessionName string, remove bool) (*session.StopResult, error)
	restartFn      func(ctx context.Context, sessionName string) (*session.LoginResult, error)
	statusFn       func(ctx context.Context, sessionName string) (*session.StatusResult, error)
	sendMessageFn  func(ctx context.Context, sessionName, peer, message, parseMode string) (*session.SendResult, error)
	sendVoiceFn    func(ctx context.Context, sessionName, peer, path, caption string) (*session.SendResult, error)
	sendFileFn     func(ctx context.Context, sessionName, peer, path, caption, parseMode string) (*session.SendResult, error)
	getHistoryFn   func(ctx context.Context, sessionName, peer string, limit, offsetID int) (json.RawMessage, error)
	getInfoFn      func(ctx context.Context, sessionName, id string) (json.RawMessage, error)
}

func (m *mockSessionService) StartLogin(ctx context.Context, spec session.LoginSpec) (*session.LoginResult, error) {
	if m.startLoginFn != nil {
		return m.startLoginFn(ctx, spec)
	}
	return &session.LoginResult{SessionName: spec.SessionName, Status: model.StatusWaitingCode, NeedsCode: true}, nil
}
func (m *mockSessionService) CompleteCode(ctx context.Context, sessionName, code string) (*session.AuthResult, error) {
	if m.completeCodeFn != nil {
		return m.completeCodeFn(ctx, sessionName, code)
	}
	return &session.AuthResult{SessionName: sessionName, Status: model.StatusReady}, nil
}
func (m *mockSessionService) Complete2FA(ctx context.Context, sessionName, password string) (*session.AuthResult, error) {
	if m.complete2FAFn != nil {
		return m.complete2FAFn(ctx, sessionName, password)
	}
	return &session.AuthResult{SessionName: sessionName, Status: model.StatusReady}, nil
}
func (m *mockSessionService) Stop(ctx context.Context, sessionName string, remove bool) (*session.StopResult, error) {
	if m.stopFn != nil {
		return m.stopFn(ctx, sessionName, remove)
	}
	return &session.StopResult{SessionName: sessionName, Status: model.StatusStopped, ContainerRemoved: remove}, nil
}
func (m *mockSessionService) Restart(ctx context.Context, sessionName string) (*session.LoginResult, error) {
	if m.restartFn != nil {
		return m.restartFn(ctx, sessionName)
	}
	return &session.LoginResult{SessionName: sessionName, Status: model.StatusReady}, nil
}
func (m *mockSessionService) Status(ctx context.Context, sessionName string) (*session.StatusResult, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, sessionName)
	}
	return &session.StatusResult{SessionName: sessionName, Status: model.StatusReady}, nil
}
func (m *mockSessionService) SendMessage(ctx context.Context, sessionName, peer, message, parseMode string) (*session.SendResult, error) {
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, sessionName, peer, message, parseMode)
	}
	return &session.SendResult{SessionName: sessionName, MessageID: 1}, nil
}
func (m *mockSessionService) SendVoice(ctx context.Context, sessionName, peer, path, caption string) (*session.SendResult, error) {
	if m.sendVoiceFn != nil {
		return m.sendVoiceFn(ctx, sessionName, peer, path, caption)
	}
	return &session.SendResult{SessionName: sessionName, MessageID: 2}, nil
}
func (m *mockSessionService) SendFile(ctx context.Context, sessionName, peer, path, caption, parseMode string) (*session.SendResult, error) {
	if m.sendFileFn != nil {
		return m.sendFileFn(ctx, sessionName, peer, path, caption, parseMode)
	}
	return &session.SendResult{SessionName: sessionName, MessageID: 3}, nil
}
func (m *mockSessionService) GetHistory(ctx context.Context, sessionName, peer string, limit, offsetID int) (json.RawMessage, error) {
	if m.getHistoryFn != nil {
		return m.getHistoryFn(ctx, sessionName, peer, limit, offsetID)
	}
	return json.RawMessage(`{"messages":[]}`), nil
}
func (m *mockSessionService) GetInfo(ctx context.Context, sessionName, id string) (json.RawMessage, error) {
	if m.getInfoFn != nil {
		return m.getInfoFn(ctx, sessionName, id)
	}
	return json.RawMessage(`{"id":1}`), nil
}

// --- テストヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func acceptAllURLs(string) error { return nil }

func newTestSessionHandler(svc SessionServiceInterface) *SessionHandler {
	return NewSessionHandler(svc, acceptAllURLs, discardLogger())
}

func postJSON(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// parseData は成功レスポンスのdataをvに読み込む。
func parseData(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !env.Success {
		t.Fatalf("success = false")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

const validHash = "0123456789abcdef0123456789abcdef"

// --- POST /v1/login/start ---

func TestSessionHandler_StartLogin_Success(t *testing.T) {
	var got session.LoginSpec
	svc := &mockSessionService{
		startLoginFn: func(ctx context.Context, spec session.LoginSpec) (*session.LoginResult, error) {
			got = spec
			return &session.LoginResult{
				SessionName: "session_x",
				Status:      model.StatusWaitingCode,
				NeedsCode:   true,
				Container:   &session.ContainerView{Name: "tas_1", Port: 9510, ID: "cid"},
			}, nil
		},
	}

	body := `{"api_id":12345,"api_hash":"` + validHash + `","type":"user","phone":"+819012345678","webhook_url":"https://example.com/hook","force_recreate":true}`
	w := httptest.NewRecorder()
	newTestSessionHandler(svc).StartLogin(w, postJSON(body))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got.APIID != "12345" || got.Type != model.AccountTypeUser || !got.ForceRecreate || got.Phone != "+819012345678" {
		t.Errorf("LoginSpec = %+v", got)
	}

	var data map[string]any
	parseData(t, w, &data)
	if data["session_name"] != "session_x" || data["status"] != "waiting_code" || data["needs_code"] != true {
		t.Errorf("data = %v", data)
	}
	container, _ := data["container"].(map[string]any)
	if container["port"] != float64(9510) {
		t.Errorf("container = %v", data["container"])
	}
}

func TestSessionHandler_StartLogin_Validation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"api_idなし", `{"api_hash":"` + validHash + `","type":"user","phone":"1","webhook_url":"https://e.com"}`, "api_id"},
		{"api_hashが短い", `{"api_id":"1","api_hash":"short","type":"user","phone":"1","webhook_url":"https://e.com"}`, "api_hash"},
		{"不明な種別", `{"api_id":"1","api_hash":"` + validHash + `","type":"channel","webhook_url":"https://e.com"}`, "type"},
		{"userで電話番号なし", `{"api_id":"1","api_hash":"` + validHash + `","type":"user","webhook_url":"https://e.com"}`, "phone"},
		{"botでトークンなし", `{"api_id":"1","api_hash":"` + validHash + `","type":"bot","webhook_url":"https://e.com"}`, "bot_token"},
		{"webhookなし", `{"api_id":"1","api_hash":"` + validHash + `","type":"bot","bot_token":"t"}`, "webhook_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSessionService{
				startLoginFn: func(ctx context.Context, spec session.LoginSpec) (*session.LoginResult, error) {
					t.Error("検証エラー時にサービスを呼んではならない")
					return nil, nil
				},
			}
			w := httptest.NewRecorder()
			newTestSessionHandler(svc).StartLogin(w, postJSON(tt.body))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := parseAPIErrorResponse(t, w)
			if body["code"] != model.ErrCodeValidation || body["success"] != false {
				t.Errorf("body = %v", body)
			}
			if msg, _ := body["message"].(string); !strings.HasPrefix(msg, tt.field+":") {
				t.Errorf("message = %q, want field %s", msg, tt.field)
			}
		})
	}
}

func TestSessionHandler_StartLogin_RejectsWebhookURL(t *testing.T) {
	h := NewSessionHandler(&mockSessionService{}, func(raw string) error {
		return errors.New("blocked IP address: 127.0.0.1")
	}, discardLogger())

	body := `{"api_id":"1","api_hash":"` + validHash + `","type":"bot","bot_token":"t","webhook_url":"http://127.0.0.1/hook"}`
	w := httptest.NewRecorder()
	h.StartLogin(w, postJSON(body))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body2 := parseAPIErrorResponse(t, w)
	if msg, _ := body2["message"].(string); !strings.Contains(msg, "blocked IP") {
		t.Errorf("message = %q", msg)
	}
}

func TestSessionHandler_InvalidJSON(t *testing.T) {
	w := httptest.NewRecorder()
	newTestSessionHandler(&mockSessionService{}).StartLogin(w, postJSON(`{"api_id":`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- エラーマッピング ---

func TestSessionHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"検証エラー", &model.ValidationError{Field: "x", Message: "bad"}, http.StatusBadRequest, model.ErrCodeValidation},
		{"セッションなし", model.ErrSessionNotFound, http.StatusNotFound, model.ErrCodeSessionNotFound},
		{"ラップされたセッションなし", errors.Join(errors.New("ctx"), model.ErrSessionNotFound), http.StatusNotFound, model.ErrCodeSessionNotFound},
		{"ステート不整合", &model.InvalidStateError{SessionName: "s", Current: model.StatusReady, Allowed: []model.AccountStatus{model.StatusWaitingCode}}, http.StatusConflict, model.ErrCodeInvalidState},
		{"ポート枯渇", model.ErrNoFreePorts, http.StatusServiceUnavailable, model.ErrCodeNoFreePorts},
		{"コンテナ", &model.ContainerError{Op: "create", Name: "tas_1", Err: errors.New("x")}, http.StatusBadGateway, model.ErrCodeContainerError},
		{"ブリッジ", &model.BridgeAPIError{Endpoint: "/api/getSelf", Message: "AUTH_KEY_UNREGISTERED"}, http.StatusBadGateway, model.ErrCodeBridgeAPIError},
		{"その他", errors.New("db down"), http.StatusInternalServerError, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSessionService{
				completeCodeFn: func(ctx context.Context, sessionName, code string) (*session.AuthResult, error) {
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			newTestSessionHandler(svc).CompleteCode(w, postJSON(`{"session_name":"s","code":"12345"}`))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if body := parseAPIErrorResponse(t, w); body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
		})
	}
}

// --- POST /v1/login/complete-code, complete-2fa ---

func TestSessionHandler_CompleteCode(t *testing.T) {
	var gotCode string
	svc := &mockSessionService{
		completeCodeFn: func(ctx context.Context, sessionName, code string) (*session.AuthResult, error) {
			gotCode = code
			return &session.AuthResult{SessionName: sessionName, Status: model.StatusWaiting2FA, Needs2FA: true}, nil
		},
	}
	h := newTestSessionHandler(svc)

	// 数値のコードも受け付ける
	w := httptest.NewRecorder()
	h.CompleteCode(w, postJSON(`{"session_name":"s","code":12345}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if gotCode != "12345" {
		t.Errorf("code = %q", gotCode)
	}
	var data map[string]any
	parseData(t, w, &data)
	if data["needs_2fa"] != true || data["status"] != "waiting_2fa" {
		t.Errorf("data = %v", data)
	}

	for _, body := range []string{`{"session_name":"s","code":"123"}`, `{"session_name":"s","code":"1234567"}`, `{"code":"12345"}`} {
		w := httptest.NewRecorder()
		h.CompleteCode(w, postJSON(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestSessionHandler_Complete2FA(t *testing.T) {
	h := newTestSessionHandler(&mockSessionService{})

	w := httptest.NewRecorder()
	h.Complete2FA(w, postJSON(`{"session_name":"s","password":"pw"}`))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Complete2FA(w, postJSON(`{"session_name":"s"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// --- POST /v1/session/* ---

func TestSessionHandler_Stop_DefaultsToRemove(t *testing.T) {
	var removes []bool
	svc := &mockSessionService{
		stopFn: func(ctx context.Context, sessionName string, remove bool) (*session.StopResult, error) {
			removes = append(removes, remove)
			return &session.StopResult{SessionName: sessionName, Status: model.StatusStopped}, nil
		},
	}
	h := newTestSessionHandler(svc)

	for _, body := range []string{`{"session_name":"s"}`, `{"session_name":"s","remove_container":false}`} {
		w := httptest.NewRecorder()
		h.Stop(w, postJSON(body))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}
	if len(removes) != 2 || !removes[0] || removes[1] {
		t.Errorf("remove_container = %v, want [true false]", removes)
	}
}

func TestSessionHandler_StatusAndRestart(t *testing.T) {
	h := newTestSessionHandler(&mockSessionService{})

	w := httptest.NewRecorder()
	h.Status(w, postJSON(`{"session_name":"s"}`))
	if w.Code != http.StatusOK {
		t.Errorf("Status: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Restart(w, postJSON(`{"session_name":"s"}`))
	if w.Code != http.StatusOK {
		t.Errorf("Restart: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Status(w, postJSON(`{}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("session_nameなし: status = %d, want 400", w.Code)
	}
}

// --- POST /v1/send-* ---

func TestSessionHandler_SendMessage(t *testing.T) {
	var gotMode string
	svc := &mockSessionService{
		sendMessageFn: func(ctx context.Context, sessionName, peer, message, parseMode string) (*session.SendResult, error) {
			gotMode = parseMode
			return &session.SendResult{SessionName: sessionName, MessageID: 55}, nil
		},
	}
	h := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SendMessage(w, postJSON(`{"session_name":"s","peer":"@bob","message":"hi"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if gotMode != "Markdown" {
		t.Errorf("parse_mode = %q, want Markdown", gotMode)
	}
	var data map[string]any
	parseData(t, w, &data)
	if data["message_id"] != float64(55) {
		t.Errorf("data = %v", data)
	}

	tests := []string{
		`{"session_name":"s","peer":"@bob","message":""}`,
		`{"session_name":"s","peer":"@bob","message":"hi","parse_mode":"BBCode"}`,
		`{"session_name":"s","peer":"@bob","message":"` + strings.Repeat("あ", 4097) + `"}`,
	}
	for _, body := range tests {
		w := httptest.NewRecorder()
		h.SendMessage(w, postJSON(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	}
}

func TestSessionHandler_SendVoiceAndFile(t *testing.T) {
	var gotPath string
	svc := &mockSessionService{
		sendFileFn: func(ctx context.Context, sessionName, peer, path, caption, parseMode string) (*session.SendResult, error) {
			gotPath = path
			return &session.SendResult{SessionName: sessionName}, nil
		},
	}
	h := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.SendVoice(w, postJSON(`{"session_name":"s","peer":"@bob","voice_path":"/data/a.ogg"}`))
	if w.Code != http.StatusOK {
		t.Errorf("SendVoice: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.SendFile(w, postJSON(`{"session_name":"s","peer":"@bob","file_path":"/data/a.pdf","caption":"doc"}`))
	if w.Code != http.StatusOK || gotPath != "/data/a.pdf" {
		t.Errorf("SendFile: status = %d, path = %q", w.Code, gotPath)
	}

	w = httptest.NewRecorder()
	h.SendVoice(w, postJSON(`{"session_name":"s","peer":"@bob"}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("voice_pathなし: status = %d, want 400", w.Code)
	}
}

func TestSessionHandler_GetHistoryAndInfo(t *testing.T) {
	var gotLimit int
	var gotID string
	svc := &mockSessionService{
		getHistoryFn: func(ctx context.Context, sessionName, peer string, limit, offsetID int) (json.RawMessage, error) {
			gotLimit = limit
			return json.RawMessage(`{"messages":[]}`), nil
		},
		getInfoFn: func(ctx context.Context, sessionName, id string) (json.RawMessage, error) {
			gotID = id
			return json.RawMessage(`{"id":777}`), nil
		},
	}
	h := newTestSessionHandler(svc)

	w := httptest.NewRecorder()
	h.GetHistory(w, postJSON(`{"session_name":"s","peer":"@bob"}`))
	if w.Code != http.StatusOK || gotLimit != 10 {
		t.Errorf("status = %d, limit = %d", w.Code, gotLimit)
	}

	w = httptest.NewRecorder()
	h.GetHistory(w, postJSON(`{"session_name":"s","peer":"@bob","limit":500}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit上限超過: status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	h.GetInfo(w, postJSON(`{"session_name":"s","id":777}`))
	if w.Code != http.StatusOK || gotID != "777" {
		t.Errorf("status = %d, id = %q", w.Code, gotID)
	}
	var data map[string]any
	parseData(t, w, &data)
	if data["id"] != float64(777) {
		t.Errorf("data = %v", data)
	}
}
