package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/tasgate/internal/middleware"
	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/portalloc"
	"github.com/hitoshi/tasgate/internal/session"
)

// --- モック定義 ---

type mockPinger struct{ err error }

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

type mockDockerPinger struct{ err error }

func (m *mockDockerPinger) Ping(ctx context.Context) error { return m.err }

type mockListenerCounter struct{ n int }

func (m *mockListenerCounter) Active() int { return m.n }

type mockDeliverer struct {
	deliverFn func(ctx context.Context, url string, payload any) error
	calls     int
	lastURL   string
	lastBody  any
}

func (m *mockDeliverer) Deliver(ctx context.Context, url string, payload any) error {
	m.calls++
	m.lastURL = url
	m.lastBody = payload
	if m.deliverFn != nil {
		return m.deliverFn(ctx, url, payload)
	}
	return nil
}

func newTestRouter(deps *RouterDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.SessionService == nil {
		deps.SessionService = &mockSessionService{}
	}
	if deps.WebhookSender == nil {
		deps.WebhookSender = &mockDeliverer{}
	}
	if deps.URLValidator == nil {
		deps.URLValidator = acceptAllURLs
	}
	if deps.DB == nil {
		deps.DB = &mockPinger{}
	}
	if deps.Docker == nil {
		deps.Docker = &mockDockerPinger{}
	}
	return NewRouter(deps)
}

// --- GET /health ---

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		dbErr     error
		dockerErr error
		status    int
		want      healthResponse
	}{
		{"正常", nil, nil, http.StatusOK, healthResponse{Status: "ok", Database: "ok", Docker: "ok", Listeners: 3}},
		{"DB停止", errors.New("conn refused"), nil, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unavailable", Docker: "ok", Listeners: 3}},
		{"Docker停止", nil, errors.New("no socket"), http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "ok", Docker: "unavailable", Listeners: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&RouterDeps{
				DB:        &mockPinger{err: tt.dbErr},
				Docker:    &mockDockerPinger{err: tt.dockerErr},
				Listeners: &mockListenerCounter{n: 3},
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var got healthResponse
			parseData(t, w, &got)
			if got != tt.want {
				t.Errorf("health = %+v, want %+v", got, tt.want)
			}
		})
	}
}

type mockPortStatter struct {
	stats portalloc.Stats
	err   error
}

func (m *mockPortStatter) Stats(ctx context.Context) (portalloc.Stats, error) { return m.stats, m.err }

func TestHealth_IncludesPortStats(t *testing.T) {
	router := newTestRouter(&RouterDeps{
		Ports: &mockPortStatter{stats: portalloc.Stats{Total: 91, Used: 3, Available: 88, Start: 9510, End: 9600}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var got healthResponse
	parseData(t, w, &got)
	if got.Ports == nil || got.Ports.Used != 3 || got.Ports.Available != 88 {
		t.Errorf("ports = %+v", got.Ports)
	}

	// 取得に失敗してもヘルスチェック自体は成功する
	router = newTestRouter(&RouterDeps{Ports: &mockPortStatter{err: errors.New("db")}})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

// --- POST /webhook/proxy ---

func TestWebhookProxy_ForwardsToQueryTarget(t *testing.T) {
	sender := &mockDeliverer{}
	router := newTestRouter(&RouterDeps{WebhookSender: sender})

	body := `{"message":"hi","media":{"type":"messageMediaGeo"},"raw":{"message":{"media":{"geo":{"lat":35.6,"long":139.7}}}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/proxy?target_url=https://example.com/in", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if sender.lastURL != "https://example.com/in" {
		t.Errorf("url = %q", sender.lastURL)
	}
	payload, ok := sender.lastBody.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T", sender.lastBody)
	}
	media, _ := payload["media"].(map[string]any)
	if media["lat"] != 35.6 || media["longitude"] != 139.7 {
		t.Errorf("位置情報が補完されていない: media = %v", media)
	}
}

func TestWebhookProxy_HeaderTarget(t *testing.T) {
	sender := &mockDeliverer{}
	router := newTestRouter(&RouterDeps{WebhookSender: sender})

	req := httptest.NewRequest(http.MethodPost, "/webhook/proxy", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set(TargetWebhookHeader, "https://example.com/header")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if sender.lastURL != "https://example.com/header" {
		t.Errorf("url = %q", sender.lastURL)
	}
}

func TestWebhookProxy_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		body      string
		validator URLValidator
	}{
		{"転送先なし", "", `{"message":"hi"}`, nil},
		{"オブジェクト以外", "https://example.com", `["a"]`, nil},
		{"不正なJSON", "https://example.com", `{`, nil},
		{"URL検証エラー", "http://10.0.0.1", `{"message":"hi"}`, func(string) error { return errors.New("blocked") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockDeliverer{}
			router := newTestRouter(&RouterDeps{WebhookSender: sender, URLValidator: tt.validator})

			req := httptest.NewRequest(http.MethodPost, "/webhook/proxy", bytes.NewBufferString(tt.body))
			if tt.target != "" {
				req.Header.Set(TargetWebhookHeader, tt.target)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if sender.calls != 0 {
				t.Errorf("Deliver calls = %d, want 0", sender.calls)
			}
		})
	}
}

func TestWebhookProxy_DeliveryFailure(t *testing.T) {
	sender := &mockDeliverer{
		deliverFn: func(ctx context.Context, url string, payload any) error {
			return errors.New("status 500")
		},
	}
	router := newTestRouter(&RouterDeps{WebhookSender: sender})

	req := httptest.NewRequest(http.MethodPost, "/webhook/proxy?target_url=https://example.com", bytes.NewBufferString(`{"a":1}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body["code"] != model.ErrCodeWebhookFailed {
		t.Errorf("code = %v", body["code"])
	}
}

// --- ルーティング ---

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(&RouterDeps{MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})})

	paths := []string{
		"/v1/login/start",
		"/v1/login/complete-code",
		"/v1/login/complete-2fa",
		"/v1/session/stop",
		"/v1/session/restart",
		"/v1/session/status",
		"/v1/send-message",
		"/v1/send-voice",
		"/v1/send-file",
		"/v1/get-history",
		"/v1/get-info",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			// 空ボディは検証エラーになるが、ルートは存在する
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, p, nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}

			w = httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("GET status = %d, want 405", w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusTeapot {
		t.Errorf("/metrics status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", w.Code)
	}
}

func TestRouter_MetricsDisabled(t *testing.T) {
	router := newTestRouter(&RouterDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	router := newTestRouter(&RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get(middleware.RequestIDHeader); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

// レート制限は /v1 配下のみに適用される。
func TestRouter_RateLimitOnlyOnV1(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 0.01, Burst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()
	router := newTestRouter(&RouterDeps{RateLimiter: rl})

	statusReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/session/status", bytes.NewBufferString(`{"session_name":"s"}`))
		req.RemoteAddr = "192.0.2.10:4000"
		return req
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, statusReq())
	if w.Code != http.StatusOK {
		t.Fatalf("first: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, statusReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status = %d, want 429", w.Code)
	}

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("/health: status = %d, want 200", w.Code)
		}
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	svc := &mockSessionService{
		statusFn: func(ctx context.Context, sessionName string) (*session.StatusResult, error) {
			panic("unexpected")
		},
	}
	router := newTestRouter(&RouterDeps{SessionService: svc})

	req := httptest.NewRequest(http.MethodPost, "/v1/session/status", bytes.NewBufferString(`{"session_name":"s"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != model.ErrCodeInternal {
		t.Errorf("code = %v", body["code"])
	}
}
