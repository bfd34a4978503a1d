// Package bridge はコンテナ内で動作するTelegramブリッジのHTTP APIクライアントを提供する。
//
// すべての呼び出しはBasic認証付きで行い、トランスポートエラー・非2xx応答・
// success:false のエンベロープはいずれも *model.BridgeAPIError として返す。
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/tasgate/internal/model"
)

// DefaultTimeout はブリッジ呼び出しの既定タイムアウト。
const DefaultTimeout = 30 * time.Second

// Config はブリッジクライアントの設定。
type Config struct {
	Host     string // ブリッジが待ち受けるホスト（既定 127.0.0.1）
	Username string
	Password string
	Timeout  time.Duration
}

// Client はブリッジAPIクライアント。ポートごとに異なるコンテナへ接続する。
type Client struct {
	httpClient *http.Client
	host       string
	username   string
	password   string
	logger     *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		host:       cfg.Host,
		username:   cfg.Username,
		password:   cfg.Password,
		logger:     logger,
	}
}

// baseURL は指定ポートのブリッジのURLを返す。
func (c *Client) baseURL(port int) string {
	return "http://" + c.host + ":" + strconv.Itoa(port)
}

// EventsURL はイベントストリーム（websocket）のURLを返す。
func (c *Client) EventsURL(port int) string {
	return "ws://" + c.host + ":" + strconv.Itoa(port) + "/events"
}

// Origin はwebsocket接続時のOriginヘッダ値を返す。
func (c *Client) Origin(port int) string {
	return c.baseURL(port)
}

// BasicAuth はブリッジの認証ヘッダ値を返す。
func (c *Client) BasicAuth() (string, string) {
	return c.username, c.password
}

// envelope はブリッジの共通レスポンス形式。
type envelope struct {
	Success  *bool             `json:"success"`
	Errors   []json.RawMessage `json:"errors"`
	Response json.RawMessage   `json:"response"`
}

// get はクエリパラメータ付きのGETリクエストを送る。
func (c *Client) get(ctx context.Context, port int, endpoint string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL(port) + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &model.BridgeAPIError{Endpoint: endpoint, Err: redactURLError(err)}
	}
	return c.do(req, endpoint)
}

// post はJSONボディのPOSTリクエストを送る。
func (c *Client) post(ctx context.Context, port int, endpoint string, body any) (json.RawMessage, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &model.BridgeAPIError{Endpoint: endpoint, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(port)+endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, &model.BridgeAPIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, endpoint)
}

// do はリクエストを送信し、エンベロープを検証してresponseフィールドを返す。
func (c *Client) do(req *http.Request, endpoint string) (json.RawMessage, error) {
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = redactURLError(err)
		c.logger.Error("ブリッジAPIへのリクエストに失敗しました",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return nil, &model.BridgeAPIError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.BridgeAPIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("ブリッジAPIレスポンス",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &model.BridgeAPIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(body)), 512),
		}
	}

	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &model.BridgeAPIError{
				Endpoint:   endpoint,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("invalid JSON response: %w", err),
			}
		}
	}
	if env.Success != nil && !*env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = errorMessage(env.Errors[0])
		}
		return nil, &model.BridgeAPIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: msg}
	}
	return env.Response, nil
}

// redactURLError は*url.Errorに含まれるURLからクエリを取り除く。
// クエリにはパスワードや認証コードが載るため、ログや戻り値に残してはならない。
func redactURLError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	redacted := ue.URL
	if i := strings.IndexByte(redacted, '?'); i >= 0 {
		redacted = redacted[:i] + "?[REDACTED]"
	}
	return &url.Error{Op: ue.Op, URL: redacted, Err: ue.Err}
}

// errorMessage はerrors配列の1要素から表示用メッセージを取り出す。
// 文字列、またはmessageキーを持つオブジェクトを想定し、それ以外はJSONのまま返す。
func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Code != nil {
			return fmt.Sprintf("%v: %s", obj.Code, obj.Message)
		}
		return obj.Message
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
