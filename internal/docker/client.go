// Package docker はDocker Engine HTTP APIを用いたブリッジコンテナの操作を提供する。
// コンテナ・ボリューム・イメージの管理、ログの多重化解除、起動待ちを含む。
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/tasgate/internal/metrics"
	"github.com/hitoshi/tasgate/internal/model"
)

// ErrDockerUnavailable はDockerデーモンに接続できない場合のエラー。
var ErrDockerUnavailable = errors.New("docker daemon is not available")

const (
	// bridgeInternalPort はコンテナ内でブリッジが待ち受けるポート。
	bridgeInternalPort = "9503/tcp"
	// sessionVolumePrefix はセッション永続化ボリューム名の接頭辞。
	sessionVolumePrefix = "tas_session_"
	// sessionLabel はコンテナに付与するセッション名ラベル。
	sessionLabel = "tasgate.session"
	// maxErrorBody はエラー時に読み取るレスポンスボディの上限。
	maxErrorBody = 64 * 1024
)

// Config はDockerクライアントとブリッジコンテナの設定。
type Config struct {
	Host       string // unix:///var/run/docker.sock, tcp://host:port, http://host:port
	APIVersion string // v1.43
	Image      string
	CodePath   string // 空の場合はイメージ同梱のコードを使う
	CodeRepo   string

	BridgeHost     string
	BridgeUsername string
	BridgePassword string
	IPWhitelist    string
	Passwords      string

	HealthTimeout  time.Duration
	HealthInterval time.Duration
	RequestTimeout time.Duration
	PullTimeout    time.Duration
}

// Client はDocker Engine APIのクライアント。
type Client struct {
	httpClient  *http.Client
	probeClient *http.Client
	baseURL     string // テスト用に差し替え可能
	cfg         Config
	code        CodeBootstrapper
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewClient はClientを生成する。
// DOCKER_HOSTがunix://の場合はUnixソケット経由で接続する。
// mcはnilでもよい。
func NewClient(cfg Config, logger *slog.Logger, mc metrics.MetricsCollector) (*Client, error) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1.43"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = 300 * time.Second
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 30 * time.Second
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	if cfg.BridgeHost == "" {
		cfg.BridgeHost = "127.0.0.1"
	}

	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	var base string
	switch {
	case strings.HasPrefix(cfg.Host, "unix://"):
		socketPath := strings.TrimPrefix(cfg.Host, "unix://")
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		base = "http://docker"
	case strings.HasPrefix(cfg.Host, "tcp://"):
		base = "http://" + strings.TrimPrefix(cfg.Host, "tcp://")
	case strings.HasPrefix(cfg.Host, "http://"), strings.HasPrefix(cfg.Host, "https://"):
		base = strings.TrimSuffix(cfg.Host, "/")
	default:
		return nil, fmt.Errorf("unsupported DOCKER_HOST: %q", cfg.Host)
	}

	return &Client{
		httpClient:  &http.Client{Transport: transport},
		probeClient: &http.Client{Timeout: 3 * time.Second},
		baseURL:     base + "/" + strings.TrimPrefix(cfg.APIVersion, "/"),
		cfg:         cfg,
		code:        NewGitBootstrapper(cfg.CodeRepo, logger),
		logger:      logger,
		metrics:     mc,
	}, nil
}

// SetCodeBootstrapper はコード取得処理を差し替える。
func (c *Client) SetCodeBootstrapper(b CodeBootstrapper) {
	c.code = b
}

// apiResponse はDocker APIのレスポンス。ボディは読み取り済み。
type apiResponse struct {
	StatusCode int
	Body       []byte
}

// errorMessage はDocker APIのエラーボディ {"message": "..."} から本文を取り出す。
func (r *apiResponse) errorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(r.Body))
}

// statusError はステータスコードとエラー本文からerrorを生成する。
func (r *apiResponse) statusError() error {
	return fmt.Errorf("docker api returned status %d: %s", r.StatusCode, r.errorMessage())
}

// do はDocker APIにリクエストを送り、レスポンスボディを読み切って返す。
// 接続エラーは ErrDockerUnavailable でラップする。
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values, body any) (*apiResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDockerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 && len(data) > maxErrorBody {
		data = data[:maxErrorBody]
	}

	return &apiResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

// record はメトリクスコレクタが設定されていればコンテナ操作を記録する。
func (c *Client) record(op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordContainerOp(op, err == nil)
	}
}

// containerErr はContainerErrorを生成し、ログに記録する。
func (c *Client) containerErr(op, name string, err error) error {
	c.logger.Error("Docker操作に失敗しました",
		slog.String("op", op),
		slog.String("name", name),
		slog.String("error", err.Error()),
	)
	return &model.ContainerError{Op: op, Name: name, Err: err}
}

// VolumeName はセッションの永続化ボリューム名を返す。
func VolumeName(sessionName string) string {
	return sessionVolumePrefix + sessionName
}
