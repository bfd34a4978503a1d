package listener

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/websocket"
)

// ErrIdle はアイドルタイムアウトまでにフレームが届かなかったことを示す。
// 接続エラーではなく、呼び出し側は受信を続けてよい。
var ErrIdle = errors.New("no frame within idle timeout")

// Target はイベントストリームの接続先。
type Target struct {
	URL      string
	Origin   string
	Username string
	Password string
}

// Conn はイベントストリームの接続。
type Conn interface {
	// Receive は次のフレームを受信する。idle以内に届かなければ ErrIdle を返す。
	Receive(idle time.Duration) ([]byte, error)
	Close() error
}

// Dialer はイベントストリームへの接続を確立する。
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// WebsocketDialer は golang.org/x/net/websocket を使うDialer。
type WebsocketDialer struct{}

// Dial はwebsocket接続を確立する。認証情報がある場合はBasic認証ヘッダを付与する。
func (WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	cfg, err := websocket.NewConfig(target.URL, target.Origin)
	if err != nil {
		return nil, fmt.Errorf("websocket設定の作成に失敗しました: %w", err)
	}
	if target.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(target.Username + ":" + target.Password))
		cfg.Header.Set("Authorization", "Basic "+token)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocketの接続に失敗しました: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive(idle time.Duration) ([]byte, error) {
	if idle > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return nil, err
		}
	}
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		if isTimeout(err) {
			return nil, ErrIdle
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
