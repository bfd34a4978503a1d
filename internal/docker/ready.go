package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// readyPath はブリッジの起動確認に使うエンドポイント。
const readyPath = "/system/getSessionList"

// WaitUntilReady はブリッジが応答するまでポーリングする。
// HealthTimeout以内に2xxが返らない場合はContainerErrorを返す。
func (c *Client) WaitUntilReady(ctx context.Context, name string, hostPort int) error {
	endpoint := "http://" + c.cfg.BridgeHost + ":" + strconv.Itoa(hostPort) + readyPath
	deadline := time.Now().Add(c.cfg.HealthTimeout)
	attempts := 0

	for {
		attempts++
		if c.probe(ctx, endpoint) {
			c.logger.Info("ブリッジが起動しました",
				slog.String("name", name),
				slog.Int("host_port", hostPort),
				slog.Int("attempts", attempts),
			)
			return nil
		}

		if !time.Now().Add(c.cfg.HealthInterval).Before(deadline) {
			return c.containerErr("wait_ready", name,
				fmt.Errorf("bridge did not become ready within %s", c.cfg.HealthTimeout))
		}

		timer := time.NewTimer(c.cfg.HealthInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.containerErr("wait_ready", name, ctx.Err())
		case <-timer.C:
		}
	}
}

// probe はブリッジに1回問い合わせ、2xxならtrueを返す。
func (c *Client) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	if c.cfg.BridgeUsername != "" {
		req.SetBasicAuth(c.cfg.BridgeUsername, c.cfg.BridgePassword)
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
