package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DaemonInfo はDockerデーモンの概要。
type DaemonInfo struct {
	Containers        int    `json:"Containers"`
	ContainersRunning int    `json:"ContainersRunning"`
	Images            int    `json:"Images"`
	ServerVersion     string `json:"ServerVersion"`
	OperatingSystem   string `json:"OperatingSystem"`
	Architecture      string `json:"Architecture"`
	MemTotal          int64  `json:"MemTotal"`
	NCPU              int    `json:"NCPU"`
}

// Info はDockerデーモンの概要を取得する。
func (c *Client) Info(ctx context.Context) (*DaemonInfo, error) {
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodGet, "/info", nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", ErrDockerUnavailable, resp.statusError())
	}
	var info DaemonInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode docker info: %w", err)
	}
	return &info, nil
}

// Ping はDockerデーモンに接続できるかを確認する。
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Info(ctx)
	return err
}
