package docker

import (
	"context"
	"net/http"
	"net/url"
)

// CreateVolume はローカルボリュームを作成する。既に存在する場合は成功として扱う。
func (c *Client) CreateVolume(ctx context.Context, name string) (err error) {
	defer func() { c.record("volume_create", err) }()

	body := map[string]string{"Name": name, "Driver": "local"}
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodPost, "/volumes/create", nil, body)
	if err != nil {
		return c.containerErr("volume_create", name, err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return c.containerErr("volume_create", name, resp.statusError())
	}
	return nil
}

// RemoveVolume はボリュームを削除する。存在しない場合は成功として扱う。
func (c *Client) RemoveVolume(ctx context.Context, name string) (err error) {
	defer func() { c.record("volume_remove", err) }()

	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodDelete, "/volumes/"+url.PathEscape(name), nil, nil)
	if err != nil {
		return c.containerErr("volume_remove", name, err)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return c.containerErr("volume_remove", name, resp.statusError())
	}
	return nil
}
