package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ImageExists はイメージがローカルに存在するかを返す。
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodGet, "/images/"+ref+"/json", nil, nil)
	if err != nil {
		return false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, resp.statusError()
	}
}

// PullImage はイメージをレジストリから取得する。
// Docker APIは取得の進捗をストリームで返し、途中のエラーもボディに含むため
// ボディ内の "error" キーも失敗として扱う。
func (c *Client) PullImage(ctx context.Context, ref string) (err error) {
	defer func() { c.record("pull", err) }()

	image, tag := splitImageRef(ref)
	q := url.Values{}
	q.Set("fromImage", image)
	q.Set("tag", tag)

	c.logger.Info("イメージを取得します", slog.String("image", ref))
	resp, err := c.do(ctx, c.cfg.PullTimeout, http.MethodPost, "/images/create", q, nil)
	if err != nil {
		return c.containerErr("pull", ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		return c.containerErr("pull", ref, resp.statusError())
	}
	if strings.Contains(string(resp.Body), `"error"`) {
		return c.containerErr("pull", ref, fmt.Errorf("pull stream reported error: %s", lastLine(resp.Body)))
	}
	c.logger.Info("イメージを取得しました", slog.String("image", ref))
	return nil
}

// ensureImage はイメージが無ければ取得する。
func (c *Client) ensureImage(ctx context.Context, ref string) error {
	exists, err := c.ImageExists(ctx, ref)
	if err != nil {
		return c.containerErr("image", ref, err)
	}
	if exists {
		return nil
	}
	return c.PullImage(ctx, ref)
}

// splitImageRef は "repo:tag" をrepoとtagに分ける。tagが無い場合は latest。
// レジストリのポート指定 (host:5000/repo) はタグとして扱わない。
func splitImageRef(ref string) (string, string) {
	if i := strings.Index(ref, "@"); i >= 0 {
		return ref, ""
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

func lastLine(b []byte) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	return lines[len(lines)-1]
}
