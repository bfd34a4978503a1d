package docker

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/url"
	"strconv"
)

// frameHeaderSize は多重化ログの各フレームヘッダの長さ。
// [stream(1) 0 0 0 size(4, big endian)]
const frameHeaderSize = 8

// FetchLogs はコンテナの標準出力と標準エラーの末尾tail行を取得し、
// フレームヘッダを除去したテキストを返す。
func (c *Client) FetchLogs(ctx context.Context, name string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	q := url.Values{}
	q.Set("stdout", "true")
	q.Set("stderr", "true")
	q.Set("tail", strconv.Itoa(tail))

	resp, err := c.do(ctx, c.cfg.RequestTimeout, http.MethodGet, "/containers/"+url.PathEscape(name)+"/logs", q, nil)
	if err != nil {
		return "", c.containerErr("logs", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.containerErr("logs", name, resp.statusError())
	}
	return string(Demux(resp.Body)), nil
}

// Demux は多重化されたログストリームからペイロードだけを連結して返す。
// サイズ0のフレーム、または途中で切れたフレームに達した時点で解析を終える。
func Demux(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	offset := 0
	for offset+frameHeaderSize <= len(raw) {
		size := int(binary.BigEndian.Uint32(raw[offset+4 : offset+frameHeaderSize]))
		start := offset + frameHeaderSize
		if size == 0 || start+size > len(raw) {
			break
		}
		out = append(out, raw[start:start+size]...)
		offset = start + size
	}
	return out
}
