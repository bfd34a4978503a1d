package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
)

// SendResult は送信系APIの結果。
type SendResult struct {
	MessageID int64
	Raw       json.RawMessage
}

// localFile はブリッジのファイルシステム上のファイル参照。
type localFile struct {
	Type string `json:"_"`
	File string `json:"file"`
}

type sendMessageRequest struct {
	Peer      string `json:"peer"`
	Message   string `json:"message"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type sendFileRequest struct {
	Peer      string    `json:"peer"`
	File      localFile `json:"file"`
	Caption   string    `json:"caption,omitempty"`
	ParseMode string    `json:"parseMode,omitempty"`
}

// SendMessage はテキストメッセージを送信する。
func (c *Client) SendMessage(ctx context.Context, port int, session, peer, message, parseMode string) (*SendResult, error) {
	endpoint := "/api/" + url.PathEscape(session) + "/messages.sendMessage"
	raw, err := c.post(ctx, port, endpoint, sendMessageRequest{Peer: peer, Message: message, ParseMode: parseMode})
	if err != nil {
		return nil, err
	}
	return c.sendResult(raw, endpoint, port, peer), nil
}

// SendVoice は音声メッセージを送信する。pathはブリッジ側から参照できるファイルパス。
func (c *Client) SendVoice(ctx context.Context, port int, session, peer, path, caption string) (*SendResult, error) {
	endpoint := "/api/" + url.PathEscape(session) + "/sendVoice"
	body := sendFileRequest{
		Peer:    peer,
		File:    localFile{Type: "LocalUrl", File: path},
		Caption: caption,
	}
	raw, err := c.post(ctx, port, endpoint, body)
	if err != nil {
		return nil, err
	}
	return c.sendResult(raw, endpoint, port, peer), nil
}

// SendDocument はファイルを送信する。
func (c *Client) SendDocument(ctx context.Context, port int, session, peer, path, caption, parseMode string) (*SendResult, error) {
	endpoint := "/api/" + url.PathEscape(session) + "/sendDocument"
	body := sendFileRequest{
		Peer:      peer,
		File:      localFile{Type: "LocalUrl", File: path},
		Caption:   caption,
		ParseMode: parseMode,
	}
	raw, err := c.post(ctx, port, endpoint, body)
	if err != nil {
		return nil, err
	}
	return c.sendResult(raw, endpoint, port, peer), nil
}

// GetHistory はpeerとのメッセージ履歴を取得する。
func (c *Client) GetHistory(ctx context.Context, port int, peer string, limit, offsetID int) (json.RawMessage, error) {
	params := url.Values{
		"peer":      {peer},
		"limit":     {strconv.Itoa(limit)},
		"offset_id": {strconv.Itoa(offsetID)},
	}
	return c.get(ctx, port, "/api/messages.getHistory", params)
}

// GetInfo はユーザー・チャット・チャンネルの情報を取得する。
func (c *Client) GetInfo(ctx context.Context, port int, id string) (json.RawMessage, error) {
	return c.get(ctx, port, "/api/getInfo", url.Values{"id": {id}})
}

// sendResult はレスポンスからメッセージIDを取り出す。
// 送信系APIはmessageオブジェクトまたはupdatesを返すため、取り出せない場合は0とする。
func (c *Client) sendResult(raw json.RawMessage, endpoint string, port int, peer string) *SendResult {
	res := &SendResult{Raw: raw}
	var msg struct {
		ID int64 `json:"id"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &msg) == nil {
		res.MessageID = msg.ID
	}
	c.logger.Info("メッセージを送信しました",
		slog.String("endpoint", endpoint),
		slog.Int("port", port),
		slog.String("peer", peer),
		slog.Int64("message_id", res.MessageID),
	)
	return res
}
