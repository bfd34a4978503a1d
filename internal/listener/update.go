package listener

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// updateNewMessage は新着メッセージの更新種別。
const updateNewMessage = "updateNewMessage"

// ErrNotObject はフレームがJSONオブジェクトでない場合のエラー。
var ErrNotObject = errors.New("frame is not a JSON object")

// Update はブリッジのイベントストリームから受信した1件の更新。
// 生の更新（トップレベルに "_" を持つ）と、確認応答用のラッパー
// （{"update": {...}}）のどちらも同じ形に正規化する。
type Update struct {
	Type    string
	Message json.RawMessage
	Raw     json.RawMessage // 受信したフレームそのもの
}

type rawUpdate struct {
	Type    string          `json:"_"`
	Message json.RawMessage `json:"message"`
	Update  json.RawMessage `json:"update"`
}

// DecodeUpdate はフレームを Update にデコードする。
// JSONとして不正なフレームやオブジェクト以外はエラーを返す。
func DecodeUpdate(frame []byte) (*Update, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, errors.New("invalid JSON frame")
		}
		return nil, ErrNotObject
	}

	var outer rawUpdate
	if err := json.Unmarshal(trimmed, &outer); err != nil {
		return nil, err
	}

	u := &Update{Raw: json.RawMessage(trimmed)}
	if outer.Type == "" && isObject(outer.Update) {
		var inner rawUpdate
		if err := json.Unmarshal(outer.Update, &inner); err != nil {
			return nil, err
		}
		u.Type = inner.Type
		u.Message = inner.Message
		return u, nil
	}
	u.Type = outer.Type
	u.Message = outer.Message
	return u, nil
}

// newMessage はupdateNewMessageのmessage部分のうち転送に使うフィールド。
type newMessage struct {
	ID     int64           `json:"id"`
	FromID json.RawMessage `json:"from_id"`
	PeerID json.RawMessage `json:"peer_id"`
	Text   string          `json:"message"`
	Date   int64           `json:"date"`
	Out    bool            `json:"out"`
}

func (u *Update) parseMessage() (*newMessage, bool) {
	if u == nil || u.Type != updateNewMessage || !isObject(u.Message) {
		return nil, false
	}
	var m newMessage
	if err := json.Unmarshal(u.Message, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// IsPrivateMessage は1対1のメッセージかどうかを判定する。
//
// updateNewMessage であり、送信者と宛先の両方が数値IDで、かつ互いに異なる場合に真。
// IDは整数値、または user_id が整数の peerUser 形式のオブジェクトを数値として扱う。
// chat_id / channel_id のpeerや文字列のIDは数値とみなさないため、
// peerUser かどうかだけを見る判定もこの規則に含まれる。
func IsPrivateMessage(u *Update) bool {
	m, ok := u.parseMessage()
	if !ok {
		return false
	}
	from, ok := numericID(m.FromID)
	if !ok {
		return false
	}
	peer, ok := numericID(m.PeerID)
	if !ok {
		return false
	}
	return from != peer
}

// numericID はIDフィールドから整数値を取り出す。
func numericID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	if raw[0] == '{' {
		var peer struct {
			UserID json.RawMessage `json:"user_id"`
		}
		if err := json.Unmarshal(raw, &peer); err != nil {
			return 0, false
		}
		return integer(peer.UserID)
	}
	return integer(raw)
}

// integer はJSONの整数リテラルのみを受け付ける。小数・指数表記・文字列は不可。
func integer(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, false
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// Event はWebhookへ転送する正規化済みのペイロード。
type Event struct {
	SessionName string          `json:"session_name"`
	UpdateType  string          `json:"update_type"`
	MessageID   int64           `json:"message_id"`
	FromID      int64           `json:"from_id"`
	PeerID      int64           `json:"peer_id"`
	Message     string          `json:"message"`
	Date        int64           `json:"date"`
	Out         bool            `json:"out"`
	Raw         json.RawMessage `json:"raw"`
}

// NewEvent はプライベートメッセージの Update から Event を組み立てる。
// IsPrivateMessage を満たさない場合はfalseを返す。
func NewEvent(sessionName string, u *Update) (*Event, bool) {
	if !IsPrivateMessage(u) {
		return nil, false
	}
	m, _ := u.parseMessage()
	from, _ := numericID(m.FromID)
	peer, _ := numericID(m.PeerID)
	return &Event{
		SessionName: sessionName,
		UpdateType:  u.Type,
		MessageID:   m.ID,
		FromID:      from,
		PeerID:      peer,
		Message:     m.Text,
		Date:        m.Date,
		Out:         m.Out,
		Raw:         u.Raw,
	}, true
}
