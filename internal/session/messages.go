package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hitoshi/tasgate/internal/bridge"
	"github.com/hitoshi/tasgate/internal/model"
)

// ParseModeHTML はHTML形式のparse_mode。
const ParseModeHTML = "HTML"

// SendResult は送信系操作の結果。
type SendResult struct {
	SessionName string          `json:"session_name"`
	MessageID   int64           `json:"message_id,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
}

// readyAccount は送信可能なアカウントを取得する。
// readyでない場合やコンテナが無い場合は InvalidStateError を返す。
func (o *Orchestrator) readyAccount(ctx context.Context, sessionName string) (*model.Account, error) {
	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(acc, model.StatusReady); err != nil {
		return nil, err
	}
	return acc, nil
}

// SendMessage はテキストメッセージを送信する。
// parse_modeがHTMLの場合はTelegramが受け付けるタグ以外を除去してから送信する。
func (o *Orchestrator) SendMessage(ctx context.Context, sessionName, peer, message, parseMode string) (*SendResult, error) {
	acc, err := o.readyAccount(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	if parseMode == ParseModeHTML && o.sanitizer != nil {
		message = o.sanitizer.Sanitize(message)
	}

	res, err := o.bridge.SendMessage(ctx, acc.Container.Port, acc.SessionName, peer, message, parseMode)
	if err != nil {
		o.logSendFailure(acc, "message", err)
		return nil, err
	}
	return o.sent(ctx, acc, res), nil
}

// SendVoice はブリッジ上のファイルを音声メッセージとして送信する。
func (o *Orchestrator) SendVoice(ctx context.Context, sessionName, peer, path, caption string) (*SendResult, error) {
	acc, err := o.readyAccount(ctx, sessionName)
	if err != nil {
		return nil, err
	}

	res, err := o.bridge.SendVoice(ctx, acc.Container.Port, acc.SessionName, peer, path, caption)
	if err != nil {
		o.logSendFailure(acc, "voice", err)
		return nil, err
	}
	return o.sent(ctx, acc, res), nil
}

// SendFile はブリッジ上のファイルをドキュメントとして送信する。
func (o *Orchestrator) SendFile(ctx context.Context, sessionName, peer, path, caption, parseMode string) (*SendResult, error) {
	acc, err := o.readyAccount(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	if parseMode == ParseModeHTML && o.sanitizer != nil {
		caption = o.sanitizer.Sanitize(caption)
	}

	res, err := o.bridge.SendDocument(ctx, acc.Container.Port, acc.SessionName, peer, path, caption, parseMode)
	if err != nil {
		o.logSendFailure(acc, "file", err)
		return nil, err
	}
	return o.sent(ctx, acc, res), nil
}

// GetHistory はチャット履歴をブリッジの応答のまま返す。
func (o *Orchestrator) GetHistory(ctx context.Context, sessionName, peer string, limit, offsetID int) (json.RawMessage, error) {
	acc, err := o.readyAccount(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	return o.bridge.GetHistory(ctx, acc.Container.Port, peer, limit, offsetID)
}

// GetInfo はユーザーやチャットの情報をブリッジの応答のまま返す。
func (o *Orchestrator) GetInfo(ctx context.Context, sessionName, id string) (json.RawMessage, error) {
	acc, err := o.readyAccount(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	return o.bridge.GetInfo(ctx, acc.Container.Port, id)
}

// sent は送信成功を記録する。カウンタ更新の失敗は送信結果に影響させない。
func (o *Orchestrator) sent(ctx context.Context, acc *model.Account, res *bridge.SendResult) *SendResult {
	if err := o.accounts.IncrementMessageCount(context.WithoutCancel(ctx), acc.ID, o.now()); err != nil {
		o.logger.Warn("送信数の更新に失敗しました",
			slog.String("session_name", acc.SessionName),
			slog.String("error", err.Error()),
		)
	}

	out := &SendResult{SessionName: acc.SessionName}
	if res != nil {
		out.MessageID = res.MessageID
		out.Response = res.Raw
	}
	return out
}

func (o *Orchestrator) logSendFailure(acc *model.Account, kind string, err error) {
	o.logger.Error("メッセージの送信に失敗しました",
		slog.String("session_name", acc.SessionName),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}
