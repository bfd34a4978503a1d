package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"

	"github.com/hitoshi/tasgate/internal/logger"
	"github.com/hitoshi/tasgate/internal/model"
)

// passwordChallenge はcompletePhoneLoginが2段階認証を要求した場合のレスポンス種別。
const passwordChallenge = "account.password"

// CodeResult はcompletePhoneLoginの結果。
type CodeResult struct {
	PasswordRequired bool
	Hint             string
	Raw              json.RawMessage
}

// AddSession はセッションをブリッジに登録する。
func (c *Client) AddSession(ctx context.Context, port int, session string) error {
	if _, err := c.get(ctx, port, "/system/addSession", url.Values{"session": {session}}); err != nil {
		return err
	}
	c.logger.Info("セッションを登録しました", slog.Int("port", port), slog.String("session", session))
	return nil
}

// SaveSessionSettings はセッションにapi_id / api_hashを設定する。
func (c *Client) SaveSessionSettings(ctx context.Context, port int, session, apiID, apiHash string) error {
	params := url.Values{
		"session":                      {session},
		"settings[app_info][app_id]":   {apiID},
		"settings[app_info][app_hash]": {apiHash},
	}
	_, err := c.get(ctx, port, "/system/saveSessionSettings", params)
	return err
}

// SetWebhook はブリッジ側のwebhook転送先を設定する。
func (c *Client) SetWebhook(ctx context.Context, port int, webhookURL string) error {
	_, err := c.get(ctx, port, "/api/setWebhook", url.Values{"url": {webhookURL}})
	return err
}

// PhoneLogin は電話番号によるログインを開始し、確認コードを送信させる。
func (c *Client) PhoneLogin(ctx context.Context, port int, session, phone string) error {
	if _, err := c.get(ctx, port, "/api/"+url.PathEscape(session)+"/phoneLogin", url.Values{"phone": {phone}}); err != nil {
		return err
	}
	c.logger.Info("電話番号ログインを開始しました",
		slog.Int("port", port),
		slog.String("session", session),
		slog.String("phone", logger.MaskPhone(phone)),
	)
	return nil
}

// CompletePhoneLogin は確認コードを送信する。
// 2段階認証が必要な場合は PasswordRequired が true になる。
func (c *Client) CompletePhoneLogin(ctx context.Context, port int, session, code string) (*CodeResult, error) {
	raw, err := c.get(ctx, port, "/api/"+url.PathEscape(session)+"/completePhoneLogin", url.Values{"code": {code}})
	if err != nil {
		return nil, err
	}

	res := &CodeResult{Raw: raw}
	var kind struct {
		Type string `json:"_"`
		Hint string `json:"hint"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &kind) == nil && kind.Type == passwordChallenge {
		res.PasswordRequired = true
		res.Hint = kind.Hint
	}
	c.logger.Info("確認コードを送信しました",
		slog.Int("port", port),
		slog.String("session", session),
		slog.Bool("password_required", res.PasswordRequired),
	)
	return res, nil
}

// Complete2FALogin は2段階認証のパスワードを送信する。
func (c *Client) Complete2FALogin(ctx context.Context, port int, session, password string) error {
	if _, err := c.get(ctx, port, "/api/"+url.PathEscape(session)+"/complete2faLogin", url.Values{"password": {password}}); err != nil {
		return err
	}
	c.logger.Info("2段階認証を完了しました", slog.Int("port", port), slog.String("session", session))
	return nil
}

// BotLogin はボットトークンでログインする。
func (c *Client) BotLogin(ctx context.Context, port int, session, token string) error {
	if _, err := c.get(ctx, port, "/api/"+url.PathEscape(session)+"/botLogin", url.Values{"token": {token}}); err != nil {
		return err
	}
	c.logger.Info("ボットログインを完了しました", slog.Int("port", port), slog.String("session", session))
	return nil
}

// selfResponse はgetSelfのresponse部分。idは数値で返る。
type selfResponse struct {
	ID        json.Number `json:"id"`
	Username  string      `json:"username"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Phone     string      `json:"phone"`
}

// GetSelf は認証済みアカウントのプロフィールを返す。
func (c *Client) GetSelf(ctx context.Context, port int) (*model.Profile, error) {
	raw, err := c.get(ctx, port, "/api/getSelf", nil)
	if err != nil {
		return nil, err
	}

	var self selfResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &self); err != nil {
			return nil, &model.BridgeAPIError{Endpoint: "/api/getSelf", Message: "invalid profile", Err: err}
		}
	}
	return &model.Profile{
		ID:        self.ID.String(),
		Username:  self.Username,
		FirstName: self.FirstName,
		LastName:  self.LastName,
		Phone:     self.Phone,
	}, nil
}
