package model

import "time"

// AccountType はTelegramアカウントの種別を表す。
type AccountType string

const (
	AccountTypeUser AccountType = "user"
	AccountTypeBot  AccountType = "bot"
)

// Valid は既知の種別かどうかを返す。
func (t AccountType) Valid() bool {
	return t == AccountTypeUser || t == AccountTypeBot
}

// AccountStatus はセッションの認証ステートを表す。
type AccountStatus string

const (
	StatusCreating    AccountStatus = "creating"
	StatusWaitingCode AccountStatus = "waiting_code"
	StatusWaiting2FA  AccountStatus = "waiting_2fa"
	StatusReady       AccountStatus = "ready"
	StatusError       AccountStatus = "error"
	StatusStopped     AccountStatus = "stopped"
)

// transitions は許可されたステート遷移の表。
// error と stopped への遷移はどのステートからでも許可する。
var transitions = map[AccountStatus][]AccountStatus{
	StatusCreating:    {StatusCreating, StatusWaitingCode, StatusReady},
	StatusWaitingCode: {StatusCreating, StatusWaiting2FA, StatusReady},
	StatusWaiting2FA:  {StatusCreating, StatusReady},
	StatusReady:       {StatusCreating},
	StatusError:       {StatusCreating},
	StatusStopped:     {StatusCreating},
}

// CanTransition は from から to への遷移が許可されているかを返す。
func CanTransition(from, to AccountStatus) bool {
	if to == StatusError || to == StatusStopped {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContainerBinding はアカウントに紐づくブリッジコンテナの情報。
// name/port/id は常に一括で設定・解除される。
type ContainerBinding struct {
	Name string
	Port int
	ID   string
}

// Account はオーケストレーションの単位となるTelegramアカウント。
type Account struct {
	ID          int64
	AppID       int64
	Type        AccountType
	Phone       string
	BotToken    string
	SessionName string
	WebhookURL  string

	// Container はコンテナ未作成または破棄後はnil。
	Container *ContainerBinding

	Status    AccountStatus
	LastError string

	TelegramUserID string
	Username       string
	FirstName      string
	LastName       string

	MessagesSentCount int64
	LastActivityAt    *time.Time
	AuthorizedAt      *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasContainer はコンテナが割り当て済みかを返す。
func (a *Account) HasContainer() bool {
	return a.Container != nil
}

// IsReady はメッセージ送信可能な状態かを返す。
func (a *Account) IsReady() bool {
	return a.Status == StatusReady
}

// Profile はブリッジのgetSelfから得られる本人情報。
type Profile struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
	Phone     string
}

// MarkAuthorized は認証完了時の本人情報を反映し、readyに遷移させる。
func (a *Account) MarkAuthorized(p *Profile, now time.Time) {
	if p != nil {
		a.TelegramUserID = p.ID
		a.Username = p.Username
		a.FirstName = p.FirstName
		a.LastName = p.LastName
		if a.Phone == "" && a.Type == AccountTypeUser {
			a.Phone = p.Phone
		}
	}
	a.Status = StatusReady
	a.LastError = ""
	a.AuthorizedAt = &now
}

// MarkError はエラー状態に遷移させ、原因を記録する。
func (a *Account) MarkError(err error) {
	a.Status = StatusError
	if err != nil {
		a.LastError = err.Error()
	}
}
