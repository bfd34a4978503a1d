// Package session はTelegramセッションのライフサイクルを管理する。
//
// Orchestrator はポートの割り当て、ブリッジコンテナの作成と停止、
// 認証ステートの遷移、イベントリスナーの起動を一連の操作として実行する。
// 同一セッション名に対するライフサイクル操作はセッション単位のロックで直列化する。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tasgate/internal/bridge"
	"github.com/hitoshi/tasgate/internal/logger"
	"github.com/hitoshi/tasgate/internal/metrics"
	"github.com/hitoshi/tasgate/internal/model"
	"github.com/hitoshi/tasgate/internal/repository"
	"github.com/hitoshi/tasgate/internal/security"
)

// containerPrefix はセッション用コンテナ名の接頭辞。
const containerPrefix = "tas_"

// readyFailureLogTail は起動待ちに失敗したときに記録するコンテナログの行数。
const readyFailureLogTail = 50

// ContainerDriver はOrchestratorが使うコンテナ操作。*docker.Client が満たす。
type ContainerDriver interface {
	CreateContainer(ctx context.Context, name string, hostPort int, sessionName, apiID, apiHash string) (string, error)
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	IsRunning(ctx context.Context, name string) bool
	WaitUntilReady(ctx context.Context, name string, hostPort int) error
	FetchLogs(ctx context.Context, name string, tail int) (string, error)
}

// PortAllocator はホストポートの割り当て。*portalloc.Allocator が満たす。
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
	Release(ctx context.Context, port int) error
	Renew(ctx context.Context, port int) (bool, error)
}

// Bridge はブリッジAPI。*bridge.Client が満たす。
type Bridge interface {
	AddSession(ctx context.Context, port int, session string) error
	SaveSessionSettings(ctx context.Context, port int, session, apiID, apiHash string) error
	SetWebhook(ctx context.Context, port int, webhookURL string) error
	PhoneLogin(ctx context.Context, port int, session, phone string) error
	CompletePhoneLogin(ctx context.Context, port int, session, code string) (*bridge.CodeResult, error)
	Complete2FALogin(ctx context.Context, port int, session, password string) error
	BotLogin(ctx context.Context, port int, session, token string) error
	GetSelf(ctx context.Context, port int) (*model.Profile, error)
	SendMessage(ctx context.Context, port int, session, peer, message, parseMode string) (*bridge.SendResult, error)
	SendVoice(ctx context.Context, port int, session, peer, path, caption string) (*bridge.SendResult, error)
	SendDocument(ctx context.Context, port int, session, peer, path, caption, parseMode string) (*bridge.SendResult, error)
	GetHistory(ctx context.Context, port int, peer string, limit, offsetID int) (json.RawMessage, error)
	GetInfo(ctx context.Context, port int, id string) (json.RawMessage, error)
}

// ListenerSupervisor はアカウントごとのイベントリスナーを管理する。*listener.Supervisor が満たす。
type ListenerSupervisor interface {
	Start(accountID int64)
	Cancel(accountID int64) bool
}

// Deps はOrchestratorの依存関係。
type Deps struct {
	Apps      repository.AppRepository
	Accounts  repository.AccountRepository
	Docker    ContainerDriver
	Ports     PortAllocator
	Bridge    Bridge
	Listeners ListenerSupervisor
	Sanitizer security.ContentSanitizerService
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
}

// Orchestrator はセッションのライフサイクルを管理する。
type Orchestrator struct {
	apps      repository.AppRepository
	accounts  repository.AccountRepository
	docker    ContainerDriver
	ports     PortAllocator
	bridge    Bridge
	listeners ListenerSupervisor
	sanitizer security.ContentSanitizerService
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	locks          *keyedMutex
	now            func() time.Time
	newSessionName func() string
}

// New はOrchestratorを生成する。
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		apps:           d.Apps,
		accounts:       d.Accounts,
		docker:         d.Docker,
		ports:          d.Ports,
		bridge:         d.Bridge,
		listeners:      d.Listeners,
		sanitizer:      d.Sanitizer,
		logger:         d.Logger,
		metrics:        d.Metrics,
		locks:          newKeyedMutex(),
		now:            time.Now,
		newSessionName: func() string { return "session_" + uuid.NewString() },
	}
}

// ContainerName はアカウントIDからコンテナ名を返す。
func ContainerName(accountID int64) string {
	return containerPrefix + strconv.FormatInt(accountID, 10)
}

// ContainerPrefix はセッション用コンテナ名の接頭辞を返す。
func ContainerPrefix() string {
	return containerPrefix
}

// LoginSpec はStartLoginの入力。
type LoginSpec struct {
	APIID         string
	APIHash       string
	Type          model.AccountType
	Phone         string
	BotToken      string
	WebhookURL    string
	SessionName   string // 空の場合は生成する
	ForceRecreate bool
}

// ContainerView はレスポンスに含めるコンテナ情報。
type ContainerView struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	ID   string `json:"id"`
}

// ProfileView はレスポンスに含める本人情報。
type ProfileView struct {
	ID        string `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// LoginResult はStartLoginの結果。
type LoginResult struct {
	SessionName string              `json:"session_name"`
	Status      model.AccountStatus `json:"status"`
	NeedsCode   bool                `json:"needs_code"`
	Needs2FA    bool                `json:"needs_2fa"`
	Container   *ContainerView      `json:"container,omitempty"`
	Profile     *ProfileView        `json:"user_data,omitempty"`
}

// AuthResult はCompleteCode / Complete2FAの結果。
type AuthResult struct {
	SessionName string              `json:"session_name"`
	Status      model.AccountStatus `json:"status"`
	Needs2FA    bool                `json:"needs_2fa"`
	Profile     *ProfileView        `json:"user_data,omitempty"`
}

// StatusResult はStatusの結果。ContainerRunning はデーモンに問い合わせた実際の状態。
type StatusResult struct {
	SessionName       string              `json:"session_name"`
	Status            model.AccountStatus `json:"status"`
	Type              model.AccountType   `json:"type"`
	HasContainer      bool                `json:"has_container"`
	ContainerRunning  bool                `json:"container_running"`
	ContainerName     string              `json:"container_name,omitempty"`
	ContainerPort     int                 `json:"container_port,omitempty"`
	Phone             string              `json:"phone,omitempty"`
	TelegramUsername  string              `json:"telegram_username,omitempty"`
	FirstName         string              `json:"first_name,omitempty"`
	LastError         string              `json:"last_error,omitempty"`
	MessagesSentCount int64               `json:"messages_sent_count"`
	LastActivityAt    *time.Time          `json:"last_activity_at,omitempty"`
	AuthorizedAt      *time.Time          `json:"authorized_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// StopResult はStopの結果。
type StopResult struct {
	SessionName      string              `json:"session_name"`
	Status           model.AccountStatus `json:"status"`
	ContainerRemoved bool                `json:"container_removed"`
}

func containerView(c *model.ContainerBinding) *ContainerView {
	if c == nil {
		return nil
	}
	return &ContainerView{Name: c.Name, Port: c.Port, ID: c.ID}
}

func profileView(a *model.Account) *ProfileView {
	return &ProfileView{
		ID:        a.TelegramUserID,
		Username:  a.Username,
		FirstName: a.FirstName,
		LastName:  a.LastName,
		Phone:     a.Phone,
	}
}

// validate はLoginSpecの整合性を検証する。形式の検証はHTTP層で行う。
func (s LoginSpec) validate() error {
	switch {
	case s.APIID == "":
		return &model.ValidationError{Field: "api_id", Message: "required"}
	case s.APIHash == "":
		return &model.ValidationError{Field: "api_hash", Message: "required"}
	case !s.Type.Valid():
		return &model.ValidationError{Field: "type", Message: "must be user or bot"}
	case s.Type == model.AccountTypeUser && s.Phone == "":
		return &model.ValidationError{Field: "phone", Message: "required for user accounts"}
	case s.Type == model.AccountTypeBot && s.BotToken == "":
		return &model.ValidationError{Field: "bot_token", Message: "required for bot accounts"}
	case s.WebhookURL == "":
		return &model.ValidationError{Field: "webhook_url", Message: "required"}
	}
	return nil
}

// StartLogin はセッションを準備し、認証を開始する。
//
// コンテナが無い場合、ForceRecreate が指定された場合、またはデーモン上でコンテナが
// 動作していない場合は新しいコンテナを作成する。ブリッジの準備完了を待って
// セッションを登録し、リスナーを起動した後、ボットは即時に認証してready、
// ユーザーは確認コードを要求してwaiting_codeになる。
// アカウント作成後の失敗はerrorとして記録してから返す。
func (o *Orchestrator) StartLogin(ctx context.Context, spec LoginSpec) (*LoginResult, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if spec.SessionName == "" {
		spec.SessionName = o.newSessionName()
	}

	unlock := o.locks.Lock(spec.SessionName)
	defer unlock()

	return o.startLogin(ctx, spec)
}

func (o *Orchestrator) startLogin(ctx context.Context, spec LoginSpec) (*LoginResult, error) {
	app, err := o.resolveApp(ctx, spec.APIID, spec.APIHash)
	if err != nil {
		return nil, err
	}
	acc, err := o.resolveAccount(ctx, app, spec)
	if err != nil {
		return nil, err
	}
	if acc.AppID != app.ID {
		// 既存アカウントは作成時のアプリ資格情報を使い続ける
		if app, err = o.apps.FindByID(ctx, acc.AppID); err != nil {
			return nil, fmt.Errorf("アプリの取得に失敗しました: %w", err)
		}
		if app == nil {
			return nil, fmt.Errorf("アカウント %s のアプリ %d が存在しません", acc.SessionName, acc.AppID)
		}
	}

	res, err := o.login(ctx, app, acc, spec.ForceRecreate)
	if err != nil {
		o.fail(ctx, acc, err)
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) login(ctx context.Context, app *model.App, acc *model.Account, force bool) (*LoginResult, error) {
	if err := o.transition(ctx, acc, model.StatusCreating); err != nil {
		return nil, err
	}

	provision := force || !acc.HasContainer()
	if !provision && !o.docker.IsRunning(ctx, acc.Container.Name) {
		o.logger.Info("コンテナが動作していないため再作成します",
			slog.String("session_name", acc.SessionName),
			slog.String("container", acc.Container.Name),
		)
		if err := o.docker.RemoveContainer(ctx, acc.Container.Name); err != nil {
			return nil, err
		}
		provision = true
	}
	if provision {
		if err := o.provision(ctx, app, acc); err != nil {
			return nil, err
		}
	}

	port := acc.Container.Port
	if err := o.docker.WaitUntilReady(ctx, acc.Container.Name, port); err != nil {
		o.logContainerTail(ctx, acc.Container.Name)
		return nil, err
	}
	if err := o.bridge.AddSession(ctx, port, acc.SessionName); err != nil {
		return nil, err
	}
	if err := o.bridge.SaveSessionSettings(ctx, port, acc.SessionName, app.APIID, app.APIHash); err != nil {
		return nil, err
	}
	if err := o.bridge.SetWebhook(ctx, port, acc.WebhookURL); err != nil {
		o.logger.Warn("ブリッジへのWebhook設定に失敗しました",
			slog.String("session_name", acc.SessionName),
			slog.String("error", err.Error()),
		)
	}

	o.listeners.Start(acc.ID)

	if acc.Type == model.AccountTypeBot {
		return o.loginBot(ctx, acc)
	}
	return o.loginUser(ctx, acc)
}

func (o *Orchestrator) loginBot(ctx context.Context, acc *model.Account) (*LoginResult, error) {
	port := acc.Container.Port
	if err := o.bridge.BotLogin(ctx, port, acc.SessionName, acc.BotToken); err != nil {
		return nil, err
	}
	if err := o.authorize(ctx, acc); err != nil {
		return nil, err
	}
	o.recordStarted(acc)
	return &LoginResult{
		SessionName: acc.SessionName,
		Status:      acc.Status,
		Container:   containerView(acc.Container),
		Profile:     profileView(acc),
	}, nil
}

func (o *Orchestrator) loginUser(ctx context.Context, acc *model.Account) (*LoginResult, error) {
	if err := o.bridge.PhoneLogin(ctx, acc.Container.Port, acc.SessionName, acc.Phone); err != nil {
		return nil, err
	}
	if err := o.transition(ctx, acc, model.StatusWaitingCode); err != nil {
		return nil, err
	}
	o.recordStarted(acc)
	return &LoginResult{
		SessionName: acc.SessionName,
		Status:      acc.Status,
		NeedsCode:   true,
		Container:   containerView(acc.Container),
	}, nil
}

// provision はポートを割り当ててコンテナを作成し、アカウントに紐づける。
// 途中で失敗した場合、割り当てたポートは必ず解放する。
func (o *Orchestrator) provision(ctx context.Context, app *model.App, acc *model.Account) error {
	port, err := o.ports.Allocate(ctx)
	if err != nil {
		return err
	}

	name := ContainerName(acc.ID)
	id, err := o.docker.CreateContainer(ctx, name, port, acc.SessionName, app.APIID, app.APIHash)
	if err != nil {
		o.releasePort(ctx, port)
		return err
	}

	// イメージの取得で時間がかかった場合に予約が切れないよう延長する
	if ok, err := o.ports.Renew(ctx, port); err != nil || !ok {
		o.logger.Warn("ポート予約の延長に失敗しました",
			slog.Int("port", port),
			slog.Bool("renewed", ok),
		)
	}

	previous := acc.Container
	acc.Container = &model.ContainerBinding{Name: name, Port: port, ID: id}
	acc.UpdatedAt = o.now()
	if err := o.accounts.Update(ctx, acc); err != nil {
		cleanup := context.WithoutCancel(ctx)
		if rmErr := o.docker.RemoveContainer(cleanup, name); rmErr != nil {
			o.logger.Error("作成したコンテナの削除に失敗しました",
				slog.String("container", name),
				slog.String("error", rmErr.Error()),
			)
		}
		o.releasePort(ctx, port)
		acc.Container = previous
		return fmt.Errorf("コンテナ情報の保存に失敗しました: %w", err)
	}

	if previous != nil && previous.Port != port {
		o.releasePort(ctx, previous.Port)
	}

	o.logger.Info("コンテナを割り当てました",
		slog.String("session_name", acc.SessionName),
		slog.String("container", name),
		slog.Int("port", port),
	)
	return nil
}

// releasePort はポートを解放する。呼び出し元のctxがキャンセル済みでも解放する。
func (o *Orchestrator) releasePort(ctx context.Context, port int) {
	if err := o.ports.Release(context.WithoutCancel(ctx), port); err != nil {
		o.logger.Error("ポートの解放に失敗しました",
			slog.Int("port", port),
			slog.String("error", err.Error()),
		)
	}
}

// resolveApp はapi_idでアプリを検索し、無ければ作成する。
func (o *Orchestrator) resolveApp(ctx context.Context, apiID, apiHash string) (*model.App, error) {
	app, err := o.apps.FindByAPIID(ctx, apiID)
	if err != nil {
		return nil, fmt.Errorf("アプリの取得に失敗しました: %w", err)
	}
	if app != nil {
		return app, nil
	}

	app = model.NewApp(apiID, apiHash, o.now())
	if err := o.apps.Create(ctx, app); err != nil {
		return nil, fmt.Errorf("アプリの作成に失敗しました: %w", err)
	}
	o.logger.Info("アプリを登録しました", slog.String("api_id", apiID))
	return app, nil
}

// resolveAccount はセッション名でアカウントを検索し、無ければ作成する。
// 既存アカウントのWebhook URLが変わっていれば更新する。
func (o *Orchestrator) resolveAccount(ctx context.Context, app *model.App, spec LoginSpec) (*model.Account, error) {
	acc, err := o.accounts.FindBySessionName(ctx, spec.SessionName)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}

	now := o.now()
	if acc == nil {
		acc = &model.Account{
			AppID:       app.ID,
			Type:        spec.Type,
			SessionName: spec.SessionName,
			WebhookURL:  spec.WebhookURL,
			Status:      model.StatusCreating,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if spec.Type == model.AccountTypeUser {
			acc.Phone = spec.Phone
		} else {
			acc.BotToken = spec.BotToken
		}
		if err := o.accounts.Create(ctx, acc); err != nil {
			return nil, fmt.Errorf("アカウントの作成に失敗しました: %w", err)
		}
		o.logger.Info("アカウントを作成しました",
			slog.String("session_name", acc.SessionName),
			slog.String("type", string(acc.Type)),
			slog.String("phone", logger.MaskPhone(acc.Phone)),
		)
		return acc, nil
	}

	if acc.WebhookURL != spec.WebhookURL {
		acc.WebhookURL = spec.WebhookURL
		acc.UpdatedAt = now
		if err := o.accounts.Update(ctx, acc); err != nil {
			return nil, fmt.Errorf("Webhook URLの更新に失敗しました: %w", err)
		}
	}
	return acc, nil
}

// CompleteCode は確認コードを送信する。waiting_code 以外では InvalidStateError を返す。
func (o *Orchestrator) CompleteCode(ctx context.Context, sessionName, code string) (*AuthResult, error) {
	unlock := o.locks.Lock(sessionName)
	defer unlock()

	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(acc, model.StatusWaitingCode); err != nil {
		return nil, err
	}

	res, err := o.bridge.CompletePhoneLogin(ctx, acc.Container.Port, acc.SessionName, code)
	if err != nil {
		o.fail(ctx, acc, err)
		return nil, err
	}

	if res.PasswordRequired {
		if err := o.transition(ctx, acc, model.StatusWaiting2FA); err != nil {
			return nil, err
		}
		return &AuthResult{SessionName: acc.SessionName, Status: acc.Status, Needs2FA: true}, nil
	}

	if err := o.authorize(ctx, acc); err != nil {
		return nil, err
	}
	return &AuthResult{SessionName: acc.SessionName, Status: acc.Status, Profile: profileView(acc)}, nil
}

// Complete2FA は2段階認証のパスワードを送信する。waiting_2fa 以外では InvalidStateError を返す。
func (o *Orchestrator) Complete2FA(ctx context.Context, sessionName, password string) (*AuthResult, error) {
	unlock := o.locks.Lock(sessionName)
	defer unlock()

	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(acc, model.StatusWaiting2FA); err != nil {
		return nil, err
	}

	if err := o.bridge.Complete2FALogin(ctx, acc.Container.Port, acc.SessionName, password); err != nil {
		o.fail(ctx, acc, err)
		return nil, err
	}
	if err := o.authorize(ctx, acc); err != nil {
		return nil, err
	}
	return &AuthResult{SessionName: acc.SessionName, Status: acc.Status, Profile: profileView(acc)}, nil
}

// authorize は本人情報を取得してreadyに遷移させる。失敗時はerrorとして記録する。
func (o *Orchestrator) authorize(ctx context.Context, acc *model.Account) error {
	profile, err := o.bridge.GetSelf(ctx, acc.Container.Port)
	if err != nil {
		o.fail(ctx, acc, err)
		return err
	}

	now := o.now()
	acc.MarkAuthorized(profile, now)
	acc.UpdatedAt = now
	if err := o.accounts.Update(ctx, acc); err != nil {
		return fmt.Errorf("認証状態の保存に失敗しました: %w", err)
	}
	o.recordTransition(acc.Status)
	o.logger.Info("セッションの認証が完了しました",
		slog.String("session_name", acc.SessionName),
		slog.String("telegram_user_id", acc.TelegramUserID),
	)
	return nil
}

// Stop はセッションを停止する。リスナーは常にキャンセルする。
// コンテナが無い場合は何もせず成功する。removeContainer が true の場合は
// コンテナを削除してポートを解放し、コンテナ情報を外す。
func (o *Orchestrator) Stop(ctx context.Context, sessionName string, removeContainer bool) (*StopResult, error) {
	unlock := o.locks.Lock(sessionName)
	defer unlock()

	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	return o.stop(ctx, acc, removeContainer)
}

func (o *Orchestrator) stop(ctx context.Context, acc *model.Account, removeContainer bool) (*StopResult, error) {
	o.listeners.Cancel(acc.ID)

	res := &StopResult{SessionName: acc.SessionName, Status: model.StatusStopped}
	if !acc.HasContainer() {
		if acc.Status != model.StatusStopped {
			if err := o.transition(ctx, acc, model.StatusStopped); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	binding := acc.Container
	if err := o.docker.StopContainer(ctx, binding.Name); err != nil {
		return nil, err
	}
	if removeContainer {
		if err := o.docker.RemoveContainer(ctx, binding.Name); err != nil {
			return nil, err
		}
		o.releasePort(ctx, binding.Port)
		acc.Container = nil
		res.ContainerRemoved = true
	}

	if err := o.transition(ctx, acc, model.StatusStopped); err != nil {
		return nil, err
	}
	o.logger.Info("セッションを停止しました",
		slog.String("session_name", acc.SessionName),
		slog.Bool("container_removed", removeContainer),
	)
	return res, nil
}

// Restart はコンテナを削除して停止した後、保存済みの資格情報で StartLogin をやり直す。
func (o *Orchestrator) Restart(ctx context.Context, sessionName string) (*LoginResult, error) {
	unlock := o.locks.Lock(sessionName)
	defer unlock()

	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}
	app, err := o.apps.FindByID(ctx, acc.AppID)
	if err != nil {
		return nil, fmt.Errorf("アプリの取得に失敗しました: %w", err)
	}
	if app == nil {
		return nil, fmt.Errorf("アカウント %s のアプリ %d が存在しません", acc.SessionName, acc.AppID)
	}

	if _, err := o.stop(ctx, acc, true); err != nil {
		return nil, err
	}

	return o.startLogin(ctx, LoginSpec{
		APIID:         app.APIID,
		APIHash:       app.APIHash,
		Type:          acc.Type,
		Phone:         acc.Phone,
		BotToken:      acc.BotToken,
		WebhookURL:    acc.WebhookURL,
		SessionName:   acc.SessionName,
		ForceRecreate: true,
	})
}

// Status はセッションの状態を返す。コンテナの動作状況はデーモンに問い合わせる。
func (o *Orchestrator) Status(ctx context.Context, sessionName string) (*StatusResult, error) {
	acc, err := o.find(ctx, sessionName)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{
		SessionName:       acc.SessionName,
		Status:            acc.Status,
		Type:              acc.Type,
		HasContainer:      acc.HasContainer(),
		Phone:             acc.Phone,
		TelegramUsername:  acc.Username,
		FirstName:         acc.FirstName,
		LastError:         acc.LastError,
		MessagesSentCount: acc.MessagesSentCount,
		LastActivityAt:    acc.LastActivityAt,
		AuthorizedAt:      acc.AuthorizedAt,
		CreatedAt:         acc.CreatedAt,
		UpdatedAt:         acc.UpdatedAt,
	}
	if acc.HasContainer() {
		res.ContainerName = acc.Container.Name
		res.ContainerPort = acc.Container.Port
		res.ContainerRunning = o.docker.IsRunning(ctx, acc.Container.Name)
	}
	return res, nil
}

// ResumeListeners はコンテナを持つ認証中・認証済みのアカウントのリスナーを起動する。
// サーバー起動時に呼び出す。起動したリスナー数を返す。
func (o *Orchestrator) ResumeListeners(ctx context.Context) (int, error) {
	accounts, err := o.accounts.ListWithContainer(ctx, []model.AccountStatus{
		model.StatusWaitingCode,
		model.StatusWaiting2FA,
		model.StatusReady,
	})
	if err != nil {
		return 0, fmt.Errorf("リスナー再開対象の取得に失敗しました: %w", err)
	}
	for _, acc := range accounts {
		o.listeners.Start(acc.ID)
	}
	o.logger.Info("リスナーを再開しました", slog.Int("count", len(accounts)))
	return len(accounts), nil
}

// find はセッション名でアカウントを取得する。存在しない場合は ErrSessionNotFound。
func (o *Orchestrator) find(ctx context.Context, sessionName string) (*model.Account, error) {
	acc, err := o.accounts.FindBySessionName(ctx, sessionName)
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionName)
	}
	return acc, nil
}

// requireStatus はアカウントが指定ステートでコンテナを持つことを確認する。
func requireStatus(acc *model.Account, allowed ...model.AccountStatus) error {
	for _, s := range allowed {
		if acc.Status == s && acc.HasContainer() {
			return nil
		}
	}
	return &model.InvalidStateError{
		SessionName: acc.SessionName,
		Current:     acc.Status,
		Allowed:     allowed,
	}
}

// transition はステートを遷移させて保存する。
func (o *Orchestrator) transition(ctx context.Context, acc *model.Account, to model.AccountStatus) error {
	if !model.CanTransition(acc.Status, to) {
		return &model.InvalidStateError{SessionName: acc.SessionName, Current: acc.Status, Allowed: []model.AccountStatus{to}}
	}
	acc.Status = to
	acc.UpdatedAt = o.now()
	if to != model.StatusError {
		acc.LastError = ""
	}
	if err := o.accounts.Update(ctx, acc); err != nil {
		return fmt.Errorf("ステートの保存に失敗しました: %w", err)
	}
	o.recordTransition(to)
	return nil
}

// fail はアカウントをerrorに遷移させ、原因を記録する。
// 保存に失敗しても元のエラーを優先するため、ここではログのみ出力する。
func (o *Orchestrator) fail(ctx context.Context, acc *model.Account, cause error) {
	acc.MarkError(cause)
	acc.UpdatedAt = o.now()
	if err := o.accounts.Update(context.WithoutCancel(ctx), acc); err != nil {
		o.logger.Error("エラー状態の保存に失敗しました",
			slog.String("session_name", acc.SessionName),
			slog.String("error", err.Error()),
		)
	}
	o.recordTransition(model.StatusError)
	o.logger.Error("セッション操作に失敗しました",
		slog.String("session_name", acc.SessionName),
		slog.String("error", cause.Error()),
	)
}

func (o *Orchestrator) recordTransition(to model.AccountStatus) {
	if o.metrics != nil {
		o.metrics.RecordAuthTransition(string(to))
	}
}

func (o *Orchestrator) recordStarted(acc *model.Account) {
	if o.metrics != nil {
		o.metrics.RecordSessionStarted(string(acc.Type))
	}
}

// logContainerTail は起動しなかったコンテナのログ末尾を記録する。
func (o *Orchestrator) logContainerTail(ctx context.Context, name string) {
	logs, err := o.docker.FetchLogs(context.WithoutCancel(ctx), name, readyFailureLogTail)
	if err != nil {
		o.logger.Warn("コンテナログの取得に失敗しました",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
		return
	}
	o.logger.Warn("ブリッジが起動しませんでした",
		slog.String("container", name),
		slog.String("logs", logs),
	)
}
