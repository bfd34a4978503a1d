// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/tasgate/internal/model"
)

// AppRepository はTelegramアプリ資格情報の永続化インターフェース。
// api_hashは書き込み時に暗号化し、読み出し時に復号する。
type AppRepository interface {
	// FindByID は指定IDのアプリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.App, error)

	// FindByAPIID はapi_idでアプリを検索する。見つからない場合はnilを返す。
	FindByAPIID(ctx context.Context, apiID string) (*model.App, error)

	// Create はアプリを作成し、採番されたIDをapp.IDに設定する。
	Create(ctx context.Context, app *model.App) error

	// UpdateStatus はアプリのステータスのみを更新する。
	UpdateStatus(ctx context.Context, id int64, status model.AppStatus) error
}

// AccountRepository はTelegramアカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Account, error)

	// FindBySessionName はセッション名でアカウントを検索する。見つからない場合はnilを返す。
	FindBySessionName(ctx context.Context, sessionName string) (*model.Account, error)

	// Create はアカウントを作成し、採番されたIDをaccount.IDに設定する。
	Create(ctx context.Context, account *model.Account) error

	// Update はアカウントの可変項目を全て上書き更新する。
	// コンテナ情報はContainerがnilの場合3カラムともNULLになる。
	Update(ctx context.Context, account *model.Account) error

	// IncrementMessageCount は送信数を1増やし、最終アクティビティ日時を更新する。
	IncrementMessageCount(ctx context.Context, id int64, at time.Time) error

	// ListWithContainer はコンテナが割り当てられているアカウントを返す。
	// statusesが空の場合はステータスで絞り込まない。
	ListWithContainer(ctx context.Context, statuses []model.AccountStatus) ([]*model.Account, error)

	// ListContainerPorts はアカウントが使用中のホストポートを返す。
	ListContainerPorts(ctx context.Context) ([]int, error)

	// ListContainerNames はアカウントに記録されているコンテナ名を返す。
	ListContainerNames(ctx context.Context) ([]string, error)
}

// PortLeaseRepository はポート予約の永続化インターフェース。
// Reserve はアカウントが参照しておらず、有効な予約も無い場合にのみ成功する。
type PortLeaseRepository interface {
	Reserve(ctx context.Context, port int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, port int) error
	Renew(ctx context.Context, port int, ttl time.Duration) (bool, error)
	Reserved(ctx context.Context) ([]int, error)

	// DeleteExpired は期限切れの予約を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
