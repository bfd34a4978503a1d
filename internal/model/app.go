package model

import (
	"fmt"
	"time"
)

// AppStatus はTelegramアプリ資格情報の状態を表す。
type AppStatus string

const (
	AppStatusActive AppStatus = "active"
	AppStatusBanned AppStatus = "banned"
)

// App はTelegram APIの資格情報（api_id / api_hash）。
// APIHash はメモリ上でのみ平文で保持し、永続化時はリポジトリが暗号化する。
type App struct {
	ID        int64
	APIID     string
	APIHash   string
	Status    AppStatus
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewApp は初回利用時のAppを生成する。
func NewApp(apiID, apiHash string, now time.Time) *App {
	return &App{
		APIID:     apiID,
		APIHash:   apiHash,
		Status:    AppStatusActive,
		Name:      fmt.Sprintf("App %s", apiID),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
