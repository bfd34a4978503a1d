// Package model はドメインモデルとエラー型を定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoFreePorts はポート範囲内に空きがない場合のエラー。
var ErrNoFreePorts = errors.New("no free ports available")

// ErrSessionNotFound は指定セッションのアカウントが存在しない場合のエラー。
var ErrSessionNotFound = errors.New("session not found")

// ContainerError はDocker Engine操作の失敗を表す。
type ContainerError struct {
	Op   string // create, start, stop, remove, inspect, pull, volume, logs, ready
	Name string
	Err  error
}

func (e *ContainerError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("container %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("container %s %s failed: %v", e.Op, e.Name, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// BridgeAPIError はブリッジAPI呼び出しの失敗を表す。
// StatusCode はトランスポートエラーの場合0。
type BridgeAPIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *BridgeAPIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bridge api %s", e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *BridgeAPIError) Unwrap() error { return e.Err }

// InvalidStateError は現在のステートで許可されない操作を表す。
type InvalidStateError struct {
	SessionName string
	Current     AccountStatus
	Allowed     []AccountStatus
}

func (e *InvalidStateError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("session %s is in state %s (allowed: %s)",
		e.SessionName, e.Current, strings.Join(allowed, ", "))
}

// ValidationError は入力値の検証エラーを表す。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, session, container, bridge, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeInvalidState    = "INVALID_STATE"
	ErrCodeNoFreePorts     = "NO_FREE_PORTS"
	ErrCodeContainerError  = "CONTAINER_ERROR"
	ErrCodeBridgeAPIError  = "BRIDGE_API_ERROR"
	ErrCodeWebhookFailed   = "WEBHOOK_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewValidationAPIError は入力検証エラーを生成する。
func NewValidationAPIError(field, message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("%s: %s", field, message),
		Category: "validation",
		Action:   "リクエストパラメータを確認してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionName string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionName),
		Category: "session",
		Action:   "session_nameを確認するか、ログインを開始してください。",
	}
}

// NewInvalidStateAPIError はステート不整合エラーを生成する。
func NewInvalidStateAPIError(err *InvalidStateError) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  err.Error(),
		Category: "session",
		Action:   "セッションの状態を確認してから再度お試しください。",
	}
}

// NewNoFreePortsError はポート枯渇エラーを生成する。
func NewNoFreePortsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoFreePorts,
		Message:  "割り当て可能なポートがありません。",
		Category: "container",
		Action:   "不要なセッションを停止してから再度お試しください。",
	}
}

// NewContainerAPIError はコンテナ操作失敗エラーを生成する。
func NewContainerAPIError(err *ContainerError) *APIError {
	return &APIError{
		Code:     ErrCodeContainerError,
		Message:  err.Error(),
		Category: "container",
		Action:   "Dockerデーモンの状態を確認してください。",
	}
}

// NewBridgeAPIError はブリッジAPI失敗エラーを生成する。
func NewBridgeAPIError(err *BridgeAPIError) *APIError {
	return &APIError{
		Code:     ErrCodeBridgeAPIError,
		Message:  err.Error(),
		Category: "bridge",
		Action:   "入力値を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewWebhookFailedError はWebhook転送失敗エラーを生成する。
func NewWebhookFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWebhookFailed,
		Message:  fmt.Sprintf("Webhookへの転送に失敗しました: %s", reason),
		Category: "webhook",
		Action:   "転送先URLが到達可能か確認してください。",
	}
}

// ToAPIError はドメインエラーを統一エラーフォーマットに変換する。
// 既知のエラーでない場合はnilを返す。
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return NewValidationAPIError(vErr.Field, vErr.Message)
	}
	var stErr *InvalidStateError
	if errors.As(err, &stErr) {
		return NewInvalidStateAPIError(stErr)
	}
	var cErr *ContainerError
	if errors.As(err, &cErr) {
		return NewContainerAPIError(cErr)
	}
	var bErr *BridgeAPIError
	if errors.As(err, &bErr) {
		return NewBridgeAPIError(bErr)
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return &APIError{
			Code:     ErrCodeSessionNotFound,
			Message:  err.Error(),
			Category: "session",
			Action:   "session_nameを確認するか、ログインを開始してください。",
		}
	case errors.Is(err, ErrNoFreePorts):
		return NewNoFreePortsError()
	}
	return nil
}
