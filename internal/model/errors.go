// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// 呼び出し元（決済レイヤー）に返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, access, remote, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeNoTelegramAccount  = "NO_TELEGRAM_ACCOUNT"
	ErrCodeInvalidDuration    = "INVALID_DURATION"
	ErrCodeInviteCreateFailed = "INVITE_CREATION_FAILED"
	ErrCodeConflictExhausted  = "CONFLICT_RETRIES_EXHAUSTED"
	ErrCodeRemovalFailed      = "REMOVAL_FAILED"
	ErrCodeMembershipNotFound = "MEMBERSHIP_NOT_FOUND"
	ErrCodePermissionCheck    = "INSUFFICIENT_PERMISSIONS"
	ErrCodeChatNotFound       = "CHAT_NOT_FOUND"
)

// 招待消費の終端的な結果を表すセンチネルエラー。
// いずれもリトライ対象ではなく、確定的な回答として扱う。
var (
	// ErrInviteNotFound は未知のトークンに対する消費要求。
	ErrInviteNotFound = errors.New("招待が見つかりません")
	// ErrInviteExpired はTTL期限切れの招待に対する消費要求。
	ErrInviteExpired = errors.New("招待の有効期限が切れています")
	// ErrInviteAlreadyConsumed は消費済みの招待に対する消費要求。
	ErrInviteAlreadyConsumed = errors.New("招待は既に使用されています")
)

// ErrConflict は楽観的更新の前提条件不成立を表す。
// 内部でバックオフ付きリトライされ、リトライ上限まで表面化しない。
var ErrConflict = errors.New("更新が競合しました")

// ErrRemoteUnavailable はプラットフォームAPI呼び出しの失敗を表す。
// 対象レコードは呼び出し前の状態のまま残り、次回スイープで再試行される。
var ErrRemoteUnavailable = errors.New("プラットフォームAPIが利用できません")

// NewChannelNotFoundError はチャンネル未登録エラーを生成する。
func NewChannelNotFoundError(chatID int64) *APIError {
	return &APIError{
		Code:     ErrCodeChannelNotFound,
		Message:  fmt.Sprintf("指定されたチャンネルが登録されていません: %d", chatID),
		Category: "validation",
		Action:   "先にチャンネル登録APIでチャンネルを登録してください。",
	}
}

// NewUserNotFoundError はユーザー未検出エラーを生成する。
func NewUserNotFoundError(extUserID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %s", extUserID),
		Category: "validation",
		Action:   "ext_user_idを確認してください。",
	}
}

// NewNoTelegramAccountError はTelegramアカウント未連携エラーを生成する。
func NewNoTelegramAccountError(extUserID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoTelegramAccount,
		Message:  fmt.Sprintf("ユーザーのTelegramアカウントが未連携です: %s", extUserID),
		Category: "validation",
		Action:   "ユーザーにボットへの/startを案内してください。",
	}
}

// NewInvalidDurationError は不正な付与期間エラーを生成する。
func NewInvalidDurationError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDuration,
		Message:  "付与期間は正の値で指定してください。",
		Category: "validation",
		Action:   "period_daysに1以上の整数を指定してください。",
	}
}

// NewMembershipNotFoundError はメンバーシップ未検出エラーを生成する。
func NewMembershipNotFoundError(extUserID string, chatID int64) *APIError {
	return &APIError{
		Code:     ErrCodeMembershipNotFound,
		Message:  fmt.Sprintf("対象のメンバーシップが見つかりません: %s / %d", extUserID, chatID),
		Category: "validation",
		Action:   "ext_user_idとchat_idの組み合わせを確認してください。",
	}
}

// NewRemovalFailedError はリモート除去失敗エラーを生成する。
// 対象メンバーシップはexpiredのまま残り、次回スイープで再試行される。
func NewRemovalFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRemovalFailed,
		Message:  "チャンネルからの除去に失敗しました。",
		Category: "remote",
		Action:   "除去はバックグラウンドで自動的に再試行されます。",
	}
}

// NewConflictExhaustedError はリトライ上限到達エラーを生成する。
func NewConflictExhaustedError() *APIError {
	return &APIError{
		Code:     ErrCodeConflictExhausted,
		Message:  "更新の競合が解消されませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
