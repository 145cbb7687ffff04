// Package model はドメインモデルを定義する。
package model

import "time"

// AuditAction は監査レコードのアクション種別を表す。
type AuditAction string

const (
	// AuditActionGrant はアクセス付与（新規または延長）。
	AuditActionGrant AuditAction = "grant"
	// AuditActionApprove は招待消費または参加リクエスト承認。
	AuditActionApprove AuditAction = "approve"
	// AuditActionDecline は参加リクエスト拒否。
	AuditActionDecline AuditAction = "decline"
	// AuditActionRevoke は期限切れによるリモート除去の完了。
	AuditActionRevoke AuditAction = "revoke"
	// AuditActionExpire はメンバーシップのexpired遷移。
	AuditActionExpire AuditAction = "expire"
	// AuditActionLink はTelegramアカウントの連携。
	AuditActionLink AuditAction = "link"
	// AuditActionMemberLeft はユーザーの自発的な退出。
	AuditActionMemberLeft AuditAction = "member_left"
	// AuditActionBotStatus はチャンネル内のボット権限変更。
	AuditActionBotStatus AuditAction = "bot_status"
	// AuditActionError は処理エラーの記録。
	AuditActionError AuditAction = "error"
)

// AuditRecord は状態遷移の追記専用レコードを表す。
// 変更・削除されることはなく、運用上のトレーサビリティに使用する。
type AuditRecord struct {
	ID             string
	Action         AuditAction
	UserID         string // 内部ユーザーID（不明な場合は空）
	ChatID         int64  // 対象チャンネル（対象なしの場合は0）
	TelegramUserID int64  // Telegram側ユーザーID（不明な場合は0）
	Ref            string // 外部参照（決済IDなど）
	Detail         map[string]any
	CreatedAt      time.Time
}
