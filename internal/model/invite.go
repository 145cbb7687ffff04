// Package model はドメインモデルを定義する。
package model

import "time"

// Invite は1つのメンバーシップに紐付く使い捨て招待リンクを表す。
// トークンはTelegramが発行した招待リンクそのもの。
// 消費・期限切れ・置き換えのいずれかでリモート側のリンクは失効される。
type Invite struct {
	Token        string // Telegram招待リンクURL
	MembershipID string
	ChatID       int64
	TTLDeadline  time.Time
	MaxUses      int // 本設計では常に1
	Consumed     bool
	ConsumedBy   *int64 // 消費したTelegramユーザーID（判明後）
	Revoked      bool
	CreatedAt    time.Time
}

// Expired は指定時刻時点でTTL期限が切れているかを返す。
func (i *Invite) Expired(now time.Time) bool {
	return !i.TTLDeadline.After(now)
}
