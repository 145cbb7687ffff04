// Package model はドメインモデルを定義する。
package model

import "time"

// JoinPolicy はユーザーがチャンネルに参加する方式を表す。
type JoinPolicy string

const (
	// JoinPolicyInviteLink は使い捨て招待リンク経由の参加。
	JoinPolicyInviteLink JoinPolicy = "invite_link"
	// JoinPolicyJoinRequest は参加リクエストの事前承認方式。
	// 付与済みユーザーの参加リクエストは自動承認される。
	JoinPolicyJoinRequest JoinPolicy = "join_request"
)

// Valid はJoinPolicyが定義済みの値かどうかを返す。
func (p JoinPolicy) Valid() bool {
	return p == JoinPolicyInviteLink || p == JoinPolicyJoinRequest
}

// Channel はアクセス管理対象のTelegramチャンネル/グループを表す。
// チャンネル登録で作成され、名称と参加方式以外は不変として扱う。
type Channel struct {
	ChatID           int64
	Name             string
	JoinPolicy       JoinPolicy
	InviteTTLSeconds *int // チャンネル個別の招待リンクTTL（未設定時は設定値を使用）
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
