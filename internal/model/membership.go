// Package model はドメインモデルを定義する。
package model

import "time"

// MembershipStatus はメンバーシップの状態を表す。
type MembershipStatus string

const (
	// MembershipStatusPending は招待リンク未消費の付与済み状態。
	MembershipStatusPending MembershipStatus = "pending"
	// MembershipStatusActive は入室済みの有効な状態。
	MembershipStatusActive MembershipStatus = "active"
	// MembershipStatusExpired は有効期限切れでリモート除去待ちの状態。
	// リモート除去は失敗しうる別操作のため、removedとは区別する。
	MembershipStatusExpired MembershipStatus = "expired"
	// MembershipStatusRemoved はプラットフォーム上の除去が確認済みの終了状態。
	MembershipStatusRemoved MembershipStatus = "removed"
)

// Membership はユーザーが1つのチャンネルに有償で在籍する権利を表す。
// (UserID, ChatID) の組に対してpendingまたはactiveの行は高々1つしか存在しない。
// 再付与は新しい行を作らず period_end を延長する。
type Membership struct {
	ID          string
	UserID      string
	ChatID      int64
	Status      MembershipStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
	Ref         string // 外部参照（決済IDなど）
	Revision    int64  // 楽観的排他制御用のリビジョンカウンタ
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsCurrent はpendingまたはactiveのいずれかであるかを返す。
// (UserID, ChatID) の一意性制約はこの2状態にのみ適用される。
func (m *Membership) IsCurrent() bool {
	return m.Status == MembershipStatusPending || m.Status == MembershipStatusActive
}

// ExpiredAt は指定時刻時点で有効期限が切れているかを返す。
func (m *Membership) ExpiredAt(now time.Time) bool {
	return !m.PeriodEnd.After(now)
}

// ExtendPeriod は有効期限を max(現在の期限, now) + duration に延長する。
// 再付与が既存のアクセス期間を短縮することはない。
func (m *Membership) ExtendPeriod(now time.Time, duration time.Duration) {
	base := m.PeriodEnd
	if now.After(base) {
		base = now
	}
	m.PeriodEnd = base.Add(duration)
}
