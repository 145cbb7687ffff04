// Package model はドメインモデルを定義する。
package model

import "time"

// User は決済システム側のエンドユーザーを表す。
// ext_user_idで外部システムと紐付き、Telegramアカウントの連携は任意。
// 初回のアクセス付与時に作成され、削除されることはない。
type User struct {
	ID               string
	ExtUserID        string
	TelegramUserID   *int64
	TelegramUsername string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasTelegramAccount はTelegramアカウントが連携済みかどうかを返す。
func (u *User) HasTelegramAccount() bool {
	return u.TelegramUserID != nil && *u.TelegramUserID != 0
}
