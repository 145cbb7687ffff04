// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/gatekeep/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByExtUserID は外部ユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
	FindByExtUserID(ctx context.Context, extUserID string) (*model.User, error)

	// FindByTelegramUserID はTelegramユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
	FindByTelegramUserID(ctx context.Context, telegramUserID int64) (*model.User, error)

	// Create はユーザーを作成する。ext_user_idの重複時はエラーを返す。
	Create(ctx context.Context, user *model.User) error

	// LinkTelegramAccount はユーザーにTelegramアカウントを紐付ける。
	LinkTelegramAccount(ctx context.Context, id string, telegramUserID int64, username string) error
}

// ChannelRepository はチャンネルデータの永続化インターフェース。
// チャンネルは周辺CRUDレイヤーが所有する参照データであり、エンジンからは読み取り中心。
type ChannelRepository interface {
	// FindByChatID は指定チャットIDのチャンネルを取得する。見つからない場合はnilを返す。
	FindByChatID(ctx context.Context, chatID int64) (*model.Channel, error)

	// List は登録済みチャンネルの一覧を返す。
	List(ctx context.Context) ([]*model.Channel, error)

	// Upsert はチャンネルを冪等に登録・更新する。
	Upsert(ctx context.Context, channel *model.Channel) error
}

// MembershipRepository はメンバーシップの永続化インターフェース。
// すべての状態遷移はリビジョンまたは状態を前提条件とする条件付き更新で行う。
type MembershipRepository interface {
	// FindByID は指定IDのメンバーシップを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Membership, error)

	// FindCurrent は(user, chat)のpendingまたはactiveなメンバーシップを取得する。
	// 見つからない場合はnilを返す。一意性制約により高々1件。
	FindCurrent(ctx context.Context, userID string, chatID int64) (*model.Membership, error)

	// ListCurrentByUser はユーザーのpending/activeなメンバーシップ一覧を返す。
	ListCurrentByUser(ctx context.Context, userID string) ([]*model.Membership, error)

	// ListByUser はユーザーの全メンバーシップを返す（状態照会用）。
	ListByUser(ctx context.Context, userID string) ([]*model.Membership, error)

	// Create はメンバーシップを作成する。
	// (user, chat)のpending/active一意性に違反する場合はmodel.ErrConflictを返す。
	Create(ctx context.Context, m *model.Membership) error

	// UpdateIfRevision はm.Revisionを前提条件とする条件付き更新を行う。
	// 前提が成立した場合はstatus/period_start/period_end/refを書き込み、
	// リビジョンをインクリメントしてtrueを返す。不成立時はfalseを返し何も変更しない。
	UpdateIfRevision(ctx context.Context, m *model.Membership) (bool, error)

	// ActivateIfPending はpendingのメンバーシップをactiveに遷移する。
	// pending以外の状態だった場合はfalseを返す。
	ActivateIfPending(ctx context.Context, id string) (bool, error)

	// MarkRemovedIfCurrent はremoved以外のメンバーシップをremovedに遷移する。
	// 既にremovedだった場合はfalseを返す（重複イベントの再処理はno-op）。
	MarkRemovedIfCurrent(ctx context.Context, id string) (bool, error)

	// ListDueForExpiry は有効期限を過ぎたactiveなメンバーシップを返す。
	ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Membership, error)

	// ListNeedingRemoval はリモート除去待ちのexpiredなメンバーシップを返す。
	// expiredは「除去が必要」という永続的なキュー状態であり、次回スイープで再試行される。
	ListNeedingRemoval(ctx context.Context) ([]*model.Membership, error)

	// ListStuckExpired は指定時刻より前からexpiredに留まっているメンバーシップを返す。
	// 運用者へのアラート対象の検出に使用する。
	ListStuckExpired(ctx context.Context, before time.Time) ([]*model.Membership, error)
}

// InviteRepository は招待リンクの永続化インターフェース。
type InviteRepository interface {
	// Create は招待を作成する。
	Create(ctx context.Context, invite *model.Invite) error

	// FindByToken は指定トークンの招待を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Invite, error)

	// Consume は未消費かつTTL期限内の招待を条件付きで消費済みにする。
	// 前提が成立した場合のみconsumed_byを記録しtrueを返す。
	// 同一リンクへの同時参加はこの条件付き更新で競合し、勝者は1つに限られる。
	Consume(ctx context.Context, token string, telegramUserID int64, now time.Time) (bool, error)

	// MarkRevoked は招待を失効済みとして記録する。
	MarkRevoked(ctx context.Context, token string) error

	// ListOpenByMembership はメンバーシップに紐付く未消費・未失効の招待を返す。
	// 再付与時の旧リンク置き換えに使用する。
	ListOpenByMembership(ctx context.Context, membershipID string) ([]*model.Invite, error)

	// ListExpiredOpen はTTL期限切れで未消費・未失効の招待を返す。
	// リコンサイルジョブのリモート失効対象。
	ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*model.Invite, error)
}

// AuditRepository は監査レコードの追記専用インターフェース。
type AuditRepository interface {
	// Append は監査レコードを追記する。
	Append(ctx context.Context, record *model.AuditRecord) error

	// ListBySubject は(user, chat)の監査レコードを新しい順に返す。
	ListBySubject(ctx context.Context, userID string, chatID int64, limit int) ([]*model.AuditRecord, error)
}

// UpdateLogRepository は受信済みwebhook更新の記録インターフェース。
// at-least-once配信の重複排除フェンスとして機能する。
type UpdateLogRepository interface {
	// IsProcessed は更新IDが処理済みとして記録されているかを返す。
	IsProcessed(ctx context.Context, updateID int64) (bool, error)

	// MarkProcessed は更新IDを処理済みとして記録する。
	// 初見の場合はtrue、既に記録済みの場合はfalseを返す。
	MarkProcessed(ctx context.Context, updateID int64, receivedAt time.Time) (bool, error)

	// DeleteOlderThan は指定時刻より古い記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
