package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/gatekeep/internal/model"
)

// PostgresInviteRepo はPostgreSQLを使用した招待リポジトリ。
type PostgresInviteRepo struct {
	db *sql.DB
}

// NewPostgresInviteRepo はPostgresInviteRepoを生成する。
func NewPostgresInviteRepo(db *sql.DB) *PostgresInviteRepo {
	return &PostgresInviteRepo{db: db}
}

const inviteColumns = `token, membership_id, chat_id, ttl_deadline, max_uses, consumed, consumed_by, revoked, created_at`

// scanInvite は行スキャナからmodel.Inviteを読み取る。
func scanInvite(scan func(dest ...any) error) (*model.Invite, error) {
	inv := &model.Invite{}
	var consumedBy sql.NullInt64
	err := scan(&inv.Token, &inv.MembershipID, &inv.ChatID, &inv.TTLDeadline, &inv.MaxUses, &inv.Consumed, &consumedBy, &inv.Revoked, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if consumedBy.Valid {
		inv.ConsumedBy = &consumedBy.Int64
	}
	return inv, nil
}

// Create は招待を作成する。
func (r *PostgresInviteRepo) Create(ctx context.Context, invite *model.Invite) error {
	var consumedBy sql.NullInt64
	if invite.ConsumedBy != nil {
		consumedBy = sql.NullInt64{Int64: *invite.ConsumedBy, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invites (token, membership_id, chat_id, ttl_deadline, max_uses, consumed, consumed_by, revoked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		invite.Token, invite.MembershipID, invite.ChatID, invite.TTLDeadline, invite.MaxUses, invite.Consumed, consumedBy, invite.Revoked, invite.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("招待の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByToken は指定トークンの招待を取得する。見つからない場合はnilを返す。
func (r *PostgresInviteRepo) FindByToken(ctx context.Context, token string) (*model.Invite, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE token = $1`, token)
	inv, err := scanInvite(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	return inv, nil
}

// Consume は未消費かつTTL期限内の招待を条件付きで消費済みにする。
// 同一トークンへの同時消費はこの1文のUPDATEで直列化され、勝者は1つに限られる。
func (r *PostgresInviteRepo) Consume(ctx context.Context, token string, telegramUserID int64, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE invites
		 SET consumed = TRUE, consumed_by = $2
		 WHERE token = $1 AND consumed = FALSE AND revoked = FALSE AND ttl_deadline > $3`,
		token, telegramUserID, now,
	)
	if err != nil {
		return false, fmt.Errorf("招待の消費に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkRevoked は招待を失効済みとして記録する。
func (r *PostgresInviteRepo) MarkRevoked(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invites SET revoked = TRUE WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("招待の失効記録に失敗しました: %w", err)
	}
	return nil
}

// queryInvites は複数行の招待を取得する共通処理。
func (r *PostgresInviteRepo) queryInvites(ctx context.Context, query string, args ...any) ([]*model.Invite, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("招待一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var invites []*model.Invite
	for rows.Next() {
		inv, err := scanInvite(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("招待行の読み取りに失敗しました: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("招待一覧の走査に失敗しました: %w", err)
	}
	return invites, nil
}

// ListOpenByMembership はメンバーシップに紐付く未消費・未失効の招待を返す。
func (r *PostgresInviteRepo) ListOpenByMembership(ctx context.Context, membershipID string) ([]*model.Invite, error) {
	return r.queryInvites(ctx,
		`SELECT `+inviteColumns+` FROM invites
		 WHERE membership_id = $1 AND consumed = FALSE AND revoked = FALSE
		 ORDER BY created_at ASC`,
		membershipID)
}

// ListExpiredOpen はTTL期限切れで未消費・未失効の招待を返す。
func (r *PostgresInviteRepo) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*model.Invite, error) {
	return r.queryInvites(ctx,
		`SELECT `+inviteColumns+` FROM invites
		 WHERE consumed = FALSE AND revoked = FALSE AND ttl_deadline <= $1
		 ORDER BY ttl_deadline ASC
		 LIMIT $2`,
		now, limit)
}

// compile-time interface check
var _ InviteRepository = (*PostgresInviteRepo)(nil)
