package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/gatekeep/internal/model"
)

// uniqueViolation はPostgreSQLの一意性制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresMembershipRepo はPostgreSQLを使用したメンバーシップリポジトリ。
// すべての状態遷移はリビジョンまたは状態を前提条件とする1文の条件付きUPDATEで行い、
// グローバルロックを使用しない。
type PostgresMembershipRepo struct {
	db *sql.DB
}

// NewPostgresMembershipRepo はPostgresMembershipRepoを生成する。
func NewPostgresMembershipRepo(db *sql.DB) *PostgresMembershipRepo {
	return &PostgresMembershipRepo{db: db}
}

const membershipColumns = `id, user_id, chat_id, status, period_start, period_end, ref, revision, created_at, updated_at`

// scanMembership は行スキャナからmodel.Membershipを読み取る。
func scanMembership(scan func(dest ...any) error) (*model.Membership, error) {
	m := &model.Membership{}
	err := scan(&m.ID, &m.UserID, &m.ChatID, &m.Status, &m.PeriodStart, &m.PeriodEnd, &m.Ref, &m.Revision, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FindByID は指定IDのメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresMembershipRepo) FindByID(ctx context.Context, id string) (*model.Membership, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1`, id)
	m, err := scanMembership(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	return m, nil
}

// FindCurrent は(user, chat)のpendingまたはactiveなメンバーシップを取得する。
func (r *PostgresMembershipRepo) FindCurrent(ctx context.Context, userID string, chatID int64) (*model.Membership, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 AND chat_id = $2 AND status IN ('pending', 'active')`,
		userID, chatID)
	m, err := scanMembership(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("有効メンバーシップの検索に失敗しました: %w", err)
	}
	return m, nil
}

// queryMemberships は複数行のメンバーシップを取得する共通処理。
func (r *PostgresMembershipRepo) queryMemberships(ctx context.Context, query string, args ...any) ([]*model.Membership, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var memberships []*model.Membership
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("メンバーシップ行の読み取りに失敗しました: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メンバーシップ一覧の走査に失敗しました: %w", err)
	}
	return memberships, nil
}

// ListCurrentByUser はユーザーのpending/activeなメンバーシップ一覧を返す。
func (r *PostgresMembershipRepo) ListCurrentByUser(ctx context.Context, userID string) ([]*model.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 AND status IN ('pending', 'active')
		 ORDER BY created_at ASC`,
		userID)
}

// ListByUser はユーザーの全メンバーシップを返す。
func (r *PostgresMembershipRepo) ListByUser(ctx context.Context, userID string) ([]*model.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 ORDER BY created_at ASC`,
		userID)
}

// Create はメンバーシップを作成する。
// (user, chat)のpending/active部分一意インデックスに違反した場合はmodel.ErrConflictを返す。
// 同時付与の競合は呼び出し元が再読み込みして延長にフォールバックする。
func (r *PostgresMembershipRepo) Create(ctx context.Context, m *model.Membership) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO memberships (id, user_id, chat_id, status, period_start, period_end, ref, revision, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.ChatID, m.Status, m.PeriodStart, m.PeriodEnd, m.Ref, m.Revision, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return model.ErrConflict
		}
		return fmt.Errorf("メンバーシップの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateIfRevision はm.Revisionを前提条件とする条件付き更新を行う。
// 成立時はリビジョンをインクリメントし、mのRevisionも更新する。
func (r *PostgresMembershipRepo) UpdateIfRevision(ctx context.Context, m *model.Membership) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE memberships
		 SET status = $3, period_start = $4, period_end = $5, ref = $6,
		     revision = revision + 1, updated_at = NOW()
		 WHERE id = $1 AND revision = $2`,
		m.ID, m.Revision, m.Status, m.PeriodStart, m.PeriodEnd, m.Ref,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの条件付き更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}
	m.Revision++
	return true, nil
}

// ActivateIfPending はpendingのメンバーシップをactiveに遷移する。
func (r *PostgresMembershipRepo) ActivateIfPending(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE memberships
		 SET status = 'active', revision = revision + 1, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの有効化に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// MarkRemovedIfCurrent はremoved以外のメンバーシップをremovedに遷移する。
func (r *PostgresMembershipRepo) MarkRemovedIfCurrent(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE memberships
		 SET status = 'removed', revision = revision + 1, updated_at = NOW()
		 WHERE id = $1 AND status <> 'removed'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("メンバーシップの除去記録に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListDueForExpiry は有効期限を過ぎたactiveなメンバーシップを返す。
func (r *PostgresMembershipRepo) ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE status = 'active' AND period_end <= $1
		 ORDER BY period_end ASC`,
		now)
}

// ListNeedingRemoval はリモート除去待ちのexpiredなメンバーシップを返す。
func (r *PostgresMembershipRepo) ListNeedingRemoval(ctx context.Context) ([]*model.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE status = 'expired'
		 ORDER BY updated_at ASC`)
}

// ListStuckExpired は指定時刻より前からexpiredに留まっているメンバーシップを返す。
func (r *PostgresMembershipRepo) ListStuckExpired(ctx context.Context, before time.Time) ([]*model.Membership, error) {
	return r.queryMemberships(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE status = 'expired' AND updated_at < $1
		 ORDER BY updated_at ASC`,
		before)
}

// compile-time interface check
var _ MembershipRepository = (*PostgresMembershipRepo)(nil)
