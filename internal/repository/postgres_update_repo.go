package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresUpdateLogRepo はPostgreSQLを使用した受信更新記録リポジトリ。
// webhook更新IDのINSERT成否を重複排除の判定に使用する。
type PostgresUpdateLogRepo struct {
	db *sql.DB
}

// NewPostgresUpdateLogRepo はPostgresUpdateLogRepoを生成する。
func NewPostgresUpdateLogRepo(db *sql.DB) *PostgresUpdateLogRepo {
	return &PostgresUpdateLogRepo{db: db}
}

// IsProcessed は更新IDが処理済みとして記録されているかを返す。
func (r *PostgresUpdateLogRepo) IsProcessed(ctx context.Context, updateID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_updates WHERE update_id = $1)`,
		updateID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("処理済み判定に失敗しました: %w", err)
	}
	return exists, nil
}

// MarkProcessed は更新IDを処理済みとして記録する。
// ON CONFLICT DO NOTHINGにより、同一更新IDの同時到着でも勝者は1つに限られる。
func (r *PostgresUpdateLogRepo) MarkProcessed(ctx context.Context, updateID int64, receivedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_updates (update_id, received_at)
		 VALUES ($1, $2)
		 ON CONFLICT (update_id) DO NOTHING`,
		updateID, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("更新IDの記録に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("記録結果の取得に失敗しました: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteOlderThan は指定時刻より古い記録を削除し、削除件数を返す。
func (r *PostgresUpdateLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_updates WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("受信更新記録の削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ UpdateLogRepository = (*PostgresUpdateLogRepo)(nil)
