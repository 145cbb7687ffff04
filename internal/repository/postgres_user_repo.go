package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/gatekeep/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// scanUser は1行をmodel.Userに読み取る。
func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var telegramUserID sql.NullInt64
	err := row.Scan(&user.ID, &user.ExtUserID, &telegramUserID, &user.TelegramUsername, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザー行の読み取りに失敗しました: %w", err)
	}
	if telegramUserID.Valid {
		user.TelegramUserID = &telegramUserID.Int64
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, ext_user_id, telegram_user_id, telegram_username, created_at, updated_at
		 FROM users WHERE id = $1`,
		id,
	)
	return scanUser(row)
}

// FindByExtUserID は外部ユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExtUserID(ctx context.Context, extUserID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, ext_user_id, telegram_user_id, telegram_username, created_at, updated_at
		 FROM users WHERE ext_user_id = $1`,
		extUserID,
	)
	return scanUser(row)
}

// FindByTelegramUserID はTelegramユーザーIDでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByTelegramUserID(ctx context.Context, telegramUserID int64) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, ext_user_id, telegram_user_id, telegram_username, created_at, updated_at
		 FROM users WHERE telegram_user_id = $1`,
		telegramUserID,
	)
	return scanUser(row)
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	var telegramUserID sql.NullInt64
	if user.TelegramUserID != nil {
		telegramUserID = sql.NullInt64{Int64: *user.TelegramUserID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, ext_user_id, telegram_user_id, telegram_username, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.ExtUserID, telegramUserID, user.TelegramUsername, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}
	return nil
}

// LinkTelegramAccount はユーザーにTelegramアカウントを紐付ける。
func (r *PostgresUserRepo) LinkTelegramAccount(ctx context.Context, id string, telegramUserID int64, username string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET telegram_user_id = $2, telegram_username = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, telegramUserID, username,
	)
	if err != nil {
		return fmt.Errorf("Telegramアカウントの紐付けに失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("ユーザーが見つかりません: %s", id)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
