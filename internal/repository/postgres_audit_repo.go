package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/gatekeep/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査レコードリポジトリ。
// 追記専用で、更新・削除の操作は提供しない。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査レコードを追記する。
func (r *PostgresAuditRepo) Append(ctx context.Context, record *model.AuditRecord) error {
	detail := record.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("監査詳細のシリアライズに失敗しました: %w", err)
	}

	var userID sql.NullString
	if record.UserID != "" {
		userID = sql.NullString{String: record.UserID, Valid: true}
	}
	var chatID sql.NullInt64
	if record.ChatID != 0 {
		chatID = sql.NullInt64{Int64: record.ChatID, Valid: true}
	}
	var telegramUserID sql.NullInt64
	if record.TelegramUserID != 0 {
		telegramUserID = sql.NullInt64{Int64: record.TelegramUserID, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, action, user_id, chat_id, telegram_user_id, ref, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.Action, userID, chatID, telegramUserID, record.Ref, detailJSON, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("監査レコードの追記に失敗しました: %w", err)
	}
	return nil
}

// ListBySubject は(user, chat)の監査レコードを新しい順に返す。
func (r *PostgresAuditRepo) ListBySubject(ctx context.Context, userID string, chatID int64, limit int) ([]*model.AuditRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, action, user_id, chat_id, telegram_user_id, ref, detail, created_at
		 FROM audit_records
		 WHERE user_id = $1 AND chat_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("監査レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		var recUserID sql.NullString
		var recChatID, recTelegramUserID sql.NullInt64
		var detailJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Action, &recUserID, &recChatID, &recTelegramUserID, &rec.Ref, &detailJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("監査レコード行の読み取りに失敗しました: %w", err)
		}
		if recUserID.Valid {
			rec.UserID = recUserID.String
		}
		if recChatID.Valid {
			rec.ChatID = recChatID.Int64
		}
		if recTelegramUserID.Valid {
			rec.TelegramUserID = recTelegramUserID.Int64
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &rec.Detail); err != nil {
				return nil, fmt.Errorf("監査詳細の復元に失敗しました: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("監査レコード一覧の走査に失敗しました: %w", err)
	}
	return records, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
