package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/gatekeep/internal/model"
)

// PostgresChannelRepo はPostgreSQLを使用したチャンネルリポジトリ。
type PostgresChannelRepo struct {
	db *sql.DB
}

// NewPostgresChannelRepo はPostgresChannelRepoを生成する。
func NewPostgresChannelRepo(db *sql.DB) *PostgresChannelRepo {
	return &PostgresChannelRepo{db: db}
}

// FindByChatID は指定チャットIDのチャンネルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelRepo) FindByChatID(ctx context.Context, chatID int64) (*model.Channel, error) {
	ch := &model.Channel{}
	var ttl sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT chat_id, name, join_policy, invite_ttl_seconds, created_at, updated_at
		 FROM channels WHERE chat_id = $1`,
		chatID,
	).Scan(&ch.ChatID, &ch.Name, &ch.JoinPolicy, &ttl, &ch.CreatedAt, &ch.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チャンネルの取得に失敗しました: %w", err)
	}
	if ttl.Valid {
		seconds := int(ttl.Int64)
		ch.InviteTTLSeconds = &seconds
	}
	return ch, nil
}

// List は登録済みチャンネルの一覧を返す。
func (r *PostgresChannelRepo) List(ctx context.Context) ([]*model.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT chat_id, name, join_policy, invite_ttl_seconds, created_at, updated_at
		 FROM channels ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("チャンネル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var channels []*model.Channel
	for rows.Next() {
		ch := &model.Channel{}
		var ttl sql.NullInt64
		if err := rows.Scan(&ch.ChatID, &ch.Name, &ch.JoinPolicy, &ttl, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("チャンネル行の読み取りに失敗しました: %w", err)
		}
		if ttl.Valid {
			seconds := int(ttl.Int64)
			ch.InviteTTLSeconds = &seconds
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チャンネル一覧の走査に失敗しました: %w", err)
	}
	return channels, nil
}

// Upsert はチャンネルを冪等に登録・更新する。
func (r *PostgresChannelRepo) Upsert(ctx context.Context, channel *model.Channel) error {
	var ttl sql.NullInt64
	if channel.InviteTTLSeconds != nil {
		ttl = sql.NullInt64{Int64: int64(*channel.InviteTTLSeconds), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (chat_id, name, join_policy, invite_ttl_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (chat_id) DO UPDATE
		 SET name = EXCLUDED.name,
		     join_policy = EXCLUDED.join_policy,
		     invite_ttl_seconds = EXCLUDED.invite_ttl_seconds,
		     updated_at = EXCLUDED.updated_at`,
		channel.ChatID, channel.Name, channel.JoinPolicy, ttl, channel.CreatedAt, channel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("チャンネルの登録に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ChannelRepository = (*PostgresChannelRepo)(nil)
