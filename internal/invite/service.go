// Package invite は使い捨て招待リンクの発行と消費のドメインロジックを提供する。
package invite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/model"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// BotAPI は招待リンク操作に必要なTelegram Bot APIのインターフェース。
type BotAPI interface {
	CreateInviteLink(ctx context.Context, chatID int64, expireAt time.Time) (string, error)
	RevokeInviteLink(ctx context.Context, chatID int64, inviteLink string) error
}

// Service は招待リンクの発行と消費のサービス層。
// リンクの作成はリモート先行で行い、ローカルに記録のないリンクを返すことはない。
type Service struct {
	inviteRepo     repository.InviteRepository
	membershipRepo repository.MembershipRepository
	userRepo       repository.UserRepository
	auditRepo      repository.AuditRepository
	bot            BotAPI
	collector      metrics.MetricsCollector
	clock          clock.Clock
	logger         *slog.Logger
	defaultTTL     time.Duration
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	inviteRepo repository.InviteRepository,
	membershipRepo repository.MembershipRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	bot BotAPI,
	collector metrics.MetricsCollector,
	clk clock.Clock,
	logger *slog.Logger,
	defaultTTL time.Duration,
) *Service {
	return &Service{
		inviteRepo:     inviteRepo,
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		auditRepo:      auditRepo,
		bot:            bot,
		collector:      collector,
		clock:          clk,
		logger:         logger,
		defaultTTL:     defaultTTL,
	}
}

// ttlFor はチャンネル個別のTTL設定を考慮した招待リンクの有効期間を返す。
func (s *Service) ttlFor(channel *model.Channel) time.Duration {
	if channel.InviteTTLSeconds != nil && *channel.InviteTTLSeconds > 0 {
		return time.Duration(*channel.InviteTTLSeconds) * time.Second
	}
	return s.defaultTTL
}

// Issue はメンバーシップに対して新しい使い捨て招待リンクを発行する。
// 同一メンバーシップの未消費リンクは発行前に失効され、常に最新の1本のみが有効。
// リモート作成が成功した後にローカルへ記録するため、記録のないリンクが出回ることはない。
func (s *Service) Issue(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error) {
	now := s.clock.Now()

	// 既存の未消費リンクを置き換える
	if err := s.RevokeOpen(ctx, membership.ID); err != nil {
		return nil, err
	}

	deadline := now.Add(s.ttlFor(channel))
	link, err := s.bot.CreateInviteLink(ctx, channel.ChatID, deadline)
	if err != nil {
		return nil, fmt.Errorf("招待リンクの作成に失敗しました: %w", err)
	}

	inv := &model.Invite{
		Token:        link,
		MembershipID: membership.ID,
		ChatID:       channel.ChatID,
		TTLDeadline:  deadline,
		MaxUses:      1,
		CreatedAt:    now,
	}
	if err := s.inviteRepo.Create(ctx, inv); err != nil {
		// ローカル記録に失敗したリンクは有効にしない
		if revokeErr := s.bot.RevokeInviteLink(ctx, channel.ChatID, link); revokeErr != nil {
			s.logger.Error("記録失敗リンクのリモート失効に失敗しました",
				slog.String("membership_id", membership.ID),
				slog.String("error", revokeErr.Error()),
			)
		}
		return nil, fmt.Errorf("招待の記録に失敗しました: %w", err)
	}

	s.appendAudit(ctx, &model.AuditRecord{
		ID:        uuid.New().String(),
		Action:    model.AuditActionLink,
		UserID:    membership.UserID,
		ChatID:    channel.ChatID,
		Ref:       membership.Ref,
		Detail:    map[string]any{"ttl_deadline": deadline.UTC().Format(time.RFC3339)},
		CreatedAt: now,
	})
	s.collector.RecordInviteIssued()

	return inv, nil
}

// RevokeOpen はメンバーシップに紐付く未消費リンクをすべて失効させる。
// リモート失効の失敗は処理を妨げない。リンク自体のTTLで自然失効する。
func (s *Service) RevokeOpen(ctx context.Context, membershipID string) error {
	open, err := s.inviteRepo.ListOpenByMembership(ctx, membershipID)
	if err != nil {
		return fmt.Errorf("既存招待の取得に失敗しました: %w", err)
	}
	for _, old := range open {
		if err := s.bot.RevokeInviteLink(ctx, old.ChatID, old.Token); err != nil {
			s.logger.Warn("招待リンクのリモート失効に失敗しました",
				slog.String("membership_id", membershipID),
				slog.String("error", err.Error()),
			)
		}
		if err := s.inviteRepo.MarkRevoked(ctx, old.Token); err != nil {
			return fmt.Errorf("招待の失効記録に失敗しました: %w", err)
		}
	}
	return nil
}

// Consume は招待リンクの消費を試みる。
// 消費は1文の条件付き更新で直列化され、同一リンクへの同時参加の勝者は1つに限られる。
// 成立時はメンバーシップをactiveへ遷移し、TelegramアカウントIDを連携して返す。
// 不成立時は原因に応じた終端エラー
// （ErrInviteNotFound / ErrInviteExpired / ErrInviteAlreadyConsumed）を返す。
func (s *Service) Consume(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
	now := s.clock.Now()

	won, err := s.inviteRepo.Consume(ctx, token, account.ID, now)
	if err != nil {
		return nil, fmt.Errorf("招待の消費に失敗しました: %w", err)
	}
	if !won {
		return nil, s.classifyFailure(ctx, token, now)
	}

	inv, err := s.inviteRepo.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("消費済み招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.ErrInviteNotFound
	}

	membership, err := s.membershipRepo.FindByID(ctx, inv.MembershipID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if membership == nil {
		return nil, fmt.Errorf("招待に対応するメンバーシップが存在しません: %s", inv.MembershipID)
	}

	// pending以外（既にactive等）はno-op。消費の勝者性はここに依存しない。
	activated, err := s.membershipRepo.ActivateIfPending(ctx, membership.ID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの有効化に失敗しました: %w", err)
	}
	if activated {
		membership.Status = model.MembershipStatusActive
		membership.Revision++
	}

	if err := s.linkAccount(ctx, membership.UserID, account); err != nil {
		s.logger.Warn("Telegramアカウントの連携に失敗しました",
			slog.String("user_id", membership.UserID),
			slog.String("error", err.Error()),
		)
	}

	// 消費済みリンクをリモート側でも失効し、再利用の窓を閉じる
	if err := s.bot.RevokeInviteLink(ctx, inv.ChatID, inv.Token); err != nil {
		s.logger.Warn("消費済みリンクのリモート失効に失敗しました",
			slog.String("membership_id", membership.ID),
			slog.String("error", err.Error()),
		)
	}

	s.appendAudit(ctx, &model.AuditRecord{
		ID:             uuid.New().String(),
		Action:         model.AuditActionApprove,
		UserID:         membership.UserID,
		ChatID:         membership.ChatID,
		TelegramUserID: account.ID,
		Ref:            membership.Ref,
		CreatedAt:      now,
	})
	s.collector.RecordInviteConsumed()

	return membership, nil
}

// classifyFailure は消費不成立の原因を終端エラーに分類する。
func (s *Service) classifyFailure(ctx context.Context, token string, now time.Time) error {
	inv, err := s.inviteRepo.FindByToken(ctx, token)
	if err != nil {
		return fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return model.ErrInviteNotFound
	}
	if inv.Consumed || inv.Revoked {
		return model.ErrInviteAlreadyConsumed
	}
	if inv.Expired(now) {
		return model.ErrInviteExpired
	}
	return model.ErrInviteNotFound
}

// linkAccount はユーザーにTelegramアカウントを冪等に紐付ける。
func (s *Service) linkAccount(ctx context.Context, userID string, account model.TelegramAccount) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return fmt.Errorf("ユーザーが見つかりません: %s", userID)
	}
	if user.TelegramUserID != nil && *user.TelegramUserID == account.ID {
		return nil
	}
	if err := s.userRepo.LinkTelegramAccount(ctx, userID, account.ID, account.Username); err != nil {
		return fmt.Errorf("Telegramアカウントの紐付けに失敗しました: %w", err)
	}
	return nil
}

// appendAudit は監査レコードを追記する。失敗は本処理を妨げずログに残す。
func (s *Service) appendAudit(ctx context.Context, record *model.AuditRecord) {
	if err := s.auditRepo.Append(ctx, record); err != nil {
		s.logger.Error("監査レコードの追記に失敗しました",
			slog.String("action", string(record.Action)),
			slog.String("error", err.Error()),
		)
	}
}
