// Package access はアクセス付与・剥奪のドメインロジックを提供する。
// 決済レイヤーからの購入イベントをメンバーシップと招待リンクに変換する主要な書き込み経路。
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/model"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// conflictRetryLimit は楽観的更新の競合時に再試行する最大回数。
const conflictRetryLimit = 5

// conflictRetryBase は競合リトライの初期バックオフ。
const conflictRetryBase = 20 * time.Millisecond

// BotAPI はアクセス管理に必要なTelegram Bot APIのインターフェース。
type BotAPI interface {
	BanMember(ctx context.Context, chatID, userID int64) error
	UnbanMember(ctx context.Context, chatID, userID int64) error
}

// InviteIssuer は招待リンクの発行・失効のインターフェース。
type InviteIssuer interface {
	Issue(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error)
	RevokeOpen(ctx context.Context, membershipID string) error
}

// GrantOutcome はチャンネルごとの付与結果の種別を表す。
type GrantOutcome string

const (
	// GrantOutcomeCreated は新規メンバーシップの作成。
	GrantOutcomeCreated GrantOutcome = "created"
	// GrantOutcomeExtended は既存メンバーシップの期間延長。
	GrantOutcomeExtended GrantOutcome = "extended"
	// GrantOutcomeError は付与失敗。バッチ内の他チャンネルには影響しない。
	GrantOutcomeError GrantOutcome = "error"
)

// GrantResult は1チャンネル分の付与結果を表す。
// チャンネルごとに独立した作業単位であり、失敗は他のチャンネルを巻き込まない。
type GrantResult struct {
	ChatID     int64
	Outcome    GrantOutcome
	Status     model.MembershipStatus
	PeriodEnd  time.Time
	InviteLink string // invite_linkポリシーのチャンネルのみ
	Err        error
}

// MembershipInfo はメンバーシップと未消費招待リンクを結合した照会用オブジェクト。
type MembershipInfo struct {
	Membership *model.Membership
	InviteLink string // 未消費リンクが存在する場合のみ
}

// Service はアクセス付与・剥奪のサービス層。
type Service struct {
	userRepo       repository.UserRepository
	channelRepo    repository.ChannelRepository
	membershipRepo repository.MembershipRepository
	inviteRepo     repository.InviteRepository
	auditRepo      repository.AuditRepository
	invites        InviteIssuer
	bot            BotAPI
	collector      metrics.MetricsCollector
	clock          clock.Clock
	logger         *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	channelRepo repository.ChannelRepository,
	membershipRepo repository.MembershipRepository,
	inviteRepo repository.InviteRepository,
	auditRepo repository.AuditRepository,
	invites InviteIssuer,
	bot BotAPI,
	collector metrics.MetricsCollector,
	clk clock.Clock,
	logger *slog.Logger,
) *Service {
	return &Service{
		userRepo:       userRepo,
		channelRepo:    channelRepo,
		membershipRepo: membershipRepo,
		inviteRepo:     inviteRepo,
		auditRepo:      auditRepo,
		invites:        invites,
		bot:            bot,
		collector:      collector,
		clock:          clk,
		logger:         logger,
	}
}

// Grant は購入イベントを1つ以上のメンバーシップと招待リンクに変換する。
// チャンネルごとに独立した結果を返し、1チャンネルの失敗が他を中断することはない。
// ユーザーは初回付与時に作成される。
func (s *Service) Grant(ctx context.Context, extUserID string, chatIDs []int64, duration time.Duration, ref string) ([]GrantResult, error) {
	if duration <= 0 {
		return nil, model.NewInvalidDurationError()
	}
	if extUserID == "" {
		return nil, model.NewUserNotFoundError(extUserID)
	}

	user, err := s.ensureUser(ctx, extUserID)
	if err != nil {
		return nil, err
	}

	results := make([]GrantResult, 0, len(chatIDs))
	for _, chatID := range chatIDs {
		result := s.grantOne(ctx, user, chatID, duration, ref)
		if result.Err != nil {
			s.collector.RecordGrant(string(GrantOutcomeError))
			s.logger.Warn("チャンネルへの付与に失敗しました",
				slog.String("ext_user_id", extUserID),
				slog.Int64("chat_id", chatID),
				slog.String("error", result.Err.Error()),
			)
		} else {
			s.collector.RecordGrant(string(result.Outcome))
		}
		results = append(results, result)
	}
	return results, nil
}

// ensureUser は外部ユーザーIDに対応するユーザーを取得し、存在しない場合は作成する。
func (s *Service) ensureUser(ctx context.Context, extUserID string) (*model.User, error) {
	user, err := s.userRepo.FindByExtUserID(ctx, extUserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user != nil {
		return user, nil
	}

	now := s.clock.Now()
	user = &model.User{
		ID:        uuid.New().String(),
		ExtUserID: extUserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		// 同時作成に負けた場合は既存行を読み直す
		existing, findErr := s.userRepo.FindByExtUserID(ctx, extUserID)
		if findErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}
	return user, nil
}

// grantOne は1チャンネル分の付与を行う。
func (s *Service) grantOne(ctx context.Context, user *model.User, chatID int64, duration time.Duration, ref string) GrantResult {
	channel, err := s.channelRepo.FindByChatID(ctx, chatID)
	if err != nil {
		return GrantResult{ChatID: chatID, Outcome: GrantOutcomeError, Err: fmt.Errorf("チャンネルの取得に失敗しました: %w", err)}
	}
	if channel == nil {
		return GrantResult{ChatID: chatID, Outcome: GrantOutcomeError, Err: model.NewChannelNotFoundError(chatID)}
	}

	membership, outcome, err := s.upsertMembership(ctx, user, channel, duration, ref)
	if err != nil {
		return GrantResult{ChatID: chatID, Outcome: GrantOutcomeError, Err: err}
	}

	// 過去に追放されたユーザーの再参加を妨げないよう、事前に追放を解除する
	if user.HasTelegramAccount() {
		if err := s.bot.UnbanMember(ctx, chatID, *user.TelegramUserID); err != nil {
			s.logger.Warn("事前の追放解除に失敗しました",
				slog.Int64("chat_id", chatID),
				slog.String("error", err.Error()),
			)
		}
	}

	result := GrantResult{
		ChatID:    chatID,
		Outcome:   outcome,
		Status:    membership.Status,
		PeriodEnd: membership.PeriodEnd,
	}

	// invite_linkポリシーのチャンネルは入室用の使い捨てリンクを発行する。
	// 発行失敗時もメンバーシップはpendingのまま残り、再付与でリンクを再発行できる。
	if channel.JoinPolicy == model.JoinPolicyInviteLink && membership.Status == model.MembershipStatusPending {
		inv, err := s.invites.Issue(ctx, membership, channel)
		if err != nil {
			s.appendAudit(ctx, &model.AuditRecord{
				ID:     uuid.New().String(),
				Action: model.AuditActionError,
				UserID: user.ID,
				ChatID: chatID,
				Ref:    ref,
				Detail: map[string]any{
					"operation": "create_invite",
					"error":     err.Error(),
				},
				CreatedAt: s.clock.Now(),
			})
			result.Outcome = GrantOutcomeError
			result.Err = fmt.Errorf("招待リンクの発行に失敗しました: %w", err)
			return result
		}
		result.InviteLink = inv.Token
	}

	s.appendAudit(ctx, &model.AuditRecord{
		ID:     uuid.New().String(),
		Action: model.AuditActionGrant,
		UserID: user.ID,
		ChatID: chatID,
		Ref:    ref,
		Detail: map[string]any{
			"outcome":    string(outcome),
			"period_end": membership.PeriodEnd.UTC().Format(time.RFC3339),
		},
		CreatedAt: s.clock.Now(),
	})

	return result
}

// upsertMembership は(user, chat)のメンバーシップを作成または延長する。
// 一意性制約とリビジョンCASを前提条件とし、競合時は有界バックオフで再試行する。
func (s *Service) upsertMembership(ctx context.Context, user *model.User, channel *model.Channel, duration time.Duration, ref string) (*model.Membership, GrantOutcome, error) {
	var membership *model.Membership
	var outcome GrantOutcome

	backoff := retry.WithMaxRetries(conflictRetryLimit, retry.NewExponential(conflictRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := s.clock.Now()
		existing, err := s.membershipRepo.FindCurrent(ctx, user.ID, channel.ChatID)
		if err != nil {
			return fmt.Errorf("有効メンバーシップの検索に失敗しました: %w", err)
		}

		if existing == nil {
			status := model.MembershipStatusPending
			// join_requestポリシーは招待消費を経ないため即時有効とし、
			// 以後の参加リクエストは有効メンバーシップに対して自動承認される。
			if channel.JoinPolicy == model.JoinPolicyJoinRequest {
				status = model.MembershipStatusActive
			}
			created := &model.Membership{
				ID:          uuid.New().String(),
				UserID:      user.ID,
				ChatID:      channel.ChatID,
				Status:      status,
				PeriodStart: now,
				PeriodEnd:   now.Add(duration),
				Ref:         ref,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.membershipRepo.Create(ctx, created); err != nil {
				if errors.Is(err, model.ErrConflict) {
					// 同時付与に負けた。読み直して延長経路にフォールバック
					return retry.RetryableError(model.ErrConflict)
				}
				return err
			}
			membership = created
			outcome = GrantOutcomeCreated
			return nil
		}

		existing.ExtendPeriod(now, duration)
		existing.Ref = ref
		ok, err := s.membershipRepo.UpdateIfRevision(ctx, existing)
		if err != nil {
			return fmt.Errorf("メンバーシップの延長に失敗しました: %w", err)
		}
		if !ok {
			return retry.RetryableError(model.ErrConflict)
		}
		membership = existing
		outcome = GrantOutcomeExtended
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, GrantOutcomeError, model.NewConflictExhaustedError()
		}
		return nil, GrantOutcomeError, err
	}
	return membership, outcome, nil
}

// ForceRemove はメンバーシップを期限を待たずにremovedへ遷移させる。
// 返金などの手動剥奪に使用する。リモート除去に失敗した場合はexpiredのまま残し、
// 次回スイープで再試行させる。
func (s *Service) ForceRemove(ctx context.Context, extUserID string, chatID int64) error {
	user, err := s.userRepo.FindByExtUserID(ctx, extUserID)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError(extUserID)
	}

	membership, err := s.membershipRepo.FindCurrent(ctx, user.ID, chatID)
	if err != nil {
		return fmt.Errorf("有効メンバーシップの検索に失敗しました: %w", err)
	}
	if membership == nil {
		return model.NewMembershipNotFoundError(extUserID, chatID)
	}

	// 未消費の招待リンクを閉じ、剥奪後の入室を防ぐ
	if err := s.invites.RevokeOpen(ctx, membership.ID); err != nil {
		s.logger.Warn("招待リンクの失効に失敗しました",
			slog.String("membership_id", membership.ID),
			slog.String("error", err.Error()),
		)
	}

	// まずexpiredへ遷移し、リモート除去が失敗してもスイープの再試行対象に残す
	alreadyRemoved := false
	backoff := retry.WithMaxRetries(conflictRetryLimit, retry.NewExponential(conflictRetryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		membership.Status = model.MembershipStatusExpired
		ok, err := s.membershipRepo.UpdateIfRevision(ctx, membership)
		if err != nil {
			return fmt.Errorf("メンバーシップの期限切れ遷移に失敗しました: %w", err)
		}
		if ok {
			return nil
		}
		reread, err := s.membershipRepo.FindByID(ctx, membership.ID)
		if err != nil {
			return fmt.Errorf("メンバーシップの再取得に失敗しました: %w", err)
		}
		if reread == nil || reread.Status == model.MembershipStatusRemoved {
			alreadyRemoved = true
			return nil
		}
		membership = reread
		return retry.RetryableError(model.ErrConflict)
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return model.NewConflictExhaustedError()
		}
		return err
	}

	// 入室済みの場合のみリモート除去が必要。同時スイープが確定済みなら不要
	if !alreadyRemoved && user.HasTelegramAccount() {
		if err := s.removeFromChannel(ctx, chatID, *user.TelegramUserID); err != nil {
			s.collector.RecordRemovalFailure()
			s.appendAudit(ctx, &model.AuditRecord{
				ID:             uuid.New().String(),
				Action:         model.AuditActionError,
				UserID:         user.ID,
				ChatID:         chatID,
				TelegramUserID: *user.TelegramUserID,
				Ref:            membership.Ref,
				Detail: map[string]any{
					"operation": "remove_member",
					"error":     err.Error(),
				},
				CreatedAt: s.clock.Now(),
			})
			s.logger.Error("リモート除去に失敗しました",
				slog.String("membership_id", membership.ID),
				slog.Int64("chat_id", chatID),
				slog.String("error", err.Error()),
			)
			return model.NewRemovalFailedError()
		}
	}

	changed, err := s.membershipRepo.MarkRemovedIfCurrent(ctx, membership.ID)
	if err != nil {
		return fmt.Errorf("メンバーシップの除去記録に失敗しました: %w", err)
	}
	// 同時スイープが先に確定済みの場合は監査とメトリクスを重ねない
	if changed {
		s.appendAudit(ctx, &model.AuditRecord{
			ID:        uuid.New().String(),
			Action:    model.AuditActionRevoke,
			UserID:    user.ID,
			ChatID:    chatID,
			Ref:       membership.Ref,
			Detail:    map[string]any{"forced": true},
			CreatedAt: s.clock.Now(),
		})
		s.collector.RecordRemoval()
	}

	return nil
}

// removeFromChannel はユーザーをチャンネルから追放し、直後に追放を解除する。
// 解除により将来の再招待が可能になる。
func (s *Service) removeFromChannel(ctx context.Context, chatID, telegramUserID int64) error {
	if err := s.bot.BanMember(ctx, chatID, telegramUserID); err != nil {
		return err
	}
	return s.bot.UnbanMember(ctx, chatID, telegramUserID)
}

// ListMemberships はユーザーの全メンバーシップを未消費招待リンク付きで返す。
// ダッシュボード向けの読み取り専用照会。
func (s *Service) ListMemberships(ctx context.Context, extUserID string) ([]MembershipInfo, error) {
	user, err := s.userRepo.FindByExtUserID(ctx, extUserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(extUserID)
	}

	memberships, err := s.membershipRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップ一覧の取得に失敗しました: %w", err)
	}

	infos := make([]MembershipInfo, 0, len(memberships))
	now := s.clock.Now()
	for _, m := range memberships {
		info := MembershipInfo{Membership: m}
		if m.Status == model.MembershipStatusPending {
			open, err := s.inviteRepo.ListOpenByMembership(ctx, m.ID)
			if err != nil {
				return nil, fmt.Errorf("招待一覧の取得に失敗しました: %w", err)
			}
			for _, inv := range open {
				if !inv.Expired(now) {
					info.InviteLink = inv.Token
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// AuditTrail は(user, chat)の監査レコードを新しい順に返す。
func (s *Service) AuditTrail(ctx context.Context, extUserID string, chatID int64, limit int) ([]*model.AuditRecord, error) {
	user, err := s.userRepo.FindByExtUserID(ctx, extUserID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(extUserID)
	}
	records, err := s.auditRepo.ListBySubject(ctx, user.ID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("監査レコードの取得に失敗しました: %w", err)
	}
	return records, nil
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
