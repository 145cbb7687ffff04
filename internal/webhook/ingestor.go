// Package webhook はTelegramからの更新イベントの取り込みを提供する。
// 配信はat-least-onceかつ順序保証なしのため、update_idによる重複排除を通過した
// イベントのみを各ドメイン処理にルーティングする。
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/model"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// BotAPI はwebhook処理に必要なTelegram Bot APIのインターフェース。
type BotAPI interface {
	ApproveJoinRequest(ctx context.Context, chatID, userID int64) error
	DeclineJoinRequest(ctx context.Context, chatID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// InviteService は招待リンクの消費・発行のインターフェース。
type InviteService interface {
	Consume(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error)
	Issue(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error)
}

// deepLinkParamPattern は/startディープリンクに許可する文字集合。
var deepLinkParamPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)

// Ingestor は受信した更新イベントを種別ごとのドメイン処理にルーティングする。
type Ingestor struct {
	userRepo       repository.UserRepository
	channelRepo    repository.ChannelRepository
	membershipRepo repository.MembershipRepository
	auditRepo      repository.AuditRepository
	updateLogRepo  repository.UpdateLogRepository
	invites        InviteService
	bot            BotAPI
	collector      metrics.MetricsCollector
	clock          clock.Clock
	logger         *slog.Logger
}

// NewIngestor はIngestorの新しいインスタンスを生成する。
func NewIngestor(
	userRepo repository.UserRepository,
	channelRepo repository.ChannelRepository,
	membershipRepo repository.MembershipRepository,
	auditRepo repository.AuditRepository,
	updateLogRepo repository.UpdateLogRepository,
	invites InviteService,
	bot BotAPI,
	collector metrics.MetricsCollector,
	clk clock.Clock,
	logger *slog.Logger,
) *Ingestor {
	return &Ingestor{
		userRepo:       userRepo,
		channelRepo:    channelRepo,
		membershipRepo: membershipRepo,
		auditRepo:      auditRepo,
		updateLogRepo:  updateLogRepo,
		invites:        invites,
		bot:            bot,
		collector:      collector,
		clock:          clk,
		logger:         logger,
	}
}

// Ingest は1件の更新イベントを処理する。
// 既に処理済みのupdate_idはACKのみで再処理しない。未知の種別もACKして破棄する。
// 重複排除フェンスは種別処理の成功後にのみ書き込む。一時的な失敗でフェンスを
// 残さず返すことで、Telegramの再配信が再試行として機能する。
func (i *Ingestor) Ingest(ctx context.Context, update *model.Update) error {
	processed, err := i.updateLogRepo.IsProcessed(ctx, update.UpdateID)
	if err != nil {
		return fmt.Errorf("処理済み判定に失敗しました: %w", err)
	}
	if processed {
		i.collector.RecordWebhookDuplicate()
		i.logger.Info("重複した更新をスキップします", slog.Int64("update_id", update.UpdateID))
		return nil
	}

	kind := update.Kind()
	if err := i.route(ctx, kind, update); err != nil {
		return err
	}
	i.collector.RecordWebhookProcessed(string(kind))

	// 同時配信で負けた場合も各処理は条件付き更新のため冪等。
	// 成功後のフェンス書き込み失敗は再配信の再処理で吸収できるためACKする。
	first, err := i.updateLogRepo.MarkProcessed(ctx, update.UpdateID, i.clock.Now())
	if err != nil {
		i.logger.Error("更新IDの記録に失敗しました",
			slog.Int64("update_id", update.UpdateID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !first {
		i.collector.RecordWebhookDuplicate()
	}
	return nil
}

// route は更新イベントを種別ごとの処理に振り分ける。
func (i *Ingestor) route(ctx context.Context, kind model.UpdateKind, update *model.Update) error {
	switch kind {
	case model.UpdateKindJoinRequest:
		return i.handleJoinRequest(ctx, update.ChatJoinRequest)
	case model.UpdateKindChatMember:
		return i.handleChatMember(ctx, update.ChatMember)
	case model.UpdateKindMyChatMember:
		return i.handleMyChatMember(ctx, update.MyChatMember)
	case model.UpdateKindMessage:
		return i.handleMessage(ctx, update.Message)
	default:
		i.logger.Info("処理対象外の更新をスキップします", slog.Int64("update_id", update.UpdateID))
		return nil
	}
}

// handleJoinRequest は参加リクエストを処理する。
// 招待リンク付きのリクエストは消費を試み、結果に応じて承認または拒否する。
// リンクなしのリクエストは有効なメンバーシップの有無で判定する。
func (i *Ingestor) handleJoinRequest(ctx context.Context, jr *model.ChatJoinRequest) error {
	chatID := jr.Chat.ID
	account := jr.From

	if jr.InviteLink != nil && jr.InviteLink.InviteLink != "" {
		return i.consumeAndApprove(ctx, chatID, account, jr.InviteLink.InviteLink)
	}
	return i.approveByMembership(ctx, chatID, account)
}

// consumeAndApprove は招待リンクを消費し、結果に応じて参加リクエストを承認・拒否する。
func (i *Ingestor) consumeAndApprove(ctx context.Context, chatID int64, account model.TelegramAccount, token string) error {
	membership, err := i.invites.Consume(ctx, token, account)
	if err != nil {
		if isTerminalConsumeError(err) {
			return i.decline(ctx, chatID, account, consumeFailureReason(err))
		}
		return fmt.Errorf("招待の消費に失敗しました: %w", err)
	}

	if err := i.bot.ApproveJoinRequest(ctx, chatID, account.ID); err != nil {
		// 承認の失敗は消費を巻き戻さない。ユーザーは再度リクエストでき、
		// リンクなしの経路がactiveなメンバーシップに対して承認する。
		i.logger.Error("参加リクエストの承認に失敗しました",
			slog.Int64("chat_id", chatID),
			slog.Int64("telegram_user_id", account.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	i.collector.RecordJoinApproved()
	i.logger.Info("参加リクエストを承認しました",
		slog.Int64("chat_id", chatID),
		slog.Int64("telegram_user_id", account.ID),
		slog.String("membership_id", membership.ID),
	)
	return nil
}

// approveByMembership はリンクを伴わない参加リクエストを判定する。
// join_requestポリシーのチャンネルで付与済みユーザーの参加を自動承認する経路。
func (i *Ingestor) approveByMembership(ctx context.Context, chatID int64, account model.TelegramAccount) error {
	user, err := i.userRepo.FindByTelegramUserID(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		return i.decline(ctx, chatID, account, "user_not_found")
	}

	membership, err := i.membershipRepo.FindCurrent(ctx, user.ID, chatID)
	if err != nil {
		return fmt.Errorf("有効メンバーシップの検索に失敗しました: %w", err)
	}
	if membership == nil || membership.Status != model.MembershipStatusActive {
		return i.decline(ctx, chatID, account, "no_active_membership")
	}

	if err := i.bot.ApproveJoinRequest(ctx, chatID, account.ID); err != nil {
		return fmt.Errorf("参加リクエストの承認に失敗しました: %w", err)
	}

	i.collector.RecordJoinApproved()
	i.appendAudit(ctx, &model.AuditRecord{
		ID:             uuid.New().String(),
		Action:         model.AuditActionApprove,
		UserID:         user.ID,
		ChatID:         chatID,
		TelegramUserID: account.ID,
		Ref:            membership.Ref,
		CreatedAt:      i.clock.Now(),
	})
	return nil
}

// decline は参加リクエストを拒否し、理由を監査に残す。
func (i *Ingestor) decline(ctx context.Context, chatID int64, account model.TelegramAccount, reason string) error {
	if err := i.bot.DeclineJoinRequest(ctx, chatID, account.ID); err != nil {
		return fmt.Errorf("参加リクエストの拒否に失敗しました: %w", err)
	}
	i.collector.RecordJoinDeclined()
	i.appendAudit(ctx, &model.AuditRecord{
		ID:             uuid.New().String(),
		Action:         model.AuditActionDecline,
		ChatID:         chatID,
		TelegramUserID: account.ID,
		Detail:         map[string]any{"reason": reason},
		CreatedAt:      i.clock.Now(),
	})
	i.logger.Info("参加リクエストを拒否しました",
		slog.Int64("chat_id", chatID),
		slog.Int64("telegram_user_id", account.ID),
		slog.String("reason", reason),
	)
	return nil
}

// handleChatMember はメンバー状態の変化を処理する。
// 自発的な退出・追放はスイープを待たずにメンバーシップをremovedへ遷移させる。
func (i *Ingestor) handleChatMember(ctx context.Context, cm *model.ChatMemberUpdated) error {
	chatID := cm.Chat.ID
	account := cm.NewChatMember.User

	switch {
	case cm.IsLeave():
		return i.handleMemberLeft(ctx, chatID, account, cm)
	case cm.IsJoin():
		i.logger.Info("メンバーの参加を確認しました",
			slog.Int64("chat_id", chatID),
			slog.Int64("telegram_user_id", account.ID),
		)
		return nil
	default:
		return nil
	}
}

// handleMemberLeft は退出・追放イベントを処理する。
func (i *Ingestor) handleMemberLeft(ctx context.Context, chatID int64, account model.TelegramAccount, cm *model.ChatMemberUpdated) error {
	user, err := i.userRepo.FindByTelegramUserID(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}

	record := &model.AuditRecord{
		ID:             uuid.New().String(),
		Action:         model.AuditActionMemberLeft,
		ChatID:         chatID,
		TelegramUserID: account.ID,
		Detail: map[string]any{
			"old_status": cm.OldChatMember.Status,
			"new_status": cm.NewChatMember.Status,
		},
		CreatedAt: i.clock.Now(),
	}

	if user != nil {
		record.UserID = user.ID
		membership, err := i.membershipRepo.FindCurrent(ctx, user.ID, chatID)
		if err != nil {
			return fmt.Errorf("有効メンバーシップの検索に失敗しました: %w", err)
		}
		if membership != nil {
			// 重複イベントの再処理はno-op
			if _, err := i.membershipRepo.MarkRemovedIfCurrent(ctx, membership.ID); err != nil {
				return fmt.Errorf("メンバーシップの除去記録に失敗しました: %w", err)
			}
			record.Ref = membership.Ref
		}
	}

	i.appendAudit(ctx, record)
	return nil
}

// handleMyChatMember はチャンネル内のボット自身の権限変化を監査に残す。
func (i *Ingestor) handleMyChatMember(ctx context.Context, cm *model.ChatMemberUpdated) error {
	i.appendAudit(ctx, &model.AuditRecord{
		ID:     uuid.New().String(),
		Action: model.AuditActionBotStatus,
		ChatID: cm.Chat.ID,
		Detail: map[string]any{
			"old_status": cm.OldChatMember.Status,
			"new_status": cm.NewChatMember.Status,
		},
		CreatedAt: i.clock.Now(),
	})
	i.logger.Info("ボットの権限が変更されました",
		slog.Int64("chat_id", cm.Chat.ID),
		slog.String("old_status", cm.OldChatMember.Status),
		slog.String("new_status", cm.NewChatMember.Status),
	)
	return nil
}

// handleMessage は/startコマンドを処理する。それ以外のメッセージは破棄する。
func (i *Ingestor) handleMessage(ctx context.Context, msg *model.UpdateMessage) error {
	if !strings.HasPrefix(msg.Text, "/start") {
		return nil
	}

	parts := strings.SplitN(msg.Text, " ", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		i.logger.Info("ディープリンクなしの/startを受信しました",
			slog.Int64("telegram_user_id", msg.From.ID))
		return nil
	}

	param := strings.TrimSpace(parts[1])
	if !deepLinkParamPattern.MatchString(param) {
		i.logger.Warn("不正なディープリンクパラメータを受信しました",
			slog.Int64("telegram_user_id", msg.From.ID))
		return nil
	}

	return i.linkAndAssist(ctx, param, msg.From)
}

// linkAndAssist はディープリンクのext_user_idにTelegramアカウントを紐付け、
// 有効なメンバーシップがあれば入室手段を案内する。
func (i *Ingestor) linkAndAssist(ctx context.Context, extUserID string, account model.TelegramAccount) error {
	now := i.clock.Now()

	user, err := i.userRepo.FindByExtUserID(ctx, extUserID)
	if err != nil {
		return fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if user == nil {
		user = &model.User{
			ID:        uuid.New().String(),
			ExtUserID: extUserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := i.userRepo.Create(ctx, user); err != nil {
			return fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
		}
	}

	if err := i.userRepo.LinkTelegramAccount(ctx, user.ID, account.ID, account.Username); err != nil {
		return fmt.Errorf("Telegramアカウントの紐付けに失敗しました: %w", err)
	}

	i.appendAudit(ctx, &model.AuditRecord{
		ID:             uuid.New().String(),
		Action:         model.AuditActionLink,
		UserID:         user.ID,
		TelegramUserID: account.ID,
		Detail:         map[string]any{"username": account.Username},
		CreatedAt:      now,
	})

	memberships, err := i.membershipRepo.ListCurrentByUser(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("メンバーシップ一覧の取得に失敗しました: %w", err)
	}

	var links []string
	var requests []string
	for _, m := range memberships {
		channel, err := i.channelRepo.FindByChatID(ctx, m.ChatID)
		if err != nil || channel == nil {
			continue
		}
		if channel.JoinPolicy == model.JoinPolicyInviteLink && m.Status == model.MembershipStatusPending {
			inv, err := i.invites.Issue(ctx, m, channel)
			if err != nil {
				i.logger.Warn("案内用招待リンクの発行に失敗しました",
					slog.String("membership_id", m.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			links = append(links, fmt.Sprintf("・%s: %s", channel.Name, inv.Token))
		} else if channel.JoinPolicy == model.JoinPolicyJoinRequest {
			requests = append(requests, fmt.Sprintf("・%s: チャンネルを開いて参加リクエストを送信してください", channel.Name))
		}
	}

	if err := i.bot.SendMessage(ctx, account.ID, buildWelcomeMessage(links, requests)); err != nil {
		i.logger.Warn("案内メッセージの送信に失敗しました",
			slog.Int64("telegram_user_id", account.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// buildWelcomeMessage は/start後の案内メッセージを組み立てる。
func buildWelcomeMessage(links, requests []string) string {
	var b strings.Builder
	b.WriteString("アカウントの連携が完了しました。")
	if len(links) > 0 {
		b.WriteString("\n\n入室用リンク:\n")
		b.WriteString(strings.Join(links, "\n"))
	}
	if len(requests) > 0 {
		b.WriteString("\n\n参加リクエストで入室するチャンネル:\n")
		b.WriteString(strings.Join(requests, "\n"))
	}
	if len(links) == 0 && len(requests) == 0 {
		b.WriteString("\n\n有効な購読が見つかりませんでした。購入直後の場合は少し待ってからもう一度お試しください。")
	}
	return b.String()
}

// isTerminalConsumeError は消費失敗が終端的な結果かどうかを返す。
func isTerminalConsumeError(err error) bool {
	return errors.Is(err, model.ErrInviteNotFound) ||
		errors.Is(err, model.ErrInviteExpired) ||
		errors.Is(err, model.ErrInviteAlreadyConsumed)
}

// consumeFailureReason は終端エラーを監査用の理由文字列に変換する。
func consumeFailureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInviteExpired):
		return "invite_expired"
	case errors.Is(err, model.ErrInviteAlreadyConsumed):
		return "invite_already_consumed"
	default:
		return "invite_not_found"
	}
}

// appendAudit は監査レコードを追記する。失敗は本処理を妨げずログに残す。
func (i *Ingestor) appendAudit(ctx context.Context, record *model.AuditRecord) {
	if err := i.auditRepo.Append(ctx, record); err != nil {
		i.logger.Error("監査レコードの追記に失敗しました",
			slog.String("action", string(record.Action)),
			slog.String("error", err.Error()),
		)
	}
}
