// Package sweep はメンバーシップの期限切れ処理を行うバックグラウンドジョブを提供する。
// 期限超過のactiveをexpiredへ遷移させ、expiredをリモート除去のうえremovedへ確定する。
// すべての遷移は条件付き更新のため、付与・webhook処理・重複スイープと同時に実行しても安全。
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/model"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// BotAPI はスイープに必要なTelegram Bot APIのインターフェース。
type BotAPI interface {
	BanMember(ctx context.Context, chatID, userID int64) error
	UnbanMember(ctx context.Context, chatID, userID int64) error
}

// Sweeper は期限切れメンバーシップの検出と除去を行う。
// semaphoreパターンで最大並列数を制御しながらリモート除去を実行する。
type Sweeper struct {
	membershipRepo repository.MembershipRepository
	userRepo       repository.UserRepository
	auditRepo      repository.AuditRepository
	bot            BotAPI
	collector      metrics.MetricsCollector
	clock          clock.Clock
	logger         *slog.Logger
	maxConcurrency int
	stuckThreshold time.Duration
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewSweeper(
	membershipRepo repository.MembershipRepository,
	userRepo repository.UserRepository,
	auditRepo repository.AuditRepository,
	bot BotAPI,
	collector metrics.MetricsCollector,
	clk clock.Clock,
	logger *slog.Logger,
	maxConcurrency int,
	stuckThreshold time.Duration,
) *Sweeper {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Sweeper{
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		auditRepo:      auditRepo,
		bot:            bot,
		collector:      collector,
		clock:          clk,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		stuckThreshold: stuckThreshold,
	}
}

// Start は指定間隔のティッカーでスイープを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("期限切れスイープを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("期限切れスイープを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スイープの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は1回分のスイープを実行する。
// 第1段階で期限超過のactiveをexpiredへ遷移させ、第2段階でexpiredのリモート除去を行う。
// リモート除去に失敗したメンバーシップはexpiredのまま残り、次回のスイープで再試行される。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()

	expiredCount := s.expireDue(ctx)
	removedCount := s.removeExpired(ctx)
	s.flagStuck(ctx)

	s.logger.Info("スイープが完了しました",
		slog.Int("expired_count", expiredCount),
		slog.Int("removed_count", removedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// expireDue は有効期限を過ぎたactiveなメンバーシップをexpiredへ遷移させる。
// リビジョンCASにより、選択後に延長されたメンバーシップは遷移をスキップする。
func (s *Sweeper) expireDue(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.membershipRepo.ListDueForExpiry(ctx, now)
	if err != nil {
		s.logger.Error("期限超過メンバーシップの取得に失敗しました", slog.String("error", err.Error()))
		return 0
	}

	count := 0
	for _, m := range due {
		// 選択とCASの間に延長が入った場合はリビジョン不一致で不成立となる
		m.Status = model.MembershipStatusExpired
		ok, err := s.membershipRepo.UpdateIfRevision(ctx, m)
		if err != nil {
			s.logger.Error("期限切れ遷移に失敗しました",
				slog.String("membership_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			s.logger.Info("延長が競合したため期限切れ遷移をスキップします",
				slog.String("membership_id", m.ID))
			continue
		}

		s.appendAudit(ctx, &model.AuditRecord{
			ID:        uuid.New().String(),
			Action:    model.AuditActionExpire,
			UserID:    m.UserID,
			ChatID:    m.ChatID,
			Ref:       m.Ref,
			CreatedAt: now,
		})
		s.collector.RecordExpiration()
		count++
	}
	return count
}

// removeExpired はexpiredなメンバーシップをリモート除去しremovedへ確定する。
// expiredは「除去が必要」という永続的なキュー状態であり、失敗分は次回再試行される。
func (s *Sweeper) removeExpired(ctx context.Context) int {
	pending, err := s.membershipRepo.ListNeedingRemoval(ctx)
	if err != nil {
		s.logger.Error("除去待ちメンバーシップの取得に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0

	for _, m := range pending {
		wg.Add(1)
		sem <- struct{}{}

		go func(m *model.Membership) {
			defer wg.Done()
			defer func() { <-sem }()

			if s.removeOne(ctx, m) {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return count
}

// removeOne は1件のメンバーシップをリモート除去しremovedへ遷移させる。
func (s *Sweeper) removeOne(ctx context.Context, m *model.Membership) bool {
	user, err := s.userRepo.FindByID(ctx, m.UserID)
	if err != nil {
		s.logger.Error("ユーザーの取得に失敗しました",
			slog.String("membership_id", m.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	// Telegramアカウント未連携のユーザーは入室していないため、リモート除去は不要
	if user != nil && user.HasTelegramAccount() {
		if err := s.kickAndUnban(ctx, m.ChatID, *user.TelegramUserID); err != nil {
			s.collector.RecordRemovalFailure()
			s.appendAudit(ctx, &model.AuditRecord{
				ID:             uuid.New().String(),
				Action:         model.AuditActionError,
				UserID:         m.UserID,
				ChatID:         m.ChatID,
				TelegramUserID: *user.TelegramUserID,
				Ref:            m.Ref,
				Detail: map[string]any{
					"operation": "remove_member",
					"error":     err.Error(),
				},
				CreatedAt: s.clock.Now(),
			})
			s.logger.Error("リモート除去に失敗しました",
				slog.String("membership_id", m.ID),
				slog.Int64("chat_id", m.ChatID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	changed, err := s.membershipRepo.MarkRemovedIfCurrent(ctx, m.ID)
	if err != nil {
		s.logger.Error("メンバーシップの除去記録に失敗しました",
			slog.String("membership_id", m.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !changed {
		// 重複スイープが先に確定済み。no-op
		return false
	}

	s.appendAudit(ctx, &model.AuditRecord{
		ID:        uuid.New().String(),
		Action:    model.AuditActionRevoke,
		UserID:    m.UserID,
		ChatID:    m.ChatID,
		Ref:       m.Ref,
		CreatedAt: s.clock.Now(),
	})
	s.collector.RecordRemoval()
	return true
}

// kickAndUnban はユーザーを追放し、直後に追放を解除して将来の再招待を可能にする。
func (s *Sweeper) kickAndUnban(ctx context.Context, chatID, telegramUserID int64) error {
	if err := s.bot.BanMember(ctx, chatID, telegramUserID); err != nil {
		return err
	}
	return s.bot.UnbanMember(ctx, chatID, telegramUserID)
}

// flagStuck は閾値を超えてexpiredに留まるメンバーシップを警告ログで可視化する。
// アラート発報は外部の監視基盤に委ねる。
func (s *Sweeper) flagStuck(ctx context.Context) {
	if s.stuckThreshold <= 0 {
		return
	}
	stuck, err := s.membershipRepo.ListStuckExpired(ctx, s.clock.Now().Add(-s.stuckThreshold))
	if err != nil {
		s.logger.Error("滞留メンバーシップの取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	for _, m := range stuck {
		s.logger.Warn("除去が長時間完了していないメンバーシップがあります",
			slog.String("membership_id", m.ID),
			slog.Int64("chat_id", m.ChatID),
			slog.Time("updated_at", m.UpdatedAt),
		)
	}
}

// appendAudit は監査レコードを追記する。失敗は本処理を妨げずログに残す。
func (s *Sweeper) appendAudit(ctx context.Context, record *model.AuditRecord) {
	if err := s.auditRepo.Append(ctx, record); err != nil {
		s.logger.Error("監査レコードの追記に失敗しました",
			slog.String("action", string(record.Action)),
			slog.String("error", err.Error()),
		)
	}
}
