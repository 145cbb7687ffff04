// Package reconcile は招待リンクと受信記録の定期整理ジョブを提供する。
// TTL期限切れで未消費のままの招待をリモート・ローカルの両方で失効させ、
// 保持期間を超過したwebhook受信記録を削除する。
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// expiredInviteBatchSize は1回の実行で処理する期限切れ招待の上限。
const expiredInviteBatchSize = 200

// BotAPI はリコンサイルに必要なTelegram Bot APIのインターフェース。
type BotAPI interface {
	RevokeInviteLink(ctx context.Context, chatID int64, inviteLink string) error
}

// Job は招待リンクと受信記録の整理ジョブ。
// 冪等: 処理対象がない場合でもエラーにならない。
type Job struct {
	inviteRepo    repository.InviteRepository
	updateLogRepo repository.UpdateLogRepository
	bot           BotAPI
	clock         clock.Clock
	logger        *slog.Logger
	RetentionDays int // webhook受信記録の保持日数
}

// NewJob は新しいJobを生成する。
// デフォルトの受信記録保持日数は14日。
func NewJob(
	inviteRepo repository.InviteRepository,
	updateLogRepo repository.UpdateLogRepository,
	bot BotAPI,
	clk clock.Clock,
	logger *slog.Logger,
) *Job {
	return &Job{
		inviteRepo:    inviteRepo,
		updateLogRepo: updateLogRepo,
		bot:           bot,
		clock:         clk,
		logger:        logger,
		RetentionDays: 14,
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("リコンサイルジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("リコンサイルの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("リコンサイルジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("リコンサイルの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// Run は1回分のリコンサイルを実行する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	revoked := j.revokeExpiredInvites(ctx)
	pruned := j.pruneProcessedUpdates(ctx)

	j.logger.Info("リコンサイルが完了しました",
		slog.Int("revoked_invites", revoked),
		slog.Int64("pruned_updates", pruned),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// revokeExpiredInvites はTTL期限切れで未消費の招待を失効させる。
// リモート失効に失敗してもローカルの失効記録は行う。リンク自体は
// Telegram側のexpire_dateで既に無効化されている。
func (j *Job) revokeExpiredInvites(ctx context.Context) int {
	now := j.clock.Now()
	expired, err := j.inviteRepo.ListExpiredOpen(ctx, now, expiredInviteBatchSize)
	if err != nil {
		j.logger.Error("期限切れ招待の取得に失敗しました", slog.String("error", err.Error()))
		return 0
	}

	count := 0
	for _, inv := range expired {
		if err := j.bot.RevokeInviteLink(ctx, inv.ChatID, inv.Token); err != nil {
			j.logger.Warn("期限切れ招待のリモート失効に失敗しました",
				slog.String("membership_id", inv.MembershipID),
				slog.String("error", err.Error()),
			)
		}
		if err := j.inviteRepo.MarkRevoked(ctx, inv.Token); err != nil {
			j.logger.Error("期限切れ招待の失効記録に失敗しました",
				slog.String("membership_id", inv.MembershipID),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count
}

// pruneProcessedUpdates は保持期間を超過したwebhook受信記録を削除する。
// Telegramの再送信ウィンドウは保持期間より十分短く、削除後の重複再処理は起こらない。
func (j *Job) pruneProcessedUpdates(ctx context.Context) int64 {
	cutoff := j.clock.Now().AddDate(0, 0, -j.RetentionDays)
	deleted, err := j.updateLogRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("受信記録の削除に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	return deleted
}
