package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/gatekeep/internal/model"
)

// fixedClock はテスト用の固定時刻Clock。
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type mockInviteRepo struct {
	listExpiredFn func(ctx context.Context, now time.Time, limit int) ([]*model.Invite, error)
	revokeFn      func(ctx context.Context, token string) error
	revoked       []string
}

func (m *mockInviteRepo) Create(ctx context.Context, invite *model.Invite) error { return nil }

func (m *mockInviteRepo) FindByToken(ctx context.Context, token string) (*model.Invite, error) {
	return nil, nil
}

func (m *mockInviteRepo) Consume(ctx context.Context, token string, telegramUserID int64, now time.Time) (bool, error) {
	return false, nil
}

func (m *mockInviteRepo) MarkRevoked(ctx context.Context, token string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, token)
	}
	m.revoked = append(m.revoked, token)
	return nil
}

func (m *mockInviteRepo) ListOpenByMembership(ctx context.Context, membershipID string) ([]*model.Invite, error) {
	return nil, nil
}

func (m *mockInviteRepo) ListExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*model.Invite, error) {
	if m.listExpiredFn != nil {
		return m.listExpiredFn(ctx, now, limit)
	}
	return nil, nil
}

type mockUpdateLog struct {
	deleteFn  func(ctx context.Context, cutoff time.Time) (int64, error)
	gotCutoff time.Time
}

func (m *mockUpdateLog) IsProcessed(ctx context.Context, updateID int64) (bool, error) {
	return false, nil
}

func (m *mockUpdateLog) MarkProcessed(ctx context.Context, updateID int64, receivedAt time.Time) (bool, error) {
	return true, nil
}

func (m *mockUpdateLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.gotCutoff = cutoff
	if m.deleteFn != nil {
		return m.deleteFn(ctx, cutoff)
	}
	return 0, nil
}

type mockBot struct {
	revokeFn func(ctx context.Context, chatID int64, inviteLink string) error
	revoked  []string
}

func (m *mockBot) RevokeInviteLink(ctx context.Context, chatID int64, inviteLink string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, chatID, inviteLink)
	}
	m.revoked = append(m.revoked, inviteLink)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// 期限切れ招待がリモート・ローカルの両方で失効されることを検証
func TestJob_Run_RevokesExpiredInvites(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	invites := &mockInviteRepo{
		listExpiredFn: func(ctx context.Context, _ time.Time, limit int) ([]*model.Invite, error) {
			if limit != expiredInviteBatchSize {
				t.Errorf("limit = %d, want %d", limit, expiredInviteBatchSize)
			}
			return []*model.Invite{
				{Token: "https://t.me/+a", ChatID: -100123, MembershipID: "m-1"},
				{Token: "https://t.me/+b", ChatID: -100456, MembershipID: "m-2"},
			}, nil
		},
	}
	bot := &mockBot{}

	j := NewJob(invites, &mockUpdateLog{}, bot, fixedClock{t: now}, testLogger())
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bot.revoked) != 2 {
		t.Errorf("remote revoked = %v, want 2 links", bot.revoked)
	}
	if len(invites.revoked) != 2 {
		t.Errorf("locally revoked = %v, want 2 tokens", invites.revoked)
	}
}

// リモート失効の失敗がローカルの失効記録を妨げないことを検証
func TestJob_Run_RemoteFailureStillMarksRevoked(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	invites := &mockInviteRepo{
		listExpiredFn: func(ctx context.Context, _ time.Time, limit int) ([]*model.Invite, error) {
			return []*model.Invite{{Token: "https://t.me/+a", ChatID: -100123}}, nil
		},
	}
	bot := &mockBot{
		revokeFn: func(ctx context.Context, chatID int64, inviteLink string) error {
			return errors.New("api down")
		},
	}

	j := NewJob(invites, &mockUpdateLog{}, bot, fixedClock{t: now}, testLogger())
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(invites.revoked) != 1 {
		t.Errorf("locally revoked = %v, want 1 token", invites.revoked)
	}
}

// 保持期間を超過した受信記録が削除されることを検証
func TestJob_Run_PrunesOldUpdates(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	updateLog := &mockUpdateLog{
		deleteFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 42, nil
		},
	}

	j := NewJob(&mockInviteRepo{}, updateLog, &mockBot{}, fixedClock{t: now}, testLogger())
	j.RetentionDays = 7
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := now.AddDate(0, 0, -7)
	if !updateLog.gotCutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", updateLog.gotCutoff, want)
	}
}
