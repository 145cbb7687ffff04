package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/model"
)

// fixedClock はテスト用の固定時刻Clock。
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type mockUserRepo struct {
	findByTelegramFn func(ctx context.Context, telegramUserID int64) (*model.User, error)
	findByExtFn      func(ctx context.Context, extUserID string) (*model.User, error)
	createFn         func(ctx context.Context, user *model.User) error
	linkFn           func(ctx context.Context, id string, telegramUserID int64, username string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) FindByExtUserID(ctx context.Context, extUserID string) (*model.User, error) {
	if m.findByExtFn != nil {
		return m.findByExtFn(ctx, extUserID)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByTelegramUserID(ctx context.Context, telegramUserID int64) (*model.User, error) {
	if m.findByTelegramFn != nil {
		return m.findByTelegramFn(ctx, telegramUserID)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

func (m *mockUserRepo) LinkTelegramAccount(ctx context.Context, id string, telegramUserID int64, username string) error {
	if m.linkFn != nil {
		return m.linkFn(ctx, id, telegramUserID, username)
	}
	return nil
}

type mockChannelRepo struct {
	channels map[int64]*model.Channel
}

func (m *mockChannelRepo) FindByChatID(ctx context.Context, chatID int64) (*model.Channel, error) {
	if c, ok := m.channels[chatID]; ok {
		return c, nil
	}
	return nil, nil
}

func (m *mockChannelRepo) List(ctx context.Context) ([]*model.Channel, error) { return nil, nil }

func (m *mockChannelRepo) Upsert(ctx context.Context, channel *model.Channel) error { return nil }

type mockMembershipRepo struct {
	findCurrentFn   func(ctx context.Context, userID string, chatID int64) (*model.Membership, error)
	listCurrentFn   func(ctx context.Context, userID string) ([]*model.Membership, error)
	markRemovedFn   func(ctx context.Context, id string) (bool, error)
	markRemovedIDs  []string
	markRemovedMu   sync.Mutex
}

func (m *mockMembershipRepo) FindByID(ctx context.Context, id string) (*model.Membership, error) {
	return nil, nil
}

func (m *mockMembershipRepo) FindCurrent(ctx context.Context, userID string, chatID int64) (*model.Membership, error) {
	if m.findCurrentFn != nil {
		return m.findCurrentFn(ctx, userID, chatID)
	}
	return nil, nil
}

func (m *mockMembershipRepo) ListCurrentByUser(ctx context.Context, userID string) ([]*model.Membership, error) {
	if m.listCurrentFn != nil {
		return m.listCurrentFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockMembershipRepo) ListByUser(ctx context.Context, userID string) ([]*model.Membership, error) {
	return nil, nil
}

func (m *mockMembershipRepo) Create(ctx context.Context, ms *model.Membership) error { return nil }

func (m *mockMembershipRepo) UpdateIfRevision(ctx context.Context, ms *model.Membership) (bool, error) {
	return false, nil
}

func (m *mockMembershipRepo) ActivateIfPending(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func (m *mockMembershipRepo) MarkRemovedIfCurrent(ctx context.Context, id string) (bool, error) {
	m.markRemovedMu.Lock()
	m.markRemovedIDs = append(m.markRemovedIDs, id)
	m.markRemovedMu.Unlock()
	if m.markRemovedFn != nil {
		return m.markRemovedFn(ctx, id)
	}
	return true, nil
}

func (m *mockMembershipRepo) ListDueForExpiry(ctx context.Context, now time.Time) ([]*model.Membership, error) {
	return nil, nil
}

func (m *mockMembershipRepo) ListNeedingRemoval(ctx context.Context) ([]*model.Membership, error) {
	return nil, nil
}

func (m *mockMembershipRepo) ListStuckExpired(ctx context.Context, before time.Time) ([]*model.Membership, error) {
	return nil, nil
}

type mockAuditRepo struct {
	mu      sync.Mutex
	records []*model.AuditRecord
}

func (m *mockAuditRepo) Append(ctx context.Context, record *model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *mockAuditRepo) ListBySubject(ctx context.Context, userID string, chatID int64, limit int) ([]*model.AuditRecord, error) {
	return nil, nil
}

func (m *mockAuditRepo) byAction(action model.AuditAction) []*model.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AuditRecord
	for _, r := range m.records {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// memUpdateLog はINSERT ON CONFLICT DO NOTHINGの意味論を模倣する。
type memUpdateLog struct {
	mu   sync.Mutex
	seen map[int64]bool
}

func newMemUpdateLog() *memUpdateLog {
	return &memUpdateLog{seen: make(map[int64]bool)}
}

func (m *memUpdateLog) IsProcessed(ctx context.Context, updateID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[updateID], nil
}

func (m *memUpdateLog) MarkProcessed(ctx context.Context, updateID int64, receivedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[updateID] {
		return false, nil
	}
	m.seen[updateID] = true
	return true, nil
}

func (m *memUpdateLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memUpdateLog) has(updateID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[updateID]
}

type mockInviteService struct {
	consumeFn func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error)
	issueFn   func(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error)
}

func (m *mockInviteService) Consume(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, token, account)
	}
	return nil, model.ErrInviteNotFound
}

func (m *mockInviteService) Issue(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, membership, channel)
	}
	return &model.Invite{Token: "https://t.me/+issued"}, nil
}

type mockBot struct {
	mu       sync.Mutex
	approved []int64
	declined []int64
	messages []string
}

func (m *mockBot) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved = append(m.approved, userID)
	return nil
}

func (m *mockBot) DeclineJoinRequest(ctx context.Context, chatID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declined = append(m.declined, userID)
	return nil
}

func (m *mockBot) SendMessage(ctx context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, text)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type ingestorDeps struct {
	users       *mockUserRepo
	channels    *mockChannelRepo
	memberships *mockMembershipRepo
	audit       *mockAuditRepo
	updateLog   *memUpdateLog
	invites     *mockInviteService
	bot         *mockBot
}

func newTestIngestor(now time.Time, deps *ingestorDeps) *Ingestor {
	if deps.users == nil {
		deps.users = &mockUserRepo{}
	}
	if deps.channels == nil {
		deps.channels = &mockChannelRepo{channels: map[int64]*model.Channel{}}
	}
	if deps.memberships == nil {
		deps.memberships = &mockMembershipRepo{}
	}
	if deps.audit == nil {
		deps.audit = &mockAuditRepo{}
	}
	if deps.updateLog == nil {
		deps.updateLog = newMemUpdateLog()
	}
	if deps.invites == nil {
		deps.invites = &mockInviteService{}
	}
	if deps.bot == nil {
		deps.bot = &mockBot{}
	}
	return NewIngestor(
		deps.users, deps.channels, deps.memberships, deps.audit, deps.updateLog,
		deps.invites, deps.bot, metrics.NewCollector(prometheus.NewRegistry()),
		fixedClock{t: now}, testLogger(),
	)
}

// 同一update_idの再配信がno-opになることを検証
func TestIngestor_Ingest_DuplicateUpdateIsNoOp(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	consumeCount := 0
	deps := &ingestorDeps{
		invites: &mockInviteService{
			consumeFn: func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
				consumeCount++
				return &model.Membership{ID: "m-1"}, nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	update := &model.Update{
		UpdateID: 42,
		ChatJoinRequest: &model.ChatJoinRequest{
			Chat:       model.TelegramChat{ID: -100123},
			From:       model.TelegramAccount{ID: 987},
			InviteLink: &model.ChatInviteLink{InviteLink: "https://t.me/+link"},
		},
	}

	for n := 0; n < 3; n++ {
		if err := ing.Ingest(context.Background(), update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if consumeCount != 1 {
		t.Errorf("consume count = %d, want 1 (redeliveries must be no-ops)", consumeCount)
	}
	if len(deps.bot.approved) != 1 {
		t.Errorf("approvals = %d, want 1", len(deps.bot.approved))
	}
}

// 一時的な失敗では重複排除フェンスを残さず、同一update_idの再配信が
// 再処理されることを検証
func TestIngestor_Ingest_TransientFailureRedeliveryReprocesses(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	consumeCount := 0
	deps := &ingestorDeps{
		invites: &mockInviteService{
			consumeFn: func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
				consumeCount++
				if consumeCount == 1 {
					return nil, errors.New("db timeout")
				}
				return &model.Membership{ID: "m-1", Status: model.MembershipStatusActive}, nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	update := &model.Update{
		UpdateID: 777,
		ChatJoinRequest: &model.ChatJoinRequest{
			Chat:       model.TelegramChat{ID: -100123},
			From:       model.TelegramAccount{ID: 987},
			InviteLink: &model.ChatInviteLink{InviteLink: "https://t.me/+link"},
		},
	}

	if err := ing.Ingest(context.Background(), update); err == nil {
		t.Fatal("expected error on transient consume failure, got nil")
	}
	if deps.updateLog.has(777) {
		t.Fatal("failed update must not be fenced out from redelivery")
	}

	if err := ing.Ingest(context.Background(), update); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if consumeCount != 2 {
		t.Errorf("consume count = %d, want 2 (redelivery must reprocess)", consumeCount)
	}
	if len(deps.bot.approved) != 1 || deps.bot.approved[0] != 987 {
		t.Errorf("approved = %v, want [987]", deps.bot.approved)
	}
	if !deps.updateLog.has(777) {
		t.Error("successful processing must record the dedup fence")
	}
}

// リンク付き参加リクエストの消費成立で承認されることを検証
func TestIngestor_JoinRequest_WithLink_Approves(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	var consumedToken string
	deps := &ingestorDeps{
		invites: &mockInviteService{
			consumeFn: func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
				consumedToken = token
				return &model.Membership{ID: "m-1", Status: model.MembershipStatusActive}, nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		ChatJoinRequest: &model.ChatJoinRequest{
			Chat:       model.TelegramChat{ID: -100123},
			From:       model.TelegramAccount{ID: 987},
			InviteLink: &model.ChatInviteLink{InviteLink: "https://t.me/+link"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if consumedToken != "https://t.me/+link" {
		t.Errorf("consumed token = %q, want the request link", consumedToken)
	}
	if len(deps.bot.approved) != 1 || deps.bot.approved[0] != 987 {
		t.Errorf("approved = %v, want [987]", deps.bot.approved)
	}
}

// 消費の終端エラーで参加リクエストが理由付きで拒否されることを検証
func TestIngestor_JoinRequest_TerminalConsumeErrorDeclines(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		consumeErr error
		wantReason string
	}{
		{"期限切れ", model.ErrInviteExpired, "invite_expired"},
		{"消費済み", model.ErrInviteAlreadyConsumed, "invite_already_consumed"},
		{"未知のトークン", model.ErrInviteNotFound, "invite_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := &ingestorDeps{
				invites: &mockInviteService{
					consumeFn: func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
						return nil, tt.consumeErr
					},
				},
			}
			ing := newTestIngestor(now, deps)

			err := ing.Ingest(context.Background(), &model.Update{
				UpdateID: 1,
				ChatJoinRequest: &model.ChatJoinRequest{
					Chat:       model.TelegramChat{ID: -100123},
					From:       model.TelegramAccount{ID: 987},
					InviteLink: &model.ChatInviteLink{InviteLink: "https://t.me/+link"},
				},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(deps.bot.declined) != 1 {
				t.Fatalf("declines = %d, want 1", len(deps.bot.declined))
			}
			declines := deps.audit.byAction(model.AuditActionDecline)
			if len(declines) != 1 {
				t.Fatalf("decline audits = %d, want 1", len(declines))
			}
			if reason := declines[0].Detail["reason"]; reason != tt.wantReason {
				t.Errorf("reason = %v, want %s", reason, tt.wantReason)
			}
		})
	}
}

// 消費の一時的な失敗はエラーとして表面化し、拒否されないことを検証
func TestIngestor_JoinRequest_TransientConsumeErrorReturnsError(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	deps := &ingestorDeps{
		invites: &mockInviteService{
			consumeFn: func(ctx context.Context, token string, account model.TelegramAccount) (*model.Membership, error) {
				return nil, errors.New("db timeout")
			},
		},
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		ChatJoinRequest: &model.ChatJoinRequest{
			Chat:       model.TelegramChat{ID: -100123},
			From:       model.TelegramAccount{ID: 987},
			InviteLink: &model.ChatInviteLink{InviteLink: "https://t.me/+link"},
		},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if len(deps.bot.declined) != 0 {
		t.Errorf("declines = %d, want 0 for transient failures", len(deps.bot.declined))
	}
}

// リンクなし参加リクエストがactiveメンバーシップに対して承認されることを検証
func TestIngestor_JoinRequest_BareRequestApprovedForActiveMembership(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	deps := &ingestorDeps{
		users: &mockUserRepo{
			findByTelegramFn: func(ctx context.Context, telegramUserID int64) (*model.User, error) {
				return &model.User{ID: "u-1", ExtUserID: "ext-1"}, nil
			},
		},
		memberships: &mockMembershipRepo{
			findCurrentFn: func(ctx context.Context, userID string, chatID int64) (*model.Membership, error) {
				return &model.Membership{ID: "m-1", Status: model.MembershipStatusActive}, nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		ChatJoinRequest: &model.ChatJoinRequest{
			Chat: model.TelegramChat{ID: -100123},
			From: model.TelegramAccount{ID: 987},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps.bot.approved) != 1 {
		t.Errorf("approvals = %d, want 1", len(deps.bot.approved))
	}
}

// リンクなし参加リクエストが未連携ユーザー・無効メンバーシップで拒否されることを検証
func TestIngestor_JoinRequest_BareRequestDeclined(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		users      *mockUserRepo
		membership *model.Membership
		wantReason string
	}{
		{
			name:       "未知のTelegramユーザー",
			users:      &mockUserRepo{},
			wantReason: "user_not_found",
		},
		{
			name: "pendingメンバーシップ",
			users: &mockUserRepo{
				findByTelegramFn: func(ctx context.Context, telegramUserID int64) (*model.User, error) {
					return &model.User{ID: "u-1"}, nil
				},
			},
			membership: &model.Membership{ID: "m-1", Status: model.MembershipStatusPending},
			wantReason: "no_active_membership",
		},
		{
			name: "メンバーシップなし",
			users: &mockUserRepo{
				findByTelegramFn: func(ctx context.Context, telegramUserID int64) (*model.User, error) {
					return &model.User{ID: "u-1"}, nil
				},
			},
			wantReason: "no_active_membership",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := &ingestorDeps{
				users: tt.users,
				memberships: &mockMembershipRepo{
					findCurrentFn: func(ctx context.Context, userID string, chatID int64) (*model.Membership, error) {
						return tt.membership, nil
					},
				},
			}
			ing := newTestIngestor(now, deps)

			err := ing.Ingest(context.Background(), &model.Update{
				UpdateID: 1,
				ChatJoinRequest: &model.ChatJoinRequest{
					Chat: model.TelegramChat{ID: -100123},
					From: model.TelegramAccount{ID: 987},
				},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(deps.bot.declined) != 1 {
				t.Fatalf("declines = %d, want 1", len(deps.bot.declined))
			}
			declines := deps.audit.byAction(model.AuditActionDecline)
			if len(declines) != 1 || declines[0].Detail["reason"] != tt.wantReason {
				t.Errorf("decline audit = %+v, want reason %s", declines, tt.wantReason)
			}
		})
	}
}

// 退出イベントでcurrentメンバーシップがremovedに遷移することを検証
func TestIngestor_ChatMember_LeaveMarksRemoved(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	memberships := &mockMembershipRepo{
		findCurrentFn: func(ctx context.Context, userID string, chatID int64) (*model.Membership, error) {
			return &model.Membership{ID: "m-1", Status: model.MembershipStatusActive}, nil
		},
	}
	deps := &ingestorDeps{
		users: &mockUserRepo{
			findByTelegramFn: func(ctx context.Context, telegramUserID int64) (*model.User, error) {
				return &model.User{ID: "u-1"}, nil
			},
		},
		memberships: memberships,
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		ChatMember: &model.ChatMemberUpdated{
			Chat:          model.TelegramChat{ID: -100123},
			OldChatMember: model.ChatMemberState{User: model.TelegramAccount{ID: 987}, Status: "member"},
			NewChatMember: model.ChatMemberState{User: model.TelegramAccount{ID: 987}, Status: "left"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(memberships.markRemovedIDs) != 1 || memberships.markRemovedIDs[0] != "m-1" {
		t.Errorf("markRemovedIDs = %v, want [m-1]", memberships.markRemovedIDs)
	}
	if len(deps.audit.byAction(model.AuditActionMemberLeft)) != 1 {
		t.Error("member_left audit record should be appended")
	}
}

// 未連携ユーザーの退出イベントも監査に残ることを検証
func TestIngestor_ChatMember_LeaveUnknownUserAuditsOnly(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	memberships := &mockMembershipRepo{}
	deps := &ingestorDeps{memberships: memberships}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		ChatMember: &model.ChatMemberUpdated{
			Chat:          model.TelegramChat{ID: -100123},
			OldChatMember: model.ChatMemberState{User: model.TelegramAccount{ID: 987}, Status: "member"},
			NewChatMember: model.ChatMemberState{User: model.TelegramAccount{ID: 987}, Status: "kicked"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(memberships.markRemovedIDs) != 0 {
		t.Errorf("markRemovedIDs = %v, want none", memberships.markRemovedIDs)
	}
	if len(deps.audit.byAction(model.AuditActionMemberLeft)) != 1 {
		t.Error("member_left audit record should be appended")
	}
}

// ボット権限変化が監査に残ることを検証
func TestIngestor_MyChatMember_Audits(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	deps := &ingestorDeps{}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		MyChatMember: &model.ChatMemberUpdated{
			Chat:          model.TelegramChat{ID: -100123},
			OldChatMember: model.ChatMemberState{Status: "administrator"},
			NewChatMember: model.ChatMemberState{Status: "member"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := deps.audit.byAction(model.AuditActionBotStatus)
	if len(records) != 1 {
		t.Fatalf("bot_status audits = %d, want 1", len(records))
	}
	if records[0].Detail["new_status"] != "member" {
		t.Errorf("new_status = %v, want member", records[0].Detail["new_status"])
	}
}

// /startディープリンクでアカウントが連携され、入室案内が送信されることを検証
func TestIngestor_Message_StartLinksAndIssuesInvites(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	var linkedUserID string
	var linkedTelegramID int64
	deps := &ingestorDeps{
		users: &mockUserRepo{
			findByExtFn: func(ctx context.Context, extUserID string) (*model.User, error) {
				return &model.User{ID: "u-1", ExtUserID: extUserID}, nil
			},
			linkFn: func(ctx context.Context, id string, telegramUserID int64, username string) error {
				linkedUserID = id
				linkedTelegramID = telegramUserID
				return nil
			},
		},
		channels: &mockChannelRepo{channels: map[int64]*model.Channel{
			-100123: {ChatID: -100123, Name: "Premium", JoinPolicy: model.JoinPolicyInviteLink},
			-100456: {ChatID: -100456, Name: "VIP", JoinPolicy: model.JoinPolicyJoinRequest},
		}},
		memberships: &mockMembershipRepo{
			listCurrentFn: func(ctx context.Context, userID string) ([]*model.Membership, error) {
				return []*model.Membership{
					{ID: "m-1", ChatID: -100123, Status: model.MembershipStatusPending},
					{ID: "m-2", ChatID: -100456, Status: model.MembershipStatusActive},
				}, nil
			},
		},
		invites: &mockInviteService{
			issueFn: func(ctx context.Context, membership *model.Membership, channel *model.Channel) (*model.Invite, error) {
				return &model.Invite{Token: "https://t.me/+fresh"}, nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		Message: &model.UpdateMessage{
			From: model.TelegramAccount{ID: 987, Username: "alice"},
			Text: "/start ext-1",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if linkedUserID != "u-1" || linkedTelegramID != 987 {
		t.Errorf("linked = (%s, %d), want (u-1, 987)", linkedUserID, linkedTelegramID)
	}
	if len(deps.bot.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(deps.bot.messages))
	}
	msg := deps.bot.messages[0]
	if !strings.Contains(msg, "https://t.me/+fresh") {
		t.Errorf("message should contain issued invite link: %q", msg)
	}
	if !strings.Contains(msg, "VIP") {
		t.Errorf("message should mention join_request channel: %q", msg)
	}
	if len(deps.audit.byAction(model.AuditActionLink)) != 1 {
		t.Error("link audit record should be appended")
	}
}

// 不正なディープリンクパラメータが破棄されることを検証
func TestIngestor_Message_InvalidDeepLinkIgnored(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	created := false
	deps := &ingestorDeps{
		users: &mockUserRepo{
			createFn: func(ctx context.Context, user *model.User) error {
				created = true
				return nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	for _, text := range []string{"/start ../../etc", "/start a b c", "/start 💣"} {
		err := ing.Ingest(context.Background(), &model.Update{
			UpdateID: int64(len(text)),
			Message:  &model.UpdateMessage{From: model.TelegramAccount{ID: 987}, Text: text},
		})
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", text, err)
		}
	}

	if created {
		t.Error("user must not be created for invalid deep link parameters")
	}
	if len(deps.bot.messages) != 0 {
		t.Errorf("messages = %d, want 0", len(deps.bot.messages))
	}
}

// /start未知のext_user_idでユーザーが作成されることを検証
func TestIngestor_Message_StartCreatesUnknownUser(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	var createdExtID string
	deps := &ingestorDeps{
		users: &mockUserRepo{
			createFn: func(ctx context.Context, user *model.User) error {
				createdExtID = user.ExtUserID
				return nil
			},
		},
	}
	ing := newTestIngestor(now, deps)

	err := ing.Ingest(context.Background(), &model.Update{
		UpdateID: 1,
		Message:  &model.UpdateMessage{From: model.TelegramAccount{ID: 987}, Text: "/start ext-new"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if createdExtID != "ext-new" {
		t.Errorf("created ext_user_id = %q, want ext-new", createdExtID)
	}
}
