package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/gatekeep/internal/model"
	"github.com/hitoshi/gatekeep/internal/repository"
	"github.com/hitoshi/gatekeep/internal/telegram"
)

// ChannelBotAPI はチャンネル登録時の検証に必要なTelegram Bot APIのインターフェース。
type ChannelBotAPI interface {
	GetMe(ctx context.Context) (*telegram.BotInfo, error)
	GetChat(ctx context.Context, chatID int64) (*telegram.ChatInfo, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (*telegram.ChatMemberInfo, error)
}

// ChannelHandler はチャンネル登録・一覧のHTTPハンドラー。
// 登録時にチャットの解決とボットの管理者権限を検証する。
type ChannelHandler struct {
	channelRepo repository.ChannelRepository
	bot         ChannelBotAPI
}

// NewChannelHandler はChannelHandlerを生成する。
func NewChannelHandler(channelRepo repository.ChannelRepository, bot ChannelBotAPI) *ChannelHandler {
	return &ChannelHandler{
		channelRepo: channelRepo,
		bot:         bot,
	}
}

// channelRegisterRequest はチャンネル登録リクエストのボディ。
type channelRegisterRequest struct {
	ChatID           int64  `json:"chat_id"`
	Name             string `json:"name"`
	JoinPolicy       string `json:"join_policy"`
	InviteTTLSeconds *int   `json:"invite_ttl_seconds,omitempty"`
}

// channelResponse はチャンネルのAPIレスポンス。
type channelResponse struct {
	ChatID           int64     `json:"chat_id"`
	Name             string    `json:"name"`
	JoinPolicy       string    `json:"join_policy"`
	InviteTTLSeconds *int      `json:"invite_ttl_seconds,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Register はチャンネルを登録する。
// 指定されたchat_idでチャットを解決できない場合、正のIDには-100プレフィックス形式も試す
// （チャンネル/スーパーグループの内部ID表記）。ボットが管理者権限を持たないチャンネルは拒否する。
// POST /api/channels
func (h *ChannelHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req channelRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	policy := model.JoinPolicy(req.JoinPolicy)
	if req.JoinPolicy == "" {
		policy = model.JoinPolicyInviteLink
	}
	if !policy.Valid() {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_JOIN_POLICY",
			Message:  fmt.Sprintf("不正な参加方式です: %s", req.JoinPolicy),
			Category: "validation",
			Action:   "join_policyにはinvite_linkまたはjoin_requestを指定してください。",
		})
		return
	}

	chatInfo, resolvedChatID, err := h.resolveChat(r.Context(), req.ChatID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if err := h.verifyBotPermissions(r.Context(), resolvedChatID); err != nil {
		handleServiceError(w, err)
		return
	}

	name := req.Name
	if name == "" {
		name = chatInfo.Title
	}

	now := time.Now()
	channel := &model.Channel{
		ChatID:           resolvedChatID,
		Name:             name,
		JoinPolicy:       policy,
		InviteTTLSeconds: req.InviteTTLSeconds,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.channelRepo.Upsert(r.Context(), channel); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(channelResponse{
		ChatID:           channel.ChatID,
		Name:             channel.Name,
		JoinPolicy:       string(channel.JoinPolicy),
		InviteTTLSeconds: channel.InviteTTLSeconds,
		CreatedAt:        channel.CreatedAt,
		UpdatedAt:        channel.UpdatedAt,
	})
}

// List は登録済みチャンネルの一覧を取得する。
// GET /api/channels
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channelRepo.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]channelResponse, 0, len(channels))
	for _, c := range channels {
		resp = append(resp, channelResponse{
			ChatID:           c.ChatID,
			Name:             c.Name,
			JoinPolicy:       string(c.JoinPolicy),
			InviteTTLSeconds: c.InviteTTLSeconds,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// resolveChat は指定IDのチャットを解決する。
// 正のIDで解決できない場合は-100プレフィックス形式を試す。
func (h *ChannelHandler) resolveChat(ctx context.Context, chatID int64) (*telegram.ChatInfo, int64, error) {
	candidates := []int64{chatID}
	if chatID > 0 {
		if prefixed, err := strconv.ParseInt(fmt.Sprintf("-100%d", chatID), 10, 64); err == nil {
			candidates = append(candidates, prefixed)
		}
	}

	var tried []string
	for _, candidate := range candidates {
		info, err := h.bot.GetChat(ctx, candidate)
		if err == nil {
			return info, candidate, nil
		}
		tried = append(tried, strconv.FormatInt(candidate, 10))
	}

	return nil, 0, &model.APIError{
		Code:     model.ErrCodeChatNotFound,
		Message:  fmt.Sprintf("チャットを解決できませんでした: %s", strings.Join(tried, ", ")),
		Category: "validation",
		Action:   "チャンネル/スーパーグループには-100形式のchat_idを指定してください。",
	}
}

// verifyBotPermissions はボットが管理者であり、必要な権限を持つことを検証する。
// 招待リンクの作成、メンバーの追放、参加リクエストの管理に必要な権限を確認する。
func (h *ChannelHandler) verifyBotPermissions(ctx context.Context, chatID int64) error {
	me, err := h.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("ボット情報の取得に失敗しました: %w", err)
	}

	member, err := h.bot.GetChatMember(ctx, chatID, me.ID)
	if err != nil {
		return fmt.Errorf("ボット権限の確認に失敗しました: %w", err)
	}

	var missing []string
	if !member.IsAdmin() {
		missing = append(missing, "administrator")
	}
	if !member.CanInviteUsers {
		missing = append(missing, "can_invite_users")
	}
	if !member.CanRestrictMembers {
		missing = append(missing, "can_restrict_members")
	}
	if !member.CanManageChat {
		missing = append(missing, "can_manage_chat")
	}

	if len(missing) > 0 {
		return &model.APIError{
			Code:     model.ErrCodePermissionCheck,
			Message:  fmt.Sprintf("ボットに必要な権限がありません: %s", strings.Join(missing, ", ")),
			Category: "validation",
			Action:   "ボットを管理者に昇格し、招待・追放・チャット管理の権限を付与してください。",
		}
	}
	return nil
}
