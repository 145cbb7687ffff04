// Package telegram はTelegram Bot APIのクライアントを提供する。
// 招待リンクの作成・失効、参加リクエストの承認・拒否、メンバーの追放・追放解除など、
// アクセス管理エンジンが必要とする操作のみをラップする。
// すべての呼び出しはエンジン側から見て冪等であり、失敗時の再試行は安全。
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/gatekeep/internal/model"
)

// defaultBaseURL はTelegram Bot APIのベースURL。
const defaultBaseURL = "https://api.telegram.org"

// APIError はTelegram APIがok=falseを返した場合のエラー。
// descriptionフィールドを保持し、4xx系エラーを対処可能な形で表面化する。
type APIError struct {
	Method      string
	Description string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error (%s): %s", e.Method, e.Description)
}

// Client はTelegram Bot APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にエンドポイントを差し替え可能
	botToken   string
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientには有界タイムアウトを設定したものを渡すこと。
func NewClient(botToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    defaultBaseURL,
		botToken:   botToken,
	}
}

// apiResponse はTelegram APIの共通レスポンス構造。
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// call はTelegram Bot APIのメソッドを呼び出し、result部分を返す。
// トランスポート層の失敗はmodel.ErrRemoteUnavailableとしてラップし、
// APIレベルの失敗はdescription付きの*APIErrorとして返す。
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Telegram APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s: %s", model.ErrRemoteUnavailable, method, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: レスポンスの読み取りに失敗", model.ErrRemoteUnavailable, method)
	}

	// ステータスに関わらずJSONの解析を試み、descriptionを表面化する
	var payload apiResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		c.logger.Error("Telegram APIが非JSONレスポンスを返しました",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: %s: HTTP %d", model.ErrRemoteUnavailable, method, resp.StatusCode)
	}

	if !payload.OK {
		desc := payload.Description
		if desc == "" {
			desc = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		c.logger.Error("Telegram APIがエラーを返しました",
			slog.String("method", method),
			slog.String("description", desc),
		)
		return nil, &APIError{Method: method, Description: desc}
	}

	return payload.Result, nil
}

// BotInfo はボット自身の情報を表す。
type BotInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// GetMe はボット自身の情報を取得する。
func (c *Client) GetMe(ctx context.Context) (*BotInfo, error) {
	result, err := c.call(ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	info := &BotInfo{}
	if err := json.Unmarshal(result, info); err != nil {
		return nil, fmt.Errorf("ボット情報の復元に失敗しました: %w", err)
	}
	return info, nil
}

// SetWebhook はwebhook URLを登録する。
// 受信対象はアクセス管理に必要な更新種別に限定する。
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	_, err := c.call(ctx, "setWebhook", map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "chat_member", "my_chat_member", "chat_join_request"},
	})
	return err
}

// DeleteWebhook はwebhook登録を解除する。
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", map[string]any{})
	return err
}

// CreateInviteLink は使い捨て招待リンクを作成する。
// member_limit=1とcreates_join_request=trueは同時指定できない（Telegram APIの制約）ため、
// 参加リクエスト経由で消費を検証する本設計ではcreates_join_requestのみを使用する。
func (c *Client) CreateInviteLink(ctx context.Context, chatID int64, expireAt time.Time) (string, error) {
	result, err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":              chatID,
		"expire_date":          expireAt.UTC().Unix(),
		"creates_join_request": true,
	})
	if err != nil {
		return "", err
	}
	var link model.ChatInviteLink
	if err := json.Unmarshal(result, &link); err != nil {
		return "", fmt.Errorf("招待リンクの復元に失敗しました: %w", err)
	}
	if link.InviteLink == "" {
		return "", &APIError{Method: "createChatInviteLink", Description: "no invite link returned"}
	}
	return link.InviteLink, nil
}

// RevokeInviteLink は招待リンクを失効させる。
func (c *Client) RevokeInviteLink(ctx context.Context, chatID int64, inviteLink string) error {
	_, err := c.call(ctx, "revokeChatInviteLink", map[string]any{
		"chat_id":     chatID,
		"invite_link": inviteLink,
	})
	return err
}

// ApproveJoinRequest は参加リクエストを承認する。
func (c *Client) ApproveJoinRequest(ctx context.Context, chatID, userID int64) error {
	_, err := c.call(ctx, "approveChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
	return err
}

// DeclineJoinRequest は参加リクエストを拒否する。
func (c *Client) DeclineJoinRequest(ctx context.Context, chatID, userID int64) error {
	_, err := c.call(ctx, "declineChatJoinRequest", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
	return err
}

// BanMember はメンバーをチャンネルから追放する。
// メッセージ履歴は削除しない。
func (c *Client) BanMember(ctx context.Context, chatID, userID int64) error {
	_, err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id":         chatID,
		"user_id":         userID,
		"revoke_messages": false,
	})
	return err
}

// UnbanMember は追放を解除し、将来の再招待を可能にする。
// only_if_bannedにより未追放ユーザーへの呼び出しはno-opとなる。
func (c *Client) UnbanMember(ctx context.Context, chatID, userID int64) error {
	_, err := c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	})
	return err
}

// ChatInfo はチャットの情報を表す。
type ChatInfo struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// GetChat はチャットの情報を取得する。
func (c *Client) GetChat(ctx context.Context, chatID int64) (*ChatInfo, error) {
	result, err := c.call(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	info := &ChatInfo{}
	if err := json.Unmarshal(result, info); err != nil {
		return nil, fmt.Errorf("チャット情報の復元に失敗しました: %w", err)
	}
	return info, nil
}

// ChatMemberInfo はチャットメンバーの状態と権限を表す。
type ChatMemberInfo struct {
	Status             string `json:"status"`
	CanInviteUsers     bool   `json:"can_invite_users"`
	CanRestrictMembers bool   `json:"can_restrict_members"`
	CanManageChat      bool   `json:"can_manage_chat"`
}

// IsAdmin はメンバーが管理者権限を持つかを返す。
func (m *ChatMemberInfo) IsAdmin() bool {
	return m.Status == "administrator" || m.Status == "creator"
}

// GetChatMember はチャットメンバーの情報を取得する。
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMemberInfo, error) {
	result, err := c.call(ctx, "getChatMember", map[string]any{
		"chat_id": chatID,
		"user_id": userID,
	})
	if err != nil {
		return nil, err
	}
	info := &ChatMemberInfo{}
	if err := json.Unmarshal(result, info); err != nil {
		return nil, fmt.Errorf("メンバー情報の復元に失敗しました: %w", err)
	}
	return info, nil
}

// SendMessage はユーザーまたはチャットにテキストメッセージを送信する。
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	return err
}
