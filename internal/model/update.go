// Package model はドメインモデルを定義する。
package model

// UpdateKind は受信したTelegram更新イベントの種別を表す。
// 配信はat-least-onceかつ順序保証なしのため、update_idによる重複排除を前提とする。
type UpdateKind string

const (
	// UpdateKindJoinRequest はチャンネルへの参加リクエスト。
	UpdateKindJoinRequest UpdateKind = "join_request"
	// UpdateKindChatMember はメンバー状態の変化（参加・退出・追放）。
	UpdateKindChatMember UpdateKind = "chat_member"
	// UpdateKindMyChatMember はボット自身の状態変化。
	UpdateKindMyChatMember UpdateKind = "my_chat_member"
	// UpdateKindMessage は通常メッセージ（/startコマンドなど）。
	UpdateKindMessage UpdateKind = "message"
	// UpdateKindOther は処理対象外の更新。ACKして破棄する。
	UpdateKindOther UpdateKind = "other"
)

// TelegramAccount はTelegram側のユーザーアカウントを表す。
type TelegramAccount struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// TelegramChat はTelegram側のチャット参照を表す。
type TelegramChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// ChatJoinRequest は参加リクエストイベントを表す。
// 招待リンク経由の場合はInviteLinkに消費対象のトークンが入る。
type ChatJoinRequest struct {
	Chat       TelegramChat     `json:"chat"`
	From       TelegramAccount  `json:"from"`
	InviteLink *ChatInviteLink  `json:"invite_link,omitempty"`
}

// ChatInviteLink はTelegramの招待リンク情報を表す。
type ChatInviteLink struct {
	InviteLink string `json:"invite_link"`
}

// ChatMemberState はチャットメンバーの状態スナップショットを表す。
type ChatMemberState struct {
	User   TelegramAccount `json:"user"`
	Status string          `json:"status"`
}

// ChatMemberUpdated はメンバー状態変化イベントを表す。
type ChatMemberUpdated struct {
	Chat          TelegramChat    `json:"chat"`
	OldChatMember ChatMemberState `json:"old_chat_member"`
	NewChatMember ChatMemberState `json:"new_chat_member"`
}

// UpdateMessage は受信メッセージを表す。/startコマンドの処理にのみ使用する。
type UpdateMessage struct {
	From TelegramAccount `json:"from"`
	Chat TelegramChat    `json:"chat"`
	Text string          `json:"text,omitempty"`
}

// Update はTelegram webhookが配信する更新イベントの型付きバリアント。
// update_idは厳密増加の一意な識別子で、重複排除のキーとなる。
type Update struct {
	UpdateID        int64              `json:"update_id"`
	ChatJoinRequest *ChatJoinRequest   `json:"chat_join_request,omitempty"`
	ChatMember      *ChatMemberUpdated `json:"chat_member,omitempty"`
	MyChatMember    *ChatMemberUpdated `json:"my_chat_member,omitempty"`
	Message         *UpdateMessage     `json:"message,omitempty"`
}

// Kind は更新イベントの種別を判定する。
// Telegramの更新は1イベントにつき1種別のフィールドのみが設定される。
func (u *Update) Kind() UpdateKind {
	switch {
	case u.ChatJoinRequest != nil:
		return UpdateKindJoinRequest
	case u.ChatMember != nil:
		return UpdateKindChatMember
	case u.MyChatMember != nil:
		return UpdateKindMyChatMember
	case u.Message != nil:
		return UpdateKindMessage
	default:
		return UpdateKindOther
	}
}

// memberStatusIn はステータスが候補リストに含まれるかを返す。
func memberStatusIn(status string, candidates ...string) bool {
	for _, c := range candidates {
		if status == c {
			return true
		}
	}
	return false
}

// IsJoin はメンバー状態変化が「参加」を表すかを返す。
func (c *ChatMemberUpdated) IsJoin() bool {
	return memberStatusIn(c.OldChatMember.Status, "left", "kicked") &&
		memberStatusIn(c.NewChatMember.Status, "member", "administrator", "creator")
}

// IsLeave はメンバー状態変化が「退出または追放」を表すかを返す。
func (c *ChatMemberUpdated) IsLeave() bool {
	return memberStatusIn(c.OldChatMember.Status, "member", "administrator", "creator") &&
		memberStatusIn(c.NewChatMember.Status, "left", "kicked")
}
