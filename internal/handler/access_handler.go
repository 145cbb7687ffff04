// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gatekeep/internal/access"
	"github.com/hitoshi/gatekeep/internal/model"
)

// AccessServiceInterface はアクセスハンドラーが必要とするサービスインターフェース。
type AccessServiceInterface interface {
	// Grant は購入イベントをメンバーシップと招待リンクに変換する。
	Grant(ctx context.Context, extUserID string, chatIDs []int64, duration time.Duration, ref string) ([]access.GrantResult, error)
	// ForceRemove はメンバーシップを期限を待たずに剥奪する。
	ForceRemove(ctx context.Context, extUserID string, chatID int64) error
	// ListMemberships はユーザーの全メンバーシップを返す。
	ListMemberships(ctx context.Context, extUserID string) ([]access.MembershipInfo, error)
	// AuditTrail は(user, chat)の監査レコードを新しい順に返す。
	AuditTrail(ctx context.Context, extUserID string, chatID int64, limit int) ([]*model.AuditRecord, error)
}

// AccessHandler はアクセス付与・剥奪・照会のHTTPハンドラー。
type AccessHandler struct {
	service AccessServiceInterface
}

// NewAccessHandler はAccessHandlerを生成する。
func NewAccessHandler(service AccessServiceInterface) *AccessHandler {
	return &AccessHandler{
		service: service,
	}
}

// grantRequest はアクセス付与リクエストのボディ。
type grantRequest struct {
	ExtUserID  string  `json:"ext_user_id"`
	ChatIDs    []int64 `json:"chat_ids"`
	PeriodDays int     `json:"period_days"`
	Ref        string  `json:"ref"`
}

// grantChannelResponse は1チャンネル分の付与結果のAPIレスポンス。
type grantChannelResponse struct {
	ChatID     int64              `json:"chat_id"`
	Outcome    string             `json:"outcome"`
	Status     string             `json:"status,omitempty"`
	PeriodEnd  *time.Time         `json:"period_end,omitempty"`
	InviteLink string             `json:"invite_link,omitempty"`
	Error      *apiErrorResponse  `json:"error,omitempty"`
}

// grantResponse はアクセス付与のAPIレスポンス。
type grantResponse struct {
	ExtUserID string                 `json:"ext_user_id"`
	Results   []grantChannelResponse `json:"results"`
}

// membershipResponse はメンバーシップ照会のAPIレスポンス。
type membershipResponse struct {
	ID          string     `json:"id"`
	ChatID      int64      `json:"chat_id"`
	Status      string     `json:"status"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	Ref         string     `json:"ref,omitempty"`
	InviteLink  string     `json:"invite_link,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// auditRecordResponse は監査レコードのAPIレスポンス。
type auditRecordResponse struct {
	ID             string         `json:"id"`
	Action         string         `json:"action"`
	ChatID         int64          `json:"chat_id,omitempty"`
	TelegramUserID int64          `json:"telegram_user_id,omitempty"`
	Ref            string         `json:"ref,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// forceRemoveRequest は強制剥奪リクエストのボディ。
type forceRemoveRequest struct {
	ExtUserID string `json:"ext_user_id"`
	ChatID    int64  `json:"chat_id"`
}

// Grant は購入イベントを受け付け、チャンネルごとの付与結果を返す。
// POST /api/access/grant
func (h *AccessHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	if req.ExtUserID == "" || len(req.ChatIDs) == 0 || req.PeriodDays <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidDurationError())
		return
	}

	duration := time.Duration(req.PeriodDays) * 24 * time.Hour
	results, err := h.service.Grant(r.Context(), req.ExtUserID, req.ChatIDs, duration, req.Ref)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := grantResponse{ExtUserID: req.ExtUserID}
	for _, result := range results {
		cr := grantChannelResponse{
			ChatID:     result.ChatID,
			Outcome:    string(result.Outcome),
			InviteLink: result.InviteLink,
		}
		if result.Err != nil {
			cr.Error = toAPIErrorResponse(result.Err)
		} else {
			cr.Status = string(result.Status)
			periodEnd := result.PeriodEnd
			cr.PeriodEnd = &periodEnd
		}
		resp.Results = append(resp.Results, cr)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ForceRemove はメンバーシップを手動で剥奪する。
// POST /api/access/force-remove
func (h *AccessHandler) ForceRemove(w http.ResponseWriter, r *http.Request) {
	var req forceRemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}
	if req.ExtUserID == "" || req.ChatID == 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	if err := h.service.ForceRemove(r.Context(), req.ExtUserID, req.ChatID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMemberships はユーザーのメンバーシップ一覧を取得する。
// GET /api/users/{ext_user_id}/memberships
func (h *AccessHandler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	extUserID := chi.URLParam(r, "ext_user_id")

	infos, err := h.service.ListMemberships(r.Context(), extUserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]membershipResponse, 0, len(infos))
	for _, info := range infos {
		m := info.Membership
		resp = append(resp, membershipResponse{
			ID:          m.ID,
			ChatID:      m.ChatID,
			Status:      string(m.Status),
			PeriodStart: m.PeriodStart,
			PeriodEnd:   m.PeriodEnd,
			Ref:         m.Ref,
			InviteLink:  info.InviteLink,
			UpdatedAt:   m.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// AuditTrail は(user, chat)の監査レコードを取得する。
// GET /api/users/{ext_user_id}/channels/{chat_id}/audit
func (h *AccessHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	extUserID := chi.URLParam(r, "ext_user_id")
	chatID, err := strconv.ParseInt(chi.URLParam(r, "chat_id"), 10, 64)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := h.service.AuditTrail(r.Context(), extUserID, chatID, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, auditRecordResponse{
			ID:             rec.ID,
			Action:         string(rec.Action),
			ChatID:         rec.ChatID,
			TelegramUserID: rec.TelegramUserID,
			Ref:            rec.Ref,
			Detail:         rec.Detail,
			CreatedAt:      rec.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// apiErrorResponse は統一エラーフォーマットのレスポンスボディ。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// invalidRequestError はリクエストボディ不正のエラーを生成する。
func invalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// toAPIErrorResponse はエラーを統一フォーマットに変換する。
func toAPIErrorResponse(err error) *apiErrorResponse {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return &apiErrorResponse{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}
	}
	return &apiErrorResponse{
		Code:     model.ErrCodeInviteCreateFailed,
		Message:  err.Error(),
		Category: "remote",
		Action:   "ボットの権限を確認のうえ再度お試しください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeChannelNotFound, model.ErrCodeUserNotFound,
		model.ErrCodeMembershipNotFound, model.ErrCodeChatNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidDuration, model.ErrCodeNoTelegramAccount:
		return http.StatusBadRequest
	case model.ErrCodeConflictExhausted:
		return http.StatusConflict
	case model.ErrCodeRemovalFailed, model.ErrCodeInviteCreateFailed:
		return http.StatusBadGateway
	case model.ErrCodePermissionCheck:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
