package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gatekeep/internal/model"
)

// UpdateIngestor はwebhookハンドラーが必要とする取り込みインターフェース。
type UpdateIngestor interface {
	// Ingest は1件の更新イベントを処理する。
	Ingest(ctx context.Context, update *model.Update) error
}

// WebhookHandler はTelegram webhookのHTTPハンドラー。
// パスに埋め込まれたシークレットの検証を通過した更新のみを取り込みに渡す。
type WebhookHandler struct {
	ingestor   UpdateIngestor
	secretPath string
	logger     *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(ingestor UpdateIngestor, secretPath string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingestor:   ingestor,
		secretPath: secretPath,
		logger:     logger,
	}
}

// Receive はTelegramからの更新イベントを受信する。
// 終端的な結果（重複・未知の種別・解析不能・拒否確定）は200でACKする。
// 一時的な失敗は500を返し、Telegramの再配信に再試行を委ねる。
// 再配信は重複排除フェンスと条件付き更新により安全に処理される。
// POST /webhooks/telegram/{secret}
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if !h.verifySecret(chi.URLParam(r, "secret")) {
		h.logger.Warn("webhookシークレットが一致しません")
		http.NotFound(w, r)
		return
	}

	var update model.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.logger.Warn("更新イベントの解析に失敗しました", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.ingestor.Ingest(r.Context(), &update); err != nil {
		h.logger.Error("更新イベントの処理に失敗しました",
			slog.Int64("update_id", update.UpdateID),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// verifySecret はパスのシークレットを検証する。
// URLエンコードされた形式も受け付ける。
func (h *WebhookHandler) verifySecret(incoming string) bool {
	expected := h.secretPath
	if subtle.ConstantTimeCompare([]byte(incoming), []byte(expected)) == 1 {
		return true
	}
	if decoded, err := url.PathUnescape(incoming); err == nil {
		return subtle.ConstantTimeCompare([]byte(decoded), []byte(expected)) == 1
	}
	return false
}
