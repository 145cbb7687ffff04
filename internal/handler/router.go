package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/gatekeep/internal/middleware"
	"github.com/hitoshi/gatekeep/internal/repository"
)

// HealthChecker はDB疎通確認のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	JWTSecret   []byte
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// ヘルスチェック
	HealthChecker HealthChecker

	// アクセス管理
	AccessService AccessServiceInterface

	// チャンネル登録
	ChannelRepo repository.ChannelRepository
	ChannelBot  ChannelBotAPI

	// webhook
	Ingestor          UpdateIngestor
	WebhookSecretPath string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Auth(JWT) → RateLimit(General)
//
// webhookルートとヘルスチェックはJWT認証の外に配置する。
// webhookはパス埋め込みのシークレットが認証を兼ねる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	accessHandler := NewAccessHandler(deps.AccessService)
	channelHandler := NewChannelHandler(deps.ChannelRepo, deps.ChannelBot)
	webhookHandler := NewWebhookHandler(deps.Ingestor, deps.WebhookSecretPath, deps.Logger)

	// --- 認証不要のルート ---

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthChecker != nil {
			if err := deps.HealthChecker.PingContext(req.Context()); err != nil {
				deps.Logger.Error("DB疎通確認に失敗しました", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Telegram webhook（シークレットパスが認証を兼ねる）
	r.Post("/webhooks/telegram/{secret}", webhookHandler.Receive)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth(JWT) → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.JWTSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// アクセス管理
		r.Route("/api/access", func(r chi.Router) {
			// POST /api/access/grant - アクセス付与（付与専用レート制限を追加）
			r.With(deps.RateLimiter.GrantMiddleware()).Post("/grant", accessHandler.Grant)
			r.Post("/force-remove", accessHandler.ForceRemove)
		})

		// 照会
		r.Route("/api/users/{ext_user_id}", func(r chi.Router) {
			r.Get("/memberships", accessHandler.ListMemberships)
			r.Get("/channels/{chat_id}/audit", accessHandler.AuditTrail)
		})

		// チャンネル管理
		r.Route("/api/channels", func(r chi.Router) {
			r.Post("/", channelHandler.Register)
			r.Get("/", channelHandler.List)
		})
	})

	return r
}
