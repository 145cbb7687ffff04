// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/gatekeep/internal/access"
	"github.com/hitoshi/gatekeep/internal/clock"
	"github.com/hitoshi/gatekeep/internal/config"
	"github.com/hitoshi/gatekeep/internal/database"
	"github.com/hitoshi/gatekeep/internal/handler"
	"github.com/hitoshi/gatekeep/internal/invite"
	"github.com/hitoshi/gatekeep/internal/logger"
	"github.com/hitoshi/gatekeep/internal/metrics"
	"github.com/hitoshi/gatekeep/internal/middleware"
	"github.com/hitoshi/gatekeep/internal/repository"
	"github.com/hitoshi/gatekeep/internal/telegram"
	"github.com/hitoshi/gatekeep/internal/webhook"
	"github.com/hitoshi/gatekeep/internal/worker/reconcile"
	"github.com/hitoshi/gatekeep/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// engine はドメインサービス一式をまとめた内部構造体。
// serveとworkerで共通のワイヤリングを行う。
type engine struct {
	db        *sql.DB
	bot       *telegram.Client
	registry  *prometheus.Registry
	collector *metrics.Collector

	userRepo       *repository.PostgresUserRepo
	channelRepo    *repository.PostgresChannelRepo
	membershipRepo *repository.PostgresMembershipRepo
	inviteRepo     *repository.PostgresInviteRepo
	auditRepo      *repository.PostgresAuditRepo
	updateLogRepo  *repository.PostgresUpdateLogRepo

	inviteSvc *invite.Service
	accessSvc *access.Service
	ingestor  *webhook.Ingestor
}

// newEngine はDB接続を開き、全ドメインサービスをワイヤリングする。
func newEngine(cfg *config.Config) (*engine, error) {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. リポジトリの初期化
	e := &engine{
		db:             db,
		userRepo:       repository.NewPostgresUserRepo(db),
		channelRepo:    repository.NewPostgresChannelRepo(db),
		membershipRepo: repository.NewPostgresMembershipRepo(db),
		inviteRepo:     repository.NewPostgresInviteRepo(db),
		auditRepo:      repository.NewPostgresAuditRepo(db),
		updateLogRepo:  repository.NewPostgresUpdateLogRepo(db),
	}

	// 3. Telegramクライアントとメトリクスの初期化
	e.bot = telegram.NewClient(
		cfg.BotToken,
		&http.Client{Timeout: cfg.APITimeout},
		logger.Component("telegram"),
	)
	e.registry = prometheus.NewRegistry()
	e.collector = metrics.NewCollector(e.registry)

	// 4. ドメインサービスの初期化
	clk := clock.System()
	e.inviteSvc = invite.NewService(
		e.inviteRepo, e.membershipRepo, e.userRepo, e.auditRepo,
		e.bot, e.collector, clk, logger.Component("invite"), cfg.InviteTTL,
	)
	e.accessSvc = access.NewService(
		e.userRepo, e.channelRepo, e.membershipRepo, e.inviteRepo, e.auditRepo,
		e.inviteSvc, e.bot, e.collector, clk, logger.Component("access"),
	)
	e.ingestor = webhook.NewIngestor(
		e.userRepo, e.channelRepo, e.membershipRepo, e.auditRepo, e.updateLogRepo,
		e.inviteSvc, e.bot, e.collector, clk, logger.Component("webhook"),
	)

	return e, nil
}

// serveMetrics はPrometheusスクレイプ用のリスナーをバックグラウンドで起動する。
func (e *engine) serveMetrics(port string) {
	go func() {
		addr := ":" + port
		slog.Info("metrics listener starting", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, metrics.SetupMetricsRoute(e.registry)); err != nil {
			slog.Error("metrics listener error", slog.String("error", err.Error()))
		}
	}()
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、webhookを登録してHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.db.Close()

	// webhookの登録。TelegramはHTTPSを要求するためローカル環境ではスキップする
	if cfg.WebhookHTTPS() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.APITimeout)
		if err := e.bot.SetWebhook(ctx, cfg.WebhookURL()); err != nil {
			slog.Error("webhook登録に失敗しました", slog.String("error", err.Error()))
		} else {
			slog.Info("webhookを登録しました")
		}
		cancel()
	} else {
		slog.Warn("BASE_URLがHTTPSではないためwebhook登録をスキップします",
			slog.String("base_url", cfg.BaseURL))
	}

	// ルーターの構築。レート制限はreq/min単位の設定値をreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.GrantRate = rate.Limit(float64(cfg.RateLimitGrant) / 60.0)
	rateLimiterCfg.GrantBurst = cfg.RateLimitGrant
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		JWTSecret:         []byte(cfg.JWTSecret),
		RateLimiter:       rateLimiter,
		Logger:            logger.Component("http"),
		HealthChecker:     e.db,
		AccessService:     e.accessSvc,
		ChannelRepo:       e.channelRepo,
		ChannelBot:        e.bot,
		Ingestor:          e.ingestor,
		WebhookSecretPath: cfg.WebhookSecretPath,
	})

	e.serveMetrics(cfg.MetricsPort)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れスイープとリコンサイルジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.db.Close()

	clk := clock.System()
	sweeper := sweep.NewSweeper(
		e.membershipRepo, e.userRepo, e.auditRepo, e.bot, e.collector,
		clk, logger.Component("sweep"),
		cfg.SweepMaxConcurrent, cfg.StuckExpiredThreshold,
	)

	reconcileJob := reconcile.NewJob(
		e.inviteRepo, e.updateLogRepo, e.bot, clk, logger.Component("reconcile"),
	)
	reconcileJob.RetentionDays = cfg.UpdateRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
	)

	e.serveMetrics(cfg.MetricsPort)

	// リコンサイルジョブをバックグラウンドで起動
	go reconcileJob.Start(ctx, cfg.ReconcileInterval)

	// スイープをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
