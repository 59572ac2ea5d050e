package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/handlers"
	"github.com/quillhq/quill/internal/logger"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/provider/adapters/discord"
	"github.com/quillhq/quill/internal/provider/adapters/feishu"
	"github.com/quillhq/quill/internal/provider/adapters/telegram"
	"github.com/quillhq/quill/internal/provider/adapters/wecom"
	"github.com/quillhq/quill/internal/queue"
	"github.com/quillhq/quill/internal/server"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideQueueStore,
			provideWeComProvider,
			provideTelegramProvider,
			provideDiscordProvider,
			provideFeishuProvider,
			provideRegistry,
			provideGatewayOptions,
			gateway.NewStatusCache,
			provideDeliveryFactory,
			provideRouter,
			handlers.NewPingHandler,
			handlers.NewMessagesHandler,
			provideWeComWebhookHandler,
			provideFeishuWebhookHandler,
			provideServer,
		),
		fx.Invoke(
			runMigrations,
			startProviders,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideQueueStore(conn *pgxpool.Pool, log *slog.Logger) *queue.Store {
	return queue.NewStore(conn, log)
}

// provideWeComProvider returns nil when the callback credentials are not
// configured; the webhook handler and registry skip nil providers.
func provideWeComProvider(cfg config.Config, log *slog.Logger) (*wecom.Provider, error) {
	section := cfg.Providers.WeCom
	if strings.TrimSpace(section.Token) == "" || strings.TrimSpace(section.EncodingAESKey) == "" {
		log.Warn("wecom credentials missing, provider not registered")
		return nil, nil
	}
	return wecom.New(wecom.Config{
		Token:          section.Token,
		EncodingAESKey: section.EncodingAESKey,
		AppID:          section.AppID,
		WebhookURL:     section.WebhookURL,
		Enabled:        section.Enabled,
		ReplyTimeout:   time.Duration(section.ReplyTimeoutSeconds) * time.Second,
		BatchDelay:     batchDelay(cfg),
	}, log)
}

func provideTelegramProvider(cfg config.Config, log *slog.Logger) *telegram.Provider {
	return telegram.New(telegram.Config{
		BotToken:   cfg.Providers.Telegram.BotToken,
		Enabled:    cfg.Providers.Telegram.Enabled,
		BatchDelay: batchDelay(cfg),
	}, log)
}

func provideDiscordProvider(cfg config.Config, log *slog.Logger) *discord.Provider {
	return discord.New(discord.Config{
		BotToken:   cfg.Providers.Discord.BotToken,
		Enabled:    cfg.Providers.Discord.Enabled,
		BatchDelay: batchDelay(cfg),
	}, log)
}

func provideFeishuProvider(cfg config.Config, log *slog.Logger) *feishu.Provider {
	section := cfg.Providers.Feishu
	return feishu.New(feishu.Config{
		AppID:             section.AppID,
		AppSecret:         section.AppSecret,
		VerificationToken: section.VerificationToken,
		Domain:            section.Domain,
		Enabled:           section.Enabled,
		BatchDelay:        batchDelay(cfg),
	}, log)
}

// batchDelay is the inter-message pause every adapter applies when it
// sends a batch sequentially.
func batchDelay(cfg config.Config) time.Duration {
	return time.Duration(cfg.Gateway.BatchSendDelayMs) * time.Millisecond
}

func provideRegistry(wecomProvider *wecom.Provider, telegramProvider *telegram.Provider, discordProvider *discord.Provider, feishuProvider *feishu.Provider) *provider.Registry {
	registry := provider.NewRegistry()
	if wecomProvider != nil {
		registry.MustRegister(wecomProvider)
	}
	registry.MustRegister(telegramProvider)
	registry.MustRegister(discordProvider)
	registry.MustRegister(feishuProvider)
	return registry
}

func provideGatewayOptions(cfg config.Config) gateway.Options {
	return gateway.Options{
		RetryDelay:          time.Duration(cfg.Gateway.RetryDelaySeconds) * time.Second,
		StreamBufferChars:   cfg.Gateway.StreamBufferChars,
		StreamFlushInterval: time.Duration(cfg.Gateway.StreamFlushIntervalMs) * time.Millisecond,
	}
}

func provideDeliveryFactory(registry *provider.Registry, store *queue.Store, status *gateway.StatusCache, opts gateway.Options, log *slog.Logger) gateway.DeliveryFactory {
	return func() *gateway.DeliveryManager {
		return gateway.NewDeliveryManager(registry, store, status, opts, log)
	}
}

func provideRouter(registry *provider.Registry, store *queue.Store, newDelivery gateway.DeliveryFactory, log *slog.Logger) *gateway.Router {
	return gateway.NewRouter(registry,
		func() queue.Enqueuer { return store },
		newDelivery,
		log,
	)
}

func provideWeComWebhookHandler(log *slog.Logger, p *wecom.Provider, router *gateway.Router) *handlers.WeComWebhookHandler {
	if p == nil {
		return nil
	}
	return handlers.NewWeComWebhookHandler(log, p, router)
}

func provideFeishuWebhookHandler(log *slog.Logger, p *feishu.Provider, router *gateway.Router) *handlers.FeishuWebhookHandler {
	return handlers.NewFeishuWebhookHandler(log, p, router)
}

func provideServer(cfg config.Config, log *slog.Logger, pingHandler *handlers.PingHandler, messagesHandler *handlers.MessagesHandler, wecomHandler *handlers.WeComWebhookHandler, feishuHandler *handlers.FeishuWebhookHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, log, pingHandler, messagesHandler, wecomHandler, feishuHandler)
}

func runMigrations(cfg config.Config, log *slog.Logger) error {
	result, err := queue.Migrate(db.MigrateURL(cfg.Postgres))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("migrations applied",
		slog.Uint64("version", uint64(result.Version)),
		slog.Bool("dirty", result.Dirty),
		slog.Bool("changed", result.Changed),
	)
	return nil
}

func startProviders(lc fx.Lifecycle, registry *provider.Registry, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, p := range registry.List() {
				if err := p.Init(ctx); err != nil {
					return fmt.Errorf("init provider %s: %w", p.PlatformID(), err)
				}
				log.Info("provider ready",
					slog.String("platform", p.PlatformID()),
					slog.Bool("enabled", p.Enabled()),
				)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var errs []error
			for _, p := range registry.List() {
				if err := p.Shutdown(ctx); err != nil {
					errs = append(errs, fmt.Errorf("shutdown provider %s: %w", p.PlatformID(), err))
				}
			}
			return errors.Join(errs...)
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
