package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/config"
	"github.com/tg-gpt-bot-go/internal/dialog"
	"github.com/tg-gpt-bot-go/internal/handlers"
	"github.com/tg-gpt-bot-go/internal/i18n"
	"github.com/tg-gpt-bot-go/internal/middleware"
	"github.com/tg-gpt-bot-go/internal/services/ai"
	"github.com/tg-gpt-bot-go/internal/services/cache"
	"github.com/tg-gpt-bot-go/internal/services/storage"
	"github.com/tg-gpt-bot-go/internal/transport"
	"github.com/tg-gpt-bot-go/pkg/logger"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to an optional YAML configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting Telegram Bot...")

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("Failed to create bot")
	}
	bot.Debug = cfg.Debug
	log.WithField("username", bot.Self.UserName).Info("Bot authorized")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage
	db, err := storage.Open(cfg.Database.URL, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	if err := storage.AutoMigrate(db); err != nil {
		log.WithError(err).Fatal("Failed to migrate database")
	}

	metrics := middleware.NewMetrics()
	settingsCache := cache.NewSettingsCache(&cfg.Cache, log)
	manager := storage.NewManager(db, cfg.API.BaseURL, settingsCache, metrics, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Backends
	completer := ai.NewEinoCompleter(cfg.API.Key, cfg.API.CompletionTimeout, log)
	assistant := ai.NewAssistantClient(cfg.API.AssistantTimeout, log)
	images := ai.NewImageClient(cfg.API.Key, cfg.API.ImageTimeout, log)

	tg := transport.NewTelegram(bot, log)

	dialogStore, closeStore := newDialogStore(cfg, log)
	defer closeStore()

	engine := dialog.NewEngine(dialogStore, manager, tg, localizer, log, dialog.Options{
		Timeout:             cfg.Dialog.Timeout,
		DefaultAssistantURL: cfg.API.AssistantURL,
		Recorder:            metrics,
	})

	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	coordinator := handlers.NewCoordinator(manager, completer, assistant, images, tg, localizer, log, handlers.CoordinatorOptions{
		CompletionTimeout: cfg.API.CompletionTimeout,
		AssistantTimeout:  cfg.API.AssistantTimeout,
		ChunkDelay:        100 * time.Millisecond,
		Recorder:          metrics,
	})

	messageHandler := handlers.NewMessageHandler(manager, engine, coordinator, tg, rateLimiter, localizer, log, handlers.MessageOptions{
		BotName:  bot.Self.UserName,
		Recorder: metrics,
	})

	// Background tasks
	go engine.Run(ctx, cfg.Dialog.SweepInterval)
	go rateLimiter.Run(ctx, 10*time.Minute)

	var servers []*http.Server
	if cfg.Monitoring.Metrics.Enabled {
		check := func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		srv := middleware.NewMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path, check)
		servers = append(servers, srv)
		go serve(srv, "metrics", log)
		log.WithFields(logrus.Fields{
			"port": cfg.Monitoring.Metrics.Port,
			"path": cfg.Monitoring.Metrics.Path,
		}).Info("Metrics server started")
	}

	// Setup update channel
	var updates tgbotapi.UpdatesChannel
	if cfg.Bot.Webhook.Enabled {
		webhookURL := fmt.Sprintf("%s/%s", cfg.Bot.Webhook.URL, bot.Token)
		webhook, err := tgbotapi.NewWebhook(webhookURL)
		if err != nil {
			log.WithError(err).Fatal("Failed to create webhook")
		}
		if _, err := bot.Request(webhook); err != nil {
			log.WithError(err).Fatal("Failed to set webhook")
		}

		updates = bot.ListenForWebhook("/" + bot.Token)
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Bot.Webhook.Port), ReadTimeout: 30 * time.Second}
		servers = append(servers, srv)
		go serve(srv, "webhook", log)
		log.WithField("port", cfg.Bot.Webhook.Port).Info("Webhook set")
	} else {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = cfg.Bot.UpdateTimeout
		updates = bot.GetUpdatesChan(u)
		log.Info("Using long polling")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tg.Dispatch(ctx, updates, messageHandler.Handle)
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	if cfg.Bot.Webhook.Enabled {
		if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			log.WithError(err).Error("Failed to delete webhook")
		}
	} else {
		bot.StopReceivingUpdates()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Server shutdown failed")
		}
	}

	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("Timed out waiting for update handlers")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("Bot stopped")
}

// newDialogStore selects where settings dialog state lives
func newDialogStore(cfg *config.Config, log *logrus.Logger) (dialog.Store, func()) {
	if cfg.Dialog.Store != "redis" {
		return dialog.NewMemoryStore(), func() {}
	}

	store, err := dialog.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Dialog.Timeout*2, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	log.WithField("addr", cfg.Redis.Addr).Info("Dialog state stored in Redis")
	return store, func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis client")
		}
	}
}

func serve(srv *http.Server, name string, log *logrus.Logger) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).WithField("server", name).Error("HTTP server failed")
	}
}
