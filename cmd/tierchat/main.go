package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xaenox/tierchat/internal/billing"
	"github.com/xaenox/tierchat/internal/bot"
	"github.com/xaenox/tierchat/internal/classifier"
	"github.com/xaenox/tierchat/internal/cli"
	"github.com/xaenox/tierchat/internal/completion"
	"github.com/xaenox/tierchat/internal/logging"
	"github.com/xaenox/tierchat/internal/session"
	"github.com/xaenox/tierchat/internal/storage"
	"github.com/xaenox/tierchat/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Bootstrap logger until the configured one is built
	bootstrap, _ := zap.NewProduction()

	configPath := os.Getenv("TIERCHAT_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		bootstrap.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	kv, err := storage.Open(ctx, storage.Config{
		Driver:     cfg.Storage.Driver,
		SQLitePath: cfg.Storage.SQLitePath,
		Postgres: storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		},
		Redis: storage.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err), zap.String("driver", cfg.Storage.Driver))
	}
	store := storage.NewStore(kv, logger)
	defer store.Close()

	client := completion.NewClient(completion.Config{
		APIKey:        cfg.OpenAI.APIKey,
		BaseURL:       cfg.OpenAI.BaseURL,
		ThinkingModel: cfg.OpenAI.ThinkingModel,
	}, logger)

	billingCfg := billing.Config{
		CheckoutURL:    cfg.Billing.CheckoutURL,
		PublishableKey: cfg.Billing.PublishableKey,
		VerifyURL:      cfg.Billing.VerifyURL,
		Optimistic:     cfg.Billing.Optimistic,
		PriceIDs:       cfg.Billing.PriceIDs,
	}

	opts := []session.Option{
		session.WithSystemPrompt(cfg.OpenAI.SystemPrompt),
		session.WithTitler(newTitler(cfg, client, logger)),
	}
	if v := billing.NewVerifier(billingCfg, logger); v != nil {
		opts = append(opts, session.WithVerifier(v))
	} else {
		logger.Info("No payment verification configured, upgrades are disabled")
	}

	sess := session.New(ctx, store, client, logger, opts...)
	if _, err := sess.ResetImageUsage(ctx); err != nil {
		logger.Error("Failed to reset image usage", zap.Error(err))
	}

	checkout := billing.NewCheckout(billingCfg)

	switch cfg.Frontend {
	case "telegram":
		b, err := bot.New(cfg.Telegram.Token, sess, checkout, cfg.Telegram.OwnerID, logger)
		if err != nil {
			logger.Fatal("Failed to create bot", zap.Error(err))
		}
		logger.Info("Bot started", zap.Int64("owner_id", cfg.Telegram.OwnerID))
		if err := b.Start(ctx); err != nil {
			logger.Error("Bot error", zap.Error(err))
		}
	default:
		app := cli.New(sess, checkout, os.Stdout, logger)
		if err := app.RunInteractive(ctx); err != nil {
			logger.Error("REPL error", zap.Error(err))
		}
	}
}

func newTitler(cfg *config.Config, client *completion.Client, logger *zap.Logger) classifier.Titler {
	if cfg.OpenAI.SmartTitles {
		return classifier.NewGPTTitler(client, cfg.OpenAI.TitleModel, cfg.OpenAI.TitleTokens, logger)
	}
	return classifier.NewSimpleTitler(6, 48)
}
