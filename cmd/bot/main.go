package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/digkill/TGDeckBot/internal/admin"
	"github.com/digkill/TGDeckBot/internal/auth"
	"github.com/digkill/TGDeckBot/internal/balancefeed"
	"github.com/digkill/TGDeckBot/internal/billing"
	"github.com/digkill/TGDeckBot/internal/config"
	"github.com/digkill/TGDeckBot/internal/credit"
	"github.com/digkill/TGDeckBot/internal/database"
	"github.com/digkill/TGDeckBot/internal/ledger"
	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/repository"
	"github.com/digkill/TGDeckBot/internal/service"
	"github.com/digkill/TGDeckBot/internal/slidegen"
	"github.com/digkill/TGDeckBot/internal/storage"
	"github.com/digkill/TGDeckBot/internal/telegram"
	"github.com/digkill/TGDeckBot/internal/tracker"
	"github.com/digkill/TGDeckBot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	var (
		feed      ledger.Feed
		publisher service.BalancePublisher
	)
	redisClient, err := balancefeed.Dial(ctx, cfg.RedisURL)
	if err != nil {
		logr.Warn("balance feed disabled", "err", err)
	} else {
		defer redisClient.Close()
		f := balancefeed.New(redisClient, logr)
		feed, publisher = f, f
	}

	var journal ledger.Journal
	if cfg.ArchiveEnabled() {
		archive, err := storage.NewReceiptArchive(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("receipt archive: %v", err)
		}
		journal = archive
	}

	balanceRepo := repository.NewBalanceRepository(db)
	generationRepo := repository.NewGenerationRepository(db)
	pendingRepo := repository.NewPendingCreditRepository(db)

	balanceService := service.NewBalanceService(balanceRepo, publisher, journal, m, logr)

	var (
		generator slidegen.Generator
		creditor  ledger.Creditor
		provider  billing.Provider
	)
	if cfg.MockMode {
		logr.Info("mock mode enabled")
		generator = slidegen.NewMock(slidegen.MockConfig{
			SubmitDelay:     cfg.MockSubmitDelay,
			StatusDelay:     cfg.MockStatusDelay,
			SlideCount:      cfg.MockSlideCount,
			PollsToComplete: cfg.MockPollsToComplete,
		})
		creditor = &credit.Mock{Apply: func(ctx context.Context, userID, purchaseID string, units int) error {
			_, _, err := balanceService.ApplyCredit(ctx, userID, purchaseID, units)
			return err
		}}
		provider = billing.NewMock(cfg.ProductIDs)
	} else {
		generator = slidegen.NewClient(cfg.GeneratorBaseURL, cfg.GeneratorAPIKey, cfg.RequestTimeout, logr)
		creditor = credit.NewClient(credit.Options{
			BaseURL: cfg.CreditBaseURL,
			Tokens:  auth.StaticToken(cfg.CreditAPIToken),
			Timeout: cfg.RequestTimeout,
			Retries: cfg.CreditRetries,
			Metrics: m,
			Logger:  logr,
		})
		provider = billing.NewClient(cfg.PurchaseBaseURL, cfg.PurchaseAPIKey, cfg.PurchasePlatform, cfg.RequestTimeout, logr)
	}

	sessions := service.NewSessionManager(service.SessionDeps{
		Store:    balanceRepo,
		Feed:     feed,
		Creditor: creditor,
		Journal:  journal,
		Provider: provider,
		Pending:  pendingRepo,
		Metrics:  m,
		Logger:   logr,
	})
	defer sessions.CloseAll()

	generationService := service.NewGenerationService(generator, generationRepo, tracker.Config{
		PollInterval: cfg.PollInterval,
		MaxPolls:     cfg.MaxPolls,
		Deadline:     cfg.PollDeadline,
	}, m, logr)

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}

	bot := telegram.NewBot(botAPI, logr, sessions, generationService, provider, cfg.ProductIDs)

	adminServer := admin.NewServer(admin.Options{
		Addr:          cfg.AdminListenAddr,
		Username:      cfg.AdminUsername,
		Password:      cfg.AdminPassword,
		CreditToken:   cfg.CreditAPIToken,
		WebhookSecret: cfg.WebhookSecret,
		Balances:      balanceService,
		Sessions:      sessions,
		Pending:       pendingRepo,
		DB:            db,
		Gatherer:      registry,
		Logger:        logr,
	})
	go func() {
		if err := adminServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logr.Error("admin server stopped", "err", err)
		}
	}()

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("bot stopped", "err", err)
	}
}
