package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/api"
	"github.com/punchamoorthee/moneycore/internal/config"
	"github.com/punchamoorthee/moneycore/internal/confirm"
	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
	"github.com/punchamoorthee/moneycore/internal/fees"
	"github.com/punchamoorthee/moneycore/internal/logger"
	"github.com/punchamoorthee/moneycore/internal/service"
	"github.com/punchamoorthee/moneycore/internal/store"
)

// ledgerStore is a Ledger that also checks account PINs.
type ledgerStore interface {
	domain.Ledger
	confirm.SecretVerifier
}

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		logger.Init("moneycore-api", "info", false)
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init("moneycore-api", cfg.Log.Level, cfg.Log.Pretty)
	logger.Info().Str("environment", cfg.Env).Str("ledger", cfg.Ledger.Driver).Msg("Starting moneycore API")

	revenue, err := cfg.RevenueAccount()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid revenue account")
	}
	escrow, err := cfg.EscrowAccount()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid escrow account")
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid fee schedule")
	}
	tiers, err := cfg.Tiers()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid commission tiers")
	}

	ctx := context.Background()

	var ledger ledgerStore
	switch cfg.Ledger.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		mem.AddAccount(domain.Account{ID: revenue, FullName: "System Revenue", Role: domain.RoleAdmin, CreatedAt: time.Now()}, decimal.Zero)
		mem.AddAccount(domain.Account{ID: escrow, FullName: "System Escrow", Role: domain.RoleAdmin, CreatedAt: time.Now()}, decimal.Zero)
		logger.Warn().Msg("Using in-memory ledger, balances are lost on exit")
		ledger = mem
	default:
		pg, err := store.NewStore(ctx, cfg.Ledger.DBSource, cfg.Ledger.MaxConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("Unable to connect to database")
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to migrate database")
		}
		logger.Info().Msg("Connected to database")
		ledger = pg
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Publishing events to Kafka")
	} else {
		logger.Warn().Msg("Kafka not configured, events will not be published")
	}
	defer publisher.Close()

	engine := fees.NewEngine(schedule, tiers)
	gate := confirm.NewGate(ledger, nil, confirm.Options{
		MaxAttempts:      cfg.Confirm.MaxAttempts,
		AttemptWindow:    cfg.Confirm.AttemptWindow,
		AuthorizationTTL: cfg.Confirm.AuthorizationTTL,
	}, logger.Logger)

	opts := service.Options{
		Currency:          cfg.Currency,
		RevenueAccount:    revenue,
		EscrowAccount:     escrow,
		ClaimCodeLength:   cfg.Claims.CodeLength,
		ClaimTTL:          cfg.Claims.TTL,
		WithdrawalCodeTTL: cfg.Withdrawals.CodeTTL,
		DraftTTL:          cfg.Drafts.TTL,
		TopicPrefix:       cfg.Kafka.TopicPrefix,
	}

	h := api.NewHandler(ledger, engine, api.Services{
		Transfers:   service.NewTransferService(ledger, engine, gate, publisher, opts, logger.Logger),
		Claims:      service.NewClaimService(ledger, publisher, opts, logger.Logger),
		Agents:      service.NewAgentService(ledger, engine, gate, publisher, opts, logger.Logger),
		Withdrawals: service.NewWithdrawalService(ledger, opts, logger.Logger),
	}, logger.Logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	logger.Info().Str("port", cfg.Server.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
