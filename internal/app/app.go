// Package app assembles the payment engine from configuration. The server
// and posctl share it so both run against the same stores and gateways.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/carddata"
	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/database"
	"github.com/anyulbade/vpos-engine/internal/events"
	"github.com/anyulbade/vpos-engine/internal/idempotency"
	"github.com/anyulbade/vpos-engine/internal/provider"
	"github.com/anyulbade/vpos-engine/internal/repository"
	"github.com/anyulbade/vpos-engine/internal/service"
)

type App struct {
	Pool      *pgxpool.Pool
	Providers *provider.Registry
	Guard     *idempotency.Guard
	Publisher events.Publisher

	Payments  *service.PaymentService
	Reconcile *service.ReconcileService
	Holds     *service.HoldService
}

// New opens the configured backend and builds the services. Close releases
// the pool and the event publisher.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	var (
		store service.TransactionStore
		keys  idempotency.Store
		vault carddata.Vault
	)
	switch cfg.RepoBackend {
	case "memory":
		log.Warn().Msg("using in-memory storage, nothing survives a restart")
		store = repository.NewMemoryTransactionRepository()
		keys = idempotency.NewMemoryStore()
		vault = carddata.NewMemoryVault()
	default:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := database.Connect(connectCtx, cfg.DatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		store = repository.NewTransactionRepository(pool)
		keys = repository.NewIdempotencyRepository(pool)
		vault = repository.NewCardTokenRepository(pool)
	}

	a.Publisher = events.LogPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = events.NewKafkaPublisher(producer, cfg.KafkaTopic)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing transitions to kafka")
	}

	providers, err := provider.NewRegistry(cfg.POS, &http.Client{})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build providers: %w", err)
	}
	if len(providers.Names()) == 0 {
		log.Warn().Msg("no payment provider enabled")
	}
	rules, err := cfg.POS.RuleSet()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Providers = providers
	a.Guard = idempotency.NewGuard(keys, cfg.IdempotencyRetention)
	core := service.NewCore(service.Deps{
		Store:           store,
		Providers:       providers,
		Guard:           a.Guard,
		Tokenizer:       carddata.NewTokenizer(vault, []byte(cfg.PANPepper)),
		Rules:           rules,
		Preauth:         cfg.POS.Preauth,
		Publisher:       a.Publisher,
		CallbackBaseURL: cfg.PublicBaseURL,
	})
	a.Payments = service.NewPaymentService(core)
	a.Reconcile = service.NewReconcileService(core, cfg.ReconcileConcurrency)
	a.Holds = service.NewHoldService(core)
	return a, nil
}

func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("close event publisher")
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
