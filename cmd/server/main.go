package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/anyulbade/vpos-engine/internal/app"
	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/database"
	"github.com/anyulbade/vpos-engine/internal/handler"
	"github.com/anyulbade/vpos-engine/internal/middleware"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate && cfg.RepoBackend == "postgres" {
		if err := database.RunMigrations(cfg.DatabaseURL()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	router := gin.New()
	router.Use(middleware.Logger())
	router.Use(middleware.ErrorHandler())
	router.Use(gin.Recovery())

	healthHandler := handler.NewHealthHandler(a.Pool, a.Providers.Names())
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handler.SetupSwagger(router)
	api := router.Group("/api/v1")
	handler.NewPaymentHandler(a.Payments, a.Reconcile).Register(api)
	handler.NewCardHandler(a.Payments).Register(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Strs("providers", a.Providers.Names()).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		// Gateway calls in flight run detached from request contexts, so give
		// them the full write timeout to land.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		every(gctx, cfg.ReconcileInterval, "reconcile", func(ctx context.Context) {
			if _, err := a.Reconcile.ReconcilePending(ctx, cfg.ReconcileAfter, 100); err != nil {
				log.Error().Err(err).Msg("reconcile pass failed")
			}
			if _, err := a.Reconcile.ExpireAbandoned3DS(ctx, cfg.ThreeDSTimeout, 100); err != nil {
				log.Error().Err(err).Msg("3ds expiry pass failed")
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.HoldSweepInterval, "hold sweep", func(ctx context.Context) {
			if _, err := a.Holds.ExpireHolds(ctx, time.Now(), 100); err != nil {
				log.Error().Err(err).Msg("hold sweep failed")
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.PurgeInterval, "idempotency purge", func(ctx context.Context) {
			n, err := a.Guard.Purge(ctx)
			if err != nil {
				log.Error().Err(err).Msg("idempotency purge failed")
				return
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("expired idempotency keys removed")
			}
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server exited")
}

// every runs fn on a ticker until ctx ends. A zero interval disables the job.
func every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		log.Info().Str("job", name).Msg("background job disabled")
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}
