package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/api"
	"github.com/example/ec-realtime/internal/auth"
	"github.com/example/ec-realtime/internal/config"
	"github.com/example/ec-realtime/internal/domain/checkout"
	"github.com/example/ec-realtime/internal/domain/inventory"
	"github.com/example/ec-realtime/internal/infrastructure/ledger"
	"github.com/example/ec-realtime/internal/realtime"
)

const accessTokenExpiry = 15 * time.Minute

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.RequireJWTSecret(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stock ledger. "memory" keeps local development free of a database;
	// everything else is a Postgres connection string.
	var stockLedger ledger.Ledger
	if cfg.DatabaseURL == "memory" {
		log.Warn("using in-memory stock ledger, state will not survive restarts")
		stockLedger = ledger.NewMemoryLedger()
	} else {
		db, err := ledger.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("postgres connection failed")
		}
		defer db.Close()

		if err := ledger.EnsureSchema(db); err != nil {
			log.WithError(err).Fatal("schema setup failed")
		}
		log.Info("connected to postgres")
		stockLedger = ledger.NewPostgresLedger(db)
	}

	// Fan-out bus between hub instances.
	var bus realtime.Bus
	if cfg.BusMode == "kafka" {
		log.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("using kafka fan-out bus")
		bus = realtime.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	} else {
		log.Warn("using local fan-out bus, broadcasts will not reach other instances")
		bus = realtime.NewLocalBus()
	}
	defer bus.Close()

	jwtService := auth.NewJWTService(cfg.JWTSecret, accessTokenExpiry)

	registry := prometheus.NewRegistry()
	hub := realtime.NewHub(jwtService, bus, log, realtime.NewMetrics(registry))
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("hub stopped")
		}
	}()

	inventorySvc := inventory.NewService(stockLedger, hub, cfg.ReservationTTL, log)
	coordinator := checkout.NewCoordinator(inventorySvc, hub, log)

	// Expired holds are released by the sweeper; the release is broadcast
	// like any other availability change.
	sweeper := ledger.NewSweeper(stockLedger, cfg.SweepInterval, log)
	sweeper.OnReleased = inventorySvc.HandleSweptReservation
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("sweeper stopped")
		}
	}()

	sampler := realtime.NewMetricsSampler(hub, cfg.MetricsInterval, log)
	go func() {
		if err := sampler.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("metrics sampler stopped")
		}
	}()

	handlers := api.NewHandlers(inventorySvc, coordinator, hub, log)
	router := api.NewRouter(handlers, hub, jwtService, registry, log)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server started")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
