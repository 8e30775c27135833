package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/config"
	"github.com/example/ec-realtime/internal/domain/inventory"
	"github.com/example/ec-realtime/internal/infrastructure/ledger"
	"github.com/example/ec-realtime/internal/realtime"
)

// Standalone reservation sweeper for multi-instance deployments. API
// instances run an embedded sweeper too; concurrent sweeps are safe
// because the row locks serialize them.
func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := ledger.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("postgres connection failed")
	}
	defer db.Close()
	log.Info("connected to postgres")

	stockLedger := ledger.NewPostgresLedger(db)

	// Broadcasts from here flow through the kafka bus to the API
	// instances, which deliver them to their connected sockets. This
	// process serves no websockets of its own.
	var bus realtime.Bus
	if cfg.BusMode == "kafka" {
		bus = realtime.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	} else {
		log.Warn("local bus mode, swept releases will not reach any sockets")
		bus = realtime.NewLocalBus()
	}
	defer bus.Close()

	publisher := realtime.NewPublisher(bus, log)
	inventorySvc := inventory.NewService(stockLedger, publisher, cfg.ReservationTTL, log)

	sweeper := ledger.NewSweeper(stockLedger, cfg.SweepInterval, log)
	sweeper.OnReleased = inventorySvc.HandleSweptReservation

	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("sweeper stopped")
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
}
