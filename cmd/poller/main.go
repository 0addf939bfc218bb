package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/database"
	"github.com/richardliu001/order-sync-service/internal/logger"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/richardliu001/order-sync-service/internal/service"

	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	relay := service.NewOutboxRelay(repo.NewRepository(gdb, nil, kw, log), cfg.Outbox.BatchSize, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("order-sync-poller started", "topic", cfg.Kafka.Topic, "interval", cfg.Outbox.Interval)
	relay.Run(ctx, cfg.Outbox.Interval)
	log.Info("order-sync-poller stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
