// Command syncer runs one orders synchronization and exits non-zero on
// failure. It is meant to be invoked by an external scheduler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/database"
	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/richardliu001/order-sync-service/internal/logger"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/richardliu001/order-sync-service/internal/service"

	"github.com/go-redis/redis/v8"
)

const (
	exitFailed     = 1
	exitInProgress = 2
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
	if err := database.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// the cache generation is bumped after a completed run when redis is configured
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	repository := repo.NewRepository(gdb, rdb, nil, log)
	svc := service.NewSyncService(repository, feed.NewClient(cfg.Feed, log), cfg.Sync, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res := svc.Run(ctx)
	stop()

	out, _ := json.Marshal(res)
	fmt.Println(string(out))

	switch {
	case res.Success:
	case errors.Is(res.Err, service.ErrSyncInProgress):
		log.Sync()
		os.Exit(exitInProgress)
	default:
		log.Sync()
		os.Exit(exitFailed)
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
