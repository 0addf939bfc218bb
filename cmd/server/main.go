package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/order-sync-service/internal/config"
	"github.com/richardliu001/order-sync-service/internal/database"
	"github.com/richardliu001/order-sync-service/internal/feed"
	"github.com/richardliu001/order-sync-service/internal/logger"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/richardliu001/order-sync-service/internal/service"
	httptransport "github.com/richardliu001/order-sync-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
)

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. database
	gdb, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis (report cache); optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
	}

	// 5. repo & services; events are relayed by the poller, so no kafka writer here
	repository := repo.NewRepository(gdb, rdb, nil, log)
	if err := repository.SeedSyncState(context.Background(), service.EntityOrders); err != nil {
		log.Fatalf("seed sync state: %v", err)
	}
	syncSvc := service.NewSyncService(repository, feed.NewClient(cfg.Feed, log), cfg.Sync, log)
	reports, err := service.NewAnalyticsService(repository, cfg.Reports, log)
	if err != nil {
		log.Fatalf("analytics: %v", err)
	}

	// 6. gin router
	router := httptransport.NewRouter(syncSvc, reports, cfg.RateLimit, log)

	// 7. serve until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("order-sync-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	log.Info("order-sync-server stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
