package http

import (
	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-sync-service/internal/config"
	"go.uber.org/zap"
)

func NewRouter(sync Syncer, reports Reporter, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, sync, reports)
	return r
}
