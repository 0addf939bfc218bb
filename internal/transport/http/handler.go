package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/order-sync-service/internal/model"
	"github.com/richardliu001/order-sync-service/internal/repo"
	"github.com/richardliu001/order-sync-service/internal/service"
)

// Syncer is the part of service.SyncService the handlers need.
type Syncer interface {
	Run(ctx context.Context) service.SyncResult
	State(ctx context.Context) (*model.SyncState, error)
}

// Reporter is the part of service.AnalyticsService the handlers need.
type Reporter interface {
	SalesByChannel(ctx context.Context, q service.ReportQuery) ([]service.ChannelSales, error)
	RevenueBreakdown(ctx context.Context, q service.ReportQuery) ([]service.RevenueDay, error)
	StatusBreakdown(ctx context.Context, q service.ReportQuery) ([]service.StatusDay, error)
}

func RegisterHandlers(r *gin.Engine, sync Syncer, reports Reporter) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	{
		v1.POST("/sync/orders", syncHandler(sync))
		v1.GET("/sync/orders", syncStateHandler(sync))
		v1.GET("/reports/sales-by-channel", reportHandler(reports.SalesByChannel))
		v1.GET("/reports/revenue", reportHandler(reports.RevenueBreakdown))
		v1.GET("/reports/status", reportHandler(reports.StatusBreakdown))
	}
}

func syncHandler(s Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.Run(c.Request.Context())
		switch {
		case res.Success:
			c.JSON(http.StatusOK, res)
		case errors.Is(res.Err, service.ErrSyncInProgress):
			c.JSON(http.StatusConflict, res)
		default:
			c.JSON(http.StatusBadGateway, res)
		}
	}
}

type syncStateResp struct {
	EntityType    string  `json:"entityType"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode,omitempty"`
	LastCursor    *string `json:"lastCursor"`
	LastSyncAt    *string `json:"lastSyncAt"`
	LastSuccessAt *string `json:"lastSuccessAt"`
	ErrorMessage  *string `json:"errorMessage"`
	RunID         *string `json:"runId"`
}

func syncStateHandler(s Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := s.State(c.Request.Context())
		if errors.Is(err, repo.ErrSyncStateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, syncStateResp{
			EntityType:    st.EntityType,
			Status:        st.SyncStatus,
			Mode:          st.SyncMode,
			LastCursor:    st.LastCursor,
			LastSyncAt:    rfc3339(st.LastSyncAt),
			LastSuccessAt: rfc3339(st.LastSuccessAt),
			ErrorMessage:  st.ErrorMessage,
			RunID:         st.RunID,
		})
	}
}

type reportReq struct {
	From    string `form:"from" binding:"required"`
	To      string `form:"to" binding:"required"`
	Channel string `form:"channel"`
}

func reportHandler[T any](fn func(context.Context, service.ReportQuery) (T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reportReq
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		out, err := fn(c.Request.Context(), service.ReportQuery{From: req.From, To: req.To, Channel: req.Channel})
		if errors.Is(err, service.ErrInvalidRange) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func rfc3339(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}
