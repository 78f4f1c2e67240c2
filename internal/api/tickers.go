package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"OutcomeSentinel/internal/model"
)

// TickerReader serves registry state.
type TickerReader interface {
	List(ctx context.Context, statuses ...model.TickerStatus) ([]model.TickerRecord, error)
	Counts(ctx context.Context) (map[model.TickerStatus]int, error)
}

// HealthReporter exposes provider health.
type HealthReporter interface {
	Health() []model.ProviderHealth
}

type TickerHandler struct {
	Tickers   TickerReader
	Providers HealthReporter
}

func (h *TickerHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1")
	group.GET("/tickers", h.listTickers)
	group.GET("/tickers/counts", h.counts)
	group.GET("/providers/health", h.providerHealth)
}

func (h *TickerHandler) listTickers(c *gin.Context) {
	if h.Tickers == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	var statuses []model.TickerStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseTickerStatus(strings.TrimSpace(part))
			if err != nil {
				Error(c, http.StatusBadRequest, err.Error(), nil)
				return
			}
			statuses = append(statuses, st)
		}
	}
	items, err := h.Tickers.List(c.Request.Context(), statuses...)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if items == nil {
		items = []model.TickerRecord{}
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *TickerHandler) counts(c *gin.Context) {
	if h.Tickers == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	counts, err := h.Tickers.Counts(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	Ok(c, counts, map[string]any{"total": total})
}

func (h *TickerHandler) providerHealth(c *gin.Context) {
	if h.Providers == nil {
		Error(c, http.StatusInternalServerError, "market data unavailable", nil)
		return
	}
	Ok(c, h.Providers.Health(), nil)
}
