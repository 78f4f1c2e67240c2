package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"OutcomeSentinel/internal/model"
	"OutcomeSentinel/internal/store"
)

// OutcomeReader serves outcome rows and their aggregates.
type OutcomeReader interface {
	Outcomes(ctx context.Context, f store.OutcomeFilter) ([]model.PredictionOutcome, error)
	HorizonReport(ctx context.Context, f store.OutcomeFilter) ([]model.HorizonAccuracy, error)
	ConfidenceReport(ctx context.Context, f store.OutcomeFilter, days int) ([]model.ConfidenceAccuracy, error)
}

type OutcomeHandler struct {
	Outcomes OutcomeReader
}

func (h *OutcomeHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1")
	group.GET("/outcomes", h.listOutcomes)
	group.GET("/accuracy/horizons", h.horizonAccuracy)
	group.GET("/accuracy/confidence", h.confidenceAccuracy)
}

func (h *OutcomeHandler) filter(c *gin.Context) (store.OutcomeFilter, bool) {
	f := store.OutcomeFilter{
		Symbol:       strings.TrimSpace(c.Query("symbol")),
		CompleteOnly: c.Query("complete") == "true",
		Limit:        intQuery(c, "limit", 0),
	}
	if raw := strings.TrimSpace(c.Query("prediction_id")); raw != "" {
		id, ok := int64Query(c, "prediction_id")
		if !ok {
			Error(c, http.StatusBadRequest, "invalid prediction_id", nil)
			return f, false
		}
		f.PredictionID = id
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := model.ParseDate(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "since must be YYYY-MM-DD", nil)
			return f, false
		}
		f.Since = since
	}
	return f, true
}

func (h *OutcomeHandler) listOutcomes(c *gin.Context) {
	if h.Outcomes == nil {
		Error(c, http.StatusInternalServerError, "outcomes unavailable", nil)
		return
	}
	f, ok := h.filter(c)
	if !ok {
		return
	}
	items, err := h.Outcomes.Outcomes(c.Request.Context(), f)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if items == nil {
		items = []model.PredictionOutcome{}
	}
	Ok(c, items, map[string]any{"count": len(items)})
}

func (h *OutcomeHandler) horizonAccuracy(c *gin.Context) {
	if h.Outcomes == nil {
		Error(c, http.StatusInternalServerError, "outcomes unavailable", nil)
		return
	}
	f, ok := h.filter(c)
	if !ok {
		return
	}
	rows, err := h.Outcomes.HorizonReport(c.Request.Context(), f)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, rows, nil)
}

func (h *OutcomeHandler) confidenceAccuracy(c *gin.Context) {
	if h.Outcomes == nil {
		Error(c, http.StatusInternalServerError, "outcomes unavailable", nil)
		return
	}
	days := intQuery(c, "horizon", 7)
	if model.HorizonIndex(days) < 0 {
		Error(c, http.StatusBadRequest, "horizon must be one of 1, 3, 7, 30", nil)
		return
	}
	f, ok := h.filter(c)
	if !ok {
		return
	}
	rows, err := h.Outcomes.ConfidenceReport(c.Request.Context(), f, days)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, rows, map[string]any{"horizon": days})
}
