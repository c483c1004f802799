// Package api exposes analysis submission and polling over HTTP
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/commjoen/urlanalyzer/internal/analysis"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

// Analyzer is the part of the analysis engine the handlers drive
type Analyzer interface {
	Submit(ctx context.Context, rawURL string) (string, error)
	Rehydrate(ctx context.Context, id string) (*models.Result, error)
}

// SubmitRequest is the body of POST /api/v1/analyses
type SubmitRequest struct {
	URL string `json:"url" binding:"required"`
}

// Handler serves the analyses endpoints
type Handler struct {
	analyzer    Analyzer
	completions cache.Completions
	log         logger.Logger
}

// NewHandler creates a handler
func NewHandler(analyzer Analyzer, completions cache.Completions, log logger.Logger) *Handler {
	return &Handler{analyzer: analyzer, completions: completions, log: log}
}

// Submit handles POST /api/v1/analyses
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if bindErr := c.ShouldBindJSON(&req); bindErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindErr.Error()})
		return
	}

	id, err := h.analyzer.Submit(c.Request.Context(), req.URL)
	switch {
	case errors.Is(err, analysis.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, analysis.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit analysis"})
		return
	}

	c.Header("Location", "/api/v1/analyses/"+id)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "pending"})
}

// Get handles GET /api/v1/analyses/:id. A completion record wins; a pending
// marker means the run is still going; otherwise the analysis is rebuilt from
// storage.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	record, err := h.completions.Get(ctx, id)
	if err == nil {
		c.JSON(http.StatusOK, record)
		return
	}
	if !errors.Is(err, cache.ErrNotFound) {
		// the database is still authoritative
		h.log.Warn("Completion lookup failed, falling back to storage",
			logger.String("analysis_id", id),
			logger.Error(err),
		)
	} else {
		pending, pendErr := h.completions.IsPending(ctx, id)
		if pendErr != nil {
			h.log.Warn("Pending lookup failed", logger.String("analysis_id", id), logger.Error(pendErr))
		}
		if pending {
			c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "pending"})
			return
		}
	}

	result, err := h.analyzer.Rehydrate(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load analysis"})
		return
	}

	c.JSON(http.StatusOK, models.CompletionRecord{OK: true, Data: result, CompletedAt: result.UpdatedAt})
}
