package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"

	"github.com/cuongbtq/msgroute/internal/api/dto"
	"github.com/cuongbtq/msgroute/internal/routing"
)

// Reload handles POST /api/v1/schema/reload
// Bumps the rule set revision so every router rebuilds its schema
func (h *SchemaHandler) Reload(c *gin.Context) {
	revision, err := h.ruleSets.BumpRevision(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to request schema reload", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request schema reload",
		})
		return
	}

	h.logger.Info("Schema reload requested", slog.Int64("revision", revision))
	c.JSON(http.StatusAccepted, dto.ReloadResponse{Revision: revision})
}

// Save handles PUT /api/v1/schema
// Validates every sub-schema before replacing the stored rule set
func (h *SchemaHandler) Save(c *gin.Context) {
	var req dto.SaveSchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var result *multierror.Error
	for _, def := range req.SubSchemas {
		if _, err := routing.BuildSubSchema(def); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, m := range req.Markers {
		if _, err := routing.ActiveMarker([]routing.Marker{m}, time.Now()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		details := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			details = append(details, e.Error())
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Invalid rule set",
			"details": details,
		})
		return
	}

	revision, err := h.ruleSets.Save(c.Request.Context(), &req.Definitions)
	if err != nil {
		h.logger.Error("Failed to save rule set", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save rule set"})
		return
	}

	h.logger.Info("Rule set saved",
		slog.Int64("revision", revision),
		slog.Int("schemas", len(req.SubSchemas)),
	)
	c.JSON(http.StatusOK, dto.ReloadResponse{Revision: revision})
}
