package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/msgroute/internal/api/dto"
	"github.com/cuongbtq/msgroute/internal/routing"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

// CreateMessage handles POST /api/v1/messages
// Stores a message with its first job and notifies the routers
func (h *JobHandler) CreateMessage(c *gin.Context) {
	// Step 1: Validate request body
	var req dto.CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	fn, err := domain.ParseFunction(req.Function)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Step 2: Store the message and its job together
	if req.MessageID == "" {
		req.MessageID = h.newMessageID()
	}
	rec := &routing.Record{
		MessageID:     req.MessageID,
		Queue:         req.Queue,
		CorrelationID: req.CorrelationID,
		BatchID:       req.BatchID,
		Requestor:     req.Requestor,
		Responder:     req.Responder,
		Priority:      req.Priority,
		Keywords:      req.Keywords,
		Payload:       []byte(req.Payload),
	}
	job := routing.JobRequest{
		ID:        h.newJobID(),
		MessageID: rec.MessageID,
		Queue:     rec.Queue,
		Function:  fn.String(),
		BatchID:   rec.BatchID,
	}
	if err := h.storage.CreateMessage(c.Request.Context(), rec, job); err != nil {
		h.logger.Error("Failed to create message",
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create message",
		})
		return
	}

	resp := dto.CreateMessageResponse{
		MessageID: rec.MessageID,
		JobID:     job.ID,
		Queue:     job.Queue,
		Function:  job.Function,
		Status:    domain.JobStatusPending,
	}

	// Step 3: Notify the routers; the job stays on file when this fails
	if err := h.notifier.Notify(c.Request.Context(), job.ID); err != nil {
		h.logger.Error("Failed to publish job notification",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Message stored but the job notification failed",
			"job_id": job.ID,
		})
		return
	}

	h.logger.Info("Message accepted",
		slog.String("message_id", rec.MessageID),
		slog.String("job_id", job.ID),
		slog.String("queue", job.Queue),
	)
	c.JSON(http.StatusCreated, resp)
}
