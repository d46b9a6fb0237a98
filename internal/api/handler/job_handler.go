package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apidomain "github.com/cuongbtq/msgroute/internal/api/domain"
	"github.com/cuongbtq/msgroute/internal/api/dto"
	"github.com/cuongbtq/msgroute/internal/api/storage"
	"github.com/cuongbtq/msgroute/internal/scheduler/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:         job.JobID,
		MessageID:     job.MessageID,
		Queue:         job.Queue,
		Function:      job.Function,
		Status:        job.Status,
		Backout:       job.Backout,
		BatchID:       job.BatchID,
		DeferredQueue: job.DeferredQueue,
		AbortReason:   job.AbortReason,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
}

// jobID validates the job_id path parameter and writes the 400 on failure
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if err := domain.ValidateJobID(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID or ULID",
		})
		return "", false
	}
	return jobID, true
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if errors.Is(err, apidomain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first, optionally by queue and status
func (h *JobHandler) ListJobs(c *gin.Context) {
	// Step 1: Parse and bound query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if !apidomain.ValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job status",
		})
		return
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	// Step 2: Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// Step 3: Query one page plus one row
	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		Queue:    req.Queue,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// Step 4: Trim the extra row into the next cursor
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, resp)
}

// AbortJob handles POST /api/v1/jobs/:job_id/abort
// Aborts a pending or deferred job; a router picking it up afterwards drops it
func (h *JobHandler) AbortJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.AbortJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "Aborted by operator"
	}

	job, err := h.storage.AbortJob(c.Request.Context(), jobID, req.Reason)
	switch {
	case errors.Is(err, apidomain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	case errors.Is(err, apidomain.ErrJobNotAbortable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to abort job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to abort job"})
		return
	}

	h.logger.Info("Job aborted",
		slog.String("job_id", jobID),
		slog.String("reason", req.Reason),
	)
	c.JSON(http.StatusOK, toJobDTO(job))
}
