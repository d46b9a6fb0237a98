package dto

import "github.com/cuongbtq/msgroute/internal/routing"

type CreateMessageRequest struct {
	MessageID     string            `json:"message_id"`
	Queue         string            `json:"queue" binding:"required"`
	Payload       string            `json:"payload" binding:"required"`
	CorrelationID string            `json:"correlation_id"`
	BatchID       string            `json:"batch_id"`
	Requestor     string            `json:"requestor"`
	Responder     string            `json:"responder"`
	Priority      int               `json:"priority"`
	Keywords      map[string]string `json:"keywords"`
	Function      string            `json:"function"`
}

type CreateMessageResponse struct {
	MessageID string `json:"message_id"`
	JobID     string `json:"job_id"`
	Queue     string `json:"queue"`
	Function  string `json:"function"`
	Status    string `json:"status"`
}

type ListJobsRequest struct {
	Queue    string `form:"queue"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string `json:"job_id"`
	MessageID     string `json:"message_id"`
	Queue         string `json:"queue"`
	Function      string `json:"function"`
	Status        string `json:"status"`
	Backout       int    `json:"backout"`
	BatchID       string `json:"batch_id,omitempty"`
	DeferredQueue string `json:"deferred_queue,omitempty"`
	AbortReason   string `json:"abort_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type AbortJobRequest struct {
	Reason string `json:"reason"`
}

type ReloadResponse struct {
	Revision int64 `json:"revision"`
}

type SaveSchemaRequest struct {
	routing.Definitions
}
