// Package dto holds the JSON envelopes exchanged between the client and the backend.
package dto

import (
	"github.com/meshport/meshport/internal/job"
)

// Submission outcomes reported by upload and generation endpoints.
const (
	OutcomeCompleted  = "completed"
	OutcomeProcessing = "processing"
)

type UploadResponse struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	JobID       string `json:"jobId,omitempty"`
	ModelURL    string `json:"modelUrl,omitempty"`
	Message     string `json:"message,omitempty"`
	PollURL     string `json:"pollUrl,omitempty"`
	Error       string `json:"error,omitempty"`
	TripoTaskID string `json:"tripoTaskId,omitempty"`
}

type JobStatusResponse struct {
	Success bool `json:"success"`
	job.Snapshot
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Message   string `json:"message,omitempty"`
}

type GenerateFromTextRequest struct {
	Prompt  string             `json:"prompt"`
	Options *GenerationOptions `json:"options,omitempty"`
}

type HomeGenerateRequest struct {
	Prompt string `json:"prompt"`
}

type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Uptime  int    `json:"uptimeSeconds,omitempty"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	TraceID string `json:"traceId,omitempty"`
}
