package models

import "strings"

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is the canonical representation of every inbound generation call.
// Chat, legacy image and Anthropic-style requests are all normalised into it.
type ChatRequest struct {
	Model      string
	Messages   []Message
	ImageCount int
}

// GenerationRequest is what gets submitted to the backend.
type GenerationRequest struct {
	Model      string
	Prompt     string
	ImageCount int
}

// BackendEndpoints locates the queue endpoints for one model.
type BackendEndpoints struct {
	SubmitURL     string
	StatusBaseURL string
}

// StatusURL returns the polling endpoint for a job.
func (e BackendEndpoints) StatusURL(h JobHandle) string {
	return e.ResultURL(h) + "/status"
}

// ResultURL returns the payload endpoint for a job.
func (e BackendEndpoints) ResultURL(h JobHandle) string {
	return strings.TrimRight(e.StatusBaseURL, "/") + "/requests/" + h.RequestID
}

// JobHandle correlates a submitted job with its polls.
type JobHandle struct {
	RequestID string
}

// JobStatus is the backend-reported lifecycle of a job.
type JobStatus int

const (
	JobStatusUnknown JobStatus = iota
	JobStatusInProgress
	JobStatusCompleted
	JobStatusFailed
)

// ParseJobStatus maps the backend status string. Only the exact values
// COMPLETED and FAILED are terminal; everything else is still in progress.
func ParseJobStatus(raw string) JobStatus {
	switch raw {
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	default:
		return JobStatusInProgress
	}
}

func (s JobStatus) String() string {
	switch s {
	case JobStatusInProgress:
		return "IN_PROGRESS"
	case JobStatusCompleted:
		return "COMPLETED"
	case JobStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// JobOutcome is the terminal state of a poll loop.
type JobOutcome string

const (
	OutcomeCompletedWithImages JobOutcome = "completed"
	OutcomeCompletedEmpty      JobOutcome = "completed_empty"
	OutcomeFailed              JobOutcome = "failed"
	OutcomeExhausted           JobOutcome = "exhausted"
)

// GenerationResult holds image URLs in backend order.
type GenerationResult struct {
	ImageURLs []string
}

// Generation is the full record of one pipeline run.
type Generation struct {
	Model    string
	Prompt   string
	Handle   JobHandle
	Outcome  JobOutcome
	Result   GenerationResult
	Attempts int
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model identifies a routable model id.
type Model struct {
	ID        string
	Endpoints BackendEndpoints
	AliasOf   string
	Default   bool
}

// Reply is the protocol-neutral answer rendered into a response envelope.
// ID is the job's request id, or a unix timestamp when no job was created.
type Reply struct {
	ID      string
	Content string
	Usage   Usage
}
