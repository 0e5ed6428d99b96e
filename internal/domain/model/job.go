package model

import (
	"fmt"
	"strings"
	"time"

	"llm-jobqueue/internal/domain"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Priority bounds. Lower values are dispatched first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority maps an optional requested priority into [min, max].
func ClampPriority(p *int, def, min, max int) int {
	if p == nil {
		return def
	}
	switch {
	case *p < min:
		return min
	case *p > max:
		return max
	}
	return *p
}

// Message is one chat turn sent to the compute resource.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type JobInput struct {
	Prompt      string    `json:"prompt"`
	Messages    []Message `json:"messages,omitempty"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type JobResult struct {
	ResponseID   string `json:"id,omitempty"`
	Content      string `json:"content"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Created      int64  `json:"created,omitempty"`
	Usage        Usage  `json:"usage"`
}

type Job struct {
	ID            string               `json:"id"`
	UserID        string               `json:"userId"`
	Priority      int                  `json:"priority"`
	Input         JobInput             `json:"inputData"`
	Status        JobStatus            `json:"status"`
	Result        *JobResult           `json:"resultData,omitempty"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
	ErrorCategory domain.ErrorCategory `json:"errorCategory,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	StartedAt     *time.Time           `json:"startedAt,omitempty"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
}

// NewJob builds a QUEUED job. The prompt must already be validated.
func NewJob(id, userID string, priority int, in JobInput, now time.Time) *Job {
	return &Job{
		ID:        id,
		UserID:    userID,
		Priority:  priority,
		Input:     in,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkProcessing moves QUEUED -> PROCESSING.
func (j *Job) MarkProcessing(now time.Time) error {
	if j.Status != JobStatusQueued {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, JobStatusProcessing)
	}
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	return nil
}

// Complete moves PROCESSING -> COMPLETED and attaches the result.
func (j *Job) Complete(res JobResult, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, JobStatusCompleted)
	}
	j.Status = JobStatusCompleted
	j.Result = &res
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail moves PROCESSING -> FAILED. The stored message keeps the category prefix.
func (j *Job) Fail(cat domain.ErrorCategory, msg string, now time.Time) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, j.Status, JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.ErrorCategory = cat
	j.ErrorMessage = fmt.Sprintf("[%s] %s", cat, strings.TrimSpace(msg))
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Input.Messages != nil {
		cp.Input.Messages = append([]Message(nil), j.Input.Messages...)
	}
	if j.Input.Temperature != nil {
		t := *j.Input.Temperature
		cp.Input.Temperature = &t
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ConversationMessages returns what is sent to the compute resource.
func (j *Job) ConversationMessages() []Message {
	if len(j.Input.Messages) > 0 {
		return j.Input.Messages
	}
	return []Message{{Role: "user", Content: j.Input.Prompt}}
}
