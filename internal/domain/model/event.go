package model

import (
	"encoding/json"
	"fmt"
	"time"

	"llm-jobqueue/internal/domain"
)

type EventType string

const (
	EventJobUpdate             EventType = "JOB_UPDATE"
	EventJobCompleted          EventType = "JOB_COMPLETED"
	EventJobFailed             EventType = "JOB_FAILED"
	EventQueueUpdate           EventType = "QUEUE_UPDATE"
	EventConnectionEstablished EventType = "CONNECTION_ESTABLISHED"
	EventHeartbeat             EventType = "heartbeat"
)

// Event is a closed set of notifications. Only the variants below implement it.
type Event interface {
	Type() EventType
	isEvent()
}

// JobEvent is implemented by the variants that reference exactly one job.
type JobEvent interface {
	Event
	JobRef() string
	Owner() string
	JobStatus() JobStatus
}

type JobUpdate struct {
	JobID    string    `json:"jobId"`
	UserID   string    `json:"userId"`
	Status   JobStatus `json:"status"`
	Progress *int      `json:"progress,omitempty"`
}

type JobCompleted struct {
	JobID  string    `json:"jobId"`
	UserID string    `json:"userId"`
	Result JobResult `json:"result"`
}

type JobFailed struct {
	JobID    string               `json:"jobId"`
	UserID   string               `json:"userId"`
	Error    string               `json:"error"`
	Category domain.ErrorCategory `json:"category,omitempty"`
}

type QueueUpdate struct {
	QueueLength       int `json:"queueLength"`
	InFlight          int `json:"inFlight"`
	EstimatedWaitTime int `json:"estimatedWaitTime"` // seconds
}

type ConnectionEstablished struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

func (JobUpdate) Type() EventType             { return EventJobUpdate }
func (JobCompleted) Type() EventType          { return EventJobCompleted }
func (JobFailed) Type() EventType             { return EventJobFailed }
func (QueueUpdate) Type() EventType           { return EventQueueUpdate }
func (ConnectionEstablished) Type() EventType { return EventConnectionEstablished }
func (Heartbeat) Type() EventType             { return EventHeartbeat }

func (JobUpdate) isEvent()             {}
func (JobCompleted) isEvent()          {}
func (JobFailed) isEvent()             {}
func (QueueUpdate) isEvent()           {}
func (ConnectionEstablished) isEvent() {}
func (Heartbeat) isEvent()             {}

func (e JobUpdate) JobRef() string       { return e.JobID }
func (e JobUpdate) Owner() string        { return e.UserID }
func (e JobUpdate) JobStatus() JobStatus { return e.Status }

func (e JobCompleted) JobRef() string     { return e.JobID }
func (e JobCompleted) Owner() string      { return e.UserID }
func (JobCompleted) JobStatus() JobStatus { return JobStatusCompleted }

func (e JobFailed) JobRef() string     { return e.JobID }
func (e JobFailed) Owner() string      { return e.UserID }
func (JobFailed) JobStatus() JobStatus { return JobStatusFailed }

// NewHeartbeat stamps a heartbeat with the given time in unix millis.
func NewHeartbeat(now time.Time) Heartbeat {
	return Heartbeat{Timestamp: now.UnixMilli()}
}

// EventForJob derives the event announcing the job's current status.
func EventForJob(j *Job) Event {
	switch j.Status {
	case JobStatusCompleted:
		var res JobResult
		if j.Result != nil {
			res = *j.Result
		}
		return JobCompleted{JobID: j.ID, UserID: j.UserID, Result: res}
	case JobStatusFailed:
		return JobFailed{JobID: j.ID, UserID: j.UserID, Error: j.ErrorMessage, Category: j.ErrorCategory}
	default:
		return JobUpdate{JobID: j.ID, UserID: j.UserID, Status: j.Status}
	}
}

type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalEvent encodes ev as {"type": ..., "data": {...}}.
func MarshalEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Data: data})
}

// UnmarshalEvent decodes a wire frame. Unknown types yield domain.ErrUnknownEventType
// so readers can skip them and continue.
func UnmarshalEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	var ev Event
	var err error
	switch env.Type {
	case EventJobUpdate:
		var e JobUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	case EventJobCompleted:
		var e JobCompleted
		err = json.Unmarshal(data, &e)
		ev = e
	case EventJobFailed:
		var e JobFailed
		err = json.Unmarshal(data, &e)
		ev = e
	case EventQueueUpdate:
		var e QueueUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	case EventConnectionEstablished:
		var e ConnectionEstablished
		err = json.Unmarshal(data, &e)
		ev = e
	case EventHeartbeat:
		var e Heartbeat
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEventType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}
