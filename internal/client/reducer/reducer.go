// Package reducer folds stream events into the client's view of the job it
// is waiting on.
package reducer

import (
	"sync"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
)

type Message struct {
	Role    string
	Content string
	JobID   string
}

// View is what a chat client renders.
type View struct {
	InFlightJobID string
	Status        model.JobStatus
	Loading       bool
	Messages      []Message
	Error         string
	ErrorCategory domain.ErrorCategory

	QueueLength          int
	EstimatedWaitSeconds int
}

// Reduce is pure: v is never modified and the result shares no mutable
// state with it.
func Reduce(v View, ev model.Event) View {
	out, _ := reduce(v, ev)
	return out
}

func reduce(v View, ev model.Event) (View, bool) {
	switch e := ev.(type) {
	case model.QueueUpdate:
		if v.QueueLength == e.QueueLength && v.EstimatedWaitSeconds == e.EstimatedWaitTime {
			return v, false
		}
		v.QueueLength = e.QueueLength
		v.EstimatedWaitSeconds = e.EstimatedWaitTime
		return v, true
	case model.JobUpdate:
		// a snapshot fetched on reconnect can be older than live events
		if !tracking(v, e.JobID) || rank(e.Status) <= rank(v.Status) {
			return v, false
		}
		v.Status = e.Status
		return v, true
	case model.JobCompleted:
		if !tracking(v, e.JobID) {
			return v, false
		}
		msgs := make([]Message, len(v.Messages), len(v.Messages)+1)
		copy(msgs, v.Messages)
		v.Messages = append(msgs, Message{Role: "assistant", Content: e.Result.Content, JobID: e.JobID})
		v.Status = model.JobStatusCompleted
		v.InFlightJobID = ""
		v.Loading = false
		return v, true
	case model.JobFailed:
		if !tracking(v, e.JobID) {
			return v, false
		}
		v.Error = e.Error
		v.ErrorCategory = e.Category
		v.Status = model.JobStatusFailed
		v.InFlightJobID = ""
		v.Loading = false
		return v, true
	default:
		return v, false
	}
}

// rank orders statuses along the job lifecycle; a view never moves back.
func rank(s model.JobStatus) int {
	switch s {
	case model.JobStatusQueued:
		return 1
	case model.JobStatusProcessing:
		return 2
	case model.JobStatusCompleted, model.JobStatusFailed:
		return 3
	default:
		return 0
	}
}

func tracking(v View, jobID string) bool {
	return v.InFlightJobID != "" && v.InFlightJobID == jobID
}

// Tracker applies events to a View behind a Dedup filter. Safe for
// concurrent use.
type Tracker struct {
	mu    sync.Mutex
	view  View
	dedup *Dedup
}

// NewTracker builds a Tracker whose dedup window remembers the last window
// fingerprints; 0 keeps only the immediately preceding one.
func NewTracker(window int) (*Tracker, error) {
	d, err := NewDedup(window)
	if err != nil {
		return nil, err
	}
	return &Tracker{dedup: d}, nil
}

// Track marks jobID as in flight after a submission for prompt.
func (t *Tracker) Track(jobID, prompt string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := make([]Message, len(t.view.Messages), len(t.view.Messages)+1)
	copy(msgs, t.view.Messages)
	if prompt != "" {
		msgs = append(msgs, Message{Role: "user", Content: prompt, JobID: jobID})
	}
	t.view.Messages = msgs
	t.view.InFlightJobID = jobID
	t.view.Status = model.JobStatusQueued
	t.view.Loading = true
	t.view.Error = ""
	t.view.ErrorCategory = ""
}

// Apply reduces ev into the view. changed is false when ev was a duplicate
// or had no effect.
func (t *Tracker) Apply(ev model.Event) (v View, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dedup.Seen(ev) {
		return t.view, false
	}
	t.view, changed = reduce(t.view, ev)
	return t.view, changed
}

func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}
