package model

import (
	"math"
	"time"
)

// QueueStatus is a point-in-time view of the dispatcher.
type QueueStatus struct {
	Depth         int           `json:"queueLength"`
	InFlight      int           `json:"inFlight"`
	Concurrency   int           `json:"concurrency"`
	MaxDepth      int           `json:"maxDepth"`
	EstimatedWait time.Duration `json:"-"`
}

// WaitSeconds is the estimated wait rounded up to whole seconds. Every
// surface that reports the estimate uses it, so clients see one value.
func (q QueueStatus) WaitSeconds() int {
	return int(math.Ceil(q.EstimatedWait.Seconds()))
}

// Event renders the status as the QUEUE_UPDATE broadcast to streams.
func (q QueueStatus) Event() QueueUpdate {
	return QueueUpdate{
		QueueLength:       q.Depth,
		InFlight:          q.InFlight,
		EstimatedWaitTime: q.WaitSeconds(),
	}
}
