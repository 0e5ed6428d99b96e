//go:build !integration

package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"llm-jobqueue/internal/domain"
)

// --- Job Model Tests ---

func newTestJob() *Job {
	return NewJob("01J0000000000000000000000A", "user-1", 5, JobInput{Prompt: "hi"}, time.Now())
}

func TestJobLifecycle(t *testing.T) {
	t.Run("should follow queued, processing, completed", func(t *testing.T) {
		j := newTestJob()
		if j.Status != JobStatusQueued {
			t.Fatalf("expected QUEUED, got %s", j.Status)
		}
		now := time.Now()
		if err := j.MarkProcessing(now); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if j.StartedAt == nil || !j.StartedAt.Equal(now) {
			t.Error("expected StartedAt to be set")
		}
		if err := j.Complete(JobResult{Content: "hello"}, now); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if j.Result == nil || j.Result.Content != "hello" {
			t.Errorf("unexpected result %+v", j.Result)
		}
		if j.CompletedAt == nil {
			t.Error("expected CompletedAt to be set")
		}
		if !j.Status.Terminal() {
			t.Error("expected terminal status")
		}
	})

	t.Run("should not skip processing", func(t *testing.T) {
		j := newTestJob()
		if err := j.Complete(JobResult{}, time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if err := j.Fail(domain.CategoryTimeout, "x", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("should not leave a terminal state", func(t *testing.T) {
		j := newTestJob()
		_ = j.MarkProcessing(time.Now())
		if err := j.Fail(domain.CategoryUnavailable, "connection refused", time.Now()); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if err := j.MarkProcessing(time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition re-entering PROCESSING, got %v", err)
		}
		if err := j.Complete(JobResult{}, time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition completing a failed job, got %v", err)
		}
		if j.ErrorMessage != "[UNAVAILABLE] connection refused" {
			t.Errorf("unexpected error message %q", j.ErrorMessage)
		}
	})
}

func TestClampPriority(t *testing.T) {
	p := func(v int) *int { return &v }
	cases := []struct {
		in   *int
		want int
	}{
		{nil, 5},
		{p(0), 1},
		{p(-3), 1},
		{p(1), 1},
		{p(7), 7},
		{p(10), 10},
		{p(99), 10},
	}
	for _, tc := range cases {
		if got := ClampPriority(tc.in, DefaultPriority, MinPriority, MaxPriority); got != tc.want {
			t.Errorf("ClampPriority(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestJobClone(t *testing.T) {
	temp := 0.2
	j := newTestJob()
	j.Input.Temperature = &temp
	j.Input.Messages = []Message{{Role: "user", Content: "a"}}
	cp := j.Clone()
	*cp.Input.Temperature = 0.9
	cp.Input.Messages[0].Content = "b"
	if *j.Input.Temperature != 0.2 || j.Input.Messages[0].Content != "a" {
		t.Error("clone shares memory with the original")
	}
}

// --- Event Model Tests ---

func TestEventWireFormat(t *testing.T) {
	b, err := MarshalEvent(JobUpdate{JobID: "j1", UserID: "u1", Status: JobStatusProcessing})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	s := string(b)
	for _, want := range []string{`"type":"JOB_UPDATE"`, `"jobId":"j1"`, `"userId":"u1"`, `"status":"PROCESSING"`} {
		if !strings.Contains(s, want) {
			t.Errorf("wire %s missing %s", s, want)
		}
	}

	hb, _ := MarshalEvent(NewHeartbeat(time.Unix(1, 0)))
	if !strings.Contains(string(hb), `"type":"heartbeat"`) {
		t.Errorf("heartbeat wire type should be lowercase, got %s", hb)
	}
}

func TestUnmarshalEvent(t *testing.T) {
	t.Run("decodes every variant back to its concrete type", func(t *testing.T) {
		events := []Event{
			JobUpdate{JobID: "j", UserID: "u", Status: JobStatusQueued},
			JobCompleted{JobID: "j", UserID: "u", Result: JobResult{Content: "ok", Usage: Usage{TotalTokens: 3}}},
			JobFailed{JobID: "j", UserID: "u", Error: "[TIMEOUT] slow", Category: domain.CategoryTimeout},
			QueueUpdate{QueueLength: 2, EstimatedWaitTime: 60},
			ConnectionEstablished{UserID: "u"},
			Heartbeat{Timestamp: 42},
		}
		for _, ev := range events {
			b, err := MarshalEvent(ev)
			if err != nil {
				t.Fatalf("marshal %s: %v", ev.Type(), err)
			}
			got, err := UnmarshalEvent(b)
			if err != nil {
				t.Fatalf("unmarshal %s: %v", ev.Type(), err)
			}
			if got != ev {
				t.Errorf("round trip mismatch: got %#v want %#v", got, ev)
			}
		}
	})

	t.Run("reports unknown types distinctly", func(t *testing.T) {
		_, err := UnmarshalEvent([]byte(`{"type":"SOMETHING_NEW","data":{"x":1}}`))
		if !errors.Is(err, domain.ErrUnknownEventType) {
			t.Fatalf("expected ErrUnknownEventType, got %v", err)
		}
	})

	t.Run("tolerates missing data", func(t *testing.T) {
		ev, err := UnmarshalEvent([]byte(`{"type":"heartbeat"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Type() != EventHeartbeat {
			t.Errorf("got %s", ev.Type())
		}
	})

	t.Run("rejects malformed frames", func(t *testing.T) {
		if _, err := UnmarshalEvent([]byte(`{not json`)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestEventForJob(t *testing.T) {
	j := newTestJob()
	if ev, ok := EventForJob(j).(JobUpdate); !ok || ev.Status != JobStatusQueued {
		t.Fatalf("queued job should map to JOB_UPDATE, got %#v", EventForJob(j))
	}
	_ = j.MarkProcessing(time.Now())
	_ = j.Complete(JobResult{Content: "x"}, time.Now())
	ev, ok := EventForJob(j).(JobCompleted)
	if !ok || ev.Result.Content != "x" || ev.JobStatus() != JobStatusCompleted {
		t.Fatalf("unexpected %#v", EventForJob(j))
	}
}

func TestQueueStatusWaitRoundsUp(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want int
	}{
		{0, 0},
		{60 * time.Second, 60},
		{60400 * time.Millisecond, 61},
		{time.Millisecond, 1},
	}
	for _, tc := range cases {
		q := QueueStatus{Depth: 3, InFlight: 1, EstimatedWait: tc.wait}
		if got := q.WaitSeconds(); got != tc.want {
			t.Errorf("WaitSeconds(%v) = %d, want %d", tc.wait, got, tc.want)
		}
		if ev := q.Event(); ev.EstimatedWaitTime != tc.want || ev.QueueLength != 3 || ev.InFlight != 1 {
			t.Errorf("Event(%v) = %#v", tc.wait, ev)
		}
	}
}
