//go:build !integration

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/db/memory"
	"llm-jobqueue/internal/infra/events"

	"github.com/rs/zerolog"
)

// --- fakes ---

type fakeLLM struct {
	mu      sync.Mutex
	order   []string
	active  int32
	maxSeen int32
	fn      func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	f.mu.Lock()
	f.order = append(f.order, req.Messages[0].Content)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return model.JobResult{Content: "echo: " + req.Messages[0].Content, Model: req.Model}, nil
}

func (f *fakeLLM) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ string, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Broadcast(ev model.Event) { p.Publish("", ev) }

func (p *recordingPublisher) forJob(id string) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, ev := range p.events {
		if je, ok := ev.(model.JobEvent); ok && je.JobRef() == id {
			out = append(out, ev)
		}
	}
	return out
}

type failingRepo struct{ *memory.JobRepo }

func (failingRepo) Save(context.Context, repository.Tx, *model.Job) error {
	return errors.New("disk full")
}

func newTestDispatcher(llm adapter.LLMAdapter, opts Options) (*Dispatcher, *memory.JobRepo, *recordingPublisher) {
	repo := memory.NewJobRepo()
	pub := &recordingPublisher{}
	return newSharedDispatcher(repo, pub, llm, opts), repo, pub
}

// newSharedDispatcher builds a dispatcher on repo. Dispatchers on the same
// repo exclude each other through its store lock.
func newSharedDispatcher(repo *memory.JobRepo, pub events.Publisher, llm adapter.LLMAdapter, opts Options) *Dispatcher {
	if opts.Lock == nil {
		opts.Lock = repo.NewLock()
	}
	opts.Tx = repo
	l := zerolog.Nop()
	return NewDispatcher(repo, llm, pub, opts, &l)
}

func submit(t *testing.T, d *Dispatcher, id string, prio int) {
	t.Helper()
	j := model.NewJob(id, "user-1", prio, model.JobInput{Prompt: id}, time.Now())
	if _, err := d.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue(%s): %v", id, err)
	}
}

func await(t *testing.T, d *Dispatcher, id string) *model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := d.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await(%s): %v", id, err)
	}
	return j
}

func start(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	if err := d.Claim(context.Background()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

// --- tests ---

func TestDispatcher_PriorityThenFIFO(t *testing.T) {
	llm := &fakeLLM{}
	d, _, _ := newTestDispatcher(llm, Options{Concurrency: 1})

	submit(t, d, "A", 5)
	submit(t, d, "B", 1)
	submit(t, d, "C", 5)

	stop := start(t, d)
	defer stop()
	for _, id := range []string{"A", "B", "C"} {
		await(t, d, id)
	}

	got := llm.calls()
	want := []string{"B", "A", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", got, want)
		}
	}
}

func TestDispatcher_SingleFlight(t *testing.T) {
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		time.Sleep(5 * time.Millisecond)
		return model.JobResult{Content: "ok"}, nil
	}}
	d, _, _ := newTestDispatcher(llm, Options{Concurrency: 1})
	stop := start(t, d)
	defer stop()

	for i := 0; i < 6; i++ {
		submit(t, d, fmt.Sprintf("j%d", i), 5)
	}
	for i := 0; i < 6; i++ {
		if j := await(t, d, fmt.Sprintf("j%d", i)); j.Status != model.JobStatusCompleted {
			t.Fatalf("job %d status %s", i, j.Status)
		}
	}
	if m := atomic.LoadInt32(&llm.maxSeen); m != 1 {
		t.Fatalf("observed %d concurrent compute calls, want 1", m)
	}
}

func TestDispatcher_BoundedConcurrency(t *testing.T) {
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		time.Sleep(20 * time.Millisecond)
		return model.JobResult{}, nil
	}}
	d, _, _ := newTestDispatcher(llm, Options{Concurrency: 2})
	stop := start(t, d)
	defer stop()

	for i := 0; i < 6; i++ {
		submit(t, d, fmt.Sprintf("j%d", i), 5)
	}
	for i := 0; i < 6; i++ {
		await(t, d, fmt.Sprintf("j%d", i))
	}
	if m := atomic.LoadInt32(&llm.maxSeen); m > 2 {
		t.Fatalf("observed %d concurrent compute calls, want <= 2", m)
	}
}

func TestDispatcher_TimeoutFailsJobAndFreesSlot(t *testing.T) {
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		if req.Messages[0].Content == "slow" {
			<-ctx.Done()
			return model.JobResult{}, ctx.Err()
		}
		return model.JobResult{Content: "fast"}, nil
	}}
	d, repo, pub := newTestDispatcher(llm, Options{Concurrency: 1, LLMTimeout: 50 * time.Millisecond})
	submit(t, d, "slow", 1)
	submit(t, d, "next", 5)

	stop := start(t, d)
	defer stop()

	slow := await(t, d, "slow")
	if slow.Status != model.JobStatusFailed || slow.ErrorCategory != domain.CategoryTimeout {
		t.Fatalf("slow job = %s/%s, want FAILED/TIMEOUT", slow.Status, slow.ErrorCategory)
	}
	if next := await(t, d, "next"); next.Status != model.JobStatusCompleted {
		t.Fatalf("next job = %s, want COMPLETED", next.Status)
	}

	var failed int
	for _, ev := range pub.forJob("slow") {
		if ev.Type() == model.EventJobFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("JOB_FAILED emitted %d times, want 1", failed)
	}

	stored, _ := repo.FindByID(context.Background(), nil, "slow")
	if stored.ErrorMessage == "" || stored.ErrorMessage[:9] != "[TIMEOUT]" {
		t.Fatalf("stored message %q lacks category prefix", stored.ErrorMessage)
	}
}

func TestDispatcher_EventSequencePerJob(t *testing.T) {
	d, _, pub := newTestDispatcher(&fakeLLM{}, Options{Concurrency: 1})
	stop := start(t, d)
	defer stop()

	submit(t, d, "j", 5)
	await(t, d, "j")

	evs := pub.forJob("j")
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3: %#v", len(evs), evs)
	}
	if u := evs[0].(model.JobUpdate); u.Status != model.JobStatusQueued {
		t.Errorf("first event status %s", u.Status)
	}
	if u := evs[1].(model.JobUpdate); u.Status != model.JobStatusProcessing {
		t.Errorf("second event status %s", u.Status)
	}
	if c, ok := evs[2].(model.JobCompleted); !ok || c.Result.Content != "echo: j" {
		t.Errorf("third event %#v", evs[2])
	}
}

func TestDispatcher_AdapterErrorsKeepCategory(t *testing.T) {
	cases := []struct {
		err  error
		want domain.ErrorCategory
	}{
		{domain.NewComputeError(domain.CategoryUnavailable, "connection refused", nil), domain.CategoryUnavailable},
		{domain.NewComputeError(domain.CategoryMalformedResponse, "no choices", nil), domain.CategoryMalformedResponse},
		{domain.NewComputeError(domain.CategoryUpstreamError, "status 500", nil), domain.CategoryUpstreamError},
		{errors.New("boom"), domain.CategoryUpstreamError},
	}
	for i, tc := range cases {
		t.Run(string(tc.want), func(t *testing.T) {
			llm := &fakeLLM{fn: func(context.Context, adapter.CompletionRequest) (model.JobResult, error) {
				return model.JobResult{}, tc.err
			}}
			d, _, _ := newTestDispatcher(llm, Options{})
			stop := start(t, d)
			defer stop()

			id := fmt.Sprintf("e%d", i)
			submit(t, d, id, 5)
			j := await(t, d, id)
			if j.Status != model.JobStatusFailed || j.ErrorCategory != tc.want {
				t.Fatalf("got %s/%s, want FAILED/%s", j.Status, j.ErrorCategory, tc.want)
			}
		})
	}
}

func TestDispatcher_PanicReleasesSlot(t *testing.T) {
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		if req.Messages[0].Content == "bad" {
			panic("adapter exploded")
		}
		return model.JobResult{Content: "fine"}, nil
	}}
	d, _, _ := newTestDispatcher(llm, Options{Concurrency: 1})
	submit(t, d, "bad", 1)
	submit(t, d, "good", 5)
	stop := start(t, d)
	defer stop()

	if j := await(t, d, "bad"); j.Status != model.JobStatusFailed {
		t.Fatalf("bad job = %s", j.Status)
	}
	if j := await(t, d, "good"); j.Status != model.JobStatusCompleted {
		t.Fatalf("good job = %s", j.Status)
	}
}

func TestDispatcher_TryEnqueueFastRejects(t *testing.T) {
	d, repo, _ := newTestDispatcher(&fakeLLM{}, Options{MaxDepth: 2, InitialEstimate: 10 * time.Second})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := d.TryEnqueue(ctx, model.NewJob(id, "u", 5, model.JobInput{Prompt: id}, time.Now())); err != nil {
			t.Fatalf("TryEnqueue(%s): %v", id, err)
		}
	}
	_, err := d.TryEnqueue(ctx, model.NewJob("c", "u", 5, model.JobInput{Prompt: "c"}, time.Now()))
	var busy *domain.BusyError
	if !errors.As(err, &busy) || !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected BusyError, got %v", err)
	}
	if busy.Position != 2 || busy.EstimatedWait < 0 {
		t.Fatalf("unexpected busy details %+v", busy)
	}
	if _, err := repo.FindByID(ctx, nil, "c"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("rejected job must not be created")
	}

	// always-enqueue mode ignores the depth limit
	if _, err := d.Enqueue(ctx, model.NewJob("d", "u", 5, model.JobInput{Prompt: "d"}, time.Now())); err != nil {
		t.Fatalf("Enqueue beyond depth: %v", err)
	}
	if s := d.Snapshot(); s.Depth != 3 {
		t.Fatalf("depth = %d, want 3", s.Depth)
	}
}

func TestDispatcher_EnqueueSaveErrorIsReturned(t *testing.T) {
	pub := &recordingPublisher{}
	l := zerolog.Nop()
	d := NewDispatcher(failingRepo{memory.NewJobRepo()}, &fakeLLM{}, pub, Options{}, &l)

	_, err := d.TryEnqueue(context.Background(), model.NewJob("x", "u", 5, model.JobInput{}, time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
	if s := d.Snapshot(); s.Depth != 0 {
		t.Fatalf("depth = %d after failed save", s.Depth)
	}
}

func TestDispatcher_ClaimRequeuesAndFailsInterrupted(t *testing.T) {
	d, repo, _ := newTestDispatcher(&fakeLLM{}, Options{})
	ctx := context.Background()
	now := time.Now()

	queued := model.NewJob("queued", "u", 5, model.JobInput{Prompt: "queued"}, now)
	interrupted := model.NewJob("interrupted", "u", 5, model.JobInput{Prompt: "i"}, now)
	_ = interrupted.MarkProcessing(now)
	_ = repo.Save(ctx, nil, queued)
	_ = repo.Save(ctx, nil, interrupted)

	stop := start(t, d)
	defer stop()
	got, _ := repo.FindByID(ctx, nil, "interrupted")
	if got.Status != model.JobStatusFailed || got.ErrorCategory != domain.CategoryUnavailable {
		t.Fatalf("interrupted job = %s/%s", got.Status, got.ErrorCategory)
	}
	if j := await(t, d, "queued"); j.Status != model.JobStatusCompleted {
		t.Fatalf("requeued job = %s", j.Status)
	}
}

func terminalEvents(pub *recordingPublisher, jobID string) []model.Event {
	var out []model.Event
	for _, ev := range pub.forJob(jobID) {
		if ev.(model.JobEvent).JobStatus().Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestDispatcher_SharedStoreDispatchesEachJobOnce(t *testing.T) {
	repo := memory.NewJobRepo()
	pub := &recordingPublisher{}
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		started <- struct{}{}
		<-release
		return model.JobResult{Content: "ok"}, nil
	}}
	active := newSharedDispatcher(repo, pub, llm, Options{})
	standby := newSharedDispatcher(repo, pub, llm, Options{})

	stopActive := start(t, active)
	submit(t, active, "j1", 5)
	submit(t, active, "j2", 5)
	<-started // j1 in flight, j2 queued

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := standby.Claim(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("standby Claim = %v, want it to wait for the lock", err)
	}
	if err := standby.Run(context.Background()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("standby Run = %v, want ErrNotOwner", err)
	}
	if j, _ := repo.FindByID(context.Background(), nil, "j1"); j.Status != model.JobStatusProcessing {
		t.Fatalf("standby touched the in-flight job: %s", j.Status)
	}

	close(release)
	await(t, active, "j1")
	await(t, active, "j2")
	stopActive()

	if n := len(llm.calls()); n != 2 {
		t.Fatalf("compute calls = %d, want 2", n)
	}
	for _, id := range []string{"j1", "j2"} {
		if n := len(terminalEvents(pub, id)); n != 1 {
			t.Errorf("%s terminal events = %d, want 1", id, n)
		}
	}

	// the standby takes over once the active dispatcher stops
	stopStandby := start(t, standby)
	defer stopStandby()
	if s := standby.Snapshot(); s.Depth != 0 {
		t.Fatalf("standby requeued finished jobs: depth %d", s.Depth)
	}
}

func TestDispatcher_TakeoverResultWinsOverStaleHolder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewJobRepo()
	pub := &recordingPublisher{}
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		started <- struct{}{}
		<-release
		return model.JobResult{Content: "late"}, nil
	}}
	staleLock := repo.NewLock()
	stale := newSharedDispatcher(repo, pub, llm, Options{Lock: staleLock})
	next := newSharedDispatcher(repo, pub, &fakeLLM{}, Options{})

	if err := stale.Claim(ctx); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- stale.Run(ctx) }()
	submit(t, stale, "j1", 5)
	<-started

	// the stale holder's session drops while j1 is in flight
	_ = staleLock.Release(ctx)
	stop := start(t, next)
	defer stop()

	got, _ := repo.FindByID(ctx, nil, "j1")
	if got.Status != model.JobStatusFailed || got.ErrorCategory != domain.CategoryUnavailable {
		t.Fatalf("taken-over job = %s/%s", got.Status, got.ErrorCategory)
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale Run = %v, want ErrLockLost", err)
	}
	got, _ = repo.FindByID(ctx, nil, "j1")
	if got.Status != model.JobStatusFailed {
		t.Fatalf("stale result overwrote the takeover: %s", got.Status)
	}
	evs := terminalEvents(pub, "j1")
	if len(evs) != 1 {
		t.Fatalf("terminal events = %d, want 1", len(evs))
	}
	if _, ok := evs[0].(model.JobFailed); !ok {
		t.Fatalf("terminal event = %#v", evs[0])
	}
}

func TestDispatcher_RunDrainsInFlightOnShutdown(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	llm := &fakeLLM{fn: func(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
		close(started)
		<-release
		return model.JobResult{Content: "done"}, nil
	}}
	d, repo, _ := newTestDispatcher(llm, Options{})
	submit(t, d, "j", 5)
	if err := d.Claim(context.Background()); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	j, _ := repo.FindByID(context.Background(), nil, "j")
	if j.Status != model.JobStatusCompleted {
		t.Fatalf("in-flight job = %s after shutdown", j.Status)
	}
}

func TestClassify(t *testing.T) {
	cat, _ := classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded), time.Second)
	if cat != domain.CategoryTimeout {
		t.Errorf("deadline -> %s", cat)
	}
	cat, msg := classify(fmt.Errorf("call: %w", domain.NewComputeError(domain.CategoryUnavailable, "refused", nil)), time.Second)
	if cat != domain.CategoryUnavailable || msg != "refused" {
		t.Errorf("compute error -> %s %q", cat, msg)
	}
}
