package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/events"
	"llm-jobqueue/internal/infra/metrics"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"
)

var (
	// ErrNotOwner is returned by Run before a successful Claim.
	ErrNotOwner = errors.New("dispatcher does not hold the store lock")
	// ErrLockLost ends Run when another instance may have taken over the store.
	ErrLockLost = errors.New("store lock lost")
)

type Options struct {
	Concurrency     int
	MaxDepth        int
	MinPriority     int
	MaxPriority     int
	AgingInterval   time.Duration
	LLMTimeout      time.Duration
	InitialEstimate time.Duration
	Provider        string // metrics label
	DefaultModel    string
	MaxTokens       int
	Temperature     *float64

	// Lock and Tx coordinate dispatchers that share one job store. Only the
	// lock holder dispatches. Both are required by Claim.
	Lock repository.StoreLock
	Tx   repository.TransactionManager
}

// Dispatcher owns pending jobs and is the only writer of job status.
// At most Options.Concurrency calls to the compute resource run at once.
type Dispatcher struct {
	repo repository.JobRepository
	llm  adapter.LLMAdapter
	pub  events.Publisher
	log  *zerolog.Logger
	opts Options
	now  func() time.Time

	mu       sync.Mutex
	queue    *jobQueue
	reserved int
	inFlight int
	avg      time.Duration
	waiters  map[string][]chan *model.Job
	lost     <-chan struct{} // nil until Claim

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewDispatcher(
	repo repository.JobRepository,
	llm adapter.LLMAdapter,
	pub events.Publisher,
	opts Options,
	logger *zerolog.Logger,
) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MinPriority <= 0 {
		opts.MinPriority = model.MinPriority
	}
	if opts.MaxPriority < opts.MinPriority {
		opts.MaxPriority = model.MaxPriority
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 3 * time.Minute
	}
	if opts.InitialEstimate <= 0 {
		opts.InitialEstimate = 30 * time.Second
	}
	l := logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		repo:    repo,
		llm:     llm,
		pub:     pub,
		log:     &l,
		opts:    opts,
		now:     time.Now,
		queue:   newJobQueue(opts.MinPriority, opts.MaxPriority, opts.AgingInterval),
		avg:     opts.InitialEstimate,
		waiters: make(map[string][]chan *model.Job),
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, opts.Concurrency),
	}
}

// Enqueue persists a QUEUED job and holds it for dispatch. There is no depth limit.
func (d *Dispatcher) Enqueue(ctx context.Context, job *model.Job) (string, error) {
	if err := d.save(ctx, job, "enqueue"); err != nil {
		return "", err
	}
	// QUEUED goes out before the job becomes visible to the run loop
	d.pub.Publish(job.UserID, model.EventForJob(job))
	d.mu.Lock()
	d.queue.push(job.Clone(), d.now())
	d.mu.Unlock()

	d.admitted()
	return job.ID, nil
}

// TryEnqueue is Enqueue with fast-reject: when MaxDepth jobs are already
// pending it returns *domain.BusyError and the job is never stored.
func (d *Dispatcher) TryEnqueue(ctx context.Context, job *model.Job) (string, error) {
	d.mu.Lock()
	pending := d.queue.len() + d.reserved
	if d.opts.MaxDepth > 0 && pending >= d.opts.MaxDepth {
		busy := &domain.BusyError{
			Position:      pending + d.inFlight,
			EstimatedWait: d.estimateLocked(pending),
		}
		d.mu.Unlock()
		return "", busy
	}
	d.reserved++
	d.mu.Unlock()

	if err := d.save(ctx, job, "enqueue"); err != nil {
		d.mu.Lock()
		d.reserved--
		d.mu.Unlock()
		return "", err
	}
	d.pub.Publish(job.UserID, model.EventForJob(job))
	d.mu.Lock()
	d.reserved--
	d.queue.push(job.Clone(), d.now())
	d.mu.Unlock()

	d.admitted()
	return job.ID, nil
}

func (d *Dispatcher) admitted() {
	d.signal()
	d.publishQueue()
}

// Status reads the stored job.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return d.repo.FindByID(ctx, repository.NoTX, jobID)
}

// Position returns the 1-based place of a pending job, 0 once dispatched.
func (d *Dispatcher) Position(jobID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.position(jobID, d.now())
}

func (d *Dispatcher) Snapshot() model.QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	depth := d.queue.len() + d.reserved
	return model.QueueStatus{
		Depth:         depth,
		InFlight:      d.inFlight,
		Concurrency:   d.opts.Concurrency,
		MaxDepth:      d.opts.MaxDepth,
		EstimatedWait: d.estimateLocked(depth),
	}
}

// estimateLocked guesses how long a job behind `ahead` pending jobs waits,
// using a moving average of recent processing times.
func (d *Dispatcher) estimateLocked(ahead int) time.Duration {
	work := float64(ahead+d.inFlight) / float64(d.opts.Concurrency)
	if work <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(work) * float64(d.avg))
}

// Await blocks until jobID reaches a terminal state or ctx ends.
func (d *Dispatcher) Await(ctx context.Context, jobID string) (*model.Job, error) {
	ch := make(chan *model.Job, 1)
	d.mu.Lock()
	d.waiters[jobID] = append(d.waiters[jobID], ch)
	d.mu.Unlock()
	defer d.dropWaiter(jobID, ch)

	// the job may have finished before the waiter was registered
	if job, err := d.repo.FindByID(ctx, repository.NoTX, jobID); err == nil && job.Status.Terminal() {
		return job, nil
	}

	select {
	case job := <-ch:
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) dropWaiter(jobID string, ch chan *model.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[jobID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, jobID)
	} else {
		d.waiters[jobID] = list
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Claim blocks until this dispatcher holds the store lock, then takes over
// the unfinished jobs in the store: QUEUED ones are requeued and PROCESSING
// ones are failed, since the holder that started them is gone.
func (d *Dispatcher) Claim(ctx context.Context) error {
	if d.opts.Lock == nil || d.opts.Tx == nil {
		return errors.New("dispatcher: store lock and transaction manager are required")
	}
	lost, err := d.opts.Lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if err := d.reclaim(ctx); err != nil {
		_ = d.opts.Lock.Release(context.WithoutCancel(ctx))
		return err
	}
	d.mu.Lock()
	d.lost = lost
	d.mu.Unlock()
	return nil
}

// Lost is closed once the store lock is no longer held. Nil before Claim.
func (d *Dispatcher) Lost() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Dispatcher) reclaim(ctx context.Context) error {
	var queued, failed []*model.Job
	err := d.opts.Tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		queued, failed = nil, nil
		jobs, err := d.repo.ListUnfinished(ctx, tx)
		if err != nil {
			return fmt.Errorf("list unfinished jobs: %w", err)
		}
		for _, job := range jobs {
			switch job.Status {
			case model.JobStatusQueued:
				queued = append(queued, job)
			case model.JobStatusProcessing:
				if err := job.Fail(domain.CategoryUnavailable, "interrupted: the dispatcher running it stopped", d.now()); err != nil {
					continue
				}
				if err := d.repo.Save(ctx, tx, job); err != nil {
					metrics.IncDBQueryError("reclaim")
					return fmt.Errorf("save job %s: %w", job.ID, err)
				}
				failed = append(failed, job)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	requeued := 0
	for _, job := range queued {
		if d.queue.has(job.ID) {
			continue
		}
		d.queue.push(job, job.CreatedAt)
		requeued++
	}
	d.mu.Unlock()

	for _, job := range failed {
		d.pub.Publish(job.UserID, model.EventForJob(job))
	}
	if requeued > 0 {
		d.admitted()
	}
	d.log.Info().Int("requeued", requeued).Int("failed", len(failed)).Msg("claimed unfinished jobs")
	return nil
}

// Run dispatches jobs until ctx is cancelled or the store lock is lost, then
// waits for in-flight jobs and releases the lock. In-flight compute calls are
// not cancelled by ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	lost := d.Lost()
	if lost == nil {
		return ErrNotOwner
	}
	d.log.Info().Int("concurrency", d.opts.Concurrency).Msg("dispatcher started")
	defer d.log.Info().Msg("dispatcher stopped")
	defer d.release()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-lost:
			d.wg.Wait()
			return ErrLockLost
		case d.slots <- struct{}{}:
		}

		job := d.next(ctx, lost)
		if job == nil {
			<-d.slots
			d.wg.Wait()
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrLockLost
		}
		d.wg.Add(1)
		go d.process(ctx, job)
	}
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	d.lost = nil
	d.mu.Unlock()
	if err := d.opts.Lock.Release(context.Background()); err != nil {
		d.log.Warn().Err(err).Msg("release store lock")
	}
}

// next blocks until a job is available and marks it in flight.
func (d *Dispatcher) next(ctx context.Context, lost <-chan struct{}) *model.Job {
	for {
		d.mu.Lock()
		job, ok := d.queue.pop(d.now())
		if ok {
			d.inFlight++
		}
		d.mu.Unlock()
		if ok {
			return job
		}
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return nil
		case <-d.wake:
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, job *model.Job) {
	// the slot is released on every path, including a panic in the adapter
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
		<-d.slots
		d.wg.Done()
		d.publishQueue()
	}()

	log := d.log.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()
	bg := context.WithoutCancel(ctx)

	start := d.now()
	if err := job.MarkProcessing(start); err != nil {
		log.Error().Err(err).Msg("cannot dispatch job")
		return
	}
	if err := d.save(bg, job, "mark_processing"); err != nil {
		log.Error().Err(err).Msg("persist PROCESSING failed")
	}
	d.pub.Publish(job.UserID, model.EventForJob(job))
	d.publishQueue()
	log.Info().Int("priority", job.Priority).Msg("job dispatched")

	res, err := d.call(bg, job)
	finished := d.now()
	elapsed := finished.Sub(start)

	if err != nil {
		cat, msg := classify(err, d.opts.LLMTimeout)
		_ = job.Fail(cat, msg, finished)
		metrics.ObserveCompletion(d.opts.Provider, d.requestModel(job), 0, 0, elapsed.Seconds(), false)
		log.Warn().Str("category", string(cat)).Err(err).Dur("elapsed", elapsed).Msg("job failed")
	} else {
		_ = job.Complete(res, finished)
		metrics.ObserveCompletion(d.opts.Provider, res.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens, elapsed.Seconds(), true)
		log.Info().Int("tokens", res.Usage.TotalTokens).Dur("elapsed", elapsed).Msg("job completed")
	}
	d.finish(bg, job, elapsed)
}

// call runs one bounded compute request. A panic inside the adapter is
// converted into an upstream failure.
func (d *Dispatcher) call(ctx context.Context, job *model.Job) (res model.JobResult, err error) {
	cctx, cancel := context.WithTimeout(ctx, d.opts.LLMTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewComputeError(domain.CategoryUpstreamError, fmt.Sprintf("compute adapter panic: %v", r), nil)
		}
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = domain.NewComputeError(domain.CategoryTimeout,
				fmt.Sprintf("compute resource did not answer within %s", d.opts.LLMTimeout), err)
		}
	}()

	req := adapter.CompletionRequest{
		Model:       d.requestModel(job),
		Messages:    job.ConversationMessages(),
		MaxTokens:   job.Input.MaxTokens,
		Temperature: job.Input.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = d.opts.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = d.opts.Temperature
	}
	return d.llm.Complete(cctx, req)
}

func (d *Dispatcher) requestModel(job *model.Job) string {
	if job.Input.Model != "" {
		return job.Input.Model
	}
	return d.opts.DefaultModel
}

// finish stores the terminal state, emits exactly one terminal event and
// wakes any Await callers. If the stored job is already terminal, because a
// new lock holder failed it, the stored state wins and no event is emitted.
func (d *Dispatcher) finish(ctx context.Context, job *model.Job, elapsed time.Duration) {
	stored, err := d.commitTerminal(ctx, job)
	if err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Msg("persist terminal state failed")
	}
	d.mu.Lock()
	// exponential moving average, weight 0.3 on the newest sample
	d.avg = time.Duration(0.7*float64(d.avg) + 0.3*float64(elapsed))
	waiters := d.waiters[job.ID]
	delete(d.waiters, job.ID)
	d.mu.Unlock()

	if stored != nil {
		d.log.Warn().Str("job_id", job.ID).Str("stored_status", string(stored.Status)).
			Msg("job already finished in the store; result dropped")
		job = stored
	} else {
		metrics.ObserveJobFinished(string(job.Status), string(job.ErrorCategory), elapsed.Seconds())
		d.pub.Publish(job.UserID, model.EventForJob(job))
	}
	for _, ch := range waiters {
		select {
		case ch <- job.Clone():
		default:
		}
	}
}

// commitTerminal writes job unless the stored row is already terminal, in
// which case the stored row is returned.
func (d *Dispatcher) commitTerminal(ctx context.Context, job *model.Job) (*model.Job, error) {
	var stored *model.Job
	err := d.opts.Tx.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		stored = nil
		cur, err := d.repo.FindByID(ctx, tx, job.ID)
		switch {
		case err == nil && cur.Status.Terminal():
			stored = cur
			return nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}
		return d.repo.Save(ctx, tx, job)
	})
	if err != nil {
		metrics.IncDBQueryError("finish")
		return nil, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return stored, nil
}

func (d *Dispatcher) publishQueue() {
	s := d.Snapshot()
	metrics.SetQueueStats(s.Depth, s.InFlight, s.EstimatedWait.Seconds())
	d.pub.Broadcast(s.Event())
}

// PublishQueue re-announces the queue state; used by the periodic stats worker.
func (d *Dispatcher) PublishQueue() { d.publishQueue() }

func (d *Dispatcher) save(ctx context.Context, job *model.Job, op string) error {
	if err := d.repo.Save(ctx, repository.NoTX, job); err != nil {
		metrics.IncDBQueryError(op)
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// classify maps an adapter error onto a failure category and message.
func classify(err error, timeout time.Duration) (domain.ErrorCategory, string) {
	var ce *domain.ComputeError
	if errors.As(err, &ce) {
		return ce.Category, ce.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.CategoryTimeout, fmt.Sprintf("compute resource did not answer within %s", timeout)
	}
	return domain.CategoryUpstreamError, err.Error()
}
