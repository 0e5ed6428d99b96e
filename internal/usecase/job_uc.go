// File: internal/usecase/job_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
	"llm-jobqueue/internal/domain/ports/repository"
	"llm-jobqueue/internal/infra/logging"
	"llm-jobqueue/internal/infra/metrics"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const maxPromptRunes = 32000

// Compile-time check
var _ JobUseCase = (*jobUC)(nil)

// JobQueue is the part of the dispatcher the admission gate needs.
type JobQueue interface {
	Enqueue(ctx context.Context, job *model.Job) (string, error)
	TryEnqueue(ctx context.Context, job *model.Job) (string, error)
	Await(ctx context.Context, jobID string) (*model.Job, error)
	Position(jobID string) int
	Snapshot() model.QueueStatus
}

type SubmitRequest struct {
	Messages    []model.Message
	Priority    *int
	Model       string
	MaxTokens   int
	Temperature *float64
}

// JobHandle is returned by a successful submission.
type JobHandle struct {
	ID       string
	Status   model.JobStatus
	Position int
}

type JobUseCase interface {
	// Submit always enqueues (async job mode).
	Submit(ctx context.Context, p *model.Principal, req SubmitRequest) (*JobHandle, error)
	// Ask fast-rejects with *domain.BusyError when the queue is full, otherwise
	// waits for the job's terminal state.
	Ask(ctx context.Context, p *model.Principal, req SubmitRequest) (*model.Job, error)
	Status(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error)
	List(ctx context.Context, p *model.Principal, limit, offset int) ([]*model.Job, error)
	Result(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error)
	Queue(ctx context.Context) model.QueueStatus
	// Position is the 1-based queue position of a QUEUED job, 0 otherwise.
	Position(jobID string) int
}

type JobPolicy struct {
	DefaultPriority    int
	MinPriority        int
	MaxPriority        int
	RateLimitPerMinute int
	AskTimeout         time.Duration
}

type jobUC struct {
	queue   JobQueue
	jobs    repository.JobRepository
	limiter adapter.RateLimiter // optional
	policy  JobPolicy
	now     func() time.Time
	log     *zerolog.Logger
	devMode bool
}

func NewJobUseCase(
	queue JobQueue,
	jobs repository.JobRepository,
	limiter adapter.RateLimiter,
	policy JobPolicy,
	logger *zerolog.Logger,
	devMode bool,
) *jobUC {
	if policy.MinPriority <= 0 {
		policy.MinPriority = model.MinPriority
	}
	if policy.MaxPriority <= 0 {
		policy.MaxPriority = model.MaxPriority
	}
	if policy.DefaultPriority <= 0 {
		policy.DefaultPriority = model.DefaultPriority
	}
	if policy.AskTimeout <= 0 {
		policy.AskTimeout = 210 * time.Second
	}
	return &jobUC{
		queue:   queue,
		jobs:    jobs,
		limiter: limiter,
		policy:  policy,
		now:     time.Now,
		log:     logger,
		devMode: devMode,
	}
}

func (u *jobUC) Submit(ctx context.Context, p *model.Principal, req SubmitRequest) (*JobHandle, error) {
	defer logging.TraceDuration(u.log, "JobUseCase.Submit")()

	job, err := u.admit(ctx, p, req)
	if err != nil {
		return nil, err
	}
	id, err := u.queue.Enqueue(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	metrics.IncJobAdmitted("async")
	logging.With(ctx, u.log).Info().Str("job_id", id).Int("priority", job.Priority).
		Str("prompt", logging.Redact(job.Input.Prompt, u.devMode)).Msg("job queued")

	return &JobHandle{ID: id, Status: model.JobStatusQueued, Position: u.queue.Position(id)}, nil
}

func (u *jobUC) Ask(ctx context.Context, p *model.Principal, req SubmitRequest) (*model.Job, error) {
	defer logging.TraceDuration(u.log, "JobUseCase.Ask")()

	job, err := u.admit(ctx, p, req)
	if err != nil {
		return nil, err
	}
	id, err := u.queue.TryEnqueue(ctx, job)
	if err != nil {
		if errors.Is(err, domain.ErrBusy) {
			metrics.IncJobRejected("busy")
			return nil, err
		}
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	metrics.IncJobAdmitted("ask")

	wctx, cancel := context.WithTimeout(ctx, u.policy.AskTimeout)
	defer cancel()
	done, err := u.queue.Await(wctx, id)
	if err != nil {
		// the job keeps running; the caller can poll its status
		if errors.Is(err, context.DeadlineExceeded) {
			return job, domain.NewComputeError(domain.CategoryTimeout,
				fmt.Sprintf("no answer within %s; job %s is still queued or processing", u.policy.AskTimeout, id), err)
		}
		return job, err
	}
	if done.Status == model.JobStatusFailed {
		return done, domain.NewComputeError(done.ErrorCategory, done.ErrorMessage, nil)
	}
	return done, nil
}

// admit runs every check that must pass before the queue is touched.
func (u *jobUC) admit(ctx context.Context, p *model.Principal, req SubmitRequest) (*model.Job, error) {
	if p == nil || p.ID == "" {
		metrics.IncJobRejected("auth")
		return nil, domain.ErrAuthentication
	}
	prompt, err := validate(req)
	if err != nil {
		metrics.IncJobRejected("validation")
		return nil, err
	}
	if u.limiter != nil && u.policy.RateLimitPerMinute > 0 {
		ok, err := u.limiter.Allow(ctx, "rate_limit:submit:"+p.ID, u.policy.RateLimitPerMinute, time.Minute)
		if err != nil {
			// limiter outage must not block admission
			logging.With(ctx, u.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			metrics.IncJobRejected("rate_limited")
			return nil, domain.ErrRateLimited
		}
	}

	msgs := make([]model.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		msgs = append(msgs, model.Message{Role: role, Content: m.Content})
	}
	in := model.JobInput{
		Prompt:      prompt,
		Model:       strings.TrimSpace(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if len(msgs) > 1 {
		in.Messages = msgs
	}
	priority := model.ClampPriority(req.Priority, u.policy.DefaultPriority, u.policy.MinPriority, u.policy.MaxPriority)
	return model.NewJob(ulid.Make().String(), p.ID, priority, in, u.now()), nil
}

// validate returns the designated user prompt: the first message with role
// "user" (or no role), else the first message.
func validate(req SubmitRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", domain.Validation("messages must not be empty")
	}
	designated := req.Messages[0]
	for _, m := range req.Messages {
		if m.Role == "" || m.Role == "user" {
			designated = m
			break
		}
	}
	prompt := strings.TrimSpace(designated.Content)
	if prompt == "" {
		return "", domain.Validation("message content must not be blank")
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return "", domain.Validation(fmt.Sprintf("message content exceeds %d characters", maxPromptRunes))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "", "user", "assistant", "system":
		default:
			return "", domain.Validation(fmt.Sprintf("unknown message role %q", m.Role))
		}
	}
	if req.MaxTokens < 0 {
		return "", domain.Validation("max_tokens must not be negative")
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return "", domain.Validation("temperature must be between 0 and 2")
	}
	return prompt, nil
}

func (u *jobUC) Status(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error) {
	if p == nil || p.ID == "" {
		return nil, domain.ErrAuthentication
	}
	job, err := u.jobs.FindByID(ctx, repository.NoTX, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != p.ID {
		return nil, domain.ErrAuthorization
	}
	return job, nil
}

func (u *jobUC) List(ctx context.Context, p *model.Principal, limit, offset int) ([]*model.Job, error) {
	if p == nil || p.ID == "" {
		return nil, domain.ErrAuthentication
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return u.jobs.ListByUser(ctx, repository.NoTX, p.ID, limit, offset)
}

// Result returns an owned job that has completed; other states are ErrNotFound.
func (u *jobUC) Result(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error) {
	job, err := u.Status(ctx, p, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job %s has no result (status %s)", domain.ErrNotFound, jobID, job.Status)
	}
	return job, nil
}

func (u *jobUC) Queue(ctx context.Context) model.QueueStatus {
	return u.queue.Snapshot()
}

func (u *jobUC) Position(jobID string) int {
	return u.queue.Position(jobID)
}
