package usecase

import (
	"context"
	"sort"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/repository"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ StatsUseCase = (*statsUC)(nil)

// ResponseUsage is the token usage of one completed job.
type ResponseUsage struct {
	JobID       string      `json:"jobId"`
	Model       string      `json:"model"`
	Usage       model.Usage `json:"usage"`
	CompletedAt time.Time   `json:"completedAt"`
}

type TokenReport struct {
	UserID    string          `json:"userId"`
	From      time.Time       `json:"startDate"`
	To        time.Time       `json:"endDate"`
	Responses []ResponseUsage `json:"responses"`
	Total     model.Usage     `json:"total"`
}

type ModelStat struct {
	Model            string  `json:"model"`
	Responses        int     `json:"responses"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	AvgTotalTokens   float64 `json:"avgTotalTokens"`
}

type StatsUseCase interface {
	TokenUsage(ctx context.Context, p *model.Principal, userID string, from, to time.Time) (*TokenReport, error)
	Models(ctx context.Context, p *model.Principal, from, to time.Time) ([]ModelStat, error)
}

type statsUC struct {
	jobs repository.JobRepository
	log  *zerolog.Logger
}

func NewStatsUseCase(jobs repository.JobRepository, logger *zerolog.Logger) *statsUC {
	return &statsUC{jobs: jobs, log: logger}
}

func checkRange(from, to time.Time) error {
	if !from.Before(to) {
		return domain.Validation("startDate must be before endDate")
	}
	return nil
}

// TokenUsage reports per-response usage for userID. Only the user may read it.
func (s *statsUC) TokenUsage(ctx context.Context, p *model.Principal, userID string, from, to time.Time) (*TokenReport, error) {
	if p == nil || p.ID == "" {
		return nil, domain.ErrAuthentication
	}
	if p.ID != userID {
		return nil, domain.ErrAuthorization
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListCompletedBetween(ctx, repository.NoTX, userID, from, to)
	if err != nil {
		return nil, err
	}
	rep := &TokenReport{UserID: userID, From: from, To: to, Responses: make([]ResponseUsage, 0, len(jobs))}
	for _, j := range jobs {
		if j.Result == nil || j.CompletedAt == nil {
			continue
		}
		u := j.Result.Usage
		rep.Responses = append(rep.Responses, ResponseUsage{
			JobID:       j.ID,
			Model:       j.Result.Model,
			Usage:       u,
			CompletedAt: *j.CompletedAt,
		})
		rep.Total.PromptTokens += u.PromptTokens
		rep.Total.CompletionTokens += u.CompletionTokens
		rep.Total.TotalTokens += u.TotalTokens
	}
	return rep, nil
}

// Models aggregates completed responses per model across all users.
func (s *statsUC) Models(ctx context.Context, p *model.Principal, from, to time.Time) ([]ModelStat, error) {
	if p == nil || p.ID == "" {
		return nil, domain.ErrAuthentication
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListCompletedBetween(ctx, repository.NoTX, "", from, to)
	if err != nil {
		return nil, err
	}
	byModel := make(map[string]*ModelStat)
	for _, j := range jobs {
		if j.Result == nil {
			continue
		}
		name := j.Result.Model
		if name == "" {
			name = "unknown"
		}
		st, ok := byModel[name]
		if !ok {
			st = &ModelStat{Model: name}
			byModel[name] = st
		}
		st.Responses++
		st.PromptTokens += j.Result.Usage.PromptTokens
		st.CompletionTokens += j.Result.Usage.CompletionTokens
		st.TotalTokens += j.Result.Usage.TotalTokens
	}
	out := make([]ModelStat, 0, len(byModel))
	for _, st := range byModel {
		st.AvgTotalTokens = float64(st.TotalTokens) / float64(st.Responses)
		out = append(out, *st)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Responses != out[b].Responses {
			return out[a].Responses > out[b].Responses
		}
		return out[a].Model < out[b].Model
	})
	return out, nil
}
