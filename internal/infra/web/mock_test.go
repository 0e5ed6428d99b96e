//go:build !integration

package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/infra/events"
	"llm-jobqueue/internal/usecase"
)

// stubIdentity treats the bearer token as the user id.
type stubIdentity struct{}

func (stubIdentity) Authenticate(r *http.Request) (*model.Principal, error) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return nil, domain.ErrAuthentication
	}
	return &model.Principal{ID: tok, Email: tok + "@example.com"}, nil
}

type mockJobUC struct {
	SubmitFunc   func(ctx context.Context, p *model.Principal, req usecase.SubmitRequest) (*usecase.JobHandle, error)
	AskFunc      func(ctx context.Context, p *model.Principal, req usecase.SubmitRequest) (*model.Job, error)
	StatusFunc   func(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error)
	ListFunc     func(ctx context.Context, p *model.Principal, limit, offset int) ([]*model.Job, error)
	ResultFunc   func(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error)
	QueueStatus  model.QueueStatus
	PositionFunc func(jobID string) int
}

var _ usecase.JobUseCase = (*mockJobUC)(nil)

func (m *mockJobUC) Submit(ctx context.Context, p *model.Principal, req usecase.SubmitRequest) (*usecase.JobHandle, error) {
	return m.SubmitFunc(ctx, p, req)
}
func (m *mockJobUC) Ask(ctx context.Context, p *model.Principal, req usecase.SubmitRequest) (*model.Job, error) {
	return m.AskFunc(ctx, p, req)
}
func (m *mockJobUC) Status(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error) {
	return m.StatusFunc(ctx, p, jobID)
}
func (m *mockJobUC) List(ctx context.Context, p *model.Principal, limit, offset int) ([]*model.Job, error) {
	return m.ListFunc(ctx, p, limit, offset)
}
func (m *mockJobUC) Result(ctx context.Context, p *model.Principal, jobID string) (*model.Job, error) {
	return m.ResultFunc(ctx, p, jobID)
}
func (m *mockJobUC) Queue(ctx context.Context) model.QueueStatus { return m.QueueStatus }
func (m *mockJobUC) Position(jobID string) int {
	if m.PositionFunc == nil {
		return 0
	}
	return m.PositionFunc(jobID)
}

type mockStatsUC struct {
	TokenUsageFunc func(ctx context.Context, p *model.Principal, userID string, from, to time.Time) (*usecase.TokenReport, error)
	ModelsFunc     func(ctx context.Context, p *model.Principal, from, to time.Time) ([]usecase.ModelStat, error)
}

func (m *mockStatsUC) TokenUsage(ctx context.Context, p *model.Principal, userID string, from, to time.Time) (*usecase.TokenReport, error) {
	return m.TokenUsageFunc(ctx, p, userID, from, to)
}
func (m *mockStatsUC) Models(ctx context.Context, p *model.Principal, from, to time.Time) ([]usecase.ModelStat, error) {
	return m.ModelsFunc(ctx, p, from, to)
}

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestServer(jobs *mockJobUC, stats *mockStatsUC) (*Server, *events.Bus) {
	if jobs == nil {
		jobs = &mockJobUC{}
	}
	if stats == nil {
		stats = &mockStatsUC{}
	}
	bus := events.NewBus(16, newTestLogger())
	srv := NewServer(jobs, stats, bus, stubIdentity{}, Options{
		HeartbeatInterval: time.Hour,
		MetricsPath:       "/metrics",
	}, newTestLogger())
	return srv, bus
}

func newTestServerBus() *events.Bus {
	return events.NewBus(16, newTestLogger())
}
