package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"llm-jobqueue/internal/domain/ports/adapter"
	"llm-jobqueue/internal/infra/events"
	"llm-jobqueue/internal/infra/logging"
	"llm-jobqueue/internal/usecase"
)

// Subscriber hands out per-user event subscriptions.
type Subscriber interface {
	Subscribe(userID string) *events.Subscription
}

type Options struct {
	RequestTimeout    time.Duration // non-stream routes only
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	CORSOrigins       []string
	MetricsPath       string // empty disables /metrics
}

type Server struct {
	jobs     usecase.JobUseCase
	stats    usecase.StatsUseCase
	bus      Subscriber
	identity adapter.IdentityProvider
	opts     Options
	log      *zerolog.Logger
	now      func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(
	jobs usecase.JobUseCase,
	stats usecase.StatsUseCase,
	bus Subscriber,
	identity adapter.IdentityProvider,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	l := logger.With().Str("component", "http").Logger()
	return &Server{
		jobs:     jobs,
		stats:    stats,
		bus:      bus,
		identity: identity,
		opts:     opts,
		log:      &l,
		now:      time.Now,
		closing:  make(chan struct{}),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID, Recover(s.log), RequestLog(s.log), CORS(s.opts.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.opts.MetricsPath != "" {
		r.Handle(s.opts.MetricsPath, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(s.identity))

		r.Group(func(r chi.Router) {
			r.Use(Timeout(s.opts.RequestTimeout))
			r.Post("/jobs", s.createJob)
			r.Get("/jobs", s.listJobs)
			r.Get("/jobs/{jobId}", s.getJob)
			r.Get("/queue", s.queueStatus)
			r.Get("/llm-responses/job/{jobId}", s.responseByJob)
			r.Get("/llm-responses/stats/tokens/{userId}", s.tokenStats)
			r.Get("/llm-responses/stats/models", s.modelStats)
		})

		// bounded by the ask timeout, not the request timeout
		r.Post("/llm/ask", s.ask)

		r.Get("/sse/{userId}", s.sse)
		r.Get("/ws/{userId}", s.ws)
	})
	return r
}

func (s *Server) logger(r *http.Request) *zerolog.Logger {
	return logging.With(r.Context(), s.log)
}

// fail writes err and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger(r).Warn().Err(err).Int("status", code).Msg("request failed")
	}
	writeErrorBody(w, code, body)
}
