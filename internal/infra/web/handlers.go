package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/usecase"
)

const maxBody = 1 << 20

type messageIn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// jobRequest is accepted by both POST /api/jobs and POST /api/llm/ask.
// Ask also takes a bare "prompt".
type jobRequest struct {
	Prompt      string      `json:"prompt"`
	Messages    []messageIn `json:"messages"`
	Priority    *int        `json:"priority"`
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature *float64    `json:"temperature"`
}

func (q jobRequest) toSubmit() usecase.SubmitRequest {
	msgs := make([]model.Message, 0, len(q.Messages)+1)
	if len(q.Messages) == 0 && q.Prompt != "" {
		msgs = append(msgs, model.Message{Role: "user", Content: q.Prompt})
	}
	for _, m := range q.Messages {
		msgs = append(msgs, model.Message{Role: m.Role, Content: m.Content})
	}
	return usecase.SubmitRequest{
		Messages:    msgs,
		Priority:    q.Priority,
		Model:       q.Model,
		MaxTokens:   q.MaxTokens,
		Temperature: q.Temperature,
	}
}

func decodeJobRequest(r *http.Request) (jobRequest, error) {
	var req jobRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		return req, domain.Validation("invalid request body")
	}
	return req, nil
}

type jobCreated struct {
	ID            string          `json:"id"`
	Status        model.JobStatus `json:"status"`
	Message       string          `json:"message"`
	UserID        string          `json:"userId"`
	QueuePosition int             `json:"queuePosition"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJobRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p := principalFrom(r.Context())
	h, err := s.jobs.Submit(r.Context(), p, req.toSubmit())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobCreated{
		ID:            h.ID,
		Status:        h.Status,
		Message:       "job queued",
		UserID:        p.ID,
		QueuePosition: h.Position,
	})
}

type askResponse struct {
	JobID        string      `json:"jobId"`
	Response     string      `json:"response"`
	Model        string      `json:"model,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Usage        model.Usage `json:"usage"`
}

func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJobRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.jobs.Ask(r.Context(), principalFrom(r.Context()), req.toSubmit())
	if err != nil {
		code, body := statusFor(err)
		if job != nil {
			body.JobID = job.ID
		}
		if code >= http.StatusInternalServerError {
			s.logger(r).Warn().Err(err).Int("status", code).Msg("ask failed")
		}
		writeErrorBody(w, code, body)
		return
	}
	resp := askResponse{JobID: job.ID}
	if job.Result != nil {
		resp.Response = job.Result.Content
		resp.Model = job.Result.Model
		resp.FinishReason = job.Result.FinishReason
		resp.Usage = job.Result.Usage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	jobs, err := s.jobs.List(r.Context(), principalFrom(r.Context()), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, struct {
		Items  []*model.Job `json:"items"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}{Items: jobs, Limit: limit, Offset: offset})
}

type jobView struct {
	*model.Job
	QueuePosition int `json:"queuePosition,omitempty"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "jobId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	v := jobView{Job: job}
	if job.Status == model.JobStatusQueued {
		v.QueuePosition = s.jobs.Position(job.ID)
	}
	writeJSON(w, http.StatusOK, v)
}

type queueView struct {
	QueueLength          int `json:"queueLength"`
	InFlight             int `json:"inFlight"`
	Concurrency          int `json:"concurrency"`
	MaxDepth             int `json:"maxDepth"`
	EstimatedWaitSeconds int `json:"estimatedWaitSeconds"`
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	q := s.jobs.Queue(r.Context())
	writeJSON(w, http.StatusOK, queueView{
		QueueLength:          q.Depth,
		InFlight:             q.InFlight,
		Concurrency:          q.Concurrency,
		MaxDepth:             q.MaxDepth,
		EstimatedWaitSeconds: q.WaitSeconds(),
	})
}

type llmResponseView struct {
	ID               string `json:"id"`
	JobID            string `json:"jobId"`
	LLMResponseID    string `json:"llmResponseId"`
	Model            string `json:"model"`
	Content          string `json:"content"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
	TotalTokens      int    `json:"totalTokens"`
	FinishReason     string `json:"finishReason"`
	CreatedAt        string `json:"createdAt,omitempty"`
}

func (s *Server) responseByJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Result(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "jobId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res := job.Result
	v := llmResponseView{
		ID:               job.ID,
		JobID:            job.ID,
		LLMResponseID:    res.ResponseID,
		Model:            res.Model,
		Content:          res.Content,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		FinishReason:     res.FinishReason,
	}
	if job.CompletedAt != nil {
		v.CreatedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) tokenStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.dateRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.stats.TokenUsage(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "userId"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) modelStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.dateRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.stats.Models(r.Context(), principalFrom(r.Context()), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if st == nil {
		st = []usecase.ModelStat{}
	}
	writeJSON(w, http.StatusOK, struct {
		Items []usecase.ModelStat `json:"items"`
	}{Items: st})
}

// dateRange reads startDate and endDate (RFC 3339 or YYYY-MM-DD).
// Defaults to the last 30 days. A date-only endDate covers that whole day.
func (s *Server) dateRange(r *http.Request) (time.Time, time.Time, error) {
	to := s.now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("endDate"); v != "" {
		t, dateOnly, err := parseDate(v)
		if err != nil {
			return from, to, domain.Validation("endDate: " + err.Error())
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		to = t
		from = to.AddDate(0, 0, -30)
	}
	if v := r.URL.Query().Get("startDate"); v != "" {
		t, _, err := parseDate(v)
		if err != nil {
			return from, to, domain.Validation("startDate: " + err.Error())
		}
		from = t
	}
	return from, to, nil
}

func parseDate(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, false, errors.New("expected RFC 3339 or YYYY-MM-DD")
	}
	return t, true, nil
}
