package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"llm-jobqueue/internal/domain/model"
)

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func clientFrom(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

type jobRequest struct {
	Prompt    string `json:"prompt,omitempty"`
	Messages  []msg  `json:"messages,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type msg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func requestFrom(cmd *cobra.Command, prompt string) jobRequest {
	req := jobRequest{Messages: []msg{{Role: "user", Content: prompt}}}
	if p, _ := cmd.Flags().GetInt("priority"); p != 0 {
		req.Priority = &p
	}
	req.Model, _ = cmd.Flags().GetString("model")
	req.MaxTokens, _ = cmd.Flags().GetInt("max-tokens")
	return req
}

type created struct {
	ID            string          `json:"id"`
	Status        model.JobStatus `json:"status"`
	Message       string          `json:"message"`
	UserID        string          `json:"userId"`
	QueuePosition int             `json:"queuePosition"`
}

type answer struct {
	JobID    string      `json:"jobId"`
	Response string      `json:"response"`
	Model    string      `json:"model"`
	Usage    model.Usage `json:"usage"`
}

// apiError is the server's error body.
type apiError struct {
	Status               int    `json:"-"`
	Message              string `json:"error"`
	Category             string `json:"category"`
	JobID                string `json:"jobId"`
	QueuePosition        *int   `json:"queuePosition"`
	EstimatedWaitSeconds *int   `json:"estimatedWaitSeconds"`
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d: %s", e.Status, e.Message)
	if e.QueuePosition != nil && e.EstimatedWaitSeconds != nil {
		fmt.Fprintf(&b, " (position %d, retry in ~%ds)", *e.QueuePosition, *e.EstimatedWaitSeconds)
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, " [job %s]", e.JobID)
	}
	return b.String()
}

func (c *apiClient) Submit(ctx context.Context, req jobRequest) (*created, error) {
	var out created
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Ask(ctx context.Context, req jobRequest) (*answer, error) {
	var out answer
	if err := c.do(ctx, http.MethodPost, "/api/llm/ask", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Job returns the raw JSON of a job.
func (c *apiClient) Job(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// tokenSubject reads the subject without verifying; the server verifies.
func tokenSubject(tok string) (string, error) {
	if tok == "" {
		return "", errors.New("no token given")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return "", fmt.Errorf("token unreadable: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
