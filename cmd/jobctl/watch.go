package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"llm-jobqueue/internal/client/reducer"
	"llm-jobqueue/internal/client/stream"
	"llm-jobqueue/internal/domain/model"
)

// watch prints userID's events. With a jobID it tracks that job through the
// reducer and returns once the job is finished.
func watch(cmd *cobra.Command, c *apiClient, userID, jobID, prompt, transport string) error {
	var dialer stream.Dialer
	switch transport {
	case "sse", "":
		dialer = &stream.SSEDialer{BaseURL: c.base, Token: c.token}
	case "ws":
		dialer = &stream.WSDialer{BaseURL: c.base, Token: c.token}
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	tracker, err := reducer.NewTracker(32)
	if err != nil {
		return err
	}
	if jobID != "" {
		tracker.Track(jobID, prompt)
	}

	gaveUp := make(chan error, 1)
	sess := stream.NewSession(dialer, userID, stream.WithStateHook(func(st stream.State, err error) {
		switch {
		case st == stream.MaxAttemptsReached:
			select {
			case gaveUp <- err:
			default:
			}
		case err != nil:
			fmt.Fprintf(errOut, "! %s: %v\n", st, err)
		default:
			fmt.Fprintf(errOut, "* %s\n", st)
		}
	}))
	defer sess.Close()

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd.Context()) }()

	for {
		select {
		case err := <-gaveUp:
			return fmt.Errorf("stream unavailable: %w", err)
		case err := <-done:
			return ignoreCancel(err)
		case ev, ok := <-sess.Events():
			if !ok {
				return ignoreCancel(<-done)
			}
			if jobID == "" {
				printEvent(out, ev)
				continue
			}
			evs := []model.Event{ev}
			if _, hello := ev.(model.ConnectionEstablished); hello {
				// events sent before this connection are not replayed
				if cur, err := currentState(cmd, c, jobID); err == nil {
					evs = append(evs, cur)
				}
			}
			for _, ev := range evs {
				v, changed := tracker.Apply(ev)
				if !changed {
					continue
				}
				printEvent(out, ev)
				if v.InFlightJobID == "" {
					return finished(out, v)
				}
			}
		}
	}
}

func currentState(cmd *cobra.Command, c *apiClient, jobID string) (model.Event, error) {
	raw, err := c.Job(cmd.Context(), jobID)
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, err
	}
	return model.EventForJob(&job), nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func finished(w io.Writer, v reducer.View) error {
	if v.Status == model.JobStatusFailed {
		return fmt.Errorf("job failed: %s", v.Error)
	}
	if n := len(v.Messages); n > 0 {
		fmt.Fprintln(w, v.Messages[n-1].Content)
	}
	return nil
}

func printEvent(w io.Writer, ev model.Event) {
	switch e := ev.(type) {
	case model.ConnectionEstablished:
		fmt.Fprintf(w, "connected as %s\n", e.UserID)
	case model.QueueUpdate:
		fmt.Fprintf(w, "queue: %d waiting, %d running, ~%ds\n", e.QueueLength, e.InFlight, e.EstimatedWaitTime)
	case model.JobUpdate:
		fmt.Fprintf(w, "job %s: %s\n", e.JobID, e.Status)
	case model.JobCompleted:
		fmt.Fprintf(w, "job %s: COMPLETED (%d tokens)\n", e.JobID, e.Result.Usage.TotalTokens)
	case model.JobFailed:
		fmt.Fprintf(w, "job %s: FAILED %s\n", e.JobID, e.Error)
	}
}
