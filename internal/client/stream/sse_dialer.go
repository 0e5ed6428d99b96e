package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
)

// SSEDialer opens GET {BaseURL}/api/sse/{userId}.
type SSEDialer struct {
	BaseURL string
	Token   string
	Client  *http.Client // nil uses a client without a timeout
}

var _ Dialer = (*SSEDialer)(nil)

func (d *SSEDialer) Dial(ctx context.Context, userID string) (Conn, error) {
	u := strings.TrimRight(d.BaseURL, "/") + "/api/sse/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("sse: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &sseConn{body: resp.Body, sc: sc}, nil
}

type sseConn struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

// Next reads frames until a known event arrives. Multi-line data fields are
// joined with newlines; undecodable and unknown frames are skipped.
func (c *sseConn) Next(ctx context.Context) (model.Event, error) {
	var data []string
	for c.sc.Scan() {
		line := c.sc.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			ev, err := model.UnmarshalEvent([]byte(strings.Join(data, "\n")))
			data = data[:0]
			if err != nil {
				continue
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: stream ended", domain.ErrConnection)
}

func (c *sseConn) Close() error { return c.body.Close() }
