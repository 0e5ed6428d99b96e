package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
)

// WSDialer opens {BaseURL}/api/ws/{userId}. An http(s) base is rewritten to ws(s).
type WSDialer struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer // nil uses websocket.DefaultDialer
}

var _ Dialer = (*WSDialer)(nil)

func (d *WSDialer) Dial(ctx context.Context, userID string) (Conn, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	hdr := http.Header{}
	if d.Token != "" {
		hdr.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, base+"/api/ws/"+url.PathEscape(userID), hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	c := &wsConn{conn: conn, done: make(chan struct{})}
	// unblock ReadMessage when the caller gives up
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *wsConn) Next(ctx context.Context) (model.Event, error) {
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: closed by server", domain.ErrConnection)
			}
			return nil, err
		}
		ev, err := model.UnmarshalEvent(b)
		if err != nil {
			// unknown types are expected from newer servers
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
