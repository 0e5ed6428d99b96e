package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/infra/logging"
	"llm-jobqueue/internal/infra/metrics"
)

// streamOwner enforces that a principal only opens its own stream.
func (s *Server) streamOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userId")
	if p := principalFrom(r.Context()); p == nil || p.ID != userID {
		s.fail(w, r, domain.ErrAuthorization)
		return "", false
	}
	return userID, true
}

// pump forwards userID's events to write until ctx ends, the server closes
// its streams, or a write fails. The subscription is opened before
// CONNECTION_ESTABLISHED is sent so nothing published afterwards is missed.
func (s *Server) pump(ctx context.Context, transport, userID string, write func(model.Event) error) {
	sub := s.bus.Subscribe(userID)
	defer sub.Close()

	connID := uuid.NewString()
	ctx = logging.WithConnID(ctx, connID)
	log := logging.With(ctx, s.log)
	metrics.IncStreamSessions(transport, 1)
	defer metrics.IncStreamSessions(transport, -1)
	log.Info().Str("transport", transport).Msg("stream opened")
	defer log.Info().Str("transport", transport).Msg("stream closed")

	if err := write(model.ConnectionEstablished{UserID: userID, ConnectionID: connID}); err != nil {
		return
	}
	q := s.jobs.Queue(ctx)
	if err := write(q.Event()); err != nil {
		return
	}

	hb := time.NewTicker(s.opts.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
		case t := <-hb.C:
			if err := write(model.NewHeartbeat(t)); err != nil {
				return
			}
		}
	}
}

func (s *Server) sse(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.streamOwner(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.pump(r.Context(), "sse", userID, func(ev model.Event) error {
		b, err := model.MarshalEvent(ev)
		if err != nil {
			return err
		}
		_ = rc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.streamOwner(w, r)
	if !ok {
		return
	}
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		s.logger(r).Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// client frames carry nothing; a read error means the peer went away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pump(ctx, "ws", userID, func(ev model.Event) error {
		b, err := model.MarshalEvent(ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, b)
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" || len(s.opts.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.CORSOrigins {
		if strings.TrimRight(o, "/") == origin {
			return true
		}
	}
	return false
}

// CloseStreams ends every open SSE and WebSocket stream. Call it before
// http.Server.Shutdown, which otherwise waits for streams that never go idle.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}
