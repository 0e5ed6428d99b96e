// Package stream is the client side of the per-user event stream. A Session
// keeps one transport open, reconnecting with capped exponential backoff
// until a bounded number of consecutive failures, after which it waits for
// an explicit Reconnect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	MaxAttemptsReached
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case MaxAttemptsReached:
		return "MAX_ATTEMPTS_REACHED"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Conn is one established transport. Next blocks for the next known event;
// transports skip unknown event types themselves.
type Conn interface {
	Next(ctx context.Context) (model.Event, error)
	Close() error
}

// Dialer opens a transport for userID. The returned Conn lives until ctx ends
// or Close is called.
type Dialer interface {
	Dial(ctx context.Context, userID string) (Conn, error)
}

type options struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	buffer      int
	onState     func(State, error)
}

type Option func(*options)

func WithMaxAttempts(n int) Option { return func(o *options) { o.maxAttempts = n } }
func WithBackoff(base, max time.Duration) Option {
	return func(o *options) { o.baseDelay, o.maxDelay = base, max }
}
func WithBuffer(n int) Option { return func(o *options) { o.buffer = n } }

// WithStateHook is called on every state change with the error that caused it, if any.
// It runs on the session goroutine and must not block.
func WithStateHook(fn func(State, error)) Option { return func(o *options) { o.onState = fn } }

type Session struct {
	dialer Dialer
	userID string
	opts   options

	events chan model.Event
	kick   chan struct{}

	mu        sync.Mutex
	state     State
	attempts  int
	lastErr   error
	dropConn  context.CancelFunc
	running   bool
	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(dialer Dialer, userID string, opts ...Option) *Session {
	o := options{maxAttempts: 5, baseDelay: time.Second, maxDelay: 10 * time.Second, buffer: 64}
	for _, fn := range opts {
		fn(&o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 5
	}
	if o.baseDelay <= 0 {
		o.baseDelay = time.Second
	}
	if o.maxDelay < o.baseDelay {
		o.maxDelay = o.baseDelay
	}
	return &Session{
		dialer: dialer,
		userID: userID,
		opts:   o,
		events: make(chan model.Event, o.buffer),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Backoff is the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1), max).
func Backoff(n int, base, max time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Events delivers every non-heartbeat event. It is closed when Run returns.
func (s *Session) Events() <-chan model.Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool  { return s.State() == Open }
func (s *Session) IsConnecting() bool { return s.State() == Connecting }

// Attempts is the number of consecutive failed connection attempts.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Err is the last transport error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Reconnect resets the attempt counter and connects again immediately,
// dropping the current transport if one is open.
func (s *Session) Reconnect() {
	s.mu.Lock()
	s.attempts = 0
	if s.dropConn != nil {
		s.dropConn()
	}
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close stops the session. Run returns nil shortly after.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.dropConn != nil {
			s.dropConn()
		}
		s.mu.Unlock()
	})
}

// Run supervises the connection until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("stream: session already running")
	}
	s.running = true
	s.mu.Unlock()
	defer close(s.events)

	for {
		if s.stopped(ctx) {
			return s.finish(ctx)
		}
		// a pending kick is satisfied by this attempt
		select {
		case <-s.kick:
		default:
		}

		err := s.connectOnce(ctx)
		if s.stopped(ctx) {
			return s.finish(ctx)
		}

		s.mu.Lock()
		manual := s.attempts == 0 && errors.Is(err, errDropped)
		if !manual {
			s.attempts++
		}
		n := s.attempts
		s.mu.Unlock()
		if manual {
			continue
		}

		if n >= s.opts.maxAttempts {
			s.setState(MaxAttemptsReached, err)
			if !s.wait(ctx, -1) {
				return s.finish(ctx)
			}
			continue
		}
		s.setState(Disconnected, err)
		if !s.wait(ctx, Backoff(n, s.opts.baseDelay, s.opts.maxDelay)) {
			return s.finish(ctx)
		}
	}
}

var errDropped = errors.New("stream: connection dropped on request")

// connectOnce dials and pumps one transport. It always returns a non-nil
// error describing why the transport ended.
func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(Connecting, nil)
	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.dropConn = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.dropConn = nil
		s.mu.Unlock()
		cancel()
	}()

	conn, err := s.dialer.Dial(connCtx, s.userID)
	if err != nil {
		if connCtx.Err() != nil && ctx.Err() == nil {
			return errDropped
		}
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.setState(Open, nil)

	for {
		ev, err := conn.Next(connCtx)
		if err != nil {
			if connCtx.Err() != nil && ctx.Err() == nil {
				return errDropped
			}
			return fmt.Errorf("%w: %v", domain.ErrConnection, err)
		}
		if ev.Type() == model.EventHeartbeat {
			continue
		}
		select {
		case s.events <- ev:
		case <-connCtx.Done():
			return errDropped
		}
	}
}

// wait sleeps for d (forever when d < 0) or until a Reconnect. It reports
// false when the session should stop.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	case <-s.kick:
		return true
	case <-timer:
		return true
	}
}

func (s *Session) stopped(ctx context.Context) bool {
	select {
	case <-s.closed:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (s *Session) finish(ctx context.Context) error {
	s.setState(Closed, nil)
	select {
	case <-s.closed:
		return nil
	default:
		return ctx.Err()
	}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err
	}
	changed := s.state != st
	s.state = st
	hook := s.opts.onState
	s.mu.Unlock()
	if changed && hook != nil {
		hook(st, err)
	}
}
