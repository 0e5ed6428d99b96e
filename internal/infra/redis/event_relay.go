package redis

import (
	"context"
	"encoding/json"
	"time"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/infra/events"
	"llm-jobqueue/internal/infra/metrics"

	"github.com/rs/zerolog"
)

var _ events.Publisher = (*EventRelay)(nil)

// relayFrame is what crosses the channel. An empty UserID means broadcast.
type relayFrame struct {
	UserID string          `json:"userId,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// EventRelay publishes job events on a redis channel and feeds every frame it
// receives into the local bus, so a stream connected to any instance sees
// events produced by any other. Delivery stays at most once.
type EventRelay struct {
	client  RedisClient
	channel string
	local   events.Publisher
	timeout time.Duration
	log     *zerolog.Logger
}

func NewEventRelay(client RedisClient, channel string, local events.Publisher, logger *zerolog.Logger) *EventRelay {
	l := logger.With().Str("component", "event_relay").Str("channel", channel).Logger()
	return &EventRelay{
		client:  client,
		channel: channel,
		local:   local,
		timeout: 2 * time.Second,
		log:     &l,
	}
}

func (r *EventRelay) Publish(userID string, ev model.Event) {
	r.send(userID, ev)
}

func (r *EventRelay) Broadcast(ev model.Event) {
	r.send("", ev)
}

// send falls back to local delivery when redis is unreachable.
func (r *EventRelay) send(userID string, ev model.Event) {
	body, err := model.MarshalEvent(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("encode event")
		return
	}
	frame, _ := json.Marshal(relayFrame{UserID: userID, Event: body})

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, frame); err != nil {
		metrics.IncRelayMessage("out", "error")
		r.log.Warn().Err(err).Msg("relay publish failed, delivering locally")
		r.deliver(userID, ev)
		return
	}
	metrics.IncRelayMessage("out", "ok")
}

func (r *EventRelay) deliver(userID string, ev model.Event) {
	if userID == "" {
		r.local.Broadcast(ev)
		return
	}
	r.local.Publish(userID, ev)
}

// Run consumes the channel until ctx is done.
func (r *EventRelay) Run(ctx context.Context) error {
	sub, err := r.client.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	defer sub.Close()
	r.log.Info().Msg("event relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *EventRelay) handle(payload string) {
	var f relayFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		metrics.IncRelayMessage("in", "bad_frame")
		r.log.Warn().Err(err).Msg("drop malformed relay frame")
		return
	}
	ev, err := model.UnmarshalEvent(f.Event)
	if err != nil {
		metrics.IncRelayMessage("in", "bad_event")
		r.log.Debug().Err(err).Msg("skip relay event")
		return
	}
	metrics.IncRelayMessage("in", "ok")
	r.deliver(f.UserID, ev)
}
