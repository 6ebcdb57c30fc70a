package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/yss1235-why/tambola-sound-blitz/internal/events"
)

// Consumer pulls game events off JetStream and pushes them into a Hub.
// It lets the gateway run in a separate process from the host daemon.
type Consumer struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     events.NATSConfig
	hub     *Hub
	consCtx jetstream.ConsumeContext
}

// NewConsumer connects to the broker and binds a durable consumer on the
// event stream.
func NewConsumer(ctx context.Context, cfg events.NATSConfig, hub *Hub) (*Consumer, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &Consumer{nc: nc, js: js, cfg: cfg, hub: hub}, nil
}

// Start begins consuming. New envelopes are broadcast immediately; the
// consumer is ephemeral and delivers from now, since reconnecting clients
// resync state through the store rather than event replay.
func (c *Consumer) Start(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: c.cfg.SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	consCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("malformed event envelope")
			msg.Term()
			return
		}
		c.hub.Broadcast(env)
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Str("event_id", env.EventID).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	c.consCtx = consCtx
	log.Info().Str("stream", c.cfg.StreamName).Msg("event consumer started")
	return nil
}

// Close stops consumption and drops the broker connection.
func (c *Consumer) Close() {
	if c.consCtx != nil {
		c.consCtx.Stop()
	}
	if c.nc != nil {
		c.nc.Close()
	}
}
