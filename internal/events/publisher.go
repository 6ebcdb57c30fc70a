package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// Publisher carries envelopes to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, gameID string, eventType Type, payload any) error
}

// NewEnvelope builds the wire form for a payload, stamped from clock. A
// nil clock falls back to wall time.
func NewEnvelope(clock clockwork.Clock, gameID string, eventType Type, payload any) (Envelope, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:   uuid.NewString(),
		GameID:    gameID,
		EventType: eventType,
		Timestamp: clock.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NATSConfig holds JetStream publisher settings.
type NATSConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the stock stream layout.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		StreamName:    "TAMBOLA_EVENTS",
		SubjectPrefix: "tambola.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NATSPublisher publishes envelopes to JetStream subjects
// <prefix>.<game_id>.<event_type>.
type NATSPublisher struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	cfg   NATSConfig
	clock clockwork.Clock
}

// NewNATSPublisher connects and ensures the stream exists.
func NewNATSPublisher(ctx context.Context, cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &NATSPublisher{nc: nc, js: js, cfg: cfg, clock: clockwork.NewRealClock()}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, gameID string, eventType Type, payload any) error {
	env, err := NewEnvelope(p.clock, gameID, eventType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", p.cfg.SubjectPrefix, gameID, eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	log.Debug().
		Str("subject", subject).
		Str("event_id", env.EventID).
		Msg("event published")
	return nil
}

// Close shuts the connection down.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// LogPublisher writes envelopes to the log only; used in tests and when no
// broker is configured. A nil Clock stamps from wall time.
type LogPublisher struct {
	Clock clockwork.Clock
}

func (p LogPublisher) Publish(ctx context.Context, gameID string, eventType Type, payload any) error {
	env, err := NewEnvelope(p.Clock, gameID, eventType, payload)
	if err != nil {
		return err
	}
	log.Info().
		Str("game_id", gameID).
		Str("event_type", string(eventType)).
		RawJSON("payload", env.Payload).
		Msg("event")
	return nil
}
