// Package nats mirrors session-wide hub events to NATS subjects of the form
// <prefix>.<sessionId>.<EventName>.
package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"live-quiz-service/internal/domain"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Publisher implements app.EventSink on a NATS connection. Publishing is
// fire-and-forget; failures are logged and never reach the hub.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

type envelope struct {
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	At        time.Time `json:"at"`
}

// Connect dials NATS with reconnect logging.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name("live-quiz-hub"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewPublisher(nc, cfg.SubjectPrefix), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "livequiz"
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of a session is published on.
func (p *Publisher) Subject(sessionID, event string) string {
	return p.prefix + "." + sessionID + "." + event
}

func (p *Publisher) Publish(sessionID string, ev domain.Event) {
	data, err := json.Marshal(envelope{SessionID: sessionID, Event: ev.Name, Payload: ev.Payload, At: time.Now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("marshal NATS event")
		return
	}
	if err := p.nc.Publish(p.Subject(sessionID, ev.Name), data); err != nil {
		log.Warn().Err(err).Str("event", ev.Name).Str("session_id", sessionID).Msg("publish NATS event")
	}
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
