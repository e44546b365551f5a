package events

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Publisher is responsible for publishing session events to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
}

var _ model.EventPublisher = (*Publisher)(nil)

// NewPublisher connects to the configured NATS server.
func NewPublisher(cfg config.EventsConfig) (*Publisher, error) {
	log := logging.Component("events")
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("maip-orchestrator"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	log.Info("connected to NATS server", "url", cfg.NATSURL)
	return &Publisher{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Publish serializes the event to protobuf and publishes it on the
// session's subject.
func (p *Publisher) Publish(ev model.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, ev.SessionID, ev.Kind), data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.log.Warn("failed to drain NATS connection", "err", err)
		}
		p.log.Info("NATS connection drained and closed")
	}
}

// Fanout publishes every event to each publisher, returning the first error.
type Fanout []model.EventPublisher

// Publish implements model.EventPublisher.
func (f Fanout) Publish(ev model.Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
