package events

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Handler processes a received event.
type Handler func(subject string, ev model.Event)

// Subscriber is responsible for subscribing to session events.
type Subscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	log    *slog.Logger
}

// NewSubscriber connects to the configured NATS server.
func NewSubscriber(cfg config.EventsConfig) (*Subscriber, error) {
	log := logging.Component("events")
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("maip-watch"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	log.Info("connected to NATS server", "url", cfg.NATSURL)
	return &Subscriber{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// SubjectFilter returns the wildcard subject for one session, or for all
// sessions when sessionID is empty.
func SubjectFilter(prefix, sessionID string) string {
	if sessionID == "" {
		return prefix + ".>"
	}
	return prefix + "." + sessionID + ".>"
}

// Start subscribes to the events of sessionID (all sessions if empty).
func (s *Subscriber) Start(sessionID string, handler Handler) error {
	subject := SubjectFilter(s.prefix, sessionID)
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			s.log.Warn("dropping undecodable event", "subject", msg.Subject, "err", err)
			return
		}
		handler(msg.Subject, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	s.sub = sub
	s.log.Info("subscribed, waiting for events", "subject", subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		s.log.Info("NATS connection closed")
	}
}
