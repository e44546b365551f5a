// Package api exposes the session to dashboards over HTTP and gRPC.
package api

import (
	"context"
	"log/slog"

	"github.com/Montimage/maip-sub000/internal/ledger"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/metrics"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/sink/clickhouse"
)

// Session is the consumer-facing control surface of the orchestrator.
type Session interface {
	Start(ctx context.Context, iface string, windowSeconds int, totalDurationSeconds *int) (model.CaptureSession, error)
	Stop(ctx context.Context) error
	GetSnapshot() model.SessionSnapshot
}

// Ledger reads the per-slice history of a session.
type Ledger interface {
	Slices(ctx context.Context, sessionID string) ([]ledger.SliceRecord, error)
	History(ctx context.Context, sessionID, slice string) ([]model.SliceTransition, error)
	Predictions(ctx context.Context, sessionID string) ([]ledger.PredictionRecord, error)
}

// Options wires the API. Ledger, History and Metrics are optional.
type Options struct {
	Session Session
	Ledger  Ledger
	History clickhouse.Querier
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server holds the dependencies shared by the HTTP and gRPC front ends.
type Server struct {
	session Session
	ledger  Ledger
	history clickhouse.Querier
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates an API server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Component("api")
	}
	return &Server{
		session: opts.Session,
		ledger:  opts.Ledger,
		history: opts.History,
		metrics: opts.Metrics,
		log:     log,
	}
}

// StartRequest is the body of a session start call.
type StartRequest struct {
	Interface            string `json:"interface"`
	WindowSeconds        int    `json:"windowSeconds"`
	TotalDurationSeconds *int   `json:"totalDurationSeconds,omitempty"`
}

func (s *Server) start(ctx context.Context, req StartRequest) (model.CaptureSession, error) {
	session, err := s.session.Start(ctx, req.Interface, req.WindowSeconds, req.TotalDurationSeconds)
	if err != nil {
		s.log.Warn("session start rejected", "interface", req.Interface, "err", err)
		return model.CaptureSession{}, err
	}
	return session, nil
}
