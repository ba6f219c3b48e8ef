// Package gateway implements the request-gateway role: it owns the
// live-session correlator and consumes its callback queue for task
// completions coming back from the agent orchestration.
package gateway

import (
	"context"
	"log/slog"

	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/session"
)

// ServiceName is this role's name in queue addresses.
const ServiceName = "gateway"

// Service routes completion callbacks into the session correlator.
type Service struct {
	correlator *session.Correlator
	logger     *slog.Logger
}

// New creates the gateway service.
func New(correlator *session.Correlator, logger *slog.Logger) *Service {
	return &Service{
		correlator: correlator,
		logger:     logger.With("component", "gateway"),
	}
}

// Register installs the callback routes. Error responses from the
// dispatch boundary ride the same callback queue as completions, so
// both resolve through the correlator.
func (s *Service) Register(w *dispatch.Worker) {
	w.Register(bus.ActionQueryComplete, s.handleCallback)
	w.Register(bus.ActionErrorResponse, s.handleCallback)
}

func (s *Service) handleCallback(ctx context.Context, env *bus.Envelope) (any, error) {
	if err := s.correlator.Deliver(ctx, env); err != nil {
		return nil, err
	}
	// Callback envelopes carry no reply path; nothing to return.
	return nil, nil
}
