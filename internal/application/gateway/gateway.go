// Package gateway bridges the run event bus to streaming client transports.
//
// The gateway only observes runs: a client disconnecting detaches its
// subscription and never affects execution.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/agentpipe/pkg/domain"
	"github.com/aescanero/agentpipe/pkg/ports"
	"go.uber.org/zap"
)

// ErrStreamEnded is returned by a Sink that wants to end the stream
// normally, typically after delivering a final event
var ErrStreamEnded = errors.New("stream ended")

// Ends reports whether no further events are expected after event
func Ends(event domain.RunEvent) bool {
	return event.Type.IsFinal() || (event.Type == domain.EventTypeStatus && event.Status.IsTerminal())
}

// Sink is a transport that delivers events to one client
type Sink interface {
	Send(event domain.RunEvent) error
}

// Gateway streams run events to authorized clients
type Gateway struct {
	runs    ports.RunStore
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// NewGateway creates a new run stream gateway
func NewGateway(runs ports.RunStore, bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger) *Gateway {
	return &Gateway{
		runs:    runs,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Authorize loads the run if it belongs to userID. Missing and foreign
// runs are indistinguishable to the caller.
func (g *Gateway) Authorize(ctx context.Context, runID, userID string) (*domain.Run, error) {
	run, err := g.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

// Stream forwards the run's events to sink until ctx ends or the sink
// fails or returns ErrStreamEnded. The subscription is taken before the run
// is re-read, so a run that has left pending is announced with a status
// event reflecting every outcome published before the client attached.
func (g *Gateway) Stream(ctx context.Context, run *domain.Run, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Sends stay on the caller's goroutine so no write reaches the
	// transport after Stream returns. Events published while the status is
	// being read wait in the subscription's queue.
	events := make(chan domain.RunEvent)
	sub := g.bus.Subscribe(run.ID, func(event domain.RunEvent) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	})
	defer g.bus.Unsubscribe(sub)

	g.metrics.IncActiveStreams()
	defer g.metrics.DecActiveStreams()

	logger := g.logger.With(zap.String("run_id", run.ID))
	logger.Debug("stream client attached")
	defer func() {
		if dropped := sub.Dropped(); dropped > 0 {
			logger.Warn("stream client fell behind", zap.Uint64("dropped_events", dropped))
		}
		logger.Debug("stream client detached")
	}()

	// Outcomes are persisted before they are published, so this read sees
	// any final event the subscription missed
	current, err := g.runs.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load run status: %w", err)
	}
	if current.Status != domain.RunStatusPending {
		status := domain.NewStatusEvent(current)
		if err := sink.Send(status); err != nil {
			if errors.Is(err, ErrStreamEnded) {
				return nil
			}
			return fmt.Errorf("failed to send status: %w", err)
		}
		if Ends(status) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if err := sink.Send(event); err != nil {
				if errors.Is(err, ErrStreamEnded) {
					return nil
				}
				return fmt.Errorf("failed to send event: %w", err)
			}
		}
	}
}
