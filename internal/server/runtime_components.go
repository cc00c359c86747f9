package server

import (
	"context"
	"log/slog"

	"sentry-tunnel/internal/events"
	"sentry-tunnel/internal/runtime/supervisor"
)

const failureBuffer = 256

// errorReporter is the subset of the monitoring client the reporter needs.
type errorReporter interface {
	CaptureError(err error, tags map[string]string)
}

// newFailureReporter registers a supervisor component that forwards tunnel
// failures to monitoring and logs heartbeats.
func newFailureReporter(bus *events.Bus, reporter errorReporter, logger *slog.Logger) supervisor.Component {
	r := &failureReporter{bus: bus, reporter: reporter, logger: logger}
	return supervisor.NewComponent("failure-reporter", r.start, r.stop)
}

type failureReporter struct {
	bus      *events.Bus
	reporter errorReporter
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func (r *failureReporter) start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	failures := r.bus.Subscribe(events.TopicTunnelFailed, failureBuffer)
	heartbeats := r.bus.Subscribe(events.TopicHeartbeatSent, 4)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		// Runs until the bus is closed and both channels are drained.
		for failures != nil || heartbeats != nil {
			select {
			case evt, ok := <-failures:
				if !ok {
					failures = nil
					continue
				}
				payload, ok := evt.Payload.(events.TunnelFailed)
				if !ok {
					r.logger.Warn("failure-reporter received unexpected payload", "payload", evt.Payload)
					continue
				}
				r.report(payload)
			case evt, ok := <-heartbeats:
				if !ok {
					heartbeats = nil
					continue
				}
				if hb, ok := evt.Payload.(events.HeartbeatSent); ok {
					r.logger.Info("heartbeat sent", "at", hb.At)
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *failureReporter) report(f events.TunnelFailed) {
	if r.reporter == nil || f.Err == nil {
		return
	}
	r.reporter.CaptureError(f.Err, map[string]string{
		"tunnel.reason":     f.Reason,
		"tunnel.host":       f.Host,
		"tunnel.project_id": f.ProjectID,
		"tunnel.request_id": f.RequestID,
	})
}

// stop closes the bus and waits for buffered events to be reported. If ctx
// expires first the remainder is abandoned.
func (r *failureReporter) stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	defer r.cancel()
	r.bus.Close()
	defer func() {
		if n := r.bus.Dropped(); n > 0 {
			r.logger.Warn("event bus dropped events", "events_dropped", n)
		}
	}()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
