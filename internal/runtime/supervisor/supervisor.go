package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Component is a unit of the tunnel process with a start/stop lifecycle.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts components in registration order and stops them in
// reverse.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// Register adds a component. Registration after Start panics.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started != nil {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Names lists registered components in start order.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.components))
	for i, c := range s.components {
		names[i] = c.Name()
	}
	return names
}

// Start starts every component. If one fails, the ones already started are
// stopped in reverse order and the failure is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started != nil {
		return nil
	}
	started := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		if err := c.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					s.logger.Warn("rollback stop failed", "component", started[i].Name(), "error", stopErr)
				}
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		s.logger.Debug("component started", "component", c.Name())
		started = append(started, c)
	}
	s.started = started
	return nil
}

// Stop stops started components in reverse order and joins their errors. It
// is a no-op before Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = nil
	s.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", started[i].Name(), err))
			continue
		}
		s.logger.Debug("component stopped", "component", started[i].Name())
	}
	return errors.Join(errs...)
}
