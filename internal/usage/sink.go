// Package usage appends one immutable event per completed or failed request.
// Dashboards and analytics roll these up elsewhere; the gateway only emits.
package usage

import (
	"context"
	"log/slog"
	"sync"

	"deptgate/internal/domain"
)

type Sink interface {
	Append(ctx context.Context, event domain.UsageEvent) error
}

// InMemorySink collects events in memory, for tests and single-instance runs.
type InMemorySink struct {
	mu     sync.RWMutex
	events []domain.UsageEvent
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Append(ctx context.Context, event domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *InMemorySink) Events() []domain.UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UsageEvent, len(s.events))
	copy(out, s.events)
	return out
}

// MultiSink fans one event out to several sinks. A failing secondary sink is
// logged, not surfaced: losing an analytics copy must not fail the request.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Append(ctx context.Context, event domain.UsageEvent) error {
	var firstErr error
	for i, sink := range s.sinks {
		if err := sink.Append(ctx, event); err != nil {
			if i == 0 {
				firstErr = err
				continue
			}
			slog.Warn("secondary usage sink append failed", "error", err, "event_id", event.ID)
		}
	}
	return firstErr
}
