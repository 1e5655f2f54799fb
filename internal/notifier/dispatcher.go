package notifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kurihiro0119/gitlab-activity-monitor/internal/domain"
)

// Sink receives delivered notifications
type Sink interface {
	Notify(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Event)

// Notify calls f
func (f SinkFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Dispatcher filters events by the user's settings and fans them out to sinks
type Dispatcher struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates a dispatcher delivering to sinks
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger.With("component", "notifier"),
		sinks:  sinks,
	}
}

// AddSink registers another sink
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Dispatch delivers the events settings allow and returns how many were delivered.
// A panicking sink is logged and does not stop delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, settings domain.NotificationSettings, events []Event) int {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	delivered := 0
	for _, e := range events {
		if !e.Kind.Allowed(settings) {
			continue
		}
		delivered++
		for _, s := range sinks {
			d.deliver(ctx, s, e)
		}
	}
	return delivered
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked", "kind", e.Kind, "key", e.Key, "panic", r)
		}
	}()
	s.Notify(ctx, e)
}

// LogSink writes notifications to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging at info level
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the event
func (s *LogSink) Notify(ctx context.Context, e Event) {
	s.logger.InfoContext(ctx, e.Title,
		"kind", e.Kind,
		"item", e.ItemID,
		"account", e.AccountID,
		"url", e.WebURL,
	)
}

// DefaultRecentSize is the number of events RecentSink keeps
const DefaultRecentSize = 100

// RecentSink keeps the most recent events in memory
type RecentSink struct {
	mu     sync.Mutex
	size   int
	events []Event
}

// NewRecentSink creates a sink remembering the last size events
func NewRecentSink(size int) *RecentSink {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &RecentSink{size: size}
}

// Notify records the event, dropping the oldest beyond the bound
func (s *RecentSink) Notify(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if len(s.events) > s.size {
		s.events = append([]Event(nil), s.events[len(s.events)-s.size:]...)
	}
}

// Recent returns the remembered events, newest first
func (s *RecentSink) Recent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		out = append(out, s.events[i])
	}
	return out
}
