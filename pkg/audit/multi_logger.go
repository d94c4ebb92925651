package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 1024

var (
	// ErrQueueFull is reported through OnError when a sink falls so far
	// behind that an event is dropped.
	ErrQueueFull = errors.New("audit queue full")

	errAuditClosed = errors.New("audit logger is closed")
)

// MultiLogger fans events out to several loggers. In async mode (the
// default) each logger has its own bounded queue drained by one goroutine,
// so a slow database never stalls evaluation. Events that do not fit are
// dropped and counted.
type MultiLogger struct {
	sinks   []*sink
	async   bool
	onError func(error)
	pending sync.WaitGroup
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

type sink struct {
	logger Logger
	queue  chan queuedEvent
	done   chan struct{}
}

type queuedEvent struct {
	ctx   context.Context
	event *AuditEvent
}

// NewMultiLogger creates a new multi-logger that writes to multiple destinations
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return newMultiLogger(defaultQueueSize, loggers...)
}

func newMultiLogger(queueSize int, loggers ...Logger) *MultiLogger {
	m := &MultiLogger{async: true}
	for _, logger := range loggers {
		s := &sink{
			logger: logger,
			queue:  make(chan queuedEvent, queueSize),
			done:   make(chan struct{}),
		}
		m.sinks = append(m.sinks, s)
		go m.drain(s)
	}
	return m
}

func (m *MultiLogger) drain(s *sink) {
	defer close(s.done)
	for q := range s.queue {
		if err := s.logger.Log(q.ctx, q.event); err != nil {
			m.report(err)
		}
		m.pending.Done()
	}
}

// SetAsync switches between queued and direct writes. Call it before the
// first Log.
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// OnError registers a callback for failures of queued writes and for
// dropped events. Call it before the first Log.
func (m *MultiLogger) OnError(fn func(error)) {
	m.onError = fn
}

func (m *MultiLogger) report(err error) {
	if m.onError != nil {
		m.onError(err)
	}
}

// Log hands the event to every logger. Synchronous writes return the joined
// failures; queued writes report them through OnError.
func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errAuditClosed
	}

	if !m.async {
		var errs []error
		for _, s := range m.sinks {
			if err := s.logger.Log(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	q := queuedEvent{ctx: context.WithoutCancel(ctx), event: event}
	for _, s := range m.sinks {
		m.pending.Add(1)
		select {
		case s.queue <- q:
		default:
			m.pending.Done()
			m.dropped.Add(1)
			m.report(fmt.Errorf("%w: %s event dropped", ErrQueueFull, event.EventType))
		}
	}
	return nil
}

// LogDecision logs one access decision
func (m *MultiLogger) LogDecision(ctx context.Context, decision Decision) error {
	return m.Log(ctx, decision.Event())
}

// LogAdminAction logs a change to rules or grants
func (m *MultiLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) error {
	return m.Log(ctx, adminEvent(ctx, eventType, actorID, projectID, resourceUID, message))
}

// Wait blocks until every queued event has been written.
func (m *MultiLogger) Wait() {
	m.pending.Wait()
}

// Dropped is the number of events discarded because a queue was full.
func (m *MultiLogger) Dropped() int64 {
	return m.dropped.Load()
}

// Close drains the queues and closes all loggers. Log fails afterwards.
func (m *MultiLogger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, s := range m.sinks {
		close(s.queue)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range m.sinks {
		<-s.done
		if err := s.logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}
