package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
	closed bool
}

func (m *mockLogger) Log(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockLogger) LogDecision(ctx context.Context, decision Decision) error {
	return m.Log(ctx, decision.Event())
}

func (m *mockLogger) LogAdminAction(ctx context.Context, eventType EventType, actorID *int64, projectID *int64, resourceUID string, message string) error {
	return m.Log(ctx, adminEvent(ctx, eventType, actorID, projectID, resourceUID, message))
}

func (m *mockLogger) Close() error {
	m.closed = true
	return nil
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newEvent() *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeAccessDecision,
		Status:    EventStatusAllowed,
		Metadata:  make(map[string]interface{}),
	}
}

func TestMultiLogger_Log_Sync(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multiLogger := NewMultiLogger(logger1, logger2)
	multiLogger.SetAsync(false)

	require.NoError(t, multiLogger.Log(context.Background(), newEvent()))
	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
}

func TestMultiLogger_Log_SyncJoinsErrors(t *testing.T) {
	failing := &mockLogger{err: errors.New("disk full")}
	healthy := &mockLogger{}

	multiLogger := NewMultiLogger(failing, healthy)
	multiLogger.SetAsync(false)

	err := multiLogger.Log(context.Background(), newEvent())
	assert.ErrorContains(t, err, "disk full")
	// the healthy logger still got the event
	assert.Equal(t, 1, healthy.count())
}

func TestMultiLogger_Log_Async(t *testing.T) {
	failing := &mockLogger{err: errors.New("db down")}
	healthy := &mockLogger{}

	var mu sync.Mutex
	var reported []error

	multiLogger := NewMultiLogger(failing, healthy)
	multiLogger.OnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, multiLogger.LogDecision(ctx, Decision{Verdict: "DENY"}))
	cancel()

	multiLogger.Wait()

	assert.Equal(t, 1, healthy.count())
	mu.Lock()
	assert.Len(t, reported, 1)
	mu.Unlock()
	assert.Zero(t, multiLogger.Dropped())
}

// blockingLogger holds every write until release is closed.
type blockingLogger struct {
	mockLogger
	started chan struct{}
	release chan struct{}
}

func (b *blockingLogger) Log(ctx context.Context, event *AuditEvent) error {
	b.started <- struct{}{}
	<-b.release
	return b.mockLogger.Log(ctx, event)
}

func TestMultiLogger_QueueFull(t *testing.T) {
	slow := &blockingLogger{started: make(chan struct{}, 4), release: make(chan struct{})}

	var reported []error
	multiLogger := newMultiLogger(1, slow)
	multiLogger.OnError(func(err error) { reported = append(reported, err) })

	ctx := context.Background()
	require.NoError(t, multiLogger.Log(ctx, newEvent()))
	<-slow.started
	require.NoError(t, multiLogger.Log(ctx, newEvent()), "queued behind the first")
	require.NoError(t, multiLogger.Log(ctx, newEvent()), "dropped, not an error for the caller")

	assert.Equal(t, int64(1), multiLogger.Dropped())
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrQueueFull)

	close(slow.release)
	require.NoError(t, multiLogger.Close())
	assert.Equal(t, 2, slow.count())
}

func TestMultiLogger_LogAfterClose(t *testing.T) {
	multiLogger := NewMultiLogger(&mockLogger{})
	require.NoError(t, multiLogger.Close())
	assert.ErrorIs(t, multiLogger.Log(context.Background(), newEvent()), errAuditClosed)
	assert.NoError(t, multiLogger.Close(), "closing twice is harmless")
}

func TestMultiLogger_Empty(t *testing.T) {
	multiLogger := NewMultiLogger()
	assert.NoError(t, multiLogger.Log(context.Background(), newEvent()))
	assert.NoError(t, multiLogger.Close())
}

func TestMultiLogger_Close(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{}

	multiLogger := NewMultiLogger(logger1, logger2)
	require.NoError(t, multiLogger.Close())
	assert.True(t, logger1.closed)
	assert.True(t, logger2.closed)
}
