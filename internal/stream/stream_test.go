package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// recordWriter collects written records and can be told to start failing,
// simulating a subscriber that went away.
type recordWriter struct {
	mu       sync.Mutex
	events   [][]byte
	comments []string
	fail     bool

	wrote chan struct{}
}

func newRecordWriter() *recordWriter {
	return &recordWriter{wrote: make(chan struct{}, 64)}
}

func (w *recordWriter) WriteEvent(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("client gone")
	}
	w.events = append(w.events, data)
	w.wrote <- struct{}{}
	return nil
}

func (w *recordWriter) WriteComment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("client gone")
	}
	w.comments = append(w.comments, text)
	w.wrote <- struct{}{}
	return nil
}

func (w *recordWriter) failNext() {
	w.mu.Lock()
	w.fail = true
	w.mu.Unlock()
}

func (w *recordWriter) waitWrite(t *testing.T) {
	t.Helper()
	select {
	case <-w.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream write")
	}
}

func (w *recordWriter) eventCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func (w *recordWriter) event(i int) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events[i]
}

func (w *recordWriter) commentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.comments)
}

func newStreamStore(t *testing.T) store.Store {
	t.Helper()
	require.NoError(t, db.InitEncryption(bytes.Repeat([]byte("k"), 32)))
	logger := zaptest.NewLogger(t)
	gdb, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return store.New(gdb, clockwork.NewRealClock(), logger)
}

func seedAgent(t *testing.T, s store.Store, userID int64) *db.Agent {
	t.Helper()
	ctx := context.Background()
	reg, err := s.CreateRegistration(ctx, time.Minute)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.Code, userID, 0)
	require.NoError(t, err)
	agent, err = s.FinalizeRegistration(ctx, agent.Key, "198.51.100.7")
	require.NoError(t, err)
	require.NoError(t, s.AddService(ctx, agent.ID, db.Service{AgentServiceID: "backup", Name: "Backup"}))
	return agent
}

func startStream(t *testing.T, s store.Store, b *broker.Memory, userID int64, w FrameWriter, heartbeat time.Duration) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, New(Config{
			Store:     s,
			Broker:    b,
			Logger:    zaptest.NewLogger(t),
			UserID:    userID,
			Writer:    w,
			Heartbeat: heartbeat,
		}).Run(ctx))
	}()
	return cancel, done
}

func stopStream(t *testing.T, cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamSnapshotThenDeltas(t *testing.T) {
	s := newStreamStore(t)
	b := broker.NewMemory(zaptest.NewLogger(t))
	agent := seedAgent(t, s, 7)
	w := newRecordWriter()

	cancel, done := startStream(t, s, b, 7, w, time.Minute)
	w.waitWrite(t)

	ev, err := events.DecodeClientEvent(w.event(0))
	require.NoError(t, err)
	snapshot, ok := ev.(events.ClientInitialStatus)
	require.True(t, ok)
	require.Len(t, snapshot.Agents, 1)
	assert.Equal(t, agent.ID.String(), snapshot.Agents[0].ID)
	require.Len(t, snapshot.Agents[0].Services, 1)
	assert.Equal(t, "backup", snapshot.Agents[0].Services[0].ID)

	// A delta published to the user's group is relayed in order.
	delta, err := events.Encode(events.ClientServiceStatusUpdate{
		AgentID:   agent.ID.String(),
		ServiceID: "backup",
		Status:    events.StatusOK,
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), broker.ClientGroup(7), delta))
	w.waitWrite(t)

	ev, err = events.DecodeClientEvent(w.event(1))
	require.NoError(t, err)
	update, ok := ev.(events.ClientServiceStatusUpdate)
	require.True(t, ok)
	assert.Equal(t, "backup", update.ServiceID)

	stopStream(t, cancel, done)
}

func TestStreamHeartbeatWhenQuiet(t *testing.T) {
	s := newStreamStore(t)
	b := broker.NewMemory(zaptest.NewLogger(t))
	w := newRecordWriter()

	cancel, done := startStream(t, s, b, 7, w, 30*time.Millisecond)
	w.waitWrite(t) // snapshot
	w.waitWrite(t) // first heartbeat
	require.Eventually(t, func() bool {
		return w.commentCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stopStream(t, cancel, done)
}

func TestStreamSkipsInvalidMessages(t *testing.T) {
	s := newStreamStore(t)
	b := broker.NewMemory(zaptest.NewLogger(t))
	agent := seedAgent(t, s, 7)
	w := newRecordWriter()

	cancel, done := startStream(t, s, b, 7, w, time.Minute)
	w.waitWrite(t)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, broker.ClientGroup(7), []byte("{broken")))
	// Agent-namespace events must never leak to clients.
	agentFrame, err := events.Encode(events.AgentServiceRemoved{ServiceID: "backup"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, broker.ClientGroup(7), agentFrame))

	valid, err := events.Encode(events.ClientServiceRemoved{
		AgentID:   agent.ID.String(),
		ServiceID: "backup",
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, broker.ClientGroup(7), valid))
	w.waitWrite(t)

	require.Equal(t, 2, w.eventCount())
	ev, err := events.DecodeClientEvent(w.event(1))
	require.NoError(t, err)
	_, ok := ev.(events.ClientServiceRemoved)
	assert.True(t, ok)

	stopStream(t, cancel, done)
}

func TestStreamEndsWhenWriterFails(t *testing.T) {
	s := newStreamStore(t)
	b := broker.NewMemory(zaptest.NewLogger(t))
	w := newRecordWriter()

	cancel, done := startStream(t, s, b, 7, w, time.Minute)
	defer cancel()
	w.waitWrite(t)

	w.failNext()
	frame, err := events.Encode(events.ClientServiceRemoved{AgentID: "a", ServiceID: "s"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), broker.ClientGroup(7), frame))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept running after the writer failed")
	}
}

func TestStreamIsolatesUsers(t *testing.T) {
	s := newStreamStore(t)
	b := broker.NewMemory(zaptest.NewLogger(t))
	w := newRecordWriter()

	cancel, done := startStream(t, s, b, 7, w, time.Minute)
	w.waitWrite(t)

	other, err := events.Encode(events.ClientServiceRemoved{AgentID: "a", ServiceID: "s"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), broker.ClientGroup(8), other))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, w.eventCount())

	stopStream(t, cancel, done)
}
