package session

import (
	"bytes"
	"context"
	"io"
	"net"
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

// fakeTransport feeds scripted frames to the session and records how it was
// closed.
type fakeTransport struct {
	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	once   sync.Once
	code   int
	reason string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-t.frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-t.done:
		return nil, net.ErrClosed
	}
}

func (t *fakeTransport) WriteFrame([]byte) error { return nil }

func (t *fakeTransport) Close(code int, reason string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.code = code
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

func (t *fakeTransport) closeCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.code
}

// peerClose simulates the agent hanging up.
func (t *fakeTransport) peerClose() { close(t.frames) }

func (t *fakeTransport) send(t2 *testing.T, ev events.AgentEvent) {
	t2.Helper()
	frame, err := events.Encode(ev)
	require.NoError(t2, err)
	t.frames <- frame
}

type harness struct {
	store  store.Store
	broker *broker.Memory
	clock  *clockwork.FakeClock
	agent  *db.Agent
}

func newHarness(t *testing.T, graceSeconds int) *harness {
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

	clock := clockwork.NewFakeClock()
	s := store.New(gdb, clock, logger)
	ctx := context.Background()

	reg, err := s.CreateRegistration(ctx, time.Minute)
	require.NoError(t, err)
	agent, err := s.ClaimRegistration(ctx, reg.Code, 7, graceSeconds)
	require.NoError(t, err)
	agent, err = s.FinalizeRegistration(ctx, agent.Key, "198.51.100.7")
	require.NoError(t, err)

	return &harness{
		store:  s,
		broker: broker.NewMemory(logger),
		clock:  clock,
		agent:  agent,
	}
}

// start runs a session over transport and returns a channel that closes
// when Run returns.
func (h *harness) start(t *testing.T, transport Transport, remoteIP string) chan struct{} {
	t.Helper()
	sess := New(Config{
		Store:     h.store,
		Broker:    h.broker,
		Clock:     h.clock,
		Logger:    zaptest.NewLogger(t),
		Agent:     h.agent,
		Transport: transport,
		RemoteIP:  remoteIP,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, sess.Run(context.Background()))
	}()
	return done
}

func (h *harness) reload(t *testing.T) *db.Agent {
	t.Helper()
	agent, err := h.store.GetAgent(context.Background(), h.agent.ID)
	require.NoError(t, err)
	return agent
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionReadyHandshake(t *testing.T) {
	h := newHarness(t, 0)
	transport := newFakeTransport()
	done := h.start(t, transport, "203.0.113.9")

	transport.send(t, events.AgentReady{Services: []events.AgentService{
		{ID: "backup", Name: "Backup"},
		{ID: "cron", Name: "Cron"},
	}})

	require.Eventually(t, func() bool {
		return h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	agent := h.reload(t)
	assert.Nil(t, agent.LastSeen)
	assert.Len(t, agent.Services, 2)
	require.NotNil(t, agent.IPAddress)
	assert.Equal(t, "203.0.113.9", *agent.IPAddress)

	// Peer close with no grace period goes offline immediately.
	transport.peerClose()
	waitDone(t, done)

	agent = h.reload(t)
	assert.False(t, agent.IsOnline)
	require.NotNil(t, agent.LastSeen)
}

func TestSessionBadFramesAreNonFatal(t *testing.T) {
	h := newHarness(t, 0)
	transport := newFakeTransport()
	done := h.start(t, transport, "")

	transport.send(t, events.AgentReady{Services: []events.AgentService{{ID: "backup", Name: "Backup"}}})
	transport.frames <- []byte("{not json")
	transport.frames <- []byte(`{"type":"agent.nope","data":{}}`)
	transport.send(t, events.AgentServiceStatusUpdate{
		ServiceID: "backup",
		Status:    events.StatusOK,
		Message:   "done",
		Timestamp: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		agent := h.reload(t)
		return len(agent.Services) == 1 && agent.Services[0].LastStatus == db.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	transport.peerClose()
	waitDone(t, done)
}

func TestSessionSupersedeHandover(t *testing.T) {
	h := newHarness(t, 0)

	first := newFakeTransport()
	firstDone := h.start(t, first, "")
	first.send(t, events.AgentReady{Services: []events.AgentService{}})
	require.Eventually(t, func() bool {
		return h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	// A reconnect arrives: the new session announces itself before joining
	// and the old session must stand down without touching liveness.
	second := newFakeTransport()
	secondDone := h.start(t, second, "")
	second.send(t, events.AgentReady{Services: []events.AgentService{}})

	waitDone(t, firstDone)
	assert.Equal(t, CodeSuperseded, first.closeCode())

	agent := h.reload(t)
	assert.True(t, agent.IsOnline)
	assert.Nil(t, agent.LastSeen)

	second.peerClose()
	waitDone(t, secondDone)
	assert.False(t, h.reload(t).IsOnline)
}

func TestSessionForceDisconnect(t *testing.T) {
	h := newHarness(t, 0)
	transport := newFakeTransport()
	done := h.start(t, transport, "")

	transport.send(t, events.AgentReady{Services: []events.AgentService{}})
	require.Eventually(t, func() bool {
		return h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	frame := broker.EncodeControl(broker.ControlMessage{Type: broker.ControlForceDisconnect})
	require.NoError(t, h.broker.Publish(context.Background(), broker.AgentGroup(h.agent.Key), frame))

	waitDone(t, done)
	assert.Equal(t, CodeUnregistered, transport.closeCode())

	// The session leaves liveness untouched; the unregister flow owns it.
	agent := h.reload(t)
	assert.Nil(t, agent.LastSeen)
}

func TestSessionGracePeriodDebounce(t *testing.T) {
	h := newHarness(t, 120)
	transport := newFakeTransport()
	done := h.start(t, transport, "")

	transport.send(t, events.AgentReady{Services: []events.AgentService{}})
	require.Eventually(t, func() bool {
		return h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	transport.peerClose()
	waitDone(t, done)

	// Drained but within grace: LastSeen stamped, still online for users.
	agent := h.reload(t)
	assert.True(t, agent.IsOnline)
	require.NotNil(t, agent.LastSeen)

	h.clock.BlockUntil(1)
	h.clock.Advance(121 * time.Second)

	require.Eventually(t, func() bool {
		return !h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionGraceReconnectKeepsAgentOnline(t *testing.T) {
	h := newHarness(t, 120)

	first := newFakeTransport()
	firstDone := h.start(t, first, "")
	first.send(t, events.AgentReady{Services: []events.AgentService{}})
	require.Eventually(t, func() bool {
		return h.reload(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)

	first.peerClose()
	waitDone(t, firstDone)
	h.clock.BlockUntil(1)

	// Reconnect within the grace window clears LastSeen again.
	second := newFakeTransport()
	secondDone := h.start(t, second, "")
	second.send(t, events.AgentReady{Services: []events.AgentService{}})
	require.Eventually(t, func() bool {
		return h.reload(t).LastSeen == nil
	}, 2*time.Second, 10*time.Millisecond)

	h.clock.Advance(121 * time.Second)

	// The expired grace timer finds a live session and stands down.
	time.Sleep(100 * time.Millisecond)
	agent := h.reload(t)
	assert.True(t, agent.IsOnline)
	assert.Nil(t, agent.LastSeen)

	second.peerClose()
	waitDone(t, secondDone)
}
