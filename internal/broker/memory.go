package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is the in-process Broker used for single-replica deployments and
// tests. All state lives behind one mutex; per-channel delivery happens over
// buffered Go channels so Publish never blocks on a slow subscriber.
type Memory struct {
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]chan []byte
	groups   map[string]map[string]struct{}

	// dropped counts messages lost to full subscriber buffers. Exposed via
	// a hook so the metrics layer can observe without importing it here.
	onDrop func(group string)
}

var _ Broker = (*Memory)(nil)

// NewMemory returns an empty in-process broker.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		logger:   logger.Named("broker"),
		channels: make(map[string]chan []byte),
		groups:   make(map[string]map[string]struct{}),
	}
}

// SetDropHook installs a callback invoked once per dropped message. Must be
// called before the broker is shared between goroutines.
func (m *Memory) SetDropHook(fn func(group string)) {
	m.onDrop = fn
}

func (m *Memory) NewChannel(_ context.Context) (string, error) {
	id := newChannelID()
	m.mu.Lock()
	m.channels[id] = make(chan []byte, subscriberBuffer)
	m.mu.Unlock()
	return id, nil
}

func (m *Memory) CloseChannel(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[channel]
	if !ok {
		return nil
	}
	delete(m.channels, channel)
	for name, members := range m.groups {
		delete(members, channel)
		if len(members) == 0 {
			delete(m.groups, name)
		}
	}
	close(ch)
	return nil
}

func (m *Memory) Join(_ context.Context, group, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.channels[channel]; !ok {
		return ErrClosed
	}
	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]struct{})
		m.groups[group] = members
	}
	members[channel] = struct{}{}
	return nil
}

func (m *Memory) Leave(_ context.Context, group, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.groups[group]
	if !ok {
		return nil
	}
	delete(members, channel)
	if len(members) == 0 {
		delete(m.groups, group)
	}
	return nil
}

func (m *Memory) Publish(_ context.Context, group string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for channel := range m.groups[group] {
		m.deliverLocked(group, channel, msg)
	}
	return nil
}

func (m *Memory) Send(_ context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliverLocked("", channel, msg)
	return nil
}

// deliverLocked pushes msg onto one subscriber buffer, dropping when full.
// Caller holds mu.
func (m *Memory) deliverLocked(group, channel string, msg []byte) {
	ch, ok := m.channels[channel]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		m.logger.Warn("subscriber buffer full, dropping message",
			zap.String("channel", channel),
			zap.String("group", group))
		if m.onDrop != nil {
			m.onDrop(group)
		}
	}
}

func (m *Memory) Receive(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	ch, ok := m.channels[channel]
	m.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, open := <-ch:
		if !open {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
