// Package stream implements the per-subscriber client event stream: one
// snapshot followed by live deltas, with heartbeats keeping intermediaries
// from reaping idle connections. The HTTP/SSE framing is supplied by the
// caller through FrameWriter, so the relay logic stays transport-neutral.
package stream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// DefaultHeartbeat is the cadence of keep-alive comments when the
// subscriber's group is quiet.
const DefaultHeartbeat = 30 * time.Second

// FrameWriter writes one stream record at a time. Both methods flush before
// returning so a record is never left sitting in a buffer behind a
// heartbeat.
type FrameWriter interface {
	WriteEvent(data []byte) error
	WriteComment(text string) error
}

// Config carries a stream's collaborators.
type Config struct {
	Store  store.Store
	Broker broker.Broker
	Logger *zap.Logger
	UserID int64
	Writer FrameWriter

	// Heartbeat overrides DefaultHeartbeat when positive.
	Heartbeat time.Duration
}

// Stream relays one user's events to one subscriber.
type Stream struct {
	store     store.Store
	broker    broker.Broker
	logger    *zap.Logger
	userID    int64
	writer    FrameWriter
	heartbeat time.Duration
}

// New builds a stream for an authenticated user.
func New(cfg Config) *Stream {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Stream{
		store:     cfg.Store,
		broker:    cfg.Broker,
		logger:    cfg.Logger.Named("stream").With(zap.Int64("user_id", cfg.UserID)),
		userID:    cfg.UserID,
		writer:    cfg.Writer,
		heartbeat: heartbeat,
	}
}

// Run serves the subscriber until the context is cancelled or the writer
// fails (that is, the client went away). The snapshot is loaded after
// joining the group, so a change landing between the two shows up in the
// snapshot, as a delta, or both, but is never lost.
func (s *Stream) Run(ctx context.Context) error {
	group := broker.ClientGroup(s.userID)

	channel, err := s.broker.NewChannel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		cleanup := context.Background()
		_ = s.broker.Leave(cleanup, group, channel)
		_ = s.broker.CloseChannel(cleanup, channel)
	}()

	if err := s.broker.Join(ctx, group, channel); err != nil {
		return err
	}

	if err := s.sendSnapshot(ctx); err != nil {
		return err
	}

	s.logger.Debug("stream subscribed", zap.String("channel", channel))
	for {
		frame, err := s.broker.Receive(ctx, channel, s.heartbeat)
		switch {
		case err == nil:
			if err := s.relay(frame); err != nil {
				return nil
			}

		case errors.Is(err, broker.ErrTimeout):
			if err := s.writer.WriteComment("heartbeat"); err != nil {
				return nil
			}

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil

		case errors.Is(err, broker.ErrClosed):
			return nil

		default:
			return err
		}
	}
}

// sendSnapshot writes the initial_status record.
func (s *Stream) sendSnapshot(ctx context.Context) error {
	agents, err := s.store.ListUserAgents(ctx, s.userID)
	if err != nil {
		return err
	}

	view := make([]events.ClientAgent, 0, len(agents))
	for i := range agents {
		view = append(view, events.ClientAgentFromModel(&agents[i], agents[i].Services))
	}
	frame, err := events.Encode(events.ClientInitialStatus{Agents: view})
	if err != nil {
		return err
	}
	return s.writer.WriteEvent(frame)
}

// relay validates one broker message against the client schema and writes
// it through. Invalid messages are logged and skipped; a write failure is
// returned so Run can end the stream.
func (s *Stream) relay(frame []byte) error {
	ev, err := events.DecodeClientEvent(frame)
	if err != nil {
		s.logger.Warn("dropping invalid broker message", zap.Error(err))
		return nil
	}
	out, err := events.Encode(ev)
	if err != nil {
		s.logger.Warn("re-encoding client event", zap.String("type", ev.EventType()), zap.Error(err))
		return nil
	}
	return s.writer.WriteEvent(out)
}
