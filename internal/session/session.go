// Package session implements the server side of one agent connection: the
// supersede handshake, the receive loop, and the grace-period drain that
// debounces flapping agents. It is transport-agnostic; the WebSocket layer
// plugs in through the Transport interface.
package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/broker"
	"github.com/fleetglass/fleetglass/internal/db"
	"github.com/fleetglass/fleetglass/internal/events"
	"github.com/fleetglass/fleetglass/internal/store"
)

// Close codes on the agent transport.
const (
	// CodeSuperseded tells an old session a newer one took over its key.
	CodeSuperseded = 4000

	// CodeInvalidKey rejects a connect with a missing, malformed, or
	// unknown agent key.
	CodeInvalidKey = 4001

	// CodeUnregistered tears down a session whose agent was unregistered
	// server-side.
	CodeUnregistered = 4002
)

// Transport is the minimal capability set a session needs from its
// connection. ReadFrame blocks until a frame, a peer close, or a transport
// error; WriteFrame and Close must be safe to call from another goroutine
// than the reader.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// Config carries the session's collaborators.
type Config struct {
	Store     store.Store
	Broker    broker.Broker
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Agent     *db.Agent
	Transport Transport

	// RemoteIP is the peer address, already unwrapped from any proxy
	// headers by the HTTP layer.
	RemoteIP string

	// OnEvent, when set, observes every successfully dispatched event
	// type. Used for metrics.
	OnEvent func(eventType string)
}

// Session is one live agent connection. Create with New, drive with Run;
// Run owns the whole lifecycle including the drain.
type Session struct {
	store     store.Store
	broker    broker.Broker
	clock     clockwork.Clock
	logger    *zap.Logger
	agent     *db.Agent
	transport Transport
	remoteIP  string

	dispatcher *Dispatcher
	channel    string
	onEvent    func(string)

	superseded  atomic.Bool
	forceClosed atomic.Bool
}

// New builds a session for an already authenticated agent.
func New(cfg Config) *Session {
	logger := cfg.Logger.Named("session").With(
		zap.String("agent_id", cfg.Agent.ID.String()),
		zap.String("agent_name", cfg.Agent.Name))
	return &Session{
		store:      cfg.Store,
		broker:     cfg.Broker,
		clock:      cfg.Clock,
		logger:     logger,
		agent:      cfg.Agent,
		transport:  cfg.Transport,
		remoteIP:   cfg.RemoteIP,
		dispatcher: NewDispatcher(cfg.Store, logger),
		onEvent:    cfg.OnEvent,
	}
}

// controlReceiveWait is how long each control poll blocks before checking
// for cancellation again.
const controlReceiveWait = 30 * time.Second

// Run drives the session until the transport dies or the server closes it.
// The returned error reports abnormal broker failures only; a normal agent
// disconnect returns nil.
func (s *Session) Run(ctx context.Context) error {
	group := broker.AgentGroup(s.agent.Key)

	channel, err := s.broker.NewChannel(ctx)
	if err != nil {
		return err
	}
	s.channel = channel

	// Supersede before joining: every session already in the group sees
	// the announcement, and the announcement can never loop back to us.
	supersede := broker.EncodeControl(broker.ControlMessage{
		Type:       broker.ControlSupersede,
		NewChannel: channel,
	})
	if err := s.broker.Publish(ctx, group, supersede); err != nil {
		_ = s.broker.CloseChannel(ctx, channel)
		return err
	}
	if err := s.broker.Join(ctx, group, channel); err != nil {
		_ = s.broker.CloseChannel(ctx, channel)
		return err
	}

	if s.remoteIP != "" {
		if err := s.store.UpdateAgentIP(ctx, s.agent.ID, s.remoteIP); err != nil {
			s.logger.Warn("updating agent ip", zap.Error(err))
		}
	}

	controlCtx, cancelControl := context.WithCancel(ctx)
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		s.controlLoop(controlCtx, channel)
	}()

	s.logger.Info("agent session active", zap.String("channel", channel))
	s.readLoop(ctx)

	cancelControl()
	<-controlDone
	s.drain(group, channel)
	return nil
}

// controlLoop watches the agent group for supersede and force_disconnect
// messages and closes the transport accordingly. The read loop then exits
// with a transport error and Run drains.
func (s *Session) controlLoop(ctx context.Context, channel string) {
	for {
		frame, err := s.broker.Receive(ctx, channel, controlReceiveWait)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrTimeout):
			continue
		default:
			return
		}

		msg, err := broker.DecodeControl(frame)
		if err != nil {
			s.logger.Warn("malformed control message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case broker.ControlSupersede:
			if msg.NewChannel == channel {
				continue
			}
			s.superseded.Store(true)
			s.logger.Info("session superseded", zap.String("new_channel", msg.NewChannel))
			_ = s.transport.Close(CodeSuperseded, "superseded by new session")
			return

		case broker.ControlForceDisconnect:
			s.forceClosed.Store(true)
			s.logger.Info("session force disconnected")
			_ = s.transport.Close(CodeUnregistered, "agent unregistered")
			return

		default:
			s.logger.Warn("unknown control message", zap.String("type", msg.Type))
		}
	}
}

// readLoop consumes agent frames until the transport errors or closes. Bad
// frames are logged and skipped; only the transport ends the loop.
func (s *Session) readLoop(ctx context.Context) {
	for {
		frame, err := s.transport.ReadFrame()
		if err != nil {
			s.logger.Info("agent transport closed", zap.Error(err))
			return
		}

		ev, err := events.DecodeAgentEvent(frame)
		if err != nil {
			s.logger.Warn("dropping bad agent frame", zap.Error(err))
			continue
		}
		if err := s.dispatcher.Dispatch(ctx, s.agent, ev); err != nil {
			s.logger.Error("dispatching agent event",
				zap.String("type", ev.EventType()),
				zap.Error(err))
			continue
		}
		if s.onEvent != nil {
			s.onEvent(ev.EventType())
		}
	}
}

// drain leaves the group and settles liveness state. Superseded and
// force-closed sessions leave persistent state alone: the successor (or the
// unregister itself) already owns it.
func (s *Session) drain(group, channel string) {
	// The session's request context is gone by now; state writes and the
	// grace timer must not die with it.
	ctx := context.Background()

	_ = s.broker.Leave(ctx, group, channel)
	_ = s.broker.CloseChannel(ctx, channel)

	if s.superseded.Load() || s.forceClosed.Load() {
		return
	}

	agent, err := s.store.GetAgent(ctx, s.agent.ID)
	if err != nil {
		s.logger.Error("reloading agent on drain", zap.Error(err))
		return
	}
	if agent.LastSeen != nil {
		// Some other session already owned liveness; nothing to settle.
		return
	}

	if err := s.store.TouchLastSeen(ctx, agent.ID); err != nil {
		s.logger.Error("stamping last seen on drain", zap.Error(err))
		return
	}

	if agent.GracePeriod == 0 {
		if err := s.store.MarkDisconnected(ctx, agent.ID); err != nil {
			s.logger.Error("marking agent disconnected", zap.Error(err))
		}
		return
	}

	s.logger.Info("grace period armed", zap.Duration("grace", agent.GraceDuration()))
	go s.graceCheck(agent.ID, agent.GraceDuration())
}

// graceCheck runs detached at the grace deadline. A reconnect within the
// window cleared LastSeen again via MarkConnected, in which case the agent
// stays online and nothing is broadcast.
func (s *Session) graceCheck(agentID uuid.UUID, grace time.Duration) {
	<-s.clock.After(grace)

	ctx := context.Background()
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.logger.Error("reloading agent at grace deadline", zap.Error(err))
		return
	}
	if agent.LastSeen == nil {
		s.logger.Info("agent reconnected within grace period")
		return
	}
	if err := s.store.MarkDisconnected(ctx, agentID); err != nil {
		s.logger.Error("marking agent disconnected after grace period", zap.Error(err))
		return
	}
	s.logger.Info("agent offline after grace period")
}
