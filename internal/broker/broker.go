// Package broker provides the cluster-wide publish/subscribe bus that fans
// agent-originated changes out to client subscribers and carries control
// messages between agent sessions on different server replicas.
//
// Two primitives:
//
//   - Channel: a server-unique subscriber endpoint. The creator is the only
//     reader; each delivered message is consumed exactly once.
//   - Group: a logical fan-out address. Publishing to a group delivers one
//     copy to every channel that has joined it.
//
// Delivery is at-most-once and best effort: a subscriber whose buffer is
// full loses that message, never the whole group. Nothing is durable:
// messages not delivered before a subscriber disconnects are gone.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by Receive.
var (
	// ErrTimeout is returned when no message arrives within the deadline.
	ErrTimeout = errors.New("broker: receive timed out")

	// ErrClosed is returned when the channel has been closed and drained.
	ErrClosed = errors.New("broker: channel closed")
)

// Broker is the pub/sub contract. Implementations must be safe for
// concurrent use; Join and Leave are idempotent.
//
// Receive may only be called on channels created by the same Broker
// instance: a channel belongs to the process that allocated it.
type Broker interface {
	// NewChannel allocates a fresh server-unique channel and starts
	// buffering messages for it.
	NewChannel(ctx context.Context) (string, error)

	// CloseChannel tears down a channel, leaving any groups it joined.
	// Closing an unknown channel is a no-op.
	CloseChannel(ctx context.Context, channel string) error

	// Join adds channel to group. Joining twice is a no-op.
	Join(ctx context.Context, group, channel string) error

	// Leave removes channel from group. Leaving a group the channel never
	// joined is a no-op.
	Leave(ctx context.Context, group, channel string) error

	// Publish delivers msg to every member of group. Slow subscribers are
	// skipped; the return value does not report drops.
	Publish(ctx context.Context, group string, msg []byte) error

	// Send delivers msg directly to one channel.
	Send(ctx context.Context, channel string, msg []byte) error

	// Receive blocks until a message arrives on channel, the timeout
	// elapses (ErrTimeout), the channel is closed (ErrClosed), or ctx is
	// cancelled.
	Receive(ctx context.Context, channel string, timeout time.Duration) ([]byte, error)
}

// subscriberBuffer is the per-channel buffer capacity. A subscriber that
// falls this many messages behind starts losing messages.
const subscriberBuffer = 32

// opTimeout bounds every backend round trip so a misbehaving bus cannot
// stall a session indefinitely.
const opTimeout = 3 * time.Second

// ClientGroup returns the fan-out group carrying client.* events to every
// streaming client of one user.
func ClientGroup(userID int64) string {
	return fmt.Sprintf("user_%d_clients", userID)
}

// AgentGroup returns the control group for one agent key. Sessions holding
// that key join it; supersede and force_disconnect messages are published
// to it.
func AgentGroup(key uuid.UUID) string {
	return "agent_" + key.String()
}

// newChannelID returns a server-unique channel identifier.
func newChannelID() string {
	return "ch_" + uuid.NewString()
}
