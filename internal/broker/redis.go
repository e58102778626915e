package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelTopicPrefix = "fleetglass:chan:"
	groupKeyPrefix     = "fleetglass:group:"

	// groupTTL bounds how long a group set outlives its last writer. Every
	// Join refreshes it, so only sets orphaned by a crashed replica expire.
	groupTTL = 24 * time.Hour
)

// Redis is the multi-replica Broker. Group membership lives in Redis sets
// keyed by group name; each channel is a Redis pub/sub topic that only the
// owning replica subscribes to. Publish resolves the member set and issues
// one PUBLISH per member, so a message crosses the wire once per subscriber
// regardless of which replica hosts it.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*redisSub

	onDrop func(group string)
}

// redisSub is the local half of one channel: the Redis subscription plus the
// buffered delivery queue its pump goroutine fills.
type redisSub struct {
	pubsub *redis.PubSub
	queue  chan []byte
	cancel context.CancelFunc
}

var _ Broker = (*Redis)(nil)

// NewRedis returns a broker backed by the given client. The client is not
// closed by the broker; the caller owns its lifecycle.
func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		logger: logger.Named("broker"),
		subs:   make(map[string]*redisSub),
	}
}

// SetDropHook installs a callback invoked once per dropped message. Must be
// called before the broker is shared between goroutines.
func (r *Redis) SetDropHook(fn func(group string)) {
	r.onDrop = fn
}

func (r *Redis) NewChannel(ctx context.Context) (string, error) {
	id := newChannelID()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pubsub := r.rdb.Subscribe(opCtx, channelTopicPrefix+id)
	// Force the SUBSCRIBE round trip so a dead backend fails here, not on
	// the first Receive.
	if _, err := pubsub.Receive(opCtx); err != nil {
		_ = pubsub.Close()
		return "", fmt.Errorf("broker: subscribe %s: %w", id, err)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	sub := &redisSub{
		pubsub: pubsub,
		queue:  make(chan []byte, subscriberBuffer),
		cancel: pumpCancel,
	}

	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()

	go r.pump(pumpCtx, id, sub)
	return id, nil
}

// pump copies messages off the Redis subscription into the local queue,
// dropping when the subscriber is not keeping up.
func (r *Redis) pump(ctx context.Context, id string, sub *redisSub) {
	defer close(sub.queue)

	ch := sub.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case sub.queue <- []byte(msg.Payload):
			default:
				r.logger.Warn("subscriber buffer full, dropping message",
					zap.String("channel", id))
				if r.onDrop != nil {
					r.onDrop("")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Redis) CloseChannel(ctx context.Context, channel string) error {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	if ok {
		delete(r.subs, channel)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		r.logger.Warn("closing subscription", zap.String("channel", channel), zap.Error(err))
	}

	// Membership cleanup is best effort: a leftover member only costs one
	// PUBLISH to a topic nobody subscribes to, and the set TTL reaps it.
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	iter := r.rdb.Scan(opCtx, 0, groupKeyPrefix+"*", 0).Iterator()
	for iter.Next(opCtx) {
		if err := r.rdb.SRem(opCtx, iter.Val(), channel).Err(); err != nil {
			r.logger.Warn("leaving group on close", zap.String("channel", channel), zap.Error(err))
		}
	}
	return nil
}

func (r *Redis) Join(ctx context.Context, group, channel string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := groupKeyPrefix + group
	pipe := r.rdb.Pipeline()
	pipe.SAdd(opCtx, key, channel)
	pipe.Expire(opCtx, key, groupTTL)
	if _, err := pipe.Exec(opCtx); err != nil {
		return fmt.Errorf("broker: join %s: %w", group, err)
	}
	return nil
}

func (r *Redis) Leave(ctx context.Context, group, channel string) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.rdb.SRem(opCtx, groupKeyPrefix+group, channel).Err(); err != nil {
		return fmt.Errorf("broker: leave %s: %w", group, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, group string, msg []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	members, err := r.rdb.SMembers(opCtx, groupKeyPrefix+group).Result()
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", group, err)
	}
	for _, channel := range members {
		if err := r.rdb.Publish(opCtx, channelTopicPrefix+channel, msg).Err(); err != nil {
			r.logger.Warn("publishing to member",
				zap.String("group", group),
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Redis) Send(ctx context.Context, channel string, msg []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := r.rdb.Publish(opCtx, channelTopicPrefix+channel, msg).Err(); err != nil {
		return fmt.Errorf("broker: send %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	r.mu.Unlock()
	if !ok {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, open := <-sub.queue:
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
