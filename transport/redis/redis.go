// Package redis provides the production cell.Transport on Redis pub/sub,
// plus a lease-based cell.Locker on SET NX. Inbound packages are JSON
// envelopes carrying a send time, sender id, and raw message payload.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"github.com/zimagi/cell"
)

const (
	defaultLockTTL = 30 * time.Second
	lockPollBase   = 50 * time.Millisecond
	releaseScript  = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	lockKeyPrefix  = "cell:lock:"
	channelPrefix  = "cell:channel:"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLockTTL overrides the lock lease duration.
func WithLockTTL(ttl time.Duration) Option {
	return func(t *Transport) { t.lockTTL = ttl }
}

// WithChannelPrefix overrides the Redis channel namespace prefix.
func WithChannelPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// Transport implements cell.Transport and cell.Locker over one Redis client.
// The client is caller-owned; the caller closes it.
type Transport struct {
	client  *redislib.Client
	prefix  string
	lockTTL time.Duration
	holder  string
}

var _ cell.Transport = (*Transport)(nil)
var _ cell.Locker = (*Transport)(nil)

// New wraps an existing Redis client.
func New(client *redislib.Client, opts ...Option) *Transport {
	t := &Transport{
		client:  client,
		prefix:  channelPrefix,
		lockTTL: defaultLockTTL,
		holder:  uuid.NewString(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Subscribe opens a pub/sub subscription on the namespaced channel.
func (t *Transport) Subscribe(ctx context.Context, channel string) (cell.Subscription, error) {
	pubsub := t.client.Subscribe(ctx, t.prefix+channel)
	// Force the SUBSCRIBE exchange so a bad connection fails here, not on
	// the first poll.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}
	return &subscription{pubsub: pubsub, channel: channel}, nil
}

// Publish sends the payload on the namespaced channel.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, t.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

type subscription struct {
	pubsub  *redislib.PubSub
	channel string
}

// Next blocks up to timeout for one package. A quiet interval returns
// (nil, nil) so the caller can re-check its context and poll again.
func (s *subscription) Next(ctx context.Context, timeout time.Duration) (*cell.Package, error) {
	msg, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: receive on %s: %w", s.channel, err)
	}
	m, ok := msg.(*redislib.Message)
	if !ok {
		// Subscription confirmations and pongs are not packages.
		return nil, nil
	}
	var pkg cell.Package
	if err := json.Unmarshal([]byte(m.Payload), &pkg); err != nil {
		// A bare payload with no envelope still gets delivered; the sensor
		// decides whether it parses.
		pkg = cell.Package{
			Time:    time.Now().UTC(),
			Message: json.RawMessage(m.Payload),
		}
	}
	if pkg.Time.IsZero() {
		pkg.Time = time.Now().UTC()
	}
	return &pkg, nil
}

func (s *subscription) Close() error {
	return s.pubsub.Close()
}

// --- Locker ---

// Lock acquires a cross-process lease via SET NX PX, polling with jitter
// until the key frees up or ctx is done. The returned unlock releases only
// when this holder still owns the lease.
func (t *Transport) Lock(ctx context.Context, name string) (cell.UnlockFunc, error) {
	key := lockKeyPrefix + name
	for {
		ok, err := t.client.SetNX(ctx, key, t.holder, t.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: lock %s: %w", name, err)
		}
		if ok {
			return func() error {
				err := t.client.Eval(context.Background(), releaseScript, []string{key}, t.holder).Err()
				if err != nil && !errors.Is(err, redislib.Nil) {
					return fmt.Errorf("redis: unlock %s: %w", name, err)
				}
				return nil
			}, nil
		}
		wait := lockPollBase + rand.N(lockPollBase)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
