package redisgateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"hash/crc32"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// queueFullReply is the Lua error reply the capacity script returns when
// an RPUSH would overfill the target list.
const queueFullReply = "queue full"

// capacityPush refuses the push when the list is at capacity, otherwise
// pushes and refreshes the list's expiry in one atomic step.
var capacityPush = redis.NewScript(`
if redis.call('llen', KEYS[1]) >= tonumber(ARGV[2]) then
    return redis.error_reply('queue full')
end
redis.call('rpush', KEYS[1], ARGV[1])
redis.call('expire', KEYS[1], ARGV[3])
return redis.call('llen', KEYS[1])
`)

// Backend maps queue keys to Redis connections and runs the gateway's two
// primitive operations against the right one.
type Backend interface {
	// ForKey returns the connection responsible for a queue key. Reply
	// keys (trailing "!") always map to the same connection; ingress
	// keys rotate so load spreads across masters.
	ForKey(key string) redis.Cmdable

	// SendToQueue pushes one payload, enforcing the capacity limit and
	// refreshing the queue expiry.
	SendToQueue(ctx context.Context, key string, payload []byte, queueExpiry time.Duration, capacity int) error

	Close() error
}

// IsQueueFull reports whether an error is the capacity script's refusal.
func IsQueueFull(err error) bool {
	return err != nil && strings.Contains(err.Error(), queueFullReply)
}

// ringSlots is the size of the consistent-hash ring mapping reply keys to
// connections. Must stay stable across releases or in-flight responses
// land on the wrong master.
const ringSlots = 4096

type hashRing struct {
	slots []int
}

func newHashRing(connections int) *hashRing {
	r := &hashRing{slots: make([]int, ringSlots)}
	for i := range r.slots {
		r.slots[i] = i % connections
	}
	return r
}

func (r *hashRing) index(key string) int {
	return r.slots[crc32.ChecksumIEEE([]byte(key))%ringSlots]
}

// standardBackend holds one client per configured address: a single
// standalone server or several independent masters.
type standardBackend struct {
	clients []*redis.Client
	ring    *hashRing
	cursor  atomic.Uint32
}

// NewStandardBackend connects to each configured address.
func NewStandardBackend(s *Settings) (Backend, error) {
	if len(s.Addresses) == 0 {
		return nil, fmt.Errorf("op=redisgateway.NewStandardBackend: no addresses configured")
	}
	b := &standardBackend{ring: newHashRing(len(s.Addresses))}
	for _, addr := range s.Addresses {
		opts := &redis.Options{
			Addr:     addr,
			DB:       s.DB,
			Username: s.Username,
			Password: s.Password,
		}
		if s.EnableTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		b.clients = append(b.clients, redis.NewClient(opts))
	}
	// Random start so many clients do not all favor the first master.
	b.cursor.Store(rand.Uint32())
	return b, nil
}

func (b *standardBackend) ForKey(key string) redis.Cmdable {
	return b.clients[b.indexFor(key)]
}

func (b *standardBackend) indexFor(key string) int {
	if len(b.clients) == 1 {
		return 0
	}
	if strings.HasSuffix(key, "!") {
		return b.ring.index(key)
	}
	return int(b.cursor.Add(1)) % len(b.clients)
}

func (b *standardBackend) SendToQueue(ctx context.Context, key string, payload []byte, queueExpiry time.Duration, capacity int) error {
	return runCapacityPush(ctx, b.ForKey(key), key, payload, queueExpiry, capacity)
}

func (b *standardBackend) Close() error {
	var firstErr error
	for _, c := range b.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sentinelBackend holds one failover client per master service name,
// resolved and re-resolved through the configured Sentinel instances.
type sentinelBackend struct {
	clients         []*redis.Client
	ring            *hashRing
	cursor          atomic.Uint32
	failoverRetries int
	failoverBackoff time.Duration
}

// NewSentinelBackend connects through Sentinel to each configured master
// service name.
func NewSentinelBackend(s *Settings) (Backend, error) {
	if len(s.SentinelServices) == 0 {
		return nil, fmt.Errorf("op=redisgateway.NewSentinelBackend: no sentinel services configured")
	}
	b := &sentinelBackend{
		ring:            newHashRing(len(s.SentinelServices)),
		failoverRetries: s.SentinelFailoverRetries,
		failoverBackoff: 500 * time.Millisecond,
	}
	for _, master := range s.SentinelServices {
		opts := &redis.FailoverOptions{
			MasterName:    master,
			SentinelAddrs: s.Addresses,
			DB:            s.DB,
			Username:      s.Username,
			Password:      s.Password,
		}
		if s.EnableTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		b.clients = append(b.clients, redis.NewFailoverClient(opts))
	}
	b.cursor.Store(rand.Uint32())
	return b, nil
}

func (b *sentinelBackend) ForKey(key string) redis.Cmdable {
	if len(b.clients) == 1 {
		return b.clients[0]
	}
	if strings.HasSuffix(key, "!") {
		return b.clients[b.ring.index(key)]
	}
	return b.clients[int(b.cursor.Add(1))%len(b.clients)]
}

func (b *sentinelBackend) SendToQueue(ctx context.Context, key string, payload []byte, queueExpiry time.Duration, capacity int) error {
	conn := b.ForKey(key)
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(b.failoverBackoff), uint64(b.failoverRetries)), ctx)
	return backoff.Retry(func() error {
		err := runCapacityPush(ctx, conn, key, payload, queueExpiry, capacity)
		if err == nil || IsQueueFull(err) {
			// Queue-full is handled by the send loop's own retry
			// policy, not the failover policy.
			return backoff.Permanent(err)
		}
		if isFailoverError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (b *sentinelBackend) Close() error {
	var firstErr error
	for _, c := range b.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isFailoverError matches the error shapes Redis produces while a
// Sentinel master election is in progress.
func isFailoverError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "READONLY") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "MASTERDOWN") ||
		strings.Contains(msg, "CONNECTION REFUSED")
}

func runCapacityPush(ctx context.Context, conn redis.Cmdable, key string, payload []byte, queueExpiry time.Duration, capacity int) error {
	expirySeconds := int64(queueExpiry / time.Second)
	if expirySeconds < 1 {
		expirySeconds = 1
	}
	return capacityPush.Run(ctx, conn, []string{key}, payload, capacity, expirySeconds).Err()
}

// NewBackend builds the backend named by the settings.
func NewBackend(s *Settings) (Backend, error) {
	switch s.BackendType {
	case BackendSentinel:
		return NewSentinelBackend(s)
	default:
		return NewStandardBackend(s)
	}
}
