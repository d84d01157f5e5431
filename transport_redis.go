package gatherly

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport carries frames over Redis pub/sub. Each tenant has a
// downstream channel "<prefix>:<tenant>:down" that the client subscribes to
// and an upstream channel "<prefix>:<tenant>:up" it publishes to. Redis has
// no per-token handshake, so auth rejection only arrives as a close frame
// from the server side.
type RedisTransport struct {
	Client *redis.Client
	Prefix string
}

// NewRedisTransport wraps an existing client.
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = "gatherly"
	}
	return &RedisTransport{Client: client, Prefix: prefix}
}

func (t *RedisTransport) channels(tenant string) (down, up string) {
	return fmt.Sprintf("%s:%s:down", t.Prefix, tenant), fmt.Sprintf("%s:%s:up", t.Prefix, tenant)
}

// Dial implements Transport. It returns once the subscription is confirmed.
func (t *RedisTransport) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	down, up := t.channels(creds.TenantID)
	ps := t.Client.Subscribe(ctx, down)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", down, err)
	}
	return &redisConn{
		client: t.Client,
		ps:     ps,
		msgs:   ps.Channel(),
		up:     up,
		done:   make(chan struct{}),
	}, nil
}

type redisConn struct {
	client *redis.Client
	ps     *redis.PubSub
	msgs   <-chan *redis.Message
	up     string

	closeOnce sync.Once
	done      chan struct{}
	closeErr  *CloseError
}

func (c *redisConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeErr
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, &CloseError{Code: CloseGoingAway, Reason: "subscription closed"}
		}
		return []byte(msg.Payload), nil
	}
}

func (c *redisConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return c.closeErr
	default:
	}
	if err := c.client.Publish(ctx, c.up, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", c.up, err)
	}
	return nil
}

func (c *redisConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeErr = &CloseError{Code: code, Reason: reason}
		close(c.done)
		err = c.ps.Close()
	})
	return err
}
