package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisPublisher delivers inbox events over Redis pub/sub. Subscribers
// (the SSE gateway, test consumers) subscribe to inbox/{tenantID}.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return eris.Wrapf(err, "notify: publish to %s", topic)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
