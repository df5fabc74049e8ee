package hubcache

import (
	"context"
	"encoding/json"

	"github.com/jmgilman/go/errors"
	"github.com/redis/go-redis/v9"
)

// redisPublisher fans page events out to other hubcache instances.
type redisPublisher struct {
	client  *redis.Client
	channel string
}

func newRedisPublisher(addr, password string, db int, channel string) *redisPublisher {
	return &redisPublisher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		channel: channel,
	}
}

func (p *redisPublisher) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode event")
	}
	if err := p.client.Publish(ctx, p.channel, b).Err(); err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "publish to %s", p.channel)
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}
