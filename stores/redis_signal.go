package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/sentinel"
)

// RedisSignal distributes policy-change notifications across replicas via
// Redis pub/sub. The installer publishes after each swap; registries
// subscribed on other processes refresh immediately instead of waiting for
// the interval.
type RedisSignal struct {
	client  *redis.Client
	channel string
}

func NewRedisSignal(client *redis.Client) *RedisSignal {
	return &RedisSignal{client: client, channel: "sentinel:policy-changes"}
}

func (s *RedisSignal) NotifyPolicyChange(ctx context.Context, resourceType string) error {
	return s.client.Publish(ctx, s.channel, resourceType).Err()
}

func (s *RedisSignal) SubscribePolicyChanges(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					// a slow registry still refreshes on the next signal
				}
			}
		}
	}()
	return out, nil
}

// RedisMembershipCache is a read-through cache in front of the membership
// store, keyed per subject and tenant with a bounded TTL.
type RedisMembershipCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisMembershipCache(client *redis.Client, ttl time.Duration) *RedisMembershipCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisMembershipCache{client: client, ttl: ttl, prefix: "sentinel:membership:"}
}

func (c *RedisMembershipCache) key(subjectID, tenantID string) string {
	return c.prefix + tenantID + ":" + subjectID
}

func (c *RedisMembershipCache) GetMembership(ctx context.Context, subjectID, tenantID string) (*sentinel.Membership, bool) {
	data, err := c.client.Get(ctx, c.key(subjectID, tenantID)).Bytes()
	if err != nil {
		return nil, false
	}
	m := &sentinel.Membership{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, false
	}
	return m, true
}

func (c *RedisMembershipCache) PutMembership(ctx context.Context, m *sentinel.Membership) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	// cache failures only cost a store round trip on the next request
	_ = c.client.Set(ctx, c.key(m.SubjectID, m.TenantID), data, c.ttl).Err()
}
