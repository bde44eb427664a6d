package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) *Client {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		opt = &redis.Options{
			Addr: redisURL,
		}
	}

	client := redis.NewClient(opt)

	return &Client{client}
}

func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.Set(ctx, key, data, expiration).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(data), dest)
}

// MarkPresence writes a short-lived presence key for a user. The TTL
// makes stale presence self-healing if the offline write never lands.
func (c *Client) MarkPresence(ctx context.Context, tenantID, userID string, online bool) error {
	key := fmt.Sprintf("presence:%s:%s", tenantID, userID)
	if !online {
		return c.Del(ctx, key).Err()
	}
	return c.Set(ctx, key, "1", 10*time.Minute).Err()
}

func (c *Client) IsOnline(ctx context.Context, tenantID, userID string) (bool, error) {
	key := fmt.Sprintf("presence:%s:%s", tenantID, userID)
	n, err := c.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
