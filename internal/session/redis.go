package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"stridenotes/services/activitycache/internal/store"
)

// RedisCache keeps session-scoped activity copies in Redis. A TTL of zero
// means entries live until cleared or evicted by Redis itself.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, id int64) (*store.Activity, bool) {
	payload, err := c.client.Get(ctx, activityKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("session cache read failed id=%d err=%v", id, err)
		}
		return nil, false
	}

	activity := store.Activity{}
	if err := json.Unmarshal(payload, &activity); err != nil {
		log.Printf("session cache entry corrupt id=%d err=%v", id, err)
		return nil, false
	}
	return &activity, true
}

func (c *RedisCache) Put(ctx context.Context, activity *store.Activity) {
	if activity == nil {
		return
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		log.Printf("session cache encode failed id=%d err=%v", activity.ID, err)
		return
	}
	if err := c.client.Set(ctx, activityKey(activity.ID), payload, c.ttl).Err(); err != nil {
		log.Printf("session cache write failed id=%d err=%v", activity.ID, err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func activityKey(id int64) string {
	return fmt.Sprintf("activity:%d", id)
}
