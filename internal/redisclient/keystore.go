package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"insight-service/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	notificationKeyPrefix = "notification:"
	reserveAttempts       = 3
)

// KeyStore keeps each unread notification in Redis under its deduplication
// key so that suppression and the suppressing notification survive restarts
type KeyStore struct {
	client *Client
	ttl    time.Duration
}

// NewKeyStore creates a Redis-backed key store. A zero ttl keeps keys until
// they are released.
func NewKeyStore(client *Client, ttl time.Duration) *KeyStore {
	return &KeyStore{client: client, ttl: ttl}
}

// Reserve stores n under key with SETNX. If the key is taken it returns the
// stored notification and false.
func (ks *KeyStore) Reserve(ctx context.Context, key string, n models.Notification) (models.Notification, bool, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return models.Notification{}, false, fmt.Errorf("failed to marshal notification: %w", err)
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		ok, err := ks.client.rdb.SetNX(ctx, notificationKeyPrefix+key, payload, ks.ttl).Result()
		if err != nil {
			return models.Notification{}, false, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return n, true, nil
		}

		raw, err := ks.client.rdb.Get(ctx, notificationKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// released between SETNX and GET
			continue
		}
		if err != nil {
			return models.Notification{}, false, fmt.Errorf("redis get failed: %w", err)
		}

		var holder models.Notification
		if err := json.Unmarshal(raw, &holder); err != nil {
			return models.Notification{}, false, fmt.Errorf("stored notification under %s is malformed: %w", key, err)
		}
		return holder, false, nil
	}
	return models.Notification{}, false, fmt.Errorf("notification key %s kept changing", key)
}

// Release frees key
func (ks *KeyStore) Release(ctx context.Context, key string) error {
	if err := ks.client.rdb.Del(ctx, notificationKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
