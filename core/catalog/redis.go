package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	updateKeyPrefix  = "masher:update:"
	releaseKeyPrefix = "masher:release:"
	updateIndexKey   = "masher:updates"
	releaseIndexKey  = "masher:releases"
	maxTxRetries     = 8
)

// RedisCatalog stores updates and releases as JSON documents in Redis.
// Mutations run under WATCH so concurrent workers never lose writes.
type RedisCatalog struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisCatalog(client redis.UniversalClient) *RedisCatalog {
	return &RedisCatalog{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func updateKey(title string) string { return updateKeyPrefix + title }
func releaseKey(name string) string { return releaseKeyPrefix + name }

func (c *RedisCatalog) PutRelease(ctx context.Context, rel *Release) error {
	if err := validateRelease(rel); err != nil {
		return err
	}
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, releaseKey(rel.Name), data, 0)
	pipe.SAdd(ctx, releaseIndexKey, rel.Name)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCatalog) PutUpdate(ctx context.Context, upd *Update) error {
	if err := validateUpdate(upd); err != nil {
		return err
	}
	data, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, updateKey(upd.Title), data, 0)
	pipe.SAdd(ctx, updateIndexKey, upd.Title)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisCatalog) FindUpdate(ctx context.Context, title string) (*Update, error) {
	data, err := c.client.Get(ctx, updateKey(title)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("update %s: %w", title, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get update %s: %w", title, err)
	}
	var upd Update
	if err := json.Unmarshal(data, &upd); err != nil {
		return nil, fmt.Errorf("decode update %s: %w", title, err)
	}
	return &upd, nil
}

func (c *RedisCatalog) GetRelease(ctx context.Context, name string) (*Release, error) {
	data, err := c.client.Get(ctx, releaseKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("release %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get release %s: %w", name, err)
	}
	var rel Release
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("decode release %s: %w", name, err)
	}
	return &rel, nil
}

// ListUpdates returns every stored update title.
func (c *RedisCatalog) ListUpdates(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, updateIndexKey).Result()
}

func (c *RedisCatalog) SetLocked(ctx context.Context, title string, locked bool) error {
	_, err := c.mutate(ctx, title, func(upd *Update) error {
		upd.Locked = locked
		return nil
	})
	return err
}

func (c *RedisCatalog) ExpireOverride(ctx context.Context, title, nvr string) error {
	_, err := c.mutate(ctx, title, func(upd *Update) error {
		for i := range upd.Builds {
			b := &upd.Builds[i]
			if b.NVR != nvr {
				continue
			}
			if b.Override != nil && !b.Override.Expired() {
				now := c.now()
				b.Override.ExpiredAt = &now
			}
			return nil
		}
		return fmt.Errorf("build %s in %s: %w", nvr, title, ErrNotFound)
	})
	return err
}

func (c *RedisCatalog) CompleteRequest(ctx context.Context, title string) (*Update, error) {
	return c.mutate(ctx, title, func(upd *Update) error {
		completeRequest(upd, c.now())
		return nil
	})
}

// mutate applies fn to the stored update inside an optimistic transaction.
func (c *RedisCatalog) mutate(ctx context.Context, title string, fn func(*Update) error) (*Update, error) {
	key := updateKey(title)
	var result *Update
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update %s: %w", title, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var upd Update
		if err := json.Unmarshal(data, &upd); err != nil {
			return fmt.Errorf("decode update %s: %w", title, err)
		}
		if err := fn(&upd); err != nil {
			return err
		}
		encoded, err := json.Marshal(&upd)
		if err != nil {
			return fmt.Errorf("marshal update: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			result = &upd
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("update %s: too much contention", title)
}
