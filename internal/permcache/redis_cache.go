// Package permcache caches resolved (subject, node, capability) results
// in Redis. Entries are keyed by the role-version counters of the node's
// ancestor chain, so any mutation along the chain invalidates them
// without explicit deletes.
package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type entry struct {
	Allowed      bool   `json:"allowed"`
	ChainVersion string `json:"chain_version"`
}

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewCacheWithClient(client), nil
}

func NewCacheWithClient(client *redis.Client) *Cache {
	return &Cache{client: client, ttl: time.Hour}
}

func (c *Cache) versionKey(nodeID string) string {
	return "ver:" + nodeID
}

func (c *Cache) permKey(subjectID, nodeID, cap string) string {
	return "perm:" + subjectID + ":" + nodeID + ":" + cap
}

// Bump invalidates all cached results whose ancestor chain includes the
// node, by advancing the node's version counter.
func (c *Cache) Bump(ctx context.Context, nodeID string) error {
	if err := c.client.Incr(ctx, c.versionKey(nodeID)).Err(); err != nil {
		return fmt.Errorf("bump node version: %w", err)
	}
	return nil
}

// ChainVersion returns a composite token for the chain from node to
// root. Missing counters read as zero, which is consistent as long as
// every mutation goes through Bump.
func (c *Cache) ChainVersion(ctx context.Context, chainIDs []string) (string, error) {
	if len(chainIDs) == 0 {
		return "0", nil
	}
	keys := make([]string, len(chainIDs))
	for i, id := range chainIDs {
		keys[i] = c.versionKey(id)
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return "", fmt.Errorf("read chain versions: %w", err)
	}
	parts := make([]string, len(values))
	for i, value := range values {
		if value == nil {
			parts[i] = "0"
			continue
		}
		parts[i] = fmt.Sprint(value)
	}
	return strings.Join(parts, "."), nil
}

// Get returns a cached result if present and still keyed by the current
// chain version.
func (c *Cache) Get(ctx context.Context, subjectID, nodeID, cap, chainVersion string) (bool, bool) {
	raw, err := c.client.Get(ctx, c.permKey(subjectID, nodeID, cap)).Result()
	if err != nil {
		return false, false
	}
	var item entry
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return false, false
	}
	if item.ChainVersion != chainVersion {
		return false, false
	}
	return item.Allowed, true
}

func (c *Cache) Set(ctx context.Context, subjectID, nodeID, cap, chainVersion string, allowed bool) {
	raw, err := json.Marshal(entry{Allowed: allowed, ChainVersion: chainVersion})
	if err != nil {
		return
	}
	// Best effort: a failed cache write only costs a re-resolution.
	_ = c.client.Set(ctx, c.permKey(subjectID, nodeID, cap), raw, c.ttl).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
