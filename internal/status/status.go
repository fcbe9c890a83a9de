// Package status caches raster status snapshots in Redis so the gateway can
// answer polling clients without hitting Postgres on every request. The
// cache is advisory: a miss or a Redis outage falls through to the store.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the status view served to clients.
type Snapshot struct {
	RasterID string `json:"raster_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	File     string `json:"file,omitempty"`
}

// Cache wraps a Redis client. Entries for terminal statuses live longer
// because they can no longer change.
type Cache struct {
	rdb         *redis.Client
	activeTTL   time.Duration
	terminalTTL time.Duration
}

// New returns a cache over the Redis instance at url. A nil return with an
// error means the URL did not parse; connection failures surface per-call.
func New(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Cache{
		rdb:         redis.NewClient(opts),
		activeTTL:   5 * time.Second,
		terminalTTL: 10 * time.Minute,
	}, nil
}

func key(rasterID string) string {
	return "raster:status:" + rasterID
}

// Get returns the cached snapshot, or false on miss or error.
func (c *Cache) Get(ctx context.Context, rasterID string) (Snapshot, bool) {
	var s Snapshot
	data, err := c.rdb.Get(ctx, key(rasterID)).Bytes()
	if err != nil {
		return s, false
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, false
	}
	return s, true
}

// Set stores a snapshot. Errors are swallowed; the cache never blocks an
// answer the store can give.
func (c *Cache) Set(ctx context.Context, s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	ttl := c.activeTTL
	if s.Status == "done" || s.Status == "invalid" {
		ttl = c.terminalTTL
	}
	c.rdb.Set(ctx, key(s.RasterID), data, ttl)
}

// Invalidate drops a cached snapshot, typically on a pipeline event.
func (c *Cache) Invalidate(ctx context.Context, rasterID string) {
	c.rdb.Del(ctx, key(rasterID))
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
