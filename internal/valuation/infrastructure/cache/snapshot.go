// Package cache 提供聚合快照的有界 TTL 缓存。
// 缓存仅作加速建议，绝非权威数据：每次成功写库后刷新，过期即拒绝供给。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wyfcoding/valuationpipeline/internal/valuation/domain"
)

// snapshotEntry 缓存条目，inserted_at 用于 TTL 判定。
// 后端清扫存在窗口期，Get 必须自行校验插入时间，
// 保证 T 时刻写入的条目绝不在 T+ttl 之后被供给。
type snapshotEntry struct {
	InsertedAt time.Time         `json:"inserted_at"`
	Snapshot   *domain.Portfolio `json:"snapshot"`
}

// Stats 缓存命中统计快照。
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Stores int64 `json:"stores"`
}

// SnapshotCache 基于 bigcache 的组合快照缓存，按组合 ID 作键。
type SnapshotCache struct {
	backend *bigcache.BigCache
	ttl     time.Duration
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	stores atomic.Int64
}

// NewSnapshotCache 创建快照缓存；maxSizeMB 限定后端总内存占用。
func NewSnapshotCache(ttl time.Duration, maxSizeMB int, logger *slog.Logger) (*SnapshotCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.HardMaxCacheSize = maxSizeMB
	cfg.CleanWindow = ttl / 2
	if cfg.CleanWindow < time.Millisecond {
		cfg.CleanWindow = time.Millisecond
	}
	backend, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &SnapshotCache{backend: backend, ttl: ttl, logger: logger}, nil
}

// Get 返回未过期的快照副本；过期或缺失计为未命中。
func (c *SnapshotCache) Get(portfolioID string) (*domain.Portfolio, bool) {
	data, err := c.backend.Get(portfolioID)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.Warn("snapshot cache read failed", "portfolio_id", portfolioID, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}

	var entry snapshotEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("snapshot cache entry corrupted", "portfolio_id", portfolioID, "error", err)
		_ = c.backend.Delete(portfolioID)
		c.misses.Add(1)
		return nil, false
	}
	if time.Since(entry.InsertedAt) >= c.ttl {
		_ = c.backend.Delete(portfolioID)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.Snapshot, true
}

// Put 写入（或刷新）快照，插入时间重置为当前时刻。
func (c *SnapshotCache) Put(p *domain.Portfolio) {
	entry := snapshotEntry{InsertedAt: time.Now(), Snapshot: p}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("snapshot cache encode failed", "portfolio_id", p.ID, "error", err)
		return
	}
	if err := c.backend.Set(p.ID, data); err != nil {
		c.logger.Warn("snapshot cache write failed", "portfolio_id", p.ID, "error", err)
		return
	}
	c.stores.Add(1)
}

// Remove 删除快照。
func (c *SnapshotCache) Remove(portfolioID string) {
	_ = c.backend.Delete(portfolioID)
}

// Stats 返回命中/未命中/写入计数快照。
func (c *SnapshotCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stores: c.stores.Load(),
	}
}

// Close 释放后端资源。
func (c *SnapshotCache) Close() error {
	return c.backend.Close()
}
