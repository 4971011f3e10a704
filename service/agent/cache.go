package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// CacheKey 缓存键：同一 (车队, 角色, 模型) 复用同一个 Agent 及其租户会话
type CacheKey struct {
	FleetID string
	Role    string
	Model   string
}

// BuildFunc 缓存未命中时装配新 Agent：建连、绑定租户会话、构造编排器
type BuildFunc func(ctx context.Context, key CacheKey) (*Agent, error)

// Cache Agent 会话缓存。
// 不变式：同一角色切换车队时，必须先驱逐该角色下其他车队的条目，
// 再绑定新会话。驱逐与绑定之间由角色级锁串行化，两个车队
// 竞争重绑同一角色时不会出现交叉。
// 校验与驱逐都经过条目自身的运行锁，进行中的运行先跑完，
// 连接不会在运行中途被校验或关闭
type Cache struct {
	mu        sync.Mutex
	entries   map[CacheKey]*Agent
	roleLocks map[string]*sync.Mutex

	build BuildFunc
}

func NewCache(build BuildFunc) *Cache {
	return &Cache{
		entries:   make(map[CacheKey]*Agent),
		roleLocks: make(map[string]*sync.Mutex),
		build:     build,
	}
}

// Acquire 返回可用的 Agent。命中的条目必须先通过会话校验，
// 校验失败即驱逐重建，绝不在可疑会话上执行查询
func (c *Cache) Acquire(ctx context.Context, key CacheKey) (*Agent, error) {
	lock := c.roleLock(key.Role)
	lock.Lock()
	defer lock.Unlock()

	// 先驱逐，后绑定
	c.evictOtherFleets(ctx, key)

	if cached := c.get(key); cached != nil {
		if cached.VerifySession(ctx) {
			return cached, nil
		}
		slog.Warn("Cached tenant session failed verification, rebuilding",
			"fleet_id", key.FleetID,
			"role", key.Role,
			"model", key.Model)
		c.evict(ctx, key)
	}

	built, err := c.build(ctx, key)
	if err != nil {
		return nil, err
	}
	c.put(key, built)
	return built, nil
}

// Stats 返回当前缓存条目的快照，用于调试接口
func (c *Cache) Stats() []CacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]CacheKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].FleetID != keys[j].FleetID {
			return keys[i].FleetID < keys[j].FleetID
		}
		if keys[i].Role != keys[j].Role {
			return keys[i].Role < keys[j].Role
		}
		return keys[i].Model < keys[j].Model
	})
	return keys
}

// Shutdown 关闭全部缓存条目的租户连接
func (c *Cache) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cached := range c.entries {
		cached.CloseSession(ctx)
		delete(c.entries, key)
	}
}

func (c *Cache) roleLock(role string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.roleLocks[role]
	if !ok {
		lock = &sync.Mutex{}
		c.roleLocks[role] = lock
	}
	return lock
}

func (c *Cache) get(key CacheKey) *Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

func (c *Cache) put(key CacheKey, ag *Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ag
}

func (c *Cache) evict(ctx context.Context, key CacheKey) {
	c.mu.Lock()
	cached := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if cached != nil {
		cached.CloseSession(ctx)
	}
}

// evictOtherFleets 驱逐同一角色下其他车队的全部条目
func (c *Cache) evictOtherFleets(ctx context.Context, key CacheKey) {
	c.mu.Lock()
	var stale []*Agent
	for k, cached := range c.entries {
		if k.Role == key.Role && k.FleetID != key.FleetID {
			stale = append(stale, cached)
			delete(c.entries, k)
			slog.Info("Evicting agent cache entry for tenant switch",
				"evicted_fleet", k.FleetID,
				"new_fleet", key.FleetID,
				"role", k.Role)
		}
	}
	c.mu.Unlock()

	for _, cached := range stale {
		cached.CloseSession(ctx)
	}
}
