package cmdb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CachedReader wraps a Reader with a short-TTL cache. Scope resolution hits
// the same topology nodes repeatedly within one build; the cache keeps one
// build from hammering CMDB while staying fresh enough for reconcilers.
type CachedReader struct {
	inner Reader
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   any
	expires time.Time
}

func NewCachedReader(inner Reader, ttl time.Duration) *CachedReader {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedReader{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

var _ Reader = (*CachedReader)(nil)

func (c *CachedReader) lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *CachedReader) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every cached entry, used when a watch event arrives for
// the resource the cache covers.
func (c *CachedReader) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *CachedReader) ListHosts(ctx context.Context, bizID int64, hostIDs []int64) ([]HostInfo, error) {
	// Narrowed host-id lookups bypass the cache: the id set varies per call
	// and stale per-host data is what the watcher exists to fix.
	if len(hostIDs) > 0 {
		return c.inner.ListHosts(ctx, bizID, hostIDs)
	}
	key := fmt.Sprintf("hosts:%d", bizID)
	if v, ok := c.lookup(key); ok {
		return v.([]HostInfo), nil
	}
	hosts, err := c.inner.ListHosts(ctx, bizID, nil)
	if err != nil {
		return nil, err
	}
	c.put(key, hosts)
	return hosts, nil
}

func (c *CachedReader) ListTopoHosts(ctx context.Context, node TopoNode) ([]HostInfo, error) {
	key := fmt.Sprintf("topo:%s:%d:%d", node.BkObjID, node.BkInstID, node.BkBizID)
	if v, ok := c.lookup(key); ok {
		return v.([]HostInfo), nil
	}
	hosts, err := c.inner.ListTopoHosts(ctx, node)
	if err != nil {
		return nil, err
	}
	c.put(key, hosts)
	return hosts, nil
}

func (c *CachedReader) ListServiceInstances(ctx context.Context, node TopoNode) ([]ServiceInstance, error) {
	key := fmt.Sprintf("svc:%s:%d:%d", node.BkObjID, node.BkInstID, node.BkBizID)
	if v, ok := c.lookup(key); ok {
		return v.([]ServiceInstance), nil
	}
	insts, err := c.inner.ListServiceInstances(ctx, node)
	if err != nil {
		return nil, err
	}
	c.put(key, insts)
	return insts, nil
}

func (c *CachedReader) TopoOrder(ctx context.Context) ([]string, error) {
	if v, ok := c.lookup("topo_order"); ok {
		return v.([]string), nil
	}
	order, err := c.inner.TopoOrder(ctx)
	if err != nil {
		return nil, err
	}
	c.put("topo_order", order)
	return order, nil
}
