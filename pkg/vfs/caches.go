package vfs

import (
	"sync"

	"github.com/marmos91/helium/pkg/kernel"
	"github.com/marmos91/helium/pkg/metrics"
	"github.com/marmos91/helium/pkg/vfs/fsproto"
)

// Both caches are advisory: a miss goes downstream, and a hit must behave
// exactly like the downstream call would have. Mutating operations
// eagerly invalidate the keys they touch (see the vnode operations).

type lookupKey struct {
	parent VNode
	name   string
}

// lookupCache maps (parent vnode, name) to the child vnode.
type lookupCache struct {
	mu      sync.RWMutex
	entries map[lookupKey]VNode
}

func newLookupCache() *lookupCache {
	return &lookupCache{entries: make(map[lookupKey]VNode)}
}

func (c *lookupCache) get(parent VNode, name string) (VNode, bool) {
	c.mu.RLock()
	child, ok := c.entries[lookupKey{parent: parent, name: name}]
	c.mu.RUnlock()

	if ok {
		metrics.LookupCache.WithLabelValues(metrics.CacheHit).Inc()
	} else {
		metrics.LookupCache.WithLabelValues(metrics.CacheMiss).Inc()
	}
	return child, ok
}

func (c *lookupCache) put(parent VNode, name string, child VNode) {
	c.mu.Lock()
	c.entries[lookupKey{parent: parent, name: name}] = child
	c.mu.Unlock()
}

func (c *lookupCache) invalidate(parent VNode, name string) {
	c.mu.Lock()
	delete(c.entries, lookupKey{parent: parent, name: name})
	c.mu.Unlock()
}

// invalidateMount drops every entry touching the given mount, on teardown.
func (c *lookupCache) invalidateMount(id MountID) {
	c.mu.Lock()
	for key, child := range c.entries {
		if key.parent.Mount == id || child.Mount == id {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// nodeAttrs is the cached attribute subset resolution needs constantly.
type nodeAttrs struct {
	nodeType fsproto.NodeType
	perms    kernel.Permissions
}

// attrCache maps a vnode to its type and permissions.
type attrCache struct {
	mu      sync.RWMutex
	entries map[VNode]nodeAttrs
}

func newAttrCache() *attrCache {
	return &attrCache{entries: make(map[VNode]nodeAttrs)}
}

func (c *attrCache) get(vn VNode) (nodeAttrs, bool) {
	c.mu.RLock()
	attrs, ok := c.entries[vn]
	c.mu.RUnlock()

	if ok {
		metrics.AttrCache.WithLabelValues(metrics.CacheHit).Inc()
	} else {
		metrics.AttrCache.WithLabelValues(metrics.CacheMiss).Inc()
	}
	return attrs, ok
}

func (c *attrCache) put(vn VNode, attrs nodeAttrs) {
	c.mu.Lock()
	c.entries[vn] = attrs
	c.mu.Unlock()
}

func (c *attrCache) invalidate(vn VNode) {
	c.mu.Lock()
	delete(c.entries, vn)
	c.mu.Unlock()
}

func (c *attrCache) invalidateMount(id MountID) {
	c.mu.Lock()
	for vn := range c.entries {
		if vn.Mount == id {
			delete(c.entries, vn)
		}
	}
	c.mu.Unlock()
}
