package modules

import (
	"container/list"
	"sync"

	"github.com/coral-mesh/dwarflink/pkg/dwarfinfo"
)

// lruCache keeps the most recently loaded module files.
type lruCache struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key   string
	value *dwarfinfo.File
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves a module and marks it as recently used.
func (c *lruCache) Get(key string) (*dwarfinfo.File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*lruEntry).value, true
	}
	return nil, false
}

// Put adds or replaces a module, evicting the least recently used one
// when full.
func (c *lruCache) Put(key string, value *dwarfinfo.File) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*lruEntry).value = value
		return
	}

	c.items[key] = c.lruList.PushFront(&lruEntry{key: key, value: value})
	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

// Len returns the number of cached modules.
func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}
