package sstable

import (
	"sync"
	"sync/atomic"

	"github.com/wcygan/mini-lsm/pkg/types"
)

// BlockCache is a bounded LRU of decoded blocks shared across every open
// table, keyed by (table id, block index). Tables are immutable, so
// entries are never invalidated, only evicted.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheKey struct {
	table types.TableID
	block int
}

type cacheItem struct {
	key   cacheKey
	block *Block
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache builds a cache holding up to capacity blocks. A nil
// cache (capacity 0 in config) is valid: tables then read straight from
// disk.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheItem, capacity),
	}
}

func (bc *BlockCache) Get(table types.TableID, block int) (*Block, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[cacheKey{table, block}]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)
	return item.block, true
}

func (bc *BlockCache) Set(table types.TableID, block int, b *Block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	key := cacheKey{table, block}
	if item, found := bc.items[key]; found {
		item.block = b
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, block: b}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Stats returns cumulative hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	if item.prev != nil {
		item.prev.next = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	}
	if item == bc.tail {
		bc.tail = item.prev
	}
	bc.addToHead(item)
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	delete(bc.items, bc.tail.key)
	if bc.tail.prev != nil {
		bc.tail.prev.next = nil
	} else {
		bc.head = nil
	}
	bc.tail = bc.tail.prev
}
