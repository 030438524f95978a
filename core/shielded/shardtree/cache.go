package shardtree

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.dedis.ch/orchard/core/shielded"
	"golang.org/x/xerrors"
)

// cache keeps the most recently used shards and the cap of a tree. It is only
// updated with committed data.
type cache struct {
	sync.Mutex

	shards *lru.Cache[uint64, shielded.Shard]

	capData  []byte
	capValid bool
}

func newCache(size int) (*cache, error) {
	shards, err := lru.New[uint64, shielded.Shard](size)
	if err != nil {
		return nil, xerrors.Errorf("failed to create cache: %v", err)
	}

	return &cache{shards: shards}, nil
}

func (c *cache) getShard(index uint64) (shielded.Shard, bool) {
	shard, ok := c.shards.Get(index)
	if !ok {
		promCacheMisses.Inc()
		return shard, false
	}

	promCacheHits.Inc()

	return shard, true
}

func (c *cache) putShard(shard shielded.Shard) {
	c.shards.Add(shard.Address.Index, shard)
}

// truncate removes the shards with an index greater or equal to the given one.
func (c *cache) truncate(index uint64) {
	for _, key := range c.shards.Keys() {
		if key >= index {
			c.shards.Remove(key)
		}
	}
}

func (c *cache) removeRange(start, count uint64) {
	for _, key := range c.shards.Keys() {
		if key >= start && key-start < count {
			c.shards.Remove(key)
		}
	}
}

func (c *cache) getCap() ([]byte, bool) {
	c.Lock()
	defer c.Unlock()

	return c.capData, c.capValid
}

func (c *cache) putCap(data []byte) {
	c.Lock()
	c.capData = data
	c.capValid = true
	c.Unlock()
}
