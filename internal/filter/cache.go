package filter

import (
	"github.com/maypok86/otter"
)

// cacheKey identifies one memoised forwarding decision. The epoch component
// ties entries to the configuration snapshot they were computed under, so a
// config swap invalidates the whole cache without scanning it.
type cacheKey struct {
	epoch uint64
	topic string
}

// Cache memoises forwarding verdicts across messages. High-rate topics hit
// the cache on every message after the first, skipping regex evaluation.
//
// Backed by an otter S3-FIFO cache: bounded, concurrent and eviction-managed,
// so a churn of one-shot topics cannot grow memory without limit.
type Cache struct {
	inner otter.Cache[cacheKey, Verdict]
}

// NewCache creates a decision cache holding at most capacity entries.
func NewCache(capacity int) (*Cache, error) {
	inner, err := otter.MustBuilder[cacheKey, Verdict](capacity).Build()
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the memoised verdict for topic under the given epoch.
func (c *Cache) Get(epoch uint64, topic string) (Verdict, bool) {
	return c.inner.Get(cacheKey{epoch: epoch, topic: topic})
}

// Set stores a verdict for topic under the given epoch.
func (c *Cache) Set(epoch uint64, topic string, verdict Verdict) {
	c.inner.Set(cacheKey{epoch: epoch, topic: topic}, verdict)
}

// Clear drops every entry regardless of epoch.
func (c *Cache) Clear() {
	c.inner.Clear()
}

// Size returns the current number of cached decisions.
func (c *Cache) Size() int {
	return c.inner.Size()
}

// Close releases the cache's background resources.
func (c *Cache) Close() {
	c.inner.Close()
}
