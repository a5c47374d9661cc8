package pipeline

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type pendingEntry struct {
	update PendingUpdate
	seq    uint64
}

// pendingCache holds at most one update per record id. Every write gets a fresh
// sequence number so a commit only evicts the exact draft it wrote.
type pendingCache struct {
	m   *orderedmap.OrderedMap[string, pendingEntry]
	seq uint64
}

func newPendingCache() *pendingCache {
	return &pendingCache{m: orderedmap.New[string, pendingEntry]()}
}

func (c *pendingCache) put(id string, u PendingUpdate) uint64 {
	c.seq++
	c.m.Set(id, pendingEntry{update: u.clone(), seq: c.seq})
	return c.seq
}

func (c *pendingCache) get(id string) (pendingEntry, bool) {
	return c.m.Get(id)
}

func (c *pendingCache) remove(id string) bool {
	_, ok := c.m.Delete(id)
	return ok
}

// removeIf evicts id only if it still holds the entry written with seq.
func (c *pendingCache) removeIf(id string, seq uint64) bool {
	e, ok := c.m.Get(id)
	if !ok || e.seq != seq {
		return false
	}
	c.m.Delete(id)
	return true
}

func (c *pendingCache) ids() []string {
	out := make([]string, 0, c.m.Len())
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func (c *pendingCache) len() int { return c.m.Len() }

func (c *pendingCache) reset() {
	c.m = orderedmap.New[string, pendingEntry]()
}

func (c *pendingCache) snapshot() *orderedmap.OrderedMap[string, PendingUpdate] {
	out := orderedmap.New[string, PendingUpdate]()
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value.update.clone())
	}
	return out
}
