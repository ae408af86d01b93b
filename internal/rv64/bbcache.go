package rv64

import "sync"

// bbCache is a direct-mapped entrypoint -> BasicBlock cache, per spec §3/§4.6
// (see DESIGN.md Open Question 4 for why direct-mapped was chosen over the
// original's LRU design). capacity must be a power of two.
type bbCache struct {
	mu      sync.Mutex
	slots   []*BasicBlock
	mask    uint64
}

func newBBCache(capacity int) *bbCache {
	return &bbCache{
		slots: make([]*BasicBlock, capacity),
		mask:  uint64(capacity - 1),
	}
}

func (c *bbCache) index(entrypoint uint64) uint64 { return entrypoint & c.mask }

// find returns the block occupying entrypoint's slot, iff its Entrypoint
// actually matches (a non-matching occupant means a cold miss, not a hit).
// Lock-free: see spec §4.6, the interpreter find path does not need the
// mutex since slot writes in insert only ever replace the pointer, and a
// torn read here is at worst a transient cache miss on that access.
func (c *bbCache) find(entrypoint uint64) *BasicBlock {
	b := c.slots[c.index(entrypoint)]
	if b != nil && b.Entrypoint == entrypoint {
		return b
	}
	return nil
}

// insert overwrites the bucket entrypoint maps to and returns the new
// occupant, unconditionally evicting whatever block was there before.
func (c *bbCache) insert(b *BasicBlock) *BasicBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[c.index(b.Entrypoint)] = b
	return b
}

// publishIfPresent re-reads the slot under the cache lock so the JIT worker
// can verify the block it compiled has not been evicted before publishing
// (spec §9 redesign item: resolve worker/evictor aliasing by re-checking
// identity under the lock rather than reference-counting bodies). Publishing
// happens inside the same critical section as the check, closing the race
// between "still present" and an interleaved evicting insert.
func (c *bbCache) publishIfPresent(block *BasicBlock, entry CompiledEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slots[c.index(block.Entrypoint)] != block {
		return false
	}
	block.Publish(entry)
	return true
}
