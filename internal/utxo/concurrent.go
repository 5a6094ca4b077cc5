package utxo

import (
	"fmt"
	"sync"

	"github.com/jnodes/xorcoin/pkg/types"
)

// ConcurrentSet wraps a Store with the readers-writer discipline required
// by the UTXO set: many concurrent readers, a single writer at a time, and
// apply_batch visible to readers only as an all-or-nothing transition.
type ConcurrentSet struct {
	mu    sync.RWMutex
	store *Store
}

// NewConcurrentSet wraps store with RWMutex-guarded access.
func NewConcurrentSet(store *Store) *ConcurrentSet {
	return &ConcurrentSet{store: store}
}

// Get retrieves a UTXO by outpoint.
func (c *ConcurrentSet) Get(outpoint types.Outpoint) (*UTXO, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Get(outpoint)
}

// Contains reports whether an outpoint is currently unspent.
func (c *ConcurrentSet) Contains(outpoint types.Outpoint) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Has(outpoint)
}

// Balance sums the value of every unspent output locked to addr.
func (c *ConcurrentSet) Balance(addr types.Address) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	utxos, err := c.store.GetByAddress(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		total += u.Value
	}
	return total, nil
}

// UTXOsFor returns every unspent output locked to addr.
func (c *ConcurrentSet) UTXOsFor(addr types.Address) ([]*UTXO, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetByAddress(addr)
}

// ApplyBatch applies a batch of removals then additions atomically: all
// removals happen before all additions, and the whole batch is serialized
// behind the single writer lock, so no concurrent reader observes a
// partial state. If any removal target is absent, the entire batch is
// discarded and ErrUnknownOutpoint is returned.
func (c *ConcurrentSet) ApplyBatch(batch Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, op := range batch.Spend {
		ok, err := c.store.Has(op)
		if err != nil {
			return fmt.Errorf("apply_batch: checking outpoint %s: %w", op, err)
		}
		if !ok {
			return fmt.Errorf("apply_batch: outpoint %s: %w", op, ErrUnknownOutpoint)
		}
	}

	for _, op := range batch.Spend {
		if err := c.store.Delete(op); err != nil {
			return fmt.Errorf("apply_batch: deleting outpoint %s: %w", op, err)
		}
	}
	for _, u := range batch.Create {
		if err := c.store.Put(u); err != nil {
			return fmt.Errorf("apply_batch: creating outpoint %s: %w", u.Outpoint, err)
		}
	}
	return nil
}

// ForEach iterates over every UTXO currently in the set. The callback runs
// under the read lock; it must not call back into the set.
func (c *ConcurrentSet) ForEach(fn func(*UTXO) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.ForEach(fn)
}
