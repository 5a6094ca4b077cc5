// Package guard implements the double-spend guard: in-flight reservation
// of outpoints across mempool admission and block confirmation.
package guard

import (
	"errors"
	"sync"

	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

// ErrAlreadyReserved is returned by TryReserve when an input outpoint is
// already reserved by another pending transaction or spent in a confirmed
// block.
var ErrAlreadyReserved = errors.New("outpoint already reserved or spent")

// Guard tracks two disjoint outpoint sets:
//   - reserved: outpoints referenced by pending mempool transactions.
//   - spent: outpoints consumed by confirmed blocks.
//
// All four operations are guarded by a single mutex. The guard must always
// be acquired before the UTXO set lock to prevent deadlock (chain lock →
// guard lock → UTXO set lock → mempool lock → per-peer send lock).
type Guard struct {
	mu       sync.Mutex
	reserved map[types.Outpoint]types.Hash // outpoint -> reserving txid
	spent    map[types.Outpoint]types.Hash // outpoint -> confirming txid
}

// New creates an empty double-spend guard.
func New() *Guard {
	return &Guard{
		reserved: make(map[types.Outpoint]types.Hash),
		spent:    make(map[types.Outpoint]types.Hash),
	}
}

// TryReserve atomically reserves every input outpoint of t. It succeeds
// iff none of them is currently reserved or spent; on success, all of
// them are inserted into reserved. On failure, no state changes.
func (g *Guard) TryReserve(t *tx.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue // Coinbase inputs reference nothing.
		}
		if _, ok := g.reserved[in.PrevOut]; ok {
			return ErrAlreadyReserved
		}
		if _, ok := g.spent[in.PrevOut]; ok {
			return ErrAlreadyReserved
		}
	}

	txid := t.Hash()
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		g.reserved[in.PrevOut] = txid
	}
	return nil
}

// Commit moves t's outpoints from reserved into spent. Called when t is
// included in an accepted block.
func (g *Guard) Commit(t *tx.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txid := t.Hash()
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		delete(g.reserved, in.PrevOut)
		g.spent[in.PrevOut] = txid
	}
}

// Rollback removes t's outpoints from reserved. Called when validation
// fails after a reservation was already made.
func (g *Guard) Rollback(t *tx.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		delete(g.reserved, in.PrevOut)
	}
}

// ReorgRelease moves t's outpoints from spent back to reserved, when a
// block containing t is unwound during a reorg.
func (g *Guard) ReorgRelease(t *tx.Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()

	txid := t.Hash()
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		delete(g.spent, in.PrevOut)
		g.reserved[in.PrevOut] = txid
	}
}

// IsReserved reports whether an outpoint is currently reserved by a
// pending mempool transaction.
func (g *Guard) IsReserved(op types.Outpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.reserved[op]
	return ok
}

// IsSpent reports whether an outpoint is currently consumed by a
// confirmed block.
func (g *Guard) IsSpent(op types.Outpoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.spent[op]
	return ok
}
