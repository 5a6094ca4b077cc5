// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jnodes/xorcoin/internal/guard"
	"github.com/jnodes/xorcoin/internal/utxo"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists     = errors.New("transaction already in mempool")
	ErrConflict          = errors.New("transaction conflicts with a pending or confirmed spend")
	ErrPoolFull          = errors.New("mempool is full and no eviction set exists")
	ErrValidation        = errors.New("transaction failed validation")
	ErrFeeTooLow         = errors.New("transaction fee rate below minimum")
	ErrCoinbaseNotMature = errors.New("coinbase output not mature")
)

// AddResult classifies the outcome of Pool.Add, mirroring the admission
// pipeline's four possible dispositions.
type AddResult int

const (
	Accepted AddResult = iota
	RejectedDuplicate
	RejectedBelowMin
	RejectedFullNoEviction
	rejectedInvalid // internal: structural/UTXO validation failure, reported via error.
)

func (r AddResult) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case RejectedDuplicate:
		return "RejectedDuplicate"
	case RejectedBelowMin:
		return "RejectedBelowMin"
	case RejectedFullNoEviction:
		return "RejectedFullNoEviction"
	default:
		return "RejectedInvalid"
	}
}

// entry wraps a transaction with its fee and byte-size metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	size    uint64 // len(SigningBytes()), the byte-capacity unit.
	feeRate float64
}

// Pool holds unconfirmed transactions, admitted and evicted by byte
// capacity rather than transaction count (spec C4).
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash, conflict index
	maxBytes   uint64
	usedBytes  uint64
	minFeeRate uint64 // base units per byte; 0 = no minimum.
	utxos      tx.UTXOProvider

	guard *guard.Guard // double-spend guard (C5); nil disables reservation.

	utxoSet          utxo.Set      // maturity checks; nil disables them.
	heightFn         func() uint64 // current chain height.
	coinbaseMaturity uint64        // required confirmations; 0 disables.
}

// New creates a new mempool with the given UTXO provider and byte capacity.
func New(utxos tx.UTXOProvider, maxBytes uint64) *Pool {
	if maxBytes == 0 {
		maxBytes = 300_000_000
	}
	return &Pool{
		txs:      make(map[types.Hash]*entry),
		spends:   make(map[types.Outpoint]types.Hash),
		maxBytes: maxBytes,
		utxos:    utxos,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for admission.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// SetGuard wires the double-spend guard. Every accepted transaction's
// inputs are reserved in g; every removed transaction's inputs are
// released. Must be called before the pool is used concurrently.
func (p *Pool) SetGuard(g *guard.Guard) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.guard = g
}

// SetCoinbaseMaturity enables coinbase maturity checking on admission.
func (p *Pool) SetCoinbaseMaturity(maturity uint64, heightFn func() uint64, set utxo.Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coinbaseMaturity = maturity
	p.heightFn = heightFn
	p.utxoSet = set
}

// MaxBytes returns the configured byte capacity.
func (p *Pool) MaxBytes() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxBytes
}

// UsedBytes returns the sum of signing-byte sizes of all pooled transactions.
func (p *Pool) UsedBytes() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usedBytes
}

// Add validates and admits a transaction, evicting lower fee-rate entries
// if necessary to make byte room. Returns the outcome, the computed fee,
// and an error only when the transaction itself is structurally or
// UTXO-invalid (AddResult is meaningless in that case).
func (p *Pool) Add(transaction *tx.Transaction) (AddResult, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()

	if _, exists := p.txs[txHash]; exists {
		return RejectedDuplicate, 0, ErrAlreadyExists
	}

	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return RejectedDuplicate, 0, fmt.Errorf("%w: input %s already claimed by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	if p.coinbaseMaturity > 0 && p.utxoSet != nil {
		currentHeight := p.heightFn()
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, uErr := p.utxoSet.Get(in.PrevOut)
			if uErr == nil && !u.Mature(currentHeight, p.coinbaseMaturity) {
				return rejectedInvalid, 0, fmt.Errorf("%w: need %d confirmations, have %d",
					ErrCoinbaseNotMature, p.coinbaseMaturity, currentHeight-u.Height)
			}
		}
	}

	fee, err := transaction.ValidateWithUTXOs(p.utxos)
	if err != nil {
		return rejectedInvalid, 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	size := uint64(len(transaction.SigningBytes()))
	var feeRate float64
	if size > 0 {
		feeRate = float64(fee) / float64(size)
	}

	if p.minFeeRate > 0 && feeRate < float64(p.minFeeRate) {
		return RejectedBelowMin, 0, fmt.Errorf("%w: rate %.4f, need %d", ErrFeeTooLow, feeRate, p.minFeeRate)
	}

	if p.usedBytes+size > p.maxBytes {
		needed := p.usedBytes + size - p.maxBytes
		evictSet, ok := p.evictionSet(needed, feeRate)
		if !ok {
			return RejectedFullNoEviction, 0, ErrPoolFull
		}
		for _, h := range evictSet {
			p.removeLocked(h)
		}
	}

	if p.guard != nil {
		if err := p.guard.TryReserve(transaction); err != nil {
			return RejectedDuplicate, 0, fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		size:    size,
		feeRate: feeRate,
	}
	p.txs[txHash] = e
	p.usedBytes += size
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return Accepted, fee, nil
}

// evictionSet computes the smallest prefix of the ascending fee-rate order
// whose cumulative byte size is >= needed and whose fee rates are all
// strictly less than incomingRate. Must be called with p.mu held. Returns
// ok=false if no such set exists (reject RejectedFullNoEviction).
func (p *Pool) evictionSet(needed uint64, incomingRate float64) ([]types.Hash, bool) {
	entries := p.sortedAscending()

	var set []types.Hash
	var cum uint64
	for _, e := range entries {
		if e.feeRate >= incomingRate {
			break
		}
		set = append(set, e.txHash)
		cum += e.size
		if cum >= needed {
			return set, true
		}
	}
	return nil, false
}

// sortedAscending returns pooled entries ordered by fee rate ascending,
// ties broken by ascending txid for determinism. Must be called with
// p.mu held.
func (p *Pool) sortedAscending() []*entry {
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate < entries[j].feeRate
		}
		return lessHash(entries[i].txHash, entries[j].txHash)
	})
	return entries
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Remove removes a transaction from the mempool by hash and releases its
// reservation in the guard (e.g. after validation failure downstream).
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	if p.guard != nil {
		p.guard.Rollback(e.tx)
	}
	delete(p.txs, txHash)
	p.usedBytes -= e.size
}

// RemoveConfirmed removes every transaction included in an accepted block
// and commits their reservations from reserved to spent in the guard.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		txHash := t.Hash()
		if e, exists := p.txs[txHash]; exists {
			for _, in := range t.Inputs {
				if !in.PrevOut.IsZero() {
					delete(p.spends, in.PrevOut)
				}
			}
			delete(p.txs, txHash)
			p.usedBytes -= e.size
		}
		if p.guard != nil {
			p.guard.Commit(t)
		}
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Len returns the number of transactions in the mempool (spec len()).
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Count is an alias for Len, kept for callers that prefer the Go name.
func (p *Pool) Count() int { return p.Len() }

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// SelectForBlock walks the descending fee-rate order, packing transactions
// until maxBytes would be exceeded. Ties are broken by ascending txid.
func (p *Pool) SelectForBlock(maxBytes uint64) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return lessHash(entries[i].txHash, entries[j].txHash)
	})

	var result []*tx.Transaction
	var used uint64
	for _, e := range entries {
		if used+e.size > maxBytes {
			continue
		}
		result = append(result, e.tx)
		used += e.size
	}
	return result
}
