// Package utxo manages the UTXO set.
package utxo

import (
	"errors"

	"github.com/jnodes/xorcoin/pkg/types"
)

// ErrUnknownOutpoint is returned by ApplyBatch when a removal references an
// outpoint absent from the set. The batch is discarded entirely: no partial
// mutation is ever visible.
var ErrUnknownOutpoint = errors.New("unknown outpoint")

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Mature reports whether a coinbase UTXO may be spent at chainHeight.
// Non-coinbase outputs are always mature.
func (u *UTXO) Mature(chainHeight, coinbaseMaturity uint64) bool {
	if !u.Coinbase {
		return true
	}
	return chainHeight >= u.Height+coinbaseMaturity
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}

// Batch describes a set of UTXO insertions and removals to apply atomically.
type Batch struct {
	Spend  []types.Outpoint // Outputs being consumed.
	Create []*UTXO          // New outputs being created.
}
