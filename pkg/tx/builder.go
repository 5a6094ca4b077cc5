package tx

import (
	"fmt"

	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// SetChainID sets the chain ID inputs and outputs must agree with.
func (b *Builder) SetChainID(id types.ChainID) *Builder {
	b.tx.ChainID = id
	return b
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut})
	return b
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// SetTimestamp sets the transaction timestamp.
func (b *Builder) SetTimestamp(ts uint64) *Builder {
	b.tx.Timestamp = ts
	return b
}

// Sign signs every non-coinbase input with the same key. Because the
// signing message embeds each input's own index (SigningHash(i)), the
// resulting signatures differ per input even though one key is used.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	pubKey := key.PublicKey()
	for i := range b.tx.Inputs {
		if b.tx.Inputs[i].PrevOut.IsZero() {
			continue // Coinbase input.
		}
		hash := b.tx.SigningHash(i)
		sig, err := key.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// SignMulti signs each input with the key that owns its outpoint.
// outpointAddr maps each input's outpoint to the address that owns it.
// signers maps each address to the private key that can spend from it.
// Each input's signing message embeds its own index, so no two inputs
// ever share a signature even when the same key signs both.
func (b *Builder) SignMulti(
	signers map[types.Address]*crypto.PrivateKey,
	outpointAddr map[types.Outpoint]types.Address,
) error {
	for i := range b.tx.Inputs {
		if b.tx.Inputs[i].PrevOut.IsZero() {
			continue // Coinbase input.
		}

		addr, ok := outpointAddr[b.tx.Inputs[i].PrevOut]
		if !ok {
			return fmt.Errorf("no address mapping for input %d outpoint", i)
		}
		key, ok := signers[addr]
		if !ok {
			return fmt.Errorf("no signer for address %s (input %d)", addr, i)
		}

		hash := b.tx.SigningHash(i)
		sig, err := key.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = key.PublicKey()
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate — call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
