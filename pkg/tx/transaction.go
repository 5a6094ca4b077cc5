// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version   uint32         `json:"version"`
	ChainID   types.ChainID  `json:"chain_id"`
	Inputs    []Input        `json:"inputs"`
	Outputs   []Output       `json:"outputs"`
	LockTime  uint64         `json:"locktime"`
	Timestamp uint64         `json:"timestamp"`
}

// Input references a UTXO being spent. Signature and PubKey are empty
// for coinbase inputs (PrevOut is the zero outpoint).
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO. Value must be > 0 for non-coinbase outputs.
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// Hash computes the txid: double-SHA256 over the canonical
// serialization, excluding signatures entirely. Signatures are not
// part of a transaction's identity, so a signature malleability
// attack (re-signing the same message with an equivalent high-S
// signature) cannot change the txid.
func (tx *Transaction) Hash() types.Hash {
	return crypto.DoubleHash(tx.canonicalBytes(nil))
}

// SigningHash returns the message ECDSA signs for input i:
// double-SHA256 over the canonical serialization, with the signing
// input index embedded but no signatures anywhere in the
// serialization (including other inputs' signatures).
func (tx *Transaction) SigningHash(i int) types.Hash {
	idx := uint32(i)
	return crypto.DoubleHash(tx.canonicalBytes(&idx))
}

// SigningBytes returns the canonical serialization used for the txid
// (signingIndex == nil). Kept for callers (fee estimation, block size
// accounting) that need the txid-form byte length.
func (tx *Transaction) SigningBytes() []byte {
	return tx.canonicalBytes(nil)
}

// canonicalBytes is the single canonical serialization used by both
// Hash() and SigningHash(). Fields appear in the fixed order shown
// below (not sorted by name); integers are fixed-width little-endian and
// variable-length fields carry a 4-byte length prefix; signatures are
// never included. When signingIndex is non-nil
// it is embedded right after the chain ID, producing the per-input
// signing message; when nil, the txid form is produced.
//
// Format: version(4) | chain_id(32) | [signing_index(4)]? |
//
//	input_count(4) | [prevout(36) + pubkey_len(4) + pubkey]... |
//	output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data]... |
//	locktime(8) | timestamp(8)
func (tx *Transaction) canonicalBytes(signingIndex *uint32) []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = append(buf, tx.ChainID[:]...)
	if signingIndex != nil {
		buf = binary.LittleEndian.AppendUint32(buf, *signingIndex)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.PubKey)))
		buf = append(buf, in.PubKey...)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Timestamp)

	return buf
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

// IsCoinbase reports whether tx is a coinbase transaction: exactly
// one input referencing the zero outpoint.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].PrevOut.IsZero()
}
