package chain

import (
	"fmt"
	"sort"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, and a single coinbase
// transaction that distributes the initial allocations.
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase, err := buildCoinbaseTx(gen.Alloc)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{}, // Zero for genesis.
		MerkleRoot: merkle,
		Timestamp:  gen.Timestamp,
		Height:     0,
	}

	return block.NewBlock(header, txs), nil
}

// buildCoinbaseTx creates a coinbase transaction with the initial allocations.
// The coinbase has no inputs (it creates coins from nothing).
// Each allocation becomes a P2PKH output.
func buildCoinbaseTx(alloc map[string]uint64) (*tx.Transaction, error) {
	// Sort addresses for deterministic ordering.
	addrs := make([]string, 0, len(alloc))
	for addr := range alloc {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var outputs []tx.Output
	for _, addrStr := range addrs {
		// The literal GenesisAddress premine marker is deliberately
		// unparseable as a real address (see config.GenesisAddress):
		// derive a deterministic 20-byte script from the string itself
		// so the premine lands on an output nobody holds a key for.
		var addrBytes []byte
		if addrStr == config.GenesisAddress {
			unspendable := crypto.AddressFromPubKey([]byte(addrStr))
			addrBytes = unspendable[:]
		} else {
			addr, err := types.ParseAddress(addrStr)
			if err != nil {
				return nil, fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
			}
			addrBytes = addr.Bytes()
		}

		outputs = append(outputs, tx.Output{
			Value: alloc[addrStr],
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addrBytes,
			},
		})
	}

	// If no allocations, create a single zero-value output so the block has a valid tx.
	if len(outputs) == 0 {
		outputs = []tx.Output{{
			Value: 0,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: make([]byte, types.AddressSize),
			},
		}}
	}

	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{}, // Zero outpoint marks a coinbase.
		}},
		Outputs: outputs,
	}

	return coinbase, nil
}
