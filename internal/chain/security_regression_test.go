package chain

import (
	"errors"
	"testing"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/internal/consensus"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

func TestProcessBlock_RejectsForgedSpendInBlock(t *testing.T) {
	ch, _, _ := testChain(t)

	genesisBlock, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}

	attackerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	attackerAddr := crypto.AddressFromPubKey(attackerKey.PublicKey())

	// The genesis UTXO belongs to a different key; signing with the
	// attacker's own key must not pass script verification.
	spendBuilder := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(4000, types.Script{Type: types.ScriptTypeP2PKH, Data: attackerAddr.Bytes()})
	if err := spendBuilder.Sign(attackerKey); err != nil {
		t.Fatalf("Sign forged tx: %v", err)
	}
	forgedTx := spendBuilder.Build()

	coinbase := testCoinbaseTx()

	blk := buildCustomBlock(t, ch, []*tx.Transaction{coinbase, forgedTx})

	err = ch.ProcessBlock(blk)
	if !errors.Is(err, tx.ErrScriptMismatch) {
		t.Fatalf("expected script mismatch, got: %v", err)
	}
}

func TestProcessBlock_RejectsCoinbaseRewardAboveConfiguredSubsidy(t *testing.T) {
	ch, _, _ := testChain(t)

	// testChain configures InitialSubsidy = 1 coin (config.Coin base units);
	// this coinbase claims double that.
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:  2 * config.Coin,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, types.AddressSize)},
		}},
	}

	blk := buildCustomBlock(t, ch, []*tx.Transaction{coinbase})

	err := ch.ProcessBlock(blk)
	if !errors.Is(err, ErrCoinbaseRewardExceeded) {
		t.Fatalf("expected ErrCoinbaseRewardExceeded, got: %v", err)
	}
}

func TestProcessBlock_RejectsMalformedCoinbaseTx(t *testing.T) {
	ch, _, _ := testChain(t)

	// Transaction 0 with multiple inputs should not be accepted as coinbase.
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{
			{PrevOut: types.Outpoint{}},
			{
				PrevOut:   types.Outpoint{TxID: types.Hash{0x01}, Index: 0},
				Signature: []byte{0x01},
				PubKey:    []byte{0x02},
			},
		},
		Outputs: []tx.Output{{
			Value:  config.Coin,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, types.AddressSize)},
		}},
	}

	blk := buildCustomBlock(t, ch, []*tx.Transaction{coinbase})

	err := ch.ProcessBlock(blk)
	if !errors.Is(err, ErrBadCoinbaseTx) {
		t.Fatalf("expected ErrBadCoinbaseTx, got: %v", err)
	}
}

func TestProcessBlock_RejectsForkBlockWithInvalidHeightForParent(t *testing.T) {
	ch, key, _ := testChain(t)

	genesisHash := ch.TipHash()
	genesisBlock, _ := ch.GetBlockByHeight(0)
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}

	validBlock := buildSignedBlock(t, ch, key, prevOut, 4000)
	if err := ch.ProcessBlock(validBlock); err != nil {
		t.Fatalf("process valid block: %v", err)
	}

	coinbase := testCoinbaseTx()
	merkle := block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()})
	blk := block.NewBlock(&block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   genesisHash, // Known parent, but not current tip.
		MerkleRoot: merkle,
		Timestamp:  1700000008,
		Height:     5, // Invalid: genesis parent requires height 1.
	}, []*tx.Transaction{coinbase})

	pow := ch.engine.(*consensus.PoW)
	pow.Prepare(blk.Header)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	err := ch.ProcessBlock(blk)
	if !errors.Is(err, ErrBadHeight) {
		t.Fatalf("expected ErrBadHeight, got: %v", err)
	}
}
