package mempool

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/internal/guard"
	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

// mockUTXOs is a simple in-memory UTXO provider for tests.
type mockUTXOs struct {
	utxos map[types.Outpoint]mockUTXO
}

type mockUTXO struct {
	value  uint64
	script types.Script
}

func newMockUTXOs() *mockUTXOs {
	return &mockUTXOs{utxos: make(map[types.Outpoint]mockUTXO)}
}

func (m *mockUTXOs) add(op types.Outpoint, value uint64, addr types.Address) {
	m.utxos[op] = mockUTXO{
		value: value,
		script: types.Script{
			Type: types.ScriptTypeP2PKH,
			Data: addr[:],
		},
	}
}

func (m *mockUTXOs) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, ok := m.utxos[op]
	if !ok {
		return 0, types.Script{}, fmt.Errorf("not found")
	}
	return u.value, u.script, nil
}

func (m *mockUTXOs) HasUTXO(op types.Outpoint) bool {
	_, ok := m.utxos[op]
	return ok
}

func addressFromKey(key *crypto.PrivateKey) types.Address {
	h := crypto.Hash(key.PublicKey())
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// buildTx creates a signed transaction spending the given outpoint.
func buildTx(t *testing.T, key *crypto.PrivateKey, prevOut types.Outpoint, outputValue uint64) *tx.Transaction {
	t.Helper()
	b := tx.NewBuilder().
		AddInput(prevOut).
		AddOutput(outputValue, types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)})
	b.Sign(key)
	return b.Build()
}

func TestPool_Add(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)

	result, fee, err := pool.Add(transaction)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if result != Accepted {
		t.Errorf("result = %v, want Accepted", result)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}
}

func TestPool_Add_Duplicate(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)

	pool.Add(transaction)
	result, _, err := pool.Add(transaction)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got: %v", err)
	}
	if result != RejectedDuplicate {
		t.Errorf("result = %v, want RejectedDuplicate", result)
	}
}

func TestPool_Add_DoubleSpend(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)

	tx1 := buildTx(t, key, prevOut, 4000) // Spends prevOut.
	tx2 := buildTx(t, key, prevOut, 3000) // Also spends prevOut — conflict!

	pool.Add(tx1)
	_, _, err := pool.Add(tx2)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got: %v", err)
	}
}

func TestPool_Add_GuardRejectsConflict(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	g := guard.New()
	pool.SetGuard(g)

	tx1 := buildTx(t, key, prevOut, 4000)
	if _, _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}
	if !g.IsReserved(prevOut) {
		t.Error("prevOut should be reserved in the guard after Add")
	}

	// Bypass the pool's own conflict index to confirm the guard independently rejects it too.
	tx2 := buildTx(t, key, prevOut, 3000)
	if err := g.TryReserve(tx2); !errors.Is(err, guard.ErrAlreadyReserved) {
		t.Errorf("guard TryReserve(conflicting tx) = %v, want ErrAlreadyReserved", err)
	}

	pool.Remove(tx1.Hash())
	if g.IsReserved(prevOut) {
		t.Error("prevOut should be released from the guard after Remove")
	}
}

func TestPool_Add_FullNoEviction(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	prevOut2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	utxos.add(prevOut1, 5000, addr)
	utxos.add(prevOut2, 5000, addr)

	tx1 := buildTx(t, key, prevOut1, 4000) // fee 1000
	size1 := uint64(len(tx1.SigningBytes()))

	pool := New(utxos, size1) // Exactly enough room for tx1, no more.
	if _, _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}

	// tx2 has a lower fee rate than tx1, so no valid eviction set exists.
	tx2 := buildTx(t, key, prevOut2, 4999) // fee 1
	result, _, err := pool.Add(tx2)
	if !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got: %v", err)
	}
	if result != RejectedFullNoEviction {
		t.Errorf("result = %v, want RejectedFullNoEviction", result)
	}
}

func TestPool_Add_EvictsLowerFeeRateToMakeRoom(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	prevOut2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	utxos.add(prevOut1, 5000, addr)
	utxos.add(prevOut2, 9000, addr)

	tx1 := buildTx(t, key, prevOut1, 4999) // fee 1, low rate
	size1 := uint64(len(tx1.SigningBytes()))

	pool := New(utxos, size1) // Room for exactly tx1.
	if _, _, err := pool.Add(tx1); err != nil {
		t.Fatalf("Add tx1: %v", err)
	}

	tx2 := buildTx(t, key, prevOut2, 4000) // fee 5000, high rate; same size class.
	result, _, err := pool.Add(tx2)
	if err != nil {
		t.Fatalf("Add tx2: %v", err)
	}
	if result != Accepted {
		t.Errorf("result = %v, want Accepted", result)
	}
	if pool.Has(tx1.Hash()) {
		t.Error("tx1 should have been evicted to make room for higher fee-rate tx2")
	}
	if !pool.Has(tx2.Hash()) {
		t.Error("tx2 should be admitted")
	}
}

func TestPool_Add_ValidationFailure(t *testing.T) {
	utxos := newMockUTXOs() // Empty — no UTXOs.
	pool := New(utxos, 100_000)

	key, _ := crypto.GenerateKey()
	transaction := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 1000)

	_, _, err := pool.Add(transaction)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got: %v", err)
	}
}

func TestPool_Remove(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)
	pool.Add(transaction)

	pool.Remove(transaction.Hash())
	if pool.Count() != 0 {
		t.Errorf("count = %d, want 0", pool.Count())
	}
	if pool.Has(transaction.Hash()) {
		t.Error("Has should return false after Remove")
	}
	if pool.UsedBytes() != 0 {
		t.Errorf("usedBytes = %d, want 0 after Remove", pool.UsedBytes())
	}
}

func TestPool_Remove_ClearsConflictIndex(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)

	tx1 := buildTx(t, key, prevOut, 4000)
	pool.Add(tx1)
	pool.Remove(tx1.Hash())

	// Should now be able to add a different tx spending the same outpoint.
	tx2 := buildTx(t, key, prevOut, 3000)
	_, _, err := pool.Add(tx2)
	if err != nil {
		t.Fatalf("Add after Remove should succeed: %v", err)
	}
}

func TestPool_RemoveConfirmed(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	utxos.add(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 5000, addr)
	utxos.add(types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 3000, addr)

	pool := New(utxos, 100_000)
	g := guard.New()
	pool.SetGuard(g)

	tx1 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 4000)
	tx2 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 2000)
	pool.Add(tx1)
	pool.Add(tx2)

	pool.RemoveConfirmed([]*tx.Transaction{tx1})
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}
	if pool.Has(tx1.Hash()) {
		t.Error("tx1 should be removed")
	}
	if !pool.Has(tx2.Hash()) {
		t.Error("tx2 should still be in pool")
	}
	if !g.IsSpent(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}) {
		t.Error("tx1's outpoint should be committed to spent in the guard")
	}
}

func TestPool_Has(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)

	if pool.Has(transaction.Hash()) {
		t.Error("Has should return false before Add")
	}
	pool.Add(transaction)
	if !pool.Has(transaction.Hash()) {
		t.Error("Has should return true after Add")
	}
}

func TestPool_Get(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)
	pool.Add(transaction)

	got := pool.Get(transaction.Hash())
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Hash() != transaction.Hash() {
		t.Error("Get returned wrong transaction")
	}

	missing := pool.Get(types.Hash{0xff})
	if missing != nil {
		t.Error("Get should return nil for unknown hash")
	}
}

func TestPool_SelectForBlock(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	utxos.add(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 5000, addr)
	utxos.add(types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 3000, addr)
	utxos.add(types.Outpoint{TxID: types.Hash{0x03}, Index: 0}, 8000, addr)

	pool := New(utxos, 100_000)

	// Fee = 5000 - 4000 = 1000
	tx1 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 4000)
	// Fee = 3000 - 2500 = 500
	tx2 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 2500)
	// Fee = 8000 - 5000 = 3000
	tx3 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x03}, Index: 0}, 5000)

	pool.Add(tx1)
	pool.Add(tx2)
	pool.Add(tx3)

	selected := pool.SelectForBlock(100_000)
	if len(selected) != 3 {
		t.Fatalf("selected %d, want 3", len(selected))
	}

	// tx3 (3000 fee) should be first, tx1 (1000 fee) second, tx2 (500 fee) last.
	if selected[0].Hash() != tx3.Hash() {
		t.Error("highest fee-rate tx should be first")
	}
	if selected[1].Hash() != tx1.Hash() {
		t.Error("second highest fee-rate tx should be second")
	}
	if selected[2].Hash() != tx2.Hash() {
		t.Error("lowest fee-rate tx should be last")
	}
}

func TestPool_SelectForBlock_StopsAtByteLimit(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	utxos.add(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 5000, addr)
	utxos.add(types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 8000, addr)

	pool := New(utxos, 100_000)
	tx1 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 4000) // fee 1000, lower rate
	tx2 := buildTx(t, key, types.Outpoint{TxID: types.Hash{0x02}, Index: 0}, 5000) // fee 3000, higher rate
	pool.Add(tx1)
	pool.Add(tx2)

	size2 := uint64(len(tx2.SigningBytes()))
	selected := pool.SelectForBlock(size2) // Room for only the highest fee-rate tx.
	if len(selected) != 1 {
		t.Fatalf("selected %d, want 1", len(selected))
	}
	if selected[0].Hash() != tx2.Hash() {
		t.Error("only the higher fee-rate tx should have been packed")
	}
}

func TestPool_SelectForBlock_LimitExceedsPool(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	utxos.add(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 5000, addr)

	pool := New(utxos, 100_000)
	pool.Add(buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 4000))

	selected := pool.SelectForBlock(1_000_000)
	if len(selected) != 1 {
		t.Errorf("selected %d, want 1", len(selected))
	}
}

func TestPool_SetMaxBytes_EvictsToFit(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	for i := 0; i < 5; i++ {
		utxos.add(types.Outpoint{TxID: types.Hash{byte(i + 1)}, Index: 0}, uint64(5000+i*1000), addr)
	}

	pool := New(utxos, 1_000_000)
	var sizes []uint64
	for i := 0; i < 5; i++ {
		transaction := buildTx(t, key, types.Outpoint{TxID: types.Hash{byte(i + 1)}, Index: 0}, 4000)
		pool.Add(transaction)
		sizes = append(sizes, uint64(len(transaction.SigningBytes())))
	}

	if pool.Count() != 5 {
		t.Fatalf("count = %d, want 5", pool.Count())
	}

	// Shrink capacity to room for 3 entries; eviction must never reject.
	pool.SetMaxBytes(sizes[0] * 3)
	if pool.Count() != 3 {
		t.Errorf("count after SetMaxBytes = %d, want 3", pool.Count())
	}
}

func TestPool_SetMaxBytes_NotNeeded(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	utxos.add(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 5000, addr)

	pool := New(utxos, 100_000)
	pool.Add(buildTx(t, key, types.Outpoint{TxID: types.Hash{0x01}, Index: 0}, 4000))

	pool.SetMaxBytes(100_000) // No shrink, nothing evicted.
	if pool.Count() != 1 {
		t.Errorf("count = %d, want 1", pool.Count())
	}
}

func TestPolicy_Check(t *testing.T) {
	key, _ := crypto.GenerateKey()

	b := tx.NewBuilder().
		AddInput(types.Outpoint{TxID: types.Hash{0x01}, Index: 0}).
		AddOutput(1000, types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)})
	b.Sign(key)
	transaction := b.Build()

	policy := DefaultPolicy()
	if err := policy.Check(transaction); err != nil {
		t.Errorf("valid tx should pass policy: %v", err)
	}

	// Tiny max size to trigger rejection.
	policy.MaxTxSize = 1
	if err := policy.Check(transaction); err == nil {
		t.Error("oversized tx should fail policy")
	}
}

func TestNew_DefaultMaxBytes(t *testing.T) {
	utxos := newMockUTXOs()
	pool := New(utxos, 0) // Should default to 300 MB.
	if pool.MaxBytes() != 300_000_000 {
		t.Errorf("maxBytes = %d, want 300000000", pool.MaxBytes())
	}
}

func TestPool_MinFeeRate_Reject(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	pool.SetMinFeeRate(12) // 12 base units per byte; 198 bytes → requires 2376 fee.

	// Tx with fee = 1000 (5000 - 4000) should be rejected (1000 < 12*198).
	transaction := buildTx(t, key, prevOut, 4000)
	result, _, err := pool.Add(transaction)
	if !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("expected ErrFeeTooLow, got: %v", err)
	}
	if result != RejectedBelowMin {
		t.Errorf("result = %v, want RejectedBelowMin", result)
	}
}

func TestPool_MinFeeRate_Accept(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	pool.SetMinFeeRate(5) // 5 base units per byte; 198 bytes → requires 990 fee.

	// Tx with fee = 1000 (5000 - 4000) should pass (1000 >= 5*198).
	transaction := buildTx(t, key, prevOut, 4000)
	result, fee, err := pool.Add(transaction)
	if err != nil {
		t.Fatalf("Add should pass: %v", err)
	}
	if result != Accepted {
		t.Errorf("result = %v, want Accepted", result)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
}

func TestPool_GetFee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	utxos := newMockUTXOs()
	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	utxos.add(prevOut, 5000, addr)

	pool := New(utxos, 100_000)
	transaction := buildTx(t, key, prevOut, 4000)
	pool.Add(transaction)

	txHash := transaction.Hash()
	if got := pool.GetFee(txHash); got != 1000 {
		t.Errorf("GetFee = %d, want 1000", got)
	}

	// Unknown tx returns 0.
	if got := pool.GetFee(types.Hash{0xff}); got != 0 {
		t.Errorf("GetFee for unknown = %d, want 0", got)
	}
}

func TestPolicy_Check_TooManyInputs(t *testing.T) {
	inputs := make([]tx.Input, config.MaxTxInputs+1)
	for i := range inputs {
		inputs[i] = tx.Input{
			PrevOut:   types.Outpoint{TxID: types.Hash{byte(i >> 8), byte(i)}, Index: uint32(i)},
			Signature: []byte("s"),
			PubKey:    []byte("k"),
		}
	}
	transaction := &tx.Transaction{
		Inputs:  inputs,
		Outputs: []tx.Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH}}},
	}
	policy := DefaultPolicy()
	err := policy.Check(transaction)
	if err == nil || !strings.Contains(err.Error(), "too many inputs") {
		t.Errorf("expected too many inputs error, got: %v", err)
	}
}

func TestPolicy_Check_TooManyOutputs(t *testing.T) {
	outputs := make([]tx.Output, config.MaxTxOutputs+1)
	for i := range outputs {
		outputs[i] = tx.Output{Value: 1, Script: types.Script{Type: types.ScriptTypeP2PKH}}
	}
	transaction := &tx.Transaction{
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}}, Signature: []byte("s"), PubKey: []byte("k")}},
		Outputs: outputs,
	}
	policy := DefaultPolicy()
	err := policy.Check(transaction)
	if err == nil || !strings.Contains(err.Error(), "too many outputs") {
		t.Errorf("expected too many outputs error, got: %v", err)
	}
}

func TestPolicy_Check_ScriptDataTooLarge(t *testing.T) {
	transaction := &tx.Transaction{
		Inputs: []tx.Input{{PrevOut: types.Outpoint{TxID: types.Hash{0x01}}, Signature: []byte("s"), PubKey: []byte("k")}},
		Outputs: []tx.Output{{
			Value:  1000,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, config.MaxScriptData+1)},
		}},
	}
	policy := DefaultPolicy()
	err := policy.Check(transaction)
	if err == nil || !strings.Contains(err.Error(), "script data too large") {
		t.Errorf("expected script data too large error, got: %v", err)
	}
}
