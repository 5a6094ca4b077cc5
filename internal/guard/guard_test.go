package guard

import (
	"sync"
	"testing"

	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

func txSpending(ops ...types.Outpoint) *tx.Transaction {
	b := tx.NewBuilder()
	for _, op := range ops {
		b.AddInput(op)
	}
	b.AddOutput(1000, types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, types.AddressSize)})
	return b.Build()
}

func outpoint(b byte, index uint32) types.Outpoint {
	var h types.Hash
	h[0] = b
	return types.Outpoint{TxID: h, Index: index}
}

func TestGuard_TryReserve_Succeeds(t *testing.T) {
	g := New()
	t1 := txSpending(outpoint(1, 0))
	if err := g.TryReserve(t1); err != nil {
		t.Fatalf("TryReserve() = %v, want nil", err)
	}
	if !g.IsReserved(outpoint(1, 0)) {
		t.Error("outpoint should be reserved")
	}
}

func TestGuard_TryReserve_RejectsAlreadyReserved(t *testing.T) {
	g := New()
	op := outpoint(1, 0)
	t1 := txSpending(op)
	t2 := txSpending(op)

	if err := g.TryReserve(t1); err != nil {
		t.Fatalf("first TryReserve() = %v, want nil", err)
	}
	if err := g.TryReserve(t2); err != ErrAlreadyReserved {
		t.Fatalf("second TryReserve() = %v, want ErrAlreadyReserved", err)
	}
}

func TestGuard_TryReserve_RejectsAlreadySpent(t *testing.T) {
	g := New()
	op := outpoint(1, 0)
	t1 := txSpending(op)

	if err := g.TryReserve(t1); err != nil {
		t.Fatal(err)
	}
	g.Commit(t1)

	t2 := txSpending(op)
	if err := g.TryReserve(t2); err != ErrAlreadyReserved {
		t.Fatalf("TryReserve() on spent outpoint = %v, want ErrAlreadyReserved", err)
	}
}

func TestGuard_TryReserve_PartialConflictLeavesNoState(t *testing.T) {
	g := New()
	held := outpoint(1, 0)
	free := outpoint(2, 0)

	g.TryReserve(txSpending(held))

	conflicting := txSpending(held, free)
	if err := g.TryReserve(conflicting); err != ErrAlreadyReserved {
		t.Fatalf("TryReserve() = %v, want ErrAlreadyReserved", err)
	}
	if g.IsReserved(free) {
		t.Error("free outpoint must not be reserved when the batch is rejected")
	}
}

func TestGuard_Commit_MovesReservedToSpent(t *testing.T) {
	g := New()
	op := outpoint(1, 0)
	t1 := txSpending(op)

	g.TryReserve(t1)
	g.Commit(t1)

	if g.IsReserved(op) {
		t.Error("outpoint should no longer be reserved after commit")
	}
	if !g.IsSpent(op) {
		t.Error("outpoint should be spent after commit")
	}
}

func TestGuard_Rollback_RemovesFromReserved(t *testing.T) {
	g := New()
	op := outpoint(1, 0)
	t1 := txSpending(op)

	g.TryReserve(t1)
	g.Rollback(t1)

	if g.IsReserved(op) {
		t.Error("outpoint should not be reserved after rollback")
	}
	if g.IsSpent(op) {
		t.Error("outpoint should not be spent after rollback")
	}

	// Rollback should free the outpoint for reservation by another tx.
	t2 := txSpending(op)
	if err := g.TryReserve(t2); err != nil {
		t.Fatalf("TryReserve() after rollback = %v, want nil", err)
	}
}

func TestGuard_ReorgRelease_MovesSpentToReserved(t *testing.T) {
	g := New()
	op := outpoint(1, 0)
	t1 := txSpending(op)

	g.TryReserve(t1)
	g.Commit(t1)
	g.ReorgRelease(t1)

	if g.IsSpent(op) {
		t.Error("outpoint should no longer be spent after reorg release")
	}
	if !g.IsReserved(op) {
		t.Error("outpoint should be reserved again after reorg release")
	}
}

func TestGuard_CoinbaseInputsIgnored(t *testing.T) {
	g := New()
	coinbase := txSpending(types.Outpoint{}) // Zero outpoint = coinbase.
	if err := g.TryReserve(coinbase); err != nil {
		t.Fatalf("TryReserve(coinbase) = %v, want nil", err)
	}
	if g.IsReserved(types.Outpoint{}) {
		t.Error("zero outpoint must never be tracked as reserved")
	}
}

func TestGuard_ConcurrentReserveOnlyOneWins(t *testing.T) {
	g := New()
	op := outpoint(7, 0)

	const n = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.TryReserve(txSpending(op)); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("exactly one concurrent TryReserve should succeed, got %d", count)
	}
}
