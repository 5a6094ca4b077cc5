// Command testnet boots a 2-node local testnet from scratch.
//
// Usage: go run ./cmd/testnet/
//
// It creates a genesis config, boots two in-process nodes (one block
// producer, one follower) connected over a direct TCP link, mines blocks
// at low proof-of-work difficulty, gossips them between the nodes, and
// verifies both chains converge on the same tip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/internal/chain"
	"github.com/jnodes/xorcoin/internal/consensus"
	klog "github.com/jnodes/xorcoin/internal/log"
	"github.com/jnodes/xorcoin/internal/mempool"
	"github.com/jnodes/xorcoin/internal/miner"
	"github.com/jnodes/xorcoin/internal/p2p"
	"github.com/jnodes/xorcoin/internal/storage"
	"github.com/jnodes/xorcoin/internal/utxo"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/types"
)

const (
	numBlocks      = 10
	testDifficulty = 4 // Low enough to seal near-instantly on a laptop CPU.
)

// nodeBundle groups all components for one logical node.
type nodeBundle struct {
	name  string
	chain *chain.Chain
	pool  *mempool.Pool
	p2p   *p2p.Node
	miner *miner.Miner // nil for non-producers.
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Xorcoin 2-Node Local Testnet ===")

	// ── Phase 1: Genesis + coinbase key ──────────────────────────────────

	coinbaseKey, err := crypto.GenerateKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate coinbase key")
	}
	coinbaseAddr := crypto.AddressFromPubKey(coinbaseKey.PublicKey())

	gen := config.TestnetGenesis()
	gen.ChainID = "xorcoin-testnet-local"
	gen.ChainName = "Local Testnet"
	gen.Timestamp = uint64(time.Now().Unix())
	gen.Protocol.Consensus.InitialDifficulty = testDifficulty

	logger.Info().Str("chain_id", gen.ChainID).Msg("Genesis config created")

	// ── Phase 2: Build nodes ──────────────────────────────────────────────

	node1, err := buildNode("node-1", gen, coinbaseAddr)
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-1")
	}
	node2, err := buildNode("node-2", gen, types.Address{})
	if err != nil {
		logger.Fatal().Err(err).Msg("build node-2")
	}

	logger.Info().
		Uint64("node1_height", node1.chain.Height()).
		Uint64("node2_height", node2.chain.Height()).
		Msg("Genesis initialized on both nodes")

	// ── Phase 3: Start P2P + connect ──────────────────────────────────────

	if err := node1.p2p.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-1 p2p")
	}
	if err := node2.p2p.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start node-2 p2p")
	}
	defer cleanup(node1, node2)

	logger.Info().
		Str("node1_addr", node1.p2p.Addr()).
		Str("node2_addr", node2.p2p.Addr()).
		Msg("P2P nodes started")

	if err := node2.p2p.DialPeer(node1.p2p.Addr(), "manual"); err != nil {
		logger.Fatal().Err(err).Msg("connect node-2 to node-1")
	}
	time.Sleep(200 * time.Millisecond) // Handshake settle.

	logger.Info().
		Int("node1_peers", node1.p2p.PeerCount()).
		Int("node2_peers", node2.p2p.PeerCount()).
		Msg("Nodes connected")

	// ── Phase 4: Signal handling ────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Phase 5: Block production ──────────────────────────────────────

	logger.Info().Int("blocks", numBlocks).Msg("Starting block production")

	for i := 0; i < numBlocks; i++ {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Production interrupted")
			goto verify
		default:
		}

		blk, err := node1.miner.ProduceBlockCtx(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("produce block")
		}

		if err := node1.chain.ProcessBlock(blk); err != nil {
			logger.Fatal().Err(err).Msg("process block on node-1")
		}
		node1.pool.RemoveConfirmed(blk.Transactions)

		if err := node1.p2p.BroadcastBlock(blk); err != nil {
			logger.Error().Err(err).Msg("broadcast block")
		}

		logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Value).
			Msg("Block produced")
	}

verify:
	// ── Phase 6: Verification ──────────────────────────────────────────

	// Wait for the last block to propagate.
	time.Sleep(1 * time.Second)

	h1 := node1.chain.Height()
	h2 := node2.chain.Height()
	t1 := node1.chain.TipHash()
	t2 := node2.chain.TipHash()

	logger.Info().
		Uint64("node1_height", h1).
		Uint64("node2_height", h2).
		Str("node1_tip", t1.String()[:16]+"...").
		Str("node2_tip", t2.String()[:16]+"...").
		Msg("Final chain state")

	if h1 == h2 && t1 == t2 {
		logger.Info().Msg("SUCCESS: Both nodes converged — chains match!")
		fmt.Println()
		fmt.Printf("  Blocks produced:  %d\n", h1)
		fmt.Printf("  Chain tip:        %s\n", t1)
		fmt.Printf("  Min fee rate:     %d base units/byte\n", gen.Protocol.Consensus.MinFeeRate)
		fmt.Printf("  Max supply:       %d coins\n", gen.Protocol.Consensus.MaxSupply)
		fmt.Printf("  Decimals:         %d\n", config.Decimals)
		fmt.Println()
	} else {
		logger.Error().Msg("FAILURE: Chain mismatch between nodes!")
		os.Exit(1)
	}
}

// buildNode creates a fully wired node with chain, mempool, p2p, and an
// optional miner (a zero coinbaseAddr means the node is a follower only).
func buildNode(name string, gen *config.Genesis, coinbaseAddr types.Address) (*nodeBundle, error) {
	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	pow, err := consensus.NewPoW(
		gen.Protocol.Consensus.InitialDifficulty,
		gen.Protocol.Consensus.RetargetInterval,
		gen.Protocol.Consensus.TargetBlockTime,
	)
	if err != nil {
		return nil, fmt.Errorf("create pow: %w", err)
	}

	ch, err := chain.New(types.ChainID{}, db, utxoStore, pow)
	if err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(gen.Protocol.Consensus)
	if err := ch.InitFromGenesis(gen); err != nil {
		return nil, fmt.Errorf("init genesis: %w", err)
	}

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 0)
	pool.SetMinFeeRate(gen.Protocol.Consensus.MinFeeRate)

	p2pNode := p2p.New(p2p.Config{
		ListenAddr: "127.0.0.1",
		Port:       0, // Random port.
		NoDiscover: true,
		NetworkID:  gen.ChainID,
	})

	genesisHash, _ := gen.Hash()
	p2pNode.SetGenesisHash(genesisHash)
	p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

	nodeLogger := klog.WithComponent(name)
	p2pNode.SetBlockHandler(func(_ string, data []byte) {
		var blk block.Block
		if err := json.Unmarshal(data, &blk); err != nil {
			nodeLogger.Error().Err(err).Msg("unmarshal block")
			return
		}
		if err := ch.ProcessBlock(&blk); err != nil {
			if !errors.Is(err, chain.ErrBlockKnown) {
				nodeLogger.Error().Err(err).Uint64("height", blk.Header.Height).Msg("process block")
			}
			return
		}
		pool.RemoveConfirmed(blk.Transactions)
		nodeLogger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Msg("Block received and applied")
	})

	var m *miner.Miner
	if coinbaseAddr != (types.Address{}) {
		rules := gen.Protocol.Consensus
		rewardFn := miner.RewardFunc(func(height uint64) uint64 {
			return consensus.CurrentReward(height, rules.InitialSubsidy, rules.HalvingInterval)
		})
		m = miner.New(ch, pow, pool, coinbaseAddr, rewardFn, rules.MaxSupply*config.Coin, ch.Supply)
	}

	return &nodeBundle{
		name:  name,
		chain: ch,
		pool:  pool,
		p2p:   p2pNode,
		miner: m,
	}, nil
}

// cleanup stops all P2P nodes.
func cleanup(nodes ...*nodeBundle) {
	for _, n := range nodes {
		n.p2p.Stop()
	}
}
