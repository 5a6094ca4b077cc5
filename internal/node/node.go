// Package node provides a reusable blockchain node that can be embedded
// in any binary (daemon, test harness, etc.).
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jnodes/xorcoin/config"
	"github.com/jnodes/xorcoin/internal/chain"
	"github.com/jnodes/xorcoin/internal/consensus"
	"github.com/jnodes/xorcoin/internal/guard"
	klog "github.com/jnodes/xorcoin/internal/log"
	"github.com/jnodes/xorcoin/internal/mempool"
	"github.com/jnodes/xorcoin/internal/miner"
	"github.com/jnodes/xorcoin/internal/p2p"
	"github.com/jnodes/xorcoin/internal/rpc"
	"github.com/jnodes/xorcoin/internal/storage"
	"github.com/jnodes/xorcoin/internal/utxo"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
	"github.com/rs/zerolog"
)

// Node is a fully-initialized blockchain node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	utxoStore *utxo.Store
	engine    consensus.Engine
	ch        *chain.Chain
	pool      *mempool.Pool

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, consensus, chain, mempool, P2P, RPC) but
// does NOT start background goroutines (mining, sync). Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/xorcoin.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("target_block_time", genesis.Protocol.Consensus.TargetBlockTime).
		Uint64("initial_difficulty", genesis.Protocol.Consensus.InitialDifficulty).
		Msg("Starting Xorcoin node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 4. Consensus engine (proof-of-work only) ────────────────────
	pow, err := consensus.NewPoW(
		genesis.Protocol.Consensus.InitialDifficulty,
		genesis.Protocol.Consensus.RetargetInterval,
		genesis.Protocol.Consensus.TargetBlockTime,
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	pow.Threads = cfg.Mining.Threads
	var engine consensus.Engine = pow

	// ── 5. Chain ──────────────────────────────────────────────────────
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 6. Mempool ────────────────────────────────────────────────────
	adapter := miner.NewUTXOAdapter(utxoStore)
	maxBytes := cfg.Mempool.MaxBytes
	pool := mempool.New(adapter, maxBytes)
	minFeeRate := cfg.Mempool.MinFeeRate
	if minFeeRate == 0 {
		minFeeRate = genesis.Protocol.Consensus.MinFeeRate
	}
	pool.SetMinFeeRate(minFeeRate)
	pool.SetCoinbaseMaturity(genesis.Protocol.Consensus.CoinbaseMaturity, ch.Height, utxoStore)
	pool.SetGuard(guard.New())

	logger.Info().
		Uint64("min_fee_rate", minFeeRate).
		Uint64("max_bytes", pool.MaxBytes()).
		Msg("Mempool ready")

	// ── 7. P2P ────────────────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	var nodeRef *Node // set after Node is constructed; used by handler closures that trigger sync
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		genesisHash, _ := genesis.Hash()
		p2pNode.SetGenesisHash(genesisHash)
		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

		p2pNode.RegisterBlockProvider(func(locator []string, max uint32) []*block.Block {
			return provideBlocks(ch, locator, max)
		})

		// Block handler: apply gossiped blocks, trigger a sync round on an
		// unrecognized parent (we're behind or on a different fork).
		var syncing atomic.Bool
		p2pNode.SetBlockHandler(func(from string, data []byte) {
			host := peerHost(from)
			var blk block.Block
			if err := json.Unmarshal(data, &blk); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal block")
				p2pNode.BanManager.RecordOffense(host, p2p.PenaltyInvalidBlock, "unmarshal: "+err.Error())
				p2pNode.Scores.Record(host, p2p.ActionInvalidBlock, "unmarshal: "+err.Error())
				return
			}
			if err := ch.ProcessBlock(&blk); err != nil {
				if errors.Is(err, chain.ErrPrevNotFound) && syncing.CompareAndSwap(false, true) {
					go func() {
						defer syncing.Store(false)
						if nodeRef != nil {
							nodeRef.runStartupSync()
						}
					}()
				}
				if !errors.Is(err, chain.ErrBlockKnown) && !errors.Is(err, chain.ErrPrevNotFound) {
					p2pNode.BanManager.RecordOffense(host, p2p.PenaltyInvalidBlock, err.Error())
					p2pNode.Scores.Record(host, p2p.ActionInvalidBlock, err.Error())
				}
				if !errors.Is(err, chain.ErrBlockKnown) {
					logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("Failed to process block")
				}
				return
			}
			pool.RemoveConfirmed(blk.Transactions)
			p2pNode.Scores.Record(host, p2p.ActionValidBlock, "valid block")

			logger.Info().
				Uint64("height", blk.Header.Height).
				Str("hash", blk.Hash().String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Msg("Block received and applied")
		})

		p2pNode.SetTxHandler(func(from string, data []byte) {
			host := peerHost(from)
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Failed to unmarshal transaction")
				p2pNode.BanManager.RecordOffense(host, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
				p2pNode.Scores.Record(host, p2p.ActionInvalidTx, "unmarshal: "+err.Error())
				return
			}
			_, fee, err := pool.Add(&t)
			if err != nil {
				logger.Debug().Err(err).Msg("Rejected transaction")
				p2pNode.BanManager.RecordOffense(host, p2p.PenaltyInvalidTx, err.Error())
				p2pNode.Scores.Record(host, p2p.ActionInvalidTx, err.Error())
				return
			}
			p2pNode.Scores.Record(host, p2p.ActionValidTx, "valid tx")

			logger.Info().
				Str("tx", t.Hash().String()[:16]+"...").
				Uint64("fee", fee).
				Msg("Transaction added to mempool")
		})

		if err := p2pNode.Start(); err != nil {
			db.Close()
			return nil, fmt.Errorf("start P2P: %w", err)
		}

		logger.Info().
			Str("addr", p2pNode.Addr()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		syncer = p2p.NewSyncer(p2pNode)
		logger.Info().Msg("Chain sync protocol registered")
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// Reverted-tx handler: return transactions orphaned by a reorg to the mempool.
	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		reinserted := 0
		for _, t := range txs {
			if _, _, err := pool.Add(t); err == nil {
				reinserted++
			}
		}
		if reinserted > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("reinserted", reinserted).
				Msg("Reverted transactions returned to mempool")
		}
	})

	// ── 8. RPC server ─────────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, utxoStore, pool, p2pNode, genesis, engine, cfg.RPC)
		if err := rpcServer.Start(); err != nil {
			if p2pNode != nil {
				p2pNode.Stop()
			}
			db.Close()
			return nil, fmt.Errorf("start RPC at %s: %w", rpcAddr, err)
		}

		if p2pNode != nil {
			rpcServer.SetBanManager(p2pNode.BanManager)
		}

		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		utxoStore: utxoStore,
		engine:    engine,
		ch:        ch,
		pool:      pool,
		p2pNode:   p2pNode,
		syncer:    syncer,
		rpcServer: rpcServer,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Wire nodeRef for the block handler's sync trigger.
	nodeRef = n

	return n, nil
}

// Start launches background goroutines: startup sync, periodic sync retries,
// and (if mining is enabled) block production.
func (n *Node) Start() error {
	if n.p2pNode != nil && n.syncer != nil {
		n.runStartupSync()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runSyncLoop()
		}()
	}

	if n.cfg.Mining.Enabled {
		coinbaseAddr, err := resolveCoinbase(n.cfg.Mining.Coinbase)
		if err != nil {
			return fmt.Errorf("resolve coinbase: %w", err)
		}

		rules := n.genesis.Protocol.Consensus
		rewardFn := miner.RewardFunc(func(height uint64) uint64 {
			return consensus.CurrentReward(height, rules.InitialSubsidy, rules.HalvingInterval)
		})
		m := miner.New(n.ch, n.engine, n.pool, coinbaseAddr, rewardFn, rules.MaxSupply*config.Coin, n.ch.Supply)

		n.logger.Info().
			Str("coinbase", hex.EncodeToString(coinbaseAddr[:])[:16]+"...").
			Int("threads", n.cfg.Mining.Threads).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner(m)
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().String()[:16]+"...").
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Sync ────────────────────────────────────────────────────────────

// buildLocator returns a list of known block hashes, most recent first,
// thinning out exponentially toward genesis — the same locator shape
// used for Bitcoin-style initial block download, letting a peer find
// the most recent common ancestor without us tracking one explicitly.
func buildLocator(ch *chain.Chain) []string {
	height := ch.Height()
	var hashes []string
	step := uint64(1)
	h := height
	for {
		blk, err := ch.GetBlockByHeight(h)
		if err == nil {
			hashes = append(hashes, blk.Hash().String())
		}
		if h == 0 {
			break
		}
		if len(hashes) >= 10 {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	return hashes
}

// provideBlocks answers an inbound GETBLOCKS request: it walks the caller's
// locator to find the most recent hash we also recognize, then returns up
// to max blocks extending the chain past that point.
func provideBlocks(ch *chain.Chain, locator []string, max uint32) []*block.Block {
	if max == 0 || max > 500 {
		max = 500
	}

	startHeight := uint64(0)
	found := false
	for _, hx := range locator {
		hash, err := types.HexToHash(hx)
		if err != nil {
			continue
		}
		blk, err := ch.GetBlock(hash)
		if err != nil {
			continue
		}
		startHeight = blk.Header.Height
		found = true
		break
	}
	if !found && len(locator) > 0 {
		// None of the peer's locator hashes are known to us; nothing to serve.
		return nil
	}

	var blocks []*block.Block
	for h := startHeight + 1; uint32(len(blocks)) < max; h++ {
		blk, err := ch.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
	}
	return blocks
}

func (n *Node) runSyncLoop() {
	if n.p2pNode == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.p2pNode.PeerCount() == 0 {
				continue
			}
			n.runStartupSync()
		}
	}
}

// runStartupSync picks the peer with the greatest announced height and
// downloads blocks from it in batches until we match or the peer stops
// sending new blocks. The locator sent with each request lets the peer's
// own provideBlocks resolve forks automatically: if our tip has diverged,
// the peer walks our locator back to the last hash it recognizes too.
func (n *Node) runStartupSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}

	var best *p2p.Peer
	for _, p := range n.p2pNode.Peers() {
		if !p.HandshakeDone() {
			continue
		}
		if best == nil || p.BestHeight() > best.BestHeight() {
			best = p
		}
	}
	if best == nil {
		n.logger.Info().Msg("No peers for startup sync")
		return
	}

	localHeight := n.ch.Height()
	if best.BestHeight() <= localHeight {
		n.logger.Info().Uint64("height", localHeight).Msg("Chain is up to date")
		return
	}

	total := best.BestHeight() - localHeight
	n.logger.Info().
		Uint64("local", localHeight).
		Uint64("remote", best.BestHeight()).
		Uint64("blocks", total).
		Msg("Syncing chain")

	syncStart := time.Now()

	for {
		locator := buildLocator(n.ch)
		blocks, err := n.syncer.RequestBlocks(best, locator, 500)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Sync request failed")
			return
		}
		if len(blocks) == 0 {
			break
		}

		startHeight := n.ch.Height()
		for _, blk := range blocks {
			if err := n.ch.ProcessBlock(blk); err != nil {
				if errors.Is(err, chain.ErrBlockKnown) {
					continue
				}
				n.logger.Warn().Err(err).Uint64("height", blk.Header.Height).Msg("Sync block failed")
				return
			}
			n.pool.RemoveConfirmed(blk.Transactions)
		}

		if n.ch.Height() == startHeight {
			// Peer returned blocks we already applied; nothing more to do.
			break
		}

		synced := n.ch.Height() - localHeight
		pct := float64(synced) / float64(total) * 100
		elapsed := time.Since(syncStart).Seconds()
		bps := float64(synced) / elapsed
		remaining := ""
		if bps > 0 {
			eta := float64(total-synced) / bps
			remaining = fmt.Sprintf("%.0fs", eta)
		}

		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", best.BestHeight()).
			Str("progress", fmt.Sprintf("%.1f%%", pct)).
			Str("speed", fmt.Sprintf("%.0f blk/s", bps)).
			Str("eta", remaining).
			Msg("Syncing")

		if n.ch.Height() >= best.BestHeight() {
			break
		}
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("elapsed", time.Since(syncStart)).
		Msg("Sync complete")
}

// ── Mining ──────────────────────────────────────────────────────────

// runMiner continuously seals new blocks. Proof-of-work has no scheduled
// slots or elections: any node may produce a block whenever it finds a
// header hash meeting the current target. Sealing is cancelled early if
// the node is shutting down; a block finished after the tip has already
// advanced (e.g. a peer's block arrived first) is discarded.
func (n *Node) runMiner(m *miner.Miner) {
	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		default:
		}

		startHeight := n.ch.Height()

		blk, err := m.ProduceBlockCtx(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Error().Err(err).Msg("Failed to produce block")
			continue
		}

		if n.ch.Height() != startHeight {
			n.logger.Debug().Msg("Discarding block sealed against a stale tip")
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			n.logger.Error().Err(err).Msg("Failed to process own block")
			if errors.Is(err, chain.ErrCoinbaseNotMature) {
				for _, t := range blk.Transactions[1:] {
					n.pool.Remove(t.Hash())
				}
				n.logger.Info().Msg("Evicted mempool transactions due to coinbase maturity")
			}
			continue
		}
		n.pool.RemoveConfirmed(blk.Transactions)

		if n.p2pNode != nil {
			if err := n.p2pNode.BroadcastBlock(blk); err != nil {
				n.logger.Error().Err(err).Msg("Failed to broadcast block")
			}
		}

		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Uint64("reward", blk.Transactions[0].Outputs[0].Value).
			Msg("Block produced")
	}
}
