package rpc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/jnodes/xorcoin/internal/consensus"
	"github.com/jnodes/xorcoin/internal/miner"
	"github.com/jnodes/xorcoin/internal/utxo"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/tx"
	"github.com/jnodes/xorcoin/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	rules := s.genesis.Protocol.Consensus
	height := s.chain.Height()

	return &ChainInfoResult{
		ChainID:         s.genesis.ChainID,
		Symbol:          s.genesis.Symbol,
		Height:          height,
		TipHash:         s.chain.TipHash().String(),
		Difficulty:      rules.InitialDifficulty,
		CurrentReward:   consensus.CurrentReward(height+1, rules.InitialSubsidy, rules.HalvingInterval),
		TotalSupply:     consensus.TotalSupply(height, rules.InitialSubsidy, rules.HalvingInterval),
		BlocksToHalving: consensus.BlocksUntilHalving(height+1, rules.HalvingInterval),
	}, nil
}

func (s *Server) handleChainGetBlockByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hashBytes, decErr := hex.DecodeString(params.Hash)
	if decErr != nil || len(hashBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	var hash types.Hash
	copy(hash[:], hashBytes)

	blk, err := s.chain.GetBlock(hash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetBlockByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	blk, err := s.chain.GetBlockByHeight(params.Height)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("block not found at height %d: %v", params.Height, err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}

	hashBytes, decErr := hex.DecodeString(params.Hash)
	if decErr != nil || len(hashBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	var txHash types.Hash
	copy(txHash[:], hashBytes)

	// Check mempool first.
	if t := s.pool.Get(txHash); t != nil {
		return NewTxResult(t), nil
	}

	t, err := s.chain.GetTransaction(txHash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "transaction not found"}
	}
	return NewTxResult(t), nil
}

// ── UTXO endpoints ──────────────────────────────────────────────────────

func (s *Server) handleUTXOGet(req *Request) (interface{}, *Error) {
	var params OutpointParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.TxID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tx_id is required"}
	}

	txIDBytes, decErr := hex.DecodeString(params.TxID)
	if decErr != nil || len(txIDBytes) != types.HashSize {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid tx_id: must be 32-byte hex"}
	}

	var op types.Outpoint
	copy(op.TxID[:], txIDBytes)
	op.Index = params.Index

	u, err := s.utxos.Get(op)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("utxo not found: %v", err)}
	}
	return u, nil
}

func (s *Server) handleUTXOGetByAddress(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	return &UTXOListResult{
		Address: params.Address,
		UTXOs:   utxos,
	}, nil
}

func (s *Server) handleUTXOGetBalance(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}

	addr, addrErr := decodeAddress(params.Address)
	if addrErr != nil {
		return nil, addrErr
	}

	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get utxos: %v", err)}
	}

	result := classifyUTXOs(utxos, s.chain.Height(), s.genesis.Protocol.Consensus.CoinbaseMaturity)
	result.Address = params.Address
	return result, nil
}

// classifyUTXOs sums a set of UTXOs into spendable vs immature coinbase
// buckets based on the chain's coinbase maturity rule.
func classifyUTXOs(utxos []*utxo.UTXO, chainHeight, coinbaseMaturity uint64) *BalanceResult {
	var spendable, immature uint64
	for _, u := range utxos {
		if u.Coinbase && !u.Mature(chainHeight, coinbaseMaturity) {
			immature += u.Value
			continue
		}
		spendable += u.Value
	}
	return &BalanceResult{
		Balance:   spendable + immature,
		Spendable: spendable,
		Immature:  immature,
	}
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	_, _, err := s.pool.Add(params.Transaction)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(params.Transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast transaction")
		}
	}

	return &TxSubmitResult{
		TxHash: params.Transaction.Hash().String(),
	}, nil
}

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxSubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}

	adapter := miner.NewUTXOAdapter(s.utxos)
	fee, err := params.Transaction.ValidateWithUTXOs(adapter)
	if err != nil {
		return &TxValidateResult{
			Valid: false,
			Error: err.Error(),
		}, nil
	}

	return &TxValidateResult{
		Valid: true,
		Fee:   fee,
	}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:      s.pool.Count(),
		MinFeeRate: s.pool.MinFeeRate(),
	}, nil
}

func (s *Server) handleMempoolGetContent(_ *Request) (interface{}, *Error) {
	hashes := s.pool.Hashes()
	hexHashes := make([]string, len(hashes))
	for i, h := range hashes {
		hexHashes[i] = h.String()
	}
	return &MempoolContentResult{
		Hashes: hexHashes,
	}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.Peers()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			Addr:        p.Addr,
			Inbound:     p.Inbound,
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			BestHeight:  p.BestHeight(),
		}
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{Addr: ""}, nil
	}
	return &NodeInfoResult{Addr: s.p2pNode.Addr()}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.banManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.banManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}

// ── Mining endpoints ─────────────────────────────────────────────────

func (s *Server) handleMiningGetBlockTemplate(req *Request) (interface{}, *Error) {
	var params MiningGetBlockTemplateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.CoinbaseAddress == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "coinbase_address is required"}
	}

	pow, ok := s.engine.(*consensus.PoW)
	if !ok {
		return nil, &Error{Code: CodeInternalError, Message: "chain does not use PoW consensus"}
	}

	coinbaseAddr, addrErr := decodeAddress(params.CoinbaseAddress)
	if addrErr != nil {
		return nil, addrErr
	}

	// Build block template (same as miner.ProduceBlock, but skip Seal).
	var selected []*tx.Transaction
	var totalFees uint64
	if s.pool != nil {
		selected = s.pool.SelectForBlock(499) // Reserve slot for coinbase.
		for _, t := range selected {
			totalFees += s.pool.GetFee(t.Hash())
		}
	}

	rules := s.genesis.Protocol.Consensus
	height := s.chain.Height() + 1
	reward := consensus.CurrentReward(height, rules.InitialSubsidy, rules.HalvingInterval)

	maxSupply := rules.MaxSupply
	if maxSupply > 0 {
		currentSupply := s.chain.Supply()
		maxSupplyBase := maxSupply * 100_000_000
		if currentSupply >= maxSupplyBase {
			reward = 0
		} else if currentSupply+reward > maxSupplyBase {
			reward = maxSupplyBase - currentSupply
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	coinbaseTx := miner.BuildCoinbase(coinbaseAddr, reward+totalFees, height)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbaseTx)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	timestamp := uint64(time.Now().Unix())
	if parentTS := s.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   s.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
		Height:     height,
	}

	if err := pow.Prepare(header); err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("prepare header: %v", err)}
	}

	blk := block.NewBlock(header, txs)

	return &MiningBlockTemplateResult{
		Block:      blk,
		Target:     pow.TargetHex(header.Difficulty),
		Difficulty: header.Difficulty,
		Height:     height,
		PrevHash:   header.PrevHash.String(),
	}, nil
}

func (s *Server) handleMiningSubmitBlock(req *Request) (interface{}, *Error) {
	var params MiningSubmitBlockParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Block == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "block is required"}
	}

	if err := s.chain.ProcessBlock(params.Block); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("block rejected: %v", err)}
	}

	s.pool.RemoveConfirmed(params.Block.Transactions)

	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastBlock(params.Block); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to broadcast block")
		}
	}

	blockHash := params.Block.Hash()
	return &MiningSubmitBlockResult{
		BlockHash: blockHash.String(),
		Height:    params.Block.Header.Height,
	}, nil
}

func decodeAddress(s string) (types.Address, *Error) {
	addr, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, &Error{Code: CodeInvalidParams, Message: "invalid address: " + err.Error()}
	}
	return addr, nil
}
