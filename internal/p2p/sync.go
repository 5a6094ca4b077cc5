package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jnodes/xorcoin/pkg/block"
)

const (
	// syncReadTimeout is the max time to wait for a sync response.
	syncReadTimeout = 30 * time.Second

	// maxBlocksPerSync caps how many blocks a single GETBLOCKS round trip
	// returns, mirroring the reference implementation's batch cap.
	maxBlocksPerSync = 500
)

// GetBlocksRequest asks a peer for blocks starting after a locator of known
// block hashes (most recent first), matching the standard exponential
// locator used for initial block download.
type GetBlocksRequest struct {
	Locator   []string `json:"locator"`
	MaxBlocks uint32   `json:"max_blocks"`
}

// BlocksResponse contains the blocks a peer returned for a GETBLOCKS request.
type BlocksResponse struct {
	Blocks []*block.Block `json:"blocks"`
}

// Syncer drives initial block download and fork resolution against peers.
type Syncer struct {
	node *Node

	// BlockHandler processes blocks received during sync.
	BlockHandler func(*block.Block) error
}

// NewSyncer creates a new chain syncer attached to the given node.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{node: node}
}

// RequestBlocks asks a specific peer for blocks following the given locator,
// blocking until a BLOCK-carrying response arrives or syncReadTimeout elapses.
// The peer's per-connection read loop hands matching responses to a
// dedicated channel registered just before the request is sent.
func (s *Syncer) RequestBlocks(p *Peer, locator []string, maxBlocks uint32) ([]*block.Block, error) {
	if maxBlocks == 0 || maxBlocks > maxBlocksPerSync {
		maxBlocks = maxBlocksPerSync
	}

	req := GetBlocksRequest{Locator: locator, MaxBlocks: maxBlocks}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal getblocks: %w", err)
	}

	respCh := make(chan *BlocksResponse, 1)
	s.node.registerSyncWaiter(p.Addr, respCh)
	defer s.node.clearSyncWaiter(p.Addr)

	if err := p.send(CmdGetBlocks, payload); err != nil {
		return nil, fmt.Errorf("send getblocks: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, fmt.Errorf("peer disconnected during sync")
		}
		return resp.Blocks, nil
	case <-time.After(syncReadTimeout):
		return nil, fmt.Errorf("timed out waiting for blocks from %s", p.Addr)
	}
}

// handleGetBlocks answers an inbound GETBLOCKS request using the node's
// block provider, replying on the same connection.
func (n *Node) handleGetBlocks(p *Peer, payload []byte) {
	var req GetBlocksRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return
	}
	if req.MaxBlocks == 0 || req.MaxBlocks > maxBlocksPerSync {
		req.MaxBlocks = maxBlocksPerSync
	}
	if n.blockProvider == nil {
		return
	}

	blocks := n.blockProvider(req.Locator, req.MaxBlocks)
	resp := BlocksResponse{Blocks: blocks}
	data, err := json.Marshal(&resp)
	if err != nil {
		return
	}
	_ = p.send(CmdBlocks, data)
}

// RegisterBlockProvider sets the function used to answer inbound GETBLOCKS
// requests: given a locator and a max count, it returns the blocks that
// extend the caller's chain past the most recent locator hash it recognizes.
func (n *Node) RegisterBlockProvider(fn func(locator []string, max uint32) []*block.Block) {
	n.blockProvider = fn
}
