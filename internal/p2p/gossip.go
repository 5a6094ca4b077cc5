package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/tx"
)

// BroadcastTx relays a transaction to every connected, handshaken peer.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}
	n.broadcast(CmdTx, data)
	return nil
}

// BroadcastBlock relays a block to every connected, handshaken peer.
func (n *Node) BroadcastBlock(b *block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	n.broadcast(CmdBlock, data)
	return nil
}

// broadcast sends a framed message to every peer that has completed the
// handshake. Send errors are logged per-peer and do not abort the fan-out.
func (n *Node) broadcast(cmd string, payload []byte) {
	logger := n.logger()
	for _, p := range n.Peers() {
		if !p.HandshakeDone() {
			continue
		}
		if err := p.send(cmd, payload); err != nil {
			logger.Debug().Err(err).Str("peer", p.Addr).Str("cmd", cmd).Msg("Broadcast send failed")
		}
	}
}
