package p2p

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jnodes/xorcoin/pkg/types"
)

const (
	// handshakeTimeout is the max time for a complete VERSION/VERACK exchange.
	handshakeTimeout = 30 * time.Second

	// maxHandshakeBytes limits a single handshake message's size.
	maxHandshakeBytes = 4096
)

// VersionMessage is the first message exchanged on every new connection. It
// doubles as a height announcement, matching the reference implementation's
// VersionMessage.start_height field.
type VersionMessage struct {
	Version     uint32     `json:"version"`
	GenesisHash types.Hash `json:"genesis_hash"`
	NetworkID   string     `json:"network_id"`
	UserAgent   string     `json:"user_agent"`
	StartHeight uint64     `json:"start_height"`
	ListenPort  uint16     `json:"listen_port"` // sender's own listening port
	Nonce       uint64     `json:"nonce"`
	Timestamp   int64      `json:"timestamp"`
}

// doHandshake performs the VERSION/VERACK exchange for both inbound and
// outbound connections: each side sends its VersionMessage, then a bare
// VERACK once it has validated the peer's. The connection is closed and the
// peer banned if the peer's message is invalid.
func (n *Node) doHandshake(p *Peer) error {
	logger := n.logger()

	ourMsg := n.buildVersionMessage()
	payload, err := json.Marshal(&ourMsg)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	if err := p.send(CmdVersion, payload); err != nil {
		return fmt.Errorf("send version: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	_ = p.conn.SetReadDeadline(deadline)
	defer p.conn.SetReadDeadline(time.Time{})

	cmd, data, err := p.recv()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if cmd != CmdVersion {
		return fmt.Errorf("expected version, got %q", cmd)
	}
	if len(data) > maxHandshakeBytes {
		return fmt.Errorf("version message too large")
	}

	var peerMsg VersionMessage
	if err := json.Unmarshal(data, &peerMsg); err != nil {
		return fmt.Errorf("unmarshal version: %w", err)
	}

	if reason := n.validateHandshake(peerMsg); reason != "" {
		logger.Warn().Str("peer", p.Addr).Str("reason", reason).Msg("Handshake rejected, banning peer")
		if n.BanManager != nil {
			n.BanManager.RecordOffense(p.host(), PenaltyHandshakeFail, reason)
		}
		return fmt.Errorf("handshake rejected: %s", reason)
	}

	if err := p.send(CmdVerAck, nil); err != nil {
		return fmt.Errorf("send verack: %w", err)
	}

	cmd, _, err = p.recv()
	if err != nil {
		return fmt.Errorf("read verack: %w", err)
	}
	if cmd != CmdVerAck {
		return fmt.Errorf("expected verack, got %q", cmd)
	}

	p.setHandshake(peerMsg.Version, peerMsg.StartHeight)
	if p.Inbound && peerMsg.ListenPort != 0 {
		p.setAdvertisedAddr(net.JoinHostPort(p.host(), fmt.Sprintf("%d", peerMsg.ListenPort)))
	}
	return nil
}

// validateHandshake checks a peer's VERSION message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHandshake(msg VersionMessage) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.String()[:16], n.genesisHash.String()[:16])
	}
	if msg.Version < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d",
			msg.Version, MinProtocolVersion)
	}
	return ""
}

// buildVersionMessage constructs our VERSION message from node state.
func (n *Node) buildVersionMessage() VersionMessage {
	msg := VersionMessage{
		Version:     ProtocolVersion,
		GenesisHash: n.genesisHash,
		NetworkID:   n.config.NetworkID,
		UserAgent:   "xorcoin:0.1.0",
		ListenPort:  n.listenPort(),
		Nonce:       n.nonce,
		Timestamp:   time.Now().Unix(),
	}
	if n.heightFn != nil {
		msg.StartHeight = n.heightFn()
	}
	return msg
}
