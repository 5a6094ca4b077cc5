package p2p

import (
	"encoding/binary"
	"math/rand"
	"time"
)

// pingInterval is how often a connected peer is pinged to detect dead
// connections.
const pingInterval = 2 * time.Minute

// pingTimeout is not used by the ping loop: a PONG has no deadline of its
// own. A peer that goes silent is dropped by runPeer's idle read deadline.
const pingTimeout = 30 * time.Second

// fastResponseThreshold is how quickly a PONG must arrive to count as a
// FAST_RESPONSE reputation event.
const fastResponseThreshold = 500 * time.Millisecond

// sendPing writes an 8-byte nonce as a PING payload; the peer is expected
// to echo it back unchanged in a PONG.
func (p *Peer) sendPing() (uint64, error) {
	nonce := rand.Uint64()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, nonce)
	if err := p.send(CmdPing, buf); err != nil {
		return 0, err
	}
	p.notePingSent()
	return nonce, nil
}

// sendPong echoes a PING payload back as a PONG.
func (p *Peer) sendPong(payload []byte) error {
	return p.send(CmdPong, payload)
}

// pingLoop periodically pings the peer until the node shuts down or the
// connection dies. Run as a goroutine per peer.
func (n *Node) pingLoop(p *Peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.sendPing(); err != nil {
				n.DisconnectPeer(p.Addr)
				return
			}
		}
	}
}
