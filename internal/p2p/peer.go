package p2p

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Peer represents a connected remote node over a raw TCP connection.
type Peer struct {
	Addr        string // remote "ip:port", also used as the peer's identity key
	ConnectedAt time.Time
	Inbound     bool
	Source      string // "inbound", "seed", "dns", "addr", "persisted" or "manual"

	conn   net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex // serializes writes to conn

	mu              sync.RWMutex
	version         uint32
	bestHeight      uint64
	handshakeDone   bool
	advertisedAddr  string // peer's own "ip:listen_port", learned from its VERSION message

	pingMu     sync.Mutex
	pingSentAt time.Time // zero when no ping is outstanding
}

func newPeer(conn net.Conn, inbound bool, source string) *Peer {
	return &Peer{
		Addr:        conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		Inbound:     inbound,
		Source:      source,
		conn:        conn,
		reader:      bufio.NewReader(conn),
	}
}

// send frames and writes a message to the peer. Safe for concurrent use.
func (p *Peer) send(cmd string, payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return writeMessage(p.conn, cmd, payload)
}

func (p *Peer) recv() (command string, payload []byte, err error) {
	return readMessage(p.reader)
}

func (p *Peer) close() error {
	return p.conn.Close()
}

func (p *Peer) setHandshake(version uint32, height uint64) {
	p.mu.Lock()
	p.version = version
	p.bestHeight = height
	p.handshakeDone = true
	p.mu.Unlock()
}

func (p *Peer) setBestHeight(h uint64) {
	p.mu.Lock()
	p.bestHeight = h
	p.mu.Unlock()
}

// BestHeight returns the height the peer announced in its VERSION message.
func (p *Peer) BestHeight() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bestHeight
}

// HandshakeDone reports whether the VERSION/VERACK exchange completed.
func (p *Peer) HandshakeDone() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handshakeDone
}

// notePingSent records that a PING was just sent, starting the RTT clock
// for the next pongRTT call.
func (p *Peer) notePingSent() {
	p.pingMu.Lock()
	p.pingSentAt = time.Now()
	p.pingMu.Unlock()
}

// pongRTT returns the elapsed time since the last outstanding ping was
// sent, and whether one was actually outstanding. Consumes the pending
// ping so a stray PONG can't be measured twice.
func (p *Peer) pongRTT() (time.Duration, bool) {
	p.pingMu.Lock()
	defer p.pingMu.Unlock()
	if p.pingSentAt.IsZero() {
		return 0, false
	}
	d := time.Since(p.pingSentAt)
	p.pingSentAt = time.Time{}
	return d, true
}

// host returns the peer's IP (without port), used as the ban/score key so
// multiple connections from the same host share one reputation.
func (p *Peer) host() string {
	h, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return p.Addr
	}
	return h
}

// setAdvertisedAddr records the peer's own "ip:listen_port", as reported in
// its VERSION message. For an inbound connection, p.Addr is the remote
// ephemeral source port, which is useless for reconnecting later; the
// advertised address is the one worth persisting or relaying via ADDR.
func (p *Peer) setAdvertisedAddr(addr string) {
	p.mu.Lock()
	p.advertisedAddr = addr
	p.mu.Unlock()
}

// PersistAddr returns the address this peer should be remembered by: the
// address we dialed for outbound connections, or the peer's self-reported
// listening address for inbound ones.
func (p *Peer) PersistAddr() string {
	if !p.Inbound {
		return p.Addr
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.advertisedAddr != "" {
		return p.advertisedAddr
	}
	return p.Addr
}
