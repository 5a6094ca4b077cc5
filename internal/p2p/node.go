// Package p2p implements peer-to-peer networking over raw TCP, using the
// framed wire protocol defined in protocol.go (MAGIC||command||length||
// checksum||payload).
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	klog "github.com/jnodes/xorcoin/internal/log"
	"github.com/jnodes/xorcoin/internal/storage"
	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// seedRetryInterval is how often seed connection is retried while the
	// node has no peers.
	seedRetryInterval = 10 * time.Second

	// dialTimeout bounds a single outbound TCP dial.
	dialTimeout = 10 * time.Second
)

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Peer persistence (nil = disabled, for tests)
	NetworkID  string     // e.g. "xorcoin-mainnet-1" — sent in the VERSION message
	DataDir    string     // Reserved for future on-disk node state
}

// Node is a P2P node that speaks the framed TCP wire protocol to peers.
type Node struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	listener net.Listener
	nonce    uint64 // random per-process nonce, used to detect self-dials

	mu    sync.RWMutex
	peers map[string]*Peer // keyed by Peer.Addr

	BanManager *BanManager       // nil until Start, always non-nil afterward
	Scores     *PeerScoreManager // nil until Start, always non-nil afterward
	peerStore  *PeerStore        // nil if Config.DB is nil

	txHandler       func(from string, data []byte)
	blockHandler    func(from string, data []byte)
	onPeerConnected func()
	blockProvider   func(locator []string, max uint32) []*block.Block

	syncMu      sync.Mutex
	syncWaiters map[string]chan *BlocksResponse

	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	var nonceBuf [8]byte
	rand.Read(nonceBuf[:])

	n := &Node{
		config:      cfg,
		ctx:         ctx,
		cancel:      cancel,
		eg:          eg,
		nonce:       binary.LittleEndian.Uint64(nonceBuf[:]),
		peers:       make(map[string]*Peer),
		syncWaiters: make(map[string]chan *BlocksResponse),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

func (n *Node) logger() zerolog.Logger {
	return klog.WithComponent("p2p")
}

// SetGenesisHash sets the genesis hash used for handshake validation.
// A non-zero hash enables the handshake (it always should be non-zero
// outside of tests that don't exercise networking).
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetHeightFn sets the function used to report best height during handshake.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// SetPeerConnectedHandler registers a callback invoked when a new peer
// completes the handshake.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// SetTxHandler registers a callback for incoming transactions.
func (n *Node) SetTxHandler(fn func(from string, data []byte)) {
	n.txHandler = fn
}

// SetBlockHandler registers a callback for incoming single-block broadcasts.
func (n *Node) SetBlockHandler(fn func(from string, data []byte)) {
	n.blockHandler = fn
}

// Start opens the listening socket and begins accepting/dialing peers.
func (n *Node) Start() error {
	if n.config.DB != nil {
		banStore := NewBanStore(n.config.DB)
		n.BanManager = NewBanManager(banStore, n)
		n.BanManager.LoadBans()
	} else {
		n.BanManager = NewBanManager(nil, n)
	}
	n.Scores = NewPeerScoreManager(func(id, reason string) {
		n.BanManager.Ban(id, reason)
	})

	addr := fmt.Sprintf("%s:%d", n.config.ListenAddr, n.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	n.listener = ln

	n.eg.Go(func() error {
		n.acceptLoop()
		return nil
	})

	if n.peerStore != nil {
		n.eg.Go(func() error {
			n.loadPersistedPeers()
			return nil
		})
		n.eg.Go(func() error {
			n.runPersistLoop()
			return nil
		})
	}

	if len(n.config.Seeds) > 0 {
		n.logger().Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.connectSeedsOnce()
	n.eg.Go(func() error {
		n.connectSeedsLoop()
		return nil
	})

	if !n.config.NoDiscover {
		n.eg.Go(func() error {
			n.dnsDiscoveryLoop()
			return nil
		})
	}

	n.eg.Go(func() error {
		n.BanManager.RunPruneLoop(n.ctx.Done())
		return nil
	})

	return nil
}

// Stop shuts down the node: closes the listener, every peer connection, and
// waits for all supervised goroutines to exit.
func (n *Node) Stop() error {
	n.persistPeers()
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}

	n.mu.Lock()
	for addr, p := range n.peers {
		p.close()
		delete(n.peers, addr)
	}
	n.mu.Unlock()

	return n.eg.Wait()
}

// Addr returns the node's listening address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// listenPort returns the node's actual bound listening port (resolving
// Config.Port == 0, "pick any free port", to what the OS actually assigned).
func (n *Node) listenPort() uint16 {
	if n.listener != nil {
		if tcpAddr, ok := n.listener.Addr().(*net.TCPAddr); ok {
			return uint16(tcpAddr.Port)
		}
	}
	return uint16(n.config.Port)
}

// PeerCount returns the number of currently connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// Peers returns a snapshot of connected peers.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// DisconnectPeer closes the connection to a peer by address and removes it
// from the peer table.
func (n *Node) DisconnectPeer(addr string) error {
	n.mu.Lock()
	p, ok := n.peers[addr]
	delete(n.peers, addr)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", addr)
	}
	return p.close()
}

// DisconnectIP closes connections to every peer whose remote IP matches ip
// (used by BanManager when a host crosses the ban threshold).
func (n *Node) DisconnectIP(ip string) {
	n.mu.Lock()
	var victims []*Peer
	for addr, p := range n.peers {
		if p.host() == ip {
			victims = append(victims, p)
			delete(n.peers, addr)
		}
	}
	n.mu.Unlock()
	for _, p := range victims {
		p.close()
	}
}

func (n *Node) addPeer(p *Peer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.config.MaxPeers > 0 && len(n.peers) >= n.config.MaxPeers {
		return false
	}
	if _, exists := n.peers[p.Addr]; exists {
		return false
	}
	n.peers[p.Addr] = p
	return true
}

func (n *Node) removePeer(addr string) {
	n.mu.Lock()
	delete(n.peers, addr)
	n.mu.Unlock()
}

// acceptLoop accepts inbound connections until the listener closes.
func (n *Node) acceptLoop() {
	logger := n.logger()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				logger.Debug().Err(err).Msg("Accept failed")
				return
			}
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if n.BanManager != nil && n.BanManager.IsBanned(host) {
			conn.Close()
			continue
		}

		p := newPeer(conn, true, "inbound")
		if !n.addPeer(p) {
			conn.Close()
			continue
		}
		n.eg.Go(func() error {
			n.runPeer(p)
			return nil
		})
	}
}

// DialPeer opens an outbound connection to addr and begins speaking the
// protocol with it.
func (n *Node) DialPeer(addr, source string) error {
	host, _, _ := net.SplitHostPort(addr)
	if n.BanManager != nil && n.BanManager.IsBanned(host) {
		return fmt.Errorf("peer %s is banned", addr)
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(n.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	p := newPeer(conn, false, source)
	if !n.addPeer(p) {
		conn.Close()
		return fmt.Errorf("peer table full or already connected to %s", addr)
	}
	n.eg.Go(func() error {
		n.runPeer(p)
		return nil
	})
	return nil
}

// runPeer performs the handshake (if enabled) and then services the peer's
// framed message stream until it disconnects or the node shuts down.
func (n *Node) runPeer(p *Peer) {
	logger := n.logger()
	defer func() {
		n.removePeer(p.Addr)
		p.close()
	}()

	if n.handshakeEnabled {
		if err := n.doHandshake(p); err != nil {
			logger.Debug().Err(err).Str("peer", p.Addr).Msg("Handshake failed")
			return
		}
		if n.onPeerConnected != nil {
			go n.onPeerConnected()
		}
	} else {
		p.setHandshake(ProtocolVersion, 0)
	}

	go n.pingLoop(p)

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		// Drop a peer that sends nothing for 10 minutes; its PINGs every
		// pingInterval keep a live connection well inside that.
		_ = p.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		cmd, payload, err := p.recv()
		if err != nil {
			return
		}
		n.dispatch(p, cmd, payload)
	}
}

// dispatch routes one decoded message to its handler.
func (n *Node) dispatch(p *Peer, cmd string, payload []byte) {
	switch cmd {
	case CmdPing:
		_ = p.sendPong(payload)
	case CmdPong:
		// PONG doesn't carry a height; height refreshes happen via VERSION.
		if d, ok := p.pongRTT(); ok && n.Scores != nil && d <= fastResponseThreshold {
			n.Scores.Record(p.host(), ActionFastResponse, "fast pong")
		}
	case CmdTx:
		if n.txHandler != nil {
			n.safeCall(func() { n.txHandler(p.Addr, payload) })
		}
	case CmdBlock:
		if n.blockHandler != nil {
			n.safeCall(func() { n.blockHandler(p.Addr, payload) })
		}
	case CmdGetBlocks:
		n.handleGetBlocks(p, payload)
	case CmdBlocks:
		n.deliverSyncResponse(p.Addr, payload)
	case CmdGetAddr:
		n.handleGetAddr(p)
	case CmdAddr:
		n.handleAddr(payload)
	default:
		if n.BanManager != nil {
			n.BanManager.RecordOffense(p.host(), PenaltyInvalidMessage, "unknown command "+cmd)
		}
		if n.Scores != nil {
			n.Scores.Record(p.host(), ActionProtocolViolation, "unknown command "+cmd)
		}
	}
}

func (n *Node) safeCall(fn func()) {
	defer func() { recover() }()
	fn()
}

func (n *Node) registerSyncWaiter(addr string, ch chan *BlocksResponse) {
	n.syncMu.Lock()
	n.syncWaiters[addr] = ch
	n.syncMu.Unlock()
}

func (n *Node) clearSyncWaiter(addr string) {
	n.syncMu.Lock()
	delete(n.syncWaiters, addr)
	n.syncMu.Unlock()
}

func (n *Node) deliverSyncResponse(addr string, payload []byte) {
	n.syncMu.Lock()
	ch, ok := n.syncWaiters[addr]
	n.syncMu.Unlock()
	if !ok {
		return
	}
	var resp BlocksResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

// AddrMessage is the payload of an ADDR message: known peer addresses.
type AddrMessage struct {
	Addrs []string `json:"addrs"`
}

func (n *Node) handleGetAddr(p *Peer) {
	known := n.Peers()
	addrs := make([]string, 0, len(known))
	for _, peer := range known {
		if !peer.HandshakeDone() {
			continue
		}
		addrs = append(addrs, peer.PersistAddr())
	}
	data, err := json.Marshal(AddrMessage{Addrs: addrs})
	if err != nil {
		return
	}
	_ = p.send(CmdAddr, data)
}

func (n *Node) handleAddr(payload []byte) {
	var msg AddrMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
		return
	}
	for _, addr := range msg.Addrs {
		if n.PeerCount() >= n.config.MaxPeers && n.config.MaxPeers > 0 {
			return
		}
		go n.DialPeer(addr, "addr")
	}
}

// connectSeedsOnce tries to connect to each configured seed once (blocking).
func (n *Node) connectSeedsOnce() bool {
	logger := n.logger()
	connected := false
	for _, addr := range n.config.Seeds {
		if err := n.DialPeer(addr, "seed"); err != nil {
			logger.Warn().Str("addr", addr).Err(err).Msg("Seed connect failed")
			continue
		}
		logger.Info().Str("addr", addr).Msg("Seed connected")
		connected = true
	}
	return connected
}

// connectSeedsLoop retries seed connections while the node has no peers.
func (n *Node) connectSeedsLoop() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryInterval):
			if n.PeerCount() == 0 {
				n.connectSeedsOnce()
			}
		}
	}
}

// dnsDiscoveryLoop periodically resolves DNS seeds and dials any newly
// discovered addresses, topping the node up to MaxPeers.
func (n *Node) dnsDiscoveryLoop() {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	n.discoverOnce()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverOnce()
		}
	}
}

const discoveryInterval = 30 * time.Second

func (n *Node) discoverOnce() {
	if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
		return
	}
	for _, addr := range ResolveSeeds(nil, n.config.Port) {
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}
		go n.DialPeer(addr, "dns")
	}
}

// --- Peer persistence ---

func (n *Node) persistPeers() {
	if n.peerStore == nil {
		return
	}
	now := time.Now().Unix()
	for _, p := range n.Peers() {
		if !p.HandshakeDone() {
			continue // Haven't learned the peer's advertised address yet.
		}
		addr := p.PersistAddr()
		rec := PeerRecord{
			ID:       addr,
			Addrs:    []string{addr},
			LastSeen: now,
			Source:   p.Source,
		}
		n.peerStore.Save(rec) // Best-effort, ignore errors.
	}
}

func (n *Node) loadPersistedPeers() {
	n.peerStore.PruneStale(staleThreshold)
	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	for _, rec := range records {
		go n.DialPeer(rec.ID, "persisted")
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}
