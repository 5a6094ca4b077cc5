package p2p

import (
	"sync"
	"time"

	klog "github.com/jnodes/xorcoin/internal/log"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100 // Score at which a peer gets banned.
	BanDuration  = 24 * time.Hour
)

// Penalty values for different offenses, mirrored from the reference
// scoring table (PeerAction in the original implementation).
const (
	PenaltyInvalidBlock     = 50  // Bad sig, consensus fail.
	PenaltyInvalidTx        = 20  // Validation failure.
	PenaltyInvalidMessage   = 10  // Malformed/undecodable message.
	PenaltyTimeout          = 5   // Peer stopped responding.
	PenaltyRateLimit        = 20  // Exceeded per-peer message rate.
	PenaltyOversizedMessage = 30  // Declared payload over MaxPayloadSize.
	PenaltyProtocolViolation = 40 // Out-of-order or nonsensical message.
	PenaltyHandshakeFail    = 100 // Instant ban (genesis/version mismatch).
)

// BanManager tracks per-IP offense scores and manages bans. Identity is the
// remote IP address (not a cryptographic peer ID): the spec's ban/rate-limit
// model operates below the handshake layer, where no identity exists yet.
type BanManager struct {
	mu     sync.RWMutex
	scores map[string]int        // In-memory scores, keyed by IP.
	bans   map[string]*BanRecord // In-memory ban cache, keyed by IP.
	store  *BanStore             // Persistence (nil for tests).
	node   *Node                 // For DisconnectPeer (nil in unit tests).
}

// NewBanManager creates a new BanManager.
// store may be nil to disable persistence (useful for tests).
// node may be nil if disconnect-on-ban is not needed.
func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[string]int),
		bans:   make(map[string]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans restores persisted bans from the store into the in-memory cache.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}

	// Prune expired bans first.
	bm.store.PruneExpired()

	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.store.ForEach(func(rec *BanRecord) error {
		if !rec.IsExpired() {
			bm.bans[rec.ID] = rec
		}
		return nil
	})
}

// RecordOffense adds a penalty score to an IP. If the cumulative score
// reaches BanThreshold, the IP is banned and its connections dropped.
func (bm *BanManager) RecordOffense(ip string, penalty int, reason string) {
	bm.mu.Lock()

	// Already banned — nothing to do.
	if rec, ok := bm.bans[ip]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}

	bm.scores[ip] += penalty
	score := bm.scores[ip]
	bm.mu.Unlock()

	if score < BanThreshold {
		return
	}
	bm.ban(ip, score, reason)
}

// Ban bans ip immediately, independent of RecordOffense's accumulator. This
// is the path used by PeerScoreManager, whose own score/violation-count
// thresholds are a separate ban trigger from this manager's point total.
func (bm *BanManager) Ban(ip, reason string) {
	bm.mu.Lock()
	score := bm.scores[ip]
	bm.mu.Unlock()
	bm.ban(ip, score, reason)
}

func (bm *BanManager) ban(ip string, score int, reason string) {
	bm.mu.Lock()

	// Already banned — nothing to do.
	if rec, ok := bm.bans[ip]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        ip,
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[ip] = rec
	delete(bm.scores, ip) // Clear score, ban is active.
	bm.mu.Unlock()

	// Persist.
	if bm.store != nil {
		bm.store.Put(rec)
	}

	logger := klog.WithComponent("banmgr")
	logger.Warn().
		Str("ip", ip).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	// Disconnect.
	if bm.node != nil {
		go bm.node.DisconnectIP(ip)
	}
}

// IsBanned returns true if the IP is currently banned.
func (bm *BanManager) IsBanned(ip string) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[ip]
	bm.mu.RUnlock()

	if !ok {
		return false
	}

	if rec.IsExpired() {
		// Clean up expired ban.
		bm.mu.Lock()
		delete(bm.bans, ip)
		bm.mu.Unlock()
		if bm.store != nil {
			bm.store.Delete(ip)
		}
		return false
	}

	return true
}

// Unban manually removes a ban.
func (bm *BanManager) Unban(ip string) {
	bm.mu.Lock()
	delete(bm.bans, ip)
	delete(bm.scores, ip)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(ip)
	}
}

// BanList returns a snapshot of all active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop periodically prunes expired bans.
// Call in a goroutine. Stops when done channel is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	var expired []string
	for ip, rec := range bm.bans {
		if rec.IsExpired() {
			expired = append(expired, ip)
		}
	}
	for _, ip := range expired {
		delete(bm.bans, ip)
	}
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.PruneExpired()
	}
}
