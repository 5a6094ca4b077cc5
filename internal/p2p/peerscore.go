package p2p

import (
	"sync"
	"time"
)

// PeerAction is a reputation event recorded against a peer. The values
// mirror the reference scoring table: good behavior earns points back,
// bad behavior spends them.
type PeerAction int

const (
	ActionValidBlock        PeerAction = 10
	ActionValidTx           PeerAction = 2
	ActionFastResponse      PeerAction = 1
	ActionInvalidBlock      PeerAction = -50
	ActionInvalidTx         PeerAction = -20
	ActionInvalidMessage    PeerAction = -10
	ActionTimeout           PeerAction = -5
	ActionRateLimit         PeerAction = -20
	ActionOversizedMessage  PeerAction = -30
	ActionProtocolViolation PeerAction = -40
)

// scoreViolationLimit is the second, independent ban trigger: a peer that
// racks up this many distinct negative actions is banned even if positive
// actions have kept its running score above zero.
const scoreViolationLimit = 10

// PeerScore is one peer's running reputation. Unlike BanManager's
// cumulative-offense accumulator (which only ever moves toward a ban),
// a PeerScore recovers: relaying valid blocks and transactions, or
// responding quickly to pings, earns points back.
type PeerScore struct {
	mu         sync.Mutex
	score      int
	violations int
	updatedAt  time.Time
}

func newPeerScore() *PeerScore {
	return &PeerScore{score: 100, updatedAt: time.Now()}
}

// update applies action and reports whether the peer has now crossed a
// ban threshold: score at or below zero, or too many violations.
func (s *PeerScore) update(action PeerAction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.score += int(action)
	s.updatedAt = time.Now()
	if action < 0 {
		s.violations++
	}
	return s.score <= 0 || s.violations >= scoreViolationLimit
}

// Value returns the peer's current score.
func (s *PeerScore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score
}

// PeerScoreManager tracks a PeerScore per peer identity and bans on
// threshold breach. This runs alongside BanManager, not instead of it:
// BanManager's RecordOffense is a separate up-only accumulator banning at
// a fixed point total, while PeerScoreManager can recover a peer's
// standing through good behavior.
type PeerScoreManager struct {
	mu     sync.Mutex
	scores map[string]*PeerScore
	ban    func(id, reason string)
}

// NewPeerScoreManager creates a score manager. ban is invoked immediately,
// bypassing BanManager's own accumulator, when a peer crosses a threshold.
func NewPeerScoreManager(ban func(id, reason string)) *PeerScoreManager {
	return &PeerScoreManager{
		scores: make(map[string]*PeerScore),
		ban:    ban,
	}
}

func (m *PeerScoreManager) get(id string) *PeerScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[id]
	if !ok {
		s = newPeerScore()
		m.scores[id] = s
	}
	return s
}

// Record applies action to id's score and bans id if that pushes it past
// either ban trigger.
func (m *PeerScoreManager) Record(id string, action PeerAction, reason string) {
	if m.get(id).update(action) && m.ban != nil {
		m.ban(id, reason)
	}
}

// Reputation returns id's current score, or 100 (the neutral starting
// value) if it has no tracked history.
func (m *PeerScoreManager) Reputation(id string) int {
	m.mu.Lock()
	s, ok := m.scores[id]
	m.mu.Unlock()
	if !ok {
		return 100
	}
	return s.Value()
}

// Remove drops id's tracked score, e.g. on clean disconnect.
func (m *PeerScoreManager) Remove(id string) {
	m.mu.Lock()
	delete(m.scores, id)
	m.mu.Unlock()
}
