package p2p

import (
	"testing"

	"github.com/jnodes/xorcoin/internal/storage"
)

func TestBanManager_ScoreAccumulation(t *testing.T) {
	bm := NewBanManager(nil, nil)

	ip := "203.0.113.1"

	// 20 points should not trigger ban.
	bm.RecordOffense(ip, PenaltyInvalidTx, "bad tx 1")
	if bm.IsBanned(ip) {
		t.Error("peer should not be banned after 20 points")
	}

	// Another 20 points (total 40) — still not banned.
	bm.RecordOffense(ip, PenaltyInvalidTx, "bad tx 2")
	if bm.IsBanned(ip) {
		t.Error("peer should not be banned after 40 points")
	}
}

func TestBanManager_ThresholdBan(t *testing.T) {
	bm := NewBanManager(nil, nil)

	ip := "203.0.113.2"

	// 50 + 50 = 100 = BanThreshold → banned.
	bm.RecordOffense(ip, PenaltyInvalidBlock, "bad block 1")
	bm.RecordOffense(ip, PenaltyInvalidBlock, "bad block 2")

	if !bm.IsBanned(ip) {
		t.Error("peer should be banned at threshold")
	}
}

func TestBanManager_InstantBan(t *testing.T) {
	bm := NewBanManager(nil, nil)

	ip := "203.0.113.3"

	// 100 points in one shot = instant ban.
	bm.RecordOffense(ip, PenaltyHandshakeFail, "genesis mismatch")

	if !bm.IsBanned(ip) {
		t.Error("peer should be banned after handshake fail")
	}
}

func TestBanManager_IsBanned_NotBanned(t *testing.T) {
	bm := NewBanManager(nil, nil)

	if bm.IsBanned("203.0.113.4") {
		t.Error("unknown peer should not be banned")
	}
}

func TestBanManager_Unban(t *testing.T) {
	bm := NewBanManager(nil, nil)

	ip := "203.0.113.5"
	bm.RecordOffense(ip, PenaltyHandshakeFail, "bad handshake")

	if !bm.IsBanned(ip) {
		t.Fatal("peer should be banned")
	}

	bm.Unban(ip)
	if bm.IsBanned(ip) {
		t.Error("peer should not be banned after Unban")
	}
}

func TestBanManager_BanList(t *testing.T) {
	bm := NewBanManager(nil, nil)

	bm.RecordOffense("203.0.113.6", PenaltyHandshakeFail, "bad")
	bm.RecordOffense("203.0.113.7", PenaltyHandshakeFail, "bad")

	list := bm.BanList()
	if len(list) != 2 {
		t.Errorf("expected 2 bans, got %d", len(list))
	}
}

func TestBanManager_Persistence(t *testing.T) {
	db := storage.NewMemory()
	store := NewBanStore(db)
	bm := NewBanManager(store, nil)

	ip := "203.0.113.8"
	bm.RecordOffense(ip, PenaltyHandshakeFail, "genesis mismatch")

	if !bm.IsBanned(ip) {
		t.Fatal("peer should be banned")
	}

	// Create a new BanManager from the same store.
	bm2 := NewBanManager(store, nil)
	bm2.LoadBans()

	if !bm2.IsBanned(ip) {
		t.Error("ban should survive reload from store")
	}
}

func TestBanManager_DuplicateOffense_AlreadyBanned(t *testing.T) {
	bm := NewBanManager(nil, nil)

	ip := "203.0.113.9"
	bm.RecordOffense(ip, PenaltyHandshakeFail, "bad handshake")

	// Recording another offense on a banned peer should be a no-op.
	bm.RecordOffense(ip, PenaltyInvalidBlock, "bad block")

	list := bm.BanList()
	if len(list) != 1 {
		t.Errorf("expected 1 ban, got %d", len(list))
	}
}

func TestBanManager_MultiPeer(t *testing.T) {
	bm := NewBanManager(nil, nil)

	// Peer A gets banned, peer B doesn't.
	bm.RecordOffense("203.0.113.10", PenaltyHandshakeFail, "bad")
	bm.RecordOffense("203.0.113.11", PenaltyInvalidTx, "bad tx")

	if !bm.IsBanned("203.0.113.10") {
		t.Error("peer a should be banned")
	}
	if bm.IsBanned("203.0.113.11") {
		t.Error("peer b should not be banned")
	}
}
