package torrent

import (
	"testing"
	"time"
)

// fiveRankedPeers builds stats for peers p1..p5 with strictly decreasing
// download rates.
func fiveRankedPeers() map[string]PeerStats {
	rates := []float64{10, 8, 6, 4, 2}
	stats := make(map[string]PeerStats, len(rates))
	for i, r := range rates {
		stats[peerName(i)] = PeerStats{DownloadRate: r}
	}
	return stats
}

func peerName(i int) string {
	return string(rune('a'+i)) + ":6881"
}

// --------------------------------------------------------------------------------------------- //

func TestTitForTatUnchokesTopContributors(t *testing.T) {
	unchoked := TitForTat{}.SelectUnchoked(fiveRankedPeers(), 4, false)

	if len(unchoked) != 4 {
		t.Fatalf("unchoked %d peers, want 4", len(unchoked))
	}
	for i := 0; i < 4; i++ {
		if !unchoked[peerName(i)] {
			t.Errorf("top contributor %s choked", peerName(i))
		}
	}
	if unchoked[peerName(4)] {
		t.Error("lowest contributor unchoked by tit-for-tat")
	}
}

func TestTitForTatSeedingRanksByUploadRate(t *testing.T) {
	stats := map[string]PeerStats{
		"a:1": {DownloadRate: 100, UploadRate: 1},
		"b:1": {DownloadRate: 1, UploadRate: 100},
	}

	unchoked := TitForTat{}.SelectUnchoked(stats, 1, true)
	if !unchoked["b:1"] || unchoked["a:1"] {
		t.Errorf("seeding unchoke set = %v, want only b:1", unchoked)
	}
}

// --------------------------------------------------------------------------------------------- //

// The lowest-ranked of five peers can only ever be unchoked through the
// rotating optimistic slot, never through a regular one.
func TestOptimisticSlotIsTheOnlyWayInForTheWorstPeer(t *testing.T) {
	stats := fiveRankedPeers()
	worst := peerName(4)

	sawWorstUnchoked := false
	for seed := int64(0); seed < 100; seed++ {
		o := NewOptimisticUnchoke(time.Hour, seed)
		unchoked := o.SelectUnchoked(stats, 4, false)

		// The four regular slots always hold the four best peers.
		for i := 0; i < 4; i++ {
			if !unchoked[peerName(i)] {
				t.Fatalf("seed %d: top peer %s choked", seed, peerName(i))
			}
		}

		// At most one peer beyond the regular slots.
		if len(unchoked) > 5 {
			t.Fatalf("seed %d: %d peers unchoked", seed, len(unchoked))
		}

		if unchoked[worst] {
			sawWorstUnchoked = true
			// The worst peer rode the optimistic slot, so all five are in.
			if len(unchoked) != 5 {
				t.Fatalf("seed %d: worst peer displaced a regular slot", seed)
			}
		}
	}

	if !sawWorstUnchoked {
		t.Error("optimistic rotation never reached the worst peer across 100 seeds")
	}
}

func TestOptimisticPickIsStableWithinRotationInterval(t *testing.T) {
	stats := fiveRankedPeers()
	o := NewOptimisticUnchoke(time.Hour, 7)

	first := o.SelectUnchoked(stats, 2, false)
	for i := 0; i < 10; i++ {
		again := o.SelectUnchoked(stats, 2, false)
		if len(again) != len(first) {
			t.Fatalf("unchoke set size changed within the rotation interval")
		}
		for addr := range first {
			if !again[addr] {
				t.Fatalf("optimistic pick changed within the rotation interval")
			}
		}
	}
}

func TestOptimisticRotationPicksFromAllPeers(t *testing.T) {
	stats := fiveRankedPeers()
	o := NewOptimisticUnchoke(0, 3) // zero interval rotates every evaluation

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		unchoked := o.SelectUnchoked(stats, 0, false)
		for addr := range unchoked {
			seen[addr] = true
		}
	}

	if len(seen) != len(stats) {
		t.Errorf("rotation reached %d of %d peers", len(seen), len(stats))
	}
}

func TestOptimisticHandlesDepartedPeer(t *testing.T) {
	stats := fiveRankedPeers()
	o := NewOptimisticUnchoke(time.Hour, 5)
	o.SelectUnchoked(stats, 2, false)

	// The optimistic pick leaves the swarm; the next evaluation must not
	// unchoke a ghost.
	remaining := map[string]PeerStats{"z:1": {DownloadRate: 1}}
	unchoked := o.SelectUnchoked(remaining, 2, false)
	for addr := range unchoked {
		if _, ok := remaining[addr]; !ok {
			t.Errorf("unchoked departed peer %s", addr)
		}
	}
}

// --------------------------------------------------------------------------------------------- //

func TestUploadSlotManagerOnlyConsidersInterestedPeers(t *testing.T) {
	m := NewUploadSlotManager(TitForTat{}, 4)

	m.SetInterested("a:1", true)
	m.Update("a:1", 1000, 0)

	m.SetInterested("b:1", false)
	m.Update("b:1", 100000, 0)

	unchoked := m.Unchoked()
	if !unchoked["a:1"] {
		t.Error("interested peer choked")
	}
	if unchoked["b:1"] {
		t.Error("uninterested peer holds an upload slot")
	}
}

func TestUploadSlotManagerForget(t *testing.T) {
	m := NewUploadSlotManager(TitForTat{}, 4)
	m.SetInterested("a:1", true)
	m.Update("a:1", 1000, 0)

	m.Forget("a:1")
	if unchoked := m.Unchoked(); len(unchoked) != 0 {
		t.Errorf("unchoked = %v after Forget", unchoked)
	}
}
