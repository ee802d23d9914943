package tracker

import (
	"errors"
	"testing"
	"time"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.AnnounceInterval = time.Second
	cfg.SweepInterval = time.Hour // sweeps are driven by hand in tests
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func testID(fill byte) [20]byte {
	var id [20]byte
	for i := range id {
		id[i] = fill
	}
	return id
}

// --------------------------------------------------------------------------------------------- //

func TestAnnounceLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	infoHash := testID(0x11)

	leecher := NewClient(srv.AnnounceURL(), infoHash, testID('a'), 7001)
	seeder := NewClient(srv.AnnounceURL(), infoHash, testID('b'), 7002)

	// First announce: the swarm holds only the requester, which is excluded
	// from its own peer list.
	res, err := leecher.Announce(EventStarted, 0, 0, 1000)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if res.Interval != time.Second {
		t.Errorf("interval = %v", res.Interval)
	}
	if res.TrackerID == "" {
		t.Error("no trackerId issued")
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %v, requester must be excluded", res.Peers)
	}
	if res.Incomplete != 1 || res.Complete != 0 {
		t.Errorf("counts = %d/%d", res.Complete, res.Incomplete)
	}

	// The second peer sees the first, with its announced port.
	res, err = seeder.Announce(EventStarted, 0, 0, 0)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 1 {
		t.Fatalf("peers = %v, want the leecher", res.Peers)
	}
	if res.Peers[0].Port != 7001 {
		t.Errorf("peer port = %d, want 7001", res.Peers[0].Port)
	}
	if !res.Peers[0].IP.IsLoopback() {
		t.Errorf("peer ip = %v", res.Peers[0].IP)
	}
	if res.Complete != 1 || res.Incomplete != 1 {
		t.Errorf("counts = %d/%d, seeder announced left=0", res.Complete, res.Incomplete)
	}

	// Completion flips the leecher to the seeder column and bumps the
	// snatch counter.
	if _, err := leecher.Announce(EventCompleted, 0, 1000, 0); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	scrape, err := leecher.Scrape()
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if scrape.Complete != 2 || scrape.Incomplete != 0 || scrape.Downloaded != 1 {
		t.Errorf("scrape = %+v", scrape)
	}

	// A stopped announce removes the entry immediately.
	if _, err := leecher.Announce(EventStopped, 0, 1000, 0); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	res, err = seeder.Announce(EventNone, 0, 0, 0)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %v after stop", res.Peers)
	}
}

func TestTrackerIDIsStablePerSession(t *testing.T) {
	srv := newTestServer(t, nil)
	infoHash := testID(0x22)

	c1 := NewClient(srv.AnnounceURL(), infoHash, testID('a'), 7001)
	c2 := NewClient(srv.AnnounceURL(), infoHash, testID('b'), 7002)

	first, err := c1.Announce(EventStarted, 0, 0, 100)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	again, err := c1.Announce(EventNone, 10, 10, 80)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if first.TrackerID != again.TrackerID {
		t.Errorf("trackerId changed between announces: %q -> %q", first.TrackerID, again.TrackerID)
	}
	if c1.TrackerID() != first.TrackerID {
		t.Errorf("client retained %q, tracker issued %q", c1.TrackerID(), first.TrackerID)
	}

	other, err := c2.Announce(EventStarted, 0, 0, 100)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if other.TrackerID == first.TrackerID {
		t.Error("two sessions share a trackerId")
	}
}

func TestAnnounceKeyedByHashAndPeer(t *testing.T) {
	srv := newTestServer(t, nil)
	infoHash := testID(0x33)
	peerID := testID('a')

	c := NewClient(srv.AnnounceURL(), infoHash, peerID, 7001)
	if _, err := c.Announce(EventStarted, 0, 0, 1000); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	// Re-announcing updates the existing entry instead of adding one.
	if _, err := c.Announce(EventNone, 0, 500, 500); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	observer := NewClient(srv.AnnounceURL(), infoHash, testID('b'), 7002)
	res, err := observer.Announce(EventStarted, 0, 0, 1000)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 1 {
		t.Errorf("peers = %v, re-announce must not duplicate", res.Peers)
	}

	// The same peer ID in a different swarm is a separate entry.
	elsewhere := NewClient(srv.AnnounceURL(), testID(0x44), peerID, 7001)
	res, err = elsewhere.Announce(EventStarted, 0, 0, 1000)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %v, swarms must not leak into each other", res.Peers)
	}
}

func TestRejectUnknownTorrent(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.RejectUnknown = true })
	infoHash := testID(0x55)

	c := NewClient(srv.AnnounceURL(), infoHash, testID('a'), 7001)
	if _, err := c.Announce(EventStarted, 0, 0, 100); !errors.Is(err, ErrUnknownTorrent) {
		t.Fatalf("Announce = %v, want ErrUnknownTorrent", err)
	}

	srv.Register(infoHash)
	if _, err := c.Announce(EventStarted, 0, 0, 100); err != nil {
		t.Fatalf("Announce after Register: %v", err)
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	srv := newTestServer(t, func(cfg *Config) { cfg.PeerTimeout = time.Minute })
	infoHash := testID(0x66)

	stale := NewClient(srv.AnnounceURL(), infoHash, testID('a'), 7001)
	if _, err := stale.Announce(EventStarted, 0, 0, 100); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	// Pretend the announce window passed without a re-announce.
	srv.sweep(time.Now().Add(2 * time.Minute))

	observer := NewClient(srv.AnnounceURL(), infoHash, testID('b'), 7002)
	res, err := observer.Announce(EventStarted, 0, 0, 100)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %v, stale entry survived the sweep", res.Peers)
	}
}

// --------------------------------------------------------------------------------------------- //

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1b, 0x39, 10, 0, 0, 2, 0x00, 0x50}

	peers, err := ParseCompactPeers(raw)
	if err != nil {
		t.Fatalf("ParseCompactPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	if peers[0].String() != "127.0.0.1:6969" {
		t.Errorf("peer 0 = %s", peers[0])
	}
	if peers[1].String() != "10.0.0.2:80" {
		t.Errorf("peer 1 = %s", peers[1])
	}

	if _, err := ParseCompactPeers(raw[:7]); err == nil {
		t.Error("truncated list accepted")
	}
}
