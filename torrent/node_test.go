package torrent

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kchan139/p2p-file-sharing/tracker"
)

func fastNodeConfig(dir string) NodeConfig {
	cfg := DefaultNodeConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.OutputDir = dir
	cfg.MaxPeers = 8
	cfg.ChokeInterval = 100 * time.Millisecond
	cfg.DriveInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func startTestTracker(t *testing.T) *tracker.Server {
	t.Helper()

	cfg := tracker.DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.AnnounceInterval = time.Second

	srv := tracker.NewServer(cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("tracker start: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

// waitForSeeder polls the tracker until the swarm reports a completed peer,
// so the leecher's first announce is guaranteed to find it.
func waitForSeeder(t *testing.T, srv *tracker.Server, infoHash [HashLength]byte) {
	t.Helper()

	probe := tracker.NewClient(srv.AnnounceURL(), infoHash, GeneratePeerID(), 1)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res, err := probe.Scrape(); err == nil && res.Complete > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("seeder never appeared on the tracker")
}

// --------------------------------------------------------------------------------------------- //

// Full distribution path: a seeder with the data on disk, a leecher with
// nothing, one tracker between them. The leecher must end up with a
// byte-identical copy.
func TestTwoNodeTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end transfer")
	}

	srv := startTestTracker(t)

	data := pieceData(2*32768+10000, 40)
	meta := testMeta(t, data, 32768)

	seedDir, leechDir := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(seedDir, "payload.bin"), data, 0644); err != nil {
		t.Fatalf("seeding data: %v", err)
	}

	seedCfg := fastNodeConfig(seedDir)
	seedCfg.AnnounceURL = srv.AnnounceURL()
	seeder, err := NewNode(meta, seedCfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := seeder.Start(); err != nil {
		t.Fatalf("seeder start: %v", err)
	}
	defer seeder.Stop()

	// The seeder's on-disk data verifies at startup.
	select {
	case <-seeder.Completed():
	case <-time.After(2 * time.Second):
		t.Fatal("seeder did not verify its own data")
	}
	waitForSeeder(t, srv, meta.InfoHash)

	leechCfg := fastNodeConfig(leechDir)
	leechCfg.AnnounceURL = srv.AnnounceURL()
	leecher, err := NewNode(meta, leechCfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := leecher.Start(); err != nil {
		t.Fatalf("leecher start: %v", err)
	}
	defer leecher.Stop()

	select {
	case <-leecher.Completed():
	case <-time.After(60 * time.Second):
		verified, total := leecher.Progress()
		t.Fatalf("download stalled at %d/%d pieces with %d peers", verified, total, leecher.PeerCount())
	}

	got, err := os.ReadFile(filepath.Join(leechDir, "payload.bin"))
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes differ from the seeder's data")
	}

	down, _ := leecher.Transferred()
	if down != meta.TotalLength() {
		t.Errorf("leecher downloaded %d bytes, want %d", down, meta.TotalLength())
	}
	if _, up := seeder.Transferred(); up != meta.TotalLength() {
		t.Errorf("seeder uploaded %d bytes, want %d", up, meta.TotalLength())
	}
}

func TestNodeStopIsIdempotent(t *testing.T) {
	srv := startTestTracker(t)

	data := pieceData(BlockLength, 41)
	meta := testMeta(t, data, BlockLength)

	cfg := fastNodeConfig(t.TempDir())
	cfg.AnnounceURL = srv.AnnounceURL()

	node, err := NewNode(meta, cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	node.Stop()
	node.Stop()
}

// A stopped node disappears from the tracker's peer lists.
func TestNodeStopAnnouncesStopped(t *testing.T) {
	srv := startTestTracker(t)

	data := pieceData(BlockLength, 42)
	meta := testMeta(t, data, BlockLength)

	cfg := fastNodeConfig(t.TempDir())
	cfg.AnnounceURL = srv.AnnounceURL()

	node, err := NewNode(meta, cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait until the node's first announce landed.
	observer := tracker.NewClient(srv.AnnounceURL(), meta.InfoHash, GeneratePeerID(), 7999)
	deadline := time.Now().Add(5 * time.Second)
	for {
		res, err := observer.Announce(tracker.EventNone, 0, 0, 1)
		if err != nil {
			t.Fatalf("Announce: %v", err)
		}
		if len(res.Peers) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node never announced")
		}
		time.Sleep(50 * time.Millisecond)
	}

	node.Stop()

	res, err := observer.Announce(tracker.EventNone, 0, 0, 1)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(res.Peers) != 0 {
		t.Errorf("peers = %v after node stop", res.Peers)
	}
}
