// Package tracker implements the centralized swarm-membership service of the
// distribution protocol and the announce client the nodes use to reach it.
// The service is stateless per request: every announce carries the full peer
// bookkeeping, the tracker only maintains the swarm map between requests.
package tracker

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

// Announce events, as sent in the "event" query parameter.
const (
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
	EventNone      = "" // keepalive re-announce
)

// Config tunes the tracker service.
type Config struct {
	// Addr is the listen address, e.g. ":6969".
	Addr string

	// AnnounceInterval is the re-announce cadence recommended to peers.
	AnnounceInterval time.Duration

	// PeerTimeout evicts entries that have not announced within the window.
	PeerTimeout time.Duration

	// SweepInterval is the cadence of the stale-entry sweep.
	SweepInterval time.Duration

	// MaxPeersReturned bounds the peer list of one announce response.
	MaxPeersReturned int

	// RejectUnknown makes announces for never-registered torrents fail
	// instead of creating the swarm lazily.
	RejectUnknown bool
}

func DefaultConfig() Config {
	return Config{
		Addr:             ":6969",
		AnnounceInterval: 30 * time.Minute,
		PeerTimeout:      45 * time.Minute,
		SweepInterval:    time.Minute,
		MaxPeersReturned: 50,
	}
}

// --------------------------------------------------------------------------------------------- //

// swarmEntry is one peer's bookkeeping inside a swarm, keyed by
// (infoHash, peerID). The trackerID token lives here, so an announce that
// omits it keeps the previously issued session association.
type swarmEntry struct {
	peerID       string
	ip           net.IP
	port         uint16
	uploaded     int64
	downloaded   int64
	left         int64
	completed    bool
	trackerID    string
	lastAnnounce time.Time
}

// swarm is the entry set of one torrent. Each swarm has its own lock so
// announces for different torrents never block each other.
type swarm struct {
	mu        sync.Mutex
	entries   map[string]*swarmEntry // keyed by peerID
	snatched  int                    // completed downloads, for scrape
	createdAt time.Time
}

func (s *swarm) counts() (complete, incomplete int) {
	for _, e := range s.entries {
		if e.left == 0 {
			complete++
		} else {
			incomplete++
		}
	}
	return
}

// --------------------------------------------------------------------------------------------- //

// Server is the announce/scrape HTTP service.
type Server struct {
	cfg Config
	log *logrus.Entry

	mu     sync.RWMutex
	swarms map[string]*swarm // keyed by raw 20-byte info hash

	listener net.Listener
	httpSrv  *http.Server
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		log:    logrus.WithField("component", "tracker"),
		swarms: make(map[string]*swarm),
		done:   make(chan struct{}),
	}
}

// Register pre-creates a swarm. Only relevant with RejectUnknown, where
// announces for unregistered torrents are refused.
func (s *Server) Register(infoHash [20]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(infoHash[:])
	if _, ok := s.swarms[key]; !ok {
		s.swarms[key] = &swarm{entries: make(map[string]*swarmEntry), createdAt: time.Now()}
	}
}

// Start binds the listener and serves announces until Stop. The stale-entry
// sweep runs on its own cadence, independent of announce traffic.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("tracker: listening on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/announce", s.handleAnnounce)
	mux.HandleFunc("/scrape", s.handleScrape)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.httpSrv.Serve(ln)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("tracker listening")
	return nil
}

func (s *Server) Stop() {
	close(s.done)
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.wg.Wait()
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// AnnounceURL returns the full announce endpoint for this server.
func (s *Server) AnnounceURL() string {
	return "http://" + s.Addr() + "/announce"
}

// --------------------------------------------------------------------------------------------- //

/*
handleAnnounce is the core tracker operation: upsert the announcing peer's
swarm entry and answer with a bounded peer list that excludes the requester,
the entry's trackerId token and the recommended re-announce interval.
A "stopped" event removes the entry, a "completed" event marks it a seeder.
*/
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	infoHash := q.Get("info_hash")
	peerID := q.Get("peer_id")
	if len(infoHash) != 20 || len(peerID) != 20 {
		writeFailure(w, "malformed announce: info_hash and peer_id must be 20 bytes")
		return
	}

	port, err := strconv.ParseUint(q.Get("port"), 10, 16)
	if err != nil {
		writeFailure(w, "malformed announce: bad port")
		return
	}

	uploaded, _ := strconv.ParseInt(q.Get("uploaded"), 10, 64)
	downloaded, _ := strconv.ParseInt(q.Get("downloaded"), 10, 64)
	left, _ := strconv.ParseInt(q.Get("left"), 10, 64)
	event := q.Get("event")

	numWant := s.cfg.MaxPeersReturned
	if nw, err := strconv.Atoi(q.Get("numwant")); err == nil && nw >= 0 && nw < numWant {
		numWant = nw
	}

	ip := announceIP(q.Get("ip"), r.RemoteAddr)

	sw := s.swarm(infoHash, event)
	if sw == nil {
		writeFailure(w, "unknown torrent")
		return
	}

	sw.mu.Lock()

	if event == EventStopped {
		delete(sw.entries, peerID)
	} else {
		entry, ok := sw.entries[peerID]
		if !ok {
			entry = &swarmEntry{peerID: peerID, trackerID: uuid.NewString()}
			sw.entries[peerID] = entry
		}

		entry.ip = ip
		entry.port = uint16(port)
		entry.uploaded = uploaded
		entry.downloaded = downloaded
		entry.left = left
		entry.lastAnnounce = time.Now()

		if event == EventCompleted {
			entry.completed = true
			entry.left = 0
			sw.snatched++
		}
	}

	var trackerID string
	if entry, ok := sw.entries[peerID]; ok {
		trackerID = entry.trackerID
	}

	peers := sw.peerList(peerID, numWant, q.Get("compact") != "0")
	complete, incomplete := sw.counts()
	sw.mu.Unlock()

	resp := map[string]interface{}{
		"interval":   int64(s.cfg.AnnounceInterval.Seconds()),
		"complete":   int64(complete),
		"incomplete": int64(incomplete),
		"peers":      peers,
	}
	if trackerID != "" {
		resp["tracker id"] = trackerID
	}

	s.log.WithFields(logrus.Fields{
		"infohash": fmt.Sprintf("%x", infoHash),
		"peer":     fmt.Sprintf("%s:%d", ip, port),
		"event":    event,
		"left":     left,
	}).Debug("announce")

	writeBencoded(w, resp)
}

// swarm fetches (or lazily creates, except under RejectUnknown) the swarm
// for a raw info hash. The swarms map lock is held only for the lookup,
// never across a swarm's own critical section.
func (s *Server) swarm(infoHash, event string) *swarm {
	s.mu.RLock()
	sw, ok := s.swarms[infoHash]
	s.mu.RUnlock()
	if ok {
		return sw
	}

	if s.cfg.RejectUnknown {
		return nil
	}

	if event == EventStopped {
		// Nothing to remove from; do not create a swarm as a side effect.
		return &swarm{entries: make(map[string]*swarmEntry)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sw, ok := s.swarms[infoHash]; ok {
		return sw
	}
	sw = &swarm{entries: make(map[string]*swarmEntry), createdAt: time.Now()}
	s.swarms[infoHash] = sw
	return sw
}

// peerList renders up to numWant entries, excluding the requester itself.
// Caller holds the swarm lock.
func (sw *swarm) peerList(requester string, numWant int, compact bool) interface{} {
	if compact {
		out := make([]byte, 0, numWant*6)
		for _, e := range sw.entries {
			if e.peerID == requester || len(out)/6 >= numWant {
				continue
			}
			ip4 := e.ip.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, ip4...)
			out = append(out, byte(e.port>>8), byte(e.port&0xff))
		}
		return string(out)
	}

	out := make([]interface{}, 0, numWant)
	for _, e := range sw.entries {
		if e.peerID == requester || len(out) >= numWant {
			continue
		}
		out = append(out, map[string]interface{}{
			"peer id": e.peerID,
			"ip":      e.ip.String(),
			"port":    int64(e.port),
		})
	}
	return out
}

// --------------------------------------------------------------------------------------------- //

// handleScrape answers per-torrent swarm statistics. Scrape is advisory:
// nothing in the transfer path depends on it.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	files := make(map[string]interface{})

	for _, infoHash := range r.URL.Query()["info_hash"] {
		if len(infoHash) != 20 {
			continue
		}

		s.mu.RLock()
		sw, ok := s.swarms[infoHash]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		sw.mu.Lock()
		complete, incomplete := sw.counts()
		snatched := sw.snatched
		sw.mu.Unlock()

		files[infoHash] = map[string]interface{}{
			"complete":   int64(complete),
			"incomplete": int64(incomplete),
			"downloaded": int64(snatched),
		}
	}

	writeBencoded(w, map[string]interface{}{"files": files})
}

// --------------------------------------------------------------------------------------------- //

// sweepLoop evicts entries that missed their announce window. It runs
// independently of announce traffic and takes each swarm's lock briefly.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Server) sweep(now time.Time) {
	s.mu.RLock()
	swarms := make(map[string]*swarm, len(s.swarms))
	for key, sw := range s.swarms {
		swarms[key] = sw
	}
	s.mu.RUnlock()

	evicted := 0
	for _, sw := range swarms {
		sw.mu.Lock()
		for peerID, e := range sw.entries {
			if now.Sub(e.lastAnnounce) > s.cfg.PeerTimeout {
				delete(sw.entries, peerID)
				evicted++
			}
		}
		sw.mu.Unlock()
	}

	if evicted > 0 {
		s.log.WithField("evicted", evicted).Info("swept stale swarm entries")
	}
}

// --------------------------------------------------------------------------------------------- //

func writeBencoded(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	if err := bencode.Marshal(w, v); err != nil {
		logrus.WithError(err).Error("encoding tracker response failed")
	}
}

func writeFailure(w http.ResponseWriter, reason string) {
	writeBencoded(w, map[string]interface{}{"failure reason": reason})
}

// announceIP prefers the peer-supplied address and falls back to the
// connection's remote address.
func announceIP(supplied, remoteAddr string) net.IP {
	if supplied != "" {
		if ip := net.ParseIP(supplied); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.IPv4zero
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

// --------------------------------------------------------------------------------------------- //
