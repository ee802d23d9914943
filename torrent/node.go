package torrent

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kchan139/p2p-file-sharing/tracker"
)

// --------------------------------------------------------------------------------------------- //

const (
	dialTimeout        = 5 * time.Second
	defaultReannounce  = 30 * time.Second
	maxAnnounceBackoff = 5 * time.Minute
)

// NodeConfig tunes one torrent session.
type NodeConfig struct {
	// ListenAddr is where inbound peer connections are accepted, e.g. ":0".
	ListenAddr string

	// OutputDir is the directory the payload files are created in.
	OutputDir string

	// AnnounceURL overrides the metainfo announce URL when non-empty.
	AnnounceURL string

	// PeerID identifies this node in handshakes and announces.
	PeerID [HashLength]byte

	// MaxPeers caps the connection pool.
	MaxPeers int

	// UnchokeSlots is the regular upload slot count; the optimistic slot, if
	// the choking strategy has one, comes on top.
	UnchokeSlots int

	// ChokeInterval is the cadence of choking re-evaluation.
	ChokeInterval time.Duration

	// DriveInterval is the cadence of the request scheduler.
	DriveInterval time.Duration

	// RequestTimeout expires outstanding block requests for re-selection.
	RequestTimeout time.Duration

	// Selection orders block requests across the swarm.
	Selection PieceSelection

	// Choking decides which interested peers may download from this node.
	Choking ChokingStrategy

	// UploadRate caps served piece bytes per second; zero means unlimited.
	UploadRate rate.Limit

	// ShowProgress renders a terminal progress bar while downloading.
	ShowProgress bool
}

func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:     ":0",
		OutputDir:      ".",
		PeerID:         GeneratePeerID(),
		MaxPeers:       30,
		UnchokeSlots:   4,
		ChokeInterval:  10 * time.Second,
		DriveInterval:  time.Second,
		RequestTimeout: 30 * time.Second,
		Selection:      RarestFirst{},
		Choking:        NewOptimisticUnchoke(30*time.Second, time.Now().UnixNano()),
	}
}

// --------------------------------------------------------------------------------------------- //

/*
Node is one torrent session: it owns the storage, the piece manager, the
connection pool, the tracker announces and the periodic request and choking
schedulers. Connections report through an event channel; the node is the only
component that mutates pool-level state, so per-connection loops never
contend on it.
*/
type Node struct {
	cfg     NodeConfig
	meta    *Metainfo
	storage *FileStorage
	pieces  *PieceManager
	slots   *UploadSlotManager
	limiter *rate.Limiter
	log     *logrus.Entry

	client   *tracker.Client
	listener net.Listener

	mu         sync.Mutex
	conns      map[string]*PeerConn
	inflight   map[BlockKey]*PeerConn
	downloaded int64
	uploaded   int64

	events         chan PeerEvent
	announceEvents chan string
	completed      chan struct{}
	completeOnce   sync.Once

	bar *progressbar.ProgressBar

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode prepares a session for the given torrent: payload files are
// created (or opened) under cfg.OutputDir and pre-sized, nothing touches the
// network until Start.
func NewNode(meta *Metainfo, cfg NodeConfig) (*Node, error) {
	if cfg.Selection == nil || cfg.Choking == nil {
		return nil, fmt.Errorf("torrent: node requires selection and choking strategies")
	}

	storage, err := NewFileStorage(meta, cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.UploadRate > 0 {
		burst := int(cfg.UploadRate)
		if burst < BlockLength {
			burst = BlockLength
		}
		limiter = rate.NewLimiter(cfg.UploadRate, burst)
	}

	return &Node{
		cfg:     cfg,
		meta:    meta,
		storage: storage,
		pieces:  NewPieceManager(meta, storage),
		slots:   NewUploadSlotManager(cfg.Choking, cfg.UnchokeSlots),
		limiter: limiter,
		log: logrus.WithFields(logrus.Fields{
			"component": "node",
			"torrent":   meta.Name,
		}),
		conns:          make(map[string]*PeerConn),
		inflight:       make(map[BlockKey]*PeerConn),
		events:         make(chan PeerEvent, 256),
		announceEvents: make(chan string, 1),
		completed:      make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// --------------------------------------------------------------------------------------------- //

/*
Start brings the session up: existing payload bytes are re-verified so a
partial download resumes and a complete one seeds, the listener binds, and
the announce, accept, event, scheduling and choking loops launch. Start
returns once the session is running; completion is observable on Completed.
*/
func (n *Node) Start() error {
	verified, err := n.pieces.ScanStorage()
	if err != nil {
		return fmt.Errorf("torrent: verifying existing data: %w", err)
	}
	if verified > 0 {
		n.log.WithFields(logrus.Fields{"verified": verified, "total": n.meta.NumPieces()}).Info("resumed from existing data")
	}

	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("torrent: listening on %s: %w", n.cfg.ListenAddr, err)
	}
	n.listener = ln

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return fmt.Errorf("torrent: resolving listen port: %w", err)
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)

	announceURL := n.cfg.AnnounceURL
	if announceURL == "" {
		announceURL = n.meta.Announce
	}
	n.client = tracker.NewClient(announceURL, n.meta.InfoHash, n.cfg.PeerID, uint16(port))

	if n.pieces.Complete() {
		n.slots.SetSeeding(true)
		n.signalComplete()
	} else if n.cfg.ShowProgress {
		n.bar = progressbar.NewOptions64(n.meta.TotalLength(),
			progressbar.OptionSetDescription(n.meta.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
		)
		if already := n.meta.TotalLength() - n.pieces.BytesLeft(); already > 0 {
			n.bar.Add64(already)
		}
	}

	n.log.WithFields(logrus.Fields{
		"listen":   ln.Addr().String(),
		"infohash": n.meta.InfoHash,
		"pieces":   n.meta.NumPieces(),
	}).Info("node started")

	n.wg.Add(5)
	go n.acceptLoop()
	go n.eventLoop()
	go n.announceLoop()
	go n.driveLoop()
	go n.chokeLoop()
	return nil
}

// Stop tears the session down: loops exit, connections close, and a final
// "stopped" announce removes this node from the tracker's swarm.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		if n.listener != nil {
			n.listener.Close()
		}

		n.mu.Lock()
		conns := make([]*PeerConn, 0, len(n.conns))
		for _, c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()
		for _, c := range conns {
			c.Close(nil)
		}

		n.wg.Wait()

		if n.client != nil {
			down, up := n.Transferred()
			if _, err := n.client.Announce(tracker.EventStopped, up, down, n.pieces.BytesLeft()); err != nil {
				n.log.WithError(err).Debug("final announce failed")
			}
		}
		n.storage.Close()
		n.log.Info("node stopped")
	})
}

// --------------------------------------------------------------------------------------------- //

// Completed is closed once every piece is verified. Seeding continues after.
func (n *Node) Completed() <-chan struct{} { return n.completed }

// Progress returns verified and total piece counts.
func (n *Node) Progress() (verified, total int) {
	return n.pieces.VerifiedCount(), n.meta.NumPieces()
}

// Transferred returns session totals of (downloaded, uploaded) payload bytes.
func (n *Node) Transferred() (int64, int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.downloaded, n.uploaded
}

// Addr returns the bound listen address.
func (n *Node) Addr() string {
	if n.listener == nil {
		return n.cfg.ListenAddr
	}
	return n.listener.Addr().String()
}

// PeerCount returns the current connection pool size.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// --------------------------------------------------------------------------------------------- //

/*
announceLoop keeps the tracker view of this session fresh: an immediate
"started" announce, then re-announces on the tracker's interval, plus
event-driven announces ("completed") pushed by the event loop. Announce
failures back off exponentially and never interrupt ongoing transfers.
*/
func (n *Node) announceLoop() {
	defer n.wg.Done()

	event := tracker.EventStarted
	interval := defaultReannounce
	backoff := time.Second

	for {
		down, up := n.Transferred()
		res, err := n.client.Announce(event, up, down, n.pieces.BytesLeft())
		if err != nil {
			n.log.WithError(err).WithField("retry_in", backoff).Warn("announce failed")
			select {
			case <-n.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxAnnounceBackoff {
				backoff = maxAnnounceBackoff
			}
			continue
		}

		backoff = time.Second
		event = tracker.EventNone
		if res.Interval > 0 {
			interval = res.Interval
		}
		if res.Warning != "" {
			n.log.WithField("warning", res.Warning).Warn("tracker warning")
		}

		n.connectPeers(res.Peers)

		select {
		case <-n.done:
			return
		case event = <-n.announceEvents:
		case <-time.After(interval):
		}
	}
}

// connectPeers dials announce-returned peers that are not already in the
// pool, up to the pool cap.
func (n *Node) connectPeers(peers []tracker.PeerAddr) {
	for _, p := range peers {
		addr := p.String()

		n.mu.Lock()
		_, known := n.conns[addr]
		full := len(n.conns) >= n.cfg.MaxPeers
		n.mu.Unlock()
		if known || full {
			continue
		}

		go func(addr string) {
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				n.log.WithField("peer", addr).WithError(err).Debug("dial failed")
				return
			}
			n.addConn(conn, true)
		}(addr)
	}
}

// acceptLoop admits inbound peer connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
				n.log.WithError(err).Debug("accept failed")
				continue
			}
		}
		n.addConn(conn, false)
	}
}

// addConn registers a socket in the pool and starts its session loops.
func (n *Node) addConn(conn net.Conn, outbound bool) {
	addr := conn.RemoteAddr().String()

	n.mu.Lock()
	if _, dup := n.conns[addr]; dup || len(n.conns) >= n.cfg.MaxPeers {
		n.mu.Unlock()
		conn.Close()
		return
	}
	pc := NewPeerConn(conn, outbound, n.meta, n.pieces, n.cfg.PeerID, n.events, n.limiter)
	n.conns[addr] = pc
	n.mu.Unlock()

	pc.Start()
}

// --------------------------------------------------------------------------------------------- //

// eventLoop is the single consumer of connection events; all pool-level
// bookkeeping happens here.
func (n *Node) eventLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return
		case ev := <-n.events:
			n.handleEvent(ev)
		}
	}
}

func (n *Node) handleEvent(ev PeerEvent) {
	addr := ev.Conn.Addr()

	switch ev.Type {

	case PeerBlockReceived:
		n.mu.Lock()
		for _, ref := range ev.Blocks {
			if n.inflight[ref.Key()] == ev.Conn {
				delete(n.inflight, ref.Key())
			}
		}
		n.downloaded += ev.Bytes
		n.mu.Unlock()

		n.slots.Update(addr, ev.Bytes, 0)
		if n.bar != nil {
			n.bar.Add64(ev.Bytes)
		}

	case PeerBlocksReleased:
		n.releaseInflight(ev.Conn, ev.Blocks)

	case PeerBlockSent:
		n.mu.Lock()
		n.uploaded += ev.Bytes
		n.mu.Unlock()
		n.slots.Update(addr, 0, ev.Bytes)

	case PeerInterestChanged:
		_, _, _, peerInterested := ev.Conn.Flags()
		n.slots.SetInterested(addr, peerInterested)

	case PeerPieceCompleted:
		n.broadcastHave(ev.Piece)
		if n.pieces.Complete() {
			n.onComplete()
		}

	case PeerPieceCorrupted:
		// The piece reverted to missing; the scheduler re-requests its
		// blocks on the next tick.
		n.log.WithFields(logrus.Fields{"piece": ev.Piece, "peer": addr}).Warn("corrupted piece discarded")

	case PeerClosed:
		n.releaseInflight(ev.Conn, ev.Blocks)
		n.removeConn(ev.Conn)
	}
}

// releaseInflight clears this connection's claim on the given blocks so the
// scheduler can offer them to other peers.
func (n *Node) releaseInflight(conn *PeerConn, blocks []BlockRef) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ref := range blocks {
		if n.inflight[ref.Key()] == conn {
			delete(n.inflight, ref.Key())
		}
	}
}

// removeConn drops a connection from the pool along with every inflight
// claim it still holds.
func (n *Node) removeConn(conn *PeerConn) {
	addr := conn.Addr()

	n.mu.Lock()
	if n.conns[addr] == conn {
		delete(n.conns, addr)
	}
	for key, owner := range n.inflight {
		if owner == conn {
			delete(n.inflight, key)
		}
	}
	n.mu.Unlock()

	n.slots.Forget(addr)
}

// broadcastHave announces a freshly verified piece to every live connection.
func (n *Node) broadcastHave(index int) {
	n.mu.Lock()
	conns := make([]*PeerConn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		if c.State() == StateEstablished {
			c.SendHave(index)
		}
	}
}

func (n *Node) onComplete() {
	n.slots.SetSeeding(true)
	if n.bar != nil {
		n.bar.Finish()
	}

	// One-shot "completed" announce; non-blocking, the announce loop may
	// already have one queued.
	select {
	case n.announceEvents <- tracker.EventCompleted:
	default:
	}

	n.signalComplete()
	n.log.WithField("pieces", n.meta.NumPieces()).Info("download complete, seeding")
}

func (n *Node) signalComplete() {
	n.completeOnce.Do(func() { close(n.completed) })
}

// --------------------------------------------------------------------------------------------- //

// driveLoop is the request scheduler cadence.
func (n *Node) driveLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.DriveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.drive()
		}
	}
}

/*
drive runs one scheduling pass: expired requests are released, dead
connections are swept out of the pool, swarm-wide availability is recomputed
from the live bitfields, interest flags are refreshed, and every connection's
request pipeline is refilled through the selection strategy. A block pending
on any connection is never offered to another.
*/
func (n *Node) drive() {
	n.mu.Lock()
	conns := make([]*PeerConn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	local := n.pieces.Bitfield()
	availability := make([]int, n.meta.NumPieces())

	type liveConn struct {
		conn     *PeerConn
		bitfield Bitfield
	}
	live := make([]liveConn, 0, len(conns))

	for _, c := range conns {
		switch c.State() {
		case StateClosed:
			// Pool entry outlived its PeerClosed event; sweep it.
			n.removeConn(c)
			continue
		case StateEstablished:
			c.ExpireRequests(n.cfg.RequestTimeout)
			if c.State() != StateEstablished {
				continue
			}

			bf := c.PeerBitfield()
			for i := 0; i < n.meta.NumPieces(); i++ {
				if bf.HasPiece(i) {
					availability[i]++
				}
			}
			live = append(live, liveConn{conn: c, bitfield: bf})
		}
	}

	// Snapshot of blocks already requested anywhere, extended as this pass
	// issues new requests.
	n.mu.Lock()
	skip := make(map[BlockKey]struct{}, len(n.inflight))
	for key := range n.inflight {
		skip[key] = struct{}{}
	}
	n.mu.Unlock()

	for _, lc := range live {
		n.updateInterest(lc.conn, local, lc.bitfield)
		n.fillPipeline(lc.conn, local, lc.bitfield, availability, skip)
	}
}

// updateInterest flips our interest flag to match whether the peer has any
// piece we lack.
func (n *Node) updateInterest(c *PeerConn, local, peer Bitfield) {
	interested := false
	for i := 0; i < n.meta.NumPieces(); i++ {
		if peer.HasPiece(i) && !local.HasPiece(i) {
			interested = true
			break
		}
	}
	c.SetInterested(interested)
}

// fillPipeline tops a connection's pending window up with strategy-selected
// blocks. Newly issued requests are claimed in skip immediately so later
// connections in the same pass cannot double-request them.
func (n *Node) fillPipeline(c *PeerConn, local, peer Bitfield, availability []int, skip map[BlockKey]struct{}) {
	for c.PendingCount() < MaxPendingRequests {
		needed := n.pieces.NextNeededBlocks(peer, skip, 64)
		if len(needed) == 0 {
			return
		}

		ref, ok := n.cfg.Selection.SelectNextBlock(local, peer, availability, needed)
		if !ok {
			return
		}

		if !c.RequestBlock(ref) {
			return
		}

		key := ref.Key()
		skip[key] = struct{}{}
		n.mu.Lock()
		n.inflight[key] = c
		n.mu.Unlock()
	}
}

// --------------------------------------------------------------------------------------------- //

// chokeLoop re-evaluates upload slots on a fixed cadence and applies the
// decision to every live connection.
func (n *Node) chokeLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.ChokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.applyChokes()
		}
	}
}

func (n *Node) applyChokes() {
	unchoked := n.slots.Unchoked()

	n.mu.Lock()
	conns := make([]*PeerConn, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		if c.State() == StateEstablished {
			c.SetChoked(!unchoked[c.Addr()])
		}
	}
}

// --------------------------------------------------------------------------------------------- //
