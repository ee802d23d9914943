package torrent

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// --------------------------------------------------------------------------------------------- //

// ErrPeerUnresponsive is returned when a peer lets repeated request rounds
// time out without delivering a single block. It closes that connection only.
var ErrPeerUnresponsive = errors.New("torrent: peer unresponsive")

const (
	// MaxPendingRequests caps the outstanding block requests per connection.
	MaxPendingRequests = 5

	// maxTimeoutStrikes is the number of all-expired request rounds after
	// which the peer is declared unresponsive.
	maxTimeoutStrikes = 3

	handshakeTimeout  = 5 * time.Second
	writeTimeout      = 60 * time.Second
	readTimeout       = 3 * time.Minute
	keepAliveInterval = 2 * time.Minute
)

// --------------------------------------------------------------------------------------------- //

// ConnState is the lifecycle of a peer session.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// --------------------------------------------------------------------------------------------- //

// PeerEventType enumerates what a connection reports to its node.
type PeerEventType int

const (
	// PeerBlockReceived: a requested block arrived and was submitted.
	PeerBlockReceived PeerEventType = iota
	// PeerBlocksReleased: pending requests were abandoned (timeout or choke)
	// and their blocks are re-requestable.
	PeerBlocksReleased
	// PeerPieceCompleted: a block from this peer completed a verified piece.
	PeerPieceCompleted
	// PeerPieceCorrupted: a block from this peer completed a piece that
	// failed verification.
	PeerPieceCorrupted
	// PeerInterestChanged: the remote peer's interest flag flipped.
	PeerInterestChanged
	// PeerBlockSent: a block was served to the remote peer.
	PeerBlockSent
	// PeerClosed: the connection ended; Blocks carries its still-pending
	// requests for release.
	PeerClosed
)

// PeerEvent is the connection-to-node notification record.
type PeerEvent struct {
	Conn   *PeerConn
	Type   PeerEventType
	Piece  int
	Blocks []BlockRef
	Bytes  int64
	Err    error
}

// --------------------------------------------------------------------------------------------- //

type pendingRequest struct {
	length int64
	sentAt time.Time
}

/*
PeerConn is one TCP session to a remote peer. It owns the per-session state
machine (CONNECTING → HANDSHAKING → ESTABLISHED → CLOSED plus the four
choke/interest flags) and the framed send/receive loops. All connection
state is mutated only by the connection's own loops and by the node's
periodic driver, which synchronize on the connection mutex.
*/
type PeerConn struct {
	conn     net.Conn
	addr     string
	outbound bool
	meta     *Metainfo
	pieces   *PieceManager
	localID  [HashLength]byte
	events   chan<- PeerEvent
	limiter  *rate.Limiter
	log      *logrus.Entry

	mu             sync.Mutex
	state          ConnState
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   Bitfield
	pending        map[BlockKey]pendingRequest
	remoteID       [HashLength]byte
	downloaded     int64
	uploaded       int64
	delivered      int // blocks received since the last expiry round
	timeoutStrikes int

	outbox    chan *Message
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

/*
NewPeerConn wraps an established TCP socket in a peer session. The session
starts in CONNECTING; Start drives the handshake and the message loops.

Parameters:
  - conn: The connected socket, either dialed or accepted.
  - outbound: True if this node initiated the connection; decides handshake order.
  - meta: The torrent this session serves.
  - pieces: The node's piece manager; the connection only queries possession
    and submits completed blocks, it never mutates swarm state directly.
  - localID: This node's peer ID, sent in the handshake.
  - events: The node-owned channel this connection reports on.
  - limiter: Upload pacing for served blocks; nil means unlimited.
*/
func NewPeerConn(conn net.Conn, outbound bool, meta *Metainfo, pieces *PieceManager,
	localID [HashLength]byte, events chan<- PeerEvent, limiter *rate.Limiter) *PeerConn {

	return &PeerConn{
		conn:         conn,
		addr:         conn.RemoteAddr().String(),
		outbound:     outbound,
		meta:         meta,
		pieces:       pieces,
		localID:      localID,
		events:       events,
		limiter:      limiter,
		log:          logrus.WithFields(logrus.Fields{"peer": conn.RemoteAddr().String(), "infohash": meta.InfoHash}),
		state:        StateConnecting,
		amChoking:    true,
		peerChoking:  true,
		peerBitfield: NewBitfield(meta.NumPieces()),
		pending:      make(map[BlockKey]pendingRequest),
		outbox:       make(chan *Message, 64),
		done:         make(chan struct{}),
	}
}

func (c *PeerConn) Addr() string { return c.addr }

func (c *PeerConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteID returns the peer ID announced in the remote handshake.
func (c *PeerConn) RemoteID() [HashLength]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// PeerBitfield returns a snapshot of the remote possession bitmap.
func (c *PeerConn) PeerBitfield() Bitfield {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerBitfield.Clone()
}

// Flags returns the four ESTABLISHED substate booleans.
func (c *PeerConn) Flags() (amChoking, amInterested, peerChoking, peerInterested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amChoking, c.amInterested, c.peerChoking, c.peerInterested
}

// Transferred returns total bytes (downloaded, uploaded) over this session.
func (c *PeerConn) Transferred() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloaded, c.uploaded
}

func (c *PeerConn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// --------------------------------------------------------------------------------------------- //

// Start runs the session: handshake, then the send and receive loops. It
// returns immediately; lifecycle ends with a PeerClosed event.
func (c *PeerConn) Start() {
	go c.run()
}

func (c *PeerConn) run() {
	if err := c.handshake(); err != nil {
		c.Close(err)
		return
	}

	// First message after the handshake is our possession bitmap.
	c.enqueue(FormatBitfield(c.pieces.Bitfield()))

	go c.writeLoop()
	c.readLoop()
}

/*
handshake performs the mutual verification exchange. The initiator writes
first; the acceptor answers only after checking the announced info hash, so
a peer for the wrong torrent never learns our peer ID. A mismatched info
hash fails with ErrHandshakeMismatch.
*/
func (c *PeerConn) handshake() error {
	c.setState(StateHandshaking)

	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	local := NewHandshake(c.meta.InfoHash, c.localID)

	if c.outbound {
		if err := WriteHandshake(c.conn, local); err != nil {
			return err
		}
	}

	remote, err := ReadHandshake(c.conn)
	if err != nil {
		return err
	}

	if remote.InfoHash != c.meta.InfoHash {
		return fmt.Errorf("%w: peer announced %x", ErrHandshakeMismatch, remote.InfoHash)
	}

	if !c.outbound {
		if err := WriteHandshake(c.conn, local); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.remoteID = remote.PeerID
	c.state = StateEstablished
	c.mu.Unlock()

	c.log.WithField("remote_id", fmt.Sprintf("%x", remote.PeerID[:8])).Info("peer session established")
	return nil
}

// --------------------------------------------------------------------------------------------- //

// readLoop processes inbound messages in arrival order until the stream
// fails or the session closes.
func (c *PeerConn) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.Close(err)
			return
		}

		if msg == nil {
			continue // keep-alive
		}

		if err := c.handleMessage(msg); err != nil {
			c.Close(err)
			return
		}
	}
}

// writeLoop drains the outbox so slow writes never block the read
// direction. Piece messages are paced by the upload limiter here, outside
// the reader's path.
func (c *PeerConn) writeLoop() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-keepAlive.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write((*Message)(nil).Encode()); err != nil {
				c.Close(fmt.Errorf("Sending keepalive error: %w", err))
				return
			}

		case msg := <-c.outbox:
			if msg.ID == MsgPiece && c.limiter != nil {
				r := c.limiter.ReserveN(time.Now(), len(msg.Payload)-8)
				if r.OK() {
					time.Sleep(r.Delay())
				}
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(msg.Encode()); err != nil {
				c.Close(fmt.Errorf("Sending message %s error: %w", msg.ID, err))
				return
			}
		}
	}
}

// --------------------------------------------------------------------------------------------- //

func (c *PeerConn) handleMessage(msg *Message) error {
	switch msg.ID {

	case MsgChoke:
		// The remote discards our outstanding requests when it chokes us;
		// release them for re-selection elsewhere.
		c.mu.Lock()
		c.peerChoking = true
		released := c.takePendingLocked()
		c.mu.Unlock()

		if len(released) > 0 {
			c.emit(PeerEvent{Conn: c, Type: PeerBlocksReleased, Blocks: released})
		}

	case MsgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()

	case MsgInterested, MsgNotInterested:
		interested := msg.ID == MsgInterested
		c.mu.Lock()
		c.peerInterested = interested
		c.mu.Unlock()
		c.emit(PeerEvent{Conn: c, Type: PeerInterestChanged})

	case MsgHave:
		index, err := ParseHave(msg)
		if err != nil {
			return err
		}
		if int(index) >= c.meta.NumPieces() {
			return fmt.Errorf("%w: have for piece %d of %d", ErrProtocolViolation, index, c.meta.NumPieces())
		}

		c.mu.Lock()
		c.peerBitfield.SetPiece(int(index))
		c.mu.Unlock()

	case MsgBitfield:
		bf, err := ParseBitfield(msg, c.meta.NumPieces())
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.peerBitfield = bf
		c.mu.Unlock()

	case MsgRequest:
		return c.handleRequest(msg)

	case MsgPiece:
		return c.handlePiece(msg)

	case MsgCancel:
		// Blocks are served synchronously from the outbox, so there is no
		// queued work to withdraw.
		if _, _, _, err := ParseRequest(msg); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, msg.ID)
	}

	return nil
}

/*
handleRequest services a block request from the remote peer. A request is
honored only while the peer is unchoked and the piece is verified locally;
anything else is dropped silently; peers that keep requesting while choked
are not penalized beyond non-service. Only an out-of-range piece index is a
protocol violation.
*/
func (c *PeerConn) handleRequest(msg *Message) error {
	index, begin, length, err := ParseRequest(msg)
	if err != nil {
		return err
	}

	if int(index) >= c.meta.NumPieces() {
		return fmt.Errorf("%w: request for piece %d of %d", ErrProtocolViolation, index, c.meta.NumPieces())
	}

	c.mu.Lock()
	choking := c.amChoking
	c.mu.Unlock()

	if choking || length == 0 || length > BlockLength {
		c.log.WithFields(logrus.Fields{"piece": index, "begin": begin}).Debug("dropping request")
		return nil
	}

	block, err := c.pieces.ReadBlock(int(index), int64(begin), int64(length))
	if err != nil {
		c.log.WithFields(logrus.Fields{"piece": index, "begin": begin}).WithError(err).Debug("cannot serve request")
		return nil
	}

	c.enqueue(FormatPiece(index, begin, block))

	c.mu.Lock()
	c.uploaded += int64(len(block))
	c.mu.Unlock()

	c.emit(PeerEvent{Conn: c, Type: PeerBlockSent, Piece: int(index), Bytes: int64(len(block))})
	return nil
}

/*
handlePiece absorbs a delivered block. A piece message that matches no
outstanding request, or whose length differs from what was requested, is a
protocol violation. Matching blocks go to the piece manager, whose verdict
(completed, corrupted, still assembling) is forwarded to the node.
*/
func (c *PeerConn) handlePiece(msg *Message) error {
	index, begin, block, err := ParsePiece(msg)
	if err != nil {
		return err
	}

	key := BlockKey{Index: int(index), Begin: int64(begin)}

	c.mu.Lock()
	req, ok := c.pending[key]
	if !ok || req.length != int64(len(block)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: unsolicited piece (piece=%d begin=%d len=%d)", ErrProtocolViolation, index, begin, len(block))
	}

	delete(c.pending, key)
	c.downloaded += int64(len(block))
	c.delivered++
	c.mu.Unlock()

	event, err := c.pieces.SubmitBlock(int(index), int64(begin), block)
	if err != nil {
		if errors.Is(err, ErrProtocolViolation) {
			return err
		}
		// Storage trouble: the piece reverts to missing and will be
		// re-requested; the session itself stays healthy.
		c.log.WithField("piece", index).WithError(err).Error("submitting block failed")
	}

	c.emit(PeerEvent{Conn: c, Type: PeerBlockReceived, Piece: int(index),
		Blocks: []BlockRef{{Index: int(index), Begin: int64(begin), Length: int64(len(block))}},
		Bytes:  int64(len(block))})

	switch event {
	case PieceCompleted:
		c.emit(PeerEvent{Conn: c, Type: PeerPieceCompleted, Piece: int(index)})
	case PieceCorrupted:
		c.emit(PeerEvent{Conn: c, Type: PeerPieceCorrupted, Piece: int(index)})
	}

	return nil
}

// --------------------------------------------------------------------------------------------- //

/*
RequestBlock issues one outbound block request, if the session is
established, the remote is not choking us, and the pending window has room.
It returns false when the request cannot be issued; the node then offers the
block elsewhere.
*/
func (c *PeerConn) RequestBlock(ref BlockRef) bool {
	c.mu.Lock()
	if c.state != StateEstablished || c.peerChoking || len(c.pending) >= MaxPendingRequests {
		c.mu.Unlock()
		return false
	}

	key := ref.Key()
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return false
	}

	c.pending[key] = pendingRequest{length: ref.Length, sentAt: time.Now()}
	c.mu.Unlock()

	c.enqueue(FormatRequest(uint32(ref.Index), uint32(ref.Begin), uint32(ref.Length)))
	return true
}

// SetChoked applies the choking algorithm's decision to this connection.
func (c *PeerConn) SetChoked(choked bool) {
	c.mu.Lock()
	if c.amChoking == choked || c.state != StateEstablished {
		c.mu.Unlock()
		return
	}
	c.amChoking = choked
	c.mu.Unlock()

	if choked {
		c.enqueue(&Message{ID: MsgChoke})
	} else {
		c.enqueue(&Message{ID: MsgUnchoke})
	}
	c.log.WithField("choked", choked).Debug("choke decision applied")
}

// SetInterested announces whether this node wants pieces the peer has.
func (c *PeerConn) SetInterested(interested bool) {
	c.mu.Lock()
	if c.amInterested == interested || c.state != StateEstablished {
		c.mu.Unlock()
		return
	}
	c.amInterested = interested
	c.mu.Unlock()

	if interested {
		c.enqueue(&Message{ID: MsgInterested})
	} else {
		c.enqueue(&Message{ID: MsgNotInterested})
	}
}

// SendHave announces a freshly verified piece to this peer.
func (c *PeerConn) SendHave(index int) {
	c.enqueue(FormatHave(uint32(index)))
}

/*
ExpireRequests abandons pending requests older than timeout and reports them
released for re-selection, without closing the connection. A round in which
every expiry found no blocks delivered since the previous round counts as a
strike; enough consecutive strikes close the connection as unresponsive.
*/
func (c *PeerConn) ExpireRequests(timeout time.Duration) {
	now := time.Now()

	c.mu.Lock()
	var released []BlockRef
	for key, req := range c.pending {
		if now.Sub(req.sentAt) > timeout {
			released = append(released, BlockRef{Index: key.Index, Begin: key.Begin, Length: req.length})
			delete(c.pending, key)
		}
	}

	strikes := 0
	if len(released) > 0 {
		if c.delivered == 0 {
			c.timeoutStrikes++
		} else {
			c.timeoutStrikes = 0
		}
		c.delivered = 0
		strikes = c.timeoutStrikes
	}
	c.mu.Unlock()

	if len(released) > 0 {
		c.log.WithField("blocks", len(released)).Debug("pending requests timed out")
		c.emit(PeerEvent{Conn: c, Type: PeerBlocksReleased, Blocks: released})
	}

	if strikes >= maxTimeoutStrikes {
		c.Close(ErrPeerUnresponsive)
	}
}

// --------------------------------------------------------------------------------------------- //

// Close transitions the session to CLOSED exactly once, releases its
// pending blocks, and reports PeerClosed to the node for pool cleanup.
func (c *PeerConn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closeErr = err
		released := c.takePendingLocked()
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		if err != nil {
			c.log.WithError(err).Info("peer session closed")
		}
		c.emit(PeerEvent{Conn: c, Type: PeerClosed, Blocks: released, Err: err})
	})
}

// CloseErr returns the error the session closed with, if any.
func (c *PeerConn) CloseErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// takePendingLocked drains the pending set into a release list. Caller
// holds the lock.
func (c *PeerConn) takePendingLocked() []BlockRef {
	var out []BlockRef
	for key, req := range c.pending {
		out = append(out, BlockRef{Index: key.Index, Begin: key.Begin, Length: req.length})
		delete(c.pending, key)
	}
	return out
}

// enqueue hands a message to the write loop. A full outbox means the peer
// cannot keep up with what we owe it; the session is closed rather than
// blocking the caller.
func (c *PeerConn) enqueue(msg *Message) {
	select {
	case c.outbox <- msg:
	case <-c.done:
	default:
		c.Close(fmt.Errorf("send queue full for %s", c.addr))
	}
}

// emit delivers an event to the node without ever wedging the connection's
// loops on a stopped consumer.
func (c *PeerConn) emit(ev PeerEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
		// Session is closing; only PeerClosed must still get through, and
		// the buffered channel keeps room for it.
		if ev.Type == PeerClosed {
			select {
			case c.events <- ev:
			default:
			}
		}
	}
}

// --------------------------------------------------------------------------------------------- //

func (c *PeerConn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// --------------------------------------------------------------------------------------------- //
