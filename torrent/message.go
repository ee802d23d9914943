package torrent

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// --------------------------------------------------------------------------------------------- //

// ErrProtocolViolation is returned when a peer sends a frame that breaks the
// wire protocol: an oversized length prefix, an out-of-range piece index, or
// a piece payload that matches no outstanding request. It closes only the
// offending connection.
var ErrProtocolViolation = errors.New("torrent: protocol violation")

// ErrHandshakeMismatch is returned when a peer's handshake announces a
// different protocol or info hash than the local torrent's.
var ErrHandshakeMismatch = errors.New("torrent: handshake mismatch")

const protocolName = "BitTorrent protocol"

// maxFrameLength bounds a single message frame; the largest legitimate frame
// is a piece message (9 bytes header + one block), bitfields of very large
// torrents aside.
const maxFrameLength = 1 << 20

// --------------------------------------------------------------------------------------------- //

/*
Handshake is the fixed 68-byte frame that opens every peer session and
carries the info hash and peer ID for mutual verification before any other
message is accepted.

Fields:
  - ProtocolNameLength: Length of the protocol name (19).
  - Protocol: Fixed-size array containing the protocol name.
  - Reserved: Reserved bytes for protocol extensions.
  - InfoHash: 20-byte SHA-1 hash of the torrent's info dictionary.
  - PeerID: 20-byte unique identifier for the peer.
*/
type Handshake struct {
	ProtocolNameLength byte
	Protocol           [19]byte
	Reserved           [8]byte
	InfoHash           [HashLength]byte
	PeerID             [HashLength]byte
}

// NewHandshake builds the local half of the handshake exchange.
func NewHandshake(infoHash InfoHash, peerID [HashLength]byte) *Handshake {
	var hs Handshake
	hs.ProtocolNameLength = byte(len(protocolName))
	copy(hs.Protocol[:], protocolName)
	hs.InfoHash = infoHash
	hs.PeerID = peerID
	return &hs
}

// WriteHandshake serializes the handshake onto the stream.
func WriteHandshake(w io.Writer, hs *Handshake) error {
	if err := binary.Write(w, binary.BigEndian, hs); err != nil {
		return fmt.Errorf("Sending handshake error: %w", err)
	}
	return nil
}

// ReadHandshake reads the remote handshake and verifies the protocol name.
// Info-hash verification is the caller's job, since only the session knows
// which torrent it serves.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var hs Handshake
	if err := binary.Read(r, binary.BigEndian, &hs); err != nil {
		return nil, fmt.Errorf("Reading handshake error: %w", err)
	}

	if hs.ProtocolNameLength != byte(len(protocolName)) || string(hs.Protocol[:]) != protocolName {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrHandshakeMismatch, string(hs.Protocol[:]))
	}

	return &hs, nil
}

// --------------------------------------------------------------------------------------------- //

/*
MessageID enumerates the fixed set of peer-protocol message types.

Values:
  - MsgChoke: the sender will not service requests.
  - MsgUnchoke: the sender will service requests again.
  - MsgInterested: the sender wants pieces the receiver has.
  - MsgNotInterested: the sender wants nothing the receiver has.
  - MsgHave: the sender acquired a specific piece.
  - MsgBitfield: the sender's full possession bitmap, first message after handshake.
  - MsgRequest: ask for one block of a piece.
  - MsgPiece: deliver one block of a piece.
  - MsgCancel: withdraw a previous request.
*/
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// Message is one framed peer-protocol message. A nil *Message is the
// keep-alive (a bare zero length prefix).
type Message struct {
	ID      MessageID
	Payload []byte
}

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// --------------------------------------------------------------------------------------------- //

// Encode serializes the message with its length prefix. A nil message
// encodes as the keep-alive.
func (m *Message) Encode() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	buf := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(m.Payload)+1))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

/*
ReadMessage reads one length-prefixed message from the stream. It blocks
until a full frame is buffered, so a stream delivering fewer bytes than one
message never loses state; the caller simply observes a pending read.

Parameters:
  - r: The byte stream to read from.

Returns:
  - *Message: The decoded message, or nil for a keep-alive.
  - error: ErrProtocolViolation for oversized frames, I/O errors otherwise.
*/
func ReadMessage(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}

	if length > maxFrameLength {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocolViolation, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return &Message{
		ID:      MessageID(buf[0]),
		Payload: buf[1:],
	}, nil
}

// --------------------------------------------------------------------------------------------- //

func FormatHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: MsgHave, Payload: payload}
}

func FormatBitfield(bf Bitfield) *Message {
	return &Message{ID: MsgBitfield, Payload: bf}
}

func FormatRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: MsgRequest, Payload: payload}
}

func FormatCancel(index, begin, length uint32) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = MsgCancel
	return m
}

func FormatPiece(index, begin uint32, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// --------------------------------------------------------------------------------------------- //

// ParseHave decodes a have payload.
func ParseHave(m *Message) (uint32, error) {
	if m.ID != MsgHave || len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: bad have payload of %d bytes", ErrProtocolViolation, len(m.Payload))
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParseRequest decodes a request or cancel payload into (index, begin, length).
func ParseRequest(m *Message) (uint32, uint32, uint32, error) {
	if (m.ID != MsgRequest && m.ID != MsgCancel) || len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: bad %s payload of %d bytes", ErrProtocolViolation, m.ID, len(m.Payload))
	}

	index := binary.BigEndian.Uint32(m.Payload[0:4])
	begin := binary.BigEndian.Uint32(m.Payload[4:8])
	length := binary.BigEndian.Uint32(m.Payload[8:12])
	return index, begin, length, nil
}

// ParsePiece decodes a piece payload into (index, begin, block).
func ParsePiece(m *Message) (uint32, uint32, []byte, error) {
	if m.ID != MsgPiece || len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: bad piece payload of %d bytes", ErrProtocolViolation, len(m.Payload))
	}

	index := binary.BigEndian.Uint32(m.Payload[0:4])
	begin := binary.BigEndian.Uint32(m.Payload[4:8])
	return index, begin, m.Payload[8:], nil
}

// ParseBitfield validates a bitfield payload against the torrent's piece
// count: the byte length must match and no spare bit may be set.
func ParseBitfield(m *Message, numPieces int) (Bitfield, error) {
	if m.ID != MsgBitfield {
		return nil, fmt.Errorf("%w: not a bitfield", ErrProtocolViolation)
	}

	expected := len(NewBitfield(numPieces))
	if len(m.Payload) != expected {
		return nil, fmt.Errorf("%w: bitfield of %d bytes, want %d", ErrProtocolViolation, len(m.Payload), expected)
	}

	bf := Bitfield(m.Payload).Clone()
	if spare := len(bf)*8 - numPieces; spare > 0 {
		last := bf[len(bf)-1]
		if last&(1<<uint(spare)-1) != 0 {
			return nil, fmt.Errorf("%w: spare bits set in bitfield", ErrProtocolViolation)
		}
	}

	return bf, nil
}

// --------------------------------------------------------------------------------------------- //

// equalHash compares two SHA-1 digests.
func equalHash(a, b [HashLength]byte) bool {
	return bytes.Equal(a[:], b[:])
}

// --------------------------------------------------------------------------------------------- //
