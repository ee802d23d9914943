package torrent

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

// PieceState is the lifecycle of one piece inside the piece manager.
type PieceState uint8

const (
	PieceMissing PieceState = iota
	PieceInProgress
	PieceVerified
)

// PieceEvent is the outcome SubmitBlock reports to the caller.
type PieceEvent uint8

const (
	// PieceNone: the block was absorbed, the piece is still incomplete.
	PieceNone PieceEvent = iota
	// PieceCompleted: the piece assembled, hash-matched and was persisted.
	PieceCompleted
	// PieceCorrupted: the piece assembled but failed verification; all its
	// blocks were discarded and must be re-requested.
	PieceCorrupted
)

// BlockRef names one wire-protocol block: a (piece, offset, length) triple.
type BlockRef struct {
	Index  int
	Begin  int64
	Length int64
}

// BlockKey identifies a block without its length, for pending-request sets.
type BlockKey struct {
	Index int
	Begin int64
}

func (r BlockRef) Key() BlockKey {
	return BlockKey{Index: r.Index, Begin: r.Begin}
}

// --------------------------------------------------------------------------------------------- //

/*
PieceManager is the authoritative bitmap of piece and block possession for
one torrent session. It assembles inbound blocks, verifies completed pieces
against the metainfo hashes, persists verified pieces to storage and answers
thread-safe possession queries. Verification is the single trust boundary
for all inbound bytes: no peer error may ever mark an unverified piece as
owned.
*/
type PieceManager struct {
	meta    *Metainfo
	storage Storage

	mu       sync.Mutex
	states   []PieceState
	buffers  map[int][]byte // in-progress assembly, keyed by piece index
	received map[int][]bool // per-piece block arrival flags
	verified int
}

func NewPieceManager(meta *Metainfo, storage Storage) *PieceManager {
	return &PieceManager{
		meta:     meta,
		storage:  storage,
		states:   make([]PieceState, meta.NumPieces()),
		buffers:  make(map[int][]byte),
		received: make(map[int][]bool),
	}
}

// --------------------------------------------------------------------------------------------- //

// HasPiece reports whether piece index is verified locally.
func (pm *PieceManager) HasPiece(index int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return index >= 0 && index < len(pm.states) && pm.states[index] == PieceVerified
}

// State returns the lifecycle state of piece index.
func (pm *PieceManager) State(index int) PieceState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.states[index]
}

// Bitfield returns an immutable snapshot of the verified pieces, safe to
// share across connections.
func (pm *PieceManager) Bitfield() Bitfield {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	bf := NewBitfield(len(pm.states))
	for i, s := range pm.states {
		if s == PieceVerified {
			bf.SetPiece(i)
		}
	}
	return bf
}

func (pm *PieceManager) VerifiedCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.verified
}

func (pm *PieceManager) Complete() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.verified == len(pm.states)
}

// BytesLeft returns the number of bytes not yet verified, as reported to the
// tracker in announces.
func (pm *PieceManager) BytesLeft() int64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	left := pm.meta.TotalLength()
	for i, s := range pm.states {
		if s == PieceVerified {
			left -= pm.meta.PieceSize(i)
		}
	}
	return left
}

// --------------------------------------------------------------------------------------------- //

/*
SubmitBlock stores bytes in the in-progress buffer for a piece. When the
last block of the piece arrives, the assembled piece is hashed against the
metainfo digest: on a match it is marked verified and persisted, on a
mismatch every block is discarded and the piece reverts to missing.

Once a piece is verified, further submissions for it are no-ops: a piece is
never verified twice and confirmed bytes are never overwritten.

Returns:
  - PieceEvent: PieceCompleted, PieceCorrupted or PieceNone.
  - error: ErrProtocolViolation for blocks with impossible geometry,
    ErrStorage when persisting the verified piece failed (the piece reverts
    to missing so its blocks become re-requestable).
*/
func (pm *PieceManager) SubmitBlock(index int, begin int64, data []byte) (PieceEvent, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if index < 0 || index >= len(pm.states) {
		return PieceNone, fmt.Errorf("%w: piece index %d of %d", ErrProtocolViolation, index, len(pm.states))
	}

	if begin%BlockLength != 0 || pm.meta.BlockSize(index, begin) != int64(len(data)) {
		return PieceNone, fmt.Errorf("%w: block (piece=%d begin=%d len=%d)", ErrProtocolViolation, index, begin, len(data))
	}

	if pm.states[index] == PieceVerified {
		return PieceNone, nil
	}

	buf, ok := pm.buffers[index]
	if !ok {
		buf = make([]byte, pm.meta.PieceSize(index))
		pm.buffers[index] = buf
		pm.received[index] = make([]bool, pm.meta.BlockCount(index))
	}

	blockIndex := int(begin / BlockLength)
	if pm.received[index][blockIndex] {
		return PieceNone, nil
	}

	copy(buf[begin:], data)
	pm.received[index][blockIndex] = true
	pm.states[index] = PieceInProgress

	for _, got := range pm.received[index] {
		if !got {
			return PieceNone, nil
		}
	}

	return pm.finishPiece(index, buf)
}

// finishPiece verifies and persists a fully assembled piece. Caller holds
// the lock.
func (pm *PieceManager) finishPiece(index int, buf []byte) (PieceEvent, error) {
	delete(pm.buffers, index)
	delete(pm.received, index)

	if !equalHash(sha1.Sum(buf), pm.meta.PieceHashes[index]) {
		pm.states[index] = PieceMissing
		logrus.WithFields(logrus.Fields{"piece": index}).Warn("piece failed hash verification, discarded")
		return PieceCorrupted, nil
	}

	if err := pm.storage.WriteBlock(index, 0, buf); err != nil {
		pm.states[index] = PieceMissing
		logrus.WithFields(logrus.Fields{"piece": index}).WithError(err).Error("persisting verified piece failed")
		return PieceNone, err
	}

	pm.states[index] = PieceVerified
	pm.verified++
	logrus.WithFields(logrus.Fields{
		"piece":    index,
		"verified": pm.verified,
		"total":    len(pm.states),
	}).Debug("piece verified and saved")
	return PieceCompleted, nil
}

// --------------------------------------------------------------------------------------------- //

/*
NextNeededBlocks is a pure query used by the selection strategies: the
blocks of non-verified pieces the given peer advertises, excluding blocks
already received and blocks in skip (the union of all connections' pending
requests). It mutates nothing and returns at most limit entries.
*/
func (pm *PieceManager) NextNeededBlocks(peer Bitfield, skip map[BlockKey]struct{}, limit int) []BlockRef {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var out []BlockRef
	for index, state := range pm.states {
		if state == PieceVerified || !peer.HasPiece(index) {
			continue
		}

		got := pm.received[index]
		for b := 0; b < pm.meta.BlockCount(index); b++ {
			if got != nil && got[b] {
				continue
			}

			begin := int64(b) * BlockLength
			if _, pending := skip[BlockKey{Index: index, Begin: begin}]; pending {
				continue
			}

			out = append(out, BlockRef{
				Index:  index,
				Begin:  begin,
				Length: pm.meta.BlockSize(index, begin),
			})

			if len(out) >= limit {
				return out
			}
		}
	}

	return out
}

// ReadBlock serves a block of a verified piece for upload. Requests for
// unverified pieces are refused.
func (pm *PieceManager) ReadBlock(index int, begin, length int64) ([]byte, error) {
	pm.mu.Lock()
	if index < 0 || index >= len(pm.states) || pm.states[index] != PieceVerified {
		pm.mu.Unlock()
		return nil, fmt.Errorf("piece %d is not verified locally", index)
	}
	pm.mu.Unlock()

	return pm.storage.ReadBlock(index, begin, length)
}

// --------------------------------------------------------------------------------------------- //

// ScanStorage hashes every piece already present in storage and marks the
// matching ones verified. Used to resume a partial download or to seed a
// complete file. Returns the number of verified pieces.
func (pm *PieceManager) ScanStorage() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for index := range pm.states {
		if pm.states[index] == PieceVerified {
			continue
		}

		buf, err := pm.storage.ReadBlock(index, 0, pm.meta.PieceSize(index))
		if err != nil {
			return pm.verified, err
		}

		if equalHash(sha1.Sum(buf), pm.meta.PieceHashes[index]) {
			pm.states[index] = PieceVerified
			pm.verified++
		}
	}

	return pm.verified, nil
}

// --------------------------------------------------------------------------------------------- //
