package torrent

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------------------------- //

const (
	// HashLength is the length of a SHA-1 digest.
	HashLength = 20

	// BlockLength is the request granularity on the wire, 16 kB.
	BlockLength = 1 << 14
)

// ErrMalformedMetainfo is returned when a torrent description is missing
// mandatory keys or carries inconsistent values. It is fatal to loading the
// torrent, never to the process.
var ErrMalformedMetainfo = errors.New("torrent: malformed metainfo")

// --------------------------------------------------------------------------------------------- //

// InfoHash identifies a torrent: the SHA-1 digest of its bencoded info
// dictionary. It is the swarm key everywhere.
type InfoHash [HashLength]byte

func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// FileEntry is one file of the torrent's layout. Path is relative to the
// download directory, Length in bytes.
type FileEntry struct {
	Path   string
	Length int64
}

// --------------------------------------------------------------------------------------------- //

/*
Metainfo is the immutable description of a torrent: tracker endpoint, piece
geometry, piece hashes and file layout. It is validated on construction and
read-only afterwards.

Fields:
  - Announce: tracker announce URL.
  - InfoHash: SHA-1 of the bencoded info dictionary.
  - Name: suggested name of the file or root directory.
  - PieceLength: nominal piece size; the last piece may be shorter.
  - PieceHashes: one SHA-1 digest per piece, in piece order.
  - Files: ordered file layout; offsets follow file order.
*/
type Metainfo struct {
	Announce    string
	InfoHash    InfoHash
	Name        string
	PieceLength int64
	PieceHashes [][HashLength]byte
	Files       []FileEntry

	totalLength int64
}

// NewMetainfo validates the raw structured fields of a torrent description
// and builds a Metainfo. It fails with ErrMalformedMetainfo when mandatory
// keys are absent, hash lengths are wrong, file lengths are non-positive or
// the piece count does not cover the total length.
func NewMetainfo(announce, name string, pieceLength int64, pieces []byte, files []FileEntry, infoHash InfoHash) (*Metainfo, error) {
	if announce == "" {
		return nil, fmt.Errorf("%w: missing announce URL", ErrMalformedMetainfo)
	}

	if pieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length %d", ErrMalformedMetainfo, pieceLength)
	}

	if len(pieces) == 0 || len(pieces)%HashLength != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of %d", ErrMalformedMetainfo, len(pieces), HashLength)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrMalformedMetainfo)
	}

	var total int64
	for _, f := range files {
		if f.Length <= 0 {
			return nil, fmt.Errorf("%w: file %q has length %d", ErrMalformedMetainfo, f.Path, f.Length)
		}
		total += f.Length
	}

	numPieces := len(pieces) / HashLength
	expected := (total + pieceLength - 1) / pieceLength
	if int64(numPieces) != expected {
		return nil, fmt.Errorf("%w: %d piece hashes for %d bytes at piece length %d",
			ErrMalformedMetainfo, numPieces, total, pieceLength)
	}

	hashes := make([][HashLength]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], pieces[i*HashLength:(i+1)*HashLength])
	}

	fileCopy := make([]FileEntry, len(files))
	copy(fileCopy, files)

	return &Metainfo{
		Announce:    announce,
		InfoHash:    infoHash,
		Name:        name,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       fileCopy,
		totalLength: total,
	}, nil
}

// --------------------------------------------------------------------------------------------- //

func (m *Metainfo) TotalLength() int64 {
	return m.totalLength
}

func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the byte length of piece i, accounting for the
// trailing-piece shortfall.
func (m *Metainfo) PieceSize(i int) int64 {
	if i == m.NumPieces()-1 {
		if rem := m.totalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// BlockCount returns the number of wire-protocol blocks in piece i.
func (m *Metainfo) BlockCount(i int) int {
	size := m.PieceSize(i)
	return int((size + BlockLength - 1) / BlockLength)
}

// BlockSize returns the byte length of the block of piece i starting at
// begin, zero when begin is out of range.
func (m *Metainfo) BlockSize(i int, begin int64) int64 {
	size := m.PieceSize(i)
	if begin < 0 || begin >= size {
		return 0
	}
	if size-begin < BlockLength {
		return size - begin
	}
	return BlockLength
}

// --------------------------------------------------------------------------------------------- //

// GeneratePeerID produces a 20-byte peer identifier in the conventional
// client-prefix form, with entropy taken from a fresh UUID.
func GeneratePeerID() [HashLength]byte {
	const prefix = "-P2P001-"

	id := uuid.New()
	var out [HashLength]byte
	copy(out[:], prefix)
	hex.Encode(out[len(prefix):], id[:(HashLength-len(prefix))/2])
	return out
}

// --------------------------------------------------------------------------------------------- //
