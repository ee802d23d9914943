package torrent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// --------------------------------------------------------------------------------------------- //

// ErrStorage wraps failures of the storage collaborator. A storage failure
// aborts the affected piece only, never the whole session.
var ErrStorage = errors.New("torrent: storage failure")

// Storage is the byte-addressable collaborator the piece manager persists
// verified pieces to and serves read requests from. Offsets are
// piece-relative.
type Storage interface {
	ReadBlock(index int, begin, length int64) ([]byte, error)
	WriteBlock(index int, begin int64, data []byte) error
}

// --------------------------------------------------------------------------------------------- //

type fileSpan struct {
	handle *os.File
	offset int64 // absolute offset of this file in the torrent's data
	length int64
}

// FileStorage lays the torrent's pieces out over its file entries, creating
// and pre-allocating the files under a root directory.
type FileStorage struct {
	meta *Metainfo
	mu   sync.Mutex
	span []fileSpan
}

// NewFileStorage creates (or opens) every file of the torrent under dir,
// truncated to its final length so blocks can be written in any order.
func NewFileStorage(meta *Metainfo, dir string) (*FileStorage, error) {
	s := &FileStorage{meta: meta}

	var offset int64
	for _, entry := range meta.Files {
		path := filepath.Join(dir, entry.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("%w: creating directory for %s: %v", ErrStorage, path, err)
		}

		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: opening %s: %v", ErrStorage, path, err)
		}

		if err := f.Truncate(entry.Length); err != nil {
			f.Close()
			s.Close()
			return nil, fmt.Errorf("%w: truncating %s: %v", ErrStorage, path, err)
		}

		s.span = append(s.span, fileSpan{handle: f, offset: offset, length: entry.Length})
		offset += entry.Length
	}

	return s, nil
}

func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, f := range s.span {
		if f.handle == nil {
			continue
		}
		if err := f.handle.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.span = nil
	return first
}

// --------------------------------------------------------------------------------------------- //

// WriteBlock persists data at the given piece-relative offset, splitting the
// write across file boundaries where the block spans more than one file.
func (s *FileStorage) WriteBlock(index int, begin int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := int64(index)*s.meta.PieceLength + begin
	end := start + int64(len(data))

	for _, f := range s.span {
		fileStart := f.offset
		fileEnd := f.offset + f.length

		lo := max64(start, fileStart)
		hi := min64(end, fileEnd)
		if lo >= hi {
			continue
		}

		chunk := data[lo-start : hi-start]
		if _, err := f.handle.WriteAt(chunk, lo-f.offset); err != nil {
			return fmt.Errorf("%w: writing piece %d offset %d: %v", ErrStorage, index, begin, err)
		}
	}

	return nil
}

// ReadBlock fetches length bytes at the given piece-relative offset,
// reassembling across file boundaries.
func (s *FileStorage) ReadBlock(index int, begin, length int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := int64(index)*s.meta.PieceLength + begin
	end := start + length

	if end > s.meta.TotalLength() {
		return nil, fmt.Errorf("%w: read past end of data (piece %d offset %d length %d)", ErrStorage, index, begin, length)
	}

	out := make([]byte, length)
	for _, f := range s.span {
		fileStart := f.offset
		fileEnd := f.offset + f.length

		lo := max64(start, fileStart)
		hi := min64(end, fileEnd)
		if lo >= hi {
			continue
		}

		if _, err := f.handle.ReadAt(out[lo-start:hi-start], lo-f.offset); err != nil {
			return nil, fmt.Errorf("%w: reading piece %d offset %d: %v", ErrStorage, index, begin, err)
		}
	}

	return out, nil
}

// --------------------------------------------------------------------------------------------- //

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// --------------------------------------------------------------------------------------------- //
