package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// --------------------------------------------------------------------------------------------- //

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeInfo struct {
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Name        string        `bencode:"name"`
	Length      int64         `bencode:"length"`
	Files       []bencodeFile `bencode:"files"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// --------------------------------------------------------------------------------------------- //

/*
extractInfoBytes extracts the raw info dictionary bytes from a bencoded
torrent file. It locates the "4:info" prefix and walks the bencoded data to
find the matching end of the dictionary, so the info hash is computed over
the exact bytes the author produced.

Parameters:
  - data: Byte slice containing the bencoded torrent file data.

Returns:
  - []byte: Byte slice of the info dictionary if found and valid.
  - error: Non-nil if the info dictionary is not found, unterminated, or malformed.
*/
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("%w: no \"4:info\" key found", ErrMalformedMetainfo)
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--

			if depth == 0 {
				return data[start : i+1], nil
			}

		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}

			if j >= len(data) {
				return nil, fmt.Errorf("%w: unterminated integer at %d", ErrMalformedMetainfo, i)
			}

			i = j

		default:
			if b >= '0' && b <= '9' {
				j := i

				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}

				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("%w: invalid string length at %d-%d", ErrMalformedMetainfo, i, j)
					}

					j++

					i = j + length - 1
				}
			}
		}
	}

	return nil, fmt.Errorf("%w: unterminated info dict", ErrMalformedMetainfo)
}

// --------------------------------------------------------------------------------------------- //

/*
Load decodes a bencoded torrent description and produces a validated
Metainfo. Both single-file and multi-file layouts are supported; multi-file
paths are joined under the torrent's name directory.

Parameters:
  - data: Byte slice containing the bencoded torrent file data.

Returns:
  - *Metainfo: The validated, immutable torrent description.
  - error: ErrMalformedMetainfo (possibly wrapped) on any structural defect.
*/
func Load(data []byte) (*Metainfo, error) {
	var raw bencodeTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding error: %v", ErrMalformedMetainfo, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, err
	}

	infoHash := InfoHash(sha1.Sum(infoBytes))

	var files []FileEntry
	if len(raw.Info.Files) == 0 {
		if raw.Info.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrMalformedMetainfo)
		}
		files = []FileEntry{{Path: raw.Info.Name, Length: raw.Info.Length}}
	} else {
		for _, f := range raw.Info.Files {
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("%w: file entry without path", ErrMalformedMetainfo)
			}
			parts := append([]string{raw.Info.Name}, f.Path...)
			files = append(files, FileEntry{
				Path:   filepath.Join(parts...),
				Length: f.Length,
			})
		}
	}

	return NewMetainfo(raw.Announce, raw.Info.Name, raw.Info.PieceLength, []byte(raw.Info.Pieces), files, infoHash)
}

// ParseFile loads and validates a .torrent file from disk.
func ParseFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Cannot read %q: %w", path, err)
	}

	return Load(data)
}

// --------------------------------------------------------------------------------------------- //
