package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

// pieceData generates deterministic payload bytes for tests.
func pieceData(size int, seed int64) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

// hashPieces computes the concatenated per-piece SHA-1 digests of data.
func hashPieces(data []byte, pieceLength int) []byte {
	var out []byte
	for start := 0; start < len(data); start += pieceLength {
		end := start + pieceLength
		if end > len(data) {
			end = len(data)
		}
		sum := sha1.Sum(data[start:end])
		out = append(out, sum[:]...)
	}
	return out
}

// buildTorrentFile renders a single-file bencoded torrent description.
func buildTorrentFile(announce, name string, pieceLength, totalLength int, pieces []byte) []byte {
	info := fmt.Sprintf("d6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%se",
		totalLength, len(name), name, pieceLength, len(pieces), pieces)
	return []byte(fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info))
}

// --------------------------------------------------------------------------------------------- //

func TestLoadSingleFile(t *testing.T) {
	data := pieceData(70000, 1)
	pieces := hashPieces(data, 32768)
	raw := buildTorrentFile("http://tracker.local/announce", "payload.bin", 32768, len(data), pieces)

	meta, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if meta.Announce != "http://tracker.local/announce" {
		t.Errorf("announce = %q", meta.Announce)
	}
	if meta.Name != "payload.bin" {
		t.Errorf("name = %q", meta.Name)
	}
	if meta.NumPieces() != 3 {
		t.Errorf("pieces = %d, want 3", meta.NumPieces())
	}
	if meta.TotalLength() != 70000 {
		t.Errorf("total = %d, want 70000", meta.TotalLength())
	}
	if len(meta.Files) != 1 || meta.Files[0].Path != "payload.bin" {
		t.Errorf("files = %+v", meta.Files)
	}

	// Trailing piece is shorter than the nominal piece length.
	if got := meta.PieceSize(2); got != 70000-2*32768 {
		t.Errorf("last piece size = %d", got)
	}
	if got := meta.PieceSize(0); got != 32768 {
		t.Errorf("first piece size = %d", got)
	}
}

func TestLoadInfoHashCoversRawInfoBytes(t *testing.T) {
	data := pieceData(32768, 2)
	pieces := hashPieces(data, 32768)
	raw := buildTorrentFile("http://t/a", "f", 32768, len(data), pieces)

	infoBytes, err := extractInfoBytes(raw)
	if err != nil {
		t.Fatalf("extractInfoBytes: %v", err)
	}

	meta, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := InfoHash(sha1.Sum(infoBytes))
	if meta.InfoHash != want {
		t.Errorf("infohash = %s, want %s", meta.InfoHash, want)
	}
}

func TestLoadMultiFile(t *testing.T) {
	// Two files, 40000 + 30000 bytes, piece length 32768 -> 3 pieces.
	pieces := hashPieces(pieceData(70000, 3), 32768)
	files := "ld6:lengthi40000e4:pathl5:a.binee" + "d6:lengthi30000e4:pathl3:sub5:b.bineee"
	info := fmt.Sprintf("d5:files%s4:name4:dist12:piece lengthi32768e6:pieces%d:%se", files, len(pieces), pieces)
	raw := []byte(fmt.Sprintf("d8:announce8:http://t4:info%se", info))

	meta, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(meta.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(meta.Files))
	}
	if meta.Files[0].Path != "dist/a.bin" {
		t.Errorf("file 0 path = %q", meta.Files[0].Path)
	}
	if meta.Files[1].Path != "dist/sub/b.bin" {
		t.Errorf("file 1 path = %q", meta.Files[1].Path)
	}
	if meta.TotalLength() != 70000 {
		t.Errorf("total = %d", meta.TotalLength())
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	data := pieceData(32768, 4)
	pieces := hashPieces(data, 32768)

	cases := []struct {
		name string
		raw  []byte
	}{
		{"garbage", []byte("not bencode at all")},
		{"missing announce", buildTorrentFile("", "f", 32768, len(data), pieces)},
		{"truncated pieces", buildTorrentFile("http://t", "f", 32768, len(data), pieces[:19])},
		{"piece count mismatch", buildTorrentFile("http://t", "f", 16384, len(data), pieces)},
		{"zero piece length", buildTorrentFile("http://t", "f", 0, len(data), pieces)},
		{"unterminated info", []byte("d8:announce8:http://t4:infod4:name1:f")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(tc.raw); !errors.Is(err, ErrMalformedMetainfo) {
				t.Errorf("Load = %v, want ErrMalformedMetainfo", err)
			}
		})
	}
}

func TestNewMetainfoRejectsNonPositiveFileLength(t *testing.T) {
	pieces := make([]byte, HashLength)
	_, err := NewMetainfo("http://t", "f", 16384, pieces, []FileEntry{{Path: "f", Length: 0}}, InfoHash{})
	if !errors.Is(err, ErrMalformedMetainfo) {
		t.Errorf("NewMetainfo = %v, want ErrMalformedMetainfo", err)
	}
}

func TestGeneratePeerID(t *testing.T) {
	a, b := GeneratePeerID(), GeneratePeerID()
	if a == b {
		t.Error("two generated peer IDs collide")
	}
	if string(a[:8]) != "-P2P001-" {
		t.Errorf("prefix = %q", a[:8])
	}
}
