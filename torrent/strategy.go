package torrent

import (
	"math/rand"
	"sync"
)

// --------------------------------------------------------------------------------------------- //

/*
PieceSelection is the pluggable request-ordering algorithm: given the local
possession bitmap, a peer's bitmap, the swarm-wide availability count per
piece and the set of candidate blocks still needed from that peer, it names
the next block to request. Candidates are pre-filtered by the piece manager
and the node, so a strategy never sees blocks the peer lacks, blocks of
verified pieces, or blocks pending on any connection.
*/
type PieceSelection interface {
	Name() string
	SelectNextBlock(local, peer Bitfield, availability []int, needed []BlockRef) (BlockRef, bool)
}

// --------------------------------------------------------------------------------------------- //

// RarestFirst prioritizes pieces with the fewest holders in the swarm, ties
// broken by lowest piece index; within the chosen piece the lowest-offset
// block goes first.
type RarestFirst struct{}

func (RarestFirst) Name() string { return "rarest-first" }

func (RarestFirst) SelectNextBlock(local, peer Bitfield, availability []int, needed []BlockRef) (BlockRef, bool) {
	bestPiece := -1
	for _, ref := range needed {
		if !peer.HasPiece(ref.Index) || local.HasPiece(ref.Index) {
			continue
		}

		if bestPiece == -1 || rarer(availability, ref.Index, bestPiece) {
			bestPiece = ref.Index
		}
	}

	if bestPiece == -1 {
		return BlockRef{}, false
	}

	return lowestBlock(needed, bestPiece)
}

// rarer reports whether piece a is strictly preferred over piece b: lower
// availability, or equal availability and lower index.
func rarer(availability []int, a, b int) bool {
	ca, cb := count(availability, a), count(availability, b)
	if ca != cb {
		return ca < cb
	}
	return a < b
}

func count(availability []int, index int) int {
	if index < 0 || index >= len(availability) {
		return 0
	}
	return availability[index]
}

// --------------------------------------------------------------------------------------------- //

// RandomSelection chooses uniformly at random among eligible pieces, then
// the lowest-offset unrequested block of that piece.
type RandomSelection struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSelection(seed int64) *RandomSelection {
	return &RandomSelection{rng: rand.New(rand.NewSource(seed))}
}

func (*RandomSelection) Name() string { return "random" }

func (s *RandomSelection) SelectNextBlock(local, peer Bitfield, availability []int, needed []BlockRef) (BlockRef, bool) {
	seen := make(map[int]bool)
	var pieces []int
	for _, ref := range needed {
		if !peer.HasPiece(ref.Index) || local.HasPiece(ref.Index) || seen[ref.Index] {
			continue
		}
		seen[ref.Index] = true
		pieces = append(pieces, ref.Index)
	}

	if len(pieces) == 0 {
		return BlockRef{}, false
	}

	s.mu.Lock()
	chosen := pieces[s.rng.Intn(len(pieces))]
	s.mu.Unlock()

	return lowestBlock(needed, chosen)
}

// --------------------------------------------------------------------------------------------- //

// lowestBlock returns the needed block of the given piece with the smallest
// offset.
func lowestBlock(needed []BlockRef, piece int) (BlockRef, bool) {
	var best BlockRef
	found := false
	for _, ref := range needed {
		if ref.Index != piece {
			continue
		}
		if !found || ref.Begin < best.Begin {
			best = ref
			found = true
		}
	}
	return best, found
}

// --------------------------------------------------------------------------------------------- //
