package torrent

import "testing"

// blocksOf builds one candidate block per listed piece.
func blocksOf(pieces ...int) []BlockRef {
	out := make([]BlockRef, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, BlockRef{Index: p, Begin: 0, Length: BlockLength})
	}
	return out
}

func TestRarestFirstPrefersLowestAvailability(t *testing.T) {
	local := NewBitfield(3)
	peer := NewBitfield(3)
	for i := 0; i < 3; i++ {
		peer.SetPiece(i)
	}

	// Piece 1 is held by three peers, pieces 0 and 2 by one each; the tie
	// between 0 and 2 goes to the lower index.
	availability := []int{1, 3, 1}

	ref, ok := RarestFirst{}.SelectNextBlock(local, peer, availability, blocksOf(0, 1, 2))
	if !ok {
		t.Fatal("no block selected")
	}
	if ref.Index != 0 {
		t.Errorf("selected piece %d, want 0", ref.Index)
	}
}

func TestRarestFirstSkipsOwnedAndUnavailable(t *testing.T) {
	local := NewBitfield(3)
	local.SetPiece(2) // already owned

	peer := NewBitfield(3)
	peer.SetPiece(1) // the only piece the peer can serve
	peer.SetPiece(2)

	availability := []int{1, 5, 1}

	ref, ok := RarestFirst{}.SelectNextBlock(local, peer, availability, blocksOf(0, 1, 2))
	if !ok {
		t.Fatal("no block selected")
	}
	if ref.Index != 1 {
		t.Errorf("selected piece %d, want 1", ref.Index)
	}
}

func TestRarestFirstPicksLowestOffsetBlock(t *testing.T) {
	local := NewBitfield(1)
	peer := NewBitfield(1)
	peer.SetPiece(0)

	needed := []BlockRef{
		{Index: 0, Begin: 2 * BlockLength, Length: BlockLength},
		{Index: 0, Begin: 0, Length: BlockLength},
		{Index: 0, Begin: BlockLength, Length: BlockLength},
	}

	ref, ok := RarestFirst{}.SelectNextBlock(local, peer, []int{1}, needed)
	if !ok {
		t.Fatal("no block selected")
	}
	if ref.Begin != 0 {
		t.Errorf("selected offset %d, want 0", ref.Begin)
	}
}

func TestRarestFirstNoCandidates(t *testing.T) {
	local := NewBitfield(2)
	peer := NewBitfield(2) // peer has nothing

	if _, ok := (RarestFirst{}).SelectNextBlock(local, peer, []int{0, 0}, blocksOf(0, 1)); ok {
		t.Error("selected a block the peer cannot serve")
	}
}

func TestRandomSelectionStaysEligible(t *testing.T) {
	local := NewBitfield(4)
	local.SetPiece(0)

	peer := NewBitfield(4)
	peer.SetPiece(0)
	peer.SetPiece(2)
	peer.SetPiece(3)

	sel := NewRandomSelection(1)
	for i := 0; i < 50; i++ {
		ref, ok := sel.SelectNextBlock(local, peer, []int{1, 1, 1, 1}, blocksOf(0, 1, 2, 3))
		if !ok {
			t.Fatal("no block selected")
		}
		if ref.Index != 2 && ref.Index != 3 {
			t.Fatalf("selected ineligible piece %d", ref.Index)
		}
	}
}
