package torrent

// Bitfield is a wire-order piece possession bitmap: one bit per piece, most
// significant bit of byte 0 is piece 0.
type Bitfield []byte

func NewBitfield(numPieces int) Bitfield {
	n := numPieces / 8
	if numPieces%8 != 0 {
		n++
	}
	return make(Bitfield, n)
}

// HasPiece checks if the bit for piece index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	bitIndex := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return false
	}

	return (bf[byteIndex]>>(7-bitIndex))&1 == 1
}

// SetPiece sets the bit for piece index. Out-of-range indices are ignored.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	bitIndex := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bf[byteIndex] |= 1 << (7 - bitIndex)
}

// ClearPiece unsets the bit for piece index. Out-of-range indices are ignored.
func (bf Bitfield) ClearPiece(index int) {
	byteIndex := index / 8
	bitIndex := index % 8

	if index < 0 || byteIndex >= len(bf) {
		return
	}

	bf[byteIndex] &^= 1 << (7 - bitIndex)
}

// Clone returns an independent copy, safe to hand across goroutines.
func (bf Bitfield) Clone() Bitfield {
	out := make(Bitfield, len(bf))
	copy(out, bf)
	return out
}

// Count returns the number of set bits.
func (bf Bitfield) Count() int {
	total := 0
	for _, b := range bf {
		for b != 0 {
			total += int(b & 1)
			b >>= 1
		}
	}
	return total
}
