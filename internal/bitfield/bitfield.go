// Package bitfield implements the BitTorrent bitfield: an ordered,
// MSB-first bit sequence of length equal to the piece count of a torrent.
package bitfield

import "fmt"

// Bitfield is a byte slice where bit i (0-indexed, MSB first within each
// byte) represents whether piece i is present.
type Bitfield []byte

// New allocates a bitfield large enough to hold numPieces bits, all unset.
func New(numPieces int) Bitfield {
	return make(Bitfield, ByteLen(numPieces))
}

// ByteLen returns the number of bytes required to hold numPieces bits.
func ByteLen(numPieces int) int {
	return (numPieces + 7) / 8
}

// FromBytes wraps raw wire bytes as a Bitfield without copying.
func FromBytes(b []byte) Bitfield {
	return Bitfield(b)
}

// HasPiece reports whether bit index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	offset := index % 8
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// SetPiece sets bit index. Panics if index is out of range for the
// allocated byte length; callers must bounds-check against piece count
// first (see coordinator/peeragent Have handling).
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	bf[byteIndex] |= 1 << (7 - offset)
}

// Len returns the bit capacity implied by the byte slice length (i.e.
// len(bf)*8, including any trailing pad bits).
func (bf Bitfield) Len() int {
	return len(bf) * 8
}

// MatchesPieceCount reports whether bf has exactly the byte length
// expected for numPieces pieces (the padded ceil(numPieces/8)).
func (bf Bitfield) MatchesPieceCount(numPieces int) bool {
	return len(bf) == ByteLen(numPieces)
}

// HasAndNot reports whether bit index is set in bf and not set in
// other. Used by the Picker to find pieces the peer has that we don't.
func (bf Bitfield) HasAndNot(other Bitfield, index int) bool {
	return bf.HasPiece(index) && !other.HasPiece(index)
}

func (bf Bitfield) String() string {
	return fmt.Sprintf("Bitfield(%d bytes)", len(bf))
}
