package coordinator

import (
	"sync"

	"btclient/internal/bitfield"
	"btclient/internal/piece"
	"btclient/internal/store"
)

// TorrentContext is the shared, single-torrent state every PeerAgent
// talks to through the peeragent.Context interface: the picker, the
// piece store, and this client's own bitfield. Reads and writes are
// arbitrated by one RWMutex; Pick mutates the picker's per-piece
// cursors, so it takes the write path rather than the read path a
// pure query would otherwise qualify for.
type TorrentContext struct {
	mu sync.RWMutex

	numPieces   int
	picker      *piece.Picker
	pieceStore  *store.PieceStore
	ownBitfield bitfield.Bitfield

	onVerified func(index int, length int64)
}

// NewTorrentContext builds a TorrentContext over infos/picker/pieceStore.
// onVerified, called with the piece's index and byte length after
// TorrentContext updates its own bitfield, lets the coordinator
// broadcast Have and advance progress reporting.
func NewTorrentContext(infos []piece.Info, picker *piece.Picker, pieceStore *store.PieceStore, onVerified func(index int, length int64)) *TorrentContext {
	tc := &TorrentContext{
		numPieces:   len(infos),
		picker:      picker,
		pieceStore:  pieceStore,
		ownBitfield: bitfield.New(len(infos)),
		onVerified:  onVerified,
	}
	for _, info := range infos {
		if pieceStore.IsVerified(info.Index) {
			tc.ownBitfield.SetPiece(info.Index)
			picker.MarkVerified(info.Index)
		}
	}
	return tc
}

// NumPieces implements peeragent.Context.
func (tc *TorrentContext) NumPieces() int {
	return tc.numPieces
}

// PickBlock implements peeragent.Context.
func (tc *TorrentContext) PickBlock(peerBits bitfield.Bitfield) (piece.BlockInfo, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.picker.Pick(peerBits, tc.ownBitfield)
}

// OnHave implements peeragent.Context.
func (tc *TorrentContext) OnHave(index int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.picker.OnHave(index)
}

// AddBlock implements peeragent.Context. On a completed, verified
// piece it sets the corresponding own-bitfield bit and fires
// onVerified outside the lock.
func (tc *TorrentContext) AddBlock(index int, begin uint32, block []byte) (bool, error) {
	done, err := tc.pieceStore.AddBlock(index, begin, block)
	if err != nil {
		tc.mu.Lock()
		tc.picker.Reopen(index)
		tc.mu.Unlock()
		return false, err
	}
	if !done {
		return false, nil
	}

	tc.mu.Lock()
	tc.ownBitfield.SetPiece(index)
	tc.picker.MarkVerified(index)
	length := tc.pieceLength(index)
	tc.mu.Unlock()

	if tc.onVerified != nil {
		tc.onVerified(index, length)
	}
	return true, nil
}

func (tc *TorrentContext) pieceLength(index int) int64 {
	for _, info := range tc.picker.Infos() {
		if info.Index == index {
			return info.Length
		}
	}
	return 0
}

// OwnBitfield returns a copy of this client's current bitfield, for
// sending the initial Bitfield message to a newly handshaked peer.
func (tc *TorrentContext) OwnBitfield() bitfield.Bitfield {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	cp := make(bitfield.Bitfield, len(tc.ownBitfield))
	copy(cp, tc.ownBitfield)
	return cp
}

// Complete reports whether every piece has been verified.
func (tc *TorrentContext) Complete() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	for i := 0; i < tc.numPieces; i++ {
		if !tc.ownBitfield.HasPiece(i) {
			return false
		}
	}
	return true
}

// BytesLeft returns the number of bytes across unverified pieces, for
// the tracker announce's "left" field.
func (tc *TorrentContext) BytesLeft() int64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	var left int64
	for _, info := range tc.picker.Infos() {
		if !tc.ownBitfield.HasPiece(info.Index) {
			left += info.Length
		}
	}
	return left
}
