// Package piece holds the per-piece metadata (hash, offset, file range)
// and the block picker that decides what to request next.
package piece

import (
	"btclient/internal/bitfield"
	"btclient/internal/metainfo"
)

// BlockSize is the fixed request unit. The last block of a piece may be
// shorter.
const BlockSize = 16 * 1024

// BlockInfo identifies one block within a piece.
type BlockInfo struct {
	PieceIndex int
	Begin      uint32
	Length     uint32
}

// Info is the immutable metadata for one piece.
type Info struct {
	Index     int
	Length    int64
	Hash      [20]byte
	Offset    int64
	FileRange [2]int // [start, end) indices into the torrent's file list
}

// BlockCount returns ceil(length/BlockSize).
func BlockCount(length int64) int {
	return int((length + BlockSize - 1) / BlockSize)
}

// LastBlockLen returns the length of the final block of a piece with the
// given total length.
func LastBlockLen(length int64) int64 {
	n := BlockCount(length)
	if n == 0 {
		return 0
	}
	last := length - int64(n-1)*BlockSize
	if last <= 0 {
		return BlockSize
	}
	return last
}

// BuildInfos derives per-piece Info from a Metainfo, computing each
// piece's byte offset and overlapping file-index range.
func BuildInfos(m *metainfo.Metainfo) []Info {
	infos := make([]Info, m.NumPieces())
	var offset int64
	fileStart := 0
	for i := 0; i < m.NumPieces(); i++ {
		length := m.PieceLen(i)
		lo, hi := overlappingFiles(m.Files, offset, length, fileStart)
		infos[i] = Info{
			Index:     i,
			Length:    length,
			Hash:      m.PieceHashes[i],
			Offset:    offset,
			FileRange: [2]int{lo, hi},
		}
		offset += length
		fileStart = lo
	}
	return infos
}

func overlappingFiles(files []metainfo.FileEntry, offset, length int64, searchFrom int) (int, int) {
	start := offset
	end := offset + length

	lo := -1
	for i := searchFrom; i < len(files); i++ {
		fStart := files[i].Offset
		fEnd := fStart + files[i].Length
		if fEnd <= start {
			continue
		}
		if fStart >= end {
			break
		}
		if lo == -1 {
			lo = i
		}
	}
	if lo == -1 {
		return 0, 0
	}

	hi := lo
	for hi < len(files) && files[hi].Offset < end {
		hi++
	}
	return lo, hi
}

// state is the mutable per-piece bookkeeping the Picker needs: whether
// it's still pending, how many connected peers have it (used by a
// rarest-first comparator, unused by the default tie-break), and the
// cursor of the next not-yet-requested block offset.
type state struct {
	pending         bool
	frequency       int
	nextBlockOffset uint32
}

// Picker chooses the next block to request for a peer, given the shared
// own bitfield and each piece's pending/frequency state. The default
// tie-break is lowest index first; OnHave/frequency tracking is kept so a
// rarest-first comparator can be substituted without changing callers.
type Picker struct {
	infos  []Info
	states []state
}

// NewPicker builds a Picker over infos, all pieces initially pending.
func NewPicker(infos []Info) *Picker {
	states := make([]state, len(infos))
	for i := range states {
		states[i].pending = true
	}
	return &Picker{infos: infos, states: states}
}

// OnHave increments the frequency counter for piece index, called when
// any peer reports (via Have or Bitfield) that it holds the piece.
func (p *Picker) OnHave(index int) {
	if index < 0 || index >= len(p.states) {
		return
	}
	p.states[index].frequency++
}

// MarkVerified marks a piece no longer pending, called after PieceStore
// has verified and flushed it.
func (p *Picker) MarkVerified(index int) {
	if index < 0 || index >= len(p.states) {
		return
	}
	p.states[index].pending = false
}

// Reopen marks a piece pending again after a failed verification.
func (p *Picker) Reopen(index int) {
	if index < 0 || index >= len(p.states) {
		return
	}
	p.states[index].pending = true
	p.states[index].nextBlockOffset = 0
}

// Pick returns the next block to request given the peer's bitfield and
// the shared own bitfield, or ok=false if nothing is eligible (peer has
// nothing we want, or we've already requested every block of every
// piece it offers).
func (p *Picker) Pick(peerBits, ownBits bitfield.Bitfield) (BlockInfo, bool) {
	for i, info := range p.infos {
		if !p.states[i].pending {
			continue
		}
		if !peerBits.HasAndNot(ownBits, i) {
			continue
		}

		st := &p.states[i]
		if int64(st.nextBlockOffset) >= info.Length {
			continue
		}

		length := uint32(BlockSize)
		remaining := info.Length - int64(st.nextBlockOffset)
		if remaining < BlockSize {
			length = uint32(remaining)
		}

		block := BlockInfo{PieceIndex: i, Begin: st.nextBlockOffset, Length: length}
		st.nextBlockOffset += length
		return block, true
	}
	return BlockInfo{}, false
}

// Infos returns the underlying per-piece metadata slice.
func (p *Picker) Infos() []Info {
	return p.infos
}
