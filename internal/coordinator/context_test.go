package coordinator

import (
	"crypto/sha1"
	"testing"

	"btclient/internal/bitfield"
	"btclient/internal/piece"
	"btclient/internal/store"
)

func testInfos() []piece.Info {
	var hash [20]byte
	return []piece.Info{
		{Index: 0, Length: 10, Hash: hash, Offset: 0, FileRange: [2]int{0, 1}},
		{Index: 1, Length: 10, Hash: hash, Offset: 10, FileRange: [2]int{0, 1}},
	}
}

func TestTorrentContextCompleteAndBytesLeft(t *testing.T) {
	infos := testInfos()
	infos[0].Hash = sha1.Sum(make([]byte, 10))
	picker := piece.NewPicker(infos)
	files, err := store.NewFileSet(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileSet: %v", err)
	}
	defer files.Close()
	ps := store.NewPieceStore(infos, files, nil)

	var verifiedCalls []int
	tc := NewTorrentContext(infos, picker, ps, func(index int, length int64) {
		verifiedCalls = append(verifiedCalls, index)
	})

	if tc.Complete() {
		t.Fatal("expected incomplete at start")
	}
	if tc.BytesLeft() != 20 {
		t.Fatalf("BytesLeft = %d, want 20", tc.BytesLeft())
	}

	peerBits := bitfield.New(2)
	peerBits.SetPiece(0)
	tc.OnHave(0)

	block, ok := tc.PickBlock(peerBits)
	if !ok || block.PieceIndex != 0 {
		t.Fatalf("PickBlock = %+v, %v", block, ok)
	}

	// Force piece 0 to verify by writing all-zero data (matches the
	// SHA-1 of ten zero bytes set as piece 0's hash above).
	done, err := tc.AddBlock(0, 0, make([]byte, 10))
	if err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if !done {
		t.Fatal("expected piece 0 to complete")
	}
	if len(verifiedCalls) != 1 || verifiedCalls[0] != 0 {
		t.Fatalf("verifiedCalls = %v, want [0]", verifiedCalls)
	}
	if !tc.OwnBitfield().HasPiece(0) {
		t.Fatal("expected own bitfield to have piece 0 set")
	}
	if tc.BytesLeft() != 10 {
		t.Fatalf("BytesLeft = %d, want 10 after piece 0", tc.BytesLeft())
	}
	if tc.Complete() {
		t.Fatal("expected still incomplete with piece 1 outstanding")
	}
}

func TestTorrentContextAddBlockHashMismatchReopens(t *testing.T) {
	infos := testInfos()
	infos[0].Hash = [20]byte{1, 2, 3} // won't match an all-zero block's SHA-1
	picker := piece.NewPicker(infos)
	files, err := store.NewFileSet(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileSet: %v", err)
	}
	defer files.Close()
	ps := store.NewPieceStore(infos, files, nil)
	tc := NewTorrentContext(infos, picker, ps, func(int, int64) {})

	done, err := tc.AddBlock(0, 0, make([]byte, 10))
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
	if done {
		t.Fatal("expected done=false on hash mismatch")
	}
	if tc.OwnBitfield().HasPiece(0) {
		t.Fatal("expected piece 0 to remain unset after mismatch")
	}

	// Reopened: picking again should return the same block.
	peerBits := bitfield.New(2)
	peerBits.SetPiece(0)
	block, ok := tc.PickBlock(peerBits)
	if !ok || block.PieceIndex != 0 || block.Begin != 0 {
		t.Fatalf("PickBlock after reopen = %+v, %v", block, ok)
	}
}
