package peeragent

import (
	"net"
	"sync"
	"testing"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/codec"
	"btclient/internal/peerwire"
	"btclient/internal/piece"
)

// fakeCtx is a minimal Context double: PickBlock hands out sequential
// blocks from a fixed list until exhausted, AddBlock just counts
// calls.
type fakeCtx struct {
	numPieces int

	mu        sync.Mutex
	available []piece.BlockInfo
	picked    []piece.BlockInfo
	haves     []int
	added     []piece.BlockInfo
}

func (f *fakeCtx) NumPieces() int { return f.numPieces }

func (f *fakeCtx) PickBlock(peerBits bitfield.Bitfield) (piece.BlockInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.available) == 0 {
		return piece.BlockInfo{}, false
	}
	b := f.available[0]
	if !peerBits.HasPiece(b.PieceIndex) {
		return piece.BlockInfo{}, false
	}
	f.available = f.available[1:]
	f.picked = append(f.picked, b)
	return b, true
}

func (f *fakeCtx) OnHave(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.haves = append(f.haves, index)
}

func (f *fakeCtx) AddBlock(index int, begin uint32, block []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, piece.BlockInfo{PieceIndex: index, Begin: begin, Length: uint32(len(block))})
	return false, nil
}

func pairedSessions(t *testing.T, infoHash [20]byte) (local, remote *peerwire.PeerSession) {
	t.Helper()
	c1, c2 := net.Pipe()

	var id1, id2 [20]byte
	id1[0], id2[0] = 1, 2

	type res struct {
		s   *peerwire.PeerSession
		err error
	}
	ch1 := make(chan res, 1)
	ch2 := make(chan res, 1)
	go func() {
		s, _, err := peerwire.Handshake(c1, infoHash, id1, time.Second)
		ch1 <- res{s, err}
	}()
	go func() {
		s, _, err := peerwire.Handshake(c2, infoHash, id2, time.Second)
		ch2 <- res{s, err}
	}()
	r1, r2 := <-ch1, <-ch2
	if r1.err != nil {
		t.Fatalf("local handshake: %v", r1.err)
	}
	if r2.err != nil {
		t.Fatalf("remote handshake: %v", r2.err)
	}
	go r1.s.Run(0)
	go r2.s.Run(0)
	return r1.s, r2.s
}

func TestAgentSendsInterestedOnStart(t *testing.T) {
	var infoHash [20]byte
	local, remote := pairedSessions(t, infoHash)
	defer remote.Close()

	ctx := &fakeCtx{numPieces: 4}
	a := New(ctx, local, [20]byte{9}, DefaultPipelineDepth)

	stop := make(chan struct{})
	defer close(stop)
	go a.Run(stop)

	select {
	case msg := <-remote.Events:
		if msg.ID != codec.IDInterested {
			t.Fatalf("first message = %+v, want Interested", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Interested")
	}
}

func TestAgentRejectsHaveOutOfRange(t *testing.T) {
	var infoHash [20]byte
	local, remote := pairedSessions(t, infoHash)
	defer remote.Close()

	ctx := &fakeCtx{numPieces: 4}
	a := New(ctx, local, [20]byte{9}, DefaultPipelineDepth)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(nil) }()

	<-remote.Events // drain Interested

	remote.Commands <- codec.Have(4) // numPieces == 4, so index 4 is out of range

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error closing connection on out-of-range Have")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent to close on protocol error")
	}
}

func TestAgentFillsPipelineOnlyAfterUnchoke(t *testing.T) {
	var infoHash [20]byte
	local, remote := pairedSessions(t, infoHash)
	defer remote.Close()

	ctx := &fakeCtx{
		numPieces: 2,
		available: []piece.BlockInfo{
			{PieceIndex: 0, Begin: 0, Length: piece.BlockSize},
			{PieceIndex: 1, Begin: 0, Length: piece.BlockSize},
		},
	}
	a := New(ctx, local, [20]byte{9}, DefaultPipelineDepth)

	stop := make(chan struct{})
	defer close(stop)
	go a.Run(stop)

	<-remote.Events // Interested

	bits := bitfield.New(2)
	bits.SetPiece(0)
	bits.SetPiece(1)
	remote.Commands <- codec.BitfieldMsg(bits)

	// Still choked: no Request should arrive.
	select {
	case msg := <-remote.Events:
		t.Fatalf("unexpected message while choked: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	remote.Commands <- codec.Unchoke()

	select {
	case msg := <-remote.Events:
		if msg.ID != codec.IDRequest {
			t.Fatalf("expected Request after unchoke, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Request after unchoke")
	}
}
