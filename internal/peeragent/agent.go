// Package peeragent implements the per-peer state machine: choking
// and interest tracking, bitfield validation, and the request-pipeline
// send scheduler described in spec §4.3.
package peeragent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"btclient/internal/bitfield"
	"btclient/internal/codec"
	"btclient/internal/peerwire"
	"btclient/internal/piece"
	"btclient/internal/store"
)

// Context is the coordinator-owned surface an Agent needs: piece
// selection and block ingestion against the torrent's shared state.
// Implementations are responsible for their own read/write
// arbitration (see coordinator.TorrentContext); none of its methods
// are assumed to be cheap or lock-free.
type Context interface {
	NumPieces() int
	PickBlock(peerBits bitfield.Bitfield) (piece.BlockInfo, bool)
	OnHave(index int)
	AddBlock(index int, begin uint32, block []byte) (done bool, err error)
}

// DefaultPipelineDepth is the default number of outstanding block requests an
// agent keeps in flight per peer (spec §4.3's W, "a reasonable default
// is 10"; made configurable via internal/config, this is the fallback
// when a caller passes 0).
const DefaultPipelineDepth = 10

// KeepAliveInterval is how long an agent waits without sending
// anything before sending a keep-alive, per spec §5's 120s timer.
const KeepAliveInterval = 120 * time.Second

// Agent owns one peer's State and its PeerSession, and drives both the
// event-handling loop and the request-pipeline send scheduler.
type Agent struct {
	ctx           Context
	session       *peerwire.PeerSession
	pipelineDepth int

	mu    sync.Mutex
	state *State
}

// New builds an Agent for a just-handshaked session. peerID is the
// remote peer-id returned by peerwire.Handshake.
func New(ctx Context, session *peerwire.PeerSession, peerID [20]byte, pipelineDepth int) *Agent {
	if pipelineDepth <= 0 {
		pipelineDepth = DefaultPipelineDepth
	}
	return &Agent{
		ctx:           ctx,
		session:       session,
		pipelineDepth: pipelineDepth,
		state:         newState(peerID, ctx.NumPieces()),
	}
}

// Snapshot returns a copy of the agent's current state, safe to call
// from any goroutine.
func (a *Agent) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.state
}

// Run drives the agent until the session closes or stop is closed. It
// sends the initial Interested, then alternates between servicing
// incoming events and topping up the request pipeline, sending a
// KeepAlive whenever nothing has been sent for KeepAliveInterval. The
// caller is responsible for starting session.Run in its own goroutine
// before calling Run; Agent only pumps the Commands/Events mailboxes,
// it doesn't drive the wire itself.
func (a *Agent) Run(stop <-chan struct{}) error {
	a.mu.Lock()
	a.state.Status = Connected
	a.state.AmInterested = true
	a.mu.Unlock()

	if err := a.send(codec.Interested()); err != nil {
		return err
	}

	timer := time.NewTimer(KeepAliveInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			a.session.Close()
			return nil

		case msg, ok := <-a.session.Events:
			if !ok {
				return a.session.Err()
			}
			if err := a.handle(msg); err != nil {
				a.session.Close()
				return err
			}
			sent, err := a.fillPipeline()
			if err != nil {
				a.session.Close()
				return err
			}
			if sent {
				resetTimer(timer, KeepAliveInterval)
			}

		case <-timer.C:
			if err := a.send(codec.KeepAlive()); err != nil {
				return err
			}
			timer.Reset(KeepAliveInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (a *Agent) send(msg codec.Message) error {
	select {
	case a.session.Commands <- msg:
		return nil
	default:
	}
	// Mailbox full: block, but give the session a chance to drain
	// rather than wedge forever against a dead peer.
	select {
	case a.session.Commands <- msg:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("peeragent: command mailbox to %s full for 30s", a.session.Remote)
	}
}

// handle advances the state machine for one decoded message, per
// spec.md §4.3's table.
func (a *Agent) handle(msg codec.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state.LastActivity = time.Now()

	if msg.IsKeepAlive {
		a.state.Status = Connected
		return nil
	}

	firstMessage := !a.state.bitfieldSeen
	a.state.bitfieldSeen = true

	switch msg.ID {
	case codec.IDChoke:
		a.state.PeerChoking = true
	case codec.IDUnchoke:
		a.state.PeerChoking = false
	case codec.IDInterested:
		a.state.PeerInterested = true
	case codec.IDNotInterested:
		a.state.PeerInterested = false

	case codec.IDHave:
		if int(msg.Index) >= a.ctx.NumPieces() {
			return fmt.Errorf("peeragent: Have index %d >= piece count %d", msg.Index, a.ctx.NumPieces())
		}
		a.state.Bitfield.SetPiece(int(msg.Index))
		a.ctx.OnHave(int(msg.Index))

	case codec.IDBitfield:
		if !firstMessage {
			return fmt.Errorf("peeragent: Bitfield received after first message")
		}
		bits := bitfield.FromBytes(msg.Bits)
		if !bits.MatchesPieceCount(a.ctx.NumPieces()) {
			return fmt.Errorf("peeragent: Bitfield length %d bytes, want %d for %d pieces",
				len(msg.Bits), bitfield.ByteLen(a.ctx.NumPieces()), a.ctx.NumPieces())
		}
		a.state.Bitfield = bits
		for i := 0; i < a.ctx.NumPieces(); i++ {
			if bits.HasPiece(i) {
				a.ctx.OnHave(i)
			}
		}

	case codec.IDPiece:
		a.state.PendingRequests--
		if a.state.PendingRequests < 0 {
			a.state.PendingRequests = 0
		}
		if _, err := a.ctx.AddBlock(int(msg.Index), msg.Begin, msg.Block); err != nil {
			// Hash mismatches are not fatal to the connection (spec
			// §4.5, §7: the piece is simply reopened); anything else
			// (e.g. an out-of-range index) indicates a misbehaving
			// peer and closes the connection.
			if !errors.Is(err, store.ErrHashMismatch) {
				return fmt.Errorf("peeragent: %w", err)
			}
		}

	case codec.IDRequest, codec.IDCancel:
		// Accepted and ignored: this core does not serve uploads, and
		// the request is not stored anywhere.

	case codec.IDPort:
		// Ignored: no DHT.

	default:
		return fmt.Errorf("peeragent: unhandled message id %d", msg.ID)
	}

	return nil
}

// fillPipeline asks the Picker for new blocks to request until the
// pipeline depth is reached, the peer has nothing left we want, or the
// peer is choking us (an agent must never send Request while
// peer_choking is true, spec §8 invariant 6). It reports whether at
// least one Request was sent.
func (a *Agent) fillPipeline() (bool, error) {
	sent := false
	for {
		a.mu.Lock()
		if a.state.PeerChoking || !a.state.AmInterested || a.state.PendingRequests >= a.pipelineDepth {
			a.mu.Unlock()
			return sent, nil
		}
		peerBits := a.state.Bitfield
		a.mu.Unlock()

		block, ok := a.ctx.PickBlock(peerBits)
		if !ok {
			return sent, nil
		}

		if err := a.send(codec.RequestMsg(uint32(block.PieceIndex), block.Begin, block.Length)); err != nil {
			return sent, err
		}
		sent = true

		a.mu.Lock()
		a.state.PendingRequests++
		a.mu.Unlock()
	}
}
