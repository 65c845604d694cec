package coordinator

import (
	"fmt"
	"sync"

	"btclient/internal/codec"
	"btclient/internal/peeragent"
	"btclient/internal/peerwire"
)

// peerHandle ties one peer's Agent to its session and the goroutine
// that drives it, so the registry can close and reap it.
type peerHandle struct {
	peerID  [20]byte
	session *peerwire.PeerSession
	agent   *peeragent.Agent
	stop    chan struct{}
}

// registry tracks the currently connected peers for one torrent,
// keyed by peer-id, so the coordinator can reject duplicate
// connections, enforce MaxPeers, and broadcast Have messages.
type registry struct {
	maxPeers int

	mu    sync.Mutex
	peers map[[20]byte]*peerHandle
}

func newRegistry(maxPeers int) *registry {
	return &registry{maxPeers: maxPeers, peers: make(map[[20]byte]*peerHandle)}
}

// tryAdd registers h if there's room and no existing connection to
// the same peer-id; it returns false if the connection should be
// rejected (already connected, or at MaxPeers).
func (r *registry) tryAdd(h *peerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[h.peerID]; exists {
		return false
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		return false
	}
	r.peers[h.peerID] = h
	return true
}

func (r *registry) remove(peerID [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

func (r *registry) has(peerID [20]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[peerID]
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// broadcastHave sends a Have message to every currently connected
// peer's command mailbox, best-effort: a full or closed mailbox is
// skipped rather than blocking the broadcaster.
func (r *registry) broadcastHave(index int) {
	r.mu.Lock()
	handles := make([]*peerHandle, 0, len(r.peers))
	for _, h := range r.peers {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	msg := codec.Have(uint32(index))
	for _, h := range handles {
		select {
		case h.session.Commands <- msg:
		default:
		}
	}
}

// closeAll stops every registered peer's session, used on shutdown.
func (r *registry) closeAll() {
	r.mu.Lock()
	handles := make([]*peerHandle, 0, len(r.peers))
	for _, h := range r.peers {
		handles = append(handles, h)
	}
	r.peers = make(map[[20]byte]*peerHandle)
	r.mu.Unlock()

	for _, h := range handles {
		close(h.stop)
		h.session.Close()
	}
}

func fmtPeerID(id [20]byte) string {
	return fmt.Sprintf("%x", id[:6])
}
