// Package peerwire owns the duplex TCP connection to one peer: the
// handshake and the two pumps that move framed messages on and off
// the wire.
package peerwire

import (
	"fmt"
	"net"
	"sync"
	"time"

	"btclient/internal/codec"
)

// mailboxDepth bounds each peer's command/event queue. A slow or
// malicious peer backs up its own mailbox rather than letting one
// connection grow memory use without limit.
const mailboxDepth = 256

// PeerSession pumps codec.Message values between a net.Conn and two
// mailboxes: Commands carries messages the agent wants sent, Events
// carries messages decoded off the wire. Whichever side of the
// connection fails first closes both and stops the session; callers
// detect shutdown by Events being closed.
type PeerSession struct {
	conn   net.Conn
	Remote net.Addr

	Commands chan codec.Message
	Events   chan codec.Message

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Handshake performs the BitTorrent handshake over an already-dialed
// or already-accepted conn: it writes the local handshake while reading
// the remote one (so two sides calling Handshake at once over an
// unbuffered conn do not block each other), and validates protocol
// identifier and info-hash before any framed message is exchanged. A
// zero expectedInfoHash skips the info-hash check, for inbound
// connections where the caller hasn't yet resolved which torrent the
// handshake belongs to.
func Handshake(conn net.Conn, expectedInfoHash, localPeerID [20]byte, timeout time.Duration) (*PeerSession, [20]byte, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- codec.WriteHandshake(conn, codec.NewHandshake(expectedInfoHash, localPeerID))
	}()

	remote, err := codec.ReadHandshake(conn, expectedInfoHash)
	if err != nil {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("peerwire: handshake with %s: %w", conn.RemoteAddr(), err)
	}

	if err := <-writeErr; err != nil {
		conn.Close()
		return nil, [20]byte{}, fmt.Errorf("peerwire: sending handshake to %s: %w", conn.RemoteAddr(), err)
	}

	s := &PeerSession{
		conn:     conn,
		Remote:   conn.RemoteAddr(),
		Commands: make(chan codec.Message, mailboxDepth),
		Events:   make(chan codec.Message, mailboxDepth),
		closed:   make(chan struct{}),
	}
	return s, remote.PeerID, nil
}

// AcceptHandshake reads an inbound peer's handshake first, since its
// info-hash is what tells the caller which torrent the connection is
// for. resolve looks up that torrent and returns the local peer-id to
// reply with; ok=false rejects the connection (unknown torrent).
func AcceptHandshake(conn net.Conn, timeout time.Duration, resolve func(infoHash [20]byte) (localPeerID [20]byte, ok bool)) (*PeerSession, [20]byte, [20]byte, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	var zero [20]byte
	remote, err := codec.ReadHandshake(conn, zero)
	if err != nil {
		conn.Close()
		return nil, zero, zero, fmt.Errorf("peerwire: reading inbound handshake from %s: %w", conn.RemoteAddr(), err)
	}

	localPeerID, ok := resolve(remote.InfoHash)
	if !ok {
		conn.Close()
		return nil, zero, zero, fmt.Errorf("peerwire: no active torrent for info-hash %x from %s", remote.InfoHash, conn.RemoteAddr())
	}

	if err := codec.WriteHandshake(conn, codec.NewHandshake(remote.InfoHash, localPeerID)); err != nil {
		conn.Close()
		return nil, zero, zero, fmt.Errorf("peerwire: sending inbound handshake reply to %s: %w", conn.RemoteAddr(), err)
	}

	s := &PeerSession{
		conn:     conn,
		Remote:   conn.RemoteAddr(),
		Commands: make(chan codec.Message, mailboxDepth),
		Events:   make(chan codec.Message, mailboxDepth),
		closed:   make(chan struct{}),
	}
	return s, remote.InfoHash, remote.PeerID, nil
}

// Run starts the read and write pumps and blocks until the connection
// closes, by error or by Close. It's meant to be called in its own
// goroutine by whoever owns the session (the coordinator starts it
// before running the session's PeerAgent).
func (s *PeerSession) Run(inactivityTimeout time.Duration) {
	writeDone := make(chan struct{})
	go s.writePump(writeDone)
	s.readPump(inactivityTimeout)
	<-writeDone
}

func (s *PeerSession) readPump(inactivityTimeout time.Duration) {
	defer close(s.Events)
	for {
		if inactivityTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		}
		msg, err := codec.ReadMessage(s.conn)
		if err != nil {
			s.fail(fmt.Errorf("peerwire: reading from %s: %w", s.Remote, err))
			return
		}
		select {
		case s.Events <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *PeerSession) writePump(done chan struct{}) {
	defer close(done)
	for {
		select {
		case msg, ok := <-s.Commands:
			if !ok {
				return
			}
			if err := codec.WriteMessage(s.conn, msg); err != nil {
				s.fail(fmt.Errorf("peerwire: writing to %s: %w", s.Remote, err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *PeerSession) fail(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
	s.conn.Close()
}

// Close aborts the session: both pumps stop and the underlying
// connection is closed. Safe to call multiple times and safe to call
// concurrently with Run.
func (s *PeerSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close()
}

// Err returns the error that caused the session to stop, or nil if it
// was stopped cleanly via Close.
func (s *PeerSession) Err() error {
	return s.closeErr
}
