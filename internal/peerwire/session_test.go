package peerwire

import (
	"net"
	"testing"
	"time"

	"btclient/internal/codec"
)

func TestHandshakeAndPump(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	var infoHash, clientID, serverID [20]byte
	infoHash[0] = 1
	clientID[0] = 0xC
	serverID[0] = 0xD

	type result struct {
		sess     *PeerSession
		remoteID [20]byte
		err      error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		sess, remoteID, err := Handshake(clientConn, infoHash, clientID, time.Second)
		clientCh <- result{sess, remoteID, err}
	}()
	go func() {
		sess, remoteID, err := Handshake(serverConn, infoHash, serverID, time.Second)
		serverCh <- result{sess, remoteID, err}
	}()

	client := <-clientCh
	server := <-serverCh
	if client.err != nil {
		t.Fatalf("client Handshake: %v", client.err)
	}
	if server.err != nil {
		t.Fatalf("server Handshake: %v", server.err)
	}
	if client.remoteID != serverID {
		t.Fatalf("client saw remote id %x, want %x", client.remoteID, serverID)
	}
	if server.remoteID != clientID {
		t.Fatalf("server saw remote id %x, want %x", server.remoteID, clientID)
	}

	go client.sess.Run(0)
	go server.sess.Run(0)

	client.sess.Commands <- codec.Interested()
	got := <-server.sess.Events
	if got.ID != codec.IDInterested {
		t.Fatalf("server received %+v, want Interested", got)
	}

	server.sess.Commands <- codec.Have(7)
	got = <-client.sess.Events
	if got.ID != codec.IDHave || got.Index != 7 {
		t.Fatalf("client received %+v, want Have(7)", got)
	}

	client.sess.Close()
	server.sess.Close()
}

func TestHandshakeInfoHashMismatchClosesConn(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	var infoHash, other, peerID [20]byte
	infoHash[0] = 1
	other[0] = 2

	errCh := make(chan error, 1)
	go func() {
		_, _, err := Handshake(serverConn, infoHash, peerID, time.Second)
		errCh <- err
	}()

	_, _, err := Handshake(clientConn, other, peerID, time.Second)
	if err == nil {
		t.Fatal("expected info-hash mismatch on client side")
	}
	<-errCh
}

func TestAcceptHandshakeResolvesByInfoHash(t *testing.T) {
	dialerConn, listenerConn := net.Pipe()

	var infoHash, dialerID, listenerID [20]byte
	infoHash[0] = 9
	dialerID[0] = 0xA
	listenerID[0] = 0xB

	type acceptResult struct {
		sess     *PeerSession
		infoHash [20]byte
		peerID   [20]byte
		err      error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		sess, gotHash, gotPeerID, err := AcceptHandshake(listenerConn, time.Second, func(h [20]byte) ([20]byte, bool) {
			if h != infoHash {
				return [20]byte{}, false
			}
			return listenerID, true
		})
		acceptCh <- acceptResult{sess, gotHash, gotPeerID, err}
	}()

	dialerSess, remoteID, err := Handshake(dialerConn, infoHash, dialerID, time.Second)
	if err != nil {
		t.Fatalf("dialer Handshake: %v", err)
	}
	if remoteID != listenerID {
		t.Fatalf("dialer saw remote id %x, want %x", remoteID, listenerID)
	}

	accepted := <-acceptCh
	if accepted.err != nil {
		t.Fatalf("AcceptHandshake: %v", accepted.err)
	}
	if accepted.infoHash != infoHash {
		t.Fatalf("accepted info-hash %x, want %x", accepted.infoHash, infoHash)
	}
	if accepted.peerID != dialerID {
		t.Fatalf("accepted peer id %x, want %x", accepted.peerID, dialerID)
	}

	dialerSess.Close()
	accepted.sess.Close()
}

func TestAcceptHandshakeRejectsUnknownInfoHash(t *testing.T) {
	dialerConn, listenerConn := net.Pipe()
	defer dialerConn.Close()

	var infoHash, peerID [20]byte
	infoHash[0] = 5

	errCh := make(chan error, 1)
	go func() {
		_, _, _, err := AcceptHandshake(listenerConn, time.Second, func([20]byte) ([20]byte, bool) {
			return [20]byte{}, false
		})
		errCh <- err
	}()

	_, _, err := Handshake(dialerConn, infoHash, peerID, time.Second)
	if err == nil {
		t.Fatal("expected dialer to see a closed connection")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected AcceptHandshake to reject unknown info-hash")
	}
}
