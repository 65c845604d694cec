package tracker

import (
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewDispatchesByScheme(t *testing.T) {
	if _, err := New("http://example.com/announce"); err != nil {
		t.Fatalf("http: %v", err)
	}
	if _, err := New("https://example.com/announce"); err != nil {
		t.Fatalf("https: %v", err)
	}
	if _, err := New("udp://example.com:1337/announce"); err != nil {
		t.Fatalf("udp: %v", err)
	}
	if _, err := New("ftp://example.com/announce"); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestDecodeCompactPeersScenario(t *testing.T) {
	// Scenario from spec: peers 7F 00 00 01 1A E1 -> one peer 127.0.0.1:6881.
	raw := []byte{0x7F, 0x00, 0x00, 0x01, 0x1A, 0xE1}
	peers, err := decodeCompactPeers(raw)
	if err != nil {
		t.Fatalf("decodeCompactPeers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("len(peers) = %d, want 1", len(peers))
	}
	if peers[0].IP.String() != "127.0.0.1" || peers[0].Port != 6881 {
		t.Fatalf("peer = %s, want 127.0.0.1:6881", peers[0])
	}
}

func TestHTTPAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("compact") != "1" {
			t.Errorf("expected compact=1, got %q", q.Get("compact"))
		}
		body := "d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var infoHash, peerID [20]byte
	resp, err := client.Announce(Request{InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100, Event: EventStarted})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800 {
		t.Fatalf("Interval = %d, want 1800", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "127.0.0.1:6881" {
		t.Fatalf("Peers = %v, want [127.0.0.1:6881]", resp.Peers)
	}
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason13:bad info_hashe"))
	}))
	defer srv.Close()

	client, _ := New(srv.URL)
	var infoHash, peerID [20]byte
	_, err := client.Announce(Request{InfoHash: infoHash, PeerID: peerID})
	if err == nil {
		t.Fatal("expected failure reason error")
	}
}

// TestUDPAnnounceRoundTrip runs a minimal in-process UDP tracker
// implementing just enough of BEP-15 to exercise the connect+announce
// exchange.
func TestUDPAnnounceRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 128)
		// Connect request.
		n, clientAddr, err := serverConn.ReadFromUDP(buf)
		if err != nil || n < 16 {
			return
		}
		txnID := binary.BigEndian.Uint32(buf[12:16])
		connResp := make([]byte, 16)
		binary.BigEndian.PutUint32(connResp[0:4], actionConnect)
		binary.BigEndian.PutUint32(connResp[4:8], txnID)
		binary.BigEndian.PutUint64(connResp[8:16], 0xAABBCCDD)
		serverConn.WriteToUDP(connResp, clientAddr)

		// Announce request.
		n, clientAddr, err = serverConn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		annTxnID := binary.BigEndian.Uint32(buf[12:16])
		annResp := make([]byte, 26)
		binary.BigEndian.PutUint32(annResp[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(annResp[4:8], annTxnID)
		binary.BigEndian.PutUint32(annResp[8:12], 1800) // interval
		binary.BigEndian.PutUint32(annResp[12:16], 0)   // leechers
		binary.BigEndian.PutUint32(annResp[16:20], 1)   // seeders
		copy(annResp[20:26], []byte{0x7F, 0x00, 0x00, 0x01, 0x1A, 0xE1})
		serverConn.WriteToUDP(annResp, clientAddr)
	}()

	url := "udp://" + serverConn.LocalAddr().String() + "/announce"
	client, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var infoHash, peerID [20]byte
	resp, err := client.Announce(Request{InfoHash: infoHash, PeerID: peerID, Port: 6881, Left: 100})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800 {
		t.Fatalf("Interval = %d, want 1800", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].String() != "127.0.0.1:6881" {
		t.Fatalf("Peers = %v, want [127.0.0.1:6881]", resp.Peers)
	}
}
