package tracker

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"
)

// protocolID is the BEP-15 magic constant identifying a connect request.
const protocolID = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

// udpClient announces against a BEP-15 UDP tracker: a connect
// exchange establishing a connection id, then an announce exchange
// carrying it.
type udpClient struct {
	url string
}

func (c *udpClient) Announce(req Request) (Response, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: parsing announce URL %q: %w", c.url, err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: resolving %q: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: dialing %q: %w", u.Host, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(AnnounceTimeout))

	connID, err := connect(conn)
	if err != nil {
		return Response{}, err
	}
	return announce(conn, connID, req)
}

func connect(conn *net.UDPConn) (uint64, error) {
	txnID, err := randomTransactionID()
	if err != nil {
		return 0, err
	}

	packet := make([]byte, 16)
	binary.BigEndian.PutUint64(packet[0:8], protocolID)
	binary.BigEndian.PutUint32(packet[8:12], actionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txnID)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := conn.Write(packet); err != nil {
			lastErr = fmt.Errorf("tracker: sending connect: %w", err)
			continue
		}

		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err != nil {
			lastErr = fmt.Errorf("tracker: reading connect response: %w", err)
			continue
		}
		if n < 16 {
			lastErr = fmt.Errorf("tracker: connect response too short (%d bytes)", n)
			continue
		}
		if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
			return 0, fmt.Errorf("tracker: unexpected connect action %d", binary.BigEndian.Uint32(resp[0:4]))
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txnID {
			return 0, fmt.Errorf("tracker: connect transaction id mismatch")
		}
		return binary.BigEndian.Uint64(resp[8:16]), nil
	}
	return 0, fmt.Errorf("tracker: connect failed after 3 attempts: %w", lastErr)
}

func announce(conn *net.UDPConn, connID uint64, req Request) (Response, error) {
	txnID, err := randomTransactionID()
	if err != nil {
		return Response{}, err
	}

	packet := make([]byte, 98)
	binary.BigEndian.PutUint64(packet[0:8], connID)
	binary.BigEndian.PutUint32(packet[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txnID)
	copy(packet[16:36], req.InfoHash[:])
	copy(packet[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(packet[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(packet[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(packet[80:84], udpEvent(req.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0) // IP: 0 = default
	key, err := randomTransactionID()
	if err != nil {
		return Response{}, err
	}
	binary.BigEndian.PutUint32(packet[88:92], key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(packet[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(packet[96:98], req.Port)

	if _, err := conn.Write(packet); err != nil {
		return Response{}, fmt.Errorf("tracker: sending announce: %w", err)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: reading announce response: %w", err)
	}
	if n < 20 {
		return Response{}, fmt.Errorf("tracker: announce response too short (%d bytes)", n)
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	if action == actionError {
		return Response{}, fmt.Errorf("tracker: error action: %s", string(buf[8:n]))
	}
	if action != actionAnnounce {
		return Response{}, fmt.Errorf("tracker: unexpected announce action %d", action)
	}
	if binary.BigEndian.Uint32(buf[4:8]) != txnID {
		return Response{}, fmt.Errorf("tracker: announce transaction id mismatch")
	}

	interval := int(binary.BigEndian.Uint32(buf[8:12]))
	incomplete := int(binary.BigEndian.Uint32(buf[12:16]))
	complete := int(binary.BigEndian.Uint32(buf[16:20]))

	peers, err := decodeCompactPeers(buf[20:n])
	if err != nil {
		return Response{}, err
	}

	return Response{
		Interval:   interval,
		Complete:   complete,
		Incomplete: incomplete,
		Peers:      peers,
	}, nil
}

func udpEvent(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func randomTransactionID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("tracker: generating transaction id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
