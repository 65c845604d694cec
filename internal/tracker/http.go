package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"
)

// httpClient announces against an HTTP(S) tracker: percent-encoded
// query string in, bencoded dictionary out. net/http's default
// client follows redirects, satisfying spec §4.7's "must follow HTTP
// temporary/permanent redirects".
type httpClient struct {
	url string
}

func (c *httpClient) Announce(req Request) (Response, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: parsing announce URL %q: %w", c.url, err)
	}

	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", fmt.Sprintf("%d", req.Port))
	q.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	q.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	q.Set("left", fmt.Sprintf("%d", req.Left))
	q.Set("compact", "1")
	q.Set("no_peer_id", "0")
	if req.NumWant > 0 {
		q.Set("numwant", fmt.Sprintf("%d", req.NumWant))
	}
	if name := eventName(req.Event); name != "" {
		q.Set("event", name)
	}
	if req.TrackerID != "" {
		q.Set("trackerid", req.TrackerID)
	}
	u.RawQuery = q.Encode()

	client := &http.Client{Timeout: AnnounceTimeout}
	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: building request: %w", err)
	}
	httpReq.Header.Set("User-Agent", "btclient/1.0")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("tracker: announce to %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("tracker: %s returned HTTP %d", u.Host, resp.StatusCode)
	}

	var decoded interface{}
	if err := bencode.Unmarshal(resp.Body, &decoded); err != nil {
		return Response{}, fmt.Errorf("tracker: decoding response from %s: %w", u.Host, err)
	}

	return parseHTTPResponse(decoded)
}

func eventName(e Event) string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// parseHTTPResponse reads the generic value bencode.Unmarshal produces
// when decoding into an interface{} (map[string]interface{}, with
// nested []interface{}, string, and int64 leaves) into a Response,
// accepting both the compact (6-byte-per-peer string) and dictionary
// peer list forms.
func parseHTTPResponse(decoded interface{}) (Response, error) {
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return Response{}, fmt.Errorf("tracker: response is not a bencoded dictionary")
	}

	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return Response{}, fmt.Errorf("tracker: failure reason: %s", reason)
	}

	var resp Response
	resp.Interval = intField(dict, "interval")
	resp.MinInterval = intField(dict, "min interval")
	resp.Complete = intField(dict, "complete")
	resp.Incomplete = intField(dict, "incomplete")
	if id, ok := dict["tracker id"].(string); ok {
		resp.TrackerID = id
	}

	peers, err := parsePeersField(dict["peers"])
	if err != nil {
		return Response{}, err
	}
	resp.Peers = peers

	return resp, nil
}

func intField(dict map[string]interface{}, key string) int {
	switch v := dict[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func parsePeersField(v interface{}) ([]Peer, error) {
	switch peers := v.(type) {
	case string:
		return decodeCompactPeers([]byte(peers))
	case []interface{}:
		return decodeDictPeers(peers)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized \"peers\" field type %T", v)
	}
}

// decodeCompactPeers parses the BEP-23 compact form: 6 bytes per
// peer, 4-byte big-endian IPv4 address followed by a 2-byte port.
func decodeCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(raw))
	}
	peers := make([]Peer, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

func decodeDictPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))
	for _, entry := range list {
		d, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tracker: peer list entry is not a dictionary")
		}
		ipStr, _ := d["ip"].(string)
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("tracker: invalid peer ip %q", ipStr)
		}
		peers = append(peers, Peer{IP: ip, Port: uint16(intField(d, "port"))})
	}
	return peers, nil
}
