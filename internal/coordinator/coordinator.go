// Package coordinator drives one torrent's download end to end: it
// owns the shared TorrentContext, announces to trackers, accepts
// inbound peers and dials outbound ones, and runs each connection's
// PeerAgent until every piece is verified.
package coordinator

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"btclient/internal/codec"
	"btclient/internal/config"
	"btclient/internal/logx"
	"btclient/internal/metainfo"
	"btclient/internal/peeragent"
	"btclient/internal/peerwire"
	"btclient/internal/piece"
	"btclient/internal/store"
	"btclient/internal/tracker"
	"btclient/internal/ui"
)

// handshakeTimeout bounds how long a single handshake (inbound or
// outbound) may take before the connection is abandoned.
const handshakeTimeout = 10 * time.Second

// inactivityTimeout matches spec.md's peer-session keep-alive
// contract: a connection idle longer than this is treated as dead.
const inactivityTimeout = 150 * time.Second

// maxDialConcurrency bounds simultaneous outbound dial attempts, the
// same worker-pool shape the teacher's ConnectToPeers used.
const maxDialConcurrency = 10

// Coordinator runs one torrent from a freshly parsed Metainfo through
// to a fully verified download.
type Coordinator struct {
	meta   *metainfo.Metainfo
	cfg    config.Config
	peerID [20]byte

	tctx       *TorrentContext
	files      *store.FileSet
	pieceStore *store.PieceStore
	registry   *registry
	progress   *ui.Progress

	trackerClients []tracker.Client

	dialedMu sync.Mutex
	dialed   map[string]bool

	peerErrCh chan peerExit
	doneCh    chan struct{}
	doneOnce  sync.Once

	trackerIDMu sync.Mutex
	trackerID   string
}

type peerExit struct {
	peerID [20]byte
	err    error
}

// New builds a Coordinator for meta, rooted at cfg.OutputDir, reporting
// progress to p (pass ui.NewQuietProgress() for non-interactive runs).
func New(meta *metainfo.Metainfo, cfg config.Config, peerID [20]byte, p *ui.Progress) (*Coordinator, error) {
	root := cfg.OutputDir
	if len(meta.Files) > 1 {
		root = filepath.Join(cfg.OutputDir, meta.Name)
	}
	files, err := store.NewFileSet(root, meta.Files)
	if err != nil {
		return nil, fmt.Errorf("coordinator: preparing output files: %w", err)
	}

	infos := piece.BuildInfos(meta)
	picker := piece.NewPicker(infos)

	c := &Coordinator{
		meta:      meta,
		cfg:       cfg,
		peerID:    peerID,
		files:     files,
		registry:  newRegistry(cfg.MaxPeers),
		progress:  p,
		dialed:    make(map[string]bool),
		peerErrCh: make(chan peerExit, 64),
		doneCh:    make(chan struct{}),
	}

	c.pieceStore = store.NewPieceStore(infos, files, nil)
	c.tctx = NewTorrentContext(infos, picker, c.pieceStore, c.onVerifiedBroadcast)

	for _, url := range meta.AnnounceURLs() {
		client, err := tracker.New(url)
		if err != nil {
			logx.Fail("coordinator: skipping announce url %q: %v", url, err)
			continue
		}
		c.trackerClients = append(c.trackerClients, client)
	}
	if len(c.trackerClients) == 0 {
		files.Close()
		return nil, fmt.Errorf("coordinator: no usable announce URL in %q", meta.Name)
	}

	if c.tctx.Complete() {
		close(c.doneCh)
	}

	return c, nil
}

// Run announces to the tracker, accepts and dials peers, and blocks
// until every piece is verified or stop is closed. It returns nil in
// both of those cases, and an error only if the listener cannot be
// bound.
func (c *Coordinator) Run(stop <-chan struct{}) error {
	defer c.files.Close()

	if c.tctx.Complete() {
		logx.Info("%s: already complete", c.meta.Name)
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("coordinator: listening on port %d: %w", c.cfg.ListenPort, err)
	}

	acceptStop := make(chan struct{})
	announceStop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.acceptLoop(listener, acceptStop)
	}()
	go func() {
		defer wg.Done()
		c.announceLoop(announceStop)
	}()

	defer func() {
		close(acceptStop)
		listener.Close()
		close(announceStop)
		wg.Wait()
		c.announceStopped()
		c.registry.closeAll()
	}()

	for {
		select {
		case <-stop:
			return nil
		case <-c.doneCh:
			return nil
		case exit := <-c.peerErrCh:
			c.registry.remove(exit.peerID)
			if exit.err != nil {
				logx.Fail("peer %s disconnected: %v", fmtPeerID(exit.peerID), exit.err)
			}
		}
	}
}

// onVerifiedBroadcast is TorrentContext's onVerified hook: it runs
// after the own-bitfield bit is already set, so a Have broadcast never
// races ahead of what PickBlock would report to a peer asking again.
func (c *Coordinator) onVerifiedBroadcast(index int, length int64) {
	logx.Info("%s: piece %d verified (%d bytes)", c.meta.Name, index, length)
	c.registry.broadcastHave(index)
	if c.progress != nil {
		c.progress.AddPieceBytes(length)
	}
	if c.tctx.Complete() {
		c.doneOnce.Do(func() { close(c.doneCh) })
	}
}

// acceptLoop accepts inbound connections until stop is closed,
// resolving each one's info-hash against this torrent only.
func (c *Coordinator) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logx.Fail("coordinator: accept: %v", err)
				return
			}
		}
		go c.acceptConn(conn)
	}
}

func (c *Coordinator) acceptConn(conn net.Conn) {
	session, _, remotePeerID, err := peerwire.AcceptHandshake(conn, handshakeTimeout, func(h [20]byte) ([20]byte, bool) {
		if h != c.meta.InfoHash {
			return [20]byte{}, false
		}
		return c.peerID, true
	})
	if err != nil {
		logx.Fail("coordinator: inbound handshake: %v", err)
		return
	}
	c.spawnAgent(session, remotePeerID)
}

// announceLoop performs the initial "started" announce, then
// re-announces at the tracker's interval, dialing any newly
// discovered peers in between. Mirrors the teacher's RefreshPeer loop
// but driven through the tracker.Client abstraction.
func (c *Coordinator) announceLoop(stop <-chan struct{}) {
	interval := c.announceOnce(tracker.EventStarted)
	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
			interval = c.announceOnce(tracker.EventNone)
		}
	}
}

func (c *Coordinator) announceOnce(event tracker.Event) time.Duration {
	req := c.announceRequest(event)

	for _, client := range c.trackerClients {
		resp, err := client.Announce(req)
		if err != nil {
			logx.Fail("coordinator: announce: %v", err)
			continue
		}
		logx.Info("%s: tracker returned %d peers, interval %ds", c.meta.Name, len(resp.Peers), resp.Interval)
		if resp.TrackerID != "" {
			c.trackerIDMu.Lock()
			c.trackerID = resp.TrackerID
			c.trackerIDMu.Unlock()
		}
		c.dialNewPeers(resp.Peers)
		if resp.Interval > 0 {
			return time.Duration(resp.Interval) * time.Second
		}
		return 30 * time.Minute
	}
	return 5 * time.Minute
}

func (c *Coordinator) announceStopped() {
	req := c.announceRequest(tracker.EventStopped)
	for _, client := range c.trackerClients {
		if _, err := client.Announce(req); err == nil {
			return
		}
	}
}

// announceRequest builds a Request carrying any tracker id a prior
// announce assigned us, per BEP-3's "trackerid" replay contract, and a
// num_want reduced by the already-connected peer set so the tracker is
// only asked for as many peers as are still needed to reach the
// configured soft cap.
func (c *Coordinator) announceRequest(event tracker.Event) tracker.Request {
	c.trackerIDMu.Lock()
	trackerID := c.trackerID
	c.trackerIDMu.Unlock()

	numWant := c.cfg.AnnounceNumWant - c.registry.len()
	if numWant < 0 {
		numWant = 0
	}

	return tracker.Request{
		InfoHash:  c.meta.InfoHash,
		PeerID:    c.peerID,
		Port:      uint16(c.cfg.ListenPort),
		Left:      c.tctx.BytesLeft(),
		Event:     event,
		NumWant:   numWant,
		TrackerID: trackerID,
	}
}

// dialNewPeers dials every peer in peers not already dialed, bounded
// by maxDialConcurrency concurrent attempts, the same semaphore shape
// as the teacher's ConnectToPeers.
func (c *Coordinator) dialNewPeers(peers []tracker.Peer) {
	sem := make(chan struct{}, maxDialConcurrency)
	var wg sync.WaitGroup

	for _, p := range peers {
		addr := p.String()

		c.dialedMu.Lock()
		already := c.dialed[addr]
		c.dialed[addr] = true
		c.dialedMu.Unlock()
		if already {
			continue
		}
		if c.cfg.MaxPeers > 0 && c.registry.len() >= c.cfg.MaxPeers {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(addr string) {
			defer func() { <-sem; wg.Done() }()
			c.dialPeer(addr)
		}(addr)
	}
	wg.Wait()
}

func (c *Coordinator) dialPeer(addr string) {
	conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		logx.Fail("coordinator: dialing %s: %v", addr, err)
		return
	}

	session, remotePeerID, err := peerwire.Handshake(conn, c.meta.InfoHash, c.peerID, handshakeTimeout)
	if err != nil {
		logx.Fail("coordinator: handshake with %s: %v", addr, err)
		return
	}
	c.spawnAgent(session, remotePeerID)
}

func (c *Coordinator) spawnAgent(session *peerwire.PeerSession, remotePeerID [20]byte) {
	if remotePeerID == c.peerID {
		session.Close()
		return
	}

	agent := peeragent.New(c.tctx, session, remotePeerID, c.cfg.RequestPipelineDepth)
	h := &peerHandle{peerID: remotePeerID, session: session, agent: agent, stop: make(chan struct{})}
	if !c.registry.tryAdd(h) {
		session.Close()
		return
	}

	go session.Run(inactivityTimeout)

	select {
	case session.Commands <- codec.BitfieldMsg(c.tctx.OwnBitfield()):
	default:
		logx.Fail("coordinator: bitfield mailbox to %s full, skipping", fmtPeerID(remotePeerID))
	}

	go func() {
		err := agent.Run(h.stop)
		c.peerErrCh <- peerExit{peerID: remotePeerID, err: err}
	}()

	logx.Info("coordinator: peer %s connected (%s)", fmtPeerID(remotePeerID), session.Remote)
}
