// Package torrent implements Torrent (spec.md §4.9), the orchestration
// unit that owns one swarm's worth of pieces, peers, and storage and
// drives the single-threaded cooperative tick loop of spec.md §5.
//
// Grounded on internal/torrent/torrent.go's Torrent (the per-torrent
// supervisor wiring tracker/peer-manager/scheduler/storage together via
// an errgroup), restructured around this module's own component set —
// swarm.Swarm, connect.Manager, choke.Coordinator, requester.Requester,
// piece.Manager, availability.Availability, endgame.Manager — in place
// of the teacher's peer.Swarm/scheduler.Scheduler pair, and with the
// teacher's DHT discovery loop dropped entirely (DHT routing-table
// maintenance is out of scope; see DESIGN.md).
package torrent

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/finchwire/torrentengine/internal/availability"
	"github.com/finchwire/torrentengine/internal/bandwidth"
	"github.com/finchwire/torrentengine/internal/bitfield"
	"github.com/finchwire/torrentengine/internal/choke"
	"github.com/finchwire/torrentengine/internal/config"
	"github.com/finchwire/torrentengine/internal/connect"
	"github.com/finchwire/torrentengine/internal/endgame"
	"github.com/finchwire/torrentengine/internal/meta"
	"github.com/finchwire/torrentengine/internal/persist"
	"github.com/finchwire/torrentengine/internal/piece"
	"github.com/finchwire/torrentengine/internal/requester"
	"github.com/finchwire/torrentengine/internal/storage"
	"github.com/finchwire/torrentengine/internal/swarm"
	"github.com/finchwire/torrentengine/internal/tracker"
	"github.com/finchwire/torrentengine/internal/transport"
	"github.com/finchwire/torrentengine/internal/wire"

	"golang.org/x/sync/errgroup"
)

// PeerStats is one peer's display-facing snapshot, for getDisplayPeers.
type PeerStats struct {
	Addr           netip.AddrPort
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	DownloadRate   float64
	UploadRate     float64
	PiecesHave     int
	ConnectedAt    time.Time
}

// Stats is Torrent's display-facing snapshot, returned by GetStats.
type Stats struct {
	InfoHash         [20]byte
	Name             string
	Progress         float64
	Downloaded       int64
	Uploaded         int64
	DownloadRate     float64
	UploadRate       float64
	ConnectedPeers   int
	ConnectingPeers  int
	CheckingProgress float64
	State            persist.UserState
	Error            string
	Peers            []PeerStats
	Tracker          tracker.TrackerMetrics
}

// Torrent is spec.md §4.9's orchestration unit: one swarm, one piece
// set, one storage target, driven by a single goroutine's cooperative
// tick loop so no two wire events or timer fires ever overlap.
type Torrent struct {
	metainfo *meta.Metainfo
	clientID [20]byte
	cfg      config.Config
	log      *slog.Logger

	pieceCount  int
	pieceLength int64
	totalSize   int64
	blockLen    int
	priority    []int

	bitfield bitfield.Bitfield
	pieces   *piece.Manager
	avail    *availability.Availability
	endgameM *endgame.Manager
	req      *requester.Requester

	swarmDB *swarm.Swarm
	connMgr *connect.Manager
	choker  *choke.Coordinator

	bw         *bandwidth.Tracker
	downBucket *bandwidth.TokenBucket
	upBucket   *bandwidth.TokenBucket

	store        storage.Storage
	persistStore *persist.Store
	trk          *tracker.Tracker

	peers  map[netip.AddrPort]*peerConn
	events chan any

	mu               sync.Mutex
	networkSuspended bool
	checking         bool
	checkingProgress float64
	userState        persist.UserState
	lastError        string
	addedAt          time.Time
	completedAt      time.Time
	totalDownloaded  int64
	totalUploaded    int64

	cancel context.CancelFunc
}

// Command events carry user-facing actions through the same gather/process
// pipeline as wire events, so they never run concurrently with a tick's
// decision logic (spec.md §5's no-overlap rule applies to these too).
type (
	cmdSuspendNetwork   struct{}
	cmdResumeNetwork    struct{}
	cmdUserStart        struct{}
	cmdUserStop         struct{}
	cmdManualPeer       struct{ addr netip.AddrPort }
	cmdPeerHints        struct{ addrs []netip.AddrPort }
	cmdDisconnectPeer   struct {
		addr   netip.AddrPort
		reason string
	}
	cmdSetMaxPeers       struct{ n int }
	cmdSetMaxUploadSlots struct{ n int }
	cmdRecheck           struct{}
)

// enqueueCommand posts a user-facing action onto the event queue,
// dropping it with a log line if the queue is saturated rather than
// blocking the caller (matches connect.Manager.emit's drop-when-full
// idiom).
func (t *Torrent) enqueueCommand(cmd any) {
	select {
	case t.events <- cmd:
	default:
		t.log.Warn("event queue saturated, dropping command", "type", fmt.Sprintf("%T", cmd))
	}
}

// SuspendNetwork pauses dialing and request filling without tearing
// down existing connections, for a user-initiated pause.
func (t *Torrent) SuspendNetwork() { t.enqueueCommand(cmdSuspendNetwork{}) }

// ResumeNetwork undoes SuspendNetwork.
func (t *Torrent) ResumeNetwork() { t.enqueueCommand(cmdResumeNetwork{}) }

// UserStart resumes a torrent that was user-stopped.
func (t *Torrent) UserStart() { t.enqueueCommand(cmdUserStart{}) }

// UserStop marks a torrent user-stopped: networking suspends and the
// state persists as stopped, but Run keeps the goroutine alive so a
// later UserStart needs no reconstruction.
func (t *Torrent) UserStop() { t.enqueueCommand(cmdUserStop{}) }

// ManuallyAddPeer registers addr as a manual-source candidate for the
// next connection-maintenance pass.
func (t *Torrent) ManuallyAddPeer(addr netip.AddrPort) { t.enqueueCommand(cmdManualPeer{addr: addr}) }

// AddPeerHints registers addrs (e.g. from a magnet URI's x.pe hints) as
// manual-source candidates.
func (t *Torrent) AddPeerHints(addrs []netip.AddrPort) { t.enqueueCommand(cmdPeerHints{addrs: addrs}) }

// DisconnectPeer forcibly drops a connected peer.
func (t *Torrent) DisconnectPeer(addr netip.AddrPort, reason string) {
	t.enqueueCommand(cmdDisconnectPeer{addr: addr, reason: reason})
}

// SetMaxPeers updates the per-torrent connected+connecting cap.
func (t *Torrent) SetMaxPeers(n int) { t.enqueueCommand(cmdSetMaxPeers{n: n}) }

// SetMaxUploadSlots updates PeerCoordinator's regular-unchoke slot count.
func (t *Torrent) SetMaxUploadSlots(n int) { t.enqueueCommand(cmdSetMaxUploadSlots{n: n}) }

// RecheckData re-verifies every piece already on disk against the
// info-dict hashes and rebuilds the bitfield from scratch (spec.md
// §4.9). Reentrant calls while a check is already running are dropped.
func (t *Torrent) RecheckData() { t.enqueueCommand(cmdRecheck{}) }

// GetDisplayPeers returns the current per-peer display snapshot.
func (t *Torrent) GetDisplayPeers() []PeerStats { return t.GetStats().Peers }

// NewTorrent constructs a Torrent for mi, ready for Run. cfg.DefaultDownloadDir
// names the directory a single-file content blob is written under.
func NewTorrent(clientID [20]byte, mi *meta.Metainfo, cfg config.Config, persistStore *persist.Store, log *slog.Logger) (*Torrent, error) {
	totalSize := mi.Size()
	pieceLength := int64(mi.Info.PieceLength)
	pieceCount := piece.Count(totalSize, pieceLength)
	blockLen := piece.BlockLength

	contentPath := filepath.Join(cfg.DefaultDownloadDir, mi.Info.Name)
	if err := os.MkdirAll(cfg.DefaultDownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("torrent: prepare download dir: %w", err)
	}
	disk, err := storage.OpenSingleFile(contentPath, totalSize)
	if err != nil {
		return nil, fmt.Errorf("torrent: open storage: %w", err)
	}

	priority := make([]int, pieceCount)
	for i := range priority {
		priority[i] = 1
	}

	pool := piece.NewBufferPool(int(pieceLength), cfg.MaxPoolSize)
	pieces := piece.NewManager(piece.BlockCount(int(pieceLength), blockLen), cfg.MaxActivePieces, cfg.MaxBufferedBytes, pool)
	avail := availability.New(pieceCount)
	endgameM := endgame.New()
	swarmDB := swarm.New()
	bw := bandwidth.NewTracker(mi.Info.Name, nil)

	t := &Torrent{
		metainfo:     mi,
		clientID:     clientID,
		cfg:          cfg,
		log:          log.With("torrent", mi.Info.Name),
		pieceCount:   pieceCount,
		pieceLength:  pieceLength,
		totalSize:    totalSize,
		blockLen:     blockLen,
		priority:     priority,
		bitfield:     bitfield.New(pieceCount),
		pieces:       pieces,
		avail:        avail,
		endgameM:     endgameM,
		swarmDB:      swarmDB,
		bw:           bw,
		downBucket:   bandwidth.NewTokenBucket(cfg.MaxDownloadRate, 0),
		upBucket:     bandwidth.NewTokenBucket(cfg.MaxUploadRate, 0),
		store:        disk,
		persistStore: persistStore,
		peers:        make(map[netip.AddrPort]*peerConn),
		events:       make(chan any, 1024),
		userState:    persist.UserStateActive,
		addedAt:      time.Now(),
	}

	t.choker = choke.New(cfg.MaxUploadSlots, false)

	limits := connectLimitsFrom(cfg)
	dialer := transport.NewTCPDialer(mi.InfoHash, clientID)
	t.connMgr = connect.NewManager(swarmDB, dialer, limits, 256)

	reqCfg := requester.Config{MaxPipelineDepth: cfg.MaxInflightRequestsPerPeer, BlockLength: blockLen}
	t.req = requester.New(reqCfg, pieces, avail, endgameM, t.downBucket, t.priorityLookup, t.pieceLenLookup)

	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		OnAnnounceStart:   t.buildAnnounceParams,
		OnAnnounceSuccess: t.onTrackerPeers,
		Log:               log,
	})
	if err != nil {
		_ = disk.Close()
		return nil, fmt.Errorf("torrent: tracker: %w", err)
	}
	t.trk = trk

	if st, ok, err := persistStore.Load(mi.InfoHash); err == nil && ok {
		t.restoreState(st)
	}

	return t, nil
}

func connectLimitsFrom(cfg config.Config) connect.Limits {
	return connect.Limits{
		MaxPeersPerTorrent:     cfg.MaxPeers,
		ConnectingHeadroom:     cfg.ConnectingHeadroom,
		ConnectTimeout:         cfg.ConnectTimeout,
		SlowPeerTimeout:        time.Duration(cfg.SlowPeerTimeoutMs) * time.Millisecond,
		SlowPeerMinSpeed:       cfg.SlowPeerMinSpeed,
		MaintenanceMinInterval: cfg.MaintenanceMinInterval,
		MaintenanceMaxInterval: cfg.MaintenanceMaxInterval,
	}
}

func (t *Torrent) priorityLookup(pieceIndex int) int {
	if pieceIndex < 0 || pieceIndex >= len(t.priority) {
		return 0
	}
	return t.priority[pieceIndex]
}

func (t *Torrent) pieceLenLookup(pieceIndex int) int {
	n, err := piece.LengthAt(pieceIndex, t.totalSize, t.pieceLength)
	if err != nil {
		return 0
	}
	return n
}

func (t *Torrent) restoreState(st persist.State) {
	for _, idx := range st.CompletedPieces {
		t.bitfield.Set(idx)
	}
	t.totalDownloaded = st.TotalDownloaded
	t.totalUploaded = st.TotalUploaded
	t.addedAt = st.AddedAt
	t.completedAt = st.CompletedAt
	t.userState = st.UserState
}

// buildAnnounceParams is the tracker's OnAnnounceStart hook: it reads
// Torrent's current byte totals under lock so the tracker goroutine
// never races the tick loop.
func (t *Torrent) buildAnnounceParams() *tracker.AnnounceParams {
	t.mu.Lock()
	defer t.mu.Unlock()

	left := t.totalSize - int64(t.bitfield.Count())*t.pieceLength
	if left < 0 {
		left = 0
	}
	event := tracker.EventNone
	if left == 0 {
		event = tracker.EventCompleted
	}
	return &tracker.AnnounceParams{
		InfoHash:   t.metainfo.InfoHash,
		PeerID:     t.clientID,
		Uploaded:   uint64(t.totalUploaded),
		Downloaded: uint64(t.totalDownloaded),
		Left:       uint64(left),
		Event:      event,
		NumWant:    t.cfg.NumWant,
		Port:       t.cfg.Port,
	}
}

// onTrackerPeers is the tracker's OnAnnounceSuccess hook: newly learned
// addresses are folded into the swarm for the next maintenance pass to
// consider dialing.
func (t *Torrent) onTrackerPeers(addrs []netip.AddrPort) {
	now := time.Now()
	for _, addr := range addrs {
		if err := swarm.ValidateAddress(addr); err != nil {
			continue
		}
		_, _, _ = t.swarmDB.AddPeer(addr, swarm.SourceTracker, now)
	}
}

// Run drives the tracker's announce loop and the request tick loop
// until ctx is cancelled or a fatal storage error occurs.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.trk.Run(gctx) })
	g.Go(func() error { return t.tickLoop(gctx) })
	return g.Wait()
}

// Stop cancels Run; the tick loop closes every live peer on its way out.
func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Torrent) shutdown() {
	for _, pc := range t.peers {
		_ = pc.conn.Close()
	}
	t.persistState()
	_ = t.store.Close()
}

const (
	rechokeInterval    = 10 * time.Second
	optimisticInterval = 30 * time.Second
	persistInterval    = 30 * time.Second
	rateInterval       = 1 * time.Second
)

// tickLoop implements spec.md §5's single-threaded cooperative
// scheduler: one goroutine, woken by a 100ms ticker plus the connect
// event channel, running GATHER -> PROCESS -> REQUEST -> FLUSH every
// tick with no suspension in between.
func (t *Torrent) tickLoop(ctx context.Context) error {
	tick := time.NewTicker(t.cfg.TickInterval)
	defer tick.Stop()
	rechoke := time.NewTicker(rechokeInterval)
	defer rechoke.Stop()
	optimistic := time.NewTicker(optimisticInterval)
	defer optimistic.Stop()
	persistT := time.NewTicker(persistInterval)
	defer persistT.Stop()
	rate := time.NewTicker(rateInterval)
	defer rate.Stop()

	maintInterval := t.cfg.MaintenanceMinInterval
	maint := time.NewTimer(maintInterval)
	defer maint.Stop()

	connEvents := t.connMgr.Events()

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil

		case ev := <-connEvents:
			t.handleConnectEvent(ev, time.Now())

		case <-tick.C:
			t.runTick(time.Now())

		case <-rechoke.C:
			t.rechoke()

		case <-optimistic.C:
			t.rotateOptimistic(time.Now())

		case <-rate.C:
			t.updateRates()

		case <-persistT.C:
			t.persistState()

		case <-maint.C:
			now := time.Now()
			if !t.networkSuspended {
				t.connMgr.Maintain(ctx, now)
			}
			maintInterval = connect.MaintenanceInterval(connectLimitsFrom(t.cfg), t.swarmDB.ConnectedCount(), t.cfg.MaxPeers)
			maint.Reset(maintInterval)
		}
	}
}

// runTick is one GATHER -> PROCESS -> REQUEST -> FLUSH cycle.
func (t *Torrent) runTick(now time.Time) {
	events := t.gather()
	for _, ev := range events {
		t.process(ev, now)
	}
	if !t.networkSuspended {
		t.requestPhase(now)
		t.drainUploads(now)
	}
	t.flush()
}

// gather drains every event queued since the last tick, preserving
// arrival order within this torrent.
func (t *Torrent) gather() []any {
	var out []any
	for {
		select {
		case ev := <-t.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (t *Torrent) process(ev any, now time.Time) {
	switch e := ev.(type) {
	case wire.BitfieldEvent:
		t.onBitfield(e)
	case wire.HaveEvent:
		t.onHave(e)
	case wire.HaveAllEvent:
		t.onHaveAll(e)
	case wire.HaveNoneEvent:
		t.onHaveNone(e)
	case wire.UnchokedEvent:
		t.onUnchoked(e, now)
	case wire.ChokedEvent:
		t.onChoked(e, now)
	case wire.InterestedEvent:
		t.onInterested(e)
	case wire.NotInterestedEvent:
		t.onNotInterested(e)
	case wire.RequestEvent:
		t.onRequest(e)
	case wire.CancelEvent:
		t.onCancel(e)
	case wire.PieceEvent:
		t.onPiece(e, now)
	case wire.PeerGoneEvent:
		t.removePeer(e.Peer, e.Data.Reason, now)

	case cmdSuspendNetwork:
		t.suspendNetwork()
	case cmdResumeNetwork:
		t.networkSuspended = false
	case cmdUserStart:
		t.mu.Lock()
		t.userState = persist.UserStateActive
		t.mu.Unlock()
		t.networkSuspended = false
	case cmdUserStop:
		t.mu.Lock()
		t.userState = persist.UserStateStopped
		t.mu.Unlock()
		t.networkSuspended = true
	case cmdManualPeer:
		_, _, _ = t.swarmDB.AddPeer(e.addr, swarm.SourceManual, now)
	case cmdPeerHints:
		for _, addr := range e.addrs {
			_, _, _ = t.swarmDB.AddPeer(addr, swarm.SourceMagnetHint, now)
		}
	case cmdDisconnectPeer:
		t.markPeerDead(e.addr, e.reason)
	case cmdSetMaxPeers:
		t.cfg.MaxPeers = e.n
	case cmdSetMaxUploadSlots:
		t.cfg.MaxUploadSlots = e.n
		t.choker = choke.New(e.n, t.bitfield.Count() == t.pieceCount)
	case cmdRecheck:
		t.recheckData(now)
	}
}

// handleConnectEvent wires a freshly dialed (or accepted) connection
// into a peerConn and spawns its read-loop goroutine. Only the tick
// loop touches t.peers, so no lock is needed here.
func (t *Torrent) handleConnectEvent(ev connect.Event, now time.Time) {
	if ev.Kind != connect.EventConnected {
		return
	}
	conn, ok := ev.Conn.(*transport.Conn)
	if !ok || conn == nil {
		return
	}

	key := ev.Addr
	pc := newPeerConn(key, conn, t.pieceCount, t.cfg.MaxInflightRequestsPerPeer, now)
	t.peers[key] = pc
	t.swarmDB.SetIdentity(key, conn.PeerID(), "")

	switch {
	case t.bitfield.HasAll():
		pc.enqueue(wire.MessageHaveAll())
	case t.bitfield.HasNone():
		pc.enqueue(wire.MessageHaveNone())
	default:
		pc.enqueue(wire.MessageBitfield(t.bitfield.Bytes()))
	}

	go t.readLoop(key, conn)
}

// readLoop decodes one connection's incoming messages and forwards
// them onto the shared event queue, where the tick loop's single
// goroutine applies them in order. It is the only goroutine that reads
// from conn, and it owns no shared state of its own.
func (t *Torrent) readLoop(key netip.AddrPort, conn *transport.Conn) {
	for {
		m, err := conn.ReadMessage()
		if err != nil {
			t.enqueueCommand(wire.PeerGoneEvent{Peer: key, Data: wire.PeerGoneData{Reason: err.Error()}})
			return
		}
		if wire.IsKeepAlive(m) {
			continue
		}
		ev, ok := wire.Decode(key, m, t.pieceCount)
		if !ok {
			continue
		}
		t.enqueueCommand(ev)
	}
}

// suspendNetwork implements the fatal-storage-error path of spec.md
// §4.9: networking stops but the goroutine and peer set stay alive so
// the user can inspect state before removing the torrent.
func (t *Torrent) suspendNetwork() { t.networkSuspended = true }

// recheckData re-verifies every piece against the info-dict hashes and
// rebuilds the bitfield (spec.md §4.9). Disk reads and hashing are the
// recheck's only suspension points; this runs inline in the tick-loop
// goroutine, which is safe because networking is suspended for the
// duration and no other state mutation can interleave with a single
// goroutine's sequential loop.
func (t *Torrent) recheckData(now time.Time) {
	t.mu.Lock()
	if t.checking {
		t.mu.Unlock()
		return
	}
	t.checking = true
	t.checkingProgress = 0
	t.mu.Unlock()

	wasSuspended := t.networkSuspended
	t.networkSuspended = true

	fresh := bitfield.New(t.pieceCount)
	for i := 0; i < t.pieceCount; i++ {
		pieceLen := t.pieceLenLookup(i)
		ok, err := t.store.VerifyPiece(i, int(t.pieceLength), pieceLen, t.metainfo.Info.Pieces[i])
		if err == nil && ok {
			fresh.Set(i)
		}
		t.mu.Lock()
		t.checkingProgress = float64(i+1) / float64(t.pieceCount) * 100
		t.mu.Unlock()
	}

	t.bitfield = fresh
	t.networkSuspended = wasSuspended

	t.mu.Lock()
	t.checking = false
	t.checkingProgress = 100
	t.mu.Unlock()

	t.persistState()
}

func (t *Torrent) peer(key netip.AddrPort) (*peerConn, bool) {
	pc, ok := t.peers[key]
	return pc, ok
}

func (t *Torrent) onBitfield(e wire.BitfieldEvent) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	pc.have = e.Data.Bitfield
	pc.isSeed = pc.have.Count() == t.pieceCount
	t.avail.OnBitfield(e.Peer, pc.have.Has, t.pieceCount)
	t.avail.BuildPeerIndex(e.Peer, pc.have.Has, t.pieceCount, func(i int) bool { return !t.bitfield.Has(i) })
	t.updateInterest(pc)
}

func (t *Torrent) onHave(e wire.HaveEvent) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	before := pc.have.Count()
	pc.have.Set(e.Data.Piece)
	t.avail.OnHave(e.Peer, e.Data.Piece, before, t.pieceCount)
	pc.isSeed = t.avail.IsSeed(e.Peer)
	if !t.bitfield.Has(e.Data.Piece) {
		t.avail.AddPieceToIndex(e.Peer, e.Data.Piece)
	}
	t.updateInterest(pc)
}

func (t *Torrent) onHaveAll(e wire.HaveAllEvent) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	pc.have = bitfield.New(t.pieceCount)
	for i := 0; i < t.pieceCount; i++ {
		pc.have.Set(i)
	}
	pc.isSeed = true
	t.avail.OnHaveAll(e.Peer)
	t.avail.BuildPeerIndex(e.Peer, pc.have.Has, t.pieceCount, func(i int) bool { return !t.bitfield.Has(i) })
	t.updateInterest(pc)
}

func (t *Torrent) onHaveNone(e wire.HaveNoneEvent) {
	t.avail.OnHaveNone(e.Peer)
}

func (t *Torrent) onUnchoked(e wire.UnchokedEvent, now time.Time) {
	if pc, ok := t.peer(e.Peer); ok {
		pc.peerChoking = false
		pc.unchokedAt = now
	}
}

// onChoked implements the post-clearRequestsForPeer invariant: a peer
// that chokes us loses every outstanding request immediately, so the
// pipeline accounting never outlives what it can no longer serve.
func (t *Torrent) onChoked(e wire.ChokedEvent, now time.Time) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	pc.peerChoking = true
	pc.chokedSince = now
	cleared := t.pieces.ClearRequestsForPeer(e.Peer)
	pc.pending -= cleared.Counts[e.Peer]
	if pc.pending < 0 {
		pc.pending = 0
	}
}

func (t *Torrent) onInterested(e wire.InterestedEvent) {
	if pc, ok := t.peer(e.Peer); ok {
		pc.peerInterested = true
	}
}

func (t *Torrent) onNotInterested(e wire.NotInterestedEvent) {
	if pc, ok := t.peer(e.Peer); ok {
		pc.peerInterested = false
		pc.uploadQueue = nil
	}
}

func (t *Torrent) onRequest(e wire.RequestEvent) {
	pc, ok := t.peer(e.Peer)
	if !ok || pc.amChoking {
		return
	}
	if !t.bitfield.Has(e.Data.Piece) {
		return
	}
	if len(pc.uploadQueue) >= t.cfg.PeerOutboundQueueBacklog {
		return
	}
	pc.uploadQueue = append(pc.uploadQueue, uploadRequest{piece: e.Data.Piece, begin: e.Data.Begin, length: e.Data.Length})
}

func (t *Torrent) onCancel(e wire.CancelEvent) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	for i, r := range pc.uploadQueue {
		if r.piece == e.Data.Piece && r.begin == e.Data.Begin && r.length == e.Data.Length {
			pc.uploadQueue = append(pc.uploadQueue[:i], pc.uploadQueue[i+1:]...)
			break
		}
	}
}

// onPiece implements handleBlock (spec.md §4.9): decrement the peer's
// pending counter, record the block, derive endgame cancellations, and
// refill the requester before any async I/O — finalizePiece's disk
// write happens last and is the only suspension point in this path.
func (t *Torrent) onPiece(e wire.PieceEvent, now time.Time) {
	pc, ok := t.peer(e.Peer)
	if !ok {
		return
	}
	pc.pending--
	if pc.pending < 0 {
		pc.pending = 0
	}
	pc.lastDataReceived = now
	pc.downloadedTick += int64(len(e.Data.Data))

	ap, _, ok := t.pieces.Get(e.Data.Piece)
	if !ok {
		return
	}
	blockIdx := piece.BlockIndexForBegin(e.Data.Begin, ap.Length, t.blockLen)
	if blockIdx < 0 {
		return
	}

	// EndgameOwnersExcept must run before AddBlock: AddBlock
	// unconditionally clears the endgame owner map for blockIdx on
	// first acceptance, so deriving cancellations afterward would
	// always see an empty owner set.
	var losers []piece.PeerKey
	if t.endgameM.Active() {
		losers = ap.EndgameOwnersExcept(blockIdx, e.Peer)
	}

	accepted := ap.AddBlock(blockIdx, e.Data.Data, e.Peer, t.endgameM.Active())
	if accepted {
		t.bw.Record(bandwidth.CategoryPeerPayload, int64(len(e.Data.Data)), bandwidth.DirectionDown, now)
		t.mu.Lock()
		t.totalDownloaded += int64(len(e.Data.Data))
		t.mu.Unlock()

		if t.endgameM.Active() {
			for _, c := range t.endgameM.DeriveCancellations(losers, ap, blockIdx, ap.Length, t.blockLen) {
				if opc, ok := t.peer(c.Peer); ok {
					opc.enqueue(wire.MessageCancel(uint32(c.Index), uint32(c.Begin), uint32(c.Length)))
					opc.pending--
					if opc.pending < 0 {
						opc.pending = 0
					}
				}
			}
		}
	}

	t.refillPeer(pc, now)

	if ap.IsComplete() {
		t.pieces.PromoteToFullyResponded(e.Data.Piece)
		t.finalizePiece(e.Data.Piece, now)
	}
}

// finalizePiece implements spec.md §4.9's finalizePiece: assemble,
// verified-write, and on success mark the bitfield bit, broadcast HAVE,
// persist, and check for overall completion. A hash mismatch is
// non-fatal (spec.md §4.11): the piece is discarded and re-downloaded.
// A write error is fatal for this torrent: networking is suspended and
// the error recorded (spec.md §4.11).
func (t *Torrent) finalizePiece(index int, now time.Time) {
	ap, _, ok := t.pieces.Get(index)
	if !ok {
		return
	}
	data := ap.Assemble()
	pieceLen := t.pieceLenLookup(index)

	wrote, err := t.store.WriteVerifiedPiece(index, pieceLen, t.metainfo.Info.Pieces[index], data)
	if err != nil {
		t.log.Error("finalizePiece: fatal storage write failure", "piece", index, "error", err)
		t.mu.Lock()
		t.lastError = err.Error()
		t.mu.Unlock()
		t.suspendNetwork()
		ap.Release()
		t.pieces.RemoveFullyResponded(index)
		return
	}
	if !wrote {
		t.log.Warn("finalizePiece: hash mismatch, discarding", "piece", index, "contributors", ap.GetContributingPeers())
		ap.Release()
		t.pieces.RemoveFullyResponded(index)
		return
	}

	t.bitfield.Set(index)
	t.avail.RemovePieceFromAllIndices(index)
	ap.Release()
	t.pieces.RemoveFullyResponded(index)

	for _, pc := range t.peers {
		pc.enqueue(wire.MessageHave(uint32(index)))
	}

	t.persistState()

	if t.bitfield.Count() == t.pieceCount {
		t.mu.Lock()
		t.completedAt = now
		t.mu.Unlock()
		t.choker.SetSeeding(true)
	}
}

// refillPeer fills one peer's pipeline immediately after a block from
// it arrives, so a fast peer's slot doesn't sit idle until the next
// tick's REQUEST phase.
func (t *Torrent) refillPeer(pc *peerConn, now time.Time) {
	if t.networkSuspended || pc.killed || pc.peerChoking {
		return
	}
	reqs := t.req.Fill(t.peerState(pc), len(t.peers), now)
	for _, r := range reqs {
		pc.pending++
		pc.enqueue(wire.MessageRequest(uint32(r.Index), uint32(r.Begin), uint32(r.Length)))
	}
}

func (t *Torrent) peerState(pc *peerConn) requester.PeerState {
	return requester.PeerState{
		Key:           pc.key,
		NetworkPaused: t.networkSuspended,
		Killed:        pc.killed,
		PeerChoking:   pc.peerChoking,
		HasMetadata:   true,
		PipelineDepth: pc.pipelineDepth,
		Pending:       pc.pending,
		IsFast:        false,
		IsSeed:        pc.isSeed,
		RateLimitBps:  0,
		FirstNeeded:   0,
		HasPiece:      pc.have.Has,
		NeedPiece:     func(idx int) bool { return !t.bitfield.Has(idx) },
	}
}

// requestPhase re-evaluates endgame mode and fills every eligible
// peer's pipeline, updating interest as availability changes.
func (t *Torrent) requestPhase(now time.Time) {
	t.evaluateEndgame()
	for _, pc := range t.peers {
		if pc.killed {
			continue
		}
		t.updateInterest(pc)
		if pc.peerChoking {
			continue
		}
		reqs := t.req.Fill(t.peerState(pc), len(t.peers), now)
		for _, r := range reqs {
			pc.pending++
			pc.enqueue(wire.MessageRequest(uint32(r.Index), uint32(r.Begin), uint32(r.Length)))
		}
	}
}

func (t *Torrent) evaluateEndgame() {
	ranked := t.pieces.RarestFirstPartials(t.availLookup, t.priorityLookup)
	anyUnrequested := false
	for _, rp := range ranked {
		if rp.Piece.HasUnrequestedBlocks() {
			anyUnrequested = true
			break
		}
	}
	missing := t.pieceCount - t.bitfield.Count()
	t.endgameM.Evaluate(missing, t.pieces.Count(), anyUnrequested)
}

func (t *Torrent) availLookup(pieceIndex int) (int, int) {
	return t.avail.GetAvailability(pieceIndex), t.avail.SeedCount()
}

// updateInterest toggles AM_INTERESTED based on whether pc advertises
// any piece we still need.
func (t *Torrent) updateInterest(pc *peerConn) {
	interested := false
	for i := 0; i < t.pieceCount; i++ {
		if !t.bitfield.Has(i) && t.priorityLookup(i) > 0 && pc.have.Has(i) {
			interested = true
			break
		}
	}
	pc.setAmInterested(interested)
}

// drainUploads serves one queued REQUEST per peer per tick, gated by
// the upload token bucket (spec.md §4.10).
func (t *Torrent) drainUploads(now time.Time) {
	for _, pc := range t.peers {
		if len(pc.uploadQueue) == 0 || pc.amChoking {
			continue
		}
		req := pc.uploadQueue[0]
		if !t.upBucket.TryConsume(int64(req.length)) {
			continue
		}
		pieceLen := t.pieceLenLookup(req.piece)
		data, err := t.store.ReadBlock(req.piece, pieceLen, req.begin, req.length)
		if err != nil {
			t.log.Warn("upload read failed, skipping", "piece", req.piece, "error", err)
			pc.uploadQueue = pc.uploadQueue[1:]
			continue
		}
		pc.uploadQueue = pc.uploadQueue[1:]
		pc.enqueue(wire.MessagePiece(uint32(req.piece), uint32(req.begin), data))
		pc.uploadedTick += int64(len(data))
		t.bw.Record(bandwidth.CategoryPeerPayload, int64(len(data)), bandwidth.DirectionUp, now)
		t.mu.Lock()
		t.totalUploaded += int64(len(data))
		t.mu.Unlock()
	}
}

// flush writes every peer's queued outbound messages in one pass.
func (t *Torrent) flush() {
	for key, pc := range t.peers {
		for _, m := range pc.outbox {
			if err := pc.conn.WriteMessage(m); err != nil {
				t.markPeerDead(key, err.Error())
				break
			}
		}
		pc.outbox = pc.outbox[:0]
	}
}

func (t *Torrent) markPeerDead(key netip.AddrPort, reason string) {
	if pc, ok := t.peers[key]; ok {
		pc.killed = true
		_ = pc.conn.Close()
	}
	t.removePeer(key, reason, time.Now())
}

func (t *Torrent) removePeer(key netip.AddrPort, reason string, now time.Time) {
	pc, ok := t.peers[key]
	if !ok {
		return
	}
	delete(t.peers, key)
	t.pieces.ClearRequestsForPeer(key)
	t.avail.OnPeerDisconnected(key, pc.isSeed, pc.have.Has, t.pieceCount)
	t.avail.RemovePeerFromIndex(key)
	_ = t.swarmDB.Disconnect(key, now)
	_ = pc.conn.Close()
}

func (t *Torrent) rechoke() {
	snapshots := t.peerSnapshots()
	now := time.Now()
	for _, action := range t.choker.Rechoke(snapshots) {
		if pc, ok := t.peer(action.Addr); ok {
			pc.setAmChoking(!action.Unchoke, now)
		}
	}
}

func (t *Torrent) rotateOptimistic(now time.Time) {
	action := t.choker.RotateOptimistic(t.peerSnapshots(), now, 60*time.Second)
	if action == nil {
		return
	}
	if pc, ok := t.peer(action.Addr); ok {
		pc.setAmChoking(!action.Unchoke, now)
	}
}

func (t *Torrent) peerSnapshots() []choke.PeerSnapshot {
	out := make([]choke.PeerSnapshot, 0, len(t.peers))
	for _, pc := range t.peers {
		out = append(out, choke.PeerSnapshot{
			Addr:             pc.key,
			PeerInterested:   pc.peerInterested,
			PeerChoking:      pc.peerChoking,
			AmChoking:        pc.amChoking,
			DownloadRate:     int64(pc.downRateEWMA),
			UploadRate:       int64(pc.upRateEWMA),
			ConnectedAt:      pc.connectedAt,
			LastDataReceived: pc.lastDataReceived,
		})
	}
	return out
}

// updateRates recomputes each peer's EWMA download/upload rate over the
// last second, per internal/peer/peer.go's downloadUploadRatesLoop.
func (t *Torrent) updateRates() {
	const alpha = 0.2
	for _, pc := range t.peers {
		pc.downRateEWMA = alpha*float64(pc.downloadedTick) + (1-alpha)*pc.downRateEWMA
		pc.upRateEWMA = alpha*float64(pc.uploadedTick) + (1-alpha)*pc.upRateEWMA
		pc.downloadedTick = 0
		pc.uploadedTick = 0
	}
}

func (t *Torrent) persistState() {
	t.mu.Lock()
	st := persist.State{
		InfoHash:        t.metainfo.InfoHash,
		AddedAt:         t.addedAt,
		CompletedAt:     t.completedAt,
		UserState:       t.userState,
		TotalDownloaded: t.totalDownloaded,
		TotalUploaded:   t.totalUploaded,
	}
	t.mu.Unlock()

	for i := 0; i < t.pieceCount; i++ {
		if t.bitfield.Has(i) {
			st.CompletedPieces = append(st.CompletedPieces, i)
		}
	}
	if err := t.persistStore.Save(st); err != nil {
		t.log.Warn("persistState failed", "error", err)
	}
}

// GetPersistedState returns the record that would be written by the
// next persistState call, for callers that want it without waiting for
// the next periodic save.
func (t *Torrent) GetPersistedState() persist.State {
	t.persistState()
	st, _, _ := t.persistStore.Load(t.metainfo.InfoHash)
	return st
}

// GetStats returns Torrent's display-facing snapshot.
func (t *Torrent) GetStats() Stats {
	t.mu.Lock()
	downloaded, uploaded := t.totalDownloaded, t.totalUploaded
	state, lastErr, checking := t.userState, t.lastError, t.checkingProgress
	t.mu.Unlock()

	peers := make([]PeerStats, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, PeerStats{
			Addr:           pc.key,
			AmChoking:      pc.amChoking,
			AmInterested:   pc.amInterested,
			PeerChoking:    pc.peerChoking,
			PeerInterested: pc.peerInterested,
			DownloadRate:   pc.downRateEWMA,
			UploadRate:     pc.upRateEWMA,
			PiecesHave:     pc.have.Count(),
			ConnectedAt:    pc.connectedAt,
		})
	}

	progress := 0.0
	if t.pieceCount > 0 {
		progress = float64(t.bitfield.Count()) / float64(t.pieceCount) * 100.0
	}

	return Stats{
		InfoHash:         t.metainfo.InfoHash,
		Name:             t.metainfo.Info.Name,
		Progress:         progress,
		Downloaded:       downloaded,
		Uploaded:         uploaded,
		DownloadRate:     t.bw.GetRate(bandwidth.DirectionDown, 5000, bandwidth.CategoryPeerPayload),
		UploadRate:       t.bw.GetRate(bandwidth.DirectionUp, 5000, bandwidth.CategoryPeerPayload),
		ConnectedPeers:   t.swarmDB.ConnectedCount(),
		ConnectingPeers:  t.swarmDB.ConnectingCount(),
		CheckingProgress: checking,
		State:            state,
		Error:            lastErr,
		Peers:            peers,
		Tracker:          t.trk.Stats(),
	}
}

// GetConfig returns the torrent's current effective configuration.
func (t *Torrent) GetConfig() config.Config { return t.cfg }
