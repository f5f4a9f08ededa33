package torrent

import (
	"crypto/sha1"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/finchwire/torrentengine/internal/config"
	"github.com/finchwire/torrentengine/internal/meta"
	"github.com/finchwire/torrentengine/internal/persist"
	"github.com/finchwire/torrentengine/internal/swarm"
	"github.com/finchwire/torrentengine/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetainfo(t *testing.T, pieceLength int32, totalSize int64) *meta.Metainfo {
	t.Helper()
	count := int((totalSize + int64(pieceLength) - 1) / int64(pieceLength))
	pieces := make([][sha1.Size]byte, count)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte{byte(i)})
	}
	return &meta.Metainfo{
		Info: &meta.Info{
			Name:        "test-torrent",
			PieceLength: pieceLength,
			Pieces:      pieces,
			Length:      totalSize,
		},
		Announce: "http://tracker.example.com:6969/announce",
		InfoHash: sha1.Sum([]byte("test-torrent-infohash")),
	}
}

func newTestTorrent(t *testing.T) *Torrent {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Load()
	localCfg := *cfg
	localCfg.DefaultDownloadDir = filepath.Join(dir, "downloads")

	store, err := persist.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mi := testMetainfo(t, 16*1024, 5*16*1024)

	var clientID [20]byte
	copy(clientID[:], "-FW0001-0123456789")

	tr, err := NewTorrent(clientID, mi, localCfg, store, testLogger())
	if err != nil {
		t.Fatalf("NewTorrent: %v", err)
	}
	return tr
}

func TestNewTorrentComputesGeometryFromMetainfo(t *testing.T) {
	tr := newTestTorrent(t)

	if tr.pieceCount != 5 {
		t.Fatalf("expected 5 pieces, got %d", tr.pieceCount)
	}
	if tr.bitfield.Count() != 0 {
		t.Fatalf("expected a fresh torrent to start with zero completed pieces")
	}
	if tr.userState != persist.UserStateActive {
		t.Fatalf("expected a new torrent to default to UserStateActive, got %v", tr.userState)
	}
}

func TestConnectLimitsFromMapsConfigFields(t *testing.T) {
	cfg := config.Load()
	localCfg := *cfg
	localCfg.MaxPeers = 42
	localCfg.ConnectingHeadroom = 7

	limits := connectLimitsFrom(localCfg)
	if limits.MaxPeersPerTorrent != 42 || limits.ConnectingHeadroom != 7 {
		t.Fatalf("expected limits to mirror config, got %+v", limits)
	}
	if limits.ConnectTimeout != localCfg.ConnectTimeout {
		t.Fatalf("expected ConnectTimeout to carry over, got %v", limits.ConnectTimeout)
	}
}

func TestPriorityLookupOutOfRangeReturnsZero(t *testing.T) {
	tr := newTestTorrent(t)

	if got := tr.priorityLookup(0); got != 1 {
		t.Fatalf("expected default priority 1 for piece 0, got %d", got)
	}
	if got := tr.priorityLookup(-1); got != 0 {
		t.Fatalf("expected 0 for a negative index, got %d", got)
	}
	if got := tr.priorityLookup(len(tr.priority)); got != 0 {
		t.Fatalf("expected 0 past the end of the priority slice, got %d", got)
	}
}

func TestPieceLenLookupMatchesLastPieceShortening(t *testing.T) {
	tr := newTestTorrent(t)

	// totalSize is an exact multiple of pieceLength in the fixture, so
	// every piece including the last is full-length.
	for i := 0; i < tr.pieceCount; i++ {
		if got := tr.pieceLenLookup(i); got != int(tr.pieceLength) {
			t.Fatalf("expected piece %d length %d, got %d", i, tr.pieceLength, got)
		}
	}
	if got := tr.pieceLenLookup(tr.pieceCount); got != 0 {
		t.Fatalf("expected 0 for an out-of-range piece index, got %d", got)
	}
}

func TestRestoreStateAppliesPersistedBitfieldAndTotals(t *testing.T) {
	tr := newTestTorrent(t)

	now := time.Now()
	tr.restoreState(persist.State{
		CompletedPieces: []int{0, 2, 4},
		TotalDownloaded: 1000,
		TotalUploaded:   500,
		AddedAt:         now.Add(-time.Hour),
		CompletedAt:     now,
		UserState:       persist.UserStateStopped,
	})

	if tr.bitfield.Count() != 3 {
		t.Fatalf("expected 3 completed pieces restored, got %d", tr.bitfield.Count())
	}
	if !tr.bitfield.Has(0) || !tr.bitfield.Has(2) || !tr.bitfield.Has(4) {
		t.Fatalf("expected pieces 0,2,4 set, got %s", tr.bitfield.Hex())
	}
	if tr.bitfield.Has(1) || tr.bitfield.Has(3) {
		t.Fatalf("expected pieces 1,3 to remain unset")
	}
	if tr.totalDownloaded != 1000 || tr.totalUploaded != 500 {
		t.Fatalf("expected totals restored, got downloaded=%d uploaded=%d", tr.totalDownloaded, tr.totalUploaded)
	}
	if tr.userState != persist.UserStateStopped {
		t.Fatalf("expected userState restored to stopped, got %v", tr.userState)
	}
}

func TestBuildAnnounceParamsReportsLeftAndCompletionEvent(t *testing.T) {
	tr := newTestTorrent(t)

	params := tr.buildAnnounceParams()
	if params.Left != uint64(tr.totalSize) {
		t.Fatalf("expected Left to equal totalSize before any piece completes, got %d", params.Left)
	}
	if params.Event != tracker.EventNone {
		t.Fatalf("expected EventNone before completion, got %v", params.Event)
	}

	for i := 0; i < tr.pieceCount; i++ {
		tr.bitfield.Set(i)
	}
	params = tr.buildAnnounceParams()
	if params.Left != 0 {
		t.Fatalf("expected Left=0 once every piece is set, got %d", params.Left)
	}
	if params.Event != tracker.EventCompleted {
		t.Fatalf("expected EventCompleted once every piece is set, got %v", params.Event)
	}
}

func TestOnTrackerPeersSkipsInvalidAddressesAndRegistersValidOnes(t *testing.T) {
	tr := newTestTorrent(t)

	valid := addr("203.0.113.5:6881")
	invalid := addr("0.0.0.0:6881")

	tr.onTrackerPeers([]netip.AddrPort{valid, invalid})

	if _, ok := tr.swarmDB.Get(valid); !ok {
		t.Fatalf("expected the valid tracker-supplied peer to be registered in the swarm")
	}
	if _, ok := tr.swarmDB.Get(invalid); ok {
		t.Fatalf("expected the invalid (unspecified) address to be rejected, not registered")
	}
}

func TestProcessSuspendAndResumeNetworkToggleFlag(t *testing.T) {
	tr := newTestTorrent(t)
	now := time.Now()

	tr.process(cmdSuspendNetwork{}, now)
	if !tr.networkSuspended {
		t.Fatalf("expected networkSuspended true after cmdSuspendNetwork")
	}

	tr.process(cmdResumeNetwork{}, now)
	if tr.networkSuspended {
		t.Fatalf("expected networkSuspended false after cmdResumeNetwork")
	}
}

func TestProcessUserStopSetsStoppedStateAndSuspendsNetwork(t *testing.T) {
	tr := newTestTorrent(t)
	now := time.Now()

	tr.process(cmdUserStop{}, now)
	if tr.userState != persist.UserStateStopped {
		t.Fatalf("expected UserStateStopped, got %v", tr.userState)
	}
	if !tr.networkSuspended {
		t.Fatalf("expected UserStop to suspend networking")
	}

	tr.process(cmdUserStart{}, now)
	if tr.userState != persist.UserStateActive {
		t.Fatalf("expected UserStateActive after UserStart, got %v", tr.userState)
	}
	if tr.networkSuspended {
		t.Fatalf("expected UserStart to resume networking")
	}
}

func TestProcessSetMaxPeersUpdatesConfig(t *testing.T) {
	tr := newTestTorrent(t)

	tr.process(cmdSetMaxPeers{n: 99}, time.Now())
	if tr.cfg.MaxPeers != 99 {
		t.Fatalf("expected MaxPeers updated to 99, got %d", tr.cfg.MaxPeers)
	}
}

func TestProcessManualPeerRegistersInSwarm(t *testing.T) {
	tr := newTestTorrent(t)
	a := addr("198.51.100.7:6881")

	tr.process(cmdManualPeer{addr: a}, time.Now())
	if _, ok := tr.swarmDB.Get(a); !ok {
		t.Fatalf("expected manually added peer registered in the swarm")
	}
}

func TestEnqueueCommandDropsWhenQueueSaturated(t *testing.T) {
	tr := newTestTorrent(t)
	tr.events = make(chan any, 1) // force saturation quickly

	tr.enqueueCommand(cmdSuspendNetwork{})
	// Second enqueue must not block even though the channel is full.
	done := make(chan struct{})
	go func() {
		tr.enqueueCommand(cmdResumeNetwork{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("enqueueCommand blocked on a saturated queue instead of dropping")
	}
}

func TestEvaluateEndgameStaysInactiveWithNoActivePieces(t *testing.T) {
	tr := newTestTorrent(t)

	// A brand-new torrent has no active pieces and pieceCount missing
	// pieces. anyUnrequestedBlocks is false (no partials to scan), but 5
	// missing pieces exceed 0 active pieces, so endgame must stay inactive.
	tr.evaluateEndgame()
	if tr.endgameM.Active() {
		t.Fatalf("expected endgame inactive with no active pieces yet")
	}
}
