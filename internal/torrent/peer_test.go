package torrent

import (
	"net/netip"
	"testing"
	"time"

	"github.com/finchwire/torrentengine/internal/wire"
)

func addr(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestNewPeerConnStartsChokedAndUninterested(t *testing.T) {
	now := time.Now()
	pc := newPeerConn(addr("1.1.1.1:1"), nil, 10, 8, now)

	if !pc.amChoking || !pc.peerChoking {
		t.Fatalf("expected both choke flags to start true, got amChoking=%v peerChoking=%v", pc.amChoking, pc.peerChoking)
	}
	if pc.amInterested || pc.peerInterested {
		t.Fatalf("expected both interest flags to start false")
	}
	if pc.have.Len() != 10 {
		t.Fatalf("expected bitfield sized to pieceCount=10, got %d", pc.have.Len())
	}
	if pc.chokedSince != now {
		t.Fatalf("expected chokedSince to be set at construction")
	}
}

func TestSetAmInterestedOnlyEnqueuesOnTransition(t *testing.T) {
	pc := newPeerConn(addr("1.1.1.1:1"), nil, 1, 8, time.Now())

	pc.setAmInterested(true)
	if len(pc.outbox) != 1 || pc.outbox[0].ID != wire.Interested {
		t.Fatalf("expected one INTERESTED message queued, got %v", pc.outbox)
	}

	pc.setAmInterested(true)
	if len(pc.outbox) != 1 {
		t.Fatalf("expected no additional message on a no-op call, got %d queued", len(pc.outbox))
	}

	pc.setAmInterested(false)
	if len(pc.outbox) != 2 || pc.outbox[1].ID != wire.NotInterested {
		t.Fatalf("expected a NOT_INTERESTED message queued on the flip, got %v", pc.outbox)
	}
}

func TestSetAmChokingTracksTimestampsAndDropsUploadQueue(t *testing.T) {
	base := time.Now()
	pc := newPeerConn(addr("1.1.1.1:1"), nil, 1, 8, base)
	pc.amChoking = false // pretend we'd already unchoked this peer
	pc.uploadQueue = []uploadRequest{{piece: 0, begin: 0, length: 16384}}

	later := base.Add(5 * time.Second)
	pc.setAmChoking(true, later)

	if !pc.amChoking {
		t.Fatalf("expected amChoking true after choking")
	}
	if pc.chokedSince != later {
		t.Fatalf("expected chokedSince updated to %v, got %v", later, pc.chokedSince)
	}
	if pc.uploadQueue != nil {
		t.Fatalf("expected uploadQueue cleared on choke, got %v", pc.uploadQueue)
	}
	if len(pc.outbox) != 1 || pc.outbox[0].ID != wire.Choke {
		t.Fatalf("expected one CHOKE message queued, got %v", pc.outbox)
	}

	evenLater := later.Add(time.Second)
	pc.setAmChoking(false, evenLater)
	if pc.amChoking {
		t.Fatalf("expected amChoking false after unchoking")
	}
	if pc.unchokedAt != evenLater {
		t.Fatalf("expected unchokedAt updated to %v, got %v", evenLater, pc.unchokedAt)
	}
	if len(pc.outbox) != 2 || pc.outbox[1].ID != wire.Unchoke {
		t.Fatalf("expected one UNCHOKE message appended, got %v", pc.outbox)
	}
}

func TestSetAmChokingNoOpLeavesTimestampsAlone(t *testing.T) {
	base := time.Now()
	pc := newPeerConn(addr("1.1.1.1:1"), nil, 1, 8, base)
	// amChoking already true at construction; choking again must be a no-op.
	pc.setAmChoking(true, base.Add(time.Minute))

	if len(pc.outbox) != 0 {
		t.Fatalf("expected no message enqueued for a redundant choke, got %v", pc.outbox)
	}
	if pc.chokedSince != base {
		t.Fatalf("expected chokedSince untouched by the no-op call")
	}
}
