package piece

import (
	"net/netip"
	"testing"
	"time"
)

func newTestPiece(blocksNeeded int) (*ActivePiece, *BufferPool) {
	pool := NewBufferPool(BlockLength, 8)
	return NewActivePiece(0, blocksNeeded*BlockLength, blocksNeeded, pool), pool
}

func TestActivePieceAddBlockRejectsDuplicate(t *testing.T) {
	p, _ := newTestPiece(2)
	peerA := netip.MustParseAddrPort("1.2.3.4:6881")
	peerB := netip.MustParseAddrPort("5.6.7.8:6881")

	if !p.AddBlock(0, make([]byte, BlockLength), peerA, false) {
		t.Fatalf("first AddBlock should be accepted")
	}
	if p.AddBlock(0, make([]byte, BlockLength), peerB, false) {
		t.Fatalf("duplicate AddBlock should be rejected")
	}
	if got := p.ReceivedCount(); got != 1 {
		t.Fatalf("ReceivedCount() = %d, want 1", got)
	}
}

func TestActivePieceReceivedAndRequestsDisjoint(t *testing.T) {
	p, _ := newTestPiece(2)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	p.AddRequest(0, peer, time.Now(), false)
	if p.RequestedCount() != 1 {
		t.Fatalf("expected one outstanding request")
	}

	p.AddBlock(0, make([]byte, BlockLength), peer, false)
	if p.RequestedCount() != 0 {
		t.Fatalf("AddBlock must clear the matching request (received and requests stay disjoint)")
	}
	if p.ReceivedCount() != 1 {
		t.Fatalf("expected one received block")
	}
}

func TestActivePieceIsCompleteAndAssemble(t *testing.T) {
	p, _ := newTestPiece(2)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	first := []byte("0123456789abcdef")
	second := []byte("fedcba9876543210")
	p.AddBlock(0, first, peer, false)
	if p.IsComplete() {
		t.Fatalf("piece should not be complete with one of two blocks")
	}
	p.AddBlock(1, second, peer, false)
	if !p.IsComplete() {
		t.Fatalf("piece should be complete once all blocks received")
	}

	got := p.Assemble()
	want := append(append([]byte{}, first...), second...)
	if string(got) != string(want) {
		t.Fatalf("Assemble() = %q, want %q", got, want)
	}
}

func TestActivePieceCancelRequestOnlyOwner(t *testing.T) {
	p, _ := newTestPiece(1)
	peerA := netip.MustParseAddrPort("1.2.3.4:6881")
	peerB := netip.MustParseAddrPort("5.6.7.8:6881")

	p.AddRequest(0, peerA, time.Now(), false)
	p.CancelRequest(0, peerB)
	if p.RequestedCount() != 1 {
		t.Fatalf("CancelRequest by a non-owner must not remove the request")
	}

	p.CancelRequest(0, peerA)
	if p.RequestedCount() != 0 {
		t.Fatalf("CancelRequest by the owner must remove the request")
	}
}

func TestActivePieceFreePeerReturnsFreedBlocks(t *testing.T) {
	p, _ := newTestPiece(4)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	other := netip.MustParseAddrPort("5.6.7.8:6881")

	p.AddRequest(0, peer, time.Now(), false)
	p.AddRequest(1, peer, time.Now(), false)
	p.AddRequest(2, other, time.Now(), false)

	freed := p.FreePeer(peer)
	if len(freed) != 2 {
		t.Fatalf("FreePeer should free 2 blocks, got %d", len(freed))
	}
	if p.RequestedCount() != 1 {
		t.Fatalf("other peer's request must survive FreePeer")
	}
}

func TestActivePieceGetNeededBlocksSkipsReceivedAndRequested(t *testing.T) {
	p, _ := newTestPiece(4)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	p.AddBlock(0, make([]byte, BlockLength), peer, false)
	p.AddRequest(1, peer, time.Now(), false)

	needed := p.GetNeededBlocks(10)
	if len(needed) != 2 || needed[0] != 2 || needed[1] != 3 {
		t.Fatalf("GetNeededBlocks() = %v, want [2 3]", needed)
	}
}

func TestActivePieceEndgameOwnersExcept(t *testing.T) {
	p, _ := newTestPiece(1)
	peerA := netip.MustParseAddrPort("1.2.3.4:6881")
	peerB := netip.MustParseAddrPort("5.6.7.8:6881")

	p.AddRequest(0, peerA, time.Now(), true)
	p.AddRequest(0, peerB, time.Now(), true)

	losers := p.EndgameOwnersExcept(0, peerA)
	if len(losers) != 1 || losers[0] != peerB {
		t.Fatalf("EndgameOwnersExcept(peerA) = %v, want [peerB]", losers)
	}
}

func TestActivePieceGetStaleRequests(t *testing.T) {
	p, _ := newTestPiece(2)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	old := time.Now().Add(-time.Minute)
	p.AddRequest(0, peer, old, false)
	p.AddRequest(1, peer, time.Now(), false)

	stale := p.GetStaleRequests(time.Now(), 10*time.Second)
	if len(stale) != 1 || stale[0].BlockIndex != 0 {
		t.Fatalf("GetStaleRequests() = %v, want block 0 only", stale)
	}
}

func TestActivePieceShouldAbandon(t *testing.T) {
	p, _ := newTestPiece(4)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	p.AddBlock(0, make([]byte, BlockLength), peer, false)
	p.lastActivity = time.Now().Add(-time.Minute)

	if !p.ShouldAbandon(time.Now(), 30*time.Second, 0.5) {
		t.Fatalf("piece stalled with 25%% progress under a 50%% threshold should be abandoned")
	}

	p.AddBlock(1, make([]byte, BlockLength), peer, false)
	p.AddBlock(2, make([]byte, BlockLength), peer, false)
	p.lastActivity = time.Now().Add(-time.Minute)
	if p.ShouldAbandon(time.Now(), 30*time.Second, 0.5) {
		t.Fatalf("piece at 75%% progress must not be abandoned even if stalled")
	}
}

func TestActivePieceExclusiveClaim(t *testing.T) {
	p, _ := newTestPiece(2)
	fast := netip.MustParseAddrPort("1.2.3.4:6881")
	slow := netip.MustParseAddrPort("5.6.7.8:6881")

	if !p.CanRequestFrom(slow, false) {
		t.Fatalf("with no exclusive claim, any peer may request")
	}

	p.ClaimExclusive(fast)
	if !p.CanRequestFrom(fast, false) {
		t.Fatalf("claimant must always be allowed")
	}
	if p.CanRequestFrom(slow, false) {
		t.Fatalf("non-claimant slow peer must be blocked")
	}
	if !p.CanRequestFrom(slow, true) {
		t.Fatalf("a fast peer should be allowed even without the claim")
	}

	p.FreePeer(fast)
	if _, ok := p.ExclusivePeer(); ok {
		t.Fatalf("FreePeer for the claimant must clear the exclusive claim")
	}
}

func TestActivePieceContributorsIncludeDuplicateSubmitters(t *testing.T) {
	p, _ := newTestPiece(1)
	first := netip.MustParseAddrPort("1.2.3.4:6881")
	dup := netip.MustParseAddrPort("5.6.7.8:6881")

	p.AddBlock(0, make([]byte, BlockLength), first, false)
	p.AddBlock(0, make([]byte, BlockLength), dup, false)

	contributors := p.GetContributingPeers()
	if len(contributors) != 2 {
		t.Fatalf("contributors should include both the receiver and the duplicate submitter, got %v", contributors)
	}
}
