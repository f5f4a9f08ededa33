package piece

import (
	"net/netip"
	"testing"
	"time"
)

func newTestManager() *Manager {
	pool := NewBufferPool(BlockLength, 16)
	return NewManager(4, 256, 256<<20, pool)
}

func TestManagerGetOrCreateEntersPartial(t *testing.T) {
	m := newTestManager()
	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)

	if p == nil {
		t.Fatalf("GetOrCreate returned nil for the first piece of an empty manager")
	}
	if m.PartialCount() != 1 {
		t.Fatalf("new piece should enter Partial")
	}
	if got, state, ok := m.Get(0); !ok || state != StatePartial || got != p {
		t.Fatalf("Get(0) = %v, %v, %v; want same piece, StatePartial, true", got, state, ok)
	}
}

func TestManagerGetOrCreateIsIdempotent(t *testing.T) {
	m := newTestManager()
	p1 := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	p2 := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	if p1 != p2 {
		t.Fatalf("GetOrCreate for an existing index must return the same piece")
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
}

func TestManagerStateTransitions(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)

	for i := 0; i < 4; i++ {
		p.AddRequest(i, peer, time.Now(), false)
	}
	m.PromoteToFullyRequested(0)
	if _, state, _ := m.Get(0); state != StateFullyRequested {
		t.Fatalf("piece with no unrequested blocks should promote to FullyRequested")
	}

	m.DemoteToPartial(0)
	if _, state, _ := m.Get(0); state != StatePartial {
		t.Fatalf("DemoteToPartial should move the piece back to Partial")
	}

	for i := 0; i < 4; i++ {
		p.AddBlock(i, make([]byte, BlockLength), peer, false)
	}
	m.PromoteToFullyResponded(0)
	if _, state, _ := m.Get(0); state != StateFullyResponded {
		t.Fatalf("fully-received piece should promote to FullyResponded")
	}

	m.RemoveFullyResponded(0)
	if _, _, ok := m.Get(0); ok {
		t.Fatalf("RemoveFullyResponded should remove the piece entirely")
	}
	if m.BufferedBytes() != 0 {
		t.Fatalf("BufferedBytes() = %d, want 0 after removal", m.BufferedBytes())
	}
}

func TestManagerExactlyOneBucketHoldsAPiece(t *testing.T) {
	m := newTestManager()
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	for i := 0; i < 4; i++ {
		p.AddRequest(i, peer, time.Now(), false)
	}
	m.PromoteToFullyRequested(0)

	count := 0
	if _, ok := m.partial[0]; ok {
		count++
	}
	if _, ok := m.fullyRequested[0]; ok {
		count++
	}
	if _, ok := m.fullyResponded[0]; ok {
		count++
	}
	if count != 1 {
		t.Fatalf("piece 0 should live in exactly one bucket, found in %d", count)
	}
}

func TestManagerMaxPartials(t *testing.T) {
	m := newTestManager() // blocksPerPiece = 4 -> byBlocks cap = 512
	if got := m.MaxPartials(10); got != 15 {
		t.Fatalf("MaxPartials(10) = %d, want 15 (floor(10*1.5))", got)
	}
	if got := m.MaxPartials(0); got != 1 {
		t.Fatalf("MaxPartials(0) = %d, want 1 (floor at 1)", got)
	}
}

func TestManagerShouldPrioritizePartials(t *testing.T) {
	m := NewManager(4, 256, 256<<20, NewBufferPool(BlockLength, 16)) // byBlocks cap = 512
	for i := 0; i < 3; i++ {
		m.GetOrCreate(i, 4*BlockLength, 4, time.Now(), 30*time.Second)
	}
	// MaxPartials(1) = max(1, min(1, 512)) = 1; 3 partials > 1.
	if !m.ShouldPrioritizePartials(1) {
		t.Fatalf("3 partials against a 1-peer cap of 1 should prioritize partials")
	}
	if m.ShouldPrioritizePartials(10) {
		t.Fatalf("3 partials against a 10-peer cap of 15 should not prioritize partials")
	}
}

func TestManagerClearRequestsForPeerDemotesFullyRequested(t *testing.T) {
	m := newTestManager()
	peerA := netip.MustParseAddrPort("1.2.3.4:6881")
	peerB := netip.MustParseAddrPort("5.6.7.8:6881")

	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	p.AddRequest(0, peerA, time.Now(), false)
	p.AddRequest(1, peerB, time.Now(), false)
	p.AddRequest(2, peerA, time.Now(), false)
	p.AddRequest(3, peerB, time.Now(), false)
	m.PromoteToFullyRequested(0)

	event := m.ClearRequestsForPeer(peerA)
	if event.Counts[peerA] != 2 {
		t.Fatalf("expected 2 requests cleared for peerA, got %d", event.Counts[peerA])
	}
	if _, state, _ := m.Get(0); state != StatePartial {
		t.Fatalf("FullyRequested piece that gains unrequested blocks must demote to Partial")
	}

	for _, r := range p.requests {
		if r.peer == peerA {
			t.Fatalf("no request should remain for peerA after ClearRequestsForPeer")
		}
	}
}

func TestManagerRarestFirstPartialsOrdering(t *testing.T) {
	m := newTestManager()
	m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second) // rare, high priority
	m.GetOrCreate(1, 4*BlockLength, 4, time.Now(), 30*time.Second) // common
	m.GetOrCreate(2, 4*BlockLength, 4, time.Now(), 30*time.Second) // priority 0, skipped to the end

	avail := map[int]int{0: 1, 1: 5, 2: 1}
	prio := map[int]int{0: 7, 1: 7, 2: 0}

	ranked := m.RarestFirstPartials(
		func(i int) (int, int) { return avail[i], 0 },
		func(i int) int { return prio[i] },
	)

	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked partials, got %d", len(ranked))
	}
	if ranked[0].Index != 0 {
		t.Fatalf("rarest high-priority piece should sort first, got index %d", ranked[0].Index)
	}
	if ranked[2].Index != 2 {
		t.Fatalf("zero-priority piece must sort last, got index %d at tail", ranked[2].Index)
	}
}

func TestManagerGetOrCreateEnforcesMaxBufferedBytes(t *testing.T) {
	m := NewManager(4, 256, 4*BlockLength, NewBufferPool(BlockLength, 16)) // room for exactly one piece

	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	if p == nil {
		t.Fatalf("first piece should fit within maxBuffered")
	}
	if got := m.BufferedBytes(); got != 4*BlockLength {
		t.Fatalf("BufferedBytes() = %d, want %d", got, 4*BlockLength)
	}

	if p2 := m.GetOrCreate(1, 4*BlockLength, 4, time.Now(), 30*time.Second); p2 != nil {
		t.Fatalf("GetOrCreate should return nil once maxBuffered would be exceeded, got %v", p2)
	}
	if m.Count() != 1 {
		t.Fatalf("rejected piece must not be admitted, Count() = %d", m.Count())
	}
}

func TestManagerGetOrCreateAdmitsAfterBufferedBytesFreed(t *testing.T) {
	m := NewManager(4, 256, 4*BlockLength, NewBufferPool(BlockLength, 16))
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now(), 30*time.Second)
	for i := 0; i < 4; i++ {
		p.AddBlock(i, make([]byte, BlockLength), peer, false)
	}
	m.PromoteToFullyResponded(0)
	m.RemoveFullyResponded(0)

	if p2 := m.GetOrCreate(1, 4*BlockLength, 4, time.Now(), 30*time.Second); p2 == nil {
		t.Fatalf("GetOrCreate should admit once the prior piece's bytes are released")
	}
}

func TestManagerCleanupStaleNeverEvictsFullyReceivedPiece(t *testing.T) {
	m := NewManager(4, 1, 256<<20, NewBufferPool(BlockLength, 16)) // maxActive=1 forces cleanup on the next GetOrCreate
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	p := m.GetOrCreate(0, 4*BlockLength, 4, time.Now().Add(-time.Hour), 30*time.Second)
	for i := 0; i < 4; i++ {
		p.AddBlock(i, make([]byte, BlockLength), peer, false)
	}
	p.lastActivity = time.Now().Add(-time.Hour)

	// Forces cleanupStale to run since Count() == maxActive already.
	m.GetOrCreate(1, 4*BlockLength, 4, time.Now(), 30*time.Second)

	if _, _, ok := m.Get(0); !ok {
		t.Fatalf("a piece with all blocks received must never be evicted by cleanupStale")
	}
}
