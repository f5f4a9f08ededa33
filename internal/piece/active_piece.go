package piece

import (
	"net/netip"
	"time"

	"github.com/anacrolix/generics"
)

// PeerKey identifies a peer by its canonical dialable address, the
// same address-keyed identity Swarm uses (spec.md §3's SwarmPeer is
// keyed the same way) — request/cancel bookkeeping here happens before
// a peer's 20-byte peerId is necessarily known (pre-handshake), so the
// address is the only identity guaranteed to exist.
type PeerKey = netip.AddrPort

type requestEntry struct {
	peer        PeerKey
	requestedAt time.Time
}

// ActivePiece is the per-in-progress-piece block ledger of spec.md
// §4.1: received bytes, outstanding requests (single-owner in normal
// mode, multi-owner once endgame claims the piece), contributor
// attribution for corruption suspicion scoring, and an optional
// speed-affinity claim.
//
// Grounded on pkg/piece/piece.go's pieceState/block/ownerMeta trio,
// restructured from the teacher's array-of-block-pointers-with-owner-maps
// into three parallel maps (received, requests, endgameRequests) that
// mirror spec.md §4.1's data model field-for-field, so invariant (a)
// received ∩ requests = ∅ is a structural property instead of a
// runtime-checked one.
type ActivePiece struct {
	Index        int
	Length       int
	BlocksNeeded int

	received        map[int][]byte
	requests        map[int]requestEntry
	endgameRequests map[int]map[PeerKey]struct{}
	contributors    map[PeerKey]struct{}
	exclusivePeer   generics.Option[PeerKey]
	lastActivity    time.Time

	pool *BufferPool
}

// NewActivePiece creates the ledger for a piece of the given length
// and block count, backed by pool for received-block storage.
func NewActivePiece(index, length, blocksNeeded int, pool *BufferPool) *ActivePiece {
	return &ActivePiece{
		Index:           index,
		Length:          length,
		BlocksNeeded:    blocksNeeded,
		received:        make(map[int][]byte),
		requests:        make(map[int]requestEntry),
		endgameRequests: make(map[int]map[PeerKey]struct{}),
		contributors:    make(map[PeerKey]struct{}),
		lastActivity:    time.Now(),
		pool:            pool,
	}
}

// ReceivedCount returns |received|.
func (p *ActivePiece) ReceivedCount() int { return len(p.received) }

// RequestedCount returns |requests| (normal-mode single-owner requests
// only; does not include endgame duplicate owners).
func (p *ActivePiece) RequestedCount() int { return len(p.requests) }

// IsComplete reports whether every block has been received.
func (p *ActivePiece) IsComplete() bool { return len(p.received) == p.BlocksNeeded }

// LastActivity returns the time of the most recent addBlock/addRequest.
func (p *ActivePiece) LastActivity() time.Time { return p.lastActivity }

// SetExclusivePeer records a speed-affinity claim by a fast peer.
func (p *ActivePiece) SetExclusivePeer(peer PeerKey) { p.exclusivePeer = generics.Some(peer) }

// ExclusivePeer returns the current speed-affinity claimant, if any.
func (p *ActivePiece) ExclusivePeer() (PeerKey, bool) {
	return p.exclusivePeer.Value, p.exclusivePeer.Ok
}

// ClearExclusivePeer drops any speed-affinity claim.
func (p *ActivePiece) ClearExclusivePeer() { p.exclusivePeer = generics.None[PeerKey]() }

// AddBlock records bytes for blockIndex from peer. A block already
// received is rejected (returns false) in both normal and endgame mode;
// its sender is still recorded as a contributor (for corruption
// attribution) and the received bytes are left unchanged.
func (p *ActivePiece) AddBlock(blockIndex int, bytes []byte, peer PeerKey, endgame bool) (accepted bool) {
	p.lastActivity = time.Now()
	p.contributors[peer] = struct{}{}

	if _, already := p.received[blockIndex]; already {
		// Duplicate: contributor is still recorded above (for corruption
		// attribution) but the block's bytes and downstream effects
		// (endgame CANCEL derivation) only fire on first receipt.
		return false
	}

	buf := p.pool.AcquireSized(len(bytes))
	copy(buf, bytes)
	p.received[blockIndex] = buf
	delete(p.requests, blockIndex)
	delete(p.endgameRequests, blockIndex)
	return true
}

// AddRequest records an outstanding request for blockIndex by peer at
// now. In endgame mode a block may carry multiple simultaneous owners.
func (p *ActivePiece) AddRequest(blockIndex int, peer PeerKey, now time.Time, endgame bool) {
	p.lastActivity = now
	if endgame {
		owners, ok := p.endgameRequests[blockIndex]
		if !ok {
			owners = make(map[PeerKey]struct{})
			p.endgameRequests[blockIndex] = owners
		}
		owners[peer] = struct{}{}
		return
	}
	p.requests[blockIndex] = requestEntry{peer: peer, requestedAt: now}
}

// CancelRequest removes peer's request for blockIndex, iff it belongs
// to that peer. Works in both normal and endgame bookkeeping.
func (p *ActivePiece) CancelRequest(blockIndex int, peer PeerKey) {
	if r, ok := p.requests[blockIndex]; ok && r.peer == peer {
		delete(p.requests, blockIndex)
	}
	if owners, ok := p.endgameRequests[blockIndex]; ok {
		delete(owners, peer)
		if len(owners) == 0 {
			delete(p.endgameRequests, blockIndex)
		}
	}
}

// FreePeer removes every request owned by peer (disconnect/timeout),
// returning the block indices that were freed so the caller can demote
// the owning ActivePieceManager bucket if needed.
func (p *ActivePiece) FreePeer(peer PeerKey) []int {
	var freed []int
	for idx, r := range p.requests {
		if r.peer == peer {
			delete(p.requests, idx)
			freed = append(freed, idx)
		}
	}
	for idx, owners := range p.endgameRequests {
		if _, ok := owners[peer]; ok {
			delete(owners, peer)
			if len(owners) == 0 {
				delete(p.endgameRequests, idx)
			}
		}
	}
	if ex, ok := p.ExclusivePeer(); ok && ex == peer {
		p.ClearExclusivePeer()
	}
	return freed
}

// HasUnrequestedBlocks reports whether any block is neither received
// nor (in normal mode) requested.
func (p *ActivePiece) HasUnrequestedBlocks() bool {
	for i := 0; i < p.BlocksNeeded; i++ {
		if _, got := p.received[i]; got {
			continue
		}
		if _, reqd := p.requests[i]; !reqd {
			return true
		}
	}
	return false
}

// AnyUnrequestedBlocksEndgame reports whether any missing block has no
// outstanding endgame request at all.
func (p *ActivePiece) AnyUnrequestedBlocksEndgame() bool {
	for i := 0; i < p.BlocksNeeded; i++ {
		if _, got := p.received[i]; got {
			continue
		}
		if owners := p.endgameRequests[i]; len(owners) == 0 {
			return true
		}
	}
	return false
}

// GetNeededBlocks returns up to limit block indices, in ascending
// order, that are neither received nor requested.
func (p *ActivePiece) GetNeededBlocks(limit int) []int {
	var out []int
	for i := 0; i < p.BlocksNeeded && len(out) < limit; i++ {
		if _, got := p.received[i]; got {
			continue
		}
		if _, reqd := p.requests[i]; reqd {
			continue
		}
		out = append(out, i)
	}
	return out
}

// GetNeededBlocksEndgame returns up to limit block indices that peer
// has not already been assigned and that are not yet received.
func (p *ActivePiece) GetNeededBlocksEndgame(peer PeerKey, limit int) []int {
	var out []int
	for i := 0; i < p.BlocksNeeded && len(out) < limit; i++ {
		if _, got := p.received[i]; got {
			continue
		}
		if owners, ok := p.endgameRequests[i]; ok {
			if _, has := owners[peer]; has {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

// StaleRequest is one (blockIndex, peer) pair whose request has aged
// past a timeout.
type StaleRequest struct {
	BlockIndex int
	Peer       PeerKey
}

// GetStaleRequests returns every normal-mode request whose requestedAt
// is older than now−timeout.
func (p *ActivePiece) GetStaleRequests(now time.Time, timeout time.Duration) []StaleRequest {
	var out []StaleRequest
	cutoff := now.Add(-timeout)
	for idx, r := range p.requests {
		if r.requestedAt.Before(cutoff) {
			out = append(out, StaleRequest{BlockIndex: idx, Peer: r.peer})
		}
	}
	return out
}

// EndgameOwnersExcept returns the peers (other than except) currently
// holding an outstanding endgame request for blockIndex, for CANCEL
// derivation on duplicate completion.
func (p *ActivePiece) EndgameOwnersExcept(blockIndex int, except PeerKey) []PeerKey {
	owners, ok := p.endgameRequests[blockIndex]
	if !ok {
		return nil
	}
	out := make([]PeerKey, 0, len(owners))
	for peer := range owners {
		if peer != except {
			out = append(out, peer)
		}
	}
	return out
}

// Assemble returns the full piece bytes. Callers must only invoke this
// once IsComplete reports true.
func (p *ActivePiece) Assemble() []byte {
	out := make([]byte, 0, p.Length)
	for i := 0; i < p.BlocksNeeded; i++ {
		out = append(out, p.received[i]...)
	}
	return out
}

// Release returns this piece's received-block buffers to the pool.
// Call once the piece has been finalized (verified or discarded).
func (p *ActivePiece) Release() {
	for idx, buf := range p.received {
		p.pool.Release(buf)
		delete(p.received, idx)
	}
}

// ClearRequestsForPeer removes every request (normal and endgame) owned
// by peer, returning the number removed, and clears any exclusive claim
// held by peer.
func (p *ActivePiece) ClearRequestsForPeer(peer PeerKey) int {
	n := 0
	for idx, r := range p.requests {
		if r.peer == peer {
			delete(p.requests, idx)
			n++
		}
	}
	for idx, owners := range p.endgameRequests {
		if _, ok := owners[peer]; ok {
			delete(owners, peer)
			n++
			if len(owners) == 0 {
				delete(p.endgameRequests, idx)
			}
		}
	}
	if ex, ok := p.ExclusivePeer(); ok && ex == peer {
		p.ClearExclusivePeer()
	}
	return n
}

// ClaimExclusive grants peer a speed-affinity claim on this piece.
func (p *ActivePiece) ClaimExclusive(peer PeerKey) { p.SetExclusivePeer(peer) }

// CanRequestFrom reports whether peer may request blocks from this
// piece: always true with no exclusive claim; otherwise only the
// claimant, or any fast peer (configurable relaxation so a second fast
// peer isn't blocked behind the first).
func (p *ActivePiece) CanRequestFrom(peer PeerKey, isFast bool) bool {
	ex, ok := p.exclusivePeer.Value, p.exclusivePeer.Ok
	if !ok {
		return true
	}
	return ex == peer || isFast
}

// ShouldAbandon reports whether this piece has stalled: no activity for
// longer than timeout, and less than minProgress of its blocks received.
func (p *ActivePiece) ShouldAbandon(now time.Time, timeout time.Duration, minProgress float64) bool {
	if now.Sub(p.lastActivity) <= timeout {
		return false
	}
	progress := float64(len(p.received)) / float64(p.BlocksNeeded)
	return progress < minProgress
}

// GetContributingPeers returns every peer whose bytes entered received,
// plus any peer that submitted a duplicate block (for corruption
// attribution, spec.md §3's contributors field).
func (p *ActivePiece) GetContributingPeers() []PeerKey {
	out := make([]PeerKey, 0, len(p.contributors))
	for peer := range p.contributors {
		out = append(out, peer)
	}
	return out
}
