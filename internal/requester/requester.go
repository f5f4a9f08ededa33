// Package requester implements PieceRequester (spec.md §4.8): the
// per-peer pipeline-filling algorithm. Torrent runs it for every peer on
// each request tick and for one peer right after a block from it
// arrives; an unchoke, a new HAVE or freed bandwidth does not start a
// fill of its own and is picked up on the next tick.
//
// Grounded on internal/scheduler/scheduler.go's PieceScheduler —
// specifically findWorkForIdlePeers's "choked+under-cap candidates,
// then fill each one's queue" shape — generalized from the teacher's
// single flat block-picking loop into the two-phase
// partials-then-new-pieces algorithm spec.md §4.8 names, wired against
// this module's own ActivePieceManager/PieceAvailability/EndgameManager
// rather than the teacher's single PieceScheduler god-object.
package requester

import (
	"time"

	"github.com/finchwire/torrentengine/internal/availability"
	"github.com/finchwire/torrentengine/internal/bandwidth"
	"github.com/finchwire/torrentengine/internal/endgame"
	"github.com/finchwire/torrentengine/internal/piece"
)

// BlockRequest is one outgoing REQUEST to flush via a single transport
// call.
type BlockRequest struct {
	Peer   piece.PeerKey
	Index  int
	Begin  int
	Length int
}

// PeerState is the live per-peer context PieceRequester needs, supplied
// by the caller (Torrent) each tick.
type PeerState struct {
	Key            piece.PeerKey
	NetworkPaused  bool
	Killed         bool
	PeerChoking    bool
	HasMetadata    bool
	PipelineDepth  int // peer's own advertised/observed pipeline depth
	Pending        int // requests currently outstanding to this peer
	IsFast         bool
	IsSeed         bool
	RateLimitBps   int64 // 0 = unlimited
	FirstNeeded    int   // first piece index this seed-style peer might have that we need, for linear scan
	HasPiece       func(pieceIndex int) bool
	NeedPiece      func(pieceIndex int) bool // false once we've completed and verified the piece
}

// Config bounds the requester's behavior (spec.md §4.8).
type Config struct {
	MaxPipelineDepth int
	BlockLength      int
}

// Requester fills per-peer request pipelines each tick.
type Requester struct {
	cfg       Config
	pieces    *piece.Manager
	avail     *availability.Availability
	endgameM  *endgame.Manager
	buckets   *bandwidth.TokenBucket
	priority  piece.PriorityLookup
	pieceLen  func(index int) int
}

// New constructs a Requester. priority and pieceLen are callbacks into
// torrent-level piece metadata this package has no other way to reach.
func New(cfg Config, pieces *piece.Manager, avail *availability.Availability, endgameM *endgame.Manager, buckets *bandwidth.TokenBucket, priority piece.PriorityLookup, pieceLen func(index int) int) *Requester {
	return &Requester{cfg: cfg, pieces: pieces, avail: avail, endgameM: endgameM, buckets: buckets, priority: priority, pieceLen: pieceLen}
}

// Fill runs the full per-peer algorithm and returns the batch of
// requests to flush via one transport call.
func (r *Requester) Fill(peer PeerState, totalPeers int, now time.Time) []BlockRequest {
	if peer.NetworkPaused || peer.Killed || peer.PeerChoking || !peer.HasMetadata {
		return nil
	}

	pipelineLimit := peer.PipelineDepth
	if pipelineLimit > r.cfg.MaxPipelineDepth {
		pipelineLimit = r.cfg.MaxPipelineDepth
	}
	if peer.RateLimitBps > 0 {
		limit := int(peer.RateLimitBps) / r.cfg.BlockLength
		if limit < 1 {
			limit = 1
		}
		if pipelineLimit > limit {
			pipelineLimit = limit
		}
	}

	want := pipelineLimit - peer.Pending
	if want <= 0 {
		return nil
	}

	var batch []BlockRequest

	// Phase 1: existing partials, rarest-first.
	ranked := r.pieces.RarestFirstPartials(
		func(idx int) (int, int) { return r.avail.GetAvailability(idx), r.avail.SeedCount() },
		r.priority,
	)
	for _, rp := range ranked {
		if want <= 0 {
			break
		}
		if !peer.HasPiece(rp.Index) {
			continue
		}
		if !rp.Piece.CanRequestFrom(peer.Key, peer.IsFast) {
			continue
		}

		var blocks []int
		if r.endgameM.Active() {
			blocks = rp.Piece.GetNeededBlocksEndgame(peer.Key, want)
		} else {
			blocks = rp.Piece.GetNeededBlocks(want)
		}

		for _, b := range blocks {
			if r.buckets != nil && !r.buckets.TryConsume(int64(r.cfg.BlockLength)) {
				break
			}
			begin, length, err := piece.BlockBounds(rp.Piece.Length, r.cfg.BlockLength, b)
			if err != nil {
				continue
			}
			rp.Piece.AddRequest(b, peer.Key, now, r.endgameM.Active())
			batch = append(batch, BlockRequest{Peer: peer.Key, Index: rp.Index, Begin: begin, Length: length})
			want--
		}

		if !rp.Piece.HasUnrequestedBlocks() {
			r.pieces.PromoteToFullyRequested(rp.Index)
		}
		if want <= 0 {
			break
		}
	}

	// Phase 2: activate new pieces, unless partials are prioritized to
	// curb fragmentation.
	if want > 0 && !r.pieces.ShouldPrioritizePartials(totalPeers) {
		candidates := r.candidatePieces(peer)
		for _, idx := range candidates {
			if want <= 0 {
				break
			}
			length := r.pieceLen(idx)
			blocksNeeded := piece.BlockCount(length, r.cfg.BlockLength)
			ap := r.pieces.GetOrCreate(idx, length, blocksNeeded, now, 0)
			if ap == nil {
				continue
			}
			if peer.IsFast {
				ap.ClaimExclusive(peer.Key)
			}

			blocks := ap.GetNeededBlocks(want)
			for _, b := range blocks {
				if r.buckets != nil && !r.buckets.TryConsume(int64(r.cfg.BlockLength)) {
					break
				}
				begin, blen, err := piece.BlockBounds(length, r.cfg.BlockLength, b)
				if err != nil {
					continue
				}
				ap.AddRequest(b, peer.Key, now, r.endgameM.Active())
				batch = append(batch, BlockRequest{Peer: peer.Key, Index: idx, Begin: begin, Length: blen})
				want--
			}
			if !ap.HasUnrequestedBlocks() {
				r.pieces.PromoteToFullyRequested(idx)
			}
		}
	}

	return batch
}

// candidatePieces returns candidate piece indices sorted by the same
// libtorrent key as RarestFirstPartials: the per-peer index for
// non-seeds (bounded to pieces the peer has), or a linear scan from
// FirstNeeded for seeds.
func (r *Requester) candidatePieces(peer PeerState) []int {
	var raw []int
	if peer.IsSeed {
		// Seeds advertise every piece, including ones we've already
		// completed, so the scan must walk past held-and-done pieces
		// rather than stop at the first one — otherwise a torrent
		// that's mostly done against an all-seed swarm never reaches
		// its remaining needed pieces.
		scanned := 0
		for i := peer.FirstNeeded; scanned < 4096 && len(raw) < 256; i++ {
			if !peer.HasPiece(i) {
				break
			}
			scanned++
			if peer.NeedPiece != nil && !peer.NeedPiece(i) {
				continue
			}
			raw = append(raw, i)
		}
	} else {
		raw = r.avail.PeerPieces(peer.Key)
	}

	type scored struct {
		idx int
		key float64
	}
	scoredList := make([]scored, 0, len(raw))
	for _, idx := range raw {
		if _, _, already := r.pieces.Get(idx); already {
			continue
		}
		if peer.NeedPiece != nil && !peer.NeedPiece(idx) {
			continue
		}
		prio := r.priority(idx)
		if prio == 0 {
			scoredList = append(scoredList, scored{idx: idx, key: 1e18})
			continue
		}
		avail, seeds := r.avail.GetAvailability(idx), r.avail.SeedCount()
		key := float64(avail+seeds) * float64(8-prio) * 3
		scoredList = append(scoredList, scored{idx: idx, key: key})
	}

	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && scoredList[j].key < scoredList[j-1].key; j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}

	out := make([]int, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.idx
	}
	return out
}
