package piece

import (
	"sort"
	"time"
)

// State enumerates which of ActivePieceManager's three disjoint
// buckets a piece currently lives in (spec.md §4.2).
type State uint8

const (
	StatePartial State = iota
	StateFullyRequested
	StateFullyResponded
)

// AvailabilityLookup supplies a piece's current rarity for the
// rarest-first sort key; ActivePieceManager does not own availability
// counts itself (PieceAvailability does, per spec.md §4.3).
type AvailabilityLookup func(pieceIndex int) (availability, seedCount int)

// PriorityLookup supplies a piece's user/file-selection priority
// (0 = skip) for the rarest-first sort key.
type PriorityLookup func(pieceIndex int) int

// Manager is the ActivePieceManager of spec.md §4.2: a three-state
// index over in-progress pieces, with capacity gating, rarest-first
// candidate ordering, and bulk per-peer request clearing.
//
// Grounded on pkg/piece/picker.go's Picker (which folds equivalent
// state into per-piece blockState enums plus ad-hoc maps); this module
// separates the three states into explicit maps as spec.md §4.2
// requires ("exactly one map contains any given active piece").
type Manager struct {
	blocksPerPiece int
	maxActive      int
	maxBuffered    int64
	bufferedBytes  int64

	partial        map[int]*ActivePiece
	fullyRequested map[int]*ActivePiece
	fullyResponded map[int]*ActivePiece

	pool *BufferPool
}

// NewManager returns an empty manager for pieces built from blocksPerPiece
// blocks apiece, bounded by maxActive pieces and maxBuffered bytes.
func NewManager(blocksPerPiece, maxActive int, maxBuffered int64, pool *BufferPool) *Manager {
	return &Manager{
		blocksPerPiece: blocksPerPiece,
		maxActive:      maxActive,
		maxBuffered:    maxBuffered,
		partial:        make(map[int]*ActivePiece),
		fullyRequested: make(map[int]*ActivePiece),
		fullyResponded: make(map[int]*ActivePiece),
		pool:           pool,
	}
}

// Count returns the total number of active pieces across all three states.
func (m *Manager) Count() int {
	return len(m.partial) + len(m.fullyRequested) + len(m.fullyResponded)
}

// Get returns the active piece at index and its state, if any.
func (m *Manager) Get(index int) (*ActivePiece, State, bool) {
	if p, ok := m.partial[index]; ok {
		return p, StatePartial, true
	}
	if p, ok := m.fullyRequested[index]; ok {
		return p, StateFullyRequested, true
	}
	if p, ok := m.fullyResponded[index]; ok {
		return p, StateFullyResponded, true
	}
	return nil, 0, false
}

// GetOrCreate returns the active piece at index, creating it (entering
// Partial) if it does not yet exist. now is used by cleanupStale when
// capacity must be freed first. Returns nil if index would exceed
// either maxActive or maxBuffered even after evicting stale partials —
// the caller must treat this as "no room this tick" and retry later.
func (m *Manager) GetOrCreate(index, length, blocksNeeded int, now time.Time, requestTimeout time.Duration) *ActivePiece {
	if p, _, ok := m.Get(index); ok {
		return p
	}
	if m.overCapacity(length) {
		m.cleanupStale(now, 2*requestTimeout)
	}
	if m.overCapacity(length) {
		return nil
	}
	p := NewActivePiece(index, length, blocksNeeded, m.pool)
	m.partial[index] = p
	m.bufferedBytes += int64(length)
	return p
}

// overCapacity reports whether admitting a piece of length bytes would
// exceed maxActive pieces or maxBuffered bytes (spec.md §4.2, §6).
func (m *Manager) overCapacity(length int) bool {
	if m.Count() >= m.maxActive {
		return true
	}
	return m.maxBuffered > 0 && m.bufferedBytes+int64(length) > m.maxBuffered
}

// cleanupStale evicts any Partial piece that has not progressed for
// longer than staleAfter and either has zero blocks received or zero
// outstanding requests, never evicting a piece with all blocks received.
func (m *Manager) cleanupStale(now time.Time, staleAfter time.Duration) {
	for idx, p := range m.partial {
		if p.IsComplete() {
			continue
		}
		if now.Sub(p.LastActivity()) <= staleAfter {
			continue
		}
		if p.ReceivedCount() == 0 || p.RequestedCount() == 0 {
			m.evict(idx, p)
		}
	}
}

func (m *Manager) evict(idx int, p *ActivePiece) {
	delete(m.partial, idx)
	delete(m.fullyRequested, idx)
	delete(m.fullyResponded, idx)
	m.bufferedBytes -= int64(p.Length)
	p.Release()
}

// PromoteToFullyRequested moves a Partial piece to FullyRequested once
// it has no unrequested blocks left.
func (m *Manager) PromoteToFullyRequested(index int) {
	p, ok := m.partial[index]
	if !ok || p.HasUnrequestedBlocks() {
		return
	}
	delete(m.partial, index)
	m.fullyRequested[index] = p
}

// DemoteToPartial moves a FullyRequested piece back to Partial, e.g.
// after a peer disconnect/timeout frees blocks.
func (m *Manager) DemoteToPartial(index int) {
	p, ok := m.fullyRequested[index]
	if !ok {
		return
	}
	delete(m.fullyRequested, index)
	m.partial[index] = p
}

// PromoteToFullyResponded moves a piece (from either Partial or
// FullyRequested) to FullyResponded once every block has been received.
func (m *Manager) PromoteToFullyResponded(index int) {
	p, ok := m.partial[index]
	if !ok {
		p, ok = m.fullyRequested[index]
	}
	if !ok || !p.IsComplete() {
		return
	}
	delete(m.partial, index)
	delete(m.fullyRequested, index)
	m.fullyResponded[index] = p
}

// RemoveFullyResponded removes a piece after verification (success or
// hash-mismatch discard) and releases its buffers back to the pool.
func (m *Manager) RemoveFullyResponded(index int) {
	p, ok := m.fullyResponded[index]
	if !ok {
		return
	}
	delete(m.fullyResponded, index)
	m.bufferedBytes -= int64(p.Length)
	p.Release()
}

// MaxPartials computes the fragmentation-limiting partial cap for the
// given connected-peer count (spec.md §4.2).
func (m *Manager) MaxPartials(peers int) int {
	byPeers := int(float64(peers) * 1.5)
	byBlocks := 2048 / m.blocksPerPiece
	limit := byPeers
	if byBlocks < limit {
		limit = byBlocks
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// ShouldPrioritizePartials reports whether the partial count exceeds
// MaxPartials(peers), in which case the requester must not activate new
// pieces.
func (m *Manager) ShouldPrioritizePartials(peers int) bool {
	return len(m.partial) > m.MaxPartials(peers)
}

// RequestsClearedEvent carries, for each peer whose requests were bulk
// cancelled, the number of requests removed (spec.md §4.2).
type RequestsClearedEvent struct {
	Counts map[PeerKey]int
}

// ClearRequestsForPeer iterates Partial and FullyRequested pieces,
// removing every request owned by peer and demoting any FullyRequested
// piece that gains unrequested blocks as a result. Returns the bulk
// requestsCleared event for the caller to fan out pipeline-counter
// decrements and re-triggered requests.
func (m *Manager) ClearRequestsForPeer(peer PeerKey) RequestsClearedEvent {
	counts := make(map[PeerKey]int)

	for _, p := range m.partial {
		if n := p.ClearRequestsForPeer(peer); n > 0 {
			counts[peer] += n
		}
	}
	for idx, p := range m.fullyRequested {
		n := p.ClearRequestsForPeer(peer)
		if n == 0 {
			continue
		}
		counts[peer] += n
		if p.HasUnrequestedBlocks() {
			m.DemoteToPartial(idx)
		}
	}

	return RequestsClearedEvent{Counts: counts}
}

// RankedPartial is one Partial piece with its precomputed sort key,
// for the rarest-first candidate ordering.
type RankedPartial struct {
	Index      int
	Piece      *ActivePiece
	completion float64
}

// RarestFirstPartials returns every Partial piece ordered by spec.md
// §4.2's libtorrent-style key: zero-priority pieces sort last (tied by
// index); otherwise by (availability+seedCount)×(8−priority)×3
// ascending, then by higher completion ratio, then by lower index.
func (m *Manager) RarestFirstPartials(avail AvailabilityLookup, prio PriorityLookup) []RankedPartial {
	out := make([]RankedPartial, 0, len(m.partial))
	for idx, p := range m.partial {
		completion := float64(p.ReceivedCount()) / float64(p.BlocksNeeded)
		out = append(out, RankedPartial{Index: idx, Piece: p, completion: completion})
	}

	key := func(idx int) (skip bool, k int) {
		priority := prio(idx)
		if priority == 0 {
			return true, 0
		}
		a, s := avail(idx)
		return false, (a + s) * (8 - priority) * 3
	}

	sort.Slice(out, func(i, j int) bool {
		iSkip, iKey := key(out[i].Index)
		jSkip, jKey := key(out[j].Index)
		if iSkip != jSkip {
			return !iSkip // non-skip pieces sort before skip(priority==0) pieces
		}
		if iSkip && jSkip {
			return out[i].Index < out[j].Index
		}
		if iKey != jKey {
			return iKey < jKey
		}
		if out[i].completion != out[j].completion {
			return out[i].completion > out[j].completion
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// BufferedBytes returns the current sum of active-piece byte reservations.
func (m *Manager) BufferedBytes() int64 { return m.bufferedBytes }

// PartialCount, FullyRequestedCount, FullyRespondedCount expose bucket
// sizes for diagnostics and tests.
func (m *Manager) PartialCount() int        { return len(m.partial) }
func (m *Manager) FullyRequestedCount() int { return len(m.fullyRequested) }
func (m *Manager) FullyRespondedCount() int { return len(m.fullyResponded) }
