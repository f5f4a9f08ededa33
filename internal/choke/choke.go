// Package choke implements PeerCoordinator (spec.md §4.7): the
// periodic choke/unchoke decision over a snapshot of peer state,
// including optimistic unchoke rotation.
//
// Grounded on internal/peer/swarm.go's recalculateRegularUnchokes and
// recalculateOptimisticUnchoke — the teacher ranks AmInterested peers
// by upload or download rate depending on seeding/leeching, holds a
// single optimisticUnchokedPeerAddr rotated on a separate ticker, and
// walks every peer afterward flipping choke state to match. This
// module keeps that exact shape but turns it into a pure function over
// an explicit peer snapshot, so the decision logic can be exercised and
// tested without a live *Swarm of wire connections.
package choke

import (
	"math/rand"
	"net/netip"
	"sort"
	"time"
)

// PeerSnapshot is the subset of live peer state PeerCoordinator needs
// per spec.md §4.7.
type PeerSnapshot struct {
	Addr             netip.AddrPort
	PeerInterested   bool
	PeerChoking      bool
	AmChoking        bool
	DownloadRate     int64
	UploadRate       int64
	ConnectedAt      time.Time
	LastDataReceived time.Time
}

// Action is one choke/unchoke decision for a peer.
type Action struct {
	Addr    netip.AddrPort
	Unchoke bool
	Reason  string
}

// Coordinator holds the rotating optimistic-unchoke pick between ticks.
type Coordinator struct {
	maxUploadSlots int
	isSeeding      bool
	optimistic     netip.AddrPort
	haveOptimistic bool
	rng            *rand.Rand
}

// New returns a Coordinator. maxUploadSlots must be >=1 (one slot is
// always reserved for the optimistic unchoke).
func New(maxUploadSlots int, isSeeding bool) *Coordinator {
	if maxUploadSlots < 1 {
		maxUploadSlots = 1
	}
	return &Coordinator{
		maxUploadSlots: maxUploadSlots,
		isSeeding:      isSeeding,
		rng:            rand.New(rand.NewSource(1)),
	}
}

// SetSeeding updates whether ranking favors upload rate (seeding) or
// download rate (leeching).
func (c *Coordinator) SetSeeding(seeding bool) { c.isSeeding = seeding }

// Rechoke computes the regular-unchoke set: the top N = maxUploadSlots-1
// interested peers ranked by downloadRate (leeching) or uploadRate
// (seeding), plus whichever peer currently holds the optimistic slot.
// Every other currently-unchoked peer is choked.
func (c *Coordinator) Rechoke(peers []PeerSnapshot) []Action {
	regularSlots := c.maxUploadSlots - 1
	if regularSlots < 0 {
		regularSlots = 0
	}

	var interested []PeerSnapshot
	for _, p := range peers {
		if p.PeerInterested {
			interested = append(interested, p)
		}
	}

	sort.Slice(interested, func(i, j int) bool {
		if c.isSeeding {
			return interested[i].UploadRate > interested[j].UploadRate
		}
		return interested[i].DownloadRate > interested[j].DownloadRate
	})

	top := make(map[netip.AddrPort]struct{}, regularSlots)
	for i := 0; i < len(interested) && i < regularSlots; i++ {
		top[interested[i].Addr] = struct{}{}
	}

	var actions []Action
	for _, p := range peers {
		_, isTop := top[p.Addr]
		isOptimistic := c.haveOptimistic && p.Addr == c.optimistic

		switch {
		case (isTop || isOptimistic) && p.AmChoking:
			reason := "regular"
			if isOptimistic && !isTop {
				reason = "optimistic"
			}
			actions = append(actions, Action{Addr: p.Addr, Unchoke: true, Reason: reason})
		case !isTop && !isOptimistic && !p.AmChoking:
			actions = append(actions, Action{Addr: p.Addr, Unchoke: false, Reason: "not in top slots"})
		}
	}
	return actions
}

// RotateOptimistic picks a new optimistic-unchoke peer from interested,
// currently-choked peers, weighted toward recently-connected peers by
// giving peers connected within the last OptimisticUnchokeInterval
// double representation in the selection pool. Call on its own, slower
// ticker than Rechoke (spec.md §4.7).
func (c *Coordinator) RotateOptimistic(peers []PeerSnapshot, now time.Time, recentWindow time.Duration) *Action {
	var pool []netip.AddrPort
	for _, p := range peers {
		if !p.PeerInterested || !p.AmChoking {
			continue
		}
		pool = append(pool, p.Addr)
		if now.Sub(p.ConnectedAt) < recentWindow {
			pool = append(pool, p.Addr) // recently-connected peers get a second ticket
		}
	}

	if len(pool) == 0 {
		c.haveOptimistic = false
		c.optimistic = netip.AddrPort{}
		return nil
	}

	pick := pool[c.rng.Intn(len(pool))]
	c.optimistic = pick
	c.haveOptimistic = true
	return &Action{Addr: pick, Unchoke: true, Reason: "optimistic"}
}

// DropCandidates merges PeerCoordinator's own view with the
// ConnectionManager's slow-peer recommendations: a drop is only ever
// emitted when replacement peers exist, which the caller establishes by
// passing a non-empty slowPeers only when alternatives are available
// (spec.md §4.7 delegates the "alternatives exist" check to
// ConnectionManager).
func DropCandidates(slowPeers []netip.AddrPort) []Action {
	out := make([]Action, 0, len(slowPeers))
	for _, addr := range slowPeers {
		out = append(out, Action{Addr: addr, Unchoke: false, Reason: "slow peer, alternatives available"})
	}
	return out
}
