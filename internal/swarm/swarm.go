// Package swarm implements the canonical peer database of spec.md
// §3/§4.5: SwarmPeer records keyed by address, their state machine,
// connection backoff, peer-identity index, and scoring for candidate
// selection.
//
// Grounded on pkg/peer/manager.go's Manager (its peers map keyed by
// netip.AddrPort, peerMut RWMutex, and connected/connecting set
// bookkeeping), generalized from "a map of live *Peer connections" into
// the richer discovery/backoff/scoring ledger spec.md §3 names, which
// the teacher's Manager does not track at all (it only remembers peers
// once connected).
package swarm

import (
	"fmt"
	"math"
	"math/rand"
	"net/netip"
	"strings"
	"time"
)

// State is a SwarmPeer's connection lifecycle state (spec.md §3).
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Source records how a peer address was discovered.
type Source string

const (
	SourceTracker    Source = "tracker"
	SourcePEX        Source = "pex"
	SourceDHT        Source = "dht"
	SourceLPD        Source = "lpd"
	SourceIncoming   Source = "incoming"
	SourceManual     Source = "manual"
	SourceMagnetHint Source = "magnet_hint"
)

// Family is the address family of a SwarmPeer.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Peer is the SwarmPeer entity of spec.md §3.
type Peer struct {
	Key    netip.AddrPort
	Family Family
	Source Source

	DiscoveredAt time.Time
	State        State

	PeerID      [20]byte
	HasPeerID   bool
	ClientName  string
	CountryCode string

	ConnectAttempts  int
	ConnectFailures  int
	LastAttempt      time.Time
	LastSuccess      time.Time
	LastError        string
	QuickDisconnects int
	LastDisconnect   time.Time
	RejectionCount   int

	BanReason      string
	SuspiciousPort bool

	TotalDownloaded int64
	TotalUploaded   int64

	connected bool // connection != nil ⇔ state = connected
}

// IsConnected reports whether this peer has a live connection.
func (p *Peer) IsConnected() bool { return p.connected }

// Swarm is the canonical per-torrent peer database.
type Swarm struct {
	peers map[netip.AddrPort]*Peer

	connectedKeys  map[netip.AddrPort]struct{}
	connectingKeys map[netip.AddrPort]struct{}

	identityIndex map[[20]byte]map[netip.AddrPort]struct{}

	rng *rand.Rand
}

// New returns an empty Swarm.
func New() *Swarm {
	return &Swarm{
		peers:          make(map[netip.AddrPort]*Peer),
		connectedKeys:  make(map[netip.AddrPort]struct{}),
		connectingKeys: make(map[netip.AddrPort]struct{}),
		identityIndex:  make(map[[20]byte]map[netip.AddrPort]struct{}),
		rng:            rand.New(rand.NewSource(1)),
	}
}

// ValidateAddress rejects addresses a compliant swarm must never dial
// or admit: invalid IP, multicast, broadcast, the 0.0.0.0/8 block, and
// port 0 or above 65535 (the latter is structurally impossible via
// uint16 but checked for completeness against externally-parsed input).
func ValidateAddress(addr netip.AddrPort) error {
	ip := addr.Addr()
	if !ip.IsValid() {
		return fmt.Errorf("swarm: invalid IP")
	}
	if ip.IsMulticast() {
		return fmt.Errorf("swarm: multicast address rejected")
	}
	if ip.Is4() && ip.As4()[0] == 0 {
		return fmt.Errorf("swarm: 0.0.0.0/8 address rejected")
	}
	if ip.Is4() && ip.As4() == [4]byte{255, 255, 255, 255} {
		return fmt.Errorf("swarm: broadcast address rejected")
	}
	if addr.Port() == 0 {
		return fmt.Errorf("swarm: port 0 rejected")
	}
	return nil
}

// isSuspiciousPort flags privileged/well-known ports often used by
// non-BitTorrent services, a signal (not a rejection) for scoring.
func isSuspiciousPort(port uint16) bool { return port < 1024 }

// AddPeer registers addr discovered via source, if not already present.
// A second AddPeer for the same key is a no-op: the source of the
// first call wins (spec.md §8 idempotence property). Returns the
// (possibly pre-existing) Peer and whether this call created it.
func (s *Swarm) AddPeer(addr netip.AddrPort, source Source, now time.Time) (*Peer, bool, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, false, err
	}
	if p, ok := s.peers[addr]; ok {
		return p, false, nil
	}

	family := FamilyV4
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		family = FamilyV6
	}

	p := &Peer{
		Key:            addr,
		Family:         family,
		Source:         source,
		DiscoveredAt:   now,
		State:          StateIdle,
		SuspiciousPort: isSuspiciousPort(addr.Port()),
	}
	s.peers[addr] = p
	return p, true, nil
}

// Get returns the peer at key, if present.
func (s *Swarm) Get(key netip.AddrPort) (*Peer, bool) {
	p, ok := s.peers[key]
	return p, ok
}

// ConnectedCount and ConnectingCount answer in O(1) via the
// state-indexed sets.
func (s *Swarm) ConnectedCount() int  { return len(s.connectedKeys) }
func (s *Swarm) ConnectingCount() int { return len(s.connectingKeys) }

// MarkConnecting transitions an idle/failed peer to connecting,
// reserving its swarm slot before the asynchronous dial begins (spec.md
// §4.6: eliminates the race against a simultaneous incoming connection
// to the same address).
func (s *Swarm) MarkConnecting(key netip.AddrPort, now time.Time) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	if p.State != StateIdle && p.State != StateFailed {
		return fmt.Errorf("swarm: cannot connect from state %s", p.State)
	}
	p.State = StateConnecting
	p.ConnectAttempts++
	p.LastAttempt = now
	s.connectingKeys[key] = struct{}{}
	return nil
}

// MarkConnected transitions a connecting peer to connected.
func (s *Swarm) MarkConnected(key netip.AddrPort, now time.Time) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	delete(s.connectingKeys, key)
	p.State = StateConnected
	p.connected = true
	p.LastSuccess = now
	s.connectedKeys[key] = struct{}{}
	return nil
}

// MarkConnectFailed transitions a connecting (or connected) peer to
// failed, recording reason.
func (s *Swarm) MarkConnectFailed(key netip.AddrPort, reason string, now time.Time) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	delete(s.connectingKeys, key)
	delete(s.connectedKeys, key)
	wasConnected := p.connected
	p.connected = false
	p.State = StateFailed
	p.ConnectFailures++
	p.LastError = reason
	if wasConnected {
		if now.Sub(p.LastSuccess) < 30*time.Second {
			p.QuickDisconnects++
		}
		p.LastDisconnect = now
	}
	return nil
}

// Disconnect transitions a connected peer back to idle (a graceful
// disconnect, not a failure).
func (s *Swarm) Disconnect(key netip.AddrPort, now time.Time) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	delete(s.connectedKeys, key)
	p.connected = false
	p.State = StateIdle
	if now.Sub(p.LastSuccess) < 30*time.Second {
		p.QuickDisconnects++
	}
	p.LastDisconnect = now
	return nil
}

// Ban transitions a peer to banned (only for proven data corruption),
// closing out any live connection bookkeeping. banned never
// auto-expires.
func (s *Swarm) Ban(key netip.AddrPort, reason string) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	delete(s.connectedKeys, key)
	delete(s.connectingKeys, key)
	p.connected = false
	p.State = StateBanned
	p.BanReason = reason
	return nil
}

// Unban explicitly returns a banned peer to idle, clearing banReason.
func (s *Swarm) Unban(key netip.AddrPort) error {
	p, ok := s.peers[key]
	if !ok {
		return fmt.Errorf("swarm: unknown peer %s", key)
	}
	if p.State != StateBanned {
		return fmt.Errorf("swarm: peer %s is not banned", key)
	}
	p.State = StateIdle
	p.BanReason = ""
	return nil
}

// UnbanRecoverable clears banned→idle for every entry whose BanReason
// does not indicate proven data corruption, used when the swarm is
// desperately small and banned peers are worth retrying.
func (s *Swarm) UnbanRecoverable() int {
	n := 0
	for _, p := range s.peers {
		if p.State != StateBanned {
			continue
		}
		if strings.Contains(strings.ToLower(p.BanReason), "corrupt") {
			continue
		}
		p.State = StateIdle
		p.BanReason = ""
		n++
	}
	return n
}

// RejectIncoming records a rejected incoming connection attempt to
// addr without altering its state (still idle).
func (s *Swarm) RejectIncoming(addr netip.AddrPort, source Source, now time.Time) {
	p, created, err := s.AddPeer(addr, source, now)
	if err != nil {
		return
	}
	_ = created
	p.RejectionCount++
}

// SetIdentity records peer's handshake identity, moving key from any
// prior peerId's set into peerID's set, so a single logical peer
// reachable at multiple addresses is attributed consistently.
func (s *Swarm) SetIdentity(key netip.AddrPort, peerID [20]byte, clientName string) {
	p, ok := s.peers[key]
	if !ok {
		return
	}
	if p.HasPeerID {
		if set, ok := s.identityIndex[p.PeerID]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.identityIndex, p.PeerID)
			}
		}
	}
	p.PeerID = peerID
	p.HasPeerID = true
	p.ClientName = clientName

	set, ok := s.identityIndex[peerID]
	if !ok {
		set = make(map[netip.AddrPort]struct{})
		s.identityIndex[peerID] = set
	}
	set[key] = struct{}{}
}

// AddressesForIdentity returns every known address for a 20-byte peerId.
func (s *Swarm) AddressesForIdentity(peerID [20]byte) []netip.AddrPort {
	set, ok := s.identityIndex[peerID]
	if !ok {
		return nil
	}
	out := make([]netip.AddrPort, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute
)

// backoff computes min(1s × 2^failures, 5min).
func backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := backoffBase * time.Duration(math.Pow(2, float64(failures)))
	if d > backoffMax || d <= 0 {
		return backoffMax
	}
	return d
}

// eligible reports whether p may be dialed right now: not
// connected/connecting/banned, and not still within backoff (failed
// peers backed off by ConnectFailures; quick-disconnecting idle peers
// backed off by QuickDisconnects).
func eligible(p *Peer, now time.Time) bool {
	switch p.State {
	case StateConnected, StateConnecting, StateBanned:
		return false
	case StateFailed:
		return now.Sub(p.LastAttempt) >= backoff(p.ConnectFailures)
	case StateIdle:
		if p.QuickDisconnects > 0 && !p.LastDisconnect.IsZero() {
			return now.Sub(p.LastDisconnect) >= backoff(p.QuickDisconnects)
		}
		return true
	default:
		return false
	}
}

// Score computes a peer's candidate-selection score (higher wins), per
// spec.md §4.5's scoring rules.
func Score(p *Peer, rng *rand.Rand) float64 {
	score := 100.0

	if p.SuspiciousPort {
		score -= 30
	}
	if !p.LastSuccess.IsZero() {
		score += 50
	}
	score -= 20 * float64(p.ConnectFailures)
	if p.TotalDownloaded > 0 {
		bonus := math.Log10(float64(p.TotalDownloaded))
		if bonus > 50 {
			bonus = 50
		}
		score += bonus
	}
	if !p.LastAttempt.IsZero() && time.Since(p.LastAttempt) < 10*time.Second {
		score -= 15
	}

	switch p.Source {
	case SourceManual:
		score += 20
	case SourceTracker:
		score += 10
	case SourceIncoming:
		score += 5
	case SourcePEX:
		score += 0
	case SourceDHT:
		score -= 5
	case SourceLPD:
		score += 15
	}

	if rng != nil {
		score += rng.Float64()*4 - 2
	}
	return score
}

// EligibleCandidates returns every dialable peer, scored and sorted
// descending by score; suspicious-port peers are held back to the tail
// of the list regardless of score (spec.md §4.5).
func (s *Swarm) EligibleCandidates(now time.Time) []*Peer {
	var normal, suspicious []*Peer
	for _, p := range s.peers {
		if !eligible(p, now) {
			continue
		}
		if p.SuspiciousPort {
			suspicious = append(suspicious, p)
		} else {
			normal = append(normal, p)
		}
	}

	sortByScoreDesc := func(list []*Peer) {
		scores := make(map[netip.AddrPort]float64, len(list))
		for _, p := range list {
			scores[p.Key] = Score(p, s.rng)
		}
		for i := 1; i < len(list); i++ {
			for j := i; j > 0 && scores[list[j].Key] > scores[list[j-1].Key]; j-- {
				list[j], list[j-1] = list[j-1], list[j]
			}
		}
	}
	sortByScoreDesc(normal)
	sortByScoreDesc(suspicious)

	return append(normal, suspicious...)
}
