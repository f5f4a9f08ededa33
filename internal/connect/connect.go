// Package connect implements ConnectionManager and PeerSelector (spec.md
// §4.6): slot accounting, the reserve-before-dial sequence that avoids
// racing an incoming connection, slow-peer detection, and the adaptive
// maintenance interval.
//
// Grounded on pkg/peer/manager.go's processPeersLoop/dialSem pair (the
// semaphore-gated dial loop that reserves a slot before the goroutine
// that actually connects runs), generalized from the teacher's
// single-MaxPeers cap into spec.md's maxPeersPerTorrent +
// connectingHeadroom formula, and its candidate source — the teacher
// just drains peerCh FIFO — replaced with Swarm.EligibleCandidates'
// scored ordering.
package connect

import (
	"context"
	"net/netip"
	"time"

	"github.com/finchwire/torrentengine/internal/swarm"
)

// Dialer is the injected transport collaborator; this package never
// creates sockets itself.
type Dialer interface {
	Dial(ctx context.Context, addr netip.AddrPort) (Conn, error)
}

// Conn is an opaque live connection handle returned by Dialer.
type Conn interface {
	Close() error
}

// Event is emitted for every dial outcome.
type Event struct {
	Kind   EventKind
	Addr   netip.AddrPort
	Reason string
	Conn   Conn
}

type EventKind uint8

const (
	EventConnected EventKind = iota
	EventConnectFailed
)

// Limits configures PeerSelector/ConnectionManager.
type Limits struct {
	MaxPeersPerTorrent int
	ConnectingHeadroom int
	ConnectTimeout     time.Duration

	SlowPeerTimeout  time.Duration
	SlowPeerMinSpeed int64 // bytes/sec

	MaintenanceMinInterval time.Duration
	MaintenanceMaxInterval time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxPeersPerTorrent:     50,
		ConnectingHeadroom:     10,
		ConnectTimeout:         10 * time.Second,
		SlowPeerTimeout:        60 * time.Second,
		SlowPeerMinSpeed:       1024,
		MaintenanceMinInterval: 5 * time.Second,
		MaintenanceMaxInterval: 60 * time.Second,
	}
}

// AvailableSlots implements spec.md §4.6's exact formula, floored at 0.
func AvailableSlots(limits Limits, connected, connecting int) int {
	n := limits.MaxPeersPerTorrent + limits.ConnectingHeadroom - connected - connecting
	if n < 0 {
		return 0
	}
	return n
}

// SelectCandidates returns up to n addresses to dial next, drawn from
// the swarm's scored eligible candidates.
func SelectCandidates(s *swarm.Swarm, now time.Time, n int) []netip.AddrPort {
	if n <= 0 {
		return nil
	}
	candidates := s.EligibleCandidates(now)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]netip.AddrPort, len(candidates))
	for i, c := range candidates {
		out[i] = c.Key
	}
	return out
}

// Manager drives outbound connection attempts against a Swarm using an
// injected Dialer, emitting Events on the returned channel.
type Manager struct {
	swarm  *swarm.Swarm
	dialer Dialer
	limits Limits
	events chan Event
}

// NewManager constructs a Manager. events should be drained by the
// caller; sends are non-blocking and dropped with no event if the
// channel is full, matching the teacher's drop-when-full queue idiom.
func NewManager(s *swarm.Swarm, dialer Dialer, limits Limits, eventBuffer int) *Manager {
	return &Manager{
		swarm:  s,
		dialer: dialer,
		limits: limits,
		events: make(chan Event, eventBuffer),
	}
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

// Maintain fills available slots by dialing scored candidates. Each
// dial reserves its swarm slot via MarkConnecting before the
// asynchronous Dial call begins, eliminating the race against a
// simultaneous incoming connection to the same address (spec.md §4.6).
func (m *Manager) Maintain(ctx context.Context, now time.Time) {
	slots := AvailableSlots(m.limits, m.swarm.ConnectedCount(), m.swarm.ConnectingCount())
	if slots <= 0 {
		return
	}
	candidates := SelectCandidates(m.swarm, now, slots)
	for _, addr := range candidates {
		if err := m.swarm.MarkConnecting(addr, now); err != nil {
			continue
		}
		go m.dial(ctx, addr)
	}
}

func (m *Manager) dial(ctx context.Context, addr netip.AddrPort) {
	dctx, cancel := context.WithTimeout(ctx, m.limits.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dctx, addr)
	now := time.Now()
	if err != nil {
		reason := "dial failed"
		if dctx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		m.swarm.MarkConnectFailed(addr, reason, now)
		m.emit(Event{Kind: EventConnectFailed, Addr: addr, Reason: reason})
		return
	}

	if err := m.swarm.MarkConnected(addr, now); err != nil {
		conn.Close()
		return
	}
	m.emit(Event{Kind: EventConnected, Addr: addr, Conn: conn})
}

// PeerSnapshot is the subset of live connection state slow-peer
// detection needs, taken without holding any connection lock.
type PeerSnapshot struct {
	Addr         netip.AddrPort
	PeerChoking  bool
	ChokedSince  time.Time
	Unchoked     bool
	CurrentSpeed int64
	AverageSpeed int64
	ConnectedAt  time.Time
	UnchokedAt   time.Time
}

// IsSlow implements spec.md §4.6's slow-peer rule: choking us past
// slowPeerTimeout, or unchoked but below both slowPeerMinSpeed and 10%
// of the swarm average, sustained for more than 10s since connect.
func IsSlow(p PeerSnapshot, limits Limits, now time.Time) bool {
	if p.PeerChoking {
		return !p.ChokedSince.IsZero() && now.Sub(p.ChokedSince) > limits.SlowPeerTimeout
	}
	if !p.Unchoked {
		return false
	}
	if now.Sub(p.ConnectedAt) <= 10*time.Second {
		return false
	}
	threshold := p.AverageSpeed / 10
	return p.CurrentSpeed < limits.SlowPeerMinSpeed && p.CurrentSpeed < threshold
}

// SlowPeerCandidates returns peers IsSlow flags, but only when at
// least one alternative eligible candidate exists — dropping a slow
// peer with no replacement in the swarm would simply reduce the
// connected set for nothing.
func SlowPeerCandidates(peers []PeerSnapshot, limits Limits, now time.Time, eligibleAlternatives int) []netip.AddrPort {
	if eligibleAlternatives <= 0 {
		return nil
	}
	var out []netip.AddrPort
	for _, p := range peers {
		if IsSlow(p, limits, now) {
			out = append(out, p.Addr)
		}
	}
	return out
}

// MaintenanceInterval computes the adaptive tick period: it shrinks
// toward MaintenanceMinInterval the further connected is below target,
// and grows toward MaintenanceMaxInterval once connected reaches 80% of
// target (spec.md §4.6).
func MaintenanceInterval(limits Limits, connected, target int) time.Duration {
	if target <= 0 {
		return limits.MaintenanceMaxInterval
	}
	ratio := float64(connected) / float64(target)
	if ratio >= 0.8 {
		return limits.MaintenanceMaxInterval
	}
	// linear interpolation: ratio 0 -> min, ratio 0.8 -> max.
	span := limits.MaintenanceMaxInterval - limits.MaintenanceMinInterval
	d := limits.MaintenanceMinInterval + time.Duration(float64(span)*(ratio/0.8))
	if d < limits.MaintenanceMinInterval {
		return limits.MaintenanceMinInterval
	}
	return d
}
