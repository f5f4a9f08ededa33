package torrent

import (
	"time"

	"github.com/finchwire/torrentengine/internal/bitfield"
	"github.com/finchwire/torrentengine/internal/piece"
	"github.com/finchwire/torrentengine/internal/transport"
	"github.com/finchwire/torrentengine/internal/wire"
)

// uploadRequest is one unserved incoming REQUEST, queued per spec.md
// §4.10 until the upload bucket and choke state allow it to be served.
type uploadRequest struct {
	piece, begin, length int
}

// peerConn is Torrent's live per-peer state: the wire connection, the
// wire-level choke/interest flags, the peer's advertised piece set, the
// outstanding-request counters the requester needs, and the outbound
// message/upload queues the FLUSH phase drains.
//
// Grounded on internal/peer/peer.go's Peer struct, cut down to the
// fields spec.md's Torrent actually needs since this module's handshake,
// framing, and decode already live in internal/transport and
// internal/wire rather than on this type.
type peerConn struct {
	key  piece.PeerKey
	conn *transport.Conn

	have   bitfield.Bitfield
	isSeed bool

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	pending       int
	pipelineDepth int
	killed        bool

	connectedAt      time.Time
	unchokedAt       time.Time
	chokedSince      time.Time
	lastDataReceived time.Time

	downloadedTick int64 // bytes received since the last rate sample
	uploadedTick   int64 // bytes sent since the last rate sample
	downRateEWMA   float64
	upRateEWMA     float64

	uploadQueue []uploadRequest
	outbox      []*wire.Message
}

func newPeerConn(key piece.PeerKey, conn *transport.Conn, pieceCount, pipelineDepth int, now time.Time) *peerConn {
	return &peerConn{
		key:           key,
		conn:          conn,
		have:          bitfield.New(pieceCount),
		amChoking:     true,
		peerChoking:   true,
		pipelineDepth: pipelineDepth,
		connectedAt:   now,
		chokedSince:   now,
	}
}

// enqueue appends m to this peer's end-of-tick outbound batch.
func (pc *peerConn) enqueue(m *wire.Message) { pc.outbox = append(pc.outbox, m) }

// setAmInterested enqueues an INTERESTED/NOT_INTERESTED message iff the
// value actually changes, matching spec.md §4.9's "only on a state
// transition" wire-chatter rule.
func (pc *peerConn) setAmInterested(interested bool) {
	if interested == pc.amInterested {
		return
	}
	pc.amInterested = interested
	if interested {
		pc.enqueue(wire.MessageInterested())
	} else {
		pc.enqueue(wire.MessageNotInterested())
	}
}

// setAmChoking enqueues CHOKE/UNCHOKE iff the value changes, tracking
// chokedSince/unchokedAt for the slow-peer and optimistic-unchoke rules.
func (pc *peerConn) setAmChoking(choking bool, now time.Time) {
	if choking == pc.amChoking {
		return
	}
	pc.amChoking = choking
	if choking {
		pc.enqueue(wire.MessageChoke())
		pc.chokedSince = now
		// A choked peer's queued-but-unserved requests are discarded
		// (spec.md §4.10): BitTorrent clients drop upload state on choke.
		pc.uploadQueue = nil
	} else {
		pc.enqueue(wire.MessageUnchoke())
		pc.unchokedAt = now
	}
}
