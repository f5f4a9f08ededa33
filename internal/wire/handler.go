package wire

import (
	"github.com/finchwire/torrentengine/internal/bitfield"
	"github.com/finchwire/torrentengine/internal/piece"
)

// PeerEvent is the generic typed-event envelope for wire-decoded peer
// activity, carried from the connection read loop to Torrent's single
// event-processing goroutine.
//
// Grounded on internal/piece/events.go's PeerEvent[T] (the older
// generation's generic event shape), which pkg/piece drops in favor of
// direct method calls — reintroduced here because spec.md's PeerHandler
// is its own named component distinct from Torrent, and a typed channel
// of events is the natural boundary between "decode bytes" and "apply
// decoded state", matching how internal/scheduler/peer_event.go
// consumes this same shape.
type PeerEvent[T any] struct {
	Peer piece.PeerKey
	Data T
}

type (
	HandshakeData struct {
		PeerID     [20]byte
		ClientName string
	}
	UnchokedData      struct{}
	ChokedData        struct{}
	InterestedData    struct{}
	NotInterestedData struct{}
	PeerGoneData      struct{ Reason string }
)

type BitfieldData struct{ Bitfield bitfield.Bitfield }
type HaveData struct{ Piece int }
type HaveAllData struct{ PieceCount int }
type HaveNoneData struct{}

type RequestData struct {
	Piece, Begin, Length int
}

type PieceData struct {
	Piece, Begin int
	Data         []byte
}

type CancelData struct {
	Piece, Begin, Length int
}

type (
	HandshakeEvent      = PeerEvent[HandshakeData]
	BitfieldEvent       = PeerEvent[BitfieldData]
	HaveEvent           = PeerEvent[HaveData]
	HaveAllEvent        = PeerEvent[HaveAllData]
	HaveNoneEvent       = PeerEvent[HaveNoneData]
	UnchokedEvent       = PeerEvent[UnchokedData]
	ChokedEvent         = PeerEvent[ChokedData]
	InterestedEvent     = PeerEvent[InterestedData]
	NotInterestedEvent  = PeerEvent[NotInterestedData]
	RequestEvent        = PeerEvent[RequestData]
	PieceEvent          = PeerEvent[PieceData]
	CancelEvent         = PeerEvent[CancelData]
	PeerGoneEvent       = PeerEvent[PeerGoneData]
)

// Decode turns one wire Message into its typed event, given the peer it
// arrived from and the torrent's piece count (needed to size a decoded
// Bitfield). Returns ok=false for keep-alives and malformed payloads,
// which the caller should simply drop.
func Decode(peer piece.PeerKey, m *Message, pieceCount int) (any, bool) {
	if IsKeepAlive(m) {
		return nil, false
	}
	switch m.ID {
	case Choke:
		return ChokedEvent{Peer: peer}, true
	case Unchoke:
		return UnchokedEvent{Peer: peer}, true
	case Interested:
		return InterestedEvent{Peer: peer}, true
	case NotInterested:
		return NotInterestedEvent{Peer: peer}, true
	case Have:
		idx, ok := m.ParseHave()
		if !ok {
			return nil, false
		}
		return HaveEvent{Peer: peer, Data: HaveData{Piece: int(idx)}}, true
	case HaveAll:
		return HaveAllEvent{Peer: peer, Data: HaveAllData{PieceCount: pieceCount}}, true
	case HaveNone:
		return HaveNoneEvent{Peer: peer, Data: HaveNoneData{}}, true
	case Bitfield:
		bf := bitfield.FromBytes(m.Payload, pieceCount)
		return BitfieldEvent{Peer: peer, Data: BitfieldData{Bitfield: bf}}, true
	case Request:
		idx, begin, length, ok := m.ParseRequest()
		if !ok {
			return nil, false
		}
		return RequestEvent{Peer: peer, Data: RequestData{Piece: int(idx), Begin: int(begin), Length: int(length)}}, true
	case Cancel:
		idx, begin, length, ok := m.ParseRequest()
		if !ok {
			return nil, false
		}
		return CancelEvent{Peer: peer, Data: CancelData{Piece: int(idx), Begin: int(begin), Length: int(length)}}, true
	case Piece:
		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return nil, false
		}
		return PieceEvent{Peer: peer, Data: PieceData{Piece: int(idx), Begin: int(begin), Data: block}}, true
	default:
		return nil, false
	}
}
