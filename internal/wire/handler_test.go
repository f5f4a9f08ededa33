package wire

import (
	"net/netip"
	"testing"
)

func TestDecodeKeepAliveIsDropped(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	if _, ok := Decode(peer, nil, 10); ok {
		t.Fatalf("keep-alive should decode to ok=false")
	}
}

func TestDecodeHave(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	ev, ok := Decode(peer, MessageHave(7), 10)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	have, isHave := ev.(HaveEvent)
	if !isHave || have.Data.Piece != 7 || have.Peer != peer {
		t.Fatalf("Decode(Have) = %#v, want HaveEvent{Piece:7}", ev)
	}
}

func TestDecodeHaveAllCarriesPieceCount(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	ev, ok := Decode(peer, MessageHaveAll(), 42)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	haveAll, isHaveAll := ev.(HaveAllEvent)
	if !isHaveAll || haveAll.Data.PieceCount != 42 {
		t.Fatalf("Decode(HaveAll) = %#v, want HaveAllEvent{PieceCount:42}", ev)
	}
}

func TestDecodeBitfieldSizesToPieceCount(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	ev, ok := Decode(peer, MessageBitfield([]byte{0xFF}), 5)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	bf, isBf := ev.(BitfieldEvent)
	if !isBf || bf.Data.Bitfield.Len() != 5 {
		t.Fatalf("Decode(Bitfield) sized to %d bits, want 5", bf.Data.Bitfield.Len())
	}
}

func TestDecodeMalformedHaveReturnsNotOK(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	bad := &Message{ID: Have, Payload: []byte{1, 2}} // not 4 bytes
	if _, ok := Decode(peer, bad, 10); ok {
		t.Fatalf("malformed Have payload should decode to ok=false")
	}
}

func TestDecodePieceCarriesBlockData(t *testing.T) {
	peer := netip.MustParseAddrPort("1.2.3.4:6881")
	block := []byte{1, 2, 3, 4}
	ev, ok := Decode(peer, MessagePiece(2, 0, block), 10)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	pe, isPe := ev.(PieceEvent)
	if !isPe || pe.Data.Piece != 2 || pe.Data.Begin != 0 || len(pe.Data.Data) != 4 {
		t.Fatalf("Decode(Piece) = %#v", ev)
	}
}
