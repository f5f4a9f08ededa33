package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeCompactPeersV4(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1} // 127.0.0.1:6881
	peers, err := decodePeers(data, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	want := netip.MustParseAddrPort("127.0.0.1:6881")
	if len(peers) != 1 || peers[0] != want {
		t.Fatalf("peers = %#v, want [%v]", peers, want)
	}
}

func TestDecodeCompactPeersRejectsMisalignedLength(t *testing.T) {
	if _, err := decodePeers([]byte{1, 2, 3}, false); err == nil {
		t.Fatalf("expected error for misaligned compact peer data")
	}
}

func TestDecodeDictPeers(t *testing.T) {
	list := []any{
		map[string]any{"ip": "10.0.0.5", "port": int64(51413)},
	}
	peers, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	want := netip.MustParseAddrPort("10.0.0.5:51413")
	if len(peers) != 1 || peers[0] != want {
		t.Fatalf("peers = %#v, want [%v]", peers, want)
	}
}

// TestDecodeDictPeersAcceptsRawAddressBytes guards against confusing
// the bare address length (4 or 16 bytes) with the compact-form stride
// (6 or 18 bytes, which also carries the port) when a tracker's dict
// peer list gives "ip" as raw bytes instead of a text address.
func TestDecodeDictPeersAcceptsRawAddressBytes(t *testing.T) {
	list := []any{
		map[string]any{"ip": []byte{10, 0, 0, 5}, "port": int64(51413)},
	}
	peers, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	want := netip.MustParseAddrPort("10.0.0.5:51413")
	if len(peers) != 1 || peers[0] != want {
		t.Fatalf("peers = %#v, want [%v]", peers, want)
	}
}

func TestDecodeDictPeersRejectsInvalidPort(t *testing.T) {
	list := []any{
		map[string]any{"ip": "10.0.0.5", "port": int64(0)},
	}
	if _, err := decodePeers(list, false); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
