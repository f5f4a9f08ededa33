package wire

import (
	"bytes"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0] = 0xAA
	peerID[0] = 0xBB

	h := NewHandshake(infoHash, peerID)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID || got.Pstr != btProtocol {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestExchangeRejectsInfoHashMismatch(t *testing.T) {
	var ourHash, theirHash, ourID, theirID [20]byte
	ourHash[0] = 1
	theirHash[0] = 2
	ourID[0] = 10
	theirID[0] = 20

	var conn bytes.Buffer
	theirs := NewHandshake(theirHash, theirID)
	theirs.WriteTo(&conn)

	h := NewHandshake(ourHash, ourID)
	_, err := h.Exchange(&fakeRW{readBuf: &conn}, ourID, true)
	if err != ErrInfoHashMismatch {
		t.Fatalf("expected ErrInfoHashMismatch, got %v", err)
	}
}

func TestExchangeRejectsSelfConnection(t *testing.T) {
	var hash, id [20]byte
	hash[0] = 1
	id[0] = 10

	var conn bytes.Buffer
	theirs := NewHandshake(hash, id) // same peer id as ours
	theirs.WriteTo(&conn)

	h := NewHandshake(hash, id)
	_, err := h.Exchange(&fakeRW{readBuf: &conn}, id, true)
	if err != ErrSelfConnection {
		t.Fatalf("expected ErrSelfConnection, got %v", err)
	}
}

// fakeRW discards writes and serves reads from readBuf, emulating a
// peer connection for handshake exchange tests.
type fakeRW struct {
	readBuf *bytes.Buffer
}

func (f *fakeRW) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeRW) Read(p []byte) (int, error)  { return f.readBuf.Read(p) }
