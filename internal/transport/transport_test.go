package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/finchwire/torrentengine/internal/wire"
)

func mustAddrPort(tcpAddr string) netip.AddrPort {
	ap, err := netip.ParseAddrPort(tcpAddr)
	if err != nil {
		panic(err)
	}
	return ap
}

func testCtx() context.Context { return context.Background() }

func TestConnWriteMessageThenReadMessageRoundTrips(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := &Conn{nc: a}
	cb := &Conn{nc: b}

	done := make(chan error, 1)
	go func() {
		done <- ca.WriteMessage(wire.MessageHave(3))
	}()

	got, err := cb.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	idx, ok := got.ParseHave()
	if !ok || idx != 3 {
		t.Fatalf("ParseHave() = (%d,%v), want (3,true)", idx, ok)
	}
}

func TestConnReadMessageKeepAliveReturnsNilMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ca := &Conn{nc: a}
	cb := &Conn{nc: b}

	done := make(chan error, 1)
	go func() {
		done <- ca.WriteMessage(nil)
	}()

	got, err := cb.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != nil {
		t.Fatalf("ReadMessage() = %#v, want nil (keep-alive)", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func TestConnCloseClosesUnderlying(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := &Conn{nc: a}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.WriteMessage(wire.MessageChoke()); err == nil {
		t.Fatalf("expected write on closed conn to fail")
	}
}

func TestTCPDialerDialHandshakesAndReturnsConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	var infoHash, serverID, clientID [20]byte
	infoHash[0] = 0xAB
	serverID[0] = 0x01
	clientID[0] = 0x02

	srvDone := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			srvDone <- err
			return
		}
		defer nc.Close()
		hs := wire.NewHandshake(infoHash, serverID)
		_, err = hs.Exchange(nc, serverID, true)
		srvDone <- err
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ap := mustAddrPort(addr.String())

	d := NewTCPDialer(infoHash, clientID)
	d.HandshakeTimeout = 2 * time.Second

	conn, err := d.Dial(testCtx(), ap)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := <-srvDone; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	tc := conn.(*Conn)
	if tc.PeerID() != serverID {
		t.Fatalf("PeerID() = %x, want %x", tc.PeerID(), serverID)
	}
}
