package utcp

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
)

func TestSendStateErrors(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))

	ca, err := l.a.Connect(80, recA.recv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ca.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send in SYN_SENT = %v, want not connected", err)
	}

	l.flush()
	if _, err := ca.Send(nil); err != nil {
		t.Fatalf("empty send = %v, want nil", err)
	}

	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := ca.Send([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("send after shutdown = %v, want closed pipe", err)
	}

	cb := l.connB()
	if err := cb.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Send([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("send on relinquished connection = %v, want closed", err)
	}
	if err := cb.Abort(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("abort on relinquished connection = %v, want closed", err)
	}
	if err := cb.Shutdown(); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("shutdown on relinquished connection = %v, want closed", err)
	}
}

func TestSendInCloseWait(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)
	cb := l.connB()

	// a closes its direction; b may keep sending from CLOSE_WAIT.
	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	l.flush()
	if cb.State() != StateCloseWait {
		t.Fatal("b state:", cb.State())
	}
	if _, err := cb.Send([]byte("late")); err != nil {
		t.Fatal("send in CLOSE_WAIT:", err)
	}
	l.flush()
	if string(recA.data) != "late" {
		t.Fatalf("a received %q", recA.data)
	}
}

func TestSendBufferGrowth(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)

	if len(ca.sndbuf) != defaultSndBufSize {
		t.Fatalf("initial buffer %d, want %d", len(ca.sndbuf), defaultSndBufSize)
	}
	payload := make([]byte, 10000)
	rand.New(rand.NewSource(9)).Read(payload)
	n, err := ca.Send(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("send = %d, %v", n, err)
	}
	if len(ca.sndbuf) != 10000 {
		t.Fatalf("buffer grew to %d, want 10000", len(ca.sndbuf))
	}
	l.flush()
	if !bytes.Equal(recB.data, payload) {
		t.Fatal("grown buffer corrupted payload")
	}

	// A request beyond the limit is satisfied up to the limit.
	huge := make([]byte, defaultMaxSndBuf+5000)
	rand.New(rand.NewSource(10)).Read(huge)
	n, err = ca.Send(huge)
	if err != nil || n != defaultMaxSndBuf {
		t.Fatalf("oversized send = %d, %v, want %d", n, err, defaultMaxSndBuf)
	}
	if len(ca.sndbuf) != defaultMaxSndBuf {
		t.Fatalf("buffer grew to %d, want max %d", len(ca.sndbuf), defaultMaxSndBuf)
	}
	l.flush()
	if !bytes.Equal(recB.data[10000:], huge[:defaultMaxSndBuf]) {
		t.Fatal("capped send corrupted payload")
	}
}

func TestSendSoftNonBlocking(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)

	ca.SetSndBuf(defaultSndBufSize)
	ca.snd.CWND = defaultSndBufSize // let the segmenter flush the whole buffer

	n, err := ca.Send(make([]byte, defaultSndBufSize+1000))
	if err != nil || n != defaultSndBufSize {
		t.Fatalf("send = %d, %v, want %d accepted", n, err, defaultSndBufSize)
	}
	// Everything is in flight and unacked; the buffer has no room left.
	n, err = ca.Send([]byte("more"))
	if n != 0 || err != nil {
		t.Fatalf("send on full buffer = %d, %v, want 0, nil", n, err)
	}
}

func TestDupAckCounting(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)

	if _, err := ca.Send([]byte("x")); err != nil {
		t.Fatal(err)
	}
	for _, pkt := range l.takeToB() {
		if err := l.b.Recv(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if len(l.toA) != 1 {
		t.Fatalf("b emitted %d datagrams, want 1 ACK", len(l.toA))
	}
	ackPkt := l.toA[0]
	l.toA = nil

	if err := l.a.Recv(ackPkt); err != nil {
		t.Fatal(err)
	}
	if ca.dupack != 0 {
		t.Fatal("forward ACK did not reset dupack")
	}
	for i := 0; i < 3; i++ {
		if err := l.a.Recv(ackPkt); err != nil {
			t.Fatal(err)
		}
	}
	if ca.dupack != 3 {
		t.Fatalf("dupack = %d, want 3", ca.dupack)
	}
}

func TestAcceptMisuse(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)

	if err := ca.Accept(recA.recv, nil); err == nil {
		t.Fatal("accept on established connection succeeded")
	}
}

func TestShutdownVariants(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))

	// Shutting down a connection that never completed its handshake simply
	// closes it; no FIN is emitted.
	ca, err := l.a.Connect(80, recA.recv, nil)
	if err != nil {
		t.Fatal(err)
	}
	queued := len(l.toB)
	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if ca.State() != StateClosed || len(l.toB) != queued {
		t.Fatal("shutdown in SYN_SENT should close silently")
	}
	l.toB = nil
	l.toA = nil

	// A second shutdown after the FIN is a no-op.
	ca = l.establish(recA)
	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	last := ca.snd.LAST
	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if ca.snd.LAST != last {
		t.Fatal("second shutdown reserved another FIN")
	}
}

func TestPollCallback(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)

	var polled []int
	ca.SetPollCallback(func(c *Conn, free int) {
		polled = append(polled, free)
	})
	l.a.Tick()
	if len(polled) != 1 || polled[0] != ca.SndBufFree() {
		t.Fatalf("poll calls = %v, want one with %d free", polled, ca.SndBufFree())
	}

	// Not writable anymore: no poll.
	if err := ca.Shutdown(); err != nil {
		t.Fatal(err)
	}
	l.a.Tick()
	if len(polled) != 1 {
		t.Fatal("poll fired on a closing connection")
	}
}

func TestAccessors(t *testing.T) {
	recA, recB := &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))

	type session struct{ name string }
	sess := &session{name: "s1"}
	ca, err := l.a.Connect(80, recA.recv, sess)
	if err != nil {
		t.Fatal(err)
	}
	if ca.Priv() != sess {
		t.Fatal("priv value lost")
	}
	if ca.LocalPort()&0x8000 == 0 || ca.RemotePort() != 80 {
		t.Fatalf("ports = %d -> %d", ca.LocalPort(), ca.RemotePort())
	}

	if ca.Nodelay() || ca.Keepalive() {
		t.Fatal("socket flags not zero-valued")
	}
	ca.SetNodelay(true)
	ca.SetKeepalive(true)
	if !ca.Nodelay() || !ca.Keepalive() {
		t.Fatal("socket flags not stored")
	}

	if ca.SndBuf() != defaultMaxSndBuf {
		t.Fatalf("sndbuf limit = %d, want %d", ca.SndBuf(), defaultMaxSndBuf)
	}
	if ca.SndBufFree() != defaultMaxSndBuf-defaultSndBufSize {
		t.Fatalf("sndbuf free = %d", ca.SndBufFree())
	}
	ca.SetSndBuf(-1)
	if ca.SndBuf() != 0 {
		t.Fatal("negative sndbuf not clamped to zero")
	}
	ca.SetSndBuf(65536)
	if ca.SndBuf() != 65536 {
		t.Fatal("sndbuf limit not stored")
	}

	l.flush()
	if _, err := ca.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if ca.OutQueued() != 5 {
		t.Fatalf("outq = %d, want 5", ca.OutQueued())
	}
	l.flush()
	if ca.OutQueued() != 0 {
		t.Fatalf("outq after ack = %d, want 0", ca.OutQueued())
	}
}

func TestRecvCallbackSwap(t *testing.T) {
	recA, recB, late := &recorder{}, &recorder{}, &recorder{}
	l := newTestLink(t, autoAccept(recB))
	ca := l.establish(recA)
	cb := l.connB()

	cb.SetRecvCallback(late.recv)
	if _, err := ca.Send([]byte("swapped")); err != nil {
		t.Fatal(err)
	}
	l.flush()
	if len(recB.data) != 0 || string(late.data) != "swapped" {
		t.Fatalf("callback swap: old=%q new=%q", recB.data, late.data)
	}
}
