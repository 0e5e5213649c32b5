package utcp

import (
	"io"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/rs/xid"
)

// RecvFunc delivers received application bytes to the caller. A nil or empty
// data slice signals EOF: err is nil on a graceful close by the peer, and one
// of ErrRefused, ErrReset or ErrTimeout otherwise. Non-empty data must be
// consumed in full before returning; the engine has no receive buffer.
type RecvFunc func(c *Conn, data []byte, err error)

// PollFunc is the writable notification invoked from Mux.Tick when a
// connection has ample free send-buffer space. free is the number of bytes
// the buffer may still grow by.
type PollFunc func(c *Conn, free int)

// sendSpace is the send side of the transmission control block. Its sequence
// numbers correspond to local data.
type sendSpace struct {
	ISS  Value // initial send sequence number, chosen at open
	UNA  Value // oldest unacknowledged octet
	NXT  Value // next octet to transmit
	LAST Value // one past the last octet written by the app, counting a pending FIN
	WND  Size  // peer-advertised window
	CWND Size  // congestion window in bytes
}

// recvSpace is the receive side of the transmission control block. Its
// sequence numbers correspond to remote data.
type recvSpace struct {
	IRS Value // initial receive sequence number, set by the peer's SYN
	NXT Value // next octet expected; segments elsewhere are not acceptable
	WND Size  // advertised local window
}

// Conn is one logical connection multiplexed over the carrier. Conns are
// created by Mux.Connect or by the ingress handler on a first SYN and are
// owned by their Mux; the back-reference here is used only for lookup and
// emission and never outlives the mux.
type Conn struct {
	mux  *Mux
	priv any
	id   xid.ID

	src uint16
	dst uint16

	state    State
	reapable bool
	dupack   int

	nodelay   bool
	keepalive bool

	snd sendSpace
	rcv recvSpace

	recv RecvFunc
	poll PollFunc

	// connTimeout doubles as the user timeout while connecting or stalled
	// and as the TIME_WAIT expiry. Zero when unarmed.
	connTimeout time.Time
	rtrxTimeout time.Time

	// sndbuf holds the octets [UNA, LAST); the byte at offset i corresponds
	// to sequence number UNA+i. len(sndbuf) is the current buffer size.
	sndbuf        []byte
	maxSndBufSize Size

	logger
}

// LocalPort returns the connection's local port.
func (c *Conn) LocalPort() uint16 { return c.src }

// RemotePort returns the connection's remote port.
func (c *Conn) RemotePort() uint16 { return c.dst }

// State returns the current protocol state of the connection.
func (c *Conn) State() State { return c.state }

// Priv returns the opaque caller value installed at Connect or Accept.
func (c *Conn) Priv() any { return c.priv }

// SetRecvCallback replaces the receive callback.
func (c *Conn) SetRecvCallback(recv RecvFunc) { c.recv = recv }

// SetPollCallback installs the writable-notification callback fired from Tick.
func (c *Conn) SetPollCallback(poll PollFunc) { c.poll = poll }

// Nodelay returns the stored nodelay flag. The flag is not yet honored by the
// segmenter.
func (c *Conn) Nodelay() bool { return c.nodelay }

// SetNodelay stores the nodelay flag.
func (c *Conn) SetNodelay(nodelay bool) { c.nodelay = nodelay }

// Keepalive returns the stored keepalive flag. The flag is not yet honored by
// the timer engine.
func (c *Conn) Keepalive() bool { return c.keepalive }

// SetKeepalive stores the keepalive flag.
func (c *Conn) SetKeepalive(keepalive bool) { c.keepalive = keepalive }

// SndBuf returns the limit the send buffer may grow to.
func (c *Conn) SndBuf() int { return int(c.maxSndBufSize) }

// SetSndBuf sets the send buffer growth limit, clamped to the representable
// range. Shrinking below the currently allocated size takes effect only for
// future growth decisions.
func (c *Conn) SetSndBuf(size int) {
	if size < 0 {
		size = 0
	}
	if uint64(size) > math.MaxUint32 {
		c.maxSndBufSize = Size(math.MaxUint32)
		return
	}
	c.maxSndBufSize = Size(size)
}

// SndBufFree returns the number of bytes the send buffer may still grow by.
func (c *Conn) SndBufFree() int {
	return int(c.maxSndBufSize) - len(c.sndbuf)
}

// OutQueued returns the number of octets sent but not yet acknowledged.
func (c *Conn) OutQueued() int {
	return int(Diff(c.snd.NXT, c.snd.UNA))
}

func (c *Conn) setState(state State) {
	c.state = state
	if state == StateEstablished {
		c.connTimeout = time.Time{}
	}
	c.debug("conn:state",
		slog.String("conn", c.id.String()),
		slog.Uint64("src", uint64(c.src)),
		slog.String("state", state.String()))
}

// deliverEOF invokes the receive callback with a zero-length delivery.
// Reapable connections get no further application-level delivery.
func (c *Conn) deliverEOF(err error) {
	if c.reapable || c.recv == nil {
		return
	}
	c.recv(c, nil, err)
}

// Accept is the application's acknowledgment of a connection handed up by the
// multiplexer's accept callback. It installs the receive callback and moves
// the connection to ESTABLISHED. Legal only in SYN_RECEIVED on a connection
// that has not been relinquished.
func (c *Conn) Accept(recv RecvFunc, priv any) error {
	if c.reapable || c.state != StateSynRcvd {
		c.logerr("conn:accept", slog.String("state", c.state.String()))
		return errAcceptGone
	}
	c.recv = recv
	c.priv = priv
	c.setState(StateEstablished)
	return nil
}

// Send queues application bytes for transmission and segments whatever the
// congestion window allows right away. The returned count may be short, or
// zero, when the send buffer cannot grow further; the caller retries after a
// poll notification. Send is legal in ESTABLISHED and CLOSE_WAIT.
func (c *Conn) Send(data []byte) (int, error) {
	if c.reapable {
		c.logerr("conn:send-reaped", slog.String("conn", c.id.String()))
		return 0, net.ErrClosed
	}
	switch {
	case c.state.isConnected():
	case c.state.isPreconnection():
		return 0, ErrNotConnected
	default: // A FIN is already on its way; no further sends.
		return 0, io.ErrClosedPipe
	}
	if len(data) == 0 {
		return 0, nil
	}

	bufused := int(Diff(c.snd.NXT, c.snd.UNA))
	bufsize := len(c.sndbuf)

	// Grow the buffer when the request does not fit and the limit permits.
	if len(data) > bufsize-bufused && bufsize < int(c.maxSndBufSize) {
		newsize := bufsize * 2
		if bufsize > int(c.maxSndBufSize)/2 {
			newsize = int(c.maxSndBufSize)
		}
		if bufused+len(data) > newsize {
			if bufused+len(data) > int(c.maxSndBufSize) {
				newsize = int(c.maxSndBufSize)
			} else {
				newsize = bufused + len(data)
			}
		}
		grown := make([]byte, newsize)
		copy(grown, c.sndbuf)
		c.sndbuf = grown
		bufsize = newsize
	}

	n := len(data)
	if n > bufsize-bufused {
		n = bufsize - bufused
	}
	if n == 0 {
		// Soft non-blocking: buffer full, nothing accepted, no error.
		return 0, nil
	}

	copy(c.sndbuf[bufused:], data[:n])
	c.snd.LAST.UpdateForward(Size(n))

	c.ack(false)
	return n, nil
}

// ack is the segmenter: it transmits as much buffered data as the congestion
// window allows, at most one MTU per datagram, and appends the FIN bit on the
// final segment when a close is draining. With sendAtLeastOne an empty ACK
// segment is emitted even when no data may be sent, carrying the receive
// state to the peer.
func (c *Conn) ack(sendAtLeastOne bool) {
	m := c.mux
	left := Diff(c.snd.LAST, c.snd.NXT)
	cwndleft := int32(c.snd.CWND) - Diff(c.snd.NXT, c.snd.UNA)
	if cwndleft < 0 {
		cwndleft = 0
	}
	if cwndleft < left {
		left = cwndleft
	}
	if left == 0 && !sendAtLeastOne {
		return
	}

	pkt := m.txbuf
	frm := Frame{buf: pkt}
	frm.SetSourcePort(c.src)
	frm.SetDestinationPort(c.dst)
	frm.SetAck(c.rcv.NXT)
	frm.SetWindow(c.snd.WND)
	frm.SetAux(0)

	offset := int32(Diff(c.snd.NXT, c.snd.UNA))
	mtu := int32(m.mtu)
	for first := true; first || left > 0; first = false {
		seglen := left
		if seglen > mtu {
			seglen = mtu
		}
		frm.SetFlags(FlagACK)
		frm.SetSeq(c.snd.NXT)
		copy(pkt[sizeHeader:], c.sndbuf[offset:offset+seglen])

		c.snd.NXT.UpdateForward(Size(seglen))
		offset += seglen
		left -= seglen

		if c.state != StateEstablished && c.snd.NXT == c.snd.LAST && seglen > 0 {
			switch c.state {
			case StateFinWait1, StateClosing:
				// The trailing octet is the phantom FIN, not buffer data.
				seglen--
				frm.SetFlags(FlagACK | FlagFIN)
			}
		}
		c.transmit(pkt[:sizeHeader+int(seglen)])
	}
}

func (c *Conn) transmit(pkt []byte) { c.mux.transmit(pkt) }

// Shutdown initiates a graceful close of the sending direction. Buffered data
// is still delivered; the FIN is sequenced after it.
func (c *Conn) Shutdown() error {
	if c.reapable {
		c.logerr("conn:shutdown-reaped", slog.String("conn", c.id.String()))
		return net.ErrClosed
	}
	switch c.state {
	case StateClosed:
		return nil
	case StateListen, StateSynSent:
		c.setState(StateClosed)
		return nil
	case StateSynRcvd, StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateClosing)
	default:
		return nil
	}

	// Reserve one sequence number for the FIN.
	c.snd.LAST.UpdateForward(1)

	c.ack(false)
	return nil
}

// Close gracefully shuts the connection down and relinquishes it: once the
// close completes the connection is reaped at the next tick.
func (c *Conn) Close() error {
	if err := c.Shutdown(); err != nil {
		return err
	}
	c.reapable = true
	return nil
}

// Abort forcibly terminates the connection, notifying the peer with a RST
// when any connection state was established. No further callbacks fire.
func (c *Conn) Abort() error {
	if c.reapable {
		c.logerr("conn:abort-reaped", slog.String("conn", c.id.String()))
		return net.ErrClosed
	}
	c.reapable = true

	switch c.state {
	case StateClosed, StateListen, StateSynSent, StateClosing, StateLastAck, StateTimeWait:
		c.setState(StateClosed)
		return nil
	}
	c.setState(StateClosed)

	m := c.mux
	frm := Frame{buf: m.txbuf[:sizeHeader]}
	frm.ClearHeader()
	frm.SetSourcePort(c.src)
	frm.SetDestinationPort(c.dst)
	frm.SetSeq(c.snd.NXT)
	frm.SetFlags(FlagRST)
	m.stats.rstsOut.Add(1)
	c.transmit(frm.buf)
	return nil
}

// acceptable implements the ingress admission gate. The strict in-order
// design accepts only the exact next expected sequence number; replacing this
// with a window check is the hook for out-of-order reassembly.
func (c *Conn) acceptable(seq Value) bool {
	if c.state == StateSynSent {
		return true
	}
	return seq == c.rcv.NXT
}

// recvSegment runs one acceptable-checked datagram through the state machine.
// The numbered steps mirror the classic segment-arrives processing order:
// admission, ACK validity, RST, ACK accounting, SYN, data, FIN, and finally
// the segmenter.
func (c *Conn) recvSegment(frm Frame) {
	m := c.mux
	flags := frm.Flags() // already validated against flagMask
	payload := frm.Payload()
	length := len(payload)

	// 1. Drop datagrams whose sequence number is not the next expected.
	if !c.acceptable(frm.Seq()) {
		c.debug("conn:rx-unacceptable",
			slog.String("conn", c.id.String()),
			slog.Uint64("seq", uint64(frm.Seq())),
			slog.Uint64("rcv.nxt", uint64(c.rcv.NXT)))
		if flags.HasAny(FlagRST) {
			return
		}
		// Send an ACK back in the hope things improve.
		c.ack(true)
		return
	}

	c.snd.WND = frm.Window()

	// 2. Drop datagrams with an ACK outside [snd.una, snd.nxt].
	if flags.HasAny(FlagACK) &&
		(Diff(frm.Ack(), c.snd.NXT) > 0 || Diff(frm.Ack(), c.snd.UNA) < 0) {
		c.debug("conn:rx-bad-ack",
			slog.String("conn", c.id.String()),
			slog.Uint64("ack", uint64(frm.Ack())),
			slog.Uint64("snd.una", uint64(c.snd.UNA)),
			slog.Uint64("snd.nxt", uint64(c.snd.NXT)))
		if flags.HasAny(FlagRST) {
			return
		}
		m.resetReply(frm)
		return
	}

	// 3. RST teardown.
	if flags.HasAny(FlagRST) {
		c.handleRST(flags)
		return
	}

	// A bare ACK cannot complete an active open; advancing snd.una on one
	// would make the later SYN|ACK retransmission look like a stale
	// acknowledgment and draw a RST. Wait for the SYN|ACK.
	if c.state == StateSynSent && !flags.HasAny(FlagSYN) {
		return
	}

	// 4. Advance snd.una.
	var advanced int32
	if flags.HasAny(FlagACK) {
		advanced = Diff(frm.Ack(), c.snd.UNA)
	}
	rcvNxtAdvanced := false

	if advanced > 0 {
		dataAcked := advanced
		switch c.state {
		case StateSynSent, StateSynRcvd:
			// The SYN consumes one sequence number.
			dataAcked--
		}
		bufused := Diff(c.snd.LAST, c.snd.UNA)
		if dataAcked < 0 || dataAcked > bufused {
			panic("utcp: acked data exceeds buffered data")
		}

		// Slide the send buffer left over the acknowledged prefix.
		if keep := bufused - dataAcked; dataAcked > 0 && keep > 0 {
			copy(c.sndbuf, c.sndbuf[dataAcked:dataAcked+keep])
		}
		c.snd.UNA = frm.Ack()
		c.dupack = 0
		c.snd.CWND += Size(m.mtu)
		if c.snd.CWND > c.maxSndBufSize {
			c.snd.CWND = c.maxSndBufSize
		}

		// Forward progress clears the user timeout; the tick re-arms the
		// retransmit timer while unacked data remains.
		c.connTimeout = time.Time{}
		if c.snd.UNA == c.snd.NXT {
			c.rtrxTimeout = time.Time{}
		}

		// A FIN we sent may now be acknowledged.
		switch c.state {
		case StateFinWait1:
			if c.snd.UNA == c.snd.LAST {
				c.setState(StateFinWait2)
			}
		case StateClosing:
			if c.snd.UNA == c.snd.LAST {
				c.connTimeout = m.now().Add(timeWaitDuration)
				c.setState(StateTimeWait)
			}
		case StateLastAck:
			if c.snd.UNA == c.snd.LAST {
				c.setState(StateClosed)
				c.reapable = true
			}
		}
	} else if length == 0 {
		c.dupack++
		if c.dupack >= 3 {
			// Fast retransmit is reserved; observe and log only.
			c.debug("conn:triple-dup-ack", slog.String("conn", c.id.String()))
		}
	}

	// 5. SYN processing.
	if flags.HasAny(FlagSYN) {
		if c.state != StateSynSent {
			// A second SYN on a synchronized connection.
			m.resetReply(frm)
			return
		}
		// This is a SYN|ACK; it must have acknowledged our SYN.
		if advanced == 0 {
			m.resetReply(frm)
			return
		}
		c.rcv.IRS = frm.Seq()
		c.rcv.NXT = frm.Seq()
		c.setState(StateEstablished)

		// The SYN consumes one sequence number.
		c.rcv.NXT.UpdateForward(1)
		rcvNxtAdvanced = true
	}

	// 6. Handshake completion on the passive side.
	if c.state == StateSynRcvd {
		// The ACK after our SYN|ACK must have acknowledged it.
		if advanced == 0 {
			m.resetReply(frm)
			return
		}
		if m.accept != nil {
			m.accept(c, c.src)
		}
		if c.state != StateEstablished {
			// The application did not claim the connection.
			c.setState(StateClosed)
			c.reapable = true
			m.resetReply(frm)
			return
		}
		m.stats.accepts.Add(1)
	}

	// 7. Data delivery.
	if length > 0 {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
		default:
			// Data before the handshake completed or after the peer's FIN.
			m.resetReply(frm)
			return
		}
		if c.recv != nil && !c.reapable {
			c.recv(c, payload, nil)
			m.stats.bytesDelivered.Add(uint64(length))
		}
		c.rcv.NXT.UpdateForward(Size(length))
		rcvNxtAdvanced = true
	}

	// 8. FIN processing.
	if flags.HasAny(FlagFIN) {
		switch c.state {
		case StateEstablished:
			c.setState(StateCloseWait)
		case StateFinWait1:
			c.setState(StateClosing)
		case StateFinWait2:
			c.connTimeout = m.now().Add(timeWaitDuration)
			c.setState(StateTimeWait)
		default:
			// A FIN before the handshake, or a second FIN.
			m.resetReply(frm)
			return
		}

		// The FIN consumes one sequence number.
		c.rcv.NXT.UpdateForward(1)
		rcvNxtAdvanced = true

		// Tell the application the peer closed its direction.
		c.deliverEOF(nil)
	}

	// Send something back if we advanced rcv.nxt (data or FIN needs an ACK)
	// or if a forward ACK may have opened window for more of our data.
	c.ack(rcvNxtAdvanced)
	c.traceTCB("conn:rx-done")
}

// handleRST applies a peer reset. An acceptable RST carries no ACK flag
// except in SYN_SENT, where the refusal acks our SYN.
func (c *Conn) handleRST(flags Flags) {
	hasAck := flags.HasAny(FlagACK)
	switch c.state {
	case StateSynSent:
		if !hasAck {
			return
		}
		// The peer has refused our connection.
		c.setState(StateClosed)
		c.deliverEOF(ErrRefused)
	case StateSynRcvd:
		if hasAck {
			return
		}
		// The application has not seen this connection yet; vanish silently.
		c.mux.freeConn(c)
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		if hasAck {
			return
		}
		// The peer has aborted our connection.
		c.setState(StateClosed)
		c.deliverEOF(ErrReset)
	case StateClosing, StateLastAck, StateTimeWait:
		if hasAck {
			return
		}
		// The application already considers this connection closed.
		if c.reapable {
			c.mux.freeConn(c)
			return
		}
		c.setState(StateClosed)
	}
}

// retransmit resends the oldest outstanding state: the SYN while connecting,
// the SYN|ACK while accepting, or one MSS of data from snd.una afterwards.
// snd.nxt is left untouched; the re-armed timer covers later segments.
func (c *Conn) retransmit() {
	if c.state == StateClosed || c.snd.NXT == c.snd.UNA {
		return
	}
	m := c.mux
	pkt := m.txbuf
	frm := Frame{buf: pkt}
	frm.ClearHeader()
	frm.SetSourcePort(c.src)
	frm.SetDestinationPort(c.dst)

	var seglen int32
	switch c.state {
	case StateSynSent:
		frm.SetSeq(c.snd.ISS)
		frm.SetWindow(c.rcv.WND)
		frm.SetFlags(FlagSYN)
	case StateSynRcvd:
		frm.SetSeq(c.snd.ISS)
		frm.SetAck(c.rcv.NXT)
		frm.SetWindow(c.rcv.WND)
		frm.SetFlags(synack)
	case StateEstablished, StateFinWait1:
		frm.SetSeq(c.snd.UNA)
		frm.SetAck(c.rcv.NXT)
		frm.SetWindow(c.snd.WND)
		frm.SetFlags(FlagACK)
		seglen = Diff(c.snd.NXT, c.snd.UNA)
		// The FIN is in flight once snd.nxt has reached snd.last.
		finSent := c.state == StateFinWait1 && c.snd.NXT == c.snd.LAST
		if finSent {
			seglen--
		}
		if seglen > int32(m.mtu) {
			seglen = int32(m.mtu)
		} else if finSent {
			// The whole unacked region fits; carry the FIN again too.
			frm.SetFlags(FlagACK | FlagFIN)
		}
		copy(pkt[sizeHeader:], c.sndbuf[:seglen])
	default:
		return
	}
	m.stats.retransmits.Add(1)
	c.transmit(pkt[:sizeHeader+int(seglen)])
}
