package utcp

import (
	"log/slog"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/udplane/utcp/internal"
)

const (
	// timeWaitDuration is how long a connection lingers in TIME_WAIT before
	// the timer engine closes it.
	timeWaitDuration = 60 * time.Second
	// rtrxInterval is the fixed retransmission interval re-armed by Tick
	// while unacknowledged data is outstanding.
	rtrxInterval = time.Second
	// tickIdleWait is returned by Tick when no connection has armed timers.
	tickIdleWait = time.Hour
	// maxConnections bounds the table so ephemeral port probing terminates.
	maxConnections = 32767
)

// SendFunc delivers one outbound datagram to the carrier. The engine does not
// inspect the verdict: a failed or dropped send is recovered by
// retransmission. The callback must not re-enter the multiplexer.
type SendFunc func(m *Mux, datagram []byte) error

// AcceptFunc notifies the application of a passive open whose handshake just
// completed. The implementation claims the connection by calling
// [Conn.Accept] before returning; otherwise the connection is torn down with
// a RST.
type AcceptFunc func(c *Conn, localPort uint16)

// PreAcceptFunc filters incoming connection requests by local port before any
// state is allocated. Returning false answers the SYN with a RST.
type PreAcceptFunc func(m *Mux, localPort uint16) bool

type muxStats struct {
	conns          atomic.Int64
	segsIn         atomic.Uint64
	segsOut        atomic.Uint64
	bytesDelivered atomic.Uint64
	retransmits    atomic.Uint64
	rstsOut        atomic.Uint64
	activeOpens    atomic.Uint64
	passiveOpens   atomic.Uint64
	accepts        atomic.Uint64
	reaped         atomic.Uint64
}

// Stats is a point-in-time snapshot of multiplexer counters. Counters are
// kept with atomics so a metrics scraper may snapshot them from another
// goroutine while the caller drives the engine.
type Stats struct {
	Connections    int64  // connections currently in the table
	SegmentsIn     uint64 // datagrams handed to Recv
	SegmentsOut    uint64 // datagrams emitted through the send callback
	BytesDelivered uint64 // payload bytes handed to receive callbacks
	Retransmits    uint64 // datagrams emitted by the retransmission engine
	ResetsSent     uint64 // RST datagrams synthesized
	ActiveOpens    uint64 // Connect calls that allocated a connection
	PassiveOpens   uint64 // connections allocated by incoming SYNs
	Accepts        uint64 // passive opens claimed by the application
	Reaped         uint64 // connections removed by Tick
}

// Mux multiplexes logical connections onto one unreliable datagram carrier
// using 16-bit port pairs. It owns the connection table and every connection
// in it. A Mux is single-threaded: the caller serializes Recv, Tick and all
// connection operations, and every callback fires synchronously on the
// calling goroutine before the triggering operation returns.
type Mux struct {
	priv any

	accept    AcceptFunc
	preAccept PreAcceptFunc
	send      SendFunc

	mtu          uint16
	userTimeout  time.Duration
	defSndBuf    uint32
	defMaxSndBuf uint32

	// conns is sorted lexicographically by (src, dst) with no duplicate
	// keys; lookup is a binary search.
	conns []*Conn

	// txbuf is the scratch datagram assembled for every emission. Callbacks
	// must not retain it.
	txbuf []byte

	portSeed uint16
	iss      issSource
	issFn    func(src, dst uint16) Value
	now      func() time.Time
	closed   bool
	stats    muxStats
	logger
}

// NewMux creates a multiplexer. The send callback is required; Accept,
// PreAccept, Priv and Logger are optional. Zero tunables take their defaults.
func NewMux(cfg MuxConfig) (*Mux, error) {
	if cfg.Send == nil {
		return nil, ErrNilCallback
	}
	tun := cfg.Config.withDefaults()
	if err := tun.validate(); err != nil {
		return nil, err
	}
	m := &Mux{
		priv:         cfg.Priv,
		accept:       cfg.Accept,
		preAccept:    cfg.PreAccept,
		send:         cfg.Send,
		mtu:          tun.MTU,
		userTimeout:  time.Duration(tun.UserTimeout),
		defSndBuf:    tun.SndBuf,
		defMaxSndBuf: tun.MaxSndBuf,
		txbuf:        make([]byte, sizeHeader+int(tun.MTU)),
		now:          time.Now,
		logger:       logger{log: cfg.Logger},
	}
	if err := m.iss.init(); err != nil {
		return nil, err
	}
	m.issFn = m.iss.next
	m.portSeed = m.iss.portSeed()
	return m, nil
}

// Priv returns the opaque caller value installed at NewMux.
func (m *Mux) Priv() any { return m.priv }

// MTU returns the maximum datagram payload size.
func (m *Mux) MTU() uint16 { return m.mtu }

// SetMTU changes the maximum datagram payload size for future segmentation.
// Zero is ignored.
func (m *Mux) SetMTU(mtu uint16) {
	if mtu == 0 {
		return
	}
	m.mtu = mtu
	m.txbuf = make([]byte, sizeHeader+int(mtu))
}

// UserTimeout returns the connection progress timeout.
func (m *Mux) UserTimeout() time.Duration { return m.userTimeout }

// SetUserTimeout changes the connection progress timeout for future arming.
func (m *Mux) SetUserTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.userTimeout = d
}

// Stats returns a snapshot of the multiplexer counters.
func (m *Mux) Stats() Stats {
	return Stats{
		Connections:    m.stats.conns.Load(),
		SegmentsIn:     m.stats.segsIn.Load(),
		SegmentsOut:    m.stats.segsOut.Load(),
		BytesDelivered: m.stats.bytesDelivered.Load(),
		Retransmits:    m.stats.retransmits.Load(),
		ResetsSent:     m.stats.rstsOut.Load(),
		ActiveOpens:    m.stats.activeOpens.Load(),
		PassiveOpens:   m.stats.passiveOpens.Load(),
		Accepts:        m.stats.accepts.Load(),
		Reaped:         m.stats.reaped.Load(),
	}
}

// searchConn returns the table index of (src, dst) and whether it is present.
// When absent, the index is the insertion point that keeps the table sorted.
func (m *Mux) searchConn(src, dst uint16) (int, bool) {
	i := sort.Search(len(m.conns), func(i int) bool {
		c := m.conns[i]
		return c.src > src || (c.src == src && c.dst >= dst)
	})
	found := i < len(m.conns) && m.conns[i].src == src && m.conns[i].dst == dst
	return i, found
}

// allocateConn creates a connection keyed (src, dst) and inserts it into the
// table. A zero src asks for an ephemeral port: a random value with the high
// bit set, probed linearly upward until a free pair is found.
func (m *Mux) allocateConn(src, dst uint16) (*Conn, error) {
	if src != 0 {
		if _, exists := m.searchConn(src, dst); exists {
			return nil, ErrAddrInUse
		}
	} else {
		if len(m.conns) >= maxConnections {
			return nil, ErrPortSpaceExhausted
		}
		m.portSeed = internal.Prand16(m.portSeed)
		src = m.portSeed | 0x8000
		for {
			if _, exists := m.searchConn(src, dst); !exists {
				break
			}
			src++
			if src == 0 {
				src = 0x8000
			}
		}
	}

	c := &Conn{
		mux:           m,
		id:            xid.New(),
		src:           src,
		dst:           dst,
		sndbuf:        make([]byte, m.defSndBuf),
		maxSndBufSize: Size(m.defMaxSndBuf),
		logger:        m.logger,
	}
	iss := m.issFn(src, dst)
	c.snd = sendSpace{
		ISS:  iss,
		UNA:  iss,
		NXT:  iss + 1,
		LAST: iss + 1,
		CWND: Size(m.mtu),
	}
	c.rcv.WND = Size(m.mtu)

	i, _ := m.searchConn(src, dst)
	m.conns = append(m.conns, nil)
	copy(m.conns[i+1:], m.conns[i:])
	m.conns[i] = c
	m.stats.conns.Add(1)
	return c, nil
}

// freeConn removes a connection from the table, preserving order. The
// connection object is left closed and reapable so stray handles error out.
func (m *Mux) freeConn(c *Conn) {
	i, ok := m.searchConn(c.src, c.dst)
	if !ok || m.conns[i] != c {
		return
	}
	m.conns = append(m.conns[:i], m.conns[i+1:]...)
	m.stats.conns.Add(-1)
	c.state = StateClosed
	c.reapable = true
}

// Connect performs an active open towards remote port dst: it allocates a
// connection on an ephemeral local port, emits the SYN and arms the user
// timeout. The handshake completes asynchronously as datagrams arrive.
func (m *Mux) Connect(dst uint16, recv RecvFunc, priv any) (*Conn, error) {
	if m.closed {
		return nil, net.ErrClosed
	}
	c, err := m.allocateConn(0, dst)
	if err != nil {
		return nil, err
	}
	c.recv = recv
	c.priv = priv
	c.setState(StateSynSent)
	m.stats.activeOpens.Add(1)

	frm := Frame{buf: m.txbuf[:sizeHeader]}
	frm.ClearHeader()
	frm.SetSourcePort(c.src)
	frm.SetDestinationPort(c.dst)
	frm.SetSeq(c.snd.ISS)
	frm.SetWindow(c.rcv.WND)
	frm.SetFlags(FlagSYN)
	m.transmit(frm.buf)

	c.connTimeout = m.now().Add(m.userTimeout)
	return c, nil
}

// Recv is the ingress handler: the caller feeds every datagram that arrives
// on the carrier. Datagrams are dispatched to the matching connection, or
// open one passively, or draw a RST. Malformed datagrams are rejected with
// ErrBadDatagram and have no effect on any connection. An empty datagram is
// ignored and returns nil.
func (m *Mux) Recv(datagram []byte) error {
	if m.closed {
		return net.ErrClosed
	}
	if len(datagram) == 0 {
		return nil
	}
	m.stats.segsIn.Add(1)
	frm, err := NewFrame(datagram)
	if err != nil {
		return err
	}
	if err := frm.Validate(); err != nil {
		return err
	}
	m.traceFrame("utcp:rx", frm)

	// The datagram's destination is our local port.
	c, ok := m.findConn(frm.DestinationPort(), frm.SourcePort())
	if !ok {
		m.recvUnmatched(frm)
		return nil
	}
	if c.state == StateClosed {
		return nil
	}
	c.recvSegment(frm)
	return nil
}

func (m *Mux) findConn(src, dst uint16) (*Conn, bool) {
	i, ok := m.searchConn(src, dst)
	if !ok {
		return nil, false
	}
	return m.conns[i], true
}

// recvUnmatched handles a datagram for which no connection exists: a passive
// open when it is a plain SYN and accepting is enabled, a silent drop for
// RSTs, and a RST reply for everything else.
func (m *Mux) recvUnmatched(frm Frame) {
	flags := frm.Flags()
	if flags.HasAny(FlagRST) {
		return
	}
	if !flags.HasAny(FlagSYN) || flags.HasAny(FlagACK) || m.accept == nil {
		m.resetReply(frm)
		return
	}
	localPort := frm.DestinationPort()
	if m.preAccept != nil && !m.preAccept(m, localPort) {
		m.debug("mux:pre-accept-refused", slog.Uint64("port", uint64(localPort)))
		m.resetReply(frm)
		return
	}
	c, err := m.allocateConn(localPort, frm.SourcePort())
	if err != nil {
		m.logerr("mux:passive-open", slog.String("err", err.Error()))
		m.resetReply(frm)
		return
	}
	c.snd.WND = frm.Window()
	c.rcv.IRS = frm.Seq()
	c.rcv.NXT = frm.Seq() + 1
	c.setState(StateSynRcvd)
	m.stats.passiveOpens.Add(1)

	out := Frame{buf: m.txbuf[:sizeHeader]}
	out.ClearHeader()
	out.SetSourcePort(c.src)
	out.SetDestinationPort(c.dst)
	out.SetSeq(c.snd.ISS)
	out.SetAck(c.rcv.IRS + 1)
	out.SetWindow(c.rcv.WND)
	out.SetFlags(synack)
	m.transmit(out.buf)
}

// resetReply synthesizes a RST from a received header: ports swapped, window
// zeroed. An incoming ACK lends the RST its sequence number; otherwise the
// RST acknowledges the whole incoming segment, SYN and FIN counted.
func (m *Mux) resetReply(in Frame) {
	out := Frame{buf: m.txbuf[:sizeHeader]}
	out.ClearHeader()
	out.SetSourcePort(in.DestinationPort())
	out.SetDestinationPort(in.SourcePort())
	if in.Flags().HasAny(FlagACK) {
		out.SetSeq(in.Ack())
		out.SetFlags(FlagRST)
	} else {
		out.SetAck(in.Seq() + Value(in.SegLen()))
		out.SetFlags(rstack)
	}
	m.stats.rstsOut.Add(1)
	m.transmit(out.buf)
}

// transmit hands one datagram to the carrier. The send callback's verdict is
// not inspected: loss is recovered by retransmission.
func (m *Mux) transmit(pkt []byte) {
	m.stats.segsOut.Add(1)
	m.traceFrame("utcp:tx", Frame{buf: pkt})
	m.send(m, pkt)
}

// Tick advances the timer engine across all connections: reaping relinquished
// closed connections, expiring user timeouts, firing retransmissions and poll
// callbacks, and re-arming the retransmit timer and the user timeout where
// unacked data remains.
// It returns the duration until the earliest armed timer, rounded down to
// whole milliseconds, or an hour when nothing is pending; zero means a timer
// is already due.
func (m *Mux) Tick() time.Duration {
	now := m.now()
	next := now.Add(tickIdleWait)
	for i := 0; i < len(m.conns); i++ {
		c := m.conns[i]
		if c.state == StateClosed {
			if c.reapable {
				m.debug("mux:reap", slog.String("conn", c.id.String()),
					slog.Uint64("src", uint64(c.src)))
				m.conns = append(m.conns[:i], m.conns[i+1:]...)
				m.stats.conns.Add(-1)
				m.stats.reaped.Add(1)
				i--
			}
			continue
		}

		if !c.connTimeout.IsZero() && c.connTimeout.Before(now) {
			c.state = StateClosed
			c.connTimeout = time.Time{}
			c.rtrxTimeout = time.Time{}
			c.deliverEOF(ErrTimeout)
			continue
		}

		if !c.rtrxTimeout.IsZero() && c.rtrxTimeout.Before(now) {
			c.retransmit()
		}

		if c.poll != nil && c.state.isConnected() && len(c.sndbuf) < int(c.maxSndBufSize)/2 {
			c.poll(c, c.SndBufFree())
		}

		// Re-arm the user timeout while sent data awaits acknowledgment.
		if c.snd.NXT != c.snd.UNA && c.connTimeout.IsZero() {
			c.connTimeout = now.Add(m.userTimeout)
		}
		if !c.connTimeout.IsZero() && c.connTimeout.Before(next) {
			next = c.connTimeout
		}
		if c.snd.NXT != c.snd.UNA {
			c.rtrxTimeout = now.Add(rtrxInterval)
		} else {
			c.rtrxTimeout = time.Time{}
		}
		if !c.rtrxTimeout.IsZero() && c.rtrxTimeout.Before(next) {
			next = c.rtrxTimeout
		}
	}
	wait := next.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait - wait%time.Millisecond
}

// Close tears the multiplexer down. Connections the application has not
// closed are noted and dropped; no datagrams are emitted. The mux must not be
// used afterwards.
func (m *Mux) Close() error {
	if m.closed {
		return net.ErrClosed
	}
	m.closed = true
	for _, c := range m.conns {
		if !c.reapable {
			m.info("mux:close-unclosed",
				slog.String("conn", c.id.String()),
				slog.Uint64("src", uint64(c.src)),
				slog.String("state", c.state.String()))
		}
		c.state = StateClosed
		c.reapable = true
	}
	m.conns = nil
	m.stats.conns.Store(0)
	return nil
}
