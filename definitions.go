package utcp

import (
	"errors"
	"math/bits"
)

var (
	// ErrAddrInUse is returned by Connect when the requested (src, dst) port
	// pair already has a connection in the multiplexer table.
	ErrAddrInUse = errors.New("utcp: address in use")
	// ErrPortSpaceExhausted is returned by Connect when no ephemeral source
	// port can be allocated because the connection table is full.
	ErrPortSpaceExhausted = errors.New("utcp: ephemeral port space exhausted")
	// ErrNotConnected is returned by Send before the handshake has completed.
	ErrNotConnected = errors.New("utcp: not connected")
	// ErrBadDatagram is returned by Mux.Recv for non-empty datagrams shorter
	// than the header or carrying unknown control bits.
	ErrBadDatagram = errors.New("utcp: malformed datagram")
	// ErrRefused is the error handed to the receive callback when the peer
	// answers a connection attempt with RST.
	ErrRefused = errors.New("utcp: connection refused")
	// ErrReset is the error handed to the receive callback when an
	// established connection is torn down by a peer RST.
	ErrReset = errors.New("utcp: connection reset")
	// ErrTimeout is the error handed to the receive callback when the user
	// timeout expires before the connection makes progress.
	ErrTimeout = errors.New("utcp: connection timed out")
	// ErrNilCallback is returned by NewMux when no send callback is given.
	ErrNilCallback = errors.New("utcp: nil send callback")

	// Reapable connections report net.ErrClosed; sends after a local FIN
	// report io.ErrClosedPipe.
	errAcceptGone = errors.New("utcp: accept on connection not in SYN_RECEIVED")
)

// Flags is the ctl bitmask of the datagram header. Any bit outside the four
// defined here makes a datagram invalid.
type Flags uint16

const (
	FlagSYN Flags = 1 << iota // FlagSYN - synchronize sequence numbers.
	FlagACK                   // FlagACK - acknowledgment field significant.
	FlagFIN                   // FlagFIN - no more data from sender.
	FlagRST                   // FlagRST - reset the connection.
)

const flagMask = FlagSYN | FlagACK | FlagFIN | FlagRST

const (
	synack = FlagSYN | FlagACK
	rstack = FlagRST | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// String returns a human readable flag string, i.e. "[SYN,ACK]".
func (flags Flags) String() string {
	// Cover the common combinations without heap allocating.
	switch flags {
	case 0:
		return "[]"
	case FlagSYN:
		return "[SYN]"
	case FlagACK:
		return "[ACK]"
	case synack:
		return "[SYN,ACK]"
	case FlagFIN | FlagACK:
		return "[FIN,ACK]"
	case FlagRST:
		return "[RST]"
	case rstack:
		return "[RST,ACK]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	const flaglen = 3
	const strflags = "SYNACKFINRST???"
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		j := min(i, 4)
		b = append(b, strflags[j*flaglen:j*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates states a connection progresses through during its lifetime.
// Semantics are those of the TCP state machine.
type State uint8

const (
	// CLOSED - no connection state at all; a pseudo-state pre-initialization
	// and post-teardown.
	StateClosed State = iota
	// LISTEN - waiting for a connection request from any remote port.
	StateListen
	// SYN_SENT - waiting for a matching connection request after having sent one.
	StateSynSent
	// SYN_RECEIVED - waiting for the acknowledgment that completes the
	// handshake after having both received and sent a connection request.
	StateSynRcvd
	// ESTABLISHED - an open connection; the normal data transfer state.
	StateEstablished
	// FIN_WAIT_1 - waiting for a termination request from the remote side, or
	// for the acknowledgment of the termination request previously sent.
	StateFinWait1
	// FIN_WAIT_2 - waiting for a termination request from the remote side.
	StateFinWait2
	// CLOSE_WAIT - waiting for a termination request from the local user.
	StateCloseWait
	// CLOSING - waiting for a termination request acknowledgment from the
	// remote side.
	StateClosing
	// LAST_ACK - waiting for the acknowledgment of the termination request
	// previously sent.
	StateLastAck
	// TIME_WAIT - waiting for enough time to pass to be sure the remote side
	// received the acknowledgment of its termination request.
	StateTimeWait
)

var strstate = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if int(s) >= len(strstate) {
		return "UNKNOWN"
	}
	return strstate[s]
}

// isConnected returns true in the states that accept application data for
// transmission.
func (s State) isConnected() bool {
	return s == StateEstablished || s == StateCloseWait
}

// isPreconnection returns true in the states preceding the completion of the
// handshake, where Send fails with ErrNotConnected.
func (s State) isPreconnection() bool {
	switch s {
	case StateClosed, StateListen, StateSynSent, StateSynRcvd:
		return true
	}
	return false
}

// sawFIN returns true once a FIN has been received from the peer, after which
// further data or control requests from the peer are protocol violations.
func (s State) sawFIN() bool {
	switch s {
	case StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}
