// Package utcp is a userspace reliable byte-stream transport: TCP-style
// semantics layered over an arbitrary, caller-supplied unreliable datagram
// carrier. The package opens no sockets and reads no network; it is a pure
// protocol engine. The caller feeds inbound datagrams to [Mux.Recv], and the
// engine calls back into the caller to emit outbound datagrams and to deliver
// received application bytes. Multiple logical connections are multiplexed
// onto one carrier using 16-bit port pairs.
//
// The engine is single-threaded and non-reentrant per multiplexer. The caller
// provides all scheduling: it decides when to call [Mux.Recv], [Mux.Tick] and
// the connection operations, and serializes them with respect to a given Mux.
// No operation blocks; all I/O is dispatched synchronously through the send
// callback, and timers advance only through explicit Tick calls.
//
// The carrier is assumed to preserve datagram boundaries but may lose,
// duplicate or reorder datagrams. Reliability comes from sequence-number
// accounting and timer-driven retransmission; reception is strictly in order,
// so reordered datagrams are recovered by retransmission rather than
// reassembly.
package utcp
