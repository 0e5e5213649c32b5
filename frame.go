package utcp

import (
	"encoding/binary"
	"fmt"
)

// sizeHeader is the fixed length of the datagram header prepended to every
// segment: src, dst, seq, ack, wnd, ctl, aux.
const sizeHeader = 20

// Frame encapsulates the raw bytes of one datagram and provides methods for
// manipulating and retrieving header fields and payload data. Fields are
// little-endian; the carrier is opaque so no network byte order is imposed,
// only that both peers agree.
type Frame struct {
	buf []byte
}

// NewFrame returns a Frame over buf. An error is returned if the buffer is
// smaller than the fixed header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, fmt.Errorf("%w: %d byte datagram", ErrBadDatagram, len(buf))
	}
	return Frame{buf: buf}, nil
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

// SourcePort identifies the sending port of the datagram.
func (frm Frame) SourcePort() uint16 {
	return binary.LittleEndian.Uint16(frm.buf[0:2])
}

// SetSourcePort sets the source port. See [Frame.SourcePort].
func (frm Frame) SetSourcePort(src uint16) {
	binary.LittleEndian.PutUint16(frm.buf[0:2], src)
}

// DestinationPort identifies the receiving port of the datagram.
func (frm Frame) DestinationPort() uint16 {
	return binary.LittleEndian.Uint16(frm.buf[2:4])
}

// SetDestinationPort sets the destination port. See [Frame.DestinationPort].
func (frm Frame) SetDestinationPort(dst uint16) {
	binary.LittleEndian.PutUint16(frm.buf[2:4], dst)
}

// Seq returns the sequence number of the first octet of the segment. If SYN is
// set it is the initial sequence number and the first data octet is ISS+1.
func (frm Frame) Seq() Value {
	return Value(binary.LittleEndian.Uint32(frm.buf[4:8]))
}

// SetSeq sets the Seq field. See [Frame.Seq].
func (frm Frame) SetSeq(v Value) {
	binary.LittleEndian.PutUint32(frm.buf[4:8], uint32(v))
}

// Ack is the next sequence number the sender of the segment expects to
// receive, meaningful when the ACK flag is set.
func (frm Frame) Ack() Value {
	return Value(binary.LittleEndian.Uint32(frm.buf[8:12]))
}

// SetAck sets the Ack field. See [Frame.Ack].
func (frm Frame) SetAck(v Value) {
	binary.LittleEndian.PutUint32(frm.buf[8:12], uint32(v))
}

// Window returns the window size advertised by the sender of the segment.
func (frm Frame) Window() Size {
	return Size(binary.LittleEndian.Uint32(frm.buf[12:16]))
}

// SetWindow sets the window field. See [Frame.Window].
func (frm Frame) SetWindow(wnd Size) {
	binary.LittleEndian.PutUint32(frm.buf[12:16], uint32(wnd))
}

// Flags returns the ctl bitmask of the header. The result may contain bits
// outside [flagMask]; see [Frame.Validate].
func (frm Frame) Flags() Flags {
	return Flags(binary.LittleEndian.Uint16(frm.buf[16:18]))
}

// SetFlags sets the ctl field. See [Frame.Flags].
func (frm Frame) SetFlags(flags Flags) {
	binary.LittleEndian.PutUint16(frm.buf[16:18], uint16(flags))
}

// Aux returns the auxiliary header field, currently always zero on emit.
func (frm Frame) Aux() uint16 {
	return binary.LittleEndian.Uint16(frm.buf[18:20])
}

// SetAux sets the auxiliary field. See [Frame.Aux].
func (frm Frame) SetAux(aux uint16) {
	binary.LittleEndian.PutUint16(frm.buf[18:20], aux)
}

// Payload returns the application bytes following the header.
func (frm Frame) Payload() []byte {
	return frm.buf[sizeHeader:]
}

// ClearHeader zeros out the header contents.
func (frm Frame) ClearHeader() {
	for i := range frm.buf[:sizeHeader] {
		frm.buf[i] = 0
	}
}

// Validate checks the ctl field for unknown bits. Short buffers are already
// rejected by [NewFrame].
func (frm Frame) Validate() error {
	if frm.Flags()&^flagMask != 0 {
		return fmt.Errorf("%w: unknown ctl bits %#x", ErrBadDatagram, uint16(frm.Flags()))
	}
	return nil
}

// SegLen returns the length of the segment in sequence space, counting SYN
// and FIN flags as one octet each.
func (frm Frame) SegLen() Size {
	seglen := Size(len(frm.Payload()))
	flags := frm.Flags()
	seglen += Size(flags>>0) & 1 // SYN bit.
	seglen += Size(flags>>2) & 1 // FIN bit.
	return seglen
}

func (frm Frame) String() string {
	return fmt.Sprintf("utcp :%d -> :%d seq=%d ack=%d wnd=%d %s len=%d",
		frm.SourcePort(), frm.DestinationPort(), frm.Seq(), frm.Ack(),
		frm.Window(), frm.Flags().String(), len(frm.Payload()))
}
