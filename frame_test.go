package utcp

import (
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	buf := make([]byte, sizeHeader+3)
	frm, err := NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(0x8001)
	frm.SetDestinationPort(80)
	frm.SetSeq(0xFFFFFFFE)
	frm.SetAck(42)
	frm.SetWindow(1000)
	frm.SetFlags(synack)
	frm.SetAux(0)
	copy(frm.Payload(), "abc")

	if frm.SourcePort() != 0x8001 || frm.DestinationPort() != 80 {
		t.Error("port fields corrupted")
	}
	if frm.Seq() != 0xFFFFFFFE || frm.Ack() != 42 {
		t.Error("sequence fields corrupted")
	}
	if frm.Window() != 1000 || frm.Aux() != 0 {
		t.Error("window/aux fields corrupted")
	}
	if frm.Flags() != synack {
		t.Error("ctl field corrupted")
	}
	if string(frm.Payload()) != "abc" {
		t.Error("payload corrupted")
	}
	if err := frm.Validate(); err != nil {
		t.Error("valid frame rejected:", err)
	}
	// SYN counts as one sequence number on top of the payload.
	if frm.SegLen() != 4 {
		t.Errorf("SegLen = %d, want 4", frm.SegLen())
	}
}

func TestFrameRejectsShortAndUnknownCtl(t *testing.T) {
	_, err := NewFrame(make([]byte, sizeHeader-1))
	if !errors.Is(err, ErrBadDatagram) {
		t.Fatalf("short buffer error = %v", err)
	}
	frm, err := NewFrame(make([]byte, sizeHeader))
	if err != nil {
		t.Fatal(err)
	}
	frm.SetFlags(FlagACK | 0x40)
	if err := frm.Validate(); !errors.Is(err, ErrBadDatagram) {
		t.Fatalf("unknown ctl bits error = %v", err)
	}
}

func TestFlagsString(t *testing.T) {
	cases := []struct {
		flags Flags
		want  string
	}{
		{0, "[]"},
		{FlagSYN, "[SYN]"},
		{synack, "[SYN,ACK]"},
		{rstack, "[RST,ACK]"},
		{FlagSYN | FlagFIN, "[SYN,FIN]"},
	}
	for _, tc := range cases {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint16(tc.flags), got, tc.want)
		}
	}
}
