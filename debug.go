package utcp

import (
	"log/slog"

	"github.com/udplane/utcp/internal"
)

type logger struct {
	log *slog.Logger
}

func (l logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l logger) info(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelInfo, msg, attrs...)
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

// traceFrame logs one datagram at trace level, the in/out direction given by msg.
func (l logger) traceFrame(msg string, frm Frame) {
	if !l.logenabled(internal.LevelTrace) {
		return
	}
	l.trace(msg,
		slog.Uint64("src", uint64(frm.SourcePort())),
		slog.Uint64("dst", uint64(frm.DestinationPort())),
		slog.Uint64("seq", uint64(frm.Seq())),
		slog.Uint64("ack", uint64(frm.Ack())),
		slog.Uint64("wnd", uint64(frm.Window())),
		slog.String("ctl", frm.Flags().String()),
		slog.Int("len", len(frm.Payload())),
	)
}

func (c *Conn) traceTCB(msg string) {
	if !c.logenabled(internal.LevelTrace) {
		return
	}
	c.trace(msg,
		slog.String("conn", c.id.String()),
		slog.String("state", c.state.String()),
		slog.Uint64("snd.una", uint64(c.snd.UNA)),
		slog.Uint64("snd.nxt", uint64(c.snd.NXT)),
		slog.Uint64("snd.last", uint64(c.snd.LAST)),
		slog.Uint64("snd.cwnd", uint64(c.snd.CWND)),
		slog.Uint64("rcv.nxt", uint64(c.rcv.NXT)),
	)
}
