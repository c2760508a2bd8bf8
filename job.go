package agent

import (
	"encoding/binary"

	"github.com/hostbridge-go/agent/metrics"
)

// rpcChannelSink reassembles framed packets on the RPC channel into whole
// BSON request documents (§4.5 "RPC Channel"): the first four payload bytes
// are a little-endian total length (matching the document's own BSON length
// prefix), and the job buffer is accumulated until either the byte marked
// last arrives exactly at the declared length (accept) or the buffer would
// grow past it (drop). A single-slot mailbox holds at most one assembled
// job; a second job arriving before the first is drained is dropped, same
// as a pending_job mailbox that is still occupied.
type rpcChannelSink struct {
	maxLen  int
	mailbox chan []byte
	mx      *metrics.M

	offset      int
	declaredLen int
	lenBytes    [4]byte
	buf         []byte
}

func newRPCChannelSink(maxLen int, mailbox chan []byte, mx *metrics.M) *rpcChannelSink {
	return &rpcChannelSink{maxLen: maxLen, mailbox: mailbox, mx: mx}
}

func (s *rpcChannelSink) Write(b byte, first, last bool) {
	if first {
		s.reset()
	}
	s.mx.RPCBytesIn(1)

	if s.offset < 4 {
		s.lenBytes[s.offset] = b
		s.offset++
		if s.offset == 4 {
			n := int(binary.LittleEndian.Uint32(s.lenBytes[:]))
			if n < 5 || n > s.maxLen {
				s.drop()
				return
			}
			s.declaredLen = n
			s.buf = make([]byte, 4, n)
			copy(s.buf, s.lenBytes[:])
		}
		if last {
			// EOP landed inside the length prefix: never a valid document.
			s.drop()
		}
		return
	}

	if len(s.buf) >= s.declaredLen {
		s.drop()
		return
	}
	s.buf = append(s.buf, b)
	if last {
		if len(s.buf) == s.declaredLen {
			s.accept()
		} else {
			s.drop()
		}
	}
}

func (s *rpcChannelSink) reset() {
	s.offset = 0
	s.declaredLen = 0
	s.buf = nil
}

func (s *rpcChannelSink) drop() {
	s.mx.RPCJobsDropped()
	s.reset()
}

func (s *rpcChannelSink) accept() {
	select {
	case s.mailbox <- s.buf:
		s.mx.RPCJobsAccepted()
	default:
		s.mx.RPCJobsDropped()
	}
	s.reset()
}
