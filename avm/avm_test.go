package avm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hostbridge-go/agent/frame"
)

type collectSink struct{ bytes []byte }

func (s *collectSink) Write(b byte, first, last bool) { s.bytes = append(s.bytes, b) }

// decodeReply feeds a raw framed reply back through a fresh decoder and
// returns the payload bytes delivered to channel 0, so tests can assert on
// payload content without hand-decoding escape sequences.
func decodeReply(t *testing.T, raw []byte) []byte {
	t.Helper()
	reg := frame.NewRegistry()
	sink := &collectSink{}
	if err := reg.Register(&frame.Channel{Number: Channel, Packetized: true, Sink: sink}); err != nil {
		t.Fatal(err)
	}
	frame.NewDecoder(reg).Feed(raw)
	return sink.bytes
}

func wireHandler(t *testing.T, data []byte, base uint32) (*frame.Decoder, frame.Port) {
	t.Helper()
	a, b := frame.Pipe()
	enc := frame.NewEncoder(a)
	h := NewHandler(enc, Channel, NewWindow(base, data))

	reg := frame.NewRegistry()
	if err := reg.Register(&frame.Channel{Number: Channel, Packetized: true, Sink: h.Sink()}); err != nil {
		t.Fatal(err)
	}
	return frame.NewDecoder(reg), b
}

func sendRequest(d *frame.Decoder, header []byte) {
	d.Feed([]byte{frame.ChannelPrefix, Channel, frame.SOP})
	d.Feed(header)
	d.Feed([]byte{frame.EOPPrefix, 0x00})
}

// TestAVMOutOfRangeRead is scenario S6: a 16-byte read outside the
// whitelisted window replies with a single zero byte.
func TestAVMOutOfRangeRead(t *testing.T) {
	d, hostSide := wireHandler(t, make([]byte, 16), 0x10000000)

	header := []byte{0x10, 0x00, 0x00, 0x10, 0x20, 0x00, 0x00, 0x00} // size=16, addr=0x20000000
	sendRequest(d, header)

	buf := make([]byte, 64)
	n, _ := hostSide.Read(buf)
	if got := decodeReply(t, buf[:n]); cmp.Diff([]byte{0x00}, got) != "" {
		t.Fatalf("out-of-range read reply = %v, want [0x00]", got)
	}
}

func TestAVMInRangeReadReturnsMemory(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	d, hostSide := wireHandler(t, data, 0x10000000)

	header := []byte{0x10, 0x00, 0x00, 0x04, 0x10, 0x00, 0x00, 0x00} // size=4, addr=0x10000000
	sendRequest(d, header)

	buf := make([]byte, 64)
	n, _ := hostSide.Read(buf)
	if got := decodeReply(t, buf[:n]); cmp.Diff(data, got) != "" {
		t.Fatalf("in-range read reply = %v, want %v", got, data)
	}
}

func TestWriteIsRejectedWithInvertedCodeReply(t *testing.T) {
	d, hostSide := wireHandler(t, make([]byte, 16), 0x10000000)

	header := []byte{0x00, 0x00, 0x00, 0x04, 0x10, 0x00, 0x00, 0x00} // write, non-incr
	sendRequest(d, header)

	buf := make([]byte, 64)
	n, _ := hostSide.Read(buf)
	want := []byte{0x00 ^ 0x80, 0, 0, 0}
	if got := decodeReply(t, buf[:n]); cmp.Diff(want, got) != "" {
		t.Fatalf("write reply = %v, want %v", got, want)
	}
}
