package channel

import (
	"testing"
	"time"

	"github.com/hostbridge-go/agent/frame"
)

func TestDuplexRoundTrip(t *testing.T) {
	a, b := frame.Pipe()
	enc := frame.NewEncoder(a)
	d := NewDuplex(enc, 5)

	reg := frame.NewRegistry()
	if err := reg.Register(&frame.Channel{Number: 5, Packetized: false, Sink: d.Sink()}); err != nil {
		t.Fatal(err)
	}
	dec := frame.NewDecoder(reg)

	go func() {
		dec.Feed([]byte{frame.ChannelPrefix, 5})
		dec.Feed([]byte("hello"))
	}()

	got := make([]byte, 5)
	n := 0
	deadline := time.Now().Add(time.Second)
	for n < 5 && time.Now().Before(deadline) {
		m, err := d.Read(got[n:])
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		n += m
	}
	if string(got[:n]) != "hello" {
		t.Fatalf("got %q, want %q", got[:n], "hello")
	}

	if _, err := d.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	hn, _ := b.Read(buf)

	hostReg := frame.NewRegistry()
	collected := &collectSink{}
	if err := hostReg.Register(&frame.Channel{Number: 5, Packetized: false, Sink: collected}); err != nil {
		t.Fatal(err)
	}
	frame.NewDecoder(hostReg).Feed(buf[:hn])
	if string(collected.bytes) != "world" {
		t.Fatalf("host side got %q, want %q (expect raw, unframed)", collected.bytes, "world")
	}
}

type collectSink struct{ bytes []byte }

func (s *collectSink) Write(b byte, first, last bool) { s.bytes = append(s.bytes, b) }

func TestDuplexCloseUnblocksRead(t *testing.T) {
	a, _ := frame.Pipe()
	enc := frame.NewEncoder(a)
	d := NewDuplex(enc, 6)

	done := make(chan error, 1)
	go func() {
		_, err := d.Read(make([]byte, 1))
		done <- err
	}()
	d.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected io.EOF after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}
