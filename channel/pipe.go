// Package channel provides raw (non-packetized) duplex byte channels that
// runner code can register dynamically alongside the RPC and AVM channels
// (§6 "additional pipe channels are registered dynamically"): a runtime's
// console or a debug log stream shares the same multiplexed byte port
// without going through JSON-RPC or BSON at all.
package channel

import (
	"io"
	"sync"

	"github.com/hostbridge-go/agent/frame"
)

// Duplex bridges one raw frame.Channel to an io.ReadWriter a runner can use
// directly: bytes arriving on the channel are buffered for Read, and Write
// sends bytes back out the same channel number through the shared encoder.
// Framing bytes never reach the reader or writer; the channel is registered
// non-packetized, so the decoder strips SOP/EOP/escape bytes on the way in
// and the encoder never brackets a Send with them on the way out.
type Duplex struct {
	enc     *frame.Encoder
	channel byte

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// NewDuplex returns a Duplex that writes through enc on channel. Callers
// register Sink() in a frame.Registry as a non-packetized Channel before
// any bytes can arrive.
func NewDuplex(enc *frame.Encoder, channelNum byte) *Duplex {
	d := &Duplex{enc: enc, channel: channelNum}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Sink returns the frame.Sink to register for this channel's inbound
// bytes.
func (d *Duplex) Sink() frame.Sink {
	return frame.SinkFunc(func(b byte, first, last bool) {
		d.mu.Lock()
		d.buf = append(d.buf, b)
		d.cond.Signal()
		d.mu.Unlock()
	})
}

// Read blocks until at least one byte is available and copies as many
// buffered bytes as fit into p. It returns io.EOF once Close has been
// called and the buffer has drained.
func (d *Duplex) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.buf) == 0 {
		if d.closed {
			return 0, io.EOF
		}
		d.cond.Wait()
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// Write sends p out this channel, unframed (raw, not packetized).
func (d *Duplex) Write(p []byte) (int, error) {
	if err := d.enc.Send(d.channel, p, 0); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close unblocks any pending Read with io.EOF. It does not deregister the
// channel; channel numbers are append-only for the registry's lifetime
// (§4.2).
func (d *Duplex) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	return nil
}
