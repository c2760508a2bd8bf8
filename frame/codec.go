package frame

import (
	"runtime"
	"sync"
)

// Decoder is the byte-at-a-time framing state machine (§4.1). Feed may be
// called with any chunking of the same underlying byte stream and produces
// identical sink output either way: state that spans a call boundary (a
// held escape, an open channel-prefix, an open packet) lives in the
// Decoder, not in the call stack.
type Decoder struct {
	registry *Registry

	inEscape        bool
	inChannelPrefix bool
	packetOpen      bool
	firstPending    bool
	pendingEOP      bool
	current         *Channel
}

// NewDecoder returns a decoder that routes bytes through registry.
func NewDecoder(registry *Registry) *Decoder {
	return &Decoder{registry: registry}
}

// Feed advances the decoder by the bytes in data, delivering payload bytes
// to their channels' sinks as they are recognized.
func (d *Decoder) Feed(data []byte) {
	for _, b := range data {
		d.feedByte(b)
	}
}

func (d *Decoder) feedByte(b byte) {
	if d.inEscape {
		d.inEscape = false
		if d.inChannelPrefix {
			// CHANNEL_PREFIX, ESCAPE_PREFIX, x selects channel x^0x20, the
			// form Encoder.Send emits for channel numbers that need escaping.
			d.inChannelPrefix = false
			d.switchChannel(b ^ EscapeXOR)
			return
		}
		d.deliverPayload(b ^ EscapeXOR)
		return
	}
	switch b {
	case SOP:
		d.packetOpen = true
		d.firstPending = true
		d.pendingEOP = false
		return
	case EOPPrefix:
		d.pendingEOP = true
		return
	case ChannelPrefix:
		d.inChannelPrefix = true
		return
	case EscapePrefix:
		d.inEscape = true
		return
	}
	if d.inChannelPrefix {
		d.inChannelPrefix = false
		d.switchChannel(b)
		return
	}
	d.deliverPayload(b)
}

func (d *Decoder) switchChannel(number byte) {
	// A channel switch closes any open packet on the previous sink without
	// asserting EOP; the new channel starts with no packet open.
	d.packetOpen = false
	d.firstPending = false
	d.pendingEOP = false
	if ch, ok := d.registry.Lookup(number); ok {
		d.current = ch
	} else {
		d.current = nil
	}
}

func (d *Decoder) deliverPayload(b byte) {
	if d.current == nil {
		return
	}
	first := d.packetOpen && d.firstPending
	last := d.current.Packetized && d.pendingEOP
	if d.current.Packetized {
		d.current.Sink.Write(b, first, last)
	} else {
		d.current.Sink.Write(b, false, false)
	}
	d.firstPending = false
	if d.pendingEOP {
		d.pendingEOP = false
		d.packetOpen = false
	}
}

// Encoder serializes outbound frames onto a Port. A single call to Send
// holds the transport mutex for its whole duration and never spans a read,
// so concurrent handlers interleave only at packet boundaries.
type Encoder struct {
	mu          sync.Mutex
	port        Port
	lastChannel int
}

// NewEncoder returns an encoder writing to port.
func NewEncoder(port Port) *Encoder {
	return &Encoder{port: port, lastChannel: -1}
}

// Send writes payload to channel, selecting it first if it differs from the
// last channel written (or if flags includes Reset), then framing payload
// with SOP/EOP and escaping as directed by flags&Packetized.
func (e *Encoder) Send(channel byte, payload []byte, flags int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if int(channel) != e.lastChannel || flags&Reset != 0 {
		var sel []byte
		if needsEscape(channel) {
			sel = []byte{ChannelPrefix, EscapePrefix, channel ^ EscapeXOR}
		} else {
			sel = []byte{ChannelPrefix, channel}
		}
		if err := e.writeAll(sel); err != nil {
			return err
		}
		e.lastChannel = int(channel)
	}

	packetize := flags&Packetized != 0
	out := make([]byte, 0, len(payload)+4)
	if packetize {
		out = append(out, SOP)
	}
	for i, b := range payload {
		if packetize && i == len(payload)-1 {
			out = append(out, EOPPrefix)
		}
		if needsEscape(b) {
			out = append(out, EscapePrefix, b^EscapeXOR)
		} else {
			out = append(out, b)
		}
	}
	return e.writeAll(out)
}

func (e *Encoder) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := e.port.Write(buf)
		if err != nil {
			return err
		}
		if n > 0 {
			buf = buf[n:]
		} else {
			runtime.Gosched()
		}
	}
	return nil
}
