// Package avm implements the built-in channel-0 sink: a simplified
// Avalon-MM transaction protocol used for read-only memory introspection
// (§4.3). It has no RPC involvement; it is wired into the channel registry
// directly as a packetized frame.Sink.
package avm

import (
	"encoding/binary"

	"github.com/hostbridge-go/agent/frame"
)

// Channel is the default AVM channel number.
const Channel byte = 0x00

// Transaction codes. The low nibble distinguishes incrementing from
// non-incrementing address; this package does not otherwise treat them
// differently, since only whole-range reads are served.
const (
	codeWriteNonIncr = 0x00
	codeWriteIncr    = 0x04
	codeReadNonIncr  = 0x10
	codeReadIncr     = 0x14
)

func isRead(code byte) bool { return code == codeReadNonIncr || code == codeReadIncr }

// Window describes the whitelisted, readable memory span: addresses in
// [Base, Base+len(Data)) are served from Data; anything else reads as a
// single zero byte.
type Window struct {
	base uint32
	Data []byte
}

// NewWindow returns a readable window starting at base and backed by data.
func NewWindow(base uint32, data []byte) Window {
	return Window{base: base, Data: data}
}

func (w Window) contains(addr uint32, size uint16) bool {
	end := uint64(addr) + uint64(size)
	return uint64(addr) >= uint64(w.base) && end <= uint64(w.base)+uint64(len(w.Data))
}

func (w Window) read(addr uint32, size uint16) []byte {
	off := addr - w.base
	return w.Data[off : off+uint32(size)]
}

// Handler implements the channel-0 AVM sink. It accumulates the 8-byte
// transaction header byte by byte (as delivered by frame.Decoder) and
// replies through encoder once the packet's EOP-marked byte arrives.
type Handler struct {
	encoder *frame.Encoder
	channel byte
	window  Window

	offset int
	header [8]byte
}

// NewHandler returns an AVM handler that replies on channel (normally
// avm.Channel) through encoder, serving reads from window.
func NewHandler(encoder *frame.Encoder, channel byte, window Window) *Handler {
	return &Handler{encoder: encoder, channel: channel, window: window}
}

// Sink returns the frame.Sink to register, packetized, for this handler's
// channel.
func (h *Handler) Sink() frame.Sink {
	return frame.SinkFunc(h.onByte)
}

func (h *Handler) onByte(b byte, first, last bool) {
	if first {
		h.offset = 0
	}
	if h.offset < len(h.header) {
		h.header[h.offset] = b
	}
	h.offset++
	if !last {
		return
	}
	h.handlePacket()
	h.offset = 0
}

func (h *Handler) handlePacket() {
	if h.offset < len(h.header) {
		// Short packet: no complete header to classify; stay silent. (A
		// complete header with an unrecognized code is answered below.)
		return
	}
	code := h.header[0]
	if isRead(code) {
		addr := binary.BigEndian.Uint32(h.header[4:8])
		size := binary.BigEndian.Uint16(h.header[2:4])
		if h.window.contains(addr, size) {
			h.encoder.Send(h.channel, h.window.read(addr, size), frame.Packetized)
		} else {
			h.encoder.Send(h.channel, []byte{0}, frame.Packetized)
		}
		return
	}
	// Write and "no transaction" codes (including 0x7F) share a reply
	// shape: the request code with its high bit flipped, reserved zeroed.
	h.encoder.Send(h.channel, []byte{code ^ 0x80, 0, 0, 0}, frame.Packetized)
}
