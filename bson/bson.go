// Package bson implements the strict subset of BSON used as the on-wire
// encoding for JSON-RPC requests and replies: a length-prefixed, typed,
// little-endian document format. It provides a get_props-style batch key
// scanner, type-checked accessors that default rather than panic on
// malformed input, and an append-only, measure-before-alloc writer.
//
// A document is never parsed into a tree. Callers address elements by the
// byte offset of their type tag within the document, obtained from GetProps,
// and read the typed value at that offset directly out of the backing
// slice. This mirrors the "scan once, read by offset" discipline of the
// C implementation this package replaces.
package bson

import (
	"encoding/binary"
	"math"
)

// Element type tags, as they appear on the wire.
const (
	typeDouble    = 0x01
	typeString    = 0x02
	typeDocument  = 0x03
	typeArray     = 0x04
	typeBinary    = 0x05
	typeUndefined = 0x06
	typeObjectID  = 0x07
	typeBoolean   = 0x08
	typeUTCDate   = 0x09
	typeNull      = 0x0a
	typeRegex     = 0x0b
	typeDBPointer = 0x0c
	typeJSCode    = 0x0d
	typeSymbol    = 0x0e
	typeJSScope   = 0x0f
	typeInt32     = 0x10
	typeTimestamp = 0x11
	typeInt64     = 0x12
	typeDecimal   = 0x13
)

// EmptyDocument is the canonical zero-element document: a 5-byte total
// length followed immediately by the terminator.
var EmptyDocument = []byte{5, 0, 0, 0, 0}

// EmptySize is len(EmptyDocument).
const EmptySize = 5

func readLen(doc []byte) int {
	if len(doc) < 4 {
		return -1
	}
	return int(int32(binary.LittleEndian.Uint32(doc)))
}

func writeLen(doc []byte, n int) {
	binary.LittleEndian.PutUint32(doc, uint32(int32(n)))
}

// docEnd validates the outer document framing (declared length fits inside
// doc and the byte just before that length is the 0x00 terminator) and
// returns the offset of that terminator, or -1 if doc is malformed.
func docEnd(doc []byte) int {
	n := readLen(doc)
	if n < 5 || n > len(doc) {
		return -1
	}
	if doc[n-1] != 0x00 {
		return -1
	}
	return n
}

// cstringEnd returns the offset just past the NUL-terminated string
// starting at off, or -1 if no terminator is found before end.
func cstringEnd(doc []byte, off, end int) int {
	for i := off; i < end; i++ {
		if doc[i] == 0x00 {
			return i + 1
		}
	}
	return -1
}

// measureValue returns the number of bytes occupied by a value of the given
// type starting at doc[off], not including the type tag or key that
// precede it. end is the offset of the document's terminator. Returns -1 on
// malformed input or an unrecognized type.
func measureValue(typ byte, doc []byte, off, end int) int {
	switch typ {
	case typeDouble, typeUTCDate, typeTimestamp, typeInt64:
		return 8
	case typeString, typeJSCode, typeSymbol, typeJSScope:
		if off+4 > end {
			return -1
		}
		n := int(int32(binary.LittleEndian.Uint32(doc[off:])))
		return 4 + n
	case typeDocument, typeArray:
		if off+4 > end {
			return -1
		}
		return int(int32(binary.LittleEndian.Uint32(doc[off:])))
	case typeBinary:
		if off+4 > end {
			return -1
		}
		n := int(int32(binary.LittleEndian.Uint32(doc[off:])))
		return 4 + 1 + n
	case typeUndefined, typeNull:
		return 0
	case typeObjectID:
		return 12
	case typeBoolean:
		return 1
	case typeRegex:
		p := off
		e := cstringEnd(doc, p, end)
		if e < 0 {
			return -1
		}
		e2 := cstringEnd(doc, e, end)
		if e2 < 0 {
			return -1
		}
		return e2 - off
	case typeDBPointer:
		if off+4 > end {
			return -1
		}
		n := int(int32(binary.LittleEndian.Uint32(doc[off:])))
		return 4 + 12 + n
	case typeInt32:
		return 4
	case typeDecimal:
		return 16
	default:
		return -1
	}
}

// Prop pairs a key to scan for with the offset slot to fill in.
type Prop struct {
	Key    string
	Offset *int
}

// P is a convenience constructor for a Prop.
func P(key string, offset *int) Prop { return Prop{Key: key, Offset: offset} }

// GetProps performs a single left-to-right scan of doc, recording in each
// Offset the byte offset of the first element whose key matches, leaving
// unmatched offsets at -1. It returns the number of distinct keys matched,
// or -1 if doc is not a validly framed document. Offsets point at the
// element's type tag, matching the convention used by Get*.
func GetProps(doc []byte, props ...Prop) int {
	for _, p := range props {
		*p.Offset = -1
	}
	end := docEnd(doc)
	if end < 0 {
		return -1
	}
	off := 4
	matched := 0
	for off < end {
		typ := doc[off]
		if typ == 0x00 {
			break
		}
		nameStart := off + 1
		nameEnd := cstringEnd(doc, nameStart, end)
		if nameEnd < 0 {
			return -1
		}
		name := string(doc[nameStart : nameEnd-1])
		valOff := nameEnd
		n := measureValue(typ, doc, valOff, end)
		if n < 0 {
			return -1
		}
		for i := range props {
			if *props[i].Offset < 0 && props[i].Key == name {
				*props[i].Offset = off
				matched++
				break
			}
		}
		if matched == len(props) {
			return matched
		}
		off = valOff + n
	}
	return matched
}

// seek validates that doc[offset] holds an element of one of wantTypes and
// returns the offset of its value (just past the type tag and key), along
// with the document's terminator offset. ok is false for any malformed
// input or type mismatch.
func seek(doc []byte, offset int, wantTypes ...byte) (valOff, end int, ok bool) {
	if doc == nil || offset < 4 {
		return 0, 0, false
	}
	end = docEnd(doc)
	if end < 0 || offset >= end {
		return 0, 0, false
	}
	typ := doc[offset]
	matched := false
	for _, w := range wantTypes {
		if typ == w {
			matched = true
			break
		}
	}
	if !matched {
		return 0, 0, false
	}
	nameStart := offset + 1
	nameEnd := cstringEnd(doc, nameStart, end)
	if nameEnd < 0 {
		return 0, 0, false
	}
	return nameEnd, end, true
}

// GetString returns the UTF-8 string element at offset, or def if offset
// does not name a valid, NUL-terminated string element.
func GetString(doc []byte, offset int, def string) string {
	data, end, ok := seek(doc, offset, typeString)
	if !ok || data+4 > end {
		return def
	}
	n := int(int32(binary.LittleEndian.Uint32(doc[data:])))
	data += 4
	if n <= 0 || end-data < n || doc[data+n-1] != 0x00 {
		return def
	}
	return string(doc[data : data+n-1])
}

// GetSubdocument returns the embedded document or array element at offset,
// or def if offset does not name a valid embedded document/array.
func GetSubdocument(doc []byte, offset int, def []byte) []byte {
	data, _, ok := seek(doc, offset, typeDocument, typeArray)
	if !ok {
		return def
	}
	n := readLen(doc[data:])
	if n < 5 || data+n > len(doc) {
		return def
	}
	return doc[data : data+n]
}

// GetBinary returns the payload of the binary element at offset (the
// subtype byte is skipped), or (nil, false) if offset does not name a
// valid binary element.
func GetBinary(doc []byte, offset int) ([]byte, bool) {
	data, end, ok := seek(doc, offset, typeBinary)
	if !ok || data+5 > end {
		return nil, false
	}
	n := int(int32(binary.LittleEndian.Uint32(doc[data:])))
	data += 5
	if n < 0 || end-data < n {
		return nil, false
	}
	return doc[data : data+n], true
}

// GetBoolean returns the boolean element at offset, or def otherwise.
func GetBoolean(doc []byte, offset int, def bool) bool {
	data, _, ok := seek(doc, offset, typeBoolean)
	if !ok {
		return def
	}
	return doc[data] != 0
}

// GetInt32 returns the int32 element at offset, or def otherwise.
func GetInt32(doc []byte, offset int, def int32) int32 {
	data, end, ok := seek(doc, offset, typeInt32)
	if !ok || data+4 > end {
		return def
	}
	return int32(binary.LittleEndian.Uint32(doc[data:]))
}

// GetDouble returns the float64 element at offset, or def otherwise.
func GetDouble(doc []byte, offset int, def float64) float64 {
	data, end, ok := seek(doc, offset, typeDouble)
	if !ok || data+8 > end {
		return def
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(doc[data:]))
}

// MeasureDocument returns the declared total length of doc, read from its
// first four bytes, without validating the rest of the framing.
func MeasureDocument(doc []byte) int {
	return readLen(doc)
}
