package bson

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Alloc returns a new document primed to the empty value, with spare
// capacity for contentLen additional bytes of elements. Callers measure the
// elements they intend to append (with the Measure* functions) and pass the
// sum as contentLen so that the returned buffer never needs to grow.
func Alloc(contentLen int) []byte {
	doc := make([]byte, EmptySize, EmptySize+contentLen)
	copy(doc, EmptyDocument)
	return doc
}

// ErrNoRoom is returned by a Set* call when doc's capacity is insufficient
// to hold the new element; it indicates the caller under-measured.
var ErrNoRoom = fmt.Errorf("bson: document capacity exceeded")

// grow extends doc (whose current logical length is read from its own
// length prefix) by n bytes within its existing capacity, returning the
// full-length slice to write into and the new document. It reports
// ErrNoRoom if capacity is insufficient.
func grow(doc []byte, n int) ([]byte, error) {
	cur := readLen(doc)
	if cur < 0 {
		return nil, fmt.Errorf("bson: corrupt document")
	}
	next := cur + n
	if next > cap(doc) {
		return nil, ErrNoRoom
	}
	return doc[:next], nil
}

// setSubelement appends a single {type, key, payload} element in place of
// the trailing terminator, rewrites the total length, and restores the
// terminator. It returns the number of bytes the element occupies
// (including its type tag, key, and terminator-adjacent growth), which is
// also what Measure* reports for the same key/type/payload shape.
func setSubelement(doc []byte, key string, typ byte, payload []byte) ([]byte, int, error) {
	size := 1 + len(key) + 1 + len(payload)
	if doc == nil {
		return nil, size, nil
	}
	old := readLen(doc)
	grown, err := grow(doc, size)
	if err != nil {
		return nil, size, err
	}
	end := old - 1 // offset of the old terminator: where the new element begins
	grown[end] = typ
	end++
	end += copy(grown[end:], key)
	grown[end] = 0x00
	end++
	end += copy(grown[end:], payload)
	grown[end] = 0x00
	end++
	writeLen(grown, end)
	return grown, size, nil
}

// SetString appends a UTF-8 string element and returns the extended
// document.
func SetString(doc []byte, key, value string) ([]byte, error) {
	payload := make([]byte, 4+len(value)+1)
	writeLen32(payload, len(value)+1)
	copy(payload[4:], value)
	out, _, err := setSubelement(doc, key, typeString, payload)
	return out, err
}

// MeasureString returns the number of bytes SetString would append for the
// given key and value, without allocating or mutating a document.
func MeasureString(key, value string) int {
	_, n, _ := setSubelement(nil, key, typeString, make([]byte, 4+len(value)+1))
	return n
}

// SetSubdocument appends an embedded document element (sub must itself be a
// complete, framed BSON document).
func SetSubdocument(doc []byte, key string, sub []byte) ([]byte, error) {
	out, _, err := setSubelement(doc, key, typeDocument, sub)
	return out, err
}

// MeasureSubdocument returns the bytes SetSubdocument would append.
func MeasureSubdocument(key string, sub []byte) int {
	_, n, _ := setSubelement(nil, key, typeDocument, sub)
	return n
}

// SetArray appends an embedded array element.
func SetArray(doc []byte, key string, sub []byte) ([]byte, error) {
	out, _, err := setSubelement(doc, key, typeArray, sub)
	return out, err
}

// MeasureArray returns the bytes SetArray would append.
func MeasureArray(key string, sub []byte) int {
	_, n, _ := setSubelement(nil, key, typeArray, sub)
	return n
}

// SetBoolean appends a boolean element.
func SetBoolean(doc []byte, key string, value bool) ([]byte, error) {
	b := byte(0)
	if value {
		b = 1
	}
	out, _, err := setSubelement(doc, key, typeBoolean, []byte{b})
	return out, err
}

// MeasureBoolean returns the bytes SetBoolean would append.
func MeasureBoolean(key string) int {
	_, n, _ := setSubelement(nil, key, typeBoolean, []byte{0})
	return n
}

// SetInt32 appends a 32-bit integer element.
func SetInt32(doc []byte, key string, value int32) ([]byte, error) {
	payload := make([]byte, 4)
	writeLen32(payload, int(value))
	out, _, err := setSubelement(doc, key, typeInt32, payload)
	return out, err
}

// MeasureInt32 returns the bytes SetInt32 would append.
func MeasureInt32(key string) int {
	_, n, _ := setSubelement(nil, key, typeInt32, make([]byte, 4))
	return n
}

// SetDouble appends a 64-bit floating-point element.
func SetDouble(doc []byte, key string, value float64) ([]byte, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, math.Float64bits(value))
	out, _, err := setSubelement(doc, key, typeDouble, payload)
	return out, err
}

// MeasureDouble returns the bytes SetDouble would append.
func MeasureDouble(key string) int {
	_, n, _ := setSubelement(nil, key, typeDouble, make([]byte, 8))
	return n
}

// SetNull appends a null element.
func SetNull(doc []byte, key string) ([]byte, error) {
	out, _, err := setSubelement(doc, key, typeNull, nil)
	return out, err
}

// MeasureNull returns the bytes SetNull would append.
func MeasureNull(key string) int {
	_, n, _ := setSubelement(nil, key, typeNull, nil)
	return n
}

// SetBinary appends a generic-subtype (0x00) binary element of length
// binlen and returns both the extended document and the slice of doc
// backing the binary payload (zero-filled), so the caller can fill it in
// without a second pass.
func SetBinary(doc []byte, key string, binlen int) (out []byte, payload []byte, err error) {
	if binlen < 0 {
		return nil, nil, fmt.Errorf("bson: negative binary length")
	}
	size := 1 + len(key) + 1 + 4 + 1 + binlen
	if doc == nil {
		return nil, nil, nil
	}
	old := readLen(doc)
	grown, err := grow(doc, size)
	if err != nil {
		return nil, nil, err
	}
	end := old - 1
	grown[end] = typeBinary
	end++
	end += copy(grown[end:], key)
	grown[end] = 0x00
	end++
	writeLen32(grown[end:], binlen)
	end += 4
	grown[end] = 0x00 // generic subtype
	end++
	payload = grown[end : end+binlen]
	for i := range payload {
		payload[i] = 0
	}
	end += binlen
	grown[end] = 0x00
	end++
	writeLen(grown, end)
	return grown, payload, nil
}

// MeasureBinary returns the bytes a generic-subtype binary element of the
// given length would occupy.
func MeasureBinary(key string, binlen int) int {
	return 1 + len(key) + 1 + 4 + 1 + binlen
}

// ShrinkBinary reduces the length of the binary element whose payload slice
// is buf (as returned by SetBinary) to newLen, which must not exceed its
// current length. Only the trailing element of doc may be shrunk; growth is
// never permitted. buf and doc must come from the same SetBinary call.
func ShrinkBinary(doc []byte, buf []byte, newLen int) error {
	if newLen < 0 {
		return fmt.Errorf("bson: negative length")
	}
	// buf always starts 5 bytes after its own length prefix (4 length + 1
	// subtype); locate that prefix by pointer arithmetic on the slices.
	base := cap(doc) - cap(buf)
	prefixOff := base - 5
	if prefixOff < 0 || prefixOff+4 > len(doc) {
		return fmt.Errorf("bson: buf does not belong to doc")
	}
	oldLen := readLen(doc[prefixOff:])
	if oldLen < 0 {
		return fmt.Errorf("bson: corrupt binary length")
	}
	// The byte just past the payload is the document terminator only when
	// this is the trailing element; it lies beyond len(buf), inside cap(buf).
	if oldLen+1 > cap(buf) || buf[:oldLen+1][oldLen] != 0x00 {
		return fmt.Errorf("bson: shrink allowed only for the trailing element")
	}
	if oldLen < newLen {
		return fmt.Errorf("bson: growth is not allowed")
	}
	if oldLen == newLen {
		return nil
	}
	buf[newLen] = 0x00
	writeLen(doc[prefixOff:], newLen)
	oldDocLen := readLen(doc)
	writeLen(doc, oldDocLen-(oldLen-newLen))
	return nil
}

// SetElement copies the element at offset in src verbatim into doc under
// key, reading its type and length from src itself. It is used to carry a
// request's id through to its reply without re-parsing it. Returns doc
// unchanged (with 0 appended bytes reported) if src/offset do not name a
// valid element.
func SetElement(doc []byte, key string, src []byte, offset int) ([]byte, int, error) {
	if src == nil || offset < 4 {
		return doc, 0, nil
	}
	end := docEnd(src)
	if end < 0 || offset >= end {
		return doc, 0, nil
	}
	typ := src[offset]
	nameStart := offset + 1
	nameEnd := cstringEnd(src, nameStart, end)
	if nameEnd < 0 {
		return doc, 0, nil
	}
	n := measureValue(typ, src, nameEnd, end)
	if n < 0 {
		return doc, 0, nil
	}
	out, size, err := setSubelement(doc, key, typ, src[nameEnd:nameEnd+n])
	return out, size, err
}

// MeasureElement returns the bytes SetElement would append for the element
// at offset in src, or 0 if that offset does not name a valid element.
func MeasureElement(key string, src []byte, offset int) int {
	_, n, _ := SetElement(nil, key, src, offset)
	return n
}

func writeLen32(b []byte, n int) {
	b[0] = byte(n)
	b[1] = byte(n >> 8)
	b[2] = byte(n >> 16)
	b[3] = byte(n >> 24)
}
