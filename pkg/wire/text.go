package wire

import (
	"encoding/binary"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeText converts s into a zero-padded UTF-16LE field of exactly capacity
// code units. At most capacity-1 units are kept so the field always carries a
// NUL terminator; a trailing high surrogate left by truncation is dropped.
func EncodeText(s string, capacity int) []uint16 {
	if capacity <= 0 {
		return nil
	}
	out := make([]uint16, capacity)
	if s == "" {
		return out
	}
	raw, err := utf16le.NewEncoder().Bytes([]byte(strings.ToValidUTF8(s, "\uFFFD")))
	if err != nil {
		return out
	}
	units := len(raw) / 2
	n := units
	if n > capacity-1 {
		n = capacity - 1
		if n > 0 && isHighSurrogate(binary.LittleEndian.Uint16(raw[2*(n-1):])) {
			n--
		}
	}
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out
}

// DecodeText reads a NUL-terminated UTF-16LE field. A field without a
// terminator is decoded in full.
func DecodeText(field []uint16) string {
	n := 0
	for n < len(field) && field[n] != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	raw := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[2*i:], field[i])
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(out)
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xD800 && u <= 0xDBFF
}

func putText(dst []uint16, s string) {
	copy(dst, EncodeText(s, len(dst)))
}
