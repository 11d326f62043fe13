package wbxml

import (
	"bytes"
	"fmt"
	"strconv"
)

// Serializer builds a WBXML document. Tags carry their code page in the
// high bits; the serializer emits SWITCH_PAGE tokens as needed.
//
// The zero value is not usable; create one with NewSerializer.
type Serializer struct {
	buf      bytes.Buffer
	page     int
	depth    int
	started  bool
	tagStack []int
}

// NewSerializer creates a serializer with the standard EAS document
// header already written: WBXML 1.3, unknown public identifier, UTF-8,
// empty string table.
func NewSerializer() *Serializer {
	s := &Serializer{}
	s.buf.Write([]byte{0x03, 0x01, 0x6A, 0x00})
	return s
}

func (s *Serializer) switchPage(tag int) {
	p := tag >> codePageShift
	if p != s.page {
		s.buf.WriteByte(tokSwitchPage)
		s.buf.WriteByte(byte(p))
		s.page = p
	}
}

// Start opens an element with content. Every Start must be balanced by End.
func (s *Serializer) Start(tag int) *Serializer {
	s.switchPage(tag)
	s.buf.WriteByte(byte(tag&0x3F | contentMask))
	s.tagStack = append(s.tagStack, tag)
	s.depth++
	return s
}

// End closes the most recently started element.
func (s *Serializer) End() *Serializer {
	if s.depth == 0 {
		panic("wbxml: End without matching Start")
	}
	s.buf.WriteByte(tokEnd)
	s.tagStack = s.tagStack[:len(s.tagStack)-1]
	s.depth--
	return s
}

// Tag writes an empty element (no content, no end token).
func (s *Serializer) Tag(tag int) *Serializer {
	s.switchPage(tag)
	s.buf.WriteByte(byte(tag & 0x3F))
	return s
}

// Data writes an element containing a single inline string.
func (s *Serializer) Data(tag int, value string) *Serializer {
	s.Start(tag)
	s.Text(value)
	s.End()
	return s
}

// DataInt writes an element containing the decimal form of value.
func (s *Serializer) DataInt(tag, value int) *Serializer {
	return s.Data(tag, strconv.Itoa(value))
}

// Text writes an inline string at the current position.
func (s *Serializer) Text(value string) *Serializer {
	s.buf.WriteByte(tokStrI)
	s.buf.WriteString(value)
	s.buf.WriteByte(0x00)
	return s
}

// Opaque writes an opaque data block (length-prefixed raw bytes).
func (s *Serializer) Opaque(data []byte) *Serializer {
	s.buf.WriteByte(tokOpaque)
	writeMultiByteInt(&s.buf, uint32(len(data)))
	s.buf.Write(data)
	return s
}

// Bytes returns the serialized document. It is an error to call Bytes
// with unbalanced elements.
func (s *Serializer) Bytes() ([]byte, error) {
	if s.depth != 0 {
		return nil, fmt.Errorf("wbxml: %d unclosed element(s)", s.depth)
	}
	return s.buf.Bytes(), nil
}

// Len returns the current encoded size in bytes.
func (s *Serializer) Len() int {
	return s.buf.Len()
}

// writeMultiByteInt encodes v as a WBXML mb_u_int32: big-endian
// 7-bit groups, all but the last with the continuation bit set.
func writeMultiByteInt(buf *bytes.Buffer, v uint32) {
	var tmp [5]byte
	n := len(tmp)
	for {
		n--
		tmp[n] = byte(v & 0x7F)
		v >>= 7
		if v == 0 {
			break
		}
	}
	for i := n; i < len(tmp); i++ {
		b := tmp[i]
		if i != len(tmp)-1 {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}
