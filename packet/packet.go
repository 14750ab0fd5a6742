// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet provides the byte-level builder and scanner used to encode
// and decode peer protocol payloads.
//
// Fixed-width integers are big-endian. Variable-length strings are framed
// either by a single length byte (for short names) or by a [Vint30] length.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// MaxShortLen is the longest string that can be framed by [Builder.PutShort].
const MaxShortLen = 255

// A Builder accumulates encoded values. The zero value is an empty builder
// ready for use.
type Builder struct {
	buf []byte
}

// NewBuilder returns a builder with capacity for at least n bytes.
func NewBuilder(n int) *Builder { return &Builder{buf: make([]byte, 0, n)} }

// Byte appends a single byte.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Bool appends a Boolean as one byte with value 0 or 1.
func (b *Builder) Bool(ok bool) { b.Byte(value.Cond[byte](ok, 1, 0)) }

// Uint16 appends v in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Raw appends data without framing.
func (b *Builder) Raw(data []byte) { b.buf = append(b.buf, data...) }

// PutShort appends s prefixed by a one-byte length.
// It panics if len(s) > MaxShortLen.
func (b *Builder) PutShort(s string) {
	if len(s) > MaxShortLen {
		panic(fmt.Sprintf("string too long (%d > %d bytes)", len(s), MaxShortLen))
	}
	b.buf = append(append(b.buf, byte(len(s))), s...)
}

// PutString appends s prefixed by a [Vint30] length.
func (b *Builder) PutString(s string) {
	b.buf = Vint30(len(s)).Append(b.buf)
	b.buf = append(b.buf, s...)
}

// Len reports the number of bytes currently in b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the accumulated contents of b. The builder retains the
// slice, so the caller must not modify it while b is still in use.
func (b *Builder) Bytes() []byte { return b.buf }

// A Scanner consumes encoded values from the front of an input. Incomplete
// values report an error wrapping [io.ErrUnexpectedEOF].
type Scanner struct {
	rest   []byte
	offset int
}

// NewScanner returns a scanner over input. Results that are slices alias
// input, so the caller must not modify it while s is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

func (s *Scanner) need(n int) error {
	if len(s.rest) < n {
		return fmt.Errorf("value truncated at offset %d (%d < %d bytes): %w",
			s.offset, len(s.rest), n, io.ErrUnexpectedEOF)
	}
	return nil
}

func (s *Scanner) take(n int) []byte {
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out
}

// Byte scans one byte.
func (s *Scanner) Byte() (byte, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	return s.take(1)[0], nil
}

// Bool scans one byte as a Boolean (non-zero is true).
func (s *Scanner) Bool() (bool, error) {
	v, err := s.Byte()
	return v != 0, err
}

// Uint16 scans a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(s.take(2)), nil
}

// Uint32 scans a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(s.take(4)), nil
}

// Vint30 scans a [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	nb := int(s.rest[0]%4) + 1
	if err := s.need(nb); err != nil {
		return 0, err
	}
	var w uint32
	raw := s.take(nb)
	for i := nb - 1; i >= 0; i-- {
		w = w*256 + uint32(raw[i])
	}
	return int(w >> 2), nil
}

// Short scans a string framed by a one-byte length.
func (s *Scanner) Short() (string, error) {
	n, err := s.Byte()
	if err != nil {
		return "", err
	}
	if err := s.need(int(n)); err != nil {
		return "", err
	}
	return string(s.take(int(n))), nil
}

// String scans a string framed by a [Vint30] length.
func (s *Scanner) String() (string, error) {
	n, err := s.Vint30()
	if err != nil {
		return "", err
	}
	if err := s.need(n); err != nil {
		return "", err
	}
	return string(s.take(n)), nil
}

// Len reports the number of unconsumed bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unconsumed byte.
func (s *Scanner) Offset() int { return s.offset }

// Rest consumes and returns the remainder of the input, or nil if it is
// empty.
func (s *Scanner) Rest() []byte {
	if len(s.rest) == 0 {
		return nil
	}
	return s.take(len(s.rest))
}

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to
// 4 bytes. The value is stored little-endian, shifted left two bits, with
// the count of additional bytes in the low two bits of the first byte:
//
//	 _ ... _ _ _ _ _ _ d d < number of additional bytes
//	31 ... 7 6 5 4 3 2 1 0
//	^^^^^^^^^^^^^^^^^^
//	  30-bit value
type Vint30 uint32

// MaxVint30 is the largest value a Vint30 can encode.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded size of v in bytes, or -1 if v is out of range.
func (v Vint30) Size() int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<22:
		return 3
	case v < 1<<30:
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
