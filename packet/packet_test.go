// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package packet_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/pingnode/packet"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input packet.Vint30
		want  string
	}{
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		{64, "\x01\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		{16384, "\x02\x00\x01"},
		{1048576, "\x02\x00\x40"},

		{62830181, "\x97\xd9\xfa\x0e"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		packed = tc.input.Append(packed)
	}

	// The encoding is self-framing, so the values scan back in order.
	s := packet.NewScanner(packed)
	for _, tc := range tests {
		v, err := s.Vint30()
		if err != nil {
			t.Fatalf("Scan %d: unexpected error: %v", tc.input, err)
		}
		if packet.Vint30(v) != tc.input {
			t.Errorf("Scan: got %d, want %d", v, tc.input)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Scanner has %d bytes left over", s.Len())
	}

	mtest.MustPanic(t, func() { packet.Vint30(packet.MaxVint30 + 1).Append(nil) })
}

func TestBuilderScanner(t *testing.T) {
	var b packet.Builder
	b.Uint32(0xcafebabe)
	b.Byte(4)
	b.PutShort("counter:pingnode:example.os")
	b.Uint16(17)
	b.PutString("hello, world")
	b.Bool(true)
	b.Raw([]byte("tail"))

	s := packet.NewScanner(b.Bytes())
	var got []any
	check := func(v any, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Scan at offset %d: %v", s.Offset(), err)
		}
		got = append(got, v)
	}
	check(s.Uint32())
	check(s.Byte())
	check(s.Short())
	check(s.Uint16())
	check(s.String())
	check(s.Bool())
	got = append(got, string(s.Rest()))

	want := []any{
		uint32(0xcafebabe), byte(4), "counter:pingnode:example.os",
		uint16(17), "hello, world", true, "tail",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Scanned values (-want, +got):\n%s", diff)
	}
	if rest := s.Rest(); rest != nil {
		t.Errorf("Rest after end: got %q, want nil", rest)
	}
}

func TestTruncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
		scan  func(*packet.Scanner) error
	}{
		{"Uint32", "\x00\x01", func(s *packet.Scanner) error { _, err := s.Uint32(); return err }},
		{"Uint16", "\x00", func(s *packet.Scanner) error { _, err := s.Uint16(); return err }},
		{"Byte", "", func(s *packet.Scanner) error { _, err := s.Byte(); return err }},
		{"Short", "\x05abc", func(s *packet.Scanner) error { _, err := s.Short(); return err }},
		{"String", "\x14ab", func(s *packet.Scanner) error { _, err := s.String(); return err }},
		{"Vint30", "\x03\x00", func(s *packet.Scanner) error { _, err := s.Vint30(); return err }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scan(packet.NewScanner(tc.input))
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("Scan %q: got %v, want %v", tc.input, err, io.ErrUnexpectedEOF)
			}
		})
	}
}

func TestPutShortTooLong(t *testing.T) {
	v := mtest.MustPanic(t, func() {
		var b packet.Builder
		b.PutShort(strings.Repeat("x", packet.MaxShortLen+1))
	})
	if s, ok := v.(string); !ok || !strings.Contains(s, "too long") {
		t.Errorf("Panic: got %v, want too long", v)
	}
}
