// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/packet"
)

var packFlags struct {
	Frame string `flag:"frame,Wrap the output in a packet of this type (request, cancel, response)"`
}

const packHelp = `Pack arguments into binary protocol data.

The pattern specifies the sequence of values to concatenate. Whitespace in the
pattern is ignored; otherwise each word consumes one argument:

  p  : a string with a 1-byte length prefix (method names)
  s  : a string with a vint30 length prefix
  q  : a quoted literal string (Go style) without framing
  r  : a raw literal string without framing
  %  : a Boolean constant (true or false)
  v  : a vint30 value (unsigned)
  1  : a uint8 value (1 byte)
  2  : a uint16 value (2 bytes, big-endian)
  4  : a uint32 value (4 bytes, big-endian)

For example, a request with ID 1 for the counter process is:

  pack --frame request '4 p r' 1 counter:pingnode:example.os '{"PingLocal":"hi"}'
`

func runPack(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing pattern argument")
	}
	data, rest, err := formatData(env.Args[0], env.Args[1:])
	if err != nil {
		return err
	} else if len(rest) != 0 {
		return fmt.Errorf("extra arguments: %q", rest)
	}
	if packFlags.Frame != "" {
		pt, err := parsePacketType(packFlags.Frame)
		if err != nil {
			return err
		}
		data = pingnode.Packet{Type: pt, Payload: data}.Encode()
	}
	_, err = os.Stdout.Write(data)
	return err
}

func parsePacketType(s string) (pingnode.PacketType, error) {
	switch strings.ToLower(s) {
	case "request":
		return pingnode.PacketRequest, nil
	case "cancel":
		return pingnode.PacketCancel, nil
	case "response":
		return pingnode.PacketResponse, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid packet type %q", s)
	}
	return pingnode.PacketType(v), nil
}

func formatData(pat string, args []string) ([]byte, []string, error) {
	b := packet.NewBuilder(64)
	for _, c := range pat {
		switch c {
		case ' ', '\t', '\n':
			continue
		case 'p', 'q', 'r', 's', '%', 'v', '1', '2', '4':
			// These need an argument (see below).
		default:
			return nil, nil, fmt.Errorf("invalid pattern word %c", c)
		}

		if len(args) == 0 {
			return nil, nil, fmt.Errorf("missing argument for %c", c)
		}
		arg := args[0]
		args = args[1:]
		switch c {
		case 'p':
			if len(arg) > packet.MaxShortLen {
				return nil, nil, fmt.Errorf("length %d > %d too long for p", len(arg), packet.MaxShortLen)
			}
			b.PutShort(arg)
		case 's':
			b.PutString(arg)
		case 'q':
			dec, err := strconv.Unquote(`"` + arg + `"`)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid string: %w", err)
			}
			b.Raw([]byte(dec))
		case 'r':
			b.Raw([]byte(arg))
		case '%':
			v, err := strconv.ParseBool(arg)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid bool: %w", err)
			}
			b.Bool(v)
		case 'v':
			v, err := strconv.ParseUint(arg, 10, 30)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid vint30: %w", err)
			}
			b.Raw(packet.Vint30(v).Append(nil))
		case '1':
			v, err := strconv.ParseUint(arg, 10, 8)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid byte: %w", err)
			}
			b.Byte(byte(v))
		case '2':
			v, err := strconv.ParseUint(arg, 10, 16)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint16: %w", err)
			}
			b.Uint16(uint16(v))
		case '4':
			v, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid uint32: %w", err)
			}
			b.Uint32(uint32(v))
		}
	}
	return b.Bytes(), args, nil
}

// runDump prints the packets read from stdin, one per line.
func runDump(env *command.Env) error {
	r := bufio.NewReader(os.Stdin)
	for {
		var pkt pingnode.Packet
		if _, err := pkt.ReadFrom(r); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fmt.Println(pkt.String())
	}
}
