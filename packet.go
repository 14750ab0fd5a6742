// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package pingnode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/pingnode/packet"
)

// Packet is a single frame exchanged between peers.
//
// On the wire a packet is an 8-byte header ("PN", version, type, and a
// big-endian uint32 payload length) followed by the payload.
type Packet struct {
	Type    PacketType
	Payload []byte
}

const protocolVersion = 0

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	hdr := [8]byte{'P', 'N', protocolVersion, byte(p.Type)}
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p.Payload)))
	nw, err := w.Write(hdr[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var hdr [8]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if string(hdr[:3]) != "PN\x00" {
		return int64(nr), fmt.Errorf("invalid protocol magic %q", hdr[:3])
	}
	p.Type = PacketType(hdr[3])
	p.Payload = nil
	if n := binary.BigEndian.Uint32(hdr[4:]); n > 0 {
		p.Payload = make([]byte, int(n))
		np, err := io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("short payload: %w", err)
		}
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay fmt.Stringer
	switch p.Type {
	case PacketRequest:
		var req Request
		if req.Decode(p.Payload) == nil {
			pay = req
		}
	case PacketCancel:
		var can Cancel
		if can.Decode(p.Payload) == nil {
			pay = can
		}
	case PacketResponse:
		var rsp Response
		if rsp.Decode(p.Payload) == nil {
			pay = rsp
		}
	}
	if pay == nil {
		return fmt.Sprintf("Packet(%v, %d bytes)", p.Type, len(p.Payload))
	}
	return fmt.Sprintf("Packet(%v, %v)", p.Type, pay)
}

// PacketType identifies the payload carried by a packet.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for a call
	PacketCancel   PacketType = 3 // A cancellation signal for a pending call
	PacketResponse PacketType = 4 // The final response from a call
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// MaxMethodLen is the longest method name a request can carry.
const MaxMethodLen = packet.MaxShortLen

// Request is the payload of a request packet. Method names the handler on
// the receiving peer; for node processes it is the process identifier.
type Request struct {
	RequestID uint32
	Method    string
	Data      []byte
}

// Encode encodes the request in binary format.
// It panics if the method name exceeds MaxMethodLen.
func (r Request) Encode() []byte {
	b := packet.NewBuilder(5 + len(r.Method) + len(r.Data))
	b.Uint32(r.RequestID)
	b.PutShort(r.Method)
	b.Raw(r.Data)
	return b.Bytes()
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short request payload: %w", err)
	}
	method, err := s.Short()
	if err != nil {
		return fmt.Errorf("invalid request method: %w", err)
	}
	r.RequestID, r.Method, r.Data = id, method, s.Rest()
	return nil
}

func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%d, Method=%q, %d bytes)", r.RequestID, r.Method, len(r.Data))
}

// Response is the payload of a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response in binary format.
func (r Response) Encode() []byte {
	b := packet.NewBuilder(5 + len(r.Data))
	b.Uint32(r.RequestID)
	b.Byte(byte(r.Code))
	b.Raw(r.Data)
	return b.Bytes()
}

// Decode decodes data into a response payload.
func (r *Response) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	}
	code, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	}
	if ResultCode(code) > CodeServiceError {
		return fmt.Errorf("invalid result code %d", code)
	}
	r.RequestID, r.Code, r.Data = id, ResultCode(code), s.Rest()
	return nil
}

func (r Response) String() string {
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			return fmt.Sprintf("Response(ID=%d, %v, %q)", r.RequestID, r.Code, ed.Message)
		}
	}
	return fmt.Sprintf("Response(ID=%d, %v, %d bytes)", r.RequestID, r.Code, len(r.Data))
}

// ResultCode describes the outcome of a completed call.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // Call completed succesfully
	CodeUnknownMethod ResultCode = 1 // Requested an unknown method
	CodeDuplicateID   ResultCode = 2 // Duplicate request ID
	CodeCanceled      ResultCode = 3 // Call was canceled
	CodeServiceError  ResultCode = 4 // Call failed due to a service error
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownMethod:
		return "UNKNOWN_METHOD"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload of a cancel packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancellation in binary format.
func (c Cancel) Encode() []byte { return binary.BigEndian.AppendUint32(nil, c.RequestID) }

// Decode decodes data into a cancel payload.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	c.RequestID = binary.BigEndian.Uint32(data)
	return nil
}

func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%d)", c.RequestID) }

// ErrorData is the response data for a service error. A handler may return
// an ErrorData (or *ErrorData) to control the code and auxiliary data the
// caller sees.
type ErrorData struct {
	Code    uint16
	Message string
	Data    []byte
}

func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format: a uint16 code, the message
// framed by a Vint30 length, then the auxiliary data. Messages longer than
// packet.MaxVint30 bytes are truncated at a UTF-8 boundary.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, packet.MaxVint30)
	b := packet.NewBuilder(2 + packet.Vint30(len(msg)).Size() + len(msg) + len(e.Data))
	b.Uint16(e.Code)
	b.PutString(msg)
	b.Raw(e.Data)
	return b.Bytes()
}

// Decode decodes data into error data. Empty input decodes as empty details.
func (e *ErrorData) Decode(data []byte) error {
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := packet.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	msg, err := s.String()
	if err != nil {
		return fmt.Errorf("error message truncated: %w", err)
	}
	e.Code, e.Message, e.Data = code, msg, s.Rest()
	return nil
}

// truncate returns the longest prefix of s no longer than n bytes that does
// not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 { // continuation byte
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // start of a multi-byte rune
		n--
	}
	return s[:n]
}
