// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the pingnode.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/pingnode"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// without encoding them. Packets sent to A are received by B and vice versa.
func Direct() (A, B pingnode.Channel) {
	a2b := make(chan *pingnode.Packet)
	b2a := make(chan *pingnode.Packet)
	return direct{send: a2b, recv: b2a}, direct{send: b2a, recv: a2b}
}

type direct struct {
	send chan<- *pingnode.Packet
	recv <-chan *pingnode.Packet
}

// Send implements a method of the [pingnode.Channel] interface.
func (d direct) Send(pkt *pingnode.Packet) (err error) {
	defer safeClose(&err)
	d.send <- pkt
	return nil
}

// Recv implements a method of the [pingnode.Channel] interface.
func (d direct) Recv() (*pingnode.Packet, error) {
	pkt, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [pingnode.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	return nil
}

// safeClose converts a panic from using a closed Go channel into
// net.ErrClosed.
func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives binary packets on a byte stream.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [pingnode.Channel] interface.
func (c IOChannel) Send(pkt *pingnode.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [pingnode.Channel] interface.
func (c IOChannel) Recv() (*pingnode.Packet, error) {
	var pkt pingnode.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [pingnode.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WebSocket constructs a channel that exchanges one packet per binary
// message on conn. The channel takes ownership of conn.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives packets as WebSocket binary messages.
type WSChannel struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// Send implements a method of the [pingnode.Channel] interface.
func (c *WSChannel) Send(pkt *pingnode.Packet) error {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode()); err != nil {
		return wsError(err)
	}
	return nil
}

// Recv implements a method of the [pingnode.Channel] interface.
// Text and control messages are not valid packets and are reported as
// errors.
func (c *WSChannel) Recv() (*pingnode.Packet, error) {
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, wsError(err)
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", mt)
	}
	var pkt pingnode.Packet
	if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [pingnode.Channel] interface. It sends a
// close frame to the remote end before closing the connection.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// wsError maps normal websocket closure to net.ErrClosed, so that a peer
// treats it as a clean shutdown.
func wsError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %w", net.ErrClosed, err)
	}
	return err
}
