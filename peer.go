// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package pingnode

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet to the receiver.
	Send(*Packet) error

	// Recv returns the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing pending and future operations to fail.
	Close() error
}

// A Handler processes a request from the remote peer, or from the local peer
// via Exec. A handler can obtain its peer from ctx using ContextPeer.
//
// A non-nil error is reported to the caller as a service error whose message
// is the text of the error, unless the error is an ErrorData or *ErrorData,
// in which case its code and data are sent as given.
type Handler func(context.Context, *Request) ([]byte, error)

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// PacketInfo is a packet plus its direction.
type PacketInfo struct {
	*Packet
	Sent bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) String() string {
	if p.Sent {
		return fmt.Sprintf("send %v", p.Packet)
	}
	return fmt.Sprintf("recv %v", p.Packet)
}

// A Peer implements one end of a connection between two nodes. A zero Peer
// is ready for use, but must not be copied after any method has been called.
//
// Handlers may be registered before or after Start. An unstarted peer can
// still run its handlers locally with Exec.
type Peer struct {
	in  Channel
	out struct {
		sync.Mutex // hold to send or to replace ch
		ch         Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	err    error              // protocol fatal error
	ocall  map[uint32]pending // outbound calls awaiting responses
	nexto  uint32             // last outbound request ID issued
	icall  map[uint32]func()  // inbound requestID → cancel
	mux    map[string]Handler // method → handler
	onExit func(error)

	plog atomic.Pointer[PacketLogger] // read without μ by the send path
}

// NewPeer constructs a new unstarted peer.
func NewPeer() *Peer { return new(Peer) }

// Start starts the peer service routine on ch and returns p. It does not
// block; use Wait to wait for the peer to exit. Start panics if p is already
// running.
func (p *Peer) Start(ch Channel) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.in != nil {
		panic("peer is already started")
	}
	p.in = ch
	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()
	p.err = nil
	p.ocall = make(map[uint32]pending)
	p.nexto = 0
	p.icall = make(map[uint32]func())

	g := taskgroup.New(nil)
	p.tasks = g
	g.Go(func() error {
		for {
			pkt, err := ch.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			peerMetrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})
	return p
}

// Metrics returns the expvar map of protocol counters shared by all peers.
func (p *Peer) Metrics() *expvar.Map { return peerMetrics.emap }

// Stop closes the channel and blocks until the peer exits, returning its
// status as Wait does.
func (p *Peer) Stop() error { p.closeOut(); return p.Wait() }

// Wait blocks until p exits and reports the error that caused it to stop.
// A peer that is not running, or whose channel was closed, reports nil.
// After Wait returns, p may be started again with a new channel.
func (p *Peer) Wait() error {
	p.μ.Lock()
	g := p.tasks
	p.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	p.in, p.tasks, p.ocall, p.icall = nil, nil, nil, nil
	p.out.Lock()
	p.out.ch = nil
	p.out.Unlock()
	if isClosedErr(p.err) {
		return nil
	}
	return p.err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Call invokes method on the remote peer with the given data and blocks
// until the response arrives or ctx ends. When ctx ends first, a cancel is
// sent to the remote peer and Call reports an error wrapping the context
// error. Errors reported by Call have concrete type *CallError.
func (p *Peer) Call(ctx context.Context, method string, data []byte) (_ *Response, err error) {
	peerMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callOutErr.Add(1)
		}
	}()
	if len(method) > MaxMethodLen {
		return nil, callError(fmt.Errorf("method name too long (%d > %d bytes)", len(method), MaxMethodLen))
	}

	id, pc, err := p.sendReq(method, data)
	if err != nil {
		return nil, callError(err)
	}
	peerMetrics.callPending.Add(1)
	defer peerMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		// Tell the remote peer to stop, but do not wait for it. The request ID
		// stays reserved until its response arrives, so a late reply cannot be
		// confused with a later call.
		p.sendCancel(id)
		p.μ.Lock()
		if _, ok := p.ocall[id]; ok {
			p.ocall[id] = nil
		}
		p.μ.Unlock()
		return nil, &CallError{Err: fmt.Errorf("call %q: %w", method, ctx.Err())}

	case rsp, ok := <-pc:
		if !ok {
			p.μ.Lock()
			err := p.err
			p.μ.Unlock()
			return nil, callError(fmt.Errorf("call terminated: %w", err))
		}
		switch rsp.Code {
		case CodeSuccess:
			return rsp, nil
		case CodeCanceled:
			return nil, &CallError{Err: context.Canceled, Response: rsp}
		}
		ce := &CallError{Response: rsp}
		if err := ce.ErrorData.Decode(rsp.Data); err != nil {
			ce.Message = err.Error()
		}
		return nil, ce
	}
}

// errUnknownMethod is reported by Exec when no handler matches the method.
type errUnknownMethod struct{ method string }

func (e errUnknownMethod) Error() string { return fmt.Sprintf("unknown method %q", e.method) }

// Exec runs the local handler for method with the given data, without
// sending any packets. If no handler matches, Exec reports a *CallError
// with code CodeUnknownMethod. Errors from the handler are returned as-is.
func (p *Peer) Exec(ctx context.Context, method string, data []byte) ([]byte, error) {
	p.μ.Lock()
	h := p.handlerLocked(method)
	p.μ.Unlock()
	if h == nil {
		return nil, &CallError{
			ErrorData: ErrorData{Message: errUnknownMethod{method}.Error()},
			Response:  &Response{Code: CodeUnknownMethod},
		}
	}
	ctx = context.WithValue(ctx, peerContextKey{}, p)
	return h(ctx, &Request{Method: method, Data: data})
}

// Handle registers handler for method and returns p to permit chaining.
// A nil handler removes any existing registration. The empty method name
// registers a wildcard handler used when no other handler matches.
// Handle panics if method is longer than MaxMethodLen.
func (p *Peer) Handle(method string, handler Handler) *Peer {
	if len(method) > MaxMethodLen {
		panic(fmt.Sprintf("method name too long (%d > %d bytes)", len(method), MaxMethodLen))
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if handler == nil {
		delete(p.mux, method)
		return p
	}
	if p.mux == nil {
		p.mux = make(map[string]Handler)
	}
	p.mux[method] = handler
	return p
}

// Methods returns the names of the methods with registered handlers.
func (p *Peer) Methods() []string {
	p.μ.Lock()
	defer p.μ.Unlock()
	out := make([]string, 0, len(p.mux))
	for m := range p.mux {
		out = append(out, m)
	}
	return out
}

// LogPackets registers a callback invoked synchronously for every packet
// sent or received by p. A nil callback disables logging.
func (p *Peer) LogPackets(log PacketLogger) *Peer {
	if log == nil {
		p.plog.Store(nil)
	} else {
		p.plog.Store(&log)
	}
	return p
}

func (p *Peer) logPacket(pkt *Packet, sent bool) {
	if log := p.plog.Load(); log != nil {
		(*log)(PacketInfo{Packet: pkt, Sent: sent})
	}
}

// OnExit registers a callback invoked when the peer terminates, with the
// same error Wait would report. A nil callback removes it.
func (p *Peer) OnExit(f func(error)) *Peer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

func (p *Peer) handlerLocked(method string) Handler {
	if h, ok := p.mux[method]; ok {
		return h
	}
	return p.mux[""] // wildcard, or nil
}

// fail terminates all pending calls and records the failure status.
func (p *Peer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil
	for _, stop := range p.icall {
		stop()
	}
	p.icall = nil

	p.err = err
	if p.onExit != nil {
		if isClosedErr(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Peer) sendReq(method string, data []byte) (uint32, pending, error) {
	p.μ.Lock()
	if p.err != nil || p.ocall == nil {
		err := p.err
		p.μ.Unlock()
		if err == nil {
			err = errors.New("peer is not running")
		}
		return 0, nil, err
	}
	p.nexto++
	id := p.nexto
	pc := make(pending, 1)
	p.ocall[id] = pc
	p.μ.Unlock()

	// The state lock MUST NOT be held while sending, or the receiver could
	// not deliver responses.
	err := p.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: Request{RequestID: id, Method: method, Data: data}.Encode(),
	})

	p.μ.Lock()
	defer p.μ.Unlock()
	if err != nil {
		delete(p.ocall, id)
		return 0, nil, err
	}
	return id, pc, nil
}

func (p *Peer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

func (p *Peer) sendRsp(rsp *Response) {
	p.μ.Lock()
	delete(p.icall, rsp.RequestID)
	failed := p.err != nil
	p.μ.Unlock()
	if failed {
		return
	}
	if err := p.sendOut(&Packet{Type: PacketResponse, Payload: rsp.Encode()}); err != nil {
		p.closeOut()
	}
}

// dispatchRequestLocked starts a handler for an inbound request.
func (p *Peer) dispatchRequestLocked(req *Request) error {
	peerMetrics.callIn.Add(1)

	reject := func(code ResultCode) error {
		peerMetrics.callInErr.Add(1)
		return p.sendOut(&Packet{
			Type:    PacketResponse,
			Payload: Response{RequestID: req.RequestID, Code: code}.Encode(),
		})
	}
	if _, ok := p.icall[req.RequestID]; ok {
		return reject(CodeDuplicateID)
	}
	handler := p.handlerLocked(req.Method)
	if handler == nil {
		return reject(CodeUnknownMethod)
	}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), peerContextKey{}, p))
	p.icall[req.RequestID] = cancel
	peerMetrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		defer peerMetrics.callActive.Add(-1)

		data, err := func() (_ []byte, err error) {
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		rsp := &Response{RequestID: req.RequestID}
		var ed ErrorData
		var ce *CallError
		switch {
		case ctx.Err() != nil || err == context.Canceled || err == context.DeadlineExceeded:
			rsp.Code = CodeCanceled
		case err == nil:
			rsp.Code, rsp.Data = CodeSuccess, data
		case errors.As(err, &ce) && ce.Response != nil && ce.Response.Code == CodeUnknownMethod:
			// A handler that forwards to Exec reports an unknown method as such.
			rsp.Code = CodeUnknownMethod
		case errors.As(err, &ed):
			rsp.Code, rsp.Data = CodeServiceError, ed.Encode()
		default:
			var ep *ErrorData
			if errors.As(err, &ep) && ep != nil {
				ed = *ep
			} else {
				ed = ErrorData{Message: err.Error()}
			}
			rsp.Code, rsp.Data = CodeServiceError, ed.Encode()
		}
		if rsp.Code != CodeSuccess {
			peerMetrics.callInErr.Add(1)
		}
		p.sendRsp(rsp)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet. Any error it reports is protocol
// fatal.
func (p *Peer) dispatchPacket(pkt *Packet) error {
	p.logPacket(pkt, false)

	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		return p.dispatchRequestLocked(&req)

	case PacketCancel:
		var can Cancel
		if err := can.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		peerMetrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()
		if stop, ok := p.icall[can.RequestID]; ok {
			stop()
		}

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		defer p.μ.Unlock()
		pc, ok := p.ocall[rsp.RequestID]
		if !ok {
			return nil // unknown request ID, discard
		}
		delete(p.ocall, rsp.RequestID)
		pc.deliver(&rsp) // nil for abandoned calls

	default:
		peerMetrics.packetDropped.Add(1)
	}
	return nil
}

func (p *Peer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch == nil {
		return net.ErrClosed
	}
	p.logPacket(pkt, true)
	peerMetrics.packetSent.Add(1)
	return p.out.ch.Send(pkt)
}

func (p *Peer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by Peer.Call. For
// service errors Err is nil and ErrorData holds the details. For errors
// that came from a response, Response is the complete response.
type CallError struct {
	ErrorData
	Err      error
	Response *Response
}

// Unwrap reports the underlying error of c, which is nil for service errors.
func (c *CallError) Unwrap() error { return c.Err }

func (c *CallError) Error() string {
	switch {
	case c.Err != nil:
		return c.Err.Error()
	case c.Response == nil:
		return c.ErrorData.Error()
	case c.Response.Code == CodeServiceError:
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	case c.Message != "":
		return fmt.Sprintf("%v: %s", c.Response.Code, c.Message)
	}
	return fmt.Sprintf("request %d: %v", c.Response.RequestID, c.Response.Code)
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with ctx, or nil. The context
// passed to a Handler has this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress guesses the network type of an address string.
// Addresses of the form [host]:port, where port is a service name or number
// and host has no "/", are "tcp"; anything else is "unix".
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) || strings.Contains(host, "/") {
		return "unix", s
	}
	return "tcp", s
}

func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

// dialTimeout bounds connection setup in Dial.
const dialTimeout = 10 * time.Second

// Dial connects to a peer at addr (see SplitAddress) using d, or a default
// dialer if d == nil.
func Dial(ctx context.Context, addr string, d *net.Dialer) (net.Conn, error) {
	if d == nil {
		d = &net.Dialer{Timeout: dialTimeout}
	}
	network, address := SplitAddress(addr)
	return d.DialContext(ctx, network, address)
}
