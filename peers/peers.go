// Package peers provides support code for connecting and managing peers.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *pingnode.Peer
	B *pingnode.Peer
}

// Stop shuts down both peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of started peers connected by a direct in-memory
// channel.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: pingnode.NewPeer().Start(a2b),
		B: pingnode.NewPeer().Start(b2a),
	}
}

// An Accepter yields channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (pingnode.Channel, error)
}

// Loop accepts channels from acc and serves each one on the peer returned
// by serve, until acc closes or ctx ends. When ctx ends, all running peers
// are stopped. Loop waits for its peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, serve func(pingnode.Channel) *pingnode.Peer) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := serve(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter { return netAccepter{Listener: lst} }

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (pingnode.Channel, error) {
	// A net.Listener does not obey a context, so close the listener if ctx
	// ends first. The ok channel releases the watcher when Accept returns.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WebSocketAccepter is an http.Handler that upgrades inbound requests to
// WebSocket connections and yields them as channels from Accept.
type WebSocketAccepter struct {
	upgrader websocket.Upgrader
	chans    chan pingnode.Channel
	done     chan struct{}
	stop     sync.Once
}

// NewWebSocketAccepter constructs a new, open WebSocketAccepter.
func NewWebSocketAccepter() *WebSocketAccepter {
	return &WebSocketAccepter{
		chans: make(chan pingnode.Channel),
		done:  make(chan struct{}),
	}
}

// ServeHTTP implements http.Handler. It blocks until the upgraded channel is
// taken by Accept or the accepter is closed.
func (a *WebSocketAccepter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.done:
		http.Error(w, "accepter is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade has already replied
	}
	ch := channel.WebSocket(conn)
	select {
	case a.chans <- ch:
	case <-a.done:
		ch.Close()
	}
}

// Accept implements the Accepter interface.
func (a *WebSocketAccepter) Accept(ctx context.Context) (pingnode.Channel, error) {
	select {
	case ch := <-a.chans:
		return ch, nil
	case <-a.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the accepter. Pending and future Accept calls report
// net.ErrClosed.
func (a *WebSocketAccepter) Close() error {
	a.stop.Do(func() { close(a.done) })
	return nil
}
