package peers

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/channel"
	"github.com/creachadair/pingnode/handler"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// HelloMethod is the method a dialing node calls to introduce itself. The
// request data is the caller's node name and the response is the callee's.
const HelloMethod = "@hello"

// A Mesh tracks the peers connected to one named node, keyed by the name of
// the node at the other end of each connection.
//
// Processes are registered on the base peer. Requests arriving on any
// connection, and requests a node addresses to itself, run the base peer's
// handlers.
type Mesh struct {
	name string
	base *pingnode.Peer
	log  zerolog.Logger

	μ     sync.Mutex
	nodes map[string]link
}

// A link is a connection to another node, with the name of the node that
// dialed it.
type link struct {
	peer   *pingnode.Peer
	dialer string
}

// NewMesh constructs an empty mesh for the node with the given name, whose
// handlers are registered on base. If base == nil, a new peer is used.
func NewMesh(name string, base *pingnode.Peer, log zerolog.Logger) *Mesh {
	if base == nil {
		base = pingnode.NewPeer()
	}
	return &Mesh{
		name:  name,
		base:  base,
		log:   log,
		nodes: make(map[string]link),
	}
}

// Name returns the name of the local node.
func (m *Mesh) Name() string { return m.name }

// Base returns the peer holding the local node's handlers.
func (m *Mesh) Base() *pingnode.Peer { return m.base }

// Nodes returns the names of the connected remote nodes in sorted order.
func (m *Mesh) Nodes() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	out := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Lookup returns the peer connected to the named node, if any.
func (m *Mesh) Lookup(node string) (*pingnode.Peer, bool) {
	m.μ.Lock()
	defer m.μ.Unlock()
	l, ok := m.nodes[node]
	return l.peer, ok
}

// Call delivers a request for method to the named node and returns the
// response data. A request addressed to the local node runs the base
// peer's handler directly; it still returns when ctx ends, even if the
// handler has not finished.
func (m *Mesh) Call(ctx context.Context, node, method string, data []byte) ([]byte, error) {
	if node == m.name {
		return m.execLocal(ctx, method, data)
	}
	p, ok := m.Lookup(node)
	if !ok {
		return nil, fmt.Errorf("node %q is not connected", node)
	}
	rsp, err := p.Call(ctx, method, data)
	if err != nil {
		return nil, err
	}
	return rsp.Data, nil
}

func (m *Mesh) execLocal(ctx context.Context, method string, data []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		out, err := m.base.Exec(ctx, method, data)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("call %q on %q: %w", method, m.name, ctx.Err())
	}
}

// newPeer returns an unstarted peer for a connection to another node.
func (m *Mesh) newPeer() *pingnode.Peer {
	p := pingnode.NewPeer().
		Handle(HelloMethod, handler.ParamResultError(m.hello)).
		Handle("", func(ctx context.Context, req *pingnode.Request) ([]byte, error) {
			return m.base.Exec(ctx, req.Method, req.Data)
		})
	if m.log.GetLevel() <= zerolog.TraceLevel {
		p.LogPackets(func(pi pingnode.PacketInfo) {
			m.log.Trace().Stringer("packet", pi).Msg("peer traffic")
		})
	}
	return p
}

// hello registers the calling peer under the node name it reports.
func (m *Mesh) hello(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty node name")
	} else if name == m.name {
		return "", fmt.Errorf("node name %q is already in use", name)
	}
	m.add(name, link{peer: pingnode.ContextPeer(ctx), dialer: name})
	return m.name, nil
}

// add registers l as the connection to node.
//
// When two nodes dial each other at once, each ends up with two connections
// to the other. Both sides keep the connection dialed by the node whose name
// sorts first, whatever order they arrive in. Only the node that dialed the
// other connection stops it, after its own hello has completed.
//
// Otherwise a new connection replaces the old one, which is stopped.
func (m *Mesh) add(node string, l link) {
	p := l.peer
	p.OnExit(func(err error) {
		m.μ.Lock()
		defer m.μ.Unlock()
		if m.nodes[node].peer == p {
			delete(m.nodes, node)
		}
		m.log.Info().Str("peer", node).AnErr("status", err).Msg("peer disconnected")
	})

	m.μ.Lock()
	old, ok := m.nodes[node]
	if ok && old.peer != p && old.dialer != l.dialer {
		keep, drop := l, old
		if old.dialer < l.dialer {
			keep, drop = old, l
		}
		m.nodes[node] = keep
		m.μ.Unlock()

		m.log.Info().Str("peer", node).Str("dialer", keep.dialer).Msg("peer connected")
		if drop.dialer == m.name {
			go drop.peer.Stop()
		}
		return
	}
	m.nodes[node] = l
	m.μ.Unlock()

	m.log.Info().Str("peer", node).Str("dialer", l.dialer).Msg("peer connected")
	if ok && old.peer != p {
		go old.peer.Stop()
	}
}

// Serve starts and returns a peer for an inbound channel. The peer is
// registered in the mesh when the remote node introduces itself.
// Serve has the signature expected by Loop.
func (m *Mesh) Serve(ch pingnode.Channel) *pingnode.Peer { return m.newPeer().Start(ch) }

// Attach starts a peer on an outbound channel, introduces the local node,
// and registers the peer under the name the remote node reports.
func (m *Mesh) Attach(ctx context.Context, ch pingnode.Channel) (string, error) {
	p := m.newPeer().Start(ch)
	rsp, err := p.Call(ctx, HelloMethod, []byte(m.name))
	if err != nil {
		p.Stop()
		return "", fmt.Errorf("hello: %w", err)
	}
	name := string(rsp.Data)
	if name == "" || name == m.name {
		p.Stop()
		return "", fmt.Errorf("hello: invalid node name %q", name)
	}
	m.add(name, link{peer: p, dialer: m.name})
	return name, nil
}

// Connect dials addr and attaches the resulting channel. Addresses with a
// ws:// or wss:// scheme are dialed as WebSockets; anything else is dialed
// as described by pingnode.SplitAddress.
func (m *Mesh) Connect(ctx context.Context, addr string) (string, error) {
	var ch pingnode.Channel
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return "", fmt.Errorf("dial %q: %w", addr, err)
		}
		ch = channel.WebSocket(conn)
	} else {
		conn, err := pingnode.Dial(ctx, addr, nil)
		if err != nil {
			return "", fmt.Errorf("dial %q: %w", addr, err)
		}
		ch = channel.IO(conn, conn)
	}
	return m.Attach(ctx, ch)
}

// Close stops all connected peers and waits for them to exit.
func (m *Mesh) Close() error {
	m.μ.Lock()
	ps := make([]*pingnode.Peer, 0, len(m.nodes))
	for _, l := range m.nodes {
		ps = append(ps, l.peer)
	}
	m.μ.Unlock()

	var errs []error
	for _, p := range ps {
		errs = append(errs, p.Stop())
	}
	return errors.Join(errs...)
}
