// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package peers_test

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/channel"
	"github.com/creachadair/pingnode/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn satisfies net.Conn but only its Close method may be called.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			c, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := c.(channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", c, channel.IOChannel{})
			}
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := peers.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})

	t.Run("WebSocketClosed", func(t *testing.T) {
		acc := peers.NewWebSocketAccepter()
		acc.Close()
		if ch, err := acc.Accept(t.Context()); !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept: got (%v, %v), want %v", ch, err, net.ErrClosed)
		}
	})
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	serve := func(ch pingnode.Channel) *pingnode.Peer {
		return pingnode.NewPeer().Handle("echo", slowEcho).Start(ch)
	}
	loop := taskgroup.Go(func() error {
		return peers.Loop(ctx, peers.NetAccepter(lst), serve)
	})

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			peer := pingnode.NewPeer().Start(channel.IO(conn, conn))
			for j := range numCalls {
				if _, err := peer.Call(t.Context(), "echo", nil); err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				}
			}
			return peer.Stop()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	cancel()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
}

func slowEcho(ctx context.Context, req *pingnode.Request) ([]byte, error) {
	time.Sleep(7 * time.Millisecond)
	return req.Data, nil
}

func upper(ctx context.Context, req *pingnode.Request) ([]byte, error) {
	return []byte(strings.ToUpper(string(req.Data))), nil
}

func newMesh(name string) *peers.Mesh {
	base := pingnode.NewPeer().Handle("upper", upper).Handle("whoami",
		func(context.Context, *pingnode.Request) ([]byte, error) { return []byte(name), nil })
	return peers.NewMesh(name, base, zerolog.Nop())
}

func TestMesh(t *testing.T) {
	defer leaktest.Check(t)()

	alpha, beta := newMesh("alpha"), newMesh("beta")
	a, b := channel.Direct()
	beta.Serve(b)

	got, err := alpha.Attach(t.Context(), a)
	if err != nil {
		t.Fatalf("Attach: unexpected error: %v", err)
	}
	if got != "beta" {
		t.Errorf("Attach: got node %q, want beta", got)
	}
	if diff := cmp.Diff([]string{"beta"}, alpha.Nodes()); diff != "" {
		t.Errorf("alpha nodes (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"alpha"}, beta.Nodes()); diff != "" {
		t.Errorf("beta nodes (-want, +got):\n%s", diff)
	}

	t.Run("Remote", func(t *testing.T) {
		data, err := alpha.Call(t.Context(), "beta", "whoami", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := string(data); got != "beta" {
			t.Errorf("Call whoami: got %q, want beta", got)
		}
	})

	t.Run("Reverse", func(t *testing.T) {
		data, err := beta.Call(t.Context(), "alpha", "upper", []byte("hey"))
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := string(data); got != "HEY" {
			t.Errorf("Call upper: got %q, want HEY", got)
		}
	})

	t.Run("Self", func(t *testing.T) {
		data, err := alpha.Call(t.Context(), "alpha", "whoami", nil)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if got := string(data); got != "alpha" {
			t.Errorf("Call whoami: got %q, want alpha", got)
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		_, err := alpha.Call(t.Context(), "beta", "nonesuch", nil)
		var ce *pingnode.CallError
		if !errors.As(err, &ce) || ce.Response == nil || ce.Response.Code != pingnode.CodeUnknownMethod {
			t.Errorf("Call: got %v, want unknown method", err)
		}
	})

	t.Run("NotConnected", func(t *testing.T) {
		if _, err := alpha.Call(t.Context(), "gamma", "whoami", nil); err == nil {
			t.Error("Call to unknown node did not report an error")
		}
	})

	if err := alpha.Close(); err != nil {
		t.Errorf("alpha Close: unexpected error: %v", err)
	}
	if got := alpha.Nodes(); len(got) != 0 {
		t.Errorf("alpha nodes after Close: got %q, want none", got)
	}
	if err := beta.Close(); err != nil {
		t.Errorf("beta Close: unexpected error: %v", err)
	}
}

func TestMeshSelfName(t *testing.T) {
	defer leaktest.Check(t)()

	one, two := newMesh("same"), newMesh("same")
	a, b := channel.Direct()
	srv := two.Serve(b)
	defer srv.Stop()

	if name, err := one.Attach(t.Context(), a); err == nil {
		t.Errorf("Attach: got %q, want error", name)
	}
	if got := two.Nodes(); len(got) != 0 {
		t.Errorf("Nodes: got %q, want none", got)
	}
}

func TestMeshCrossDial(t *testing.T) {
	defer leaktest.Check(t)()

	for i := range 50 {
		alpha, beta := newMesh("alpha"), newMesh("beta")
		a1, b1 := channel.Direct()
		a2, b2 := channel.Direct()
		beta.Serve(b1)
		alpha.Serve(b2)

		// Each node dials the other at the same time.
		g := taskgroup.New(nil)
		g.Go(func() error { _, err := alpha.Attach(t.Context(), a1); return err })
		g.Go(func() error { _, err := beta.Attach(t.Context(), a2); return err })
		if err := g.Wait(); err != nil {
			t.Fatalf("Round %d: Attach: unexpected error: %v", i, err)
		}

		// Both sides settle on the connection alpha dialed.
		pa, ok := alpha.Lookup("beta")
		if !ok {
			t.Fatalf("Round %d: alpha has no connection to beta", i)
		}
		if _, ok := beta.Lookup("alpha"); !ok {
			t.Fatalf("Round %d: beta has no connection to alpha", i)
		}
		if got, err := alpha.Call(t.Context(), "beta", "whoami", nil); err != nil || string(got) != "beta" {
			t.Errorf("Round %d: alpha call: got %q, %v; want beta", i, got, err)
		}
		if got, err := beta.Call(t.Context(), "alpha", "whoami", nil); err != nil || string(got) != "alpha" {
			t.Errorf("Round %d: beta call: got %q, %v; want alpha", i, got, err)
		}

		// The dropped connection stops without disturbing the one kept.
		time.Sleep(5 * time.Millisecond)
		if p, ok := alpha.Lookup("beta"); !ok || p != pa {
			t.Errorf("Round %d: alpha connection to beta changed or dropped", i)
		}
		if _, err := beta.Call(t.Context(), "alpha", "upper", []byte("ok")); err != nil {
			t.Errorf("Round %d: beta call after settling: %v", i, err)
		}

		alpha.Close()
		beta.Close()
	}
}

func TestMeshConnect(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	srv := newMesh("server")
	lst, addr := mustListen(t)
	acc := peers.NewWebSocketAccepter()
	hs := httptest.NewServer(acc)
	defer hs.Close()

	g := taskgroup.New(nil)
	g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), srv.Serve) })
	g.Go(func() error { return peers.Loop(ctx, acc, srv.Serve) })

	for _, tc := range []struct {
		client, addr string
	}{
		{"tcp-client", addr},
		{"ws-client", "ws" + strings.TrimPrefix(hs.URL, "http")},
	} {
		t.Run(tc.client, func(t *testing.T) {
			m := newMesh(tc.client)
			defer m.Close()

			node, err := m.Connect(t.Context(), tc.addr)
			if err != nil {
				t.Fatalf("Connect %q: %v", tc.addr, err)
			}
			if node != "server" {
				t.Errorf("Connect: got node %q, want server", node)
			}
			data, err := m.Call(t.Context(), "server", "upper", []byte(tc.client))
			if err != nil {
				t.Fatalf("Call: unexpected error: %v", err)
			}
			if got, want := string(data), strings.ToUpper(tc.client); got != want {
				t.Errorf("Call: got %q, want %q", got, want)
			}
		})
	}

	cancel()
	acc.Close()
	if err := g.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
	srv.Close()
}

func TestDialer(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	srv := newMesh("server")
	lst, addr := mustListen(t)
	loop := taskgroup.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), srv.Serve) })

	cli := newMesh("client")
	counts := make(chan int, 16)
	d := &peers.Dialer{
		Mesh:     cli,
		Retry:    20 * time.Millisecond,
		OnChange: func(n int) {
			select {
			case counts <- n:
			default:
			}
		},
		Logger:   zerolog.Nop(),
	}
	// The first address refuses connections.
	dead, deadAddr := mustListen(t)
	dead.Close()
	d.SetAddrs([]string{deadAddr, addr})
	run := taskgroup.Go(func() error { return d.Run(ctx) })

	waitFor := func(want int) {
		t.Helper()
		timeout := time.After(10 * time.Second)
		for {
			select {
			case n := <-counts:
				if n == want {
					return
				}
			case <-timeout:
				t.Fatalf("Timed out waiting for %d connected nodes", want)
			}
		}
	}
	waitFor(1)
	if diff := cmp.Diff([]string{"server"}, cli.Nodes()); diff != "" {
		t.Errorf("Nodes (-want, +got):\n%s", diff)
	}

	// Dropping the connection from the server side makes the dialer redial.
	old, _ := cli.Lookup("server")
	p, ok := srv.Lookup("client")
	if !ok {
		t.Fatal("Server has no peer for the client")
	}
	p.Stop()
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		if cur, ok := cli.Lookup("server"); ok && cur != old {
			break
		} else if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a redial")
		}
	}
	if _, err := cli.Call(t.Context(), "server", "upper", []byte("again")); err != nil {
		t.Errorf("Call after redial: %v", err)
	}

	cancel()
	if err := run.Wait(); err != nil {
		t.Errorf("Dialer: unexpected error: %v", err)
	}
	cli.Close()
	if err := loop.Wait(); err != nil {
		t.Errorf("Loop: unexpected error: %v", err)
	}
	srv.Close()
}
