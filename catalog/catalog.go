// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog reports the processes hosted by a node.
//
// A node that calls [Register] on its base peer answers requests for
// [Method] with its catalog: the node name and the identifiers of the
// processes with handlers on that peer. Another node can then discover
// what a peer hosts before sending to it:
//
//	catalog.Register("alice.os", mesh.Base())
//	...
//	cat, err := catalog.Fetch(ctx, mesh, "alice.os")
//	if cat.Has(pid) { ... }
//
// # Wire format
//
// The node name is encoded as a string with a one-byte length, followed by
// a big-endian uint16 count of processes, followed by each process
// identifier in its text form, also with a one-byte length. Processes are
// listed in lexicographic order of their text form.
package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/address"
	"github.com/creachadair/pingnode/handler"
	"github.com/creachadair/pingnode/packet"
	"github.com/creachadair/taskgroup"
)

// Method is the protocol method that reports the catalog of a node.
const Method = "@catalog"

// A Catalog lists the processes hosted by a node.
type Catalog struct {
	Node      string              `json:"node"`
	Processes []address.ProcessID `json:"processes"`
}

// Of returns the catalog of the processes registered on peer, for the named
// node. Methods that are not process identifiers are not included.
func Of(node string, peer *pingnode.Peer) Catalog {
	c := Catalog{Node: node}
	for _, m := range peer.Methods() {
		if pid, err := address.ParseProcess(m); err == nil {
			c.Processes = append(c.Processes, pid)
		}
	}
	c.sort()
	return c
}

func (c *Catalog) sort() {
	slices.SortFunc(c.Processes, func(a, b address.ProcessID) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Has reports whether c lists pid.
func (c Catalog) Has(pid address.ProcessID) bool { return slices.Contains(c.Processes, pid) }

// MarshalBinary encodes c in binary format. It reports an error if c has more
// than 65535 processes or if a name is longer than packet.MaxShortLen.
func (c Catalog) MarshalBinary() ([]byte, error) {
	if len(c.Processes) > 1<<16-1 {
		return nil, fmt.Errorf("too many processes (%d)", len(c.Processes))
	}
	if len(c.Node) > packet.MaxShortLen {
		return nil, fmt.Errorf("node name too long (%d bytes)", len(c.Node))
	}
	sorted := Catalog{Node: c.Node, Processes: slices.Clone(c.Processes)}
	sorted.sort()

	b := packet.NewBuilder(64)
	b.PutShort(c.Node)
	b.Uint16(uint16(len(sorted.Processes)))
	for _, pid := range sorted.Processes {
		text := pid.String()
		if len(text) > packet.MaxShortLen {
			return nil, fmt.Errorf("process id too long (%d bytes)", len(text))
		}
		b.PutShort(text)
	}
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data as a catalog payload.
func (c *Catalog) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	node, err := s.Short()
	if err != nil {
		return fmt.Errorf("catalog node: %w", err)
	}
	n, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("catalog size: %w", err)
	}
	procs := make([]address.ProcessID, 0, n)
	for i := range int(n) {
		text, err := s.Short()
		if err != nil {
			return fmt.Errorf("catalog process %d: %w", i+1, err)
		}
		pid, err := address.ParseProcess(text)
		if err != nil {
			return fmt.Errorf("catalog process %d: %w", i+1, err)
		}
		procs = append(procs, pid)
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after catalog (%d bytes)", s.Len())
	}
	c.Node, c.Processes = node, procs
	return nil
}

// Register installs a handler for Method on peer, reporting the catalog of
// the named node as of each call.
func Register(node string, peer *pingnode.Peer) {
	peer.Handle(Method, handler.ResultError(func(context.Context) (Catalog, error) {
		return Of(node, peer), nil
	}))
}

// A Caller delivers a request to the named method on a node.
type Caller interface {
	Call(ctx context.Context, node, method string, data []byte) ([]byte, error)
}

// Fetch requests the catalog of the named node.
func Fetch(ctx context.Context, c Caller, node string) (Catalog, error) {
	data, err := c.Call(ctx, node, Method, nil)
	if err != nil {
		return Catalog{}, err
	}
	var cat Catalog
	if err := cat.UnmarshalBinary(data); err != nil {
		return Catalog{}, fmt.Errorf("invalid catalog from %q: %w", node, err)
	}
	return cat, nil
}

// Survey fetches the catalogs of the named nodes concurrently. If timeout > 0,
// each fetch is limited to that long. A node that cannot be reached in time is
// reported with an empty process list and is not an error.
func Survey(ctx context.Context, c Caller, nodes []string, timeout time.Duration) []Catalog {
	out := make([]Catalog, len(nodes))
	g := taskgroup.New(nil)
	for i, node := range nodes {
		g.Go(func() error {
			fctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			cat, err := Fetch(fctx, c, node)
			if err != nil {
				cat = Catalog{Node: node}
			}
			out[i] = cat
			return nil
		})
	}
	g.Wait()
	return out
}
