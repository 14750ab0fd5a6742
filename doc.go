// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package pingnode implements the peer protocol that ping nodes use to call
// processes on one another, plus the node runtime built on it.
//
// A node hosts a counter process that counts messages arriving on three
// channels: external (HTTP), local (from its own node), and remote (from
// another node). The process can also originate messages, to itself or to a
// named peer node, which exercises the cross-node path end to end. See the
// app package for the process, and cmd/pingnode for the program.
//
// # Peers
//
// The core type of this package is the [Peer]. Two peers exchange binary
// packets over a [Channel]:
//
//	p := pingnode.NewPeer().Start(ch)
//	defer p.Stop()
//
// The peer runs until Stop is called, the channel closes, or a protocol
// fatal error occurs. [Peer.Wait] reports why it exited.
//
// # Calls
//
// A call is a request and its response. Handlers are registered by method
// name; node processes use their process identifier as the method name:
//
//	p.Handle("counter:pingnode:example.os", h)
//
// To call a method on the remote peer:
//
//	rsp, err := p.Call(ctx, "counter:pingnode:example.os", data)
//
// If ctx ends before the response arrives, the call is cancelled on the
// remote peer and Call returns at once. Errors from Call have concrete type
// [*CallError].
//
// [Peer.Exec] runs a local handler without sending any packets. Nodes use it
// to deliver messages addressed to themselves.
//
// # Metrics
//
// Peers maintain protocol counters in an [expvar.Map] returned by
// [Peer.Metrics]:
//
//   - packets_received, packets_sent, packets_dropped
//   - calls_in, calls_in_failed, calls_active
//   - calls_out, calls_out_failed, calls_pending
//   - cancels_in
package pingnode
