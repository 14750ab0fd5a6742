// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package app implements the counter process hosted by each node.
//
// A Process records messages arriving on three channels. External requests
// arrive over HTTP (see [Process.ServeHTTP]). Local and remote pings arrive
// as protocol requests whose method is the process identifier, and are
// routed by the variant of their payload (see [Process.Handler]). A process
// can also originate pings to itself or to another node with
// [Process.SendMessage].
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/creachadair/pingnode"
	"github.com/creachadair/pingnode/address"
	"github.com/creachadair/pingnode/counter"
	"github.com/creachadair/pingnode/dispatch"
	"github.com/creachadair/pingnode/handler"
	"github.com/creachadair/pingnode/message"
	"github.com/creachadair/pingnode/metrics"
	"github.com/rs/zerolog"
)

// ErrorHook is the external message text that makes PingHTTP fail without
// recording anything.
const ErrorHook = "err"

// Config carries the settings for a Process.
type Config struct {
	// Self is the address of this process. It is required.
	Self address.Address

	// Store holds the counters. If nil, a new empty store is used.
	Store *counter.Store

	// Dispatcher delivers outbound pings. It is required by SendMessage.
	Dispatcher *dispatch.Dispatcher

	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional
}

// A Process is a counter process. It is safe for concurrent use.
type Process struct {
	self  address.Address
	store *counter.Store
	disp  *dispatch.Dispatcher
	log   zerolog.Logger
	mx    *metrics.Metrics
}

// New constructs a Process from cfg.
func New(cfg Config) *Process {
	store := cfg.Store
	if store == nil {
		store = counter.New(counter.Options{Logger: cfg.Logger})
	}
	return &Process{
		self:  cfg.Self,
		store: store,
		disp:  cfg.Dispatcher,
		log:   cfg.Logger.With().Stringer("process", cfg.Self).Logger(),
		mx:    cfg.Metrics,
	}
}

// Self returns the address of p.
func (p *Process) Self() address.Address { return p.self }

// Counters returns the current state of the counters.
func (p *Process) Counters() counter.Snapshot { return p.store.Snapshot() }

func (p *Process) record(ch counter.Channel, msg string) counter.Snapshot {
	snap := p.store.Record(ch, message.Normalize(msg))
	if p.mx != nil {
		p.mx.MessagesTotal.WithLabelValues(ch.String()).Inc()
	}
	return snap
}

// PingHTTP records an external ping. The body must be a JSON-encoded
// message.PingRequest. If the normalized message is ErrorHook, PingHTTP
// reports a KindLogic error and records nothing.
func (p *Process) PingHTTP(body []byte) (counter.Snapshot, error) {
	var req message.PingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid ping request: %v", err)
	}
	msg := message.Normalize(req.Text())
	if msg == ErrorHook {
		return counter.Snapshot{}, message.Errorf(message.KindLogic, "Simulated error")
	}
	return p.record(counter.HTTP, msg), nil
}

// PingLocal records a ping on the local channel.
func (p *Process) PingLocal(msg string) counter.Snapshot { return p.record(counter.Local, msg) }

// PingRemote records a ping on the remote channel.
func (p *Process) PingRemote(msg string) counter.Snapshot { return p.record(counter.Remote, msg) }

// SendMessage originates a ping as directed by req and returns the snapshot
// reported by the receiving process.
//
// The message must be non-empty after trimming, and ModeRemoteMismatch
// requires a target node; otherwise SendMessage reports a KindValidation
// error without sending anything. Errors from delivery are returned as-is.
func (p *Process) SendMessage(ctx context.Context, req message.SendMessageRequest) (counter.Snapshot, error) {
	msg, err := p.checkSend(req)
	if err != nil {
		return counter.Snapshot{}, err
	}
	if p.disp == nil {
		return counter.Snapshot{}, message.Errorf(message.KindTransport, "no dispatcher configured")
	}

	var target address.Address
	var v message.Variant
	switch req.Mode {
	case message.ModeLocal:
		target, v = address.Resolve(p.self, ""), message.PingLocal
	case message.ModeRemote:
		target, v = address.Resolve(p.self, req.Target()), message.PingRemote
	case message.ModeRemoteMismatch:
		// The receiver records this on its local channel, not its remote one.
		target, v = address.Resolve(p.self, req.Target()), message.PingLocal
	}
	p.log.Debug().Str("mode", string(req.Mode)).Stringer("target", target).Msg("send message")
	return p.disp.Dispatch(ctx, target, v, msg)
}

// checkSend validates req and returns its trimmed message.
func (p *Process) checkSend(req message.SendMessageRequest) (string, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", message.Errorf(message.KindValidation, "message must not be empty")
	}
	switch req.Mode {
	case message.ModeLocal, message.ModeRemote:
	case message.ModeRemoteMismatch:
		if req.Target() == "" {
			return "", message.Errorf(message.KindValidation, "target_node is required for mode %q", req.Mode)
		}
	default:
		return "", message.Errorf(message.KindValidation, "unknown mode %q", req.Mode)
	}
	return msg, nil
}

// Deliver records a payload received from this or another node, and returns
// the result to send back. A payload that cannot be decoded yields an error
// result.
func (p *Process) Deliver(data []byte) message.Result {
	var pl message.Payload
	if err := json.Unmarshal(data, &pl); err != nil {
		p.log.Warn().Err(err).Msg("invalid payload")
		return message.Failed(err.Error())
	}
	switch pl.Variant {
	case message.PingLocal:
		return message.OK(p.PingLocal(pl.Message))
	case message.PingRemote:
		return message.OK(p.PingRemote(pl.Message))
	default:
		panic(fmt.Sprintf("unhandled variant %v", pl.Variant))
	}
}

// Handler returns a protocol handler that delivers request payloads to p.
// The reply data is always a JSON-encoded message.Result.
func (p *Process) Handler() pingnode.Handler {
	return handler.ParamResult(func(ctx context.Context, data []byte) message.Result {
		if req := handler.ContextRequest(ctx); req != nil {
			p.log.Debug().Uint32("request", req.RequestID).Str("method", req.Method).
				Int("bytes", len(req.Data)).Msg("deliver")
		}
		return p.Deliver(data)
	})
}

// Register installs the handler for p on peer, under the method named by the
// process identifier of p.
func (p *Process) Register(peer *pingnode.Peer) {
	peer.Handle(p.self.Process.String(), p.Handler())
}
