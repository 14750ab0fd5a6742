// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package dispatch delivers ping payloads to counter processes and decodes
// their replies.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/creachadair/pingnode/address"
	"github.com/creachadair/pingnode/counter"
	"github.com/creachadair/pingnode/message"
	"github.com/creachadair/pingnode/metrics"
	"github.com/rs/zerolog"
)

// DefaultTimeout is the reply deadline used when a Dispatcher has none.
const DefaultTimeout = 5 * time.Second

// A Transport delivers a request to the named method on a node and returns
// the reply data.
type Transport interface {
	Call(ctx context.Context, node, method string, data []byte) ([]byte, error)
}

// A Dispatcher sends payloads through a Transport.
type Dispatcher struct {
	Transport Transport

	// Timeout bounds the wait for a reply. If zero, DefaultTimeout is used.
	Timeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics // optional
}

func (d *Dispatcher) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Dispatch delivers a payload with variant v and text msg to the process at
// target, and returns the snapshot it replies with.
//
// Errors have concrete type *message.Error. If no reply arrives before the
// deadline the kind is KindTimeout; other delivery failures are
// KindTransport. An error reply from the target is KindRemote, with the
// text of the reply unchanged. A reply that cannot be decoded is KindDecode.
//
// Dispatch does not modify any local state.
func (d *Dispatcher) Dispatch(ctx context.Context, target address.Address, v message.Variant, msg string) (_ counter.Snapshot, err error) {
	start := time.Now()
	log := d.Logger.With().Stringer("target", target).Stringer("variant", v).Logger()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = message.KindOf(err).String()
			log.Debug().Err(err).Str("outcome", outcome).Msg("dispatch failed")
		} else {
			log.Debug().Dur("elapsed", time.Since(start)).Msg("dispatch complete")
		}
		if m := d.Metrics; m != nil {
			m.DispatchTotal.WithLabelValues(v.String(), outcome).Inc()
			m.DispatchDuration.WithLabelValues(v.String()).Observe(time.Since(start).Seconds())
		}
	}()

	data, err := json.Marshal(message.Payload{Variant: v, Message: msg})
	if err != nil {
		return counter.Snapshot{}, message.Errorf(message.KindValidation, "encode payload: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	rsp, err := d.Transport.Call(cctx, target.Node, target.Process.String(), data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return counter.Snapshot{}, message.Errorf(message.KindTimeout, "request to %v timed out: %v", target, err)
		}
		return counter.Snapshot{}, message.Errorf(message.KindTransport, "request to %v failed: %v", target, err)
	}

	var res message.Result
	if err := json.Unmarshal(rsp, &res); err != nil {
		return counter.Snapshot{}, message.Errorf(message.KindDecode, "invalid reply from %v: %v", target, err)
	}
	return res.Unpack()
}
