// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package pingnode

import "expvar"

// peerMetrics are protocol counters shared by all peers in the process.
var peerMetrics = newPeerMetrics()

type metrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int // received packets of unknown type
	callIn        expvar.Int
	callInErr     expvar.Int
	callActive    expvar.Int // gauge, inbound
	callOut       expvar.Int
	callOutErr    expvar.Int
	callPending   expvar.Int // gauge, outbound
	cancelIn      expvar.Int

	emap *expvar.Map
}

func newPeerMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	for name, v := range map[string]*expvar.Int{
		"packets_received": &m.packetRecv,
		"packets_sent":     &m.packetSent,
		"packets_dropped":  &m.packetDropped,
		"calls_in":         &m.callIn,
		"calls_in_failed":  &m.callInErr,
		"calls_active":     &m.callActive,
		"calls_out":        &m.callOut,
		"calls_out_failed": &m.callOutErr,
		"calls_pending":    &m.callPending,
		"cancels_in":       &m.cancelIn,
	} {
		m.emap.Set(name, v)
	}
	return m
}
