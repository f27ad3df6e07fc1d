// Copyright (C) 2025 The Parley Authors. All Rights Reserved.

package parley

import "expvar"

// metrics collects activity counters across all peers in the process.
type metrics struct {
	connectionsActive expvar.Int
	messagesSent      expvar.Int
	messagesReceived  expvar.Int
	pingsSent         expvar.Int
	pingsReceived     expvar.Int
	requestsPending   expvar.Int // outbound requests awaiting a response
	streamsOpened     expvar.Int // streaming requests issued
	inboundDelivered  expvar.Int // non-response envelopes handed to the application
	responsesDropped  expvar.Int // responses with no matching reply slot

	emap *expvar.Map
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("connections_active", &m.connectionsActive)
	m.emap.Set("messages_sent", &m.messagesSent)
	m.emap.Set("messages_received", &m.messagesReceived)
	m.emap.Set("pings_sent", &m.pingsSent)
	m.emap.Set("pings_received", &m.pingsReceived)
	m.emap.Set("requests_pending", &m.requestsPending)
	m.emap.Set("streams_opened", &m.streamsOpened)
	m.emap.Set("inbound_delivered", &m.inboundDelivered)
	m.emap.Set("responses_dropped", &m.responsesDropped)
	return m
}

// Metrics returns the metrics map for the package. It is safe for the
// caller to add additional metrics to the map.
func Metrics() *expvar.Map { return peerMetrics.emap }
