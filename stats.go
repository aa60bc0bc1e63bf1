package haywire

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats holds process-wide counters of a server. All counters only ever increase.
type Stats struct {
	connectionsCreated   atomic.Int64
	connectionsDestroyed atomic.Int64
	requestsDispatched   atomic.Int64
	routesNotFound       atomic.Int64
	protocolErrors       atomic.Int64
	handlerPanics        atomic.Int64
	bytesWritten         atomic.Int64
	buffersAcquired      atomic.Int64
	buffersReleased      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of [Stats].
type StatsSnapshot struct {
	ConnectionsCreated   int64
	ConnectionsDestroyed int64
	RequestsDispatched   int64
	RoutesNotFound       int64
	ProtocolErrors       int64
	HandlerPanics        int64
	BytesWritten         int64
	BuffersAcquired      int64
	BuffersReleased      int64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ConnectionsCreated:   s.connectionsCreated.Load(),
		ConnectionsDestroyed: s.connectionsDestroyed.Load(),
		RequestsDispatched:   s.requestsDispatched.Load(),
		RoutesNotFound:       s.routesNotFound.Load(),
		ProtocolErrors:       s.protocolErrors.Load(),
		HandlerPanics:        s.handlerPanics.Load(),
		BytesWritten:         s.bytesWritten.Load(),
		BuffersAcquired:      s.buffersAcquired.Load(),
		BuffersReleased:      s.buffersReleased.Load(),
	}
}

// String renders the snapshot as one "name value" pair per line.
func (s StatsSnapshot) String() string {
	var b strings.Builder
	for _, kv := range []struct {
		name string
		v    int64
	}{
		{"connections_created_total", s.ConnectionsCreated},
		{"connections_destroyed_total", s.ConnectionsDestroyed},
		{"requests_dispatched_total", s.RequestsDispatched},
		{"routes_not_found_total", s.RoutesNotFound},
		{"protocol_errors_total", s.ProtocolErrors},
		{"handler_panics_total", s.HandlerPanics},
		{"bytes_written_total", s.BytesWritten},
		{"buffers_acquired_total", s.BuffersAcquired},
		{"buffers_released_total", s.BuffersReleased},
	} {
		fmt.Fprintf(&b, "%s %d\n", kv.name, kv.v)
	}

	return b.String()
}

// StatsHandler returns a handler that answers with the current counters of stats as text/plain.
func StatsHandler(stats *Stats) Handler {
	return HandlerFunc(func(w *WriteContext, _ *Request, _ any) {
		body := stats.Snapshot().String()
		respond(w, frame(int(CodeOK), "text/plain; charset=utf-8", []byte(body), w.KeepAlive()))
	})
}
