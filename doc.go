// Package haywire provides an embeddable asynchronous HTTP/1.x server core.
//
// # Overview
//
// haywire accepts TCP connections on a single event loop, parses HTTP/1.x requests incrementally as bytes
// arrive, dispatches every completed request to a registered route handler and manages the lifetime of the
// response buffers until the reactor reports the write as done. Handlers produce fully framed wire bytes:
// haywire writes exactly the bytes it is given and never adds a status line or headers of its own, with the
// exception of the fixed responses listed under "Default responses".
//
// A minimal example:
//
//	srv := haywire.NewServer()
//	srv.HandleFunc("/hello", func(w *haywire.WriteContext, r *haywire.Request, _ any) {
//	    w.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"), nil, nil)
//	}, nil)
//
//	if err := srv.InitWithConfig("0.0.0.0", 8000); err != nil {
//	    log.Fatal(err)
//	}
//
//	log.Fatal(srv.Open(ctx))
//
// # Routes
//
// Routes are registered with [Server.Handle], [Server.HandleFunc] and [Server.Mount] before the server is
// opened. Every route carries opaque data that is passed to each invocation of its handler. Registering a path
// twice fails with [ErrDuplicateRoute]; the first registration stays in place. Exact routes take precedence over
// mounted prefixes, and among prefixes the longest one wins. Once [Server.Open] runs, the route table is frozen
// and read without any locking.
//
// # Handlers and writes
//
// A [Handler] is called on the event loop and must not block. It answers through the [WriteContext]:
//
//   - [WriteContext.WriteChunk] sends part of a response
//   - [WriteContext.Write] sends the final part and ends the response
//   - [WriteContext.WriteBuffer] ends the response with an owned [Buffer]
//
// Every write takes a completion function and opaque data. The completion is called exactly once, on the event
// loop, after the write completed or failed. A completion never runs while the handler that issued the write is
// still on the stack: completions that fire early are queued and run in order right after the handler returned.
//
// Work that finishes on another goroutine hands its result back with [WriteContext.Post].
//
// # Keep-alive
//
// Whether a connection serves another request is decided when the final write completed. The client's wish
// (HTTP/1.1 default, Connection headers, HTTP/1.0 rules) is the starting point; a handler can turn keep-alive off
// with [WriteContext.SetKeepAlive]. A connection only ever has one request in flight: bytes that arrive while a
// request is dispatched or written are held and parsed once the response finished.
//
// # Buffers
//
// A [Buffer] has exactly one owner. Passing it to [WriteContext.WriteBuffer] moves it to the write pipeline,
// which releases it once the write completed or the connection closed. Any use of a released buffer panics with
// [ErrBufferReleased], and buffers that would grow past the configured limit fail with [ErrOutOfMemory].
//
// # Default responses
//
// Requests that match no route get a fixed 404 response, unless [WithNotFoundHandler] replaced it. Requests that
// cannot be parsed are answered with 400, 413 or 431 and the connection closes once the response was written. A
// handler panic is answered with 500 and closes the connection. All of these are rendered by [StatusResponse].
//
// # Configuration
//
// [Config] is read from an INI or JSON file by [Server.InitFromConfig], or built from an address and port by
// [Server.InitWithConfig]:
//
//	[http]
//	listen_address = 0.0.0.0
//	listen_port = 8000
//
// # Observability
//
// A [Logger] is informed about connection and protocol errors, and [Stats] counts connections, requests and
// buffers. [WithStatsRoute] serves the counters over HTTP. [WithTracerProvider] starts an OpenTelemetry span for
// every request.
package haywire
