package haywire

import (
	"net"

	"github.com/cockroachdb/errors"
)

// Socket is the reactor's view of one accepted connection. Every method must be safe to call from any goroutine;
// completions (the done callback of AsyncWrite and the fn given to Post) must be delivered on the event loop.
type Socket interface {
	// AsyncWrite schedules p to be written in full. The reactor may not touch p after done was called.
	AsyncWrite(p []byte, done func(err error)) error
	// Close schedules the connection to be closed. The reactor reports the close through [Conn.HandleClose].
	Close() error
	// Post schedules fn to run on the event loop.
	Post(fn func()) error
	RemoteAddr() net.Addr
}

// ConnState is the state of a [Conn].
type ConnState uint8

const (
	StateAccepted ConnState = iota
	StateReading
	StateParsing
	StateDispatching
	StateWriting
	StateKeepAliveIdle
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateParsing:
		return "parsing"
	case StateDispatching:
		return "dispatching"
	case StateWriting:
		return "writing"
	case StateKeepAliveIdle:
		return "keep-alive-idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn drives a single connection: it feeds received bytes to the parser, dispatches completed requests and
// applies the keep-alive decision once a response was written. All Handle methods must be called from the event
// loop that owns the connection.
type Conn struct {
	srv   *Server
	sock  Socket
	state ConnState

	asm   *assembler
	wctx  *WriteContext
	stash []byte

	outstanding map[*writeReq]struct{}

	busy     bool
	deferred []func()
}

// Accept binds a newly accepted socket to the server. The reactor reports the socket's events to the returned
// connection, starting with [Conn.HandleOpen]. The first call freezes the route registry like [Server.Open] does.
// It fails with [ErrNotInitialized] if the server has no configuration yet.
func (s *Server) Accept(sock Socket) (*Conn, error) {
	if err := s.prepare(); err != nil {
		return nil, err
	}

	s.stats.connectionsCreated.Add(1)

	return &Conn{
		srv:         s,
		sock:        sock,
		state:       StateAccepted,
		asm:         newAssembler(s.cfg.MaxHeaderBytes, s.cfg.MaxRequestBytes),
		outstanding: make(map[*writeReq]struct{}),
	}, nil
}

// State returns the current state of the connection.
func (c *Conn) State() ConnState { return c.state }

// HandleOpen starts reading.
func (c *Conn) HandleOpen() {
	c.run(func() {
		if c.state == StateAccepted {
			c.state = StateReading
		}
	})
}

// HandleRead processes bytes read from the socket. The connection does not retain data after the call returns.
func (c *Conn) HandleRead(data []byte) {
	if len(data) == 0 {
		return
	}

	// data belongs to the reactor, so anything that cannot be handled right away is copied
	if c.busy {
		buf := append([]byte(nil), data...)
		c.run(func() { c.read(buf) })
		return
	}

	c.run(func() { c.read(data) })
}

// HandleEOF handles the end of the read stream or a read error. Any partially received request is dropped and the
// connection is closed.
func (c *Conn) HandleEOF(err error) {
	c.run(func() {
		if err != nil {
			c.srv.logs.LogConnError(c.sock.RemoteAddr(), err)
		}

		c.asm.abort()
		c.stash = nil
		c.close()
	})
}

// HandleClose is called once the reactor closed the socket, either because it was asked to or because the peer went
// away. Every write that is still outstanding completes with [ErrConnClosed] and its buffer is released.
func (c *Conn) HandleClose(err error) {
	c.run(func() {
		if c.state == StateClosed {
			return
		}

		if err != nil && c.state < StateClosing {
			c.srv.logs.LogConnError(c.sock.RemoteAddr(), err)
		}

		c.state = StateClosed
		for req := range c.outstanding {
			req.finish(ErrConnClosed)
		}

		if w := c.wctx; w != nil && !w.finished {
			w.finished = true
			w.runAfterFinish(ErrConnClosed)
		}

		c.wctx = nil
		c.asm.abort()
		c.stash = nil
		c.srv.stats.connectionsDestroyed.Add(1)
	})
}

// run executes fn unless the connection is already executing a step, in which case fn is queued and executed right
// after the current step. Completions that fire while a handler is on the stack therefore run after it returned.
func (c *Conn) run(fn func()) {
	if c.busy {
		c.deferred = append(c.deferred, fn)
		return
	}

	c.busy = true
	defer func() { c.busy = false }()

	fn()
	for len(c.deferred) > 0 {
		next := c.deferred[0]
		c.deferred[0] = nil
		c.deferred = c.deferred[1:]
		next()
	}
	c.deferred = c.deferred[:0]
}

func (c *Conn) read(data []byte) {
	switch c.state {
	case StateReading, StateKeepAliveIdle:
		c.state = StateReading
		c.feed(data)
	case StateClosing, StateClosed:
	default:
		c.hold(data)
	}
}

// hold stashes bytes that arrived while the connection is busy with a request. They are parsed once the
// connection returns to reading.
func (c *Conn) hold(data []byte) {
	if limit := c.srv.stashLimit(); len(c.stash)+len(data) > limit {
		c.srv.logs.LogConnError(c.sock.RemoteAddr(), errors.Wrapf(ErrRequestTooLarge,
			"more than %d bytes received while busy", limit))
		c.stash = nil
		c.close()

		return
	}

	c.stash = append(c.stash, data...)
}

func (c *Conn) feed(data []byte) {
	for len(data) > 0 && c.state == StateReading {
		c.state = StateParsing

		n, err := c.asm.execute(data)
		if err != nil {
			c.fail(err)
			return
		}

		data = data[n:]
		if !c.asm.req.ready {
			c.state = StateReading
			if n == 0 {
				break
			}

			continue
		}

		c.dispatch()
	}

	if len(data) > 0 && c.state < StateClosing {
		c.hold(data)
	}
}

func (c *Conn) dispatch() {
	c.state = StateDispatching
	c.srv.stats.requestsDispatched.Add(1)

	req := c.asm.req
	req.ready = false

	c.wctx = newWriteContext(c, req)
	c.srv.dispatcher.serve(c.wctx, req)

	if c.state == StateDispatching {
		c.state = StateWriting
	}
}

// resume waits for the next request after a kept-alive response and parses whatever arrived meanwhile.
func (c *Conn) resume() {
	c.state = StateKeepAliveIdle
	c.wctx = nil

	if len(c.stash) == 0 {
		return
	}

	data := c.stash
	c.stash = nil
	c.state = StateReading
	c.feed(data)
}

// fail answers a request that could not be parsed with a fixed error response and closes the connection once it
// was written.
func (c *Conn) fail(err error) {
	c.srv.stats.protocolErrors.Add(1)
	c.srv.logs.LogProtocolError(c.sock.RemoteAddr(), err)

	code := CodeOf(err)
	if code == CodeUnknown {
		code = CodeBadRequest
	}

	req := c.asm.req
	c.asm.abort()
	c.stash = nil

	c.state = StateWriting
	c.wctx = newWriteContext(c, req)
	c.wctx.keepAlive = false

	if werr := c.wctx.Write(StatusResponse(code, false), nil, nil); werr != nil {
		c.close()
	}
}

func (c *Conn) close() {
	if c.state >= StateClosing {
		return
	}

	c.state = StateClosing
	if err := c.sock.Close(); err != nil {
		c.srv.logs.LogConnError(c.sock.RemoteAddr(), errors.Wrap(err, "close"))
	}
}
