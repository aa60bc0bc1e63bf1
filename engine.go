package haywire

import (
	"net"

	"github.com/panjf2000/gnet/v2"
)

// engine connects the gnet event loop to the server's connections.
type engine struct {
	gnet.BuiltinEventEngine
	srv *Server
}

func (e *engine) OnBoot(eng gnet.Engine) gnet.Action {
	e.srv.booted(eng)
	return gnet.None
}

func (e *engine) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn, err := e.srv.Accept(gnetSocket{c})
	if err != nil {
		e.srv.logs.LogConnError(c.RemoteAddr(), err)
		return nil, gnet.Close
	}

	c.SetContext(conn)
	conn.HandleOpen()

	return nil, gnet.None
}

func (e *engine) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Conn)
	if !ok {
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		conn.HandleEOF(err)
		return gnet.None
	}

	conn.HandleRead(buf)

	return gnet.None
}

func (e *engine) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Conn); ok {
		conn.HandleClose(err)
		c.SetContext(nil)
	}

	return gnet.None
}

// gnetSocket implements [Socket] on a gnet connection.
type gnetSocket struct{ c gnet.Conn }

func (s gnetSocket) AsyncWrite(p []byte, done func(err error)) error {
	return s.c.AsyncWrite(p, func(_ gnet.Conn, err error) error {
		done(err)
		return nil
	})
}

func (s gnetSocket) Close() error { return s.c.Close() }

func (s gnetSocket) Post(fn func()) error {
	return s.c.Wake(func(_ gnet.Conn, _ error) error {
		fn()
		return nil
	})
}

func (s gnetSocket) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
