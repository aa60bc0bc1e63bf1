package haywire

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
)

// WriteContext is handed to a handler for one dispatched request. Handlers answer through it with fully framed
// response bytes: zero or more chunks followed by exactly one final write. Its methods must be called on the event
// loop, either from the handler itself, from a completion, or from a function scheduled with [WriteContext.Post].
type WriteContext struct {
	conn      *Conn
	req       *Request
	ctx       context.Context
	keepAlive bool
	finished  bool
	status    int

	afterFinish []func(err error)
}

func newWriteContext(c *Conn, req *Request) *WriteContext {
	return &WriteContext{
		conn:      c,
		req:       req,
		ctx:       context.Background(),
		keepAlive: req.keepAlive,
	}
}

// Write sends p as the final part of the response. Exactly len(p) bytes are written; p is copied, so the caller
// may reuse it as soon as Write returns. When the write completed, done is called with data and the write error,
// after which the connection either waits for the next request or closes, depending on [WriteContext.KeepAlive].
// If Write itself returns an error, done is never called.
func (w *WriteContext) Write(p []byte, done CompletionFunc, data any) error {
	return w.writeCopy(p, true, done, data)
}

// WriteChunk sends p as a non-final part of the response. It behaves like [WriteContext.Write] but leaves the
// response open for more writes.
func (w *WriteContext) WriteChunk(p []byte, done CompletionFunc, data any) error {
	return w.writeCopy(p, false, done, data)
}

// WriteBuffer sends the contents of b as the final part of the response. Ownership of b moves to the write
// pipeline, even if an error is returned: the buffer is released once the write completed and must not be used
// afterwards.
func (w *WriteContext) WriteBuffer(b *Buffer, done CompletionFunc, data any) error {
	return w.send(b, true, done, data)
}

// NewBuffer returns an empty owned buffer that is subject to the server's buffer limit.
func (w *WriteContext) NewBuffer() (*Buffer, error) {
	return w.conn.srv.pool.acquire(0)
}

// KeepAlive reports whether the connection will serve another request after this response.
func (w *WriteContext) KeepAlive() bool { return w.keepAlive }

// SetKeepAlive can turn keep-alive off for this response. A connection the client asked to close is never kept
// open, so turning it on for such a request has no effect.
func (w *WriteContext) SetKeepAlive(v bool) {
	w.keepAlive = w.keepAlive && v
}

// Finished reports whether the final write was issued.
func (w *WriteContext) Finished() bool { return w.finished }

// Status returns the status code of the response as written so far, or zero if the first write did not start
// with a status line.
func (w *WriteContext) Status() int { return w.status }

// AfterFinish registers fn to be called once the response ended, with the error of the final write. If the
// connection closes before the final write was issued, fn is called with [ErrConnClosed].
func (w *WriteContext) AfterFinish(fn func(err error)) {
	w.afterFinish = append(w.afterFinish, fn)
}

// Context returns the context of the request. It is [context.Background] unless a middleware replaced it.
func (w *WriteContext) Context() context.Context { return w.ctx }

// SetContext replaces the request context.
func (w *WriteContext) SetContext(ctx context.Context) { w.ctx = ctx }

// Post runs fn on the event loop of the connection. It is the way for work that finished on another goroutine to
// get back to the write context.
func (w *WriteContext) Post(fn func()) error {
	c := w.conn

	return c.sock.Post(func() { c.run(fn) })
}

func (w *WriteContext) writeCopy(p []byte, final bool, done CompletionFunc, data any) error {
	if err := w.check(); err != nil {
		return err
	}

	b, err := w.conn.srv.pool.copyOf(p)
	if err != nil {
		return err
	}

	return w.send(b, final, done, data)
}

func (w *WriteContext) check() error {
	switch {
	case w.finished:
		return errors.Wrap(ErrResponseFinished, "write")
	case w.conn.state >= StateClosing:
		return errors.Wrap(ErrConnClosed, "write")
	}

	return nil
}

func (w *WriteContext) send(b *Buffer, final bool, done CompletionFunc, data any) error {
	if err := w.check(); err != nil {
		b.Release()
		return err
	}

	if w.status == 0 {
		w.status = sniffStatus(b.Bytes())
	}

	if final {
		w.finished = true
	}

	c := w.conn
	req := &writeReq{w: w, buf: b, final: final, done: done, data: data}
	c.outstanding[req] = struct{}{}

	if err := c.sock.AsyncWrite(b.Bytes(), func(err error) {
		c.run(func() { req.finish(err) })
	}); err != nil {
		c.run(func() { req.finish(errors.Wrap(err, "async write")) })
	}

	return nil
}

func (w *WriteContext) runAfterFinish(err error) {
	hooks := w.afterFinish
	w.afterFinish = nil

	for _, fn := range hooks {
		fn(err)
	}
}

// writeReq is a single write in flight. It owns its buffer until finish released it.
type writeReq struct {
	w     *WriteContext
	buf   *Buffer
	final bool
	done  CompletionFunc
	data  any

	finished bool
}

// finish completes the write. It closes the connection if the response ended without keep-alive or the write
// failed, calls the completion, and releases the buffer. Only the first call has any effect.
func (r *writeReq) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true

	c := r.w.conn
	delete(c.outstanding, r)

	keep := r.final && r.w.keepAlive && err == nil
	if err != nil || (r.final && !keep) {
		c.close()
	}

	if r.done != nil {
		c.srv.dispatcher.complete(r.w, r.done, r.data, err)
		if keep && !r.w.keepAlive {
			keep = false
			c.close()
		}
	}

	n := len(r.buf.buf)
	if r.buf.Release() && err == nil {
		c.srv.stats.bytesWritten.Add(int64(n))
	}

	if !r.final {
		return
	}

	r.w.runAfterFinish(err)
	if keep && c.state == StateWriting {
		c.resume()
	}
}

// sniffStatus reads the status code from an HTTP/1.x status line.
func sniffStatus(p []byte) int {
	const prefix = "HTTP/1.x "
	if len(p) < len(prefix)+3 || string(p[:5]) != "HTTP/" || p[8] != ' ' {
		return 0
	}

	code, err := strconv.Atoi(string(p[9:12]))
	if err != nil {
		return 0
	}

	return code
}
