package haywire

// Handler serves a dispatched request. It is called on the event loop and must not block. A handler answers by
// writing fully framed response bytes through w; the final write ends the response. Neither w nor r may be
// retained after the final write completed, since both are reused for the next request on the connection.
type Handler interface {
	ServeHaywire(w *WriteContext, r *Request, data any)
}

// HandlerFunc allow casting a function to imple [Handler].
type HandlerFunc func(w *WriteContext, r *Request, data any)

// ServeHaywire implements the [Handler] interface.
func (f HandlerFunc) ServeHaywire(w *WriteContext, r *Request, data any) {
	f(w, r, data)
}

// CompletionFunc is called exactly once per write, on the event loop, after the write completed or failed. It
// receives the opaque data that was passed along with the write.
type CompletionFunc func(data any, err error)
